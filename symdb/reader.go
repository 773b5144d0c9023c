package symdb

import (
	"bytes"
	"os"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/edsrzf/mmap-go"
	"github.com/google/uuid"

	"github.com/appsworld/symdb/errs"
	"github.com/appsworld/symdb/sdk"
)

// Backing is the byte-region abstraction the Reader maps its lookups
// through: a borrowed/owned buffer or a memory map, reduced to an immutable
// slice. Mirrors macho.Backing so both halves of the schema share the same
// ownership pattern without sharing package-private types.
type Backing interface {
	Buffer() []byte
}

type sliceBacking []byte

func (s sliceBacking) Buffer() []byte { return []byte(s) }

type mmapBacking struct {
	f *os.File
	m mmap.MMap
}

func (b *mmapBacking) Buffer() []byte { return []byte(b.m) }

func (b *mmapBacking) Close() error {
	if err := b.m.Unmap(); err != nil {
		b.f.Close()
		return err
	}
	return b.f.Close()
}

// Symbol is one resolved lookup result: the image it came from and the
// address/name pair within it.
type Symbol struct {
	ObjectUUID uuid.UUID
	ObjectName string
	Symbol     string
	Addr       uint64
}

// Reader wraps a mapped symdb file. Lookups are pure functions of the
// underlying bytes and perform no interior mutation, so a single Reader may
// be shared across unlimited concurrent callers.
type Reader struct {
	backing Backing
	data    []byte
	h       *header
}

// FromBytes wraps an already-resident buffer (borrowed or owned).
func FromBytes(data []byte) (*Reader, error) {
	return newReader(sliceBacking(data))
}

// Open memory-maps path read-only and validates it as a symdb file.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.Wrap(errs.IO, "open memdb", err)
	}
	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, errs.Wrap(errs.IO, "mmap memdb", err)
	}
	r, err := newReader(&mmapBacking{f: f, m: m})
	if err != nil {
		m.Unmap()
		f.Close()
		return nil, err
	}
	return r, nil
}

func newReader(b Backing) (*Reader, error) {
	data := b.Buffer()
	h, err := decodeHeader(data)
	if err != nil {
		return nil, err
	}
	if h.Magic != Magic {
		return nil, errBadMemDb("bad magic")
	}
	if h.Version != Version {
		return nil, errUnsupportedVersion(h.Version)
	}
	return &Reader{backing: b, data: data, h: h}, nil
}

// Close releases the underlying memory map, if any.
func (r *Reader) Close() error {
	if c, ok := r.backing.(*mmapBacking); ok {
		return c.Close()
	}
	return nil
}

// Info returns the SdkInfo embedded in the header.
func (r *Reader) Info() sdk.Info {
	return sdk.Info{
		Platform: r.h.Platform,
		Major:    int(r.h.Major),
		Minor:    int(r.h.Minor),
		Patch:    int(r.h.Patch),
		Build:    r.h.Build,
		Flavour:  r.h.Flavour,
	}
}

func (r *Reader) uuidAt(i uint64) (IndexedUUID, error) {
	off := r.h.UUIDStart + i*indexedUUIDSize
	if off+indexedUUIDSize > uint64(len(r.data)) {
		return IndexedUUID{}, errBadMemDb("uuid table entry out of bounds")
	}
	return decodeIndexedUUID(r.data[off : off+indexedUUIDSize]), nil
}

func (r *Reader) variantDescAt(i uint64) (variantDescriptor, error) {
	off := r.h.VariantStart + i*variantDescriptorSize
	if off+variantDescriptorSize > uint64(len(r.data)) {
		return variantDescriptor{}, errBadMemDb("variant descriptor out of bounds")
	}
	return decodeVariantDescriptor(r.data[off : off+variantDescriptorSize]), nil
}

func (r *Reader) indexItemAt(vd variantDescriptor, i uint64) (IndexItem, error) {
	off := vd.Offset + i*indexItemSize
	if off+indexItemSize > uint64(len(r.data)) {
		return IndexItem{}, errBadMemDb("index item out of bounds")
	}
	return decodeIndexItem(r.data[off : off+indexItemSize]), nil
}

// binSearchUUID returns the position of target in the UUID table, which is
// sorted strictly by raw byte order, or false if absent.
func (r *Reader) binSearchUUID(target uuid.UUID) (uint64, bool, error) {
	n := r.h.UUIDCount
	var searchErr error
	i := sort.Search(int(n), func(i int) bool {
		iu, err := r.uuidAt(uint64(i))
		if err != nil {
			searchErr = err
			return true
		}
		return bytes.Compare(iu.UUID[:], target[:]) >= 0
	})
	if searchErr != nil {
		return 0, false, searchErr
	}
	if uint64(i) >= n {
		return 0, false, nil
	}
	iu, err := r.uuidAt(uint64(i))
	if err != nil {
		return 0, false, err
	}
	if iu.UUID != [16]byte(target) {
		return 0, false, nil
	}
	return uint64(i), true, nil
}

func (r *Reader) getString(tableStart uint64, count uint64, id uint32) (string, error) {
	if uint64(id) >= count {
		return "", errBadMemDb("string id out of bounds")
	}
	off := tableStart + uint64(id)*storedSliceSize
	if off+storedSliceSize > uint64(len(r.data)) {
		return "", errBadMemDb("string descriptor out of bounds")
	}
	s := decodeStoredSlice(r.data[off : off+storedSliceSize])
	if s.Compressed {
		return "", errBadMemDb("compressed strings are not supported in v1")
	}
	if s.Offset+uint64(s.Length) > uint64(len(r.data)) {
		return "", errBadMemDb("string slice out of bounds")
	}
	raw := r.data[s.Offset : s.Offset+uint64(s.Length)]
	if !utf8.Valid(raw) {
		return "", errBadMemDb("string is not valid utf-8")
	}
	return string(raw), nil
}

func (r *Reader) symbolString(id uint32) (string, error) {
	return r.getString(r.h.SymbolStart, r.h.SymbolCount, id)
}

func (r *Reader) objectNameString(id uint32) (string, error) {
	return r.getString(r.h.ObjNameStart, r.h.ObjNameCount, id)
}

// lookupAtIndex resolves a lookup once the UUID table position is already
// known, shared by LookupByUUID (after a binary search) and
// LookupByObjectName (after a positional tagged-name match).
func (r *Reader) lookupAtIndex(idx uint64, addr uint64) (*Symbol, error) {
	iu, err := r.uuidAt(idx)
	if err != nil {
		return nil, err
	}
	if uint64(iu.Variant) >= r.h.VariantCount {
		return nil, errBadMemDb("uuid entry references out-of-range variant")
	}
	vd, err := r.variantDescAt(uint64(iu.Variant))
	if err != nil {
		return nil, err
	}
	if vd.Offset+vd.Length*indexItemSize > uint64(len(r.data)) {
		return nil, errBadMemDb("variant index-item array out of bounds")
	}

	n := int(vd.Length)
	var searchErr error
	pos := sort.Search(n, func(i int) bool {
		it, err := r.indexItemAt(vd, uint64(i))
		if err != nil {
			searchErr = err
			return true
		}
		return it.Addr >= addr
	})
	if searchErr != nil {
		return nil, searchErr
	}
	if pos >= n {
		return nil, nil
	}
	it, err := r.indexItemAt(vd, uint64(pos))
	if err != nil {
		return nil, err
	}
	if it.Addr != addr {
		return nil, nil
	}

	symName, err := r.symbolString(it.SymID)
	if err != nil {
		return nil, err
	}
	objName, err := r.objectNameString(it.ObjectID)
	if err != nil {
		return nil, err
	}
	return &Symbol{
		ObjectUUID: uuid.UUID(iu.UUID),
		ObjectName: objName,
		Symbol:     symName,
		Addr:       it.Addr,
	}, nil
}

// LookupByUUID binary-searches the UUID table, then the matched variant's
// index-item array by address. A miss at either stage returns (nil, nil),
// not an error; only structural inconsistency returns BadMemDb.
func (r *Reader) LookupByUUID(id uuid.UUID, addr uint64) (*Symbol, error) {
	idx, found, err := r.binSearchUUID(id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return r.lookupAtIndex(idx, addr)
}

// findTaggedIndex linearly scans the tagged-name region for target,
// returning its positional index (equal to the UUID table position of the
// owning UUID) or false.
func (r *Reader) findTaggedIndex(target string) (uint64, bool, error) {
	start, end := r.h.TaggedNameStart, r.h.TaggedNameEnd
	if end > uint64(len(r.data)) || start > end {
		return 0, false, errBadMemDb("tagged-name region out of bounds")
	}
	region := r.data[start:end]
	var idx uint64
	for len(region) > 0 {
		n := bytes.IndexByte(region, 0)
		if n < 0 {
			return 0, false, errBadMemDb("tagged-name region missing terminator")
		}
		if string(region[:n]) == target {
			return idx, true, nil
		}
		region = region[n+1:]
		idx++
	}
	return 0, false, nil
}

// LookupByObjectName resolves "name:arch" to a UUID via the tagged-name
// region, then delegates to the same address lookup LookupByUUID uses.
func (r *Reader) LookupByObjectName(name, arch string, addr uint64) (*Symbol, error) {
	idx, found, err := r.findTaggedIndex(name + ":" + arch)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return r.lookupAtIndex(idx, addr)
}

// FindUUIDFuzzy resolves s to a UUID: as a UUID string via binary search, or
// otherwise by splitting at the last ':' into (name, arch) and resolving
// through the tagged-name region.
func (r *Reader) FindUUIDFuzzy(s string) (*uuid.UUID, error) {
	if u, err := uuid.Parse(s); err == nil {
		idx, found, err := r.binSearchUUID(u)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, nil
		}
		iu, err := r.uuidAt(idx)
		if err != nil {
			return nil, err
		}
		out := uuid.UUID(iu.UUID)
		return &out, nil
	}

	i := strings.LastIndex(s, ":")
	if i < 0 {
		return nil, nil
	}
	idx, found, err := r.findTaggedIndex(s)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	iu, err := r.uuidAt(idx)
	if err != nil {
		return nil, err
	}
	out := uuid.UUID(iu.UUID)
	return &out, nil
}

// SymbolIter yields every index item of one variant's UUID, in stored
// (address-sorted) order.
type SymbolIter struct {
	r   *Reader
	iu  IndexedUUID
	vd  variantDescriptor
	i   uint64
	err error
}

// IterSymbols returns an iterator over every symbol of the variant
// identified by id, or (nil, nil) if id is not present.
func (r *Reader) IterSymbols(id uuid.UUID) (*SymbolIter, error) {
	idx, found, err := r.binSearchUUID(id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	iu, err := r.uuidAt(idx)
	if err != nil {
		return nil, err
	}
	vd, err := r.variantDescAt(uint64(iu.Variant))
	if err != nil {
		return nil, err
	}
	return &SymbolIter{r: r, iu: iu, vd: vd}, nil
}

// Err returns the error that stopped iteration early, if any.
func (it *SymbolIter) Err() error { return it.err }

// Next advances the iterator.
func (it *SymbolIter) Next() (Symbol, bool) {
	if it.err != nil || it.i >= it.vd.Length {
		return Symbol{}, false
	}
	item, err := it.r.indexItemAt(it.vd, it.i)
	if err != nil {
		it.err = err
		return Symbol{}, false
	}
	it.i++

	symName, err := it.r.symbolString(item.SymID)
	if err != nil {
		it.err = err
		return Symbol{}, false
	}
	objName, err := it.r.objectNameString(item.ObjectID)
	if err != nil {
		it.err = err
		return Symbol{}, false
	}
	return Symbol{
		ObjectUUID: uuid.UUID(it.iu.UUID),
		ObjectName: objName,
		Symbol:     symName,
		Addr:       item.Addr,
	}, true
}
