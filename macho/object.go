// Package macho opens a Mach-O byte region, FAT or thin, and exposes the
// per-architecture variants and their defined text symbols. It deliberately
// parses far less than a general-purpose Mach-O reader: only what is needed
// to recover a variant's identity (uuid, install name, __TEXT bounds) and its
// defined, non-external __TEXT,__TEXT symbols.
package macho

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/apex/log"
	"github.com/edsrzf/mmap-go"
	"github.com/google/uuid"

	"github.com/appsworld/symdb/errs"
	"github.com/appsworld/symdb/macho/types"
)

// Backing is the byte-region abstraction behind an Object: a borrowed slice,
// an owned buffer, and a memory map all reduce to "an immutable slice of
// bytes with a lifetime someone else owns." The memdb Reader has its own
// copy of the same shape (symdb.Backing).
type Backing interface {
	Buffer() []byte
}

// Closer is implemented by backings that hold an OS resource (a memory map)
// that must be released explicitly.
type Closer interface {
	Close() error
}

type sliceBacking []byte

func (s sliceBacking) Buffer() []byte { return []byte(s) }

// NewSliceBacking wraps an already-in-memory buffer, borrowed or owned; the
// caller retains ownership and the backing never copies it.
func NewSliceBacking(b []byte) Backing { return sliceBacking(b) }

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

func openMmapBacking(path string) (*mmapBacking, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.Wrap(errs.IO, "open", err)
	}
	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, errs.Wrap(errs.IO, "mmap", err)
	}
	return &mmapBacking{f: f, m: m}, nil
}

// Variant is one architecture-specific image inside an Object.
type Variant struct {
	CPU    types.CPU
	Sub    types.CPUSubtype
	UUID   *uuid.UUID
	Name   string // install name, from LC_ID_DYLIB; diagnostic only
	Vmaddr uint64 // __TEXT segment vmaddr
	Vmsize uint64 // __TEXT segment vmsize

	offset    int64
	is64      bool
	byteOrder binary.ByteOrder
	symoff    uint32
	nsyms     uint32
	stroff    uint32
	strsize   uint32
	sections  []sectionRef
	hasSymtab bool
}

type sectionRef struct {
	segName  string
	sectName string
}

// Arch renders the variant's (cputype, cpusubtype) pair through the same
// table Object.Symbols resolves flags against; unmapped pairs render as
// "unknown".
func (v *Variant) Arch() string { return archName(v.CPU, v.Sub) }

// Object is an in-memory view over a Mach-O byte region: the Backing plus
// the Variants parsed from it. Its lifetime is bound to the Backing it was
// built from.
type Object struct {
	backing  Backing
	variants []*Variant
}

// Close releases the underlying OS resource, if the backing holds one (a
// memory map). Safe to call on slice-backed Objects; it is then a no-op.
func (o *Object) Close() error {
	if c, ok := o.backing.(Closer); ok {
		return c.Close()
	}
	return nil
}

// Variants returns the architecture-specific images found in the object, in
// file order.
func (o *Object) Variants() []*Variant { return o.variants }

// Open memory-maps path read-only and parses it as a Mach-O object.
func Open(path string) (*Object, error) {
	b, err := openMmapBacking(path)
	if err != nil {
		return nil, err
	}
	obj, err := NewFromBacking(b)
	if err != nil {
		b.Close()
		return nil, err
	}
	return obj, nil
}

// New parses data (borrowed or owned by the caller) as a Mach-O object.
func New(data []byte) (*Object, error) {
	return NewFromBacking(NewSliceBacking(data))
}

// NewFromBacking parses an already-constructed Backing as a Mach-O object:
// a FAT container or a single thin Mach-O. Any other input is rejected with
// a load error (see errs.IsLoadError).
func NewFromBacking(b Backing) (*Object, error) {
	data := b.Buffer()
	if len(data) < 4 {
		return nil, errs.NewLoadError("file too small to contain a Mach-O magic")
	}

	magic := binary.BigEndian.Uint32(data[0:4])
	switch types.Magic(magic) {
	case types.MagicFat, types.MagicFat64:
		variants, err := parseFat(data, types.Magic(magic))
		if err != nil {
			return nil, err
		}
		return &Object{backing: b, variants: variants}, nil
	}

	if isMachMagic(data) {
		v, err := parseThin(data, 0)
		if err != nil {
			return nil, err
		}
		return &Object{backing: b, variants: []*Variant{v}}, nil
	}

	log.Debugf("not a mach-o: leading bytes %x", data[:4])
	return nil, errs.NewLoadError("not a mach-o file")
}

func isMachMagic(data []byte) bool {
	if len(data) < 4 {
		return false
	}
	be := binary.BigEndian.Uint32(data[0:4])
	le := binary.LittleEndian.Uint32(data[0:4])
	m32 := uint32(types.Magic32) &^ 1
	return be&^1 == m32 || le&^1 == m32
}

func parseFat(data []byte, magic types.Magic) ([]*Variant, error) {
	if len(data) < types.FatHeaderSize {
		return nil, errs.New(errs.MachO, "fat header truncated")
	}
	narch := binary.BigEndian.Uint32(data[4:8])
	variants := make([]*Variant, 0, narch)

	archSize := types.FatArch32Size
	if magic == types.MagicFat64 {
		archSize = types.FatArch64Size
	}

	off := types.FatHeaderSize
	for i := uint32(0); i < narch; i++ {
		if off+archSize > len(data) {
			return nil, errs.New(errs.MachO, "fat arch table truncated")
		}
		var childOffset int64
		if magic == types.MagicFat64 {
			childOffset = int64(binary.BigEndian.Uint64(data[off+8 : off+16]))
		} else {
			childOffset = int64(binary.BigEndian.Uint32(data[off+8 : off+12]))
		}
		off += archSize

		if childOffset < 0 || childOffset >= int64(len(data)) {
			return nil, errs.New(errs.MachO, "fat arch offset out of bounds")
		}
		v, err := parseThin(data, childOffset)
		if err != nil {
			if errs.IsLoadError(err) {
				log.Warnf("fat arch %d is not a mach-o, skipping", i)
				continue
			}
			return nil, err
		}
		variants = append(variants, v)
	}
	return variants, nil
}

func parseThin(data []byte, off int64) (*Variant, error) {
	if off+4 > int64(len(data)) {
		return nil, errs.NewLoadError("truncated before magic")
	}
	be := binary.BigEndian.Uint32(data[off : off+4])
	le := binary.LittleEndian.Uint32(data[off : off+4])

	var bo binary.ByteOrder
	var is64 bool
	switch uint32(types.Magic32) &^ 1 {
	case be &^ 1:
		bo = binary.BigEndian
		is64 = (be & 1) != 0
	case le &^ 1:
		bo = binary.LittleEndian
		is64 = (le & 1) != 0
	default:
		return nil, errs.NewLoadError(fmt.Sprintf("bad mach-o magic %#x", be))
	}

	hdrSize := int64(types.FileHeaderSize32)
	if is64 {
		hdrSize = types.FileHeaderSize64
	}
	if off+hdrSize > int64(len(data)) {
		return nil, errs.New(errs.MachO, "header truncated")
	}

	// FileHeader has the 64-bit layout; a 32-bit header lacks the trailing
	// Reserved word, which is left zero.
	hdrBytes := make([]byte, types.FileHeaderSize64)
	copy(hdrBytes, data[off:off+hdrSize])
	r := bytes.NewReader(hdrBytes)
	var hdr types.FileHeader
	if err := binary.Read(r, bo, &hdr); err != nil {
		return nil, errs.Wrap(errs.MachO, "reading file header", err)
	}

	v := &Variant{CPU: hdr.CPU, Sub: hdr.SubCPU, offset: off, is64: is64, byteOrder: bo}

	cmdOff := off + hdrSize
	for i := uint32(0); i < hdr.NCommands; i++ {
		if cmdOff+8 > int64(len(data)) {
			return nil, errs.New(errs.MachO, "load command table truncated")
		}
		cmd := types.LoadCmd(bo.Uint32(data[cmdOff : cmdOff+4]))
		cmdLen := bo.Uint32(data[cmdOff+4 : cmdOff+8])
		if cmdLen < 8 || cmdOff+int64(cmdLen) > int64(len(data)) {
			return nil, errs.New(errs.MachO, "load command size out of bounds")
		}
		body := data[cmdOff : cmdOff+int64(cmdLen)]

		switch cmd {
		case types.LC_UUID:
			var u types.UUIDCmd
			if err := binary.Read(bytes.NewReader(body), bo, &u); err == nil {
				id, err := uuid.FromBytes(u.UUID[:])
				if err == nil {
					v.UUID = &id
				}
			}
		case types.LC_ID_DYLIB:
			if len(body) < 24 {
				return nil, errs.New(errs.MachO, "LC_ID_DYLIB command too small")
			}
			var d types.DylibCmd
			if err := binary.Read(bytes.NewReader(body[:24]), bo, &d); err == nil && int(d.Name) < len(body) {
				v.Name = cString(body[d.Name:])
			}
		case types.LC_SEGMENT:
			if len(body) < 56 {
				return nil, errs.New(errs.MachO, "LC_SEGMENT command too small")
			}
			var seg types.Segment32
			if err := binary.Read(bytes.NewReader(body[:56]), bo, &seg); err == nil {
				name := cString(seg.Name[:])
				if name == "__TEXT" {
					v.Vmaddr, v.Vmsize = uint64(seg.Addr), uint64(seg.Memsz)
				}
				collectSections32(body[56:], seg.Nsect, bo, &v.sections)
			}
		case types.LC_SEGMENT_64:
			if len(body) < 72 {
				return nil, errs.New(errs.MachO, "LC_SEGMENT_64 command too small")
			}
			var seg types.Segment64
			if err := binary.Read(bytes.NewReader(body[:72]), bo, &seg); err == nil {
				name := cString(seg.Name[:])
				if name == "__TEXT" {
					v.Vmaddr, v.Vmsize = seg.Addr, seg.Memsz
				}
				collectSections64(body[72:], seg.Nsect, bo, &v.sections)
			}
		case types.LC_SYMTAB:
			var st types.SymtabCmd
			if err := binary.Read(bytes.NewReader(body), bo, &st); err == nil {
				v.symoff, v.nsyms = st.Symoff, st.Nsyms
				v.stroff, v.strsize = st.Stroff, st.Strsize
				v.hasSymtab = true
			}
		default:
			// unknown/irrelevant load command, ignored
		}
		cmdOff += int64(cmdLen)
	}

	return v, nil
}

func collectSections32(body []byte, nsect uint32, bo binary.ByteOrder, out *[]sectionRef) {
	const sz = 68
	for i := uint32(0); i < nsect; i++ {
		start := int(i) * sz
		if start+sz > len(body) {
			return
		}
		*out = append(*out, sectionRef{
			sectName: cString(body[start : start+16]),
			segName:  cString(body[start+16 : start+32]),
		})
	}
}

func collectSections64(body []byte, nsect uint32, bo binary.ByteOrder, out *[]sectionRef) {
	const sz = 80
	for i := uint32(0); i < nsect; i++ {
		start := int(i) * sz
		if start+sz > len(body) {
			return
		}
		*out = append(*out, sectionRef{
			sectName: cString(body[start : start+16]),
			segName:  cString(body[start+16 : start+32]),
		})
	}
}

func cString(b []byte) string {
	n := bytes.IndexByte(b, 0)
	if n < 0 {
		n = len(b)
	}
	return string(b[:n])
}
