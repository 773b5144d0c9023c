// Package symdb implements the flat, memory-mappable symbol database: the
// Writer consumes a bundle walk and emits the file; the Reader maps it back
// and serves UUID, name-alias, and address lookups by decoding records in
// place from the mapped bytes. The file is never read into the heap as a
// whole; the symbol and object-name strings a lookup returns are copies.
package symdb

import "encoding/binary"

// Version is the only symdb schema version this package writes or accepts.
const Version uint32 = 1

// Magic identifies a symdb file before the version is even checked.
const Magic uint32 = 0x53594d44 // "SYMD"

// headerSize is the fixed byte length of the file header. Every offset in
// the file is measured from byte 0, so this is also where the UUID table
// conventionally begins (the writer places it immediately after the header).
const headerSize = 4 + 4 + // magic, version
	sdkInfoSize +
	headerRangeFieldCount*8 // 5 (start,count-or-end) pairs, 2 uint64 each

const sdkInfoSize = 64 + 4 + 4 + 4 + 32 + 32 // platform, major, minor, patch, build, flavour (fixed-width, NUL-padded)

// headerRangeFieldCount is the number of uint64 values in the five range
// pairs: uuids, variants, symbols, object-names (each start+count), plus
// the tagged-name region (start+end).
const headerRangeFieldCount = 10

// header is the on-disk file header, decoded field by field rather than via
// struct punning so that field widths are explicit and portable.
type header struct {
	Magic   uint32
	Version uint32

	Platform string
	Major    uint32
	Minor    uint32
	Patch    uint32
	Build    string
	Flavour  string

	UUIDStart, UUIDCount         uint64
	VariantStart, VariantCount   uint64
	SymbolStart, SymbolCount     uint64
	ObjNameStart, ObjNameCount   uint64
	TaggedNameStart, TaggedNameEnd uint64
}

func putFixedString(b []byte, s string) {
	n := copy(b, s)
	for i := n; i < len(b); i++ {
		b[i] = 0
	}
}

func getFixedString(b []byte) string {
	n := 0
	for n < len(b) && b[n] != 0 {
		n++
	}
	return string(b[:n])
}

func (h *header) encode() []byte {
	buf := make([]byte, headerSize)
	bo := binary.LittleEndian
	bo.PutUint32(buf[0:4], h.Magic)
	bo.PutUint32(buf[4:8], h.Version)

	off := 8
	putFixedString(buf[off:off+64], h.Platform)
	off += 64
	bo.PutUint32(buf[off:off+4], h.Major)
	off += 4
	bo.PutUint32(buf[off:off+4], h.Minor)
	off += 4
	bo.PutUint32(buf[off:off+4], h.Patch)
	off += 4
	putFixedString(buf[off:off+32], h.Build)
	off += 32
	putFixedString(buf[off:off+32], h.Flavour)
	off += 32

	pairs := []uint64{
		h.UUIDStart, h.UUIDCount,
		h.VariantStart, h.VariantCount,
		h.SymbolStart, h.SymbolCount,
		h.ObjNameStart, h.ObjNameCount,
		h.TaggedNameStart, h.TaggedNameEnd,
	}
	for _, v := range pairs {
		bo.PutUint64(buf[off:off+8], v)
		off += 8
	}
	return buf
}

func decodeHeader(b []byte) (*header, error) {
	if len(b) < headerSize {
		return nil, errBadMemDb("file smaller than header")
	}
	bo := binary.LittleEndian
	h := &header{}
	h.Magic = bo.Uint32(b[0:4])
	h.Version = bo.Uint32(b[4:8])

	off := 8
	h.Platform = getFixedString(b[off : off+64])
	off += 64
	h.Major = bo.Uint32(b[off : off+4])
	off += 4
	h.Minor = bo.Uint32(b[off : off+4])
	off += 4
	h.Patch = bo.Uint32(b[off : off+4])
	off += 4
	h.Build = getFixedString(b[off : off+32])
	off += 32
	h.Flavour = getFixedString(b[off : off+32])
	off += 32

	vals := make([]uint64, 10)
	for i := range vals {
		vals[i] = bo.Uint64(b[off : off+8])
		off += 8
	}
	h.UUIDStart, h.UUIDCount = vals[0], vals[1]
	h.VariantStart, h.VariantCount = vals[2], vals[3]
	h.SymbolStart, h.SymbolCount = vals[4], vals[5]
	h.ObjNameStart, h.ObjNameCount = vals[6], vals[7]
	h.TaggedNameStart, h.TaggedNameEnd = vals[8], vals[9]
	return h, nil
}

// StoredSlice packs an (offset, length, compressed) string-slice descriptor
// into 8 little-endian bytes: offset:40, length:23, compressed:1.
type StoredSlice struct {
	Offset     uint64
	Length     uint32
	Compressed bool
}

const (
	storedSliceOffsetBits = 40
	storedSliceLengthBits = 23
	storedSliceSize       = 8

	maxStoredSliceOffset = 1<<storedSliceOffsetBits - 1
	maxStoredSliceLength = 1<<storedSliceLengthBits - 1
)

func (s StoredSlice) encode() [storedSliceSize]byte {
	var packed uint64
	packed |= s.Offset & maxStoredSliceOffset
	packed |= (uint64(s.Length) & maxStoredSliceLength) << storedSliceOffsetBits
	if s.Compressed {
		packed |= 1 << 63
	}
	var out [storedSliceSize]byte
	binary.LittleEndian.PutUint64(out[:], packed)
	return out
}

func decodeStoredSlice(b []byte) StoredSlice {
	packed := binary.LittleEndian.Uint64(b[:storedSliceSize])
	return StoredSlice{
		Offset:     packed & maxStoredSliceOffset,
		Length:     uint32((packed >> storedSliceOffsetBits) & maxStoredSliceLength),
		Compressed: packed&(1<<63) != 0,
	}
}

// IndexItem packs (address, symbol-id, source-object-id) into 11
// little-endian bytes: address:40, symbol-id:24, source-object-id:24.
type IndexItem struct {
	Addr     uint64
	SymID    uint32
	ObjectID uint32
}

const (
	indexItemAddrBits = 40
	indexItemIDBits   = 24
	indexItemSize     = 11

	maxIndexItemAddr = 1<<indexItemAddrBits - 1
	maxIndexItemID   = 1<<indexItemIDBits - 1
)

// address (40 bits) and symbol-id (24 bits) together fill exactly one
// 64-bit word; source-object-id (24 bits) fills the remaining 3 bytes.
func (it IndexItem) encode() [indexItemSize]byte {
	low := (it.Addr & maxIndexItemAddr) | (uint64(it.SymID&maxIndexItemID) << indexItemAddrBits)

	var out [indexItemSize]byte
	binary.LittleEndian.PutUint64(out[0:8], low)
	obj := it.ObjectID & maxIndexItemID
	out[8] = byte(obj)
	out[9] = byte(obj >> 8)
	out[10] = byte(obj >> 16)
	return out
}

func decodeIndexItem(b []byte) IndexItem {
	low := binary.LittleEndian.Uint64(b[0:8])
	obj := uint32(b[8]) | uint32(b[9])<<8 | uint32(b[10])<<16

	return IndexItem{
		Addr:     low & maxIndexItemAddr,
		SymID:    uint32(low>>indexItemAddrBits) & maxIndexItemID,
		ObjectID: obj,
	}
}

// IndexedUUID is a 16-byte UUID followed by a 32-bit little-endian variant
// index: one entry of the UUID table.
type IndexedUUID struct {
	UUID    [16]byte
	Variant uint32
}

const indexedUUIDSize = 16 + 4

func (u IndexedUUID) encode() [indexedUUIDSize]byte {
	var out [indexedUUIDSize]byte
	copy(out[:16], u.UUID[:])
	binary.LittleEndian.PutUint32(out[16:20], u.Variant)
	return out
}

func decodeIndexedUUID(b []byte) IndexedUUID {
	var u IndexedUUID
	copy(u.UUID[:], b[:16])
	u.Variant = binary.LittleEndian.Uint32(b[16:20])
	return u
}

// variantDescriptor is a (offset, length) pair locating one variant's
// index-item array, stored in the variant table in UUID-table order.
type variantDescriptor struct {
	Offset uint64
	Length uint64
}

const variantDescriptorSize = 16

func (v variantDescriptor) encode() [variantDescriptorSize]byte {
	var out [variantDescriptorSize]byte
	binary.LittleEndian.PutUint64(out[0:8], v.Offset)
	binary.LittleEndian.PutUint64(out[8:16], v.Length)
	return out
}

func decodeVariantDescriptor(b []byte) variantDescriptor {
	return variantDescriptor{
		Offset: binary.LittleEndian.Uint64(b[0:8]),
		Length: binary.LittleEndian.Uint64(b[8:16]),
	}
}
