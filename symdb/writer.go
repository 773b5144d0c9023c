package symdb

import (
	"bytes"
	"sort"

	"github.com/apex/log"
	"github.com/google/uuid"

	"github.com/appsworld/symdb/bundle"
	"github.com/appsworld/symdb/macho"
	"github.com/appsworld/symdb/sdk"
)

type rawEntry struct {
	addr  uint64
	symID uint32
}

type uuidBuild struct {
	objectName string
	objID      uint32
	arch       string
	entries    []rawEntry
}

// Writer accumulates objects from a bundle walk and serializes them into a
// single symdb byte buffer. It is not safe for concurrent use; ingestion of
// one bundle happens on one goroutine.
type Writer struct {
	info sdk.Info

	symbols *interner
	objects *interner

	byUUID map[uuid.UUID]*uuidBuild
}

// NewWriter starts a Writer for the given SDK identity.
func NewWriter(info sdk.Info) *Writer {
	return &Writer{
		info:    info,
		symbols: newInterner(),
		objects: newInterner(),
		byUUID:  make(map[uuid.UUID]*uuidBuild),
	}
}

// AddObject consumes one bundle entry: every Variant carrying a UUID
// contributes an index-item set, keyed on that UUID. Architectures with no
// UUID are tolerated but produce nothing indexable, matching the Object
// Reader's contract. A UUID seen more than once (across objects or variants)
// has its entire entry set replaced by the most recent occurrence (last
// wins).
func (w *Writer) AddObject(logicalName string, obj *macho.Object) {
	objID := w.objects.intern(logicalName)
	for _, v := range obj.Variants() {
		if v.UUID == nil {
			continue
		}
		entries := w.collectEntries(obj, v)
		w.byUUID[*v.UUID] = &uuidBuild{
			objectName: logicalName,
			objID:      objID,
			arch:       v.Arch(),
			entries:    entries,
		}
	}
}

// collectEntries walks v's text symbols, interning names and deduplicating
// on address with "first encountered wins," per the ingest ordering
// contract.
func (w *Writer) collectEntries(obj *macho.Object, v *macho.Variant) []rawEntry {
	seen := make(map[uint64]bool)
	var entries []rawEntry

	it := obj.SymbolsForVariant(v)
	for {
		sym, ok := it.Next()
		if !ok {
			break
		}
		if sym.Addr > maxIndexItemAddr {
			log.Warnf("dropping symbol %q: address %#x exceeds 40-bit index range", sym.Name, sym.Addr)
			continue
		}
		if seen[sym.Addr] {
			continue
		}
		seen[sym.Addr] = true

		symID := w.symbols.intern(sym.Name)
		entries = append(entries, rawEntry{addr: sym.Addr, symID: symID})
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].addr < entries[j].addr })
	return entries
}

// IngestWalker drains a bundle.Walker into the writer, stopping at the
// first unrecoverable error (the walker has already silently skipped
// non-Mach-O members).
func (w *Writer) IngestWalker(wk *bundle.Walker) error {
	for {
		entry, ok := wk.Next()
		if !ok {
			break
		}
		w.AddObject(entry.Name, entry.Object)
	}
	return wk.Err()
}

// Bytes serializes the accumulated state into a complete symdb file.
func (w *Writer) Bytes() ([]byte, error) {
	uuids := make([]uuid.UUID, 0, len(w.byUUID))
	for u := range w.byUUID {
		uuids = append(uuids, u)
	}
	sort.Slice(uuids, func(i, j int) bool {
		return bytes.Compare(uuids[i][:], uuids[j][:]) < 0
	})

	var body bytes.Buffer
	// Layout, in order: header (reserved, patched at the end), uuid table,
	// variant descriptor table, concatenated index-item arrays, symbol
	// descriptor table + blob, object-name descriptor table + blob, tagged
	// name region.
	body.Write(make([]byte, headerSize))

	uuidTableStart := body.Len()
	variantDescs := make([]variantDescriptor, len(uuids))
	indexBlobs := make([][]byte, len(uuids))

	for i, u := range uuids {
		b := w.byUUID[u]
		items := make([]byte, 0, len(b.entries)*indexItemSize)
		for _, e := range b.entries {
			enc := IndexItem{Addr: e.addr, SymID: e.symID, ObjectID: b.objID}.encode()
			items = append(items, enc[:]...)
		}
		indexBlobs[i] = items
	}

	// UUID table.
	for i, u := range uuids {
		iu := IndexedUUID{UUID: u, Variant: uint32(i)}.encode()
		body.Write(iu[:])
	}

	// Variant descriptor table: offsets are resolved after we know where
	// the concatenated index-item blob lands, so compute it first.
	indexBlobStart := uuidTableStart + len(uuids)*indexedUUIDSize + len(uuids)*variantDescriptorSize
	offset := uint64(indexBlobStart)
	for i, blob := range indexBlobs {
		variantDescs[i] = variantDescriptor{Offset: offset, Length: uint64(len(w.byUUID[uuids[i]].entries))}
		offset += uint64(len(blob))
	}
	for _, d := range variantDescs {
		enc := d.encode()
		body.Write(enc[:])
	}
	variantDescStart := uuidTableStart + len(uuids)*indexedUUIDSize

	for _, blob := range indexBlobs {
		body.Write(blob)
	}

	symbolDescStart := body.Len()
	symbolBlobStart := symbolDescStart + w.symbols.len()*storedSliceSize
	symBlob := make([]byte, 0)
	symDescs := make([]StoredSlice, w.symbols.len())
	off := uint64(symbolBlobStart)
	for id := 0; id < w.symbols.len(); id++ {
		s, _ := w.symbols.get(uint32(id))
		symDescs[id] = StoredSlice{Offset: off, Length: uint32(len(s))}
		symBlob = append(symBlob, []byte(s)...)
		off += uint64(len(s))
	}
	for _, d := range symDescs {
		enc := d.encode()
		body.Write(enc[:])
	}
	body.Write(symBlob)

	objDescStart := body.Len()
	objBlobStart := objDescStart + w.objects.len()*storedSliceSize
	objBlob := make([]byte, 0)
	objDescs := make([]StoredSlice, w.objects.len())
	off = uint64(objBlobStart)
	for id := 0; id < w.objects.len(); id++ {
		s, _ := w.objects.get(uint32(id))
		objDescs[id] = StoredSlice{Offset: off, Length: uint32(len(s))}
		objBlob = append(objBlob, []byte(s)...)
		off += uint64(len(s))
	}
	for _, d := range objDescs {
		enc := d.encode()
		body.Write(enc[:])
	}
	body.Write(objBlob)

	taggedNameStart := body.Len()
	for _, u := range uuids {
		b := w.byUUID[u]
		body.WriteString(b.objectName)
		body.WriteByte(':')
		body.WriteString(b.arch)
		body.WriteByte(0)
	}
	taggedNameEnd := body.Len()

	h := &header{
		Magic:           Magic,
		Version:         Version,
		Platform:        w.info.Platform,
		Major:           uint32(w.info.Major),
		Minor:           uint32(w.info.Minor),
		Patch:           uint32(w.info.Patch),
		Build:           w.info.Build,
		Flavour:         w.info.Flavour,
		UUIDStart:       uint64(uuidTableStart),
		UUIDCount:       uint64(len(uuids)),
		VariantStart:    uint64(variantDescStart),
		VariantCount:    uint64(len(uuids)),
		SymbolStart:     uint64(symbolDescStart),
		SymbolCount:     uint64(w.symbols.len()),
		ObjNameStart:    uint64(objDescStart),
		ObjNameCount:    uint64(w.objects.len()),
		TaggedNameStart: uint64(taggedNameStart),
		TaggedNameEnd:   uint64(taggedNameEnd),
	}

	out := body.Bytes()
	copy(out[0:headerSize], h.encode())
	return out, nil
}
