package macho

import (
	"encoding/binary"

	"github.com/appsworld/symdb/errs"
	"github.com/appsworld/symdb/macho/types"
)

// Symbol is one (address, name) pair yielded during ingestion. Name is a
// copy of the bytes in the Object's backing region, not a view into it, so
// it stays valid after the Object is closed.
type Symbol struct {
	Addr uint64
	Name string
}

// SymbolIter yields defined, non-external __TEXT/__TEXT symbols for one
// variant. It is single-pass and not restartable.
type SymbolIter struct {
	data    []byte
	bo      binary.ByteOrder
	is64    bool
	v       *Variant
	textIdx map[int]bool // 1-based n_sect values that are __TEXT,__TEXT
	i       uint32
	strbase int64
}

// Symbols resolves flag to a (cputype, cpusubtype) pair and returns an
// iterator over that variant's defined text symbols. UnknownArchitecture is
// returned when flag isn't in the known table at all; MissingArchitecture
// when the object has no variant carrying that architecture.
func (o *Object) Symbols(flag string) (*SymbolIter, error) {
	cpu, sub, ok := resolveArchFlag(flag)
	if !ok {
		return nil, errs.New(errs.UnknownArchitecture, "unknown architecture flag "+flag)
	}
	masked := sub
	if cpu == types.CPUArm64 {
		masked = normalizeArm64Subtype(sub)
	}
	for _, v := range o.variants {
		vsub := v.Sub
		if cpu == types.CPUArm64 {
			vsub = normalizeArm64Subtype(v.Sub)
		}
		if v.CPU != cpu || vsub != masked {
			continue
		}
		return newSymbolIter(o.backing.Buffer(), v), nil
	}
	return nil, errs.New(errs.MissingArchitecture, "object has no variant for "+flag)
}

// SymbolsForVariant iterates the defined text symbols of a specific Variant
// obtained from Variants(), bypassing architecture-flag resolution. The
// writer uses this to walk every indexable variant without round-tripping
// through an arch string.
func (o *Object) SymbolsForVariant(v *Variant) *SymbolIter {
	return newSymbolIter(o.backing.Buffer(), v)
}

func newSymbolIter(data []byte, v *Variant) *SymbolIter {
	textIdx := map[int]bool{}
	for i, s := range v.sections {
		if s.segName == "__TEXT" && s.sectName == "__TEXT" {
			textIdx[i+1] = true // n_sect is 1-based across the whole file
		}
	}
	return &SymbolIter{
		data:    data,
		bo:      v.byteOrder,
		is64:    v.is64,
		v:       v,
		textIdx: textIdx,
	}
}

// Next advances the iterator and reports whether a symbol was produced.
func (it *SymbolIter) Next() (Symbol, bool) {
	if !it.v.hasSymtab {
		return Symbol{}, false
	}
	entrySize := int64(12)
	if it.is64 {
		entrySize = 16
	}
	for it.i < it.v.nsyms {
		idx := it.i
		it.i++

		// symoff/stroff are relative to the variant's own header, which sits
		// at it.v.offset inside a FAT container.
		off := it.v.offset + int64(it.v.symoff) + int64(idx)*entrySize
		if off+entrySize > int64(len(it.data)) {
			return Symbol{}, false
		}

		var strx uint32
		var ntype, nsect uint8
		var value uint64
		if it.is64 {
			strx = it.bo.Uint32(it.data[off : off+4])
			ntype = it.data[off+4]
			nsect = it.data[off+5]
			value = it.bo.Uint64(it.data[off+8 : off+16])
		} else {
			strx = it.bo.Uint32(it.data[off : off+4])
			ntype = it.data[off+4]
			nsect = it.data[off+5]
			value = uint64(it.bo.Uint32(it.data[off+8 : off+12]))
		}

		if ntype&types.NTypeStab != 0 {
			continue // symbolic debugging entry, not a real symbol
		}
		if ntype&types.NTypeExt != 0 {
			continue // external symbol, excluded by definition
		}
		if ntype&types.NTypeType != types.NTypeSect {
			continue // undefined or otherwise not section-resident
		}
		if !it.textIdx[int(nsect)] {
			continue // not in __TEXT,__TEXT
		}

		strOff := it.v.offset + int64(it.v.stroff) + int64(strx)
		if strx == 0 || strOff >= int64(len(it.data)) {
			continue
		}
		name := cString(it.data[strOff:])
		if name == "" {
			continue
		}
		return Symbol{Addr: value, Name: name}, true
	}
	return Symbol{}, false
}
