package macho

import (
	"bytes"
	"encoding/binary"

	"github.com/google/uuid"

	"github.com/appsworld/symdb/macho/types"
)

// buildThinMachO assembles a minimal little-endian 64-bit Mach-O: an LC_UUID,
// an LC_SEGMENT_64 for __TEXT with a single __TEXT,__TEXT section, an
// LC_SYMTAB, and the nlist/string tables for the given symbols. It is just
// enough structure for Object/Variant/Symbols to exercise against.
func buildThinMachO(id uuid.UUID, vmaddr, vmsize uint64, syms map[uint64]string) []byte {
	return buildThinMachOSub(id, types.CPUSubtypeArm64All, vmaddr, vmsize, syms)
}

// buildThinMachOSub is buildThinMachO with an explicit cpusubtype, used to
// exercise arch-flag resolution across the arm64 subtype variants.
func buildThinMachOSub(id uuid.UUID, sub types.CPUSubtype, vmaddr, vmsize uint64, syms map[uint64]string) []byte {
	bo := binary.LittleEndian

	type nlistSym struct {
		name  string
		addr  uint64
		ntype uint8
		sect  uint8
	}
	var nlists []nlistSym
	for addr, name := range syms {
		nlists = append(nlists, nlistSym{name: name, addr: addr, ntype: types.NTypeSect, sect: 1})
	}

	// String table: a leading NUL (strx==0 means "no name"), then each name.
	strtab := []byte{0}
	strx := make([]uint32, len(nlists))
	for i, s := range nlists {
		strx[i] = uint32(len(strtab))
		strtab = append(strtab, []byte(s.name)...)
		strtab = append(strtab, 0)
	}

	var buf bytes.Buffer

	// placeholder header, patched after we know the command sizes
	hdr := types.FileHeader{
		Magic:  types.Magic64,
		CPU:    types.CPUArm64,
		SubCPU: sub,
		Type:   types.MH_DYLIB,
	}
	writeStruct(&buf, bo, &hdr)

	var cmds bytes.Buffer
	ncmds := uint32(0)

	// LC_UUID
	{
		u := types.UUIDCmd{LoadCmd: types.LC_UUID, Len: 24}
		copy(u.UUID[:], id[:])
		writeStruct(&cmds, bo, &u)
		ncmds++
	}

	// LC_SEGMENT_64 __TEXT with one section
	{
		seg := types.Segment64{
			LoadCmd: types.LC_SEGMENT_64,
			Len:     72 + 80,
			Addr:    vmaddr,
			Memsz:   vmsize,
			Filesz:  vmsize,
			Nsect:   1,
		}
		copy(seg.Name[:], "__TEXT")
		writeStruct(&cmds, bo, &seg)

		var sect types.Section64
		copy(sect.Name[:], "__TEXT")
		copy(sect.Seg[:], "__TEXT")
		sect.Addr = vmaddr
		sect.Size = vmsize
		writeStruct(&cmds, bo, &sect)
		ncmds++
	}

	symtabCmdOff := cmds.Len()
	{
		st := types.SymtabCmd{LoadCmd: types.LC_SYMTAB, Len: 24}
		writeStruct(&cmds, bo, &st)
		ncmds++
	}

	cmdBytes := cmds.Bytes()
	headerAndCmdsLen := 32 + len(cmdBytes)

	symoff := headerAndCmdsLen
	nsymsBytes := len(nlists) * 16
	stroff := symoff + nsymsBytes

	// patch the LC_SYMTAB command in place
	bo.PutUint32(cmdBytes[symtabCmdOff+8:symtabCmdOff+12], uint32(symoff))
	bo.PutUint32(cmdBytes[symtabCmdOff+12:symtabCmdOff+16], uint32(len(nlists)))
	bo.PutUint32(cmdBytes[symtabCmdOff+16:symtabCmdOff+20], uint32(stroff))
	bo.PutUint32(cmdBytes[symtabCmdOff+20:symtabCmdOff+24], uint32(len(strtab)))

	hdr.NCommands = ncmds
	hdr.SizeCommands = uint32(len(cmdBytes))

	out := make([]byte, 0, stroff+len(strtab))
	var headerBuf bytes.Buffer
	writeStruct(&headerBuf, bo, &hdr)
	out = append(out, headerBuf.Bytes()...)
	out = append(out, cmdBytes...)

	for i, s := range nlists {
		var nl [16]byte
		bo.PutUint32(nl[0:4], strx[i])
		nl[4] = s.ntype
		nl[5] = s.sect
		bo.PutUint64(nl[8:16], s.addr)
		out = append(out, nl[:]...)
	}
	out = append(out, strtab...)

	return out
}

func writeStruct(buf *bytes.Buffer, bo binary.ByteOrder, v interface{}) {
	if err := binary.Write(buf, bo, v); err != nil {
		panic(err)
	}
}
