package symdb

import (
	"bytes"
	"encoding/binary"

	"github.com/google/uuid"

	"github.com/appsworld/symdb/macho/types"
)

// buildThinMachO assembles a minimal little-endian 64-bit Mach-O: LC_UUID,
// an LC_SEGMENT_64 __TEXT with one __TEXT,__TEXT section, LC_SYMTAB, and the
// nlist/string tables for the given symbols.
func buildThinMachO(id uuid.UUID, cpu types.CPU, sub types.CPUSubtype, vmaddr, vmsize uint64, syms map[uint64]string) []byte {
	bo := binary.LittleEndian

	type nlistSym struct {
		name string
		addr uint64
	}
	var nlists []nlistSym
	for addr, name := range syms {
		nlists = append(nlists, nlistSym{name: name, addr: addr})
	}

	strtab := []byte{0}
	strx := make([]uint32, len(nlists))
	for i, s := range nlists {
		strx[i] = uint32(len(strtab))
		strtab = append(strtab, []byte(s.name)...)
		strtab = append(strtab, 0)
	}

	hdr := types.FileHeader{Magic: types.Magic64, CPU: cpu, SubCPU: sub, Type: types.MH_DYLIB}

	var cmds bytes.Buffer
	ncmds := uint32(0)

	u := types.UUIDCmd{LoadCmd: types.LC_UUID, Len: 24}
	copy(u.UUID[:], id[:])
	must(binary.Write(&cmds, bo, &u))
	ncmds++

	seg := types.Segment64{LoadCmd: types.LC_SEGMENT_64, Len: 72 + 80, Addr: vmaddr, Memsz: vmsize, Filesz: vmsize, Nsect: 1}
	copy(seg.Name[:], "__TEXT")
	must(binary.Write(&cmds, bo, &seg))
	var sect types.Section64
	copy(sect.Name[:], "__TEXT")
	copy(sect.Seg[:], "__TEXT")
	sect.Addr, sect.Size = vmaddr, vmsize
	must(binary.Write(&cmds, bo, &sect))
	ncmds++

	symtabCmdOff := cmds.Len()
	st := types.SymtabCmd{LoadCmd: types.LC_SYMTAB, Len: 24}
	must(binary.Write(&cmds, bo, &st))
	ncmds++

	cmdBytes := cmds.Bytes()
	headerAndCmdsLen := 32 + len(cmdBytes)
	symoff := headerAndCmdsLen
	stroff := symoff + len(nlists)*16

	bo.PutUint32(cmdBytes[symtabCmdOff+8:symtabCmdOff+12], uint32(symoff))
	bo.PutUint32(cmdBytes[symtabCmdOff+12:symtabCmdOff+16], uint32(len(nlists)))
	bo.PutUint32(cmdBytes[symtabCmdOff+16:symtabCmdOff+20], uint32(stroff))
	bo.PutUint32(cmdBytes[symtabCmdOff+20:symtabCmdOff+24], uint32(len(strtab)))

	hdr.NCommands = ncmds
	hdr.SizeCommands = uint32(len(cmdBytes))

	var headerBuf bytes.Buffer
	must(binary.Write(&headerBuf, bo, &hdr))

	out := append([]byte{}, headerBuf.Bytes()...)
	out = append(out, cmdBytes...)
	for i, s := range nlists {
		var nl [16]byte
		bo.PutUint32(nl[0:4], strx[i])
		nl[4] = types.NTypeSect
		nl[5] = 1
		bo.PutUint64(nl[8:16], s.addr)
		out = append(out, nl[:]...)
	}
	out = append(out, strtab...)
	return out
}

func buildThinMachOArm64(id uuid.UUID, vmaddr, vmsize uint64, syms map[uint64]string) []byte {
	return buildThinMachO(id, types.CPUArm64, types.CPUSubtypeArm64All, vmaddr, vmsize, syms)
}

func buildThinMachOArmv7(id uuid.UUID, vmaddr, vmsize uint64, syms map[uint64]string) []byte {
	return buildThinMachO(id, types.CPUArm, types.CPUSubtypeArmV7, vmaddr, vmsize, syms)
}

// buildFatMachOGeneric infers each slice's (cputype, cpusubtype) from its
// own header (bytes 4:8 and 8:12, little-endian, since buildThinMachO always
// emits a Magic64 little-endian header) rather than requiring the caller to
// restate them.
func buildFatMachOGeneric(slices ...[]byte) []byte {
	cpus := make([]types.CPU, len(slices))
	subs := make([]types.CPUSubtype, len(slices))
	for i, s := range slices {
		cpus[i] = types.CPU(binary.LittleEndian.Uint32(s[4:8]))
		subs[i] = types.CPUSubtype(binary.LittleEndian.Uint32(s[8:12]))
	}
	return buildFatMachO(cpus, subs, slices)
}

// buildFatMachO wraps a set of thin Mach-O slices in a big-endian FAT
// container, 16-byte aligning each slice's file offset.
func buildFatMachO(cpus []types.CPU, subs []types.CPUSubtype, slices [][]byte) []byte {
	be := binary.BigEndian
	narch := len(slices)

	var out bytes.Buffer
	be.PutUint32(scratch(&out, 4), uint32(types.MagicFat))
	be.PutUint32(scratch(&out, 4), uint32(narch))

	headerLen := 8 + narch*20
	offsets := make([]int, narch)
	off := headerLen
	for i, s := range slices {
		if off%16 != 0 {
			off += 16 - off%16
		}
		offsets[i] = off
		off += len(s)
	}

	for i := range slices {
		be.PutUint32(scratch(&out, 4), uint32(cpus[i]))
		be.PutUint32(scratch(&out, 4), uint32(subs[i]))
		be.PutUint32(scratch(&out, 4), uint32(offsets[i]))
		be.PutUint32(scratch(&out, 4), uint32(len(slices[i])))
		be.PutUint32(scratch(&out, 4), 4)
	}

	buf := out.Bytes()
	full := make([]byte, offsets[narch-1]+len(slices[narch-1]))
	copy(full, buf)
	for i, s := range slices {
		copy(full[offsets[i]:], s)
	}
	return full
}

// scratch appends n zero bytes to buf and returns a slice over them, so the
// caller can overwrite with a PutUint32/64 call immediately after.
func scratch(buf *bytes.Buffer, n int) []byte {
	start := buf.Len()
	buf.Write(make([]byte, n))
	return buf.Bytes()[start : start+n]
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}
