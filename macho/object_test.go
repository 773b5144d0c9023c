package macho

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/google/uuid"

	"github.com/appsworld/symdb/errs"
	"github.com/appsworld/symdb/macho/types"
)

func TestNewThinObjectParsesVariant(t *testing.T) {
	id := uuid.New()
	data := buildThinMachO(id, 0x1000, 0x2000, map[uint64]string{
		0x1000: "foo",
		0x1040: "bar",
	})

	obj, err := New(data)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer obj.Close()

	vs := obj.Variants()
	if len(vs) != 1 {
		t.Fatalf("got %d variants, want 1", len(vs))
	}
	v := vs[0]
	if v.UUID == nil || *v.UUID != id {
		t.Fatalf("got uuid %v, want %v", v.UUID, id)
	}
	if v.Vmaddr != 0x1000 || v.Vmsize != 0x2000 {
		t.Fatalf("got vmaddr/vmsize %#x/%#x", v.Vmaddr, v.Vmsize)
	}
	if v.Arch() != "arm64" {
		t.Fatalf("got arch %q, want arm64", v.Arch())
	}
}

func TestSymbolsForVariantYieldsTextSymbols(t *testing.T) {
	id := uuid.New()
	want := map[uint64]string{0x1000: "foo", 0x1040: "bar"}
	data := buildThinMachO(id, 0x1000, 0x2000, want)

	obj, err := New(data)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer obj.Close()

	it := obj.SymbolsForVariant(obj.Variants()[0])
	got := map[uint64]string{}
	for {
		sym, ok := it.Next()
		if !ok {
			break
		}
		got[sym.Addr] = sym.Name
	}
	if len(got) != len(want) {
		t.Fatalf("got %d symbols, want %d: %v", len(got), len(want), got)
	}
	for addr, name := range want {
		if got[addr] != name {
			t.Fatalf("addr %#x: got %q, want %q", addr, got[addr], name)
		}
	}
}

func TestSymbolsByArchFlag(t *testing.T) {
	id := uuid.New()
	data := buildThinMachO(id, 0x1000, 0x2000, map[uint64]string{0x1000: "foo"})

	obj, err := New(data)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer obj.Close()

	if _, err := obj.Symbols("not-a-flag"); err == nil {
		t.Fatal("expected UnknownArchitecture error")
	}
	if _, err := obj.Symbols("armv7"); err == nil {
		t.Fatal("expected MissingArchitecture error")
	}

	it, err := obj.Symbols("arm64")
	if err != nil {
		t.Fatalf("Symbols(arm64): %v", err)
	}
	sym, ok := it.Next()
	if !ok || sym.Name != "foo" {
		t.Fatalf("got %+v, %v", sym, ok)
	}
}

func TestNewRejectsNonMachO(t *testing.T) {
	_, err := New([]byte("not a mach-o at all"))
	if err == nil {
		t.Fatal("expected error")
	}
}

// buildThinMachOWithTruncatedCmd assembles a header plus a single load
// command whose declared length satisfies the "cmdLen >= 8" check but is too
// small for the struct the command kind claims to hold.
func buildThinMachOWithTruncatedCmd(cmd types.LoadCmd, cmdLen uint32) []byte {
	bo := binary.LittleEndian
	hdr := types.FileHeader{
		Magic:        types.Magic64,
		CPU:          types.CPUArm64,
		SubCPU:       types.CPUSubtypeArm64All,
		Type:         types.MH_DYLIB,
		NCommands:    1,
		SizeCommands: cmdLen,
	}
	var buf bytes.Buffer
	writeStruct(&buf, bo, &hdr)
	body := make([]byte, cmdLen)
	bo.PutUint32(body[0:4], uint32(cmd))
	bo.PutUint32(body[4:8], cmdLen)
	buf.Write(body)
	return buf.Bytes()
}

func TestTruncatedLoadCommandsReturnErrorNotPanic(t *testing.T) {
	cases := []struct {
		name   string
		cmd    types.LoadCmd
		cmdLen uint32
	}{
		{"LC_ID_DYLIB", types.LC_ID_DYLIB, 16},
		{"LC_SEGMENT", types.LC_SEGMENT, 40},
		{"LC_SEGMENT_64", types.LC_SEGMENT_64, 56},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			data := buildThinMachOWithTruncatedCmd(c.cmd, c.cmdLen)
			_, err := New(data)
			if err == nil {
				t.Fatalf("expected an error for a truncated %s command, got nil", c.name)
			}
			if !errs.IsKind(err, errs.MachO) {
				t.Fatalf("got %v, want a MachO kind error", err)
			}
		})
	}
}

func TestArm64V8SubtypeMatchesArm64Flag(t *testing.T) {
	id := uuid.New()
	data := buildThinMachOSub(id, types.CPUSubtypeArm64V8, 0x1000, 0x2000, map[uint64]string{0x1000: "foo"})

	obj, err := New(data)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer obj.Close()

	v := obj.Variants()[0]
	if v.Arch() != "arm64" {
		t.Fatalf("got arch %q, want arm64", v.Arch())
	}

	it, err := obj.Symbols("arm64")
	if err != nil {
		t.Fatalf("Symbols(arm64) on an ARM64_V8 variant: %v", err)
	}
	sym, ok := it.Next()
	if !ok || sym.Name != "foo" {
		t.Fatalf("got %+v, %v", sym, ok)
	}
}
