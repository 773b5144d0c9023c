package bundle

import (
	"archive/zip"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

// minimalMachO64 is a bare mach_header_64 (no load commands), enough to
// pass magic detection without needing a fully-formed object.
func minimalMachO64() []byte {
	buf := make([]byte, 32)
	bo := binary.LittleEndian
	bo.PutUint32(buf[0:4], 0xfeedfacf) // Magic64
	bo.PutUint32(buf[4:8], 0x0100000c) // CPUArm64
	bo.PutUint32(buf[8:12], 0)
	bo.PutUint32(buf[12:16], 6) // MH_DYLIB
	bo.PutUint32(buf[16:20], 0) // ncmds
	bo.PutUint32(buf[20:24], 0) // sizeofcmds
	return buf
}

func TestWalkerDirectorySkipsNonMachOAndStripsPrefix(t *testing.T) {
	dir := t.TempDir()
	mustWrite(t, filepath.Join(dir, "Symbols", "System", "Foo.dylib"), minimalMachO64())
	mustWrite(t, filepath.Join(dir, "Symbols", "System", "Info.plist"), []byte("<plist></plist>"))

	w, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer w.Close()

	var names []string
	for {
		e, ok := w.Next()
		if !ok {
			break
		}
		names = append(names, e.Name)
		e.Object.Close()
	}
	if err := w.Err(); err != nil {
		t.Fatalf("walker error: %v", err)
	}
	if len(names) != 1 || names[0] != "System/Foo.dylib" {
		t.Fatalf("got %v, want [System/Foo.dylib]", names)
	}
}

func TestWalkerZipSkipsNonMachOAndStripsPrefix(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "bundle.zip")
	f, err := os.Create(zipPath)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	zw := zip.NewWriter(f)
	writeZipEntry(t, zw, "10.2.3 (14C93)/Symbols/System/Foo.dylib", minimalMachO64())
	writeZipEntry(t, zw, "10.2.3 (14C93)/Symbols/System/readme.txt", []byte("not a mach-o"))
	if err := zw.Close(); err != nil {
		t.Fatalf("zip Close: %v", err)
	}
	f.Close()

	w, err := Open(zipPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer w.Close()

	var names []string
	for {
		e, ok := w.Next()
		if !ok {
			break
		}
		names = append(names, e.Name)
		e.Object.Close()
	}
	if err := w.Err(); err != nil {
		t.Fatalf("walker error: %v", err)
	}
	if len(names) != 1 || names[0] != "System/Foo.dylib" {
		t.Fatalf("got %v, want [System/Foo.dylib]", names)
	}
}

func writeZipEntry(t *testing.T, zw *zip.Writer, name string, data []byte) {
	t.Helper()
	w, err := zw.Create(name)
	if err != nil {
		t.Fatalf("zip Create(%s): %v", name, err)
	}
	if _, err := w.Write(data); err != nil {
		t.Fatalf("zip Write(%s): %v", name, err)
	}
}

func mustWrite(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}
