// Package bundle iterates the Mach-O objects contained in a support bundle,
// which is either a directory tree or a zip archive sharing the same
// Symbols/-rooted layout. It yields each object under its bundle-relative
// logical name, silently skipping members that simply aren't Mach-O files
// while surfacing every other error.
package bundle

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/apex/log"

	"github.com/appsworld/symdb/errs"
	"github.com/appsworld/symdb/macho"
)

// Entry is one (logical_name, Object) pair yielded by a Walker.
type Entry struct {
	Name   string
	Object *macho.Object
}

type dirFile struct {
	abs string
	rel string
}

// Walker iterates the objects of a support bundle. Construct with Open;
// drain with Next until it returns false.
type Walker struct {
	dirFiles []dirFile // remaining files, directory mode
	zr       *zip.ReadCloser
	zIdx     int
	err      error
}

// Open inspects path: a regular file is treated as a zip archive, anything
// else is walked recursively as a directory tree. No other input shape is
// accepted.
func Open(path string) (*Walker, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, errs.Wrap(errs.IO, "stat bundle path", err)
	}

	if fi.Mode().IsRegular() {
		zr, err := zip.OpenReader(path)
		if err != nil {
			return nil, errs.Wrap(errs.IO, "open bundle archive", err)
		}
		return &Walker{zr: zr}, nil
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.Size() == 0 {
			return nil
		}
		files = append(files, p)
		return nil
	})
	if err != nil {
		return nil, errs.Wrap(errs.IO, "walk bundle directory", err)
	}

	base := filepath.Clean(path)
	entries := make([]dirFile, 0, len(files))
	for _, f := range files {
		rel, err := filepath.Rel(base, f)
		if err != nil {
			rel = f
		}
		entries = append(entries, dirFile{abs: f, rel: filepath.ToSlash(rel)})
	}
	return &Walker{dirFiles: entries}, nil
}

// Close releases any archive handle the walker holds. A no-op for
// directory-backed walkers.
func (w *Walker) Close() error {
	if w.zr != nil {
		return w.zr.Close()
	}
	return nil
}

// Next advances the walker, silently skipping members that fail Mach-O
// loading with a "not a Mach-O" classification. It returns false once the
// bundle is exhausted or an unrecoverable error has occurred; check Err
// after a false return to distinguish the two.
func (w *Walker) Next() (Entry, bool) {
	if w.zr != nil {
		return w.nextZip()
	}
	return w.nextDir()
}

// Err returns the error that stopped iteration, if any.
func (w *Walker) Err() error { return w.err }

func (w *Walker) nextDir() (Entry, bool) {
	for len(w.dirFiles) > 0 {
		f := w.dirFiles[0]
		w.dirFiles = w.dirFiles[1:]

		obj, err := macho.Open(f.abs)
		if err != nil {
			if errs.IsLoadError(err) {
				log.Debugf("skipping non-mach-o file %s", f.rel)
				continue
			}
			w.err = err
			return Entry{}, false
		}
		return Entry{Name: stripSymbolsPrefix(f.rel), Object: obj}, true
	}
	return Entry{}, false
}

func (w *Walker) nextZip() (Entry, bool) {
	for w.zIdx < len(w.zr.File) {
		f := w.zr.File[w.zIdx]
		w.zIdx++

		if f.FileInfo().IsDir() || f.UncompressedSize64 == 0 {
			continue
		}

		rc, err := f.Open()
		if err != nil {
			w.err = errs.Wrap(errs.IO, "open archive member "+f.Name, err)
			return Entry{}, false
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			w.err = errs.Wrap(errs.IO, "read archive member "+f.Name, err)
			return Entry{}, false
		}
		if len(data) == 0 {
			continue
		}

		obj, err := macho.New(data)
		if err != nil {
			if errs.IsLoadError(err) {
				log.Debugf("skipping non-mach-o archive member %s", f.Name)
				continue
			}
			w.err = err
			return Entry{}, false
		}
		return Entry{Name: stripSymbolsPrefix(f.Name), Object: obj}, true
	}
	return Entry{}, false
}

// stripSymbolsPrefix removes a leading "Symbols/" component, or everything
// up to and including the last "*/Symbols/" component, leaving a path
// rooted at the image tree rather than the bundle container.
func stripSymbolsPrefix(name string) string {
	name = filepath.ToSlash(name)
	const marker = "/Symbols/"
	if idx := strings.LastIndex(name, marker); idx >= 0 {
		return name[idx+len(marker):]
	}
	if strings.HasPrefix(name, "Symbols/") {
		return name[len("Symbols/"):]
	}
	return name
}
