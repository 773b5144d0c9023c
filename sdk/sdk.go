// Package sdk parses a support-bundle path into a structured SDK identity:
// platform, version, build, and an optional flavour tag. Parsing is purely
// lexical; it never touches the filesystem, and derives its result solely
// from the two trailing path components.
package sdk

import (
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/appsworld/symdb/errs"
)

// platformFolders maps a support-bundle parent directory name to the
// platform name it identifies. Extend this table to support additional
// platforms; the set is deliberately small and explicit rather than
// pattern-matched, since Apple's DeviceSupport folder names don't follow a
// predictable transform.
var platformFolders = map[string]string{
	"iOS DeviceSupport":     "iOS",
	"tvOS DeviceSupport":    "tvOS",
	"watchOS DeviceSupport": "watchOS",
	"macOS DeviceSupport":   "macOS",
}

// namePattern matches "MAJOR.MINOR[.PATCH] (BUILD)[.zip|.memdb]?", e.g.
// "10.2.3 (14C93)" or "2.2.3 (14C93).zip". BUILD is alphanumeric only.
var namePattern = regexp.MustCompile(`^(\d+)\.(\d+)(?:\.(\d+))?\s+\(([A-Za-z0-9]+)\)(?:\.(?:zip|memdb))?$`)

// Info is the immutable identity of one SDK bundle, derived solely from its
// path and never mutated after construction.
type Info struct {
	Platform string
	Major    int
	Minor    int
	Patch    int
	Build    string
	Flavour  string // optional; empty when absent
}

// Parse derives an Info from a support-bundle path. The parent directory's
// final component must be a known platform folder and the file-name
// component must match namePattern; any mismatch yields an UnknownSdk error.
func Parse(path string) (Info, error) {
	clean := filepath.Clean(path)
	base := filepath.Base(clean)
	parent := filepath.Base(filepath.Dir(clean))

	platform, ok := platformFolders[parent]
	if !ok {
		return Info{}, errs.New(errs.UnknownSdk, "unrecognized platform folder "+strconv.Quote(parent))
	}

	m := namePattern.FindStringSubmatch(base)
	if m == nil {
		return Info{}, errs.New(errs.UnknownSdk, "path component does not match SDK pattern: "+strconv.Quote(base))
	}

	major, _ := strconv.Atoi(m[1])
	minor, _ := strconv.Atoi(m[2])
	patch := 0
	if m[3] != "" {
		patch, _ = strconv.Atoi(m[3])
	}

	return Info{
		Platform: platform,
		Major:    major,
		Minor:    minor,
		Patch:    patch,
		Build:    m[4],
	}, nil
}

// String renders the canonical "MAJOR.MINOR.PATCH (BUILD)" form, followed by
// " [FLAVOUR]" when Flavour is set; used for diagnostics, not for re-parsing.
func (i Info) String() string {
	s := strconv.Itoa(i.Major) + "." + strconv.Itoa(i.Minor) + "." + strconv.Itoa(i.Patch) + " (" + i.Build + ")"
	if i.Flavour != "" {
		s += " [" + i.Flavour + "]"
	}
	return s
}

// KnownPlatforms returns the platform folder names this build recognizes,
// sorted for stable output.
func KnownPlatforms() []string {
	names := make([]string, 0, len(platformFolders))
	for k := range platformFolders {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
