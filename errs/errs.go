// Package errs defines the error taxonomy shared by the sdk, bundle, macho
// and symdb packages: a small closed set of kinds that callers can branch on
// with errors.Is, independent of the message text or the wrapped cause.
package errs

import "fmt"

// Kind is one of the recoverable-or-fatal error classes a caller may need to
// distinguish. It deliberately does not distinguish "is a Mach-O load error"
// from "is some other Mach-O malformation" by kind alone; that split is
// carried by the load-error tag below (NewLoadError/IsLoadError), same as the source distinguishes MachO(LoadError)
// from MachO(other).
type Kind int

const (
	// UnknownSdk is raised when a bundle path does not match the SDK naming pattern.
	UnknownSdk Kind = iota
	// UnknownArchitecture is raised when an architecture flag is not in the known table.
	UnknownArchitecture
	// MissingArchitecture is raised when an object has no variant for a requested architecture.
	MissingArchitecture
	// MachO is raised for a malformed or unrecognized Mach-O byte region.
	MachO
	// UnsupportedMemDbVersion is raised when a symdb header version isn't 1.
	UnsupportedMemDbVersion
	// BadMemDb is raised when a symdb's offsets/lengths exceed file bounds or
	// a string fails UTF-8 validation.
	BadMemDb
	// IO wraps an underlying I/O failure (open, read, mmap).
	IO
)

func (k Kind) String() string {
	switch k {
	case UnknownSdk:
		return "unknown sdk"
	case UnknownArchitecture:
		return "unknown architecture"
	case MissingArchitecture:
		return "missing architecture"
	case MachO:
		return "mach-o"
	case UnsupportedMemDbVersion:
		return "unsupported memdb version"
	case BadMemDb:
		return "bad memdb"
	case IO:
		return "io"
	default:
		return "unknown"
	}
}

// Error is the concrete error type raised across the core. Kind is what
// callers should match on; Off and Val mirror the source-record detail a
// Mach-O FormatError carries, and are zero/nil when not applicable.
type Error struct {
	Kind Kind
	Msg  string
	Off  int64
	Val  interface{}
	Err  error // wrapped cause, if any (e.g. an os.PathError)
}

func (e *Error) Error() string {
	msg := e.Msg
	if e.Val != nil {
		msg += fmt.Sprintf(" %v", e.Val)
	}
	if e.Off != 0 {
		msg += fmt.Sprintf(" at byte %#x", e.Off)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is implements errors.Is kind-matching: two *Error values compare equal by
// Kind alone, so callers can do errors.Is(err, &errs.Error{Kind: errs.BadMemDb}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// IsLoadError reports whether err is a MachO error raised because the byte
// region simply isn't a Mach-O at all ("LoadError" in the source taxonomy),
// as opposed to a structurally malformed Mach-O. Bundle walking silently
// skips the former and surfaces the latter.
func IsLoadError(err error) bool {
	e, ok := err.(*Error)
	if !ok || e.Kind != MachO {
		return false
	}
	return e.Val == loadErrorTag
}

type loadErrorTagType struct{}

var loadErrorTag = loadErrorTagType{}

// NewLoadError builds the "not a Mach-O" flavor of a MachO error.
func NewLoadError(msg string) *Error {
	return &Error{Kind: MachO, Msg: msg, Val: loadErrorTag}
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == kind
}
