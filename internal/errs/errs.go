// Package errs defines the error taxonomy shared by every layer of the
// reader: parsing, tree walking, and fetching all fail with the same Kind
// enumeration so callers can branch on failure class without string
// matching.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind int

const (
	// KindInvalidSignature means the HDF5 magic signature was not found.
	KindInvalidSignature Kind = iota
	// KindTruncated means a read ran past the end of available data.
	KindTruncated
	// KindUnsupported means a recognized but unimplemented feature was hit
	// (an unsupported filter, datatype class, or v2 B-tree chunk index).
	KindUnsupported
	// KindOutOfRange means an offset or length argument was invalid.
	KindOutOfRange
	// KindTransport means the byte source failed at the network/disk layer.
	KindTransport
	// KindCancelled means the caller's cancellation signal fired.
	KindCancelled
	// KindNotFound means no dataset/attribute matched the request.
	KindNotFound
	// KindNotChunked means a chunk operation was issued against a
	// non-chunked dataset.
	KindNotChunked
	// KindClosed means an operation was issued after Close.
	KindClosed
)

func (k Kind) String() string {
	switch k {
	case KindInvalidSignature:
		return "InvalidSignature"
	case KindTruncated:
		return "Truncated"
	case KindUnsupported:
		return "Unsupported"
	case KindOutOfRange:
		return "OutOfRange"
	case KindTransport:
		return "Transport"
	case KindCancelled:
		return "Cancelled"
	case KindNotFound:
		return "NotFound"
	case KindNotChunked:
		return "NotChunked"
	case KindClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type returned by the reader. It always
// carries a Kind and, once annotated with a dataset path or a file offset,
// the context that lets the caller locate the problem, per the "no silent amnesia" rule
// every message in this package follows.
type Error struct {
	Kind   Kind
	Path   string
	Offset int64
	// HasOffset distinguishes "offset 0 is meaningful" from "no offset set".
	HasOffset bool
	Msg       string
	Cause     error
}

func (e *Error) Error() string {
	loc := ""
	if e.Path != "" {
		loc = fmt.Sprintf(" (path %q)", e.Path)
	} else if e.HasOffset {
		loc = fmt.Sprintf(" (offset 0x%x)", e.Offset)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s%s: %v", e.Kind, e.Msg, loc, e.Cause)
	}
	return fmt.Sprintf("%s: %s%s", e.Kind, e.Msg, loc)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error of the same Kind, so callers can
// use errors.Is(err, errs.New(KindNotFound, "")) style sentinels, or more
// simply call errs.KindOf(err).
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// New constructs an *Error with no offset/cause context.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap constructs an *Error carrying an underlying cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

// WithPath returns a copy of e annotated with the offending dataset path.
func (e *Error) WithPath(path string) *Error {
	c := *e
	c.Path = path
	return &c
}

// WithOffset returns a copy of e annotated with the offending file offset.
func (e *Error) WithOffset(offset int64) *Error {
	c := *e
	c.Offset = offset
	c.HasOffset = true
	return &c
}

// KindOf extracts the Kind of err if it (or something it wraps) is an
// *Error, and reports ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
