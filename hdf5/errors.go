package hdf5

import (
	"github.com/cloudhdf5/reader/internal/errs"
)

// ErrorKind classifies a reader failure so callers can branch on failure
// class without matching message strings.
type ErrorKind = errs.Kind

// Error kinds returned by this package.
const (
	KindInvalidSignature = errs.KindInvalidSignature
	KindTruncated        = errs.KindTruncated
	KindUnsupported      = errs.KindUnsupported
	KindOutOfRange       = errs.KindOutOfRange
	KindTransport        = errs.KindTransport
	KindCancelled        = errs.KindCancelled
	KindNotFound         = errs.KindNotFound
	KindNotChunked       = errs.KindNotChunked
	KindClosed           = errs.KindClosed
)

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return errs.Is(err, kind)
}

// KindOf extracts the kind of err, reporting ok=false for errors that did
// not originate in this package.
func KindOf(err error) (ErrorKind, bool) {
	return errs.KindOf(err)
}
