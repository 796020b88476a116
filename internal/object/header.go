// Package object handles parsing of HDF5 object headers.
//
// Object headers contain metadata about HDF5 objects (groups, datasets, etc.)
// including dataspace, datatype, storage layout, and attributes. A header is
// parsed from a single fetched buffer; continuation messages are collected,
// not followed, because a continuation block can live anywhere in the file
// and fetching it is the caller's decision.
package object

import (
	"errors"
	"fmt"

	"github.com/cloudhdf5/reader/internal/bufreader"
	"github.com/cloudhdf5/reader/internal/message"
)

// SignatureV2 is the magic prefix of a version 2 object header.
var SignatureV2 = []byte{'O', 'H', 'D', 'R'}

// Errors
var (
	ErrInvalidHeader      = errors.New("invalid object header")
	ErrUnsupportedVersion = errors.New("unsupported object header version")
)

// MaxContinuationLength bounds a single continuation block; anything larger
// is treated as malformed rather than followed.
const MaxContinuationLength = 64 * 1024

// NeedMoreError reports that the buffer handed to Read ended before the
// header's declared extent. Total is the byte count, measured from the
// header address, that a refetch must cover.
type NeedMoreError struct {
	Total int64
}

func (e *NeedMoreError) Error() string {
	return fmt.Sprintf("object header needs %d bytes", e.Total)
}

func (e *NeedMoreError) Unwrap() error { return bufreader.ErrTruncated }

// Header represents a parsed HDF5 object header.
type Header struct {
	// Version is the object header version (1 or 2)
	Version uint8

	// Address is the file address where this header was found
	Address uint64

	// Flags contains header flags (v2 only)
	Flags uint8

	// RefCount is the reference count for this object
	RefCount uint32

	// Messages contains the messages parsed from the header's own block.
	// Messages found in continuation blocks are appended by the caller.
	Messages []message.Message

	// Continuations lists continuation blocks referenced from this header
	// (or from continuation blocks already merged in), in discovery order.
	Continuations []message.Continuation

	// TrackCreationOrder is the v2 flag governing the optional per-message
	// creation-order field; continuation-block parsing needs it again.
	TrackCreationOrder bool

	// Timestamps (v2 only, if flag bit 5 is set)
	AccessTime uint32
	ModTime    uint32
	ChangeTime uint32
	BirthTime  uint32
}

// Read parses the object header at the given address out of r's buffer.
// Continuation messages are recorded in Header.Continuations for the caller
// to fetch and parse via ReadContinuation. If the buffer ends before the
// header's declared size, Read fails with *NeedMoreError so the caller can
// refetch with the exact bound.
func Read(r *bufreader.Reader, address uint64) (*Header, error) {
	hr := r.At(int64(address))

	peek, err := hr.Peek(4)
	if err != nil {
		return nil, fmt.Errorf("reading object header: %w", err)
	}

	if string(peek) == "OHDR" {
		return readV2(hr, address)
	}

	// Otherwise assume v1 (first byte is the version number).
	if peek[0] == 1 {
		return readV1(hr, address)
	}

	return nil, fmt.Errorf("%w: unknown format at address %d", ErrInvalidHeader, address)
}

// ReadContinuation parses one continuation block out of r's buffer,
// returning its messages and any further continuations it references.
// version and trackCreationOrder come from the owning header.
func ReadContinuation(r *bufreader.Reader, offset, length uint64, version uint8, trackCreationOrder bool) ([]message.Message, []message.Continuation, error) {
	if version == 2 {
		return readV2Continuation(r, offset, length, trackCreationOrder)
	}
	return readV1Continuation(r, offset, length)
}

// GetMessage returns the first message of the given type, or nil if not found.
func (h *Header) GetMessage(typ message.Type) message.Message {
	for _, msg := range h.Messages {
		if msg.Type() == typ {
			return msg
		}
	}
	return nil
}

// GetMessages returns all messages of the given type.
func (h *Header) GetMessages(typ message.Type) []message.Message {
	var result []message.Message
	for _, msg := range h.Messages {
		if msg.Type() == typ {
			result = append(result, msg)
		}
	}
	return result
}

// Dataspace returns the dataspace message if present.
func (h *Header) Dataspace() *message.Dataspace {
	msg := h.GetMessage(message.TypeDataspace)
	if msg == nil {
		return nil
	}
	return msg.(*message.Dataspace)
}

// Datatype returns the datatype message if present.
func (h *Header) Datatype() *message.Datatype {
	msg := h.GetMessage(message.TypeDatatype)
	if msg == nil {
		return nil
	}
	return msg.(*message.Datatype)
}

// DataLayout returns the data layout message if present.
func (h *Header) DataLayout() *message.DataLayout {
	msg := h.GetMessage(message.TypeDataLayout)
	if msg == nil {
		return nil
	}
	return msg.(*message.DataLayout)
}

// FilterPipeline returns the filter pipeline message if present.
func (h *Header) FilterPipeline() *message.FilterPipeline {
	msg := h.GetMessage(message.TypeFilterPipeline)
	if msg == nil {
		return nil
	}
	return msg.(*message.FilterPipeline)
}

// SymbolTable returns the symbol table message if present.
func (h *Header) SymbolTable() *message.SymbolTable {
	msg := h.GetMessage(message.TypeSymbolTable)
	if msg == nil {
		return nil
	}
	return msg.(*message.SymbolTable)
}

// LinkInfo returns the link info message if present.
func (h *Header) LinkInfo() *message.LinkInfo {
	msg := h.GetMessage(message.TypeLinkInfo)
	if msg == nil {
		return nil
	}
	return msg.(*message.LinkInfo)
}

// IsDataset reports whether the header describes a dataset: both a
// dataspace and a datatype message are present.
func (h *Header) IsDataset() bool {
	return h.Dataspace() != nil && h.Datatype() != nil
}
