// Package heap implements the HDF5 v1 local heap, the name store backing
// old-style group symbol tables.
package heap

import (
	"context"
	"fmt"

	"github.com/cloudhdf5/reader/internal/metabuf"
)

// LocalHeap holds a group's name data segment. The header and the data
// segment are separate structures on disk and may lie far apart; both are
// read eagerly, since every symbol table entry of the group will index
// into the data.
type LocalHeap struct {
	DataSize    uint64
	FreeOffset  uint64
	DataAddress uint64
	data        []byte
}

// headerWindow covers the fixed local heap header: signature, version,
// reserved bytes, two length-sized fields and one offset-sized field.
const headerWindow = 64

// maxDataSegment bounds a heap data segment read; a group directory larger
// than this is treated as malformed.
const maxDataSegment = 16 * 1024 * 1024

// ReadLocalHeap reads the local heap header at address and then its data
// segment.
func ReadLocalHeap(ctx context.Context, p metabuf.Provider, address uint64) (*LocalHeap, error) {
	hr, err := p.Reader(ctx, address, headerWindow)
	if err != nil {
		return nil, err
	}

	sig, err := hr.ReadBytes(4)
	if err != nil {
		return nil, fmt.Errorf("reading local heap signature: %w", err)
	}
	if string(sig) != "HEAP" {
		return nil, fmt.Errorf("invalid local heap signature at 0x%x: got %q, expected \"HEAP\"", address, string(sig))
	}

	version, err := hr.ReadUint8()
	if err != nil {
		return nil, err
	}
	if version != 0 {
		return nil, fmt.Errorf("unsupported local heap version: %d", version)
	}

	hr.Skip(3) // Reserved

	dataSize, err := hr.ReadLength()
	if err != nil {
		return nil, err
	}

	freeOffset, err := hr.ReadLength()
	if err != nil {
		return nil, err
	}

	dataAddr, err := hr.ReadOffset()
	if err != nil {
		return nil, err
	}

	if dataSize > maxDataSegment {
		return nil, fmt.Errorf("local heap at 0x%x declares %d-byte data segment", address, dataSize)
	}

	h := &LocalHeap{
		DataSize:    dataSize,
		FreeOffset:  freeOffset,
		DataAddress: dataAddr,
	}

	dr, err := p.Reader(ctx, dataAddr, int(dataSize))
	if err != nil {
		return nil, fmt.Errorf("fetching local heap data: %w", err)
	}
	h.data, err = dr.At(int64(dataAddr)).ReadBytes(int(dataSize))
	if err != nil {
		return nil, fmt.Errorf("reading local heap data: %w", err)
	}

	return h, nil
}

// NewLocalHeap wraps an already-materialized data segment; used by tests
// and by callers that carry heap data inline.
func NewLocalHeap(data []byte) *LocalHeap {
	return &LocalHeap{DataSize: uint64(len(data)), data: data}
}

// GetString reads a null-terminated string at the given offset in the heap.
func (h *LocalHeap) GetString(offset uint64) string {
	if offset >= uint64(len(h.data)) {
		return ""
	}

	// Find null terminator
	end := offset
	for end < uint64(len(h.data)) && h.data[end] != 0 {
		end++
	}

	return string(h.data[offset:end])
}
