package btree

import (
	"context"
	"fmt"

	"github.com/cloudhdf5/reader/internal/bufreader"
	"github.com/cloudhdf5/reader/internal/metabuf"
)

// ChunkEntry represents a chunk in the B-tree index.
type ChunkEntry struct {
	// Offset contains the chunk coordinates in dataset element space.
	// For a 2D dataset with chunks [10,10], chunk at offset [20,30]
	// covers elements [20:30, 30:40].
	Offset []uint64

	// FilterMask indicates which filters were disabled for this chunk.
	// Bit i = 1 means filter i was skipped.
	FilterMask uint32

	// Size is the size of the chunk data on disk (possibly compressed).
	Size uint32

	// Address is the file offset where chunk data is stored.
	Address uint64
}

// ChunkIndex contains all chunks for a dataset.
type ChunkIndex struct {
	// NDims is the dataset rank (the trailing element-size coordinate the
	// B-tree keys carry is already stripped from each entry).
	NDims int

	// Entries contains all chunk entries.
	Entries []ChunkEntry
}

// ReadChunkIndex walks the v1 chunk B-tree rooted at btreeAddr. ndims is
// the dataset rank; the B-tree's keys carry ndims+1 coordinates, the last
// being the element-size dimension, which is dropped.
func ReadChunkIndex(ctx context.Context, p metabuf.Provider, btreeAddr uint64, ndims int) (*ChunkIndex, error) {
	entries, err := readChunkNode(ctx, p, btreeAddr, ndims, 0)
	if err != nil {
		return nil, err
	}
	return &ChunkIndex{NDims: ndims, Entries: entries}, nil
}

// chunkNode is the fully-read contents of one chunk TREE node, gathered
// before any descent.
type chunkNode struct {
	level    uint8
	entries  []ChunkEntry // leaf level only
	children []uint64     // internal level only
}

func readChunkNode(ctx context.Context, p metabuf.Provider, address uint64, ndims, depth int) ([]ChunkEntry, error) {
	if depth > MaxDepth {
		return nil, fmt.Errorf("chunk B-tree at 0x%x exceeds max depth %d", address, MaxDepth)
	}

	node, err := metabuf.ParseRetry(ctx, p, address, nodeWindow, maxNodeWindow, func(r *bufreader.Reader) (*chunkNode, error) {
		return parseChunkNode(r, address, ndims)
	})
	if err != nil {
		return nil, err
	}

	if node.level == 0 {
		return node.entries, nil
	}

	var entries []ChunkEntry
	for _, childAddr := range node.children {
		childEntries, err := readChunkNode(ctx, p, childAddr, ndims, depth+1)
		if err != nil {
			return nil, err
		}
		entries = append(entries, childEntries...)
	}
	return entries, nil
}

func parseChunkNode(r *bufreader.Reader, address uint64, ndims int) (*chunkNode, error) {
	nr := r.At(int64(address))

	sig, err := nr.ReadBytes(4)
	if err != nil {
		return nil, err
	}
	if string(sig) != "TREE" {
		return nil, fmt.Errorf("invalid B-tree signature at 0x%x: got %q, expected \"TREE\"", address, string(sig))
	}

	nodeType, err := nr.ReadUint8()
	if err != nil {
		return nil, err
	}
	if nodeType != 1 {
		return nil, fmt.Errorf("unexpected B-tree node type: %d (expected 1 for chunk)", nodeType)
	}

	nodeLevel, err := nr.ReadUint8()
	if err != nil {
		return nil, err
	}

	entriesUsed, err := nr.ReadUint16()
	if err != nil {
		return nil, err
	}

	// Sibling addresses: not followed.
	if _, err = nr.ReadOffset(); err != nil {
		return nil, err
	}
	if _, err = nr.ReadOffset(); err != nil {
		return nil, err
	}

	node := &chunkNode{level: nodeLevel}

	// Key layout for chunked data:
	// - Chunk size in bytes (4 bytes)
	// - Filter mask (4 bytes)
	// - Chunk offsets (ndims+1 values, each 8 bytes)
	// Keys alternate with child pointers; the final key is an upper bound
	// with no child after it.
	for i := uint16(0); i <= entriesUsed; i++ {
		chunkSize, err := nr.ReadUint32()
		if err != nil {
			return nil, err
		}
		filterMask, err := nr.ReadUint32()
		if err != nil {
			return nil, err
		}

		offsets := make([]uint64, ndims+1)
		for j := 0; j <= ndims; j++ {
			offsets[j], err = nr.ReadUint64()
			if err != nil {
				return nil, err
			}
		}

		if i == entriesUsed {
			break
		}

		childAddr, err := nr.ReadOffset()
		if err != nil {
			return nil, err
		}

		if nodeLevel == 0 {
			if !nr.IsUndefinedOffset(childAddr) && chunkSize > 0 {
				node.entries = append(node.entries, ChunkEntry{
					Offset:     offsets[:ndims], // drop the element-size coordinate
					FilterMask: filterMask,
					Size:       chunkSize,
					Address:    childAddr,
				})
			}
		} else {
			node.children = append(node.children, childAddr)
		}
	}

	return node, nil
}

// FindChunk finds the chunk entry that contains the given offset.
// Returns nil if no chunk contains the offset.
func (idx *ChunkIndex) FindChunk(offset []uint64, chunkDims []uint32) *ChunkEntry {
	for i := range idx.Entries {
		entry := &idx.Entries[i]
		match := true
		for d := 0; d < len(offset) && d < len(entry.Offset); d++ {
			chunkStart := entry.Offset[d]
			chunkEnd := chunkStart + uint64(chunkDims[d])
			if offset[d] < chunkStart || offset[d] >= chunkEnd {
				match = false
				break
			}
		}
		if match {
			return entry
		}
	}
	return nil
}
