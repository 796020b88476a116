// Package chunkindex builds and caches the per-dataset chunk lookup map:
// pixel-offset key to (file offset, stored size, filter mask).
//
// Indices are built lazily, on the first read that needs one, and exactly
// once per dataset: concurrent first readers share a single B-tree walk
// through a singleflight group, and everyone after that hits the cached
// map.
package chunkindex

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/cloudhdf5/reader/internal/btree"
	"github.com/cloudhdf5/reader/internal/metabuf"
)

// Entry locates one stored chunk.
type Entry struct {
	// Indices is the chunk's pixel-origin coordinate, element-space, with
	// the element-size dimension already stripped.
	Indices []uint64

	// Address is the chunk's file offset.
	Address uint64

	// Size is the stored (possibly compressed) byte length.
	Size uint32

	// FilterMask carries the per-chunk filter skip bits.
	FilterMask uint32
}

// Index is the immutable chunk map for one dataset.
type Index struct {
	NDims   int
	byKey   map[string]*Entry
	entries []Entry
}

// Key renders pixel-offset coordinates the way the index stores them:
// decimal values joined by commas, "0,128" style.
func Key(indices []uint64) string {
	parts := make([]string, len(indices))
	for i, v := range indices {
		parts[i] = strconv.FormatUint(v, 10)
	}
	return strings.Join(parts, ",")
}

// Lookup returns the entry for a pixel-origin coordinate, or nil for a
// sparse (unallocated) chunk.
func (ix *Index) Lookup(indices []uint64) *Entry {
	return ix.byKey[Key(indices)]
}

// Entries returns every stored chunk in B-tree discovery order.
func (ix *Index) Entries() []Entry { return ix.entries }

// Len reports the number of stored chunks.
func (ix *Index) Len() int { return len(ix.entries) }

// Builder caches one Index per dataset, keyed by the dataset's B-tree
// address, and collapses concurrent builds.
type Builder struct {
	sf singleflight.Group

	mu    sync.Mutex
	built map[uint64]*Index
}

// NewBuilder creates an empty builder.
func NewBuilder() *Builder {
	return &Builder{built: make(map[uint64]*Index)}
}

// Get returns the chunk index rooted at btreeAddr, building it on first
// demand. ndims is the dataset rank.
func (b *Builder) Get(ctx context.Context, p metabuf.Provider, btreeAddr uint64, ndims int) (*Index, error) {
	b.mu.Lock()
	if ix, ok := b.built[btreeAddr]; ok {
		b.mu.Unlock()
		return ix, nil
	}
	b.mu.Unlock()

	v, err, _ := b.sf.Do(fmt.Sprintf("%d", btreeAddr), func() (interface{}, error) {
		raw, err := btree.ReadChunkIndex(ctx, p, btreeAddr, ndims)
		if err != nil {
			return nil, err
		}
		ix := fromBTree(raw)
		b.mu.Lock()
		b.built[btreeAddr] = ix
		b.mu.Unlock()
		return ix, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Index), nil
}

func fromBTree(raw *btree.ChunkIndex) *Index {
	ix := &Index{
		NDims:   raw.NDims,
		byKey:   make(map[string]*Entry, len(raw.Entries)),
		entries: make([]Entry, 0, len(raw.Entries)),
	}
	for _, e := range raw.Entries {
		entry := Entry{
			Indices:    e.Offset,
			Address:    e.Address,
			Size:       e.Size,
			FilterMask: e.FilterMask,
		}
		key := Key(entry.Indices)
		if _, dup := ix.byKey[key]; dup {
			continue // first wins
		}
		ix.entries = append(ix.entries, entry)
		ix.byKey[key] = &ix.entries[len(ix.entries)-1]
	}
	return ix
}
