// Package btree implements the v1 B-tree structures that index HDF5 group
// membership (node type 0) and chunked dataset storage (node type 1).
//
// Both walkers read every entry of a node into a local list before
// descending into children. Each node gets its own bounded cursor from the
// Provider, so a recursive descent can never corrupt the position of a
// parse in progress higher up the tree.
package btree

import (
	"context"
	"fmt"

	"github.com/cloudhdf5/reader/internal/bufreader"
	"github.com/cloudhdf5/reader/internal/heap"
	"github.com/cloudhdf5/reader/internal/metabuf"
)

// MaxDepth bounds v1 B-tree recursion, group and chunk trees alike; a
// deeper tree is treated as malformed or cyclic rather than walked
// indefinitely.
const MaxDepth = 100

// nodeWindow is the initial fetch size for one B-tree node or symbol table
// node; maxNodeWindow caps the retry growth for unusually wide nodes.
const (
	nodeWindow    = 4 * 1024
	maxNodeWindow = 512 * 1024
)

// GroupEntry represents an entry in a v1 group B-tree. Only hard links
// are represented: soft and external links have no place in the reader's
// data model and are skipped during traversal.
type GroupEntry struct {
	Name          string
	ObjectAddress uint64
}

// ReadGroupEntries walks the v1 group B-tree rooted at btreeAddr and
// returns every child (name, object address) pair, resolving names through
// the group's local heap.
func ReadGroupEntries(ctx context.Context, p metabuf.Provider, btreeAddr uint64, localHeap *heap.LocalHeap) ([]GroupEntry, error) {
	return readGroupNode(ctx, p, btreeAddr, localHeap, 0)
}

// groupNode is the fully-read contents of one TREE node: child addresses
// only, gathered before any descent.
type groupNode struct {
	level    uint8
	children []uint64
}

func readGroupNode(ctx context.Context, p metabuf.Provider, address uint64, localHeap *heap.LocalHeap, depth int) ([]GroupEntry, error) {
	if depth > MaxDepth {
		return nil, fmt.Errorf("group B-tree at 0x%x exceeds max depth %d", address, MaxDepth)
	}

	node, err := metabuf.ParseRetry(ctx, p, address, nodeWindow, maxNodeWindow, func(r *bufreader.Reader) (*groupNode, error) {
		return parseGroupNode(r, address)
	})
	if err != nil {
		return nil, err
	}

	var entries []GroupEntry
	if node.level == 0 {
		for _, snodAddr := range node.children {
			snodEntries, err := readSymbolTableNode(ctx, p, snodAddr, localHeap)
			if err != nil {
				return nil, fmt.Errorf("reading symbol table node: %w", err)
			}
			entries = append(entries, snodEntries...)
		}
	} else {
		for _, childAddr := range node.children {
			childEntries, err := readGroupNode(ctx, p, childAddr, localHeap, depth+1)
			if err != nil {
				return nil, err
			}
			entries = append(entries, childEntries...)
		}
	}

	return entries, nil
}

func parseGroupNode(r *bufreader.Reader, address uint64) (*groupNode, error) {
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
	if nodeType != 0 {
		return nil, fmt.Errorf("unexpected B-tree node type: %d (expected 0 for group)", nodeType)
	}

	nodeLevel, err := nr.ReadUint8()
	if err != nil {
		return nil, err
	}

	entriesUsed, err := nr.ReadUint16()
	if err != nil {
		return nil, err
	}

	// Left and right sibling addresses: not followed, the parent already
	// enumerates every child.
	if _, err = nr.ReadOffset(); err != nil {
		return nil, err
	}
	if _, err = nr.ReadOffset(); err != nil {
		return nil, err
	}

	node := &groupNode{level: nodeLevel, children: make([]uint64, 0, entriesUsed)}
	for i := uint16(0); i < entriesUsed; i++ {
		// Key: a byte offset into the local heap; group traversal only
		// needs the child pointers.
		if _, err := nr.ReadLength(); err != nil {
			return nil, err
		}
		childAddr, err := nr.ReadOffset()
		if err != nil {
			return nil, err
		}
		node.children = append(node.children, childAddr)
	}

	return node, nil
}

func readSymbolTableNode(ctx context.Context, p metabuf.Provider, address uint64, localHeap *heap.LocalHeap) ([]GroupEntry, error) {
	return metabuf.ParseRetry(ctx, p, address, nodeWindow, maxNodeWindow, func(r *bufreader.Reader) ([]GroupEntry, error) {
		return parseSymbolTableNode(r, address, localHeap)
	})
}

func parseSymbolTableNode(r *bufreader.Reader, address uint64, localHeap *heap.LocalHeap) ([]GroupEntry, error) {
	nr := r.At(int64(address))

	sig, err := nr.ReadBytes(4)
	if err != nil {
		return nil, err
	}
	if string(sig) != "SNOD" {
		return nil, fmt.Errorf("invalid symbol table node signature at 0x%x: got %q, expected \"SNOD\"", address, string(sig))
	}

	version, err := nr.ReadUint8()
	if err != nil {
		return nil, err
	}
	if version != 1 {
		return nil, fmt.Errorf("unsupported symbol table node version: %d", version)
	}

	nr.Skip(1) // Reserved

	numSymbols, err := nr.ReadUint16()
	if err != nil {
		return nil, err
	}

	var entries []GroupEntry
	for i := uint16(0); i < numSymbols; i++ {
		entry, err := readSymbolTableEntry(nr, localHeap)
		if err != nil {
			return nil, fmt.Errorf("reading symbol table entry %d: %w", i, err)
		}
		if entry.Name != "" { // Skip empty entries
			entries = append(entries, entry)
		}
	}

	return entries, nil
}

// Symbol table entry cache types. Only hard links carry a usable object
// address; soft links are parsed far enough to skip over but otherwise
// discarded, since the reader's data model has no soft-link representation.
const (
	cacheTypeNone     uint32 = 0 // No cached data
	cacheTypeHardLink uint32 = 1 // Object header info cached
	cacheTypeSoftLink uint32 = 2 // Symbolic link
)

func readSymbolTableEntry(r *bufreader.Reader, localHeap *heap.LocalHeap) (GroupEntry, error) {
	var entry GroupEntry

	// Link name offset (into local heap)
	nameOffset, err := r.ReadOffset()
	if err != nil {
		return entry, err
	}

	// Object header address
	objAddr, err := r.ReadOffset()
	if err != nil {
		return entry, err
	}

	// Cache type (4 bytes)
	cacheType, err := r.ReadUint32()
	if err != nil {
		return entry, err
	}

	// Reserved (4 bytes)
	r.Skip(4)

	// Scratch-pad space (16 bytes). For cached groups this holds the child
	// group's own B-tree and heap addresses; the walker re-reads those from
	// the child's header anyway, so the scratch pad is skipped.
	if _, err := r.ReadBytes(16); err != nil {
		return entry, err
	}

	entry.Name = localHeap.GetString(nameOffset)

	switch cacheType {
	case cacheTypeNone, cacheTypeHardLink:
		entry.ObjectAddress = objAddr
	case cacheTypeSoftLink:
		// Not representable; caller drops entries with an empty name.
		entry.Name = ""
	}

	return entry, nil
}
