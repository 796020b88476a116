// Package fractalheap reads the fractal heap structures that back
// "new style" (v2) HDF5 group link storage.
//
// A fractal heap is rooted at an FRHP header. Its root block is either a
// single direct block (FHDB) holding packed objects, or an indirect block
// (FHIB) whose entries list direct-block addresses row by row: the first
// two rows hold tableWidth blocks each at the starting block size, and
// every row after that doubles the block size. Only managed objects are
// read, and the only objects the reader cares about are Link messages.
package fractalheap

import (
	"context"
	"fmt"

	"github.com/cloudhdf5/reader/internal/bufreader"
	"github.com/cloudhdf5/reader/internal/message"
	"github.com/cloudhdf5/reader/internal/metabuf"
)

// Link is one (name, object address) pair recovered from the heap's
// packed Link messages. Only hard links carry a target address.
type Link struct {
	Name          string
	ObjectAddress uint64
}

// Header is the parsed FRHP block.
type Header struct {
	Address           uint64
	HeapIDLength      uint16
	IOFilterLength    uint16
	Flags             uint8
	MaxManagedSize    uint32
	TableWidth        uint16
	StartingBlockSize uint64
	MaxDirectSize     uint64
	MaxHeapSize       uint16 // bits of heap-offset addressing
	RootBlockAddress  uint64
	CurNumRows        uint16 // 0 means the root block is a direct block
	NumManagedObjects uint64
}

const (
	headerWindow   = 256
	maxDirectBlock = 16 * 1024 * 1024
	maxTotalBlocks = 64 * 1024
)

// ReadLinks parses the fractal heap rooted at heapAddr and extracts every
// hard link stored in its direct blocks.
func ReadLinks(ctx context.Context, p metabuf.Provider, heapAddr uint64) ([]Link, error) {
	hdr, err := ReadHeader(ctx, p, heapAddr)
	if err != nil {
		return nil, err
	}

	var links []Link
	blocks := 0
	collect := func(addr uint64, size uint64) error {
		if blocks++; blocks > maxTotalBlocks {
			return fmt.Errorf("fractal heap at 0x%x exceeds %d blocks", heapAddr, maxTotalBlocks)
		}
		found, err := readDirectBlock(ctx, p, hdr, addr, size)
		if err != nil {
			return err
		}
		links = append(links, found...)
		return nil
	}

	if hdr.CurNumRows == 0 {
		// Root block is a single direct block of the starting size.
		if err := collect(hdr.RootBlockAddress, hdr.StartingBlockSize); err != nil {
			return nil, err
		}
		return links, nil
	}

	if err := walkIndirectBlock(ctx, p, hdr, hdr.RootBlockAddress, int(hdr.CurNumRows), 0, collect); err != nil {
		return nil, err
	}
	return links, nil
}

// ReadHeader parses the FRHP header at address.
func ReadHeader(ctx context.Context, p metabuf.Provider, address uint64) (*Header, error) {
	r, err := p.Reader(ctx, address, headerWindow)
	if err != nil {
		return nil, err
	}

	sig, err := r.ReadBytes(4)
	if err != nil {
		return nil, err
	}
	if string(sig) != "FRHP" {
		return nil, fmt.Errorf("invalid fractal heap signature at 0x%x: got %q, expected \"FRHP\"", address, string(sig))
	}

	version, err := r.ReadUint8()
	if err != nil {
		return nil, err
	}
	if version != 0 {
		return nil, fmt.Errorf("unsupported fractal heap version: %d", version)
	}

	hdr := &Header{Address: address}

	hdr.HeapIDLength, err = r.ReadUint16()
	if err != nil {
		return nil, err
	}
	hdr.IOFilterLength, err = r.ReadUint16()
	if err != nil {
		return nil, err
	}
	hdr.Flags, err = r.ReadUint8()
	if err != nil {
		return nil, err
	}

	hdr.MaxManagedSize, err = r.ReadUint32()
	if err != nil {
		return nil, err
	}

	// Next huge object ID and huge-object B-tree address: huge objects
	// never hold link messages a group write would produce, skip.
	if _, err = r.ReadLength(); err != nil {
		return nil, err
	}
	if _, err = r.ReadOffset(); err != nil {
		return nil, err
	}

	// Free space amount and free-space manager address.
	if _, err = r.ReadLength(); err != nil {
		return nil, err
	}
	if _, err = r.ReadOffset(); err != nil {
		return nil, err
	}

	// Managed space, allocated space, iterator offset.
	if _, err = r.ReadLength(); err != nil {
		return nil, err
	}
	if _, err = r.ReadLength(); err != nil {
		return nil, err
	}
	if _, err = r.ReadLength(); err != nil {
		return nil, err
	}

	hdr.NumManagedObjects, err = r.ReadLength()
	if err != nil {
		return nil, err
	}

	// Huge and tiny object counts.
	for i := 0; i < 4; i++ {
		if _, err = r.ReadLength(); err != nil {
			return nil, err
		}
	}

	hdr.TableWidth, err = r.ReadUint16()
	if err != nil {
		return nil, err
	}
	hdr.StartingBlockSize, err = r.ReadLength()
	if err != nil {
		return nil, err
	}
	hdr.MaxDirectSize, err = r.ReadLength()
	if err != nil {
		return nil, err
	}
	hdr.MaxHeapSize, err = r.ReadUint16()
	if err != nil {
		return nil, err
	}

	// Starting number of rows in root indirect block.
	if _, err = r.ReadUint16(); err != nil {
		return nil, err
	}

	hdr.RootBlockAddress, err = r.ReadOffset()
	if err != nil {
		return nil, err
	}
	hdr.CurNumRows, err = r.ReadUint16()
	if err != nil {
		return nil, err
	}

	if hdr.TableWidth == 0 || hdr.StartingBlockSize == 0 {
		return nil, fmt.Errorf("fractal heap at 0x%x has zero table width or block size", address)
	}

	return hdr, nil
}

// rowBlockSize returns the direct-block size for a given row: rows 0 and 1
// use the starting size, each row after that doubles.
func (h *Header) rowBlockSize(row int) uint64 {
	if row < 2 {
		return h.StartingBlockSize
	}
	return h.StartingBlockSize << uint(row-1)
}

// heapOffsetBytes is the width of the block-offset field carried by every
// direct and indirect block, derived from the maximum heap size in bits.
func (h *Header) heapOffsetBytes() int {
	return (int(h.MaxHeapSize) + 7) / 8
}

// walkIndirectBlock reads an FHIB block and dispatches its direct-block
// entries, recursing into child indirect blocks when rows extend past the
// direct-row region.
func walkIndirectBlock(ctx context.Context, p metabuf.Provider, hdr *Header, address uint64, numRows, depth int, collect func(addr, size uint64) error) error {
	if depth > 16 {
		return fmt.Errorf("fractal heap indirect blocks at 0x%x nest too deep", address)
	}

	width := int(hdr.TableWidth)
	// Rows holding direct blocks: every row whose block size is within the
	// maximum direct block size; rows past that hold indirect blocks.
	maxDirectRows := 0
	for hdr.rowBlockSize(maxDirectRows) <= hdr.MaxDirectSize {
		maxDirectRows++
	}

	// Fetch window sized with the 8-byte upper bound on offset widths; the
	// exact width only matters to the parse, not the fetch.
	offsetBytes := hdr.heapOffsetBytes()
	need := 4 + 1 + 8 + offsetBytes + numRows*width*8 + 4

	ir, err := p.Reader(ctx, address, need)
	if err != nil {
		return err
	}

	sig, err := ir.ReadBytes(4)
	if err != nil {
		return err
	}
	if string(sig) != "FHIB" {
		return fmt.Errorf("invalid indirect block signature at 0x%x: got %q, expected \"FHIB\"", address, string(sig))
	}

	version, err := ir.ReadUint8()
	if err != nil {
		return err
	}
	if version != 0 {
		return fmt.Errorf("unsupported indirect block version: %d", version)
	}

	// Heap header address (back-pointer) and this block's heap offset.
	if _, err = ir.ReadOffset(); err != nil {
		return err
	}
	if _, err = ir.ReadBytes(offsetBytes); err != nil {
		return err
	}

	// Entries: direct rows first, then indirect rows. All are read into a
	// local list before any child block is touched.
	type entry struct {
		addr uint64
		row  int
	}
	var direct, indirect []entry
	for row := 0; row < numRows; row++ {
		for col := 0; col < width; col++ {
			addr, err := ir.ReadOffset()
			if err != nil {
				return err
			}
			if ir.IsUndefinedOffset(addr) {
				continue
			}
			if row < maxDirectRows {
				direct = append(direct, entry{addr: addr, row: row})
			} else {
				indirect = append(indirect, entry{addr: addr, row: row})
			}
		}
	}

	for _, e := range direct {
		if err := collect(e.addr, hdr.rowBlockSize(e.row)); err != nil {
			return err
		}
	}
	for _, e := range indirect {
		// A child indirect block covers the rows its size implies; walking
		// with the parent's row count is a safe upper bound since absent
		// entries are undefined addresses.
		if err := walkIndirectBlock(ctx, p, hdr, e.addr, numRows, depth+1, collect); err != nil {
			return err
		}
	}

	return nil
}

// readDirectBlock parses an FHDB block and extracts hard links from the
// Link messages packed in its object region.
func readDirectBlock(ctx context.Context, p metabuf.Provider, hdr *Header, address uint64, size uint64) ([]Link, error) {
	if size > maxDirectBlock {
		return nil, fmt.Errorf("fractal heap direct block at 0x%x declares %d bytes", address, size)
	}

	r, err := p.Reader(ctx, address, int(size))
	if err != nil {
		return nil, err
	}

	sig, err := r.ReadBytes(4)
	if err != nil {
		return nil, err
	}
	if string(sig) != "FHDB" {
		return nil, fmt.Errorf("invalid direct block signature at 0x%x: got %q, expected \"FHDB\"", address, string(sig))
	}

	version, err := r.ReadUint8()
	if err != nil {
		return nil, err
	}
	if version != 0 {
		return nil, fmt.Errorf("unsupported direct block version: %d", version)
	}

	// Heap header address (back-pointer) and block heap offset.
	if _, err = r.ReadOffset(); err != nil {
		return nil, err
	}
	if _, err = r.ReadBytes(hdr.heapOffsetBytes()); err != nil {
		return nil, err
	}

	// Optional checksum when the heap's flags request block integrity.
	if hdr.Flags&0x02 != 0 {
		if _, err = r.ReadUint32(); err != nil {
			return nil, err
		}
	}

	objEnd := int64(address) + int64(size)
	var links []Link
	for r.Pos() < objEnd {
		link, advanced := tryParseLink(r, objEnd)
		if !advanced {
			break
		}
		if link != nil && link.Name != "" {
			links = append(links, *link)
		}
	}

	return links, nil
}

// tryParseLink attempts to decode one packed Link message at the cursor.
// Heap free space is zero-filled, so a zero version byte means the object
// region's used portion has ended. Reports advanced=false when no further
// progress is possible.
func tryParseLink(r *bufreader.Reader, end int64) (*Link, bool) {
	start := r.Pos()
	remaining := int(end - start)
	if remaining <= 0 {
		return nil, false
	}

	peek, err := r.Peek(1)
	if err != nil || peek[0] == 0 {
		return nil, false
	}

	data, err := r.Peek(remaining)
	if err != nil {
		return nil, false
	}

	msg, consumed, err := message.ParseLinkRecord(data, r)
	if err != nil {
		return nil, false
	}
	r.Skip(int64(consumed))

	if msg.LinkType != message.LinkTypeHard {
		return &Link{}, true // parsed but not representable; skip it
	}
	return &Link{Name: msg.Name, ObjectAddress: msg.ObjectAddress}, true
}
