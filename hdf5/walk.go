package hdf5

import (
	"context"
	"errors"
	gopath "path"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/cloudhdf5/reader/internal/btree"
	"github.com/cloudhdf5/reader/internal/errs"
	"github.com/cloudhdf5/reader/internal/filter"
	"github.com/cloudhdf5/reader/internal/fractalheap"
	"github.com/cloudhdf5/reader/internal/heap"
	"github.com/cloudhdf5/reader/internal/message"
	"github.com/cloudhdf5/reader/internal/object"
	"github.com/cloudhdf5/reader/internal/typeconv"
)

// Header fetch policy: objects outside the metadata prefix start with a
// bounded fetch and refetch with the header's declared size when that
// proves short, up to a hard cap.
const (
	headerWindow    = 8 * 1024
	maxHeaderWindow = 256 * 1024
)

// walker traverses the group hierarchy from the root, fanning child
// parses out in parallel. A failed child is logged and skipped; its
// siblings proceed. The catalog is first-path-wins: if two objects claim
// the same path, the later discovery is dropped.
type walker struct {
	r *Reader

	mu      sync.Mutex
	visited map[uint64]struct{}
}

func (r *Reader) walkTree(ctx context.Context) error {
	w := &walker{r: r, visited: make(map[uint64]struct{})}

	g, gctx := errgroup.WithContext(ctx)
	w.spawnVisit(gctx, g, r.sb.RootGroupAddress, "/")
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// spawnVisit dispatches one object parse into the group. Fetch
// concurrency is bounded by the reader's semaphore, not by goroutine
// count, so the fan-out itself is unbounded.
func (w *walker) spawnVisit(ctx context.Context, g *errgroup.Group, addr uint64, path string) {
	g.Go(func() error {
		if err := ctx.Err(); err != nil {
			return err // cancellation is the only error that stops the walk
		}
		if err := w.visit(ctx, g, addr, path); err != nil {
			if errs.Is(err, errs.KindCancelled) || ctx.Err() != nil {
				return err
			}
			w.r.logger.Warn().Str("path", path).Uint64("address", addr).Err(err).Msg("skipping unparseable object")
		}
		return nil
	})
}

func (w *walker) visit(ctx context.Context, g *errgroup.Group, addr uint64, path string) error {
	if eof := w.r.sb.EOFAddress; eof > 0 && addr >= eof {
		return errs.New(errs.KindOutOfRange, "object address beyond end of file").WithOffset(int64(addr))
	}

	w.mu.Lock()
	if _, seen := w.visited[addr]; seen {
		w.mu.Unlock()
		return nil
	}
	w.visited[addr] = struct{}{}
	w.mu.Unlock()

	hdr, err := w.parseObject(ctx, addr)
	if err != nil {
		return err
	}

	attrs := w.decodeAttributes(path, hdr)

	if hdr.IsDataset() {
		return w.recordDataset(path, hdr, attrs)
	}

	w.recordGroupAttrs(path, attrs)

	children, err := w.groupChildren(ctx, hdr)
	if err != nil {
		return err
	}
	for _, child := range children {
		childPath := gopath.Join(path, child.name)
		w.spawnVisit(ctx, g, child.addr, childPath)
	}
	return nil
}

// parseObject reads the object header at addr, refetching once with the
// declared size when the initial window proves short, then drains the
// continuation worklist.
func (w *walker) parseObject(ctx context.Context, addr uint64) (*object.Header, error) {
	rd, err := w.r.meta.Reader(ctx, addr, headerWindow)
	if err != nil {
		return nil, err
	}

	hdr, err := object.Read(rd, addr)
	if err != nil {
		need, ok := errNeedMore(err)
		if !ok {
			return nil, err
		}
		if need > maxHeaderWindow {
			return nil, errs.New(errs.KindTruncated, "object header exceeds the refetch cap").WithOffset(int64(addr))
		}
		rd, err = w.r.meta.Reader(ctx, addr, int(need))
		if err != nil {
			return nil, err
		}
		hdr, err = object.Read(rd, addr)
		if err != nil {
			return nil, err
		}
	}

	if err := w.drainContinuations(ctx, hdr); err != nil {
		return nil, err
	}
	return hdr, nil
}

func errNeedMore(err error) (int64, bool) {
	var nm *object.NeedMoreError
	if errors.As(err, &nm) {
		return nm.Total, true
	}
	return 0, false
}

// drainContinuations fetches and parses each continuation block the
// header references, which may surface further continuations. Cycles and
// oversized blocks are rejected; a single bad continuation is logged and
// skipped rather than discarding the whole object.
func (w *walker) drainContinuations(ctx context.Context, hdr *object.Header) error {
	pending := append([]message.Continuation(nil), hdr.Continuations...)
	seen := map[uint64]struct{}{hdr.Address: {}}

	for len(pending) > 0 {
		cont := pending[0]
		pending = pending[1:]

		if _, dup := seen[cont.Offset]; dup {
			w.r.logger.Warn().Uint64("offset", cont.Offset).Msg("continuation block forms a cycle; skipping")
			continue
		}
		seen[cont.Offset] = struct{}{}

		if cont.Length > object.MaxContinuationLength {
			w.r.logger.Warn().Uint64("offset", cont.Offset).Uint64("length", cont.Length).Msg("continuation block exceeds the length bound; skipping")
			continue
		}

		rd, err := w.r.meta.Reader(ctx, cont.Offset, int(cont.Length))
		if err != nil {
			if errs.Is(err, errs.KindCancelled) {
				return err
			}
			w.r.logger.Warn().Uint64("offset", cont.Offset).Err(err).Msg("continuation block fetch failed; skipping")
			continue
		}

		msgs, more, err := object.ReadContinuation(rd, cont.Offset, cont.Length, hdr.Version, hdr.TrackCreationOrder)
		if err != nil {
			w.r.logger.Warn().Uint64("offset", cont.Offset).Err(err).Msg("continuation block parse failed; skipping")
			continue
		}
		hdr.Messages = append(hdr.Messages, msgs...)
		pending = append(pending, more...)
	}
	return nil
}

type childRef struct {
	name string
	addr uint64
}

// groupChildren enumerates a group's children through whichever storage
// the writer used: a v1 symbol table, a v2 fractal heap, or inline Link
// messages.
func (w *walker) groupChildren(ctx context.Context, hdr *object.Header) ([]childRef, error) {
	var children []childRef

	if st := hdr.SymbolTable(); st != nil {
		localHeap, err := heap.ReadLocalHeap(ctx, w.r.meta, st.LocalHeapAddress)
		if err != nil {
			return nil, err
		}
		entries, err := btree.ReadGroupEntries(ctx, w.r.meta, st.BTreeAddress, localHeap)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			children = append(children, childRef{name: e.Name, addr: e.ObjectAddress})
		}
	}

	if li := hdr.LinkInfo(); li != nil && li.HasDenseStorage(w.isUndefined) {
		links, err := fractalheap.ReadLinks(ctx, w.r.meta, li.FractalHeapAddress)
		if err != nil {
			return nil, err
		}
		for _, l := range links {
			children = append(children, childRef{name: l.Name, addr: l.ObjectAddress})
		}
	}

	// Inline hard links, compact v2 groups.
	for _, msg := range hdr.GetMessages(message.TypeLink) {
		link := msg.(*message.Link)
		if link.IsHard() && link.Name != "" {
			children = append(children, childRef{name: link.Name, addr: link.ObjectAddress})
		}
	}

	return children, nil
}

func (w *walker) isUndefined(addr uint64) bool {
	size := int(w.r.sb.OffsetSize)
	switch size {
	case 2:
		return addr == 0xFFFF
	case 4:
		return addr == 0xFFFFFFFF
	default:
		return addr == 0xFFFFFFFFFFFFFFFF
	}
}

// decodeAttributes decodes every attribute message on the header;
// undecodable values are logged and skipped.
func (w *walker) decodeAttributes(path string, hdr *object.Header) map[string]interface{} {
	msgs := hdr.GetMessages(message.TypeAttribute)
	if len(msgs) == 0 {
		return nil
	}
	attrs := make(map[string]interface{}, len(msgs))
	for _, msg := range msgs {
		attr := msg.(*message.Attribute)
		val, err := decodeAttributeValue(attr)
		if err != nil {
			w.r.logger.Warn().Str("path", path).Str("attribute", attr.Name).Err(err).Msg("attribute decode failed")
			continue
		}
		attrs[attr.Name] = val
	}
	return attrs
}

func (w *walker) recordGroupAttrs(path string, attrs map[string]interface{}) {
	if attrs == nil {
		return
	}
	w.r.mu.Lock()
	defer w.r.mu.Unlock()
	if _, dup := w.r.attrs[path]; !dup {
		w.r.attrs[path] = attrs
	}
}

// recordDataset builds the Dataset from its header messages and registers
// it in the catalog. First path wins.
func (w *walker) recordDataset(path string, hdr *object.Header, attrs map[string]interface{}) error {
	space := hdr.Dataspace()
	dt := hdr.Datatype()
	layoutMsg := hdr.DataLayout()
	if layoutMsg == nil {
		return errs.New(errs.KindUnsupported, "dataset has no data layout message").WithPath(path)
	}

	dtype, _ := typeconv.Classify(dt)

	d := &Dataset{
		r:          w.r,
		path:       path,
		address:    hdr.Address,
		shape:      space.Dimensions,
		maxDims:    space.MaxDims,
		dtype:      dtype,
		datatype:   dt,
		elemSize:   int(dt.Size),
		layoutVer:  layoutMsg.Version,
		attributes: attrs,
	}

	switch {
	case layoutMsg.IsCompact():
		d.layoutClass = LayoutCompact
		d.compactData = layoutMsg.CompactData
	case layoutMsg.IsContiguous():
		d.layoutClass = LayoutContiguous
		d.dataAddress = layoutMsg.Address
		d.dataSize = layoutMsg.Size
	case layoutMsg.IsChunked():
		d.layoutClass = LayoutChunked
		d.btreeAddr = layoutMsg.ChunkIndexAddr
		d.chunkDims = trimChunkDims(layoutMsg.ChunkDims, space.Rank)
		// Layout versions 1-3 always index chunks through a v1 B-tree;
		// version 4's newer index families (fixed array, extensible
		// array, v2 B-tree) are not readable here. The dataset stays in
		// the catalog and chunk reads fail with Unsupported.
		if layoutMsg.Version == 4 {
			d.unsupportedIndex = true
		}
	default:
		return errs.New(errs.KindUnsupported, "unknown data layout class").WithPath(path)
	}

	if fp := hdr.FilterPipeline(); fp != nil {
		pipeline, err := filter.NewPipeline(fp)
		if err != nil {
			// Recorded but undecodable filters surface at read time with
			// the dataset still listed in the catalog.
			w.r.logger.Warn().Str("path", path).Err(err).Msg("filter pipeline is unsupported; reads will fail")
			d.unsupportedFilter = true
		}
		d.filterMsg = fp
		d.pipeline = pipeline
	}

	w.r.mu.Lock()
	defer w.r.mu.Unlock()
	if _, dup := w.r.datasets[path]; dup {
		return nil // first wins
	}
	w.r.datasets[path] = d
	w.r.order = append(w.r.order, path)
	if attrs != nil {
		w.r.attrs[path] = attrs
	}
	return nil
}

// trimChunkDims drops the trailing element-size entry the on-disk chunk
// shape carries when it is one longer than the dataspace rank.
func trimChunkDims(dims []uint32, rank int) []uint32 {
	if rank > 0 && len(dims) == rank+1 {
		return dims[:rank]
	}
	return dims
}
