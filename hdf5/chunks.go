package hdf5

import (
	"context"
	"fmt"

	"github.com/cloudhdf5/reader/internal/chunkfetch"
	"github.com/cloudhdf5/reader/internal/chunkindex"
	"github.com/cloudhdf5/reader/internal/errs"
)

// ChunkCoord addresses one chunk by its (row, col) chunk indices; for 1-D
// datasets Col is ignored.
type ChunkCoord struct {
	Row uint64
	Col uint64
}

func (c ChunkCoord) key() string { return fmt.Sprintf("%d,%d", c.Row, c.Col) }

// index returns the dataset's chunk index, building it on first demand.
func (d *Dataset) index(ctx context.Context) (*chunkindex.Index, error) {
	if !d.Chunked() {
		return nil, errs.New(errs.KindNotChunked, "dataset is not chunked").WithPath(d.path)
	}
	if d.unsupportedIndex {
		return nil, errs.New(errs.KindUnsupported, "chunk index family is not supported").WithPath(d.path)
	}
	if d.unsupportedFilter {
		return nil, errs.New(errs.KindUnsupported, "dataset uses an unsupported filter").WithPath(d.path)
	}

	// Warm a window at the B-tree root sized to the expected chunk count,
	// so the node walk that follows stays inside one fetch.
	if est := d.indexWindowEstimate(); est > 0 && !d.r.meta.InPrefix(d.btreeAddr, est) {
		if _, err := d.r.meta.Reader(ctx, d.btreeAddr, est); err != nil {
			return nil, err
		}
	}

	return d.r.builder.Get(ctx, d.r.meta, d.btreeAddr, len(d.shape))
}

// indexWindowEstimate sizes the B-tree warm-up fetch: 64 bytes per
// expected chunk, floored at 256 KiB and capped at 4 MiB.
func (d *Dataset) indexWindowEstimate() int {
	const (
		perChunk = 64
		floor    = 256 * 1024
		ceil     = 4 * 1024 * 1024
	)
	est := int(d.expectedChunks()) * perChunk
	if est < floor {
		est = floor
	}
	if est > ceil {
		est = ceil
	}
	return est
}

// pixelOrigin maps chunk indices to the pixel-origin coordinate the chunk
// index is keyed by.
func (d *Dataset) pixelOrigin(c ChunkCoord) ([]uint64, error) {
	rank := len(d.shape)
	if rank == 0 || len(d.chunkDims) < rank {
		return nil, errs.New(errs.KindNotChunked, "dataset has no usable chunk shape").WithPath(d.path)
	}
	origin := make([]uint64, rank)
	origin[0] = c.Row * uint64(d.chunkDims[0])
	if rank >= 2 {
		origin[1] = c.Col * uint64(d.chunkDims[1])
	}
	return origin, nil
}

// ReadChunk fetches, decompresses, and decodes one chunk. A nil result
// with nil error marks a sparse chunk the file never allocated.
func (d *Dataset) ReadChunk(ctx context.Context, row, col uint64) ([]float32, error) {
	results, err := d.ReadChunksBatch(ctx, []ChunkCoord{{Row: row, Col: col}})
	if err != nil {
		return nil, err
	}
	return results[ChunkCoord{Row: row, Col: col}.key()], nil
}

// ReadChunksBatch resolves many chunks in one pass: index lookups, merged
// range fetches, parallel decode. The result maps each coordinate's
// "row,col" key to its decoded buffer, or nil for sparse chunks.
func (d *Dataset) ReadChunksBatch(ctx context.Context, coords []ChunkCoord) (map[string][]float32, error) {
	if err := d.r.ready(); err != nil {
		return nil, err
	}
	ctx, done := d.r.watchClose(ctx)
	defer done()

	ix, err := d.index(ctx)
	if err != nil {
		return nil, err
	}

	reqs := make([]chunkfetch.Request, 0, len(coords))
	for _, c := range coords {
		origin, err := d.pixelOrigin(c)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, chunkfetch.Request{Key: c.key(), Entry: ix.Lookup(origin)})
	}

	cfg := chunkfetch.Config{
		MergeGap: d.r.opts.mergeGap,
		MaxRange: d.r.opts.maxRangeBytes,
		Local:    d.r.local,
		Logger:   d.r.logger,
	}
	return chunkfetch.Fetch(ctx, d.r.src, reqs, cfg, d.decodeChunk)
}
