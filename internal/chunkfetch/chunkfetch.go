// Package chunkfetch turns a batch of chunk reads into as few byte-range
// fetches as the layout allows.
//
// Requested chunks are sorted by file offset and swept into merged ranges:
// a chunk extends the current range unless it starts more than the merge
// gap past the range's end or would push the range over its size cap.
// Each merged range costs one fetch; object stores bill per request and
// round-trip, so over-reading the small gaps between chunks is cheaper
// than issuing one request per chunk. Local files skip merging entirely
// and lean on the OS page cache instead.
package chunkfetch

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/cloudhdf5/reader/internal/chunkindex"
	"github.com/cloudhdf5/reader/internal/errs"
	"github.com/cloudhdf5/reader/internal/source"
)

// Defaults for range merging.
const (
	DefaultMergeGap = 1 << 20 // 1 MiB
	DefaultMaxRange = 8 << 20 // 8 MiB
)

// Request names one chunk of a batch. A nil Entry marks a sparse chunk:
// it costs no I/O and collates to a nil result.
type Request struct {
	Key   string
	Entry *chunkindex.Entry
}

// Config tunes the coalescer.
type Config struct {
	MergeGap int64
	MaxRange int64

	// Local skips range merging and issues per-chunk reads in parallel.
	Local bool

	Logger zerolog.Logger
}

func (c Config) withDefaults() Config {
	if c.MergeGap <= 0 {
		c.MergeGap = DefaultMergeGap
	}
	if c.MaxRange <= 0 {
		c.MaxRange = DefaultMaxRange
	}
	return c
}

// DecodeFunc decompresses and decodes one chunk's stored bytes. A decode
// that fails marks that chunk's result nil rather than failing the batch.
type DecodeFunc func(raw []byte, filterMask uint32) ([]float32, error)

// span is one chunk's placement inside a merged range.
type span struct {
	req    Request
	offset int64 // within the merged range
	size   int64
}

// mergedRange is one byte-range fetch covering one or more chunks.
type mergedRange struct {
	start  int64
	end    int64 // exclusive
	chunks []span
}

// planRanges sorts stored chunks by file offset and sweeps them into
// merged ranges.
func planRanges(reqs []Request, mergeGap, maxRange int64) []mergedRange {
	stored := make([]Request, 0, len(reqs))
	for _, r := range reqs {
		if r.Entry != nil {
			stored = append(stored, r)
		}
	}
	sort.Slice(stored, func(i, j int) bool {
		return stored[i].Entry.Address < stored[j].Entry.Address
	})

	var ranges []mergedRange
	for _, r := range stored {
		start := int64(r.Entry.Address)
		end := start + int64(r.Entry.Size)

		if n := len(ranges); n > 0 {
			cur := &ranges[n-1]
			gap := start - cur.end
			if gap <= mergeGap && end-cur.start <= maxRange {
				cur.chunks = append(cur.chunks, span{req: r, offset: start - cur.start, size: int64(r.Entry.Size)})
				if end > cur.end {
					cur.end = end
				}
				continue
			}
		}
		ranges = append(ranges, mergedRange{
			start:  start,
			end:    end,
			chunks: []span{{req: r, offset: 0, size: int64(r.Entry.Size)}},
		})
	}
	return ranges
}

// Fetch resolves a batch of chunk requests to decoded buffers, keyed by
// each request's Key. Sparse chunks and chunks whose stored bytes defeat
// decoding map to nil. Transport errors and cancellation fail the whole
// batch.
func Fetch(ctx context.Context, src source.Source, reqs []Request, cfg Config, decode DecodeFunc) (map[string][]float32, error) {
	cfg = cfg.withDefaults()

	results := make(map[string][]float32, len(reqs))
	var mu sync.Mutex
	set := func(key string, data []float32) {
		mu.Lock()
		results[key] = data
		mu.Unlock()
	}

	for _, r := range reqs {
		if r.Entry == nil {
			set(r.Key, nil)
		}
	}

	if cfg.Local {
		return results, fetchLocal(ctx, src, reqs, cfg, decode, set)
	}

	ranges := planRanges(reqs, cfg.MergeGap, cfg.MaxRange)

	g, gctx := errgroup.WithContext(ctx)
	for i := range ranges {
		mr := ranges[i]
		g.Go(func() error {
			data, err := src.FetchData(gctx, mr.start, mr.end-mr.start)
			if err != nil {
				return err
			}
			return decodeSpans(gctx, data, mr.chunks, cfg, decode, set)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// fetchLocal reads each chunk independently; adjacency is the page
// cache's problem, not ours.
func fetchLocal(ctx context.Context, src source.Source, reqs []Request, cfg Config, decode DecodeFunc, set func(string, []float32)) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, r := range reqs {
		if r.Entry == nil {
			continue
		}
		r := r
		g.Go(func() error {
			data, err := src.FetchData(gctx, int64(r.Entry.Address), int64(r.Entry.Size))
			if err != nil {
				return err
			}
			return decodeSpans(gctx, data, []span{{req: r, offset: 0, size: int64(r.Entry.Size)}}, cfg, decode, set)
		})
	}
	return g.Wait()
}

// decodeSpans slices each chunk out of a fetched range and decodes the
// chunks in parallel. Decode failures degrade to nil results with a
// warning; only cancellation propagates.
func decodeSpans(ctx context.Context, data []byte, spans []span, cfg Config, decode DecodeFunc, set func(string, []float32)) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range spans {
		s := s
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return errs.Wrap(errs.KindCancelled, "chunk decode cancelled", err)
			}
			if s.offset < 0 || s.offset+s.size > int64(len(data)) {
				cfg.Logger.Warn().Str("chunk", s.req.Key).Msg("chunk lies outside fetched range")
				set(s.req.Key, nil)
				return nil
			}
			raw := data[s.offset : s.offset+s.size]
			decoded, err := decode(raw, s.req.Entry.FilterMask)
			if err != nil {
				cfg.Logger.Warn().Str("chunk", s.req.Key).Err(err).Msg("chunk decode failed")
				set(s.req.Key, nil)
				return nil
			}
			set(s.req.Key, decoded)
			return nil
		})
	}
	return g.Wait()
}
