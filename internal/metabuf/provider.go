package metabuf

import (
	"context"
	"sync"

	"github.com/cloudhdf5/reader/internal/bufreader"
	"github.com/cloudhdf5/reader/internal/source"
)

// Provider hands out cursors over fetched file bytes. Reader guarantees the
// returned cursor can see at least minLen bytes starting at offset (or as
// many as remain before end-of-file); a parse that turns out to need more
// fails with bufreader.ErrTruncated and retries through a wider request.
type Provider interface {
	Reader(ctx context.Context, offset uint64, minLen int) (*bufreader.Reader, error)
}

// region is one discretely fetched span of the file, addressable at
// absolute offsets via its base.
type region struct {
	base int64
	data []byte
}

func (g *region) contains(offset, end int64) bool {
	return offset >= g.base && end <= g.base+int64(len(g.data))
}

// nearGap is how far past the prefix end an offset may lie and still be
// served by growing the prefix contiguously instead of opening a separate
// region; contiguous growth keeps the cheap single-buffer fast path hot for
// metadata that clusters at the front of the file.
const nearGap = 256 * 1024

// File combines the contiguous metadata prefix with ad-hoc regions fetched
// from deeper in the file. Structures inside the prefix parse with no
// further I/O; structures beyond it (a continuation block, a B-tree rooted
// past the prefix) each get their own base-offset region.
type File struct {
	prefix *Buffer
	src    source.Source
	cfg    bufreader.Config

	mu      sync.Mutex
	regions []*region
}

// NewFile creates a File over an already-prefetched prefix buffer.
func NewFile(prefix *Buffer) *File {
	return &File{prefix: prefix, src: prefix.src, cfg: prefix.cfg}
}

// WithConfig returns a File sharing fetched data but using different
// offset/length field widths, for the switch-over once the superblock has
// been parsed.
func (f *File) WithConfig(cfg bufreader.Config) *File {
	f.mu.Lock()
	defer f.mu.Unlock()
	nf := &File{prefix: f.prefix.WithConfig(cfg), src: f.src, cfg: cfg}
	nf.regions = append(nf.regions, f.regions...)
	return nf
}

// PrefixLen reports how many contiguous bytes from offset 0 are buffered.
func (f *File) PrefixLen() int64 { return f.prefix.Len() }

// InPrefix reports whether the span [offset, offset+n) is already covered
// by the contiguous prefix, i.e. readable with no further I/O.
func (f *File) InPrefix(offset uint64, n int) bool {
	return int64(offset)+int64(n) <= f.prefix.Len()
}

// Reader returns a cursor at offset able to see at least minLen bytes,
// fetching from the source if the span is not yet buffered.
func (f *File) Reader(ctx context.Context, offset uint64, minLen int) (*bufreader.Reader, error) {
	start := int64(offset)
	end := start + int64(minLen)
	if size := f.src.Size(); size >= 0 && end > size {
		end = size
	}

	// Fast path: already inside the contiguous prefix.
	if end <= f.prefix.Len() {
		return f.prefix.readerAt(offset), nil
	}

	// Near the prefix end: grow it instead of fragmenting into regions.
	if start <= f.prefix.Len()+nearGap {
		return f.prefix.Reader(ctx, offset, minLen)
	}

	f.mu.Lock()
	for _, g := range f.regions {
		if g.contains(start, end) {
			r := bufreader.New(g.data, g.base, f.cfg).At(start)
			f.mu.Unlock()
			return r, nil
		}
	}
	f.mu.Unlock()

	length := end - start
	if length <= 0 {
		return nil, bufreader.ErrTruncated
	}
	data, err := f.src.FetchBytes(ctx, start, length)
	if err != nil {
		return nil, err
	}

	g := &region{base: start, data: data}
	f.mu.Lock()
	f.regions = append(f.regions, g)
	f.mu.Unlock()
	return bufreader.New(g.data, g.base, f.cfg).At(start), nil
}

// ParseRetry runs fn with a cursor at offset seeing at least initial bytes,
// and on bufreader.ErrTruncated retries with a doubled window, up to limit
// bytes. fn must re-parse from scratch on each attempt.
func ParseRetry[T any](ctx context.Context, p Provider, offset uint64, initial, limit int, fn func(*bufreader.Reader) (T, error)) (T, error) {
	var zero T
	var lastErr error
	for window := initial; ; window *= 2 {
		if window > limit {
			window = limit
		}
		r, err := p.Reader(ctx, offset, window)
		if err != nil {
			return zero, err
		}
		v, err := fn(r)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if !IsTruncated(err) || window >= limit {
			return zero, lastErr
		}
	}
}
