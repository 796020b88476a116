// Package metabuf gives the structural parsers (superblock, object header,
// B-tree, heap, fractal heap) something that looks like a single
// in-memory file even though the bytes actually arrive a range fetch at a
// time from a Source.
//
// The buffer always holds a complete prefix [0, len(data)) of the
// underlying object. Parsers ask for a reader able to see at least minLen
// bytes starting at some offset; if that offset lies past what has been
// fetched so far, the buffer grows by pulling another range from the
// source before handing back a cursor. A parse that underestimates how
// much it needs (a B-tree leaf wider than expected, say) gets
// bufreader.ErrTruncated, which the caller turns into a Grow-and-retry via
// IsTruncated.
package metabuf

import (
	"context"
	"errors"
	"sync"

	"github.com/cloudhdf5/reader/internal/bufreader"
	"github.com/cloudhdf5/reader/internal/source"
)

// growChunk is the minimum amount fetched on each extension beyond what a
// caller explicitly asked for, so a run of small extensions (one B-tree
// node after another) doesn't degenerate into one tiny range GET per node.
const growChunk = 256 * 1024

// Buffer is a lazily-growing prefix of a Source's bytes.
type Buffer struct {
	src source.Source
	cfg bufreader.Config

	// growMu serializes extensions so concurrent growers cannot fetch and
	// append overlapping ranges; mu alone guards the data slice.
	growMu sync.Mutex

	mu   sync.Mutex
	data []byte
}

// New creates a buffer over src. cfg supplies the offset/length field
// widths used once the superblock has been parsed; callers may start with
// bufreader.DefaultConfig() before that and switch later via WithConfig.
func New(src source.Source, cfg bufreader.Config) *Buffer {
	return &Buffer{src: src, cfg: cfg}
}

// WithConfig returns a buffer sharing the same fetched data but a
// different offset/length field configuration, used once the superblock
// reveals the file's actual field widths.
func (b *Buffer) WithConfig(cfg bufreader.Config) *Buffer {
	return &Buffer{src: b.src, cfg: cfg, data: b.data}
}

// Prefix returns the fetched bytes from file offset 0. The slice is
// shared, not copied; callers must not modify it.
func (b *Buffer) Prefix() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.data
}

// Len reports how many bytes have been fetched so far.
func (b *Buffer) Len() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.data))
}

// Prefetch buffers exactly the first n bytes from file offset 0 (clamped
// to the object size); used once at open to pull the configured
// metadata-prefix size in one round trip instead of many small ones.
// Unlike later extensions, it does not round the fetch up to growChunk.
func (b *Buffer) Prefetch(ctx context.Context, n int64) error {
	b.growMu.Lock()
	defer b.growMu.Unlock()
	if size := b.src.Size(); size >= 0 && n > size {
		n = size
	}
	have := b.Len()
	if n <= have {
		return nil
	}
	extra, err := b.src.FetchBytes(ctx, have, n-have)
	if err == nil {
		b.mu.Lock()
		b.data = append(b.data, extra...)
		b.mu.Unlock()
	}
	return err
}

func (b *Buffer) ensure(ctx context.Context, end int64) error {
	b.mu.Lock()
	have := int64(len(b.data))
	b.mu.Unlock()
	if have >= end {
		return nil
	}

	b.growMu.Lock()
	defer b.growMu.Unlock()

	// Re-check under the grow lock: a concurrent grower may have covered
	// the span already.
	b.mu.Lock()
	have = int64(len(b.data))
	b.mu.Unlock()
	if have >= end {
		return nil
	}

	if size := b.src.Size(); size >= 0 && end > size {
		end = size
	}
	if end <= have {
		return nil
	}

	target := end
	if grown := have + growChunk; grown > target {
		target = grown
	}
	if size := b.src.Size(); size >= 0 && target > size {
		target = size
	}

	extra, err := b.src.FetchBytes(ctx, have, target-have)
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.data = append(b.data, extra...)
	b.mu.Unlock()
	return nil
}

// Reader returns a cursor at offset able to read at least minLen bytes,
// growing the buffer from the source first if needed.
func (b *Buffer) Reader(ctx context.Context, offset uint64, minLen int) (*bufreader.Reader, error) {
	if err := b.ensure(ctx, int64(offset)+int64(minLen)); err != nil {
		return nil, err
	}
	return b.readerAt(offset), nil
}

func (b *Buffer) readerAt(offset uint64) *bufreader.Reader {
	b.mu.Lock()
	data := b.data
	b.mu.Unlock()
	return bufreader.New(data, 0, b.cfg).At(int64(offset))
}

// Grow extends the buffer past its current end and returns a fresh cursor
// at offset, for retrying a parse that failed with ErrTruncated because it
// needed more bytes than the caller originally requested.
func (b *Buffer) Grow(ctx context.Context, offset uint64) (*bufreader.Reader, error) {
	b.mu.Lock()
	have := int64(len(b.data))
	b.mu.Unlock()

	if err := b.ensure(ctx, have+growChunk); err != nil {
		return nil, err
	}
	return b.readerAt(offset), nil
}

// IsTruncated reports whether err (or something it wraps) is
// bufreader.ErrTruncated, the signal that a parse needs more buffered data.
func IsTruncated(err error) bool {
	return errors.Is(err, bufreader.ErrTruncated)
}

// WithRetry runs fn, and on a truncation error grows buf and retries, up to
// maxAttempts times. fn must be idempotent: it re-reads from scratch each
// attempt rather than resuming mid-parse.
func WithRetry[T any](ctx context.Context, buf *Buffer, maxAttempts int, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		v, err := fn()
		if err == nil {
			return v, nil
		}
		lastErr = err
		if !IsTruncated(err) {
			return zero, err
		}
		if _, growErr := buf.Grow(ctx, 0); growErr != nil {
			return zero, growErr
		}
	}
	return zero, lastErr
}
