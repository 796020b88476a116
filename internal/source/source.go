// Package source implements the byte-range fetch layer the rest of the
// reader is built on: an absolute-offset "fetchBytes(offset, length)"
// contract satisfied either by a local random-access file or by a pool of
// HTTP(S) URLs that all resolve to the same bytes.
//
// Every fetch, whether for metadata during the tree walk or for chunk
// data during a read, passes through the reader's single shared semaphore, so
// no single caller can starve the others. HTTP sources additionally cache
// a read-ahead window so a run of small requests (typical of the tree
// walker probing object headers) collapses into one larger GET.
package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/semaphore"

	"github.com/cloudhdf5/reader/internal/errs"
)

// Source is the byte-range contract every reader component fetches
// through. offset and length are absolute file-space coordinates;
// FetchBytes returns exactly length bytes, shorter only when the range
// runs past end-of-file, and fails otherwise.
type Source interface {
	// FetchBytes serves metadata-sized reads and may answer from (and
	// populate) a read-ahead cache.
	FetchBytes(ctx context.Context, offset, length int64) ([]byte, error)

	// FetchData serves bulk chunk reads: always a direct fetch, never
	// cached, so a carefully merged range request costs exactly one
	// round trip.
	FetchData(ctx context.Context, offset, length int64) ([]byte, error)

	// Size reports the total byte length of the underlying object, or -1
	// if unknown (some HTTP origins never reveal it up front).
	Size() int64
	Close() error
}

// maxPlatformOffset bounds the offsets this reader will accept. Go's ints
// are 64-bit on every platform we target, but an explicit guard beats
// silent wraparound, so we cap well below the point where offset+length
// could overflow int64.
const maxPlatformOffset = int64(1) << 62

func validateRange(offset, length int64) error {
	if offset < 0 || offset > maxPlatformOffset {
		return errs.New(errs.KindOutOfRange, fmt.Sprintf("offset %d out of range", offset))
	}
	if length <= 0 {
		return errs.New(errs.KindOutOfRange, fmt.Sprintf("length %d must be positive", length))
	}
	return nil
}

// Semaphore is the shared global concurrency ceiling: every fetch,
// whether issued by the tree walker or the chunk fetch coalescer,
// acquires one slot here before it touches the network or disk.
type Semaphore struct {
	w *semaphore.Weighted
}

// NewSemaphore creates a semaphore admitting at most n concurrent holders.
func NewSemaphore(n int) *Semaphore {
	if n <= 0 {
		n = 1
	}
	return &Semaphore{w: semaphore.NewWeighted(int64(n))}
}

// Acquire blocks for a slot until one is available or ctx is cancelled. A
// cancelled acquire removes its own place in the FIFO wait queue, per the
// semantics of golang.org/x/sync/semaphore.
func (s *Semaphore) Acquire(ctx context.Context) error {
	if err := s.w.Acquire(ctx, 1); err != nil {
		return errs.Wrap(errs.KindCancelled, "waiting for fetch slot", err)
	}
	return nil
}

func (s *Semaphore) Release() { s.w.Release(1) }

// ---- Local file source ----------------------------------------------------

// LocalSource reads byte ranges from a local random-access file. It does
// not use the read-ahead cache: the OS page cache already does this job
// for local disk, so an extra layer would only add bookkeeping cost.
type LocalSource struct {
	f    *os.File
	sem  *Semaphore
	size int64
}

// OpenLocal opens path for random-access reads, gated by sem.
func OpenLocal(path string, sem *Semaphore) (*LocalSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransport, "opening local file", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errs.Wrap(errs.KindTransport, "stat local file", err)
	}
	return &LocalSource{f: f, sem: sem, size: info.Size()}, nil
}

func (s *LocalSource) Size() int64 { return s.size }

func (s *LocalSource) FetchBytes(ctx context.Context, offset, length int64) ([]byte, error) {
	if err := validateRange(offset, length); err != nil {
		return nil, err
	}
	if err := s.sem.Acquire(ctx); err != nil {
		return nil, err
	}
	defer s.sem.Release()

	buf := make([]byte, length)
	n, err := s.f.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return nil, errs.Wrap(errs.KindTransport, fmt.Sprintf("reading %s at offset %d", humanize.Bytes(uint64(length)), offset), err)
	}
	if int64(n) != length {
		return nil, errs.New(errs.KindTransport, fmt.Sprintf("short read: got %d bytes, wanted %s at offset %d", n, humanize.Bytes(uint64(length)), offset))
	}
	return buf, nil
}

// FetchData is identical to FetchBytes for local files; the OS page
// cache is the only caching layer worth having here.
func (s *LocalSource) FetchData(ctx context.Context, offset, length int64) ([]byte, error) {
	return s.FetchBytes(ctx, offset, length)
}

func (s *LocalSource) Close() error {
	return s.f.Close()
}

// ---- HTTP shard-pool source -------------------------------------------------

// HTTPSource issues ranged GETs against a pool of equivalent URLs,
// rotating across them so the HTTP client opens separate connections per
// shard. A single-slot read-ahead cache absorbs runs of small requests.
type HTTPSource struct {
	client *http.Client
	urls   []string
	sem    *Semaphore

	counterMu sync.Mutex
	counter   uint64

	sizeMu sync.Mutex

	retries int

	readAheadThreshold int64
	readAheadSize      int64

	cacheMu    sync.Mutex
	cacheStart int64
	cacheEnd   int64 // exclusive
	cacheData  []byte

	size int64 // -1 if unknown
}

// HTTPOption configures an HTTPSource.
type HTTPOption func(*HTTPSource)

// WithHTTPClient overrides the underlying *http.Client (default: a client
// with a generous per-request timeout suitable for large ranged GETs).
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(s *HTTPSource) { s.client = c }
}

// WithRetries overrides the number of retries applied to idempotent
// transport failures (connection errors and 5xx). Default 3.
func WithRetries(n int) HTTPOption {
	return func(s *HTTPSource) { s.retries = n }
}

// WithReadAhead overrides the small-read threshold and read-ahead fetch
// size (defaults: 64 KiB threshold, 512 KiB read-ahead).
func WithReadAhead(threshold, size int64) HTTPOption {
	return func(s *HTTPSource) {
		s.readAheadThreshold = threshold
		s.readAheadSize = size
	}
}

// WithKnownSize supplies the object's total size when already known, so
// Size reports it before any response has revealed it.
func WithKnownSize(size int64) HTTPOption {
	return func(s *HTTPSource) { s.size = size }
}

// NewHTTP creates an HTTP byte-range source over one or more shard URLs
// that must resolve to byte-identical content. Distinct hostnames among
// urls are what let the client open genuinely parallel connections.
func NewHTTP(urls []string, sem *Semaphore, opts ...HTTPOption) (*HTTPSource, error) {
	if len(urls) == 0 {
		return nil, errs.New(errs.KindOutOfRange, "at least one URL is required")
	}
	s := &HTTPSource{
		client:             &http.Client{Timeout: 60 * time.Second},
		urls:               append([]string(nil), urls...),
		sem:                sem,
		retries:            3,
		readAheadThreshold: 64 * 1024,
		readAheadSize:      512 * 1024,
		size:               -1,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

func (s *HTTPSource) Size() int64 {
	s.sizeMu.Lock()
	defer s.sizeMu.Unlock()
	return s.size
}

// learnSize records the object's total size the first time a
// Content-Range header reveals it.
func (s *HTTPSource) learnSize(total int64) {
	s.sizeMu.Lock()
	if s.size < 0 && total > 0 {
		s.size = total
	}
	s.sizeMu.Unlock()
}

// nextURL round-robins across the shard pool.
func (s *HTTPSource) nextURL() string {
	s.counterMu.Lock()
	idx := s.counter % uint64(len(s.urls))
	s.counter++
	s.counterMu.Unlock()
	return s.urls[idx]
}

func (s *HTTPSource) FetchBytes(ctx context.Context, offset, length int64) ([]byte, error) {
	if err := validateRange(offset, length); err != nil {
		return nil, err
	}

	if length <= s.readAheadThreshold {
		if data, ok := s.fromCache(offset, length); ok {
			return data, nil
		}
		data, err := s.fetchRange(ctx, offset, s.readAheadSize)
		if err == nil {
			s.populateCache(offset, data)
			if length <= int64(len(data)) {
				return data[:length], nil
			}
		}
		// Read-ahead failed or the origin returned fewer bytes than asked
		// (near EOF); fall through to an exact fetch.
	}

	return s.fetchRange(ctx, offset, length)
}

// FetchData issues a direct ranged GET with no read-ahead, for bulk chunk
// transfers whose request boundaries the fetch coalescer already chose.
func (s *HTTPSource) FetchData(ctx context.Context, offset, length int64) ([]byte, error) {
	if err := validateRange(offset, length); err != nil {
		return nil, err
	}
	return s.fetchRange(ctx, offset, length)
}

func (s *HTTPSource) fromCache(offset, length int64) ([]byte, bool) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if s.cacheData == nil {
		return nil, false
	}
	if offset < s.cacheStart || offset+length > s.cacheEnd {
		return nil, false
	}
	start := offset - s.cacheStart
	out := make([]byte, length)
	copy(out, s.cacheData[start:start+length])
	return out, true
}

func (s *HTTPSource) populateCache(offset int64, data []byte) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.cacheStart = offset
	s.cacheEnd = offset + int64(len(data))
	s.cacheData = data
}

// fetchRange performs one (possibly retried) ranged GET against the next
// shard URL, acquiring the shared semaphore for its whole duration.
func (s *HTTPSource) fetchRange(ctx context.Context, offset, length int64) ([]byte, error) {
	if err := s.sem.Acquire(ctx); err != nil {
		return nil, err
	}
	defer s.sem.Release()

	url := s.nextURL()
	var lastErr error
	for attempt := 0; attempt <= s.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, errs.Wrap(errs.KindCancelled, "range fetch cancelled during retry backoff", ctx.Err())
			case <-time.After(backoff(attempt)):
			}
		}

		data, retryable, err := s.doRange(ctx, url, offset, length)
		if err == nil {
			return data, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
	}
	return nil, lastErr
}

func backoff(attempt int) time.Duration {
	d := time.Duration(attempt) * 50 * time.Millisecond
	if d > time.Second {
		d = time.Second
	}
	return d
}

// doRange issues a single ranged GET and reports whether a failure is
// retryable (connection errors and 5xx are; 4xx other than 429 are not).
func (s *HTTPSource) doRange(ctx context.Context, url string, offset, length int64) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, errs.Wrap(errs.KindTransport, "building range request", err)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, errs.Wrap(errs.KindCancelled, "range fetch cancelled", ctx.Err())
		}
		return nil, true, errs.Wrap(errs.KindTransport, fmt.Sprintf("GET %s", url), err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK, resp.StatusCode == http.StatusPartialContent:
		// Either status is acceptable: a 200 means the server ignored
		// the range and returned the whole object, which is sliced
		// locally below.
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return nil, true, errs.New(errs.KindTransport, fmt.Sprintf("GET %s: status %d", url, resp.StatusCode))
	default:
		return nil, false, errs.New(errs.KindTransport, fmt.Sprintf("GET %s: status %d", url, resp.StatusCode))
	}

	if resp.StatusCode == http.StatusPartialContent {
		var first, last, total int64
		if n, _ := fmt.Sscanf(resp.Header.Get("Content-Range"), "bytes %d-%d/%d", &first, &last, &total); n == 3 {
			s.learnSize(total)
		}
	}

	// A 200 means the server ignored the range header and is sending the
	// whole object from byte 0; read through the requested span and slice
	// locally.
	limit := length
	if resp.StatusCode == http.StatusOK {
		limit = offset + length
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, true, errs.Wrap(errs.KindTransport, "reading range response body", err)
	}

	if resp.StatusCode == http.StatusOK {
		if offset+length > int64(len(body)) {
			return nil, false, errs.New(errs.KindTransport, fmt.Sprintf("200 response shorter than requested range (got %s)", humanize.Bytes(uint64(len(body)))))
		}
		return body[offset : offset+length], false, nil
	}

	if int64(len(body)) > length {
		body = body[:length]
	}
	if int64(len(body)) < length {
		// A short 206 happens when the requested range runs past the end
		// of the object; if the known size says the span should have been
		// satisfiable, treat the truncation as a transport fault instead.
		if size := s.Size(); size >= 0 && offset+length <= size {
			return nil, true, errs.New(errs.KindTransport, fmt.Sprintf("short range response: got %s, wanted %s", humanize.Bytes(uint64(len(body))), humanize.Bytes(uint64(length))))
		}
	}
	if len(body) == 0 {
		return nil, false, errs.New(errs.KindTransport, "empty range response")
	}
	return body, false, nil
}

func (s *HTTPSource) Close() error { return nil }
