// Package hdf5 reads cloud-hosted HDF5 files a byte range at a time.
//
// A Reader is opened against a local file or an HTTP(S) URL supporting
// range requests. Opening fetches a metadata prefix, parses the
// superblock, and walks the group hierarchy to build a dataset catalog;
// after that, reads fetch only the bytes each request needs. Chunk
// indices are parsed on first demand per dataset, small chunk fetches are
// coalesced into merged range requests, and a pool of shard URLs can be
// rotated to open parallel connections against a single origin.
package hdf5

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/cloudhdf5/reader/internal/bufreader"
	"github.com/cloudhdf5/reader/internal/chunkindex"
	"github.com/cloudhdf5/reader/internal/errs"
	"github.com/cloudhdf5/reader/internal/metabuf"
	"github.com/cloudhdf5/reader/internal/source"
	"github.com/cloudhdf5/reader/internal/superblock"
)

// Reader serves dataset catalog queries and region reads over one HDF5
// file. It exclusively owns its byte source; Close releases it and
// cancels every outstanding fetch.
type Reader struct {
	src   source.Source
	sem   *source.Semaphore
	meta  *metabuf.File
	sb    *superblock.Superblock
	cfg   bufreader.Config
	local bool

	opts    *options
	logger  zerolog.Logger
	builder *chunkindex.Builder

	// closeCtx is cancelled by Close so in-flight reads abort.
	closeCtx  context.Context
	closeFunc context.CancelFunc
	closed    atomic.Bool

	mu       sync.RWMutex
	datasets map[string]*Dataset
	order    []string
	attrs    map[string]map[string]interface{}
}

// Open opens a local HDF5 file.
func Open(ctx context.Context, path string, opts ...Option) (*Reader, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	if o.metadataPrefixBytes == 0 {
		o.metadataPrefixBytes = defaultLocalPrefix
	}

	sem := source.NewSemaphore(o.maxInFlight)
	src, err := source.OpenLocal(path, sem)
	if err != nil {
		return nil, err
	}
	return open(ctx, src, sem, true, o)
}

// OpenURL opens an HDF5 file served over HTTP(S) byte-range GETs. Shard
// URLs supplied via WithShardURLs join the rotation pool alongside url.
func OpenURL(ctx context.Context, url string, opts ...Option) (*Reader, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	if o.metadataPrefixBytes == 0 {
		o.metadataPrefixBytes = defaultRemotePrefix
	}

	urls := append([]string{url}, o.shardURLs...)
	sem := source.NewSemaphore(o.maxInFlight)

	var httpOpts []source.HTTPOption
	if o.httpClient != nil {
		httpOpts = append(httpOpts, source.WithHTTPClient(o.httpClient))
	}
	httpOpts = append(httpOpts, source.WithRetries(o.retries))

	src, err := source.NewHTTP(urls, sem, httpOpts...)
	if err != nil {
		return nil, err
	}
	return open(ctx, src, sem, false, o)
}

// OpenSource opens a reader over a caller-supplied byte source; the
// reader takes ownership and closes it with Close.
func OpenSource(ctx context.Context, src source.Source, opts ...Option) (*Reader, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	if o.metadataPrefixBytes == 0 {
		o.metadataPrefixBytes = defaultRemotePrefix
	}
	return open(ctx, src, source.NewSemaphore(o.maxInFlight), false, o)
}

func open(ctx context.Context, src source.Source, sem *source.Semaphore, local bool, o *options) (*Reader, error) {
	closeCtx, closeFunc := context.WithCancel(context.Background())
	r := &Reader{
		src:       src,
		sem:       sem,
		local:     local,
		opts:      o,
		logger:    o.logger,
		builder:   chunkindex.NewBuilder(),
		closeCtx:  closeCtx,
		closeFunc: closeFunc,
		datasets:  make(map[string]*Dataset),
		attrs:     make(map[string]map[string]interface{}),
	}

	if err := r.init(ctx); err != nil {
		closeFunc()
		src.Close()
		return nil, err
	}
	return r, nil
}

// init fetches the metadata prefix, parses the superblock, and walks the
// hierarchy reachable from the root group.
func (r *Reader) init(ctx context.Context) error {
	buf := metabuf.New(r.src, bufreader.DefaultConfig())
	if err := buf.Prefetch(ctx, r.opts.metadataPrefixBytes); err != nil {
		return err
	}

	sb, err := superblock.Read(buf.Prefix())
	if err != nil {
		if !errs.Is(err, errs.KindInvalidSignature) {
			return err
		}
		// The signature search window may extend past a short prefix; grow
		// once before giving up.
		if _, gerr := buf.Grow(ctx, 0); gerr != nil {
			return err
		}
		sb, err = superblock.Read(buf.Prefix())
		if err != nil {
			return err
		}
	}

	r.sb = sb
	r.cfg = sb.ReaderConfig()
	r.meta = metabuf.NewFile(buf.WithConfig(r.cfg))

	if err := r.walkTree(ctx); err != nil {
		return err
	}

	if !r.opts.lazyTreeWalking {
		r.buildAllIndices(ctx)
	}
	return nil
}

// buildAllIndices eagerly parses every chunked dataset's B-tree; failures
// are logged and deferred to the read that eventually needs the index.
func (r *Reader) buildAllIndices(ctx context.Context) {
	for _, path := range r.order {
		d := r.datasets[path]
		if !d.Chunked() {
			continue
		}
		if _, err := d.index(ctx); err != nil {
			r.logger.Warn().Str("path", path).Err(err).Msg("eager chunk index build failed")
		}
	}
}

// Close cancels outstanding fetches and releases the byte source. The
// catalog remains readable but every read operation fails with
// KindClosed.
func (r *Reader) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	r.closeFunc()
	return r.src.Close()
}

// ready gates read operations on lifecycle state.
func (r *Reader) ready() error {
	if r.closed.Load() {
		return errs.New(errs.KindClosed, "reader is closed")
	}
	return nil
}

// watchClose derives a context that is cancelled either by the caller or
// by Close.
func (r *Reader) watchClose(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(r.closeCtx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// Datasets lists the catalog, one row per dataset discovered under the
// root group, in walk-completion order.
func (r *Reader) Datasets() []DatasetInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]DatasetInfo, 0, len(r.order))
	for _, path := range r.order {
		out = append(out, r.datasets[path].Info())
	}
	return out
}

// NumDatasets reports the catalog size.
func (r *Reader) NumDatasets() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.datasets)
}

// FindByPath resolves a dataset by absolute path. An exact match wins;
// failing that, the first dataset whose path contains every query segment
// in order is returned. Returns nil when nothing matches.
func (r *Reader) FindByPath(path string) *Dataset {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.findLocked(CleanPath(path))
}

// Attributes returns the decoded attributes of the object at path
// (dataset or group), or nil when the path names nothing.
func (r *Reader) Attributes(path string) map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	clean := CleanPath(path)
	if attrs, ok := r.attrs[clean]; ok {
		return attrs
	}
	if d := r.findLocked(clean); d != nil {
		return d.attributes
	}
	return nil
}

// findLocked is FindByPath without re-locking; callers must hold r.mu.
func (r *Reader) findLocked(clean string) *Dataset {
	if d, ok := r.datasets[clean]; ok {
		return d
	}
	query := SplitPath(clean)
	for _, candidate := range r.order {
		if matchesSubsequence(query, SplitPath(candidate)) {
			return r.datasets[candidate]
		}
	}
	return nil
}
