package hdf5

import (
	"net/http"

	"github.com/rs/zerolog"
)

// Option configures a Reader at open time.
type Option func(*options)

type options struct {
	maxInFlight         int
	mergeGap            int64
	maxRangeBytes       int64
	metadataPrefixBytes int64
	lazyTreeWalking     bool
	shardURLs           []string
	httpClient          *http.Client
	retries             int
	logger              zerolog.Logger
}

func defaultOptions() *options {
	return &options{
		maxInFlight:     8,
		mergeGap:        1 << 20,
		maxRangeBytes:   8 << 20,
		lazyTreeWalking: true,
		retries:         3,
		logger:          zerolog.Nop(),
	}
}

const (
	defaultRemotePrefix = 8 << 20
	defaultLocalPrefix  = 1 << 20
)

// WithMaxInFlight sets the global ceiling on concurrent fetches shared by
// metadata walks and chunk reads. Default 8.
func WithMaxInFlight(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxInFlight = n
		}
	}
}

// WithMergeGap sets how far apart two chunks may sit and still be fetched
// in one merged range request. Default 1 MiB.
func WithMergeGap(bytes int64) Option {
	return func(o *options) {
		if bytes > 0 {
			o.mergeGap = bytes
		}
	}
}

// WithMaxRangeBytes caps the size of a single merged range request.
// Default 8 MiB.
func WithMaxRangeBytes(bytes int64) Option {
	return func(o *options) {
		if bytes > 0 {
			o.maxRangeBytes = bytes
		}
	}
}

// WithMetadataPrefix sets the initial fetch window parsed at open. A
// larger window trades up-front bandwidth for fewer structural round
// trips later. Default 8 MiB for remote sources, 1 MiB for local files.
func WithMetadataPrefix(bytes int64) Option {
	return func(o *options) {
		if bytes > 0 {
			o.metadataPrefixBytes = bytes
		}
	}
}

// WithLazyTreeWalking controls when chunk indices are built: lazily on
// first use (the default) or eagerly for every chunked dataset at open.
func WithLazyTreeWalking(lazy bool) Option {
	return func(o *options) { o.lazyTreeWalking = lazy }
}

// WithShardURLs supplies additional URLs resolving to byte-identical
// content. Fetches rotate across the pool; distinct hostnames are what
// let the HTTP client open genuinely parallel connections to one origin.
func WithShardURLs(urls ...string) Option {
	return func(o *options) { o.shardURLs = append(o.shardURLs, urls...) }
}

// WithHTTPClient overrides the HTTP client used for remote sources.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithRetries sets how many times idempotent transport failures are
// retried. Default 3.
func WithRetries(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.retries = n
		}
	}
}

// WithLogger supplies a logger for walker-isolated failures and filter
// salvage warnings. The default logger is silent.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}
