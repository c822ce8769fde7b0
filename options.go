package recallkit

import (
	"time"

	"github.com/recallkit/recallkit/assemble"
	"github.com/recallkit/recallkit/engine"
	"github.com/recallkit/recallkit/resource"
)

type options struct {
	poolSize         int
	poolWait         time.Duration
	queryTimeout     time.Duration
	healthInterval   time.Duration
	maxRetries       int
	retryBaseDelay   time.Duration
	cacheSize        int
	cacheTTL         time.Duration
	queryMemoryBytes int64

	logger     *Logger
	metrics    MetricsCollector
	controller *resource.Controller

	engineOptions   []func(*engine.Options)
	assembleOptions []func(*assemble.Options)
}

func defaultOptions() options {
	return options{
		poolSize:         4,
		poolWait:         time.Second,
		queryTimeout:     5 * time.Second,
		healthInterval:   30 * time.Second,
		maxRetries:       3,
		retryBaseDelay:   50 * time.Millisecond,
		cacheSize:        128,
		queryMemoryBytes: 1 << 20,
		metrics:          NoopMetricsCollector{},
	}
}

// Option configures Runtime construction.
type Option func(*options)

// WithPoolSize sets the number of pooled query sessions. Queries beyond
// this run concurrently only up to the pool size; the rest wait in FIFO
// order.
func WithPoolSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.poolSize = n
		}
	}
}

// WithPoolWait bounds how long a query waits for a free session before
// failing with ErrPoolExhausted.
func WithPoolWait(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.poolWait = d
		}
	}
}

// WithQueryTimeout sets the default per-query deadline. Individual
// queries can override it.
func WithQueryTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.queryTimeout = d
		}
	}
}

// WithHealthInterval sets the period of the background session health
// sweep. 0 disables the sweep; HealthCheck can still be called manually.
func WithHealthInterval(d time.Duration) Option {
	return func(o *options) {
		o.healthInterval = d
	}
}

// WithMaxRetries bounds retry attempts for transient storage errors.
func WithMaxRetries(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.maxRetries = n
		}
	}
}

// WithRetryBaseDelay sets the first backoff delay; each attempt doubles
// it, with jitter.
func WithRetryBaseDelay(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.retryBaseDelay = d
		}
	}
}

// WithCacheSize sets the result cache capacity in entries. 0 disables
// caching.
func WithCacheSize(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.cacheSize = n
		}
	}
}

// WithCacheTTL expires cached results after the given duration. 0 keeps
// entries until evicted by capacity.
func WithCacheTTL(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.cacheTTL = d
		}
	}
}

// WithQueryMemoryEstimate sets the per-query memory reservation charged
// against the resource controller's ceiling.
func WithQueryMemoryEstimate(bytes int64) Option {
	return func(o *options) {
		if bytes > 0 {
			o.queryMemoryBytes = bytes
		}
	}
}

// WithLogger sets the runtime logger. Nil means no logging.
func WithLogger(l *Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithMetricsCollector sets the metrics sink.
func WithMetricsCollector(m MetricsCollector) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithResourceController attaches a resource controller enforcing the
// memory ceiling. Without one, queries are never rejected for resources.
func WithResourceController(c *resource.Controller) Option {
	return func(o *options) {
		o.controller = c
	}
}

// WithEngineOptions forwards options to the fusion engine.
func WithEngineOptions(fns ...func(*engine.Options)) Option {
	return func(o *options) {
		o.engineOptions = append(o.engineOptions, fns...)
	}
}

// WithAssembleOptions forwards options to the span assembler.
func WithAssembleOptions(fns ...func(*assemble.Options)) Option {
	return func(o *options) {
		o.assembleOptions = append(o.assembleOptions, fns...)
	}
}

// QueryOptions are per-query knobs layered over the runtime defaults.
type QueryOptions struct {
	// K is the maximum number of spans to return.
	K int

	// EvidenceBudget caps total returned content length in bytes.
	// 0 means unbounded.
	EvidenceBudget int

	// AnchorBoost is the additive bonus for anchor chunks.
	AnchorBoost float64

	// DenseWeight and LexicalWeight scale the fusion contributions.
	// Both zero means equal weighting.
	DenseWeight   float64
	LexicalWeight float64

	// Timeout overrides the runtime's default query deadline when > 0.
	Timeout time.Duration

	// EF overrides the dense index search width when > 0.
	EF int

	// SkipCache bypasses the result cache for this query.
	SkipCache bool
}
