package recallkit

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/recallkit/recallkit/assemble"
	"github.com/recallkit/recallkit/chunkstore"
	"github.com/recallkit/recallkit/engine"
	"github.com/recallkit/recallkit/model"
)

// Runtime executes hybrid retrieval queries against a chunk store with a
// bounded session pool, per-query deadlines, panic isolation, retries
// for transient storage errors and graceful shutdown.
//
// The Runtime does not own the store; closing the store after Shutdown
// is the caller's responsibility.
type Runtime struct {
	store     *chunkstore.Store
	engine    *engine.Engine
	assembler *assemble.Assembler
	pool      *sessionPool
	cache     resultCache
	opts      options
	logger    *Logger

	queryID atomic.Uint64
	closed  atomic.Bool
	active  sync.WaitGroup

	// rootCtx parents every query context so Shutdown can force-cancel
	// queries still running past the drain deadline, including ones
	// issued without a per-query timeout.
	rootCtx    context.Context
	rootCancel context.CancelFunc

	healthStop chan struct{}
	healthDone chan struct{}
}

// New creates a Runtime over an open chunk store.
func New(store *chunkstore.Store, optFns ...Option) (*Runtime, error) {
	if store == nil {
		return nil, errors.New("store is nil")
	}

	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.logger == nil {
		opts.logger = NoopLogger()
	}

	r := &Runtime{
		store:     store,
		engine:    engine.New(store, opts.engineOptions...),
		assembler: assemble.New(opts.assembleOptions...),
		opts:      opts,
		logger:    opts.logger,
	}
	r.rootCtx, r.rootCancel = context.WithCancel(context.Background())
	factory := func(ctx context.Context) (querySession, error) {
		return store.NewSession(ctx)
	}
	r.pool = newSessionPool(factory, opts.poolSize, opts.poolWait, opts.logger, opts.metrics)

	if opts.cacheSize > 0 {
		if opts.cacheTTL > 0 {
			r.cache = expirable.NewLRU[string, []model.Span](opts.cacheSize, nil, opts.cacheTTL)
		} else {
			cache, err := lru.New[string, []model.Span](opts.cacheSize)
			if err != nil {
				return nil, err
			}
			r.cache = cache
		}
	}

	if opts.healthInterval > 0 {
		r.healthStop = make(chan struct{})
		r.healthDone = make(chan struct{})
		go r.healthLoop()
	}

	return r, nil
}

// Query runs one hybrid retrieval. At least one of text and embedding
// must be set. Errors are drawn from the package taxonomy: ErrInvalidQuery,
// ErrDimensionMismatch, ErrPoolExhausted, ErrTimeout, ErrResourceExceeded,
// ErrStorageUnavailable, ErrClosed, ErrFailed.
func (r *Runtime) Query(ctx context.Context, text string, embedding []float32, optFns ...func(*QueryOptions)) ([]model.Span, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	r.active.Add(1)
	defer r.active.Done()

	// Re-check after registering so Shutdown cannot miss this query.
	if r.closed.Load() {
		return nil, ErrClosed
	}

	qopts := QueryOptions{K: 10, Timeout: r.opts.queryTimeout}
	for _, fn := range optFns {
		fn(&qopts)
	}

	start := time.Now()
	logger := r.logger.WithQueryID(r.queryID.Add(1))

	spans, err := r.query(ctx, logger, text, embedding, qopts)
	err = translateError(err)
	r.opts.metrics.RecordQuery(time.Since(start), err)

	if err != nil {
		logger.Warn("query failed", "error", err, "duration", time.Since(start))
		return nil, err
	}
	logger.Debug("query completed", "spans", len(spans), "duration", time.Since(start))
	return spans, nil
}

func (r *Runtime) query(ctx context.Context, logger *Logger, text string, embedding []float32, qopts QueryOptions) ([]model.Span, error) {
	// Admission control: a query that cannot reserve its memory estimate
	// is rejected rather than queued.
	if c := r.opts.controller; c != nil {
		if !c.TryAcquireMemory(r.opts.queryMemoryBytes) {
			return nil, ErrResourceExceeded
		}
		defer c.ReleaseMemory(r.opts.queryMemoryBytes)
	}

	// Tie the query to the runtime's lifetime without replacing the
	// caller's context: cancelling rootCtx cancels this query too.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(r.rootCtx, cancel)
	defer stop()

	useCache := r.cache != nil && !qopts.SkipCache
	var key string
	if useCache {
		key = cacheKey(text, embedding, qopts)
		if spans, ok := r.cache.Get(key); ok {
			r.opts.metrics.RecordCacheLookup(true)
			return slices.Clone(spans), nil
		}
		r.opts.metrics.RecordCacheLookup(false)
	}

	if qopts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, qopts.Timeout)
		defer cancel()
	}

	spans, err := r.execute(ctx, logger, engine.Query{
		Text:           text,
		Embedding:      embedding,
		K:              qopts.K,
		EvidenceBudget: qopts.EvidenceBudget,
		AnchorBoost:    qopts.AnchorBoost,
		DenseWeight:    qopts.DenseWeight,
		LexicalWeight:  qopts.LexicalWeight,
		EF:             qopts.EF,
	})
	if err != nil {
		return nil, err
	}

	if useCache {
		r.cache.Add(key, slices.Clone(spans))
	}
	return spans, nil
}

// execute runs the fused search on a pooled session, retrying transient
// storage errors. A panicking query is contained here: the runtime and
// its other queries keep working, and the caller gets ErrFailed.
func (r *Runtime) execute(ctx context.Context, logger *Logger, q engine.Query) (spans []model.Span, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			stack := debug.Stack()
			logger.Error("query panicked",
				"panic", rec,
				"stack", string(stack),
			)
			err = &QueryFailedError{Panic: rec, Stack: stack}
		}
	}()

	err = withRetry(ctx, r.opts.maxRetries, r.opts.retryBaseDelay, r.opts.metrics.RecordRetry, func() error {
		ps, aerr := r.pool.acquire(ctx)
		if aerr != nil {
			return aerr
		}

		// Released via defer so a panic while the session is held still
		// returns the slot. A panicking query leaves the session suspect,
		// so discard stays true until the work completes.
		discard := true
		defer func() { r.pool.release(ps, discard) }()

		results, serr := r.engine.Search(ctx, ps.sess, q)
		if serr != nil {
			// A session that hit a deadline or a connection-level error
			// is suspect; discard it rather than hand it to the next
			// query.
			discard = errors.Is(serr, context.DeadlineExceeded) || chunkstore.IsTransient(serr)
			return serr
		}

		spans = r.assembler.Spans(results)
		discard = false
		return nil
	})
	if err != nil {
		return nil, err
	}
	return spans, nil
}

// RuntimeHealth is an aggregate health snapshot.
type RuntimeHealth struct {
	// Healthy reports whether the storage probe succeeded.
	Healthy bool

	// PoolSize, IdleSessions and BusySessions describe pool occupancy
	// at snapshot time.
	PoolSize     int
	IdleSessions int
	BusySessions int

	// EvictedSessions counts sessions evicted by health sweeps since
	// the runtime started.
	EvictedSessions int64
}

// HealthCheck probes the store, sweeps idle sessions and returns an
// aggregate snapshot. The error, if any, is the store probe failure;
// session eviction is handled internally.
func (r *Runtime) HealthCheck(ctx context.Context) (RuntimeHealth, error) {
	err := r.store.Health(ctx)
	evicted := r.pool.healthSweep(ctx)
	r.opts.metrics.RecordHealthCheck(err == nil)

	if evicted > 0 {
		r.logger.Warn("evicted unhealthy sessions", "count", evicted)
	}

	size, idle, busy := r.pool.stats()
	return RuntimeHealth{
		Healthy:         err == nil,
		PoolSize:        size,
		IdleSessions:    idle,
		BusySessions:    busy,
		EvictedSessions: r.pool.evictedTotal.Load(),
	}, err
}

func (r *Runtime) healthLoop() {
	defer close(r.healthDone)

	ticker := time.NewTicker(r.opts.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.healthStop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.opts.healthInterval/2)
			if _, err := r.HealthCheck(ctx); err != nil {
				r.logger.Warn("health check failed", "error", err)
			}
			cancel()
		}
	}
}

// Shutdown stops accepting queries, waits for in-flight ones to drain
// until ctx expires, then force-cancels any still running and closes the
// pool. Their sessions are closed on release.
func (r *Runtime) Shutdown(ctx context.Context) error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	defer r.rootCancel()

	if r.healthStop != nil {
		close(r.healthStop)
		<-r.healthDone
	}

	done := make(chan struct{})
	go func() {
		r.active.Wait()
		close(done)
	}()

	var drainErr error
	select {
	case <-done:
	case <-ctx.Done():
		drainErr = fmt.Errorf("shutdown drain: %w", ctx.Err())
		r.rootCancel()
		<-done
	}

	r.pool.close()
	if r.cache != nil {
		r.cache.Purge()
	}

	r.logger.Info("runtime shut down", "drained", drainErr == nil)
	return drainErr
}

// resultCache is satisfied by both the plain and the TTL-expiring LRU.
type resultCache interface {
	Get(key string) ([]model.Span, bool)
	Add(key string, value []model.Span) bool
	Purge()
}

// cacheKey builds a deterministic key over everything that affects the
// result set.
func cacheKey(text string, embedding []float32, q QueryOptions) string {
	return fmt.Sprintf("%s|%v|%d|%d|%g|%g|%g|%d",
		text, embedding, q.K, q.EvidenceBudget, q.AnchorBoost,
		q.DenseWeight, q.LexicalWeight, q.EF)
}
