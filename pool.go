package recallkit

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/recallkit/recallkit/model"
)

// healthFailureLimit is the number of consecutive failed probes after
// which a pooled session is evicted.
const healthFailureLimit = 2

// querySession is the per-connection surface the pool manages. It is
// satisfied by *chunkstore.Session.
type querySession interface {
	GetChunks(ctx context.Context, ids []model.ChunkID) ([]*model.Chunk, error)
	Health(ctx context.Context) error
	Close() error
}

type sessionFactory func(ctx context.Context) (querySession, error)

// pooledSession tracks one session's consecutive health-probe failures.
type pooledSession struct {
	sess     querySession
	failures int
}

// waiterResult is what a blocked acquirer eventually receives.
type waiterResult struct {
	ps  *pooledSession
	err error
}

// waiter is one queued acquirer. The flags are guarded by the pool mutex
// and order handoff against abandonment: a deliverer only sends when the
// waiter has not abandoned, and an abandoning waiter only drains when a
// delivery already happened.
type waiter struct {
	ch        chan waiterResult // buffered, capacity 1
	delivered bool
	abandoned bool
}

// sessionPool is a bounded pool of query sessions with fair FIFO
// admission: when all sessions are busy, acquirers queue and are served
// strictly in arrival order.
type sessionPool struct {
	factory sessionFactory
	size    int
	wait    time.Duration
	logger  *Logger
	metrics MetricsCollector

	evictedTotal atomic.Int64

	mu      sync.Mutex
	idle    []*pooledSession
	inUse   int
	waiters *list.List // of *waiter
	closed  bool
}

// stats returns a snapshot of pool occupancy.
func (p *sessionPool) stats() (size, idle, inUse int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size, len(p.idle), p.inUse
}

func newSessionPool(factory sessionFactory, size int, wait time.Duration, logger *Logger, metrics MetricsCollector) *sessionPool {
	return &sessionPool{
		factory: factory,
		size:    size,
		wait:    wait,
		logger:  logger,
		metrics: metrics,
		waiters: list.New(),
	}
}

// acquire returns a session, creating one lazily while below capacity.
// At capacity it queues until a session is released, the pool wait
// elapses (ErrPoolExhausted) or ctx expires.
func (p *sessionPool) acquire(ctx context.Context) (*pooledSession, error) {
	start := time.Now()
	defer func() { p.metrics.RecordPoolWait(time.Since(start)) }()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}

	if n := len(p.idle); n > 0 {
		ps := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.inUse++
		p.mu.Unlock()
		return ps, nil
	}

	if p.inUse < p.size {
		// Reserve the slot before the (possibly slow) connect.
		p.inUse++
		p.mu.Unlock()
		return p.create(ctx)
	}

	w := &waiter{ch: make(chan waiterResult, 1)}
	elem := p.waiters.PushBack(w)
	p.mu.Unlock()

	timer := time.NewTimer(p.wait)
	defer timer.Stop()

	select {
	case r := <-w.ch:
		return r.ps, r.err
	case <-ctx.Done():
		return nil, p.abandon(elem, w, ctx.Err())
	case <-timer.C:
		return nil, p.abandon(elem, w, ErrPoolExhausted)
	}
}

// abandon removes a waiter that gave up. A release may have handed over a
// session concurrently; if so, take it after all. Deliveries happen under
// the pool mutex, so once it is held either delivered is set and the
// channel holds the result, or marking abandoned stops any future send.
func (p *sessionPool) abandon(elem *list.Element, w *waiter, cause error) error {
	p.mu.Lock()
	p.waiters.Remove(elem)
	if !w.delivered {
		w.abandoned = true
		p.mu.Unlock()
		return cause
	}
	p.mu.Unlock()

	r := <-w.ch
	if r.err == nil {
		p.release(r.ps, false)
	}
	return cause
}

// create opens a fresh session for an already-reserved slot.
func (p *sessionPool) create(ctx context.Context) (*pooledSession, error) {
	sess, err := p.factory(ctx)
	if err != nil {
		p.mu.Lock()
		p.inUse--
		p.mu.Unlock()
		return nil, err
	}
	return &pooledSession{sess: sess}, nil
}

// release returns a session to the pool. Discarded sessions are closed
// and, when someone is waiting, replaced with a fresh one so the waiter
// is not stranded.
func (p *sessionPool) release(ps *pooledSession, discard bool) {
	p.mu.Lock()

	if p.closed {
		p.inUse--
		p.mu.Unlock()
		_ = ps.sess.Close()
		return
	}

	if discard {
		p.metrics.RecordSessionDiscard()
		if front := p.waiters.Front(); front != nil {
			w := p.waiters.Remove(front).(*waiter)
			p.mu.Unlock()
			_ = ps.sess.Close()
			// Slot stays reserved for the replacement.
			go p.replace(w)
			return
		}
		p.inUse--
		p.mu.Unlock()
		_ = ps.sess.Close()
		return
	}

	if front := p.waiters.Front(); front != nil {
		w := p.waiters.Remove(front).(*waiter)
		w.delivered = true
		w.ch <- waiterResult{ps: ps}
		p.mu.Unlock()
		return
	}

	p.idle = append(p.idle, ps)
	p.inUse--
	p.mu.Unlock()
}

// replace creates a fresh session for a waiter whose discarded session's
// slot is still reserved. If the waiter gave up while the session was
// being created, the replacement goes back to the pool instead.
func (p *sessionPool) replace(w *waiter) {
	ctx, cancel := context.WithTimeout(context.Background(), p.wait)
	defer cancel()
	replacement, err := p.create(ctx)

	p.mu.Lock()
	if w.abandoned {
		p.mu.Unlock()
		if err == nil {
			p.release(replacement, false)
		}
		return
	}
	w.delivered = true
	w.ch <- waiterResult{ps: replacement, err: err}
	p.mu.Unlock()
}

// healthSweep probes every idle session and evicts any that fails
// healthFailureLimit consecutive probes. Busy sessions are skipped; a
// misbehaving busy session is caught by the timeout discard path.
func (p *sessionPool) healthSweep(ctx context.Context) (evicted int) {
	p.mu.Lock()
	batch := p.idle
	p.idle = nil
	p.inUse += len(batch)
	p.mu.Unlock()

	for _, ps := range batch {
		if err := ps.sess.Health(ctx); err != nil {
			ps.failures++
			p.logger.Warn("session health probe failed",
				"failures", ps.failures,
				"error", err,
			)
			if ps.failures >= healthFailureLimit {
				p.release(ps, true)
				p.evictedTotal.Add(1)
				evicted++
				continue
			}
		} else {
			ps.failures = 0
		}
		p.release(ps, false)
	}
	return evicted
}

// close closes idle sessions and fails all waiters. In-use sessions are
// closed as they are released.
func (p *sessionPool) close() {
	p.mu.Lock()
	p.closed = true
	idle := p.idle
	p.idle = nil
	for e := p.waiters.Front(); e != nil; e = e.Next() {
		w := e.Value.(*waiter)
		w.delivered = true
		w.ch <- waiterResult{err: ErrClosed}
	}
	p.waiters.Init()
	p.mu.Unlock()

	for _, ps := range idle {
		_ = ps.sess.Close()
	}
}
