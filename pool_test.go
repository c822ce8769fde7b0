package recallkit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recallkit/recallkit/model"
)

// fakeSession is a controllable querySession.
type fakeSession struct {
	id     int
	closed atomic.Bool

	mu        sync.Mutex
	healthErr error
}

func (f *fakeSession) GetChunks(context.Context, []model.ChunkID) ([]*model.Chunk, error) {
	return nil, nil
}

func (f *fakeSession) Health(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthErr
}

func (f *fakeSession) setHealthErr(err error) {
	f.mu.Lock()
	f.healthErr = err
	f.mu.Unlock()
}

func (f *fakeSession) Close() error {
	f.closed.Store(true)
	return nil
}

func newFakePool(size int, wait time.Duration) (*sessionPool, *atomic.Int32) {
	var created atomic.Int32
	factory := func(context.Context) (querySession, error) {
		return &fakeSession{id: int(created.Add(1))}, nil
	}
	return newSessionPool(factory, size, wait, NoopLogger(), NoopMetricsCollector{}), &created
}

func TestPoolAcquireRelease(t *testing.T) {
	t.Parallel()

	pool, created := newFakePool(2, time.Second)
	defer pool.close()
	ctx := context.Background()

	a, err := pool.acquire(ctx)
	require.NoError(t, err)
	b, err := pool.acquire(ctx)
	require.NoError(t, err)
	assert.NotSame(t, a, b)

	pool.release(a, false)
	pool.release(b, false)

	// Released sessions are reused, not recreated.
	c, err := pool.acquire(ctx)
	require.NoError(t, err)
	assert.True(t, c == a || c == b)
	assert.Equal(t, int32(2), created.Load())
	pool.release(c, false)
}

func TestPoolExhaustedWait(t *testing.T) {
	t.Parallel()

	pool, _ := newFakePool(1, 30*time.Millisecond)
	defer pool.close()
	ctx := context.Background()

	ps, err := pool.acquire(ctx)
	require.NoError(t, err)

	_, err = pool.acquire(ctx)
	assert.ErrorIs(t, err, ErrPoolExhausted)

	pool.release(ps, false)
}

func TestPoolContextCancelledWhileWaiting(t *testing.T) {
	t.Parallel()

	pool, _ := newFakePool(1, time.Minute)
	defer pool.close()

	ps, err := pool.acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = pool.acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	pool.release(ps, false)
}

func TestPoolFIFOOrder(t *testing.T) {
	t.Parallel()

	pool, _ := newFakePool(1, time.Minute)
	defer pool.close()
	ctx := context.Background()

	held, err := pool.acquire(ctx)
	require.NoError(t, err)

	order := make(chan int, 2)
	start := func(id int) {
		go func() {
			ps, err := pool.acquire(ctx)
			if err == nil {
				order <- id
				time.Sleep(10 * time.Millisecond)
				pool.release(ps, false)
			}
		}()
	}

	start(1)
	time.Sleep(50 * time.Millisecond) // let waiter 1 enqueue first
	start(2)
	time.Sleep(50 * time.Millisecond)

	pool.release(held, false)

	assert.Equal(t, 1, <-order)
	assert.Equal(t, 2, <-order)
}

func TestPoolDiscardReplacesForWaiter(t *testing.T) {
	t.Parallel()

	pool, _ := newFakePool(1, time.Minute)
	defer pool.close()
	ctx := context.Background()

	suspect, err := pool.acquire(ctx)
	require.NoError(t, err)

	got := make(chan *pooledSession, 1)
	go func() {
		ps, err := pool.acquire(ctx)
		require.NoError(t, err)
		got <- ps
	}()
	time.Sleep(50 * time.Millisecond)

	pool.release(suspect, true)

	select {
	case replacement := <-got:
		assert.NotSame(t, suspect, replacement)
		assert.True(t, suspect.sess.(*fakeSession).closed.Load())
		pool.release(replacement, false)
	case <-time.After(time.Second):
		t.Fatal("waiter never received a replacement session")
	}
}

func TestPoolAbandonAfterHandoff(t *testing.T) {
	t.Parallel()

	pool, _ := newFakePool(1, time.Minute)
	defer pool.close()
	ctx := context.Background()

	ps, err := pool.acquire(ctx)
	require.NoError(t, err)

	w := &waiter{ch: make(chan waiterResult, 1)}
	pool.mu.Lock()
	elem := pool.waiters.PushBack(w)
	pool.mu.Unlock()

	// Hand the session to the queued waiter, then have the waiter give
	// up. The session must come back to the pool instead of stranding in
	// the abandoned channel with its slot still counted as in use.
	pool.release(ps, false)
	err = pool.abandon(elem, w, context.Canceled)
	assert.ErrorIs(t, err, context.Canceled)

	_, idle, inUse := pool.stats()
	assert.Equal(t, 1, idle)
	assert.Zero(t, inUse)
}

func TestPoolAbandonDuringReplacement(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	var created atomic.Int32
	factory := func(context.Context) (querySession, error) {
		if created.Add(1) > 1 {
			<-gate
		}
		return &fakeSession{id: int(created.Load())}, nil
	}
	pool := newSessionPool(factory, 1, time.Minute, NoopLogger(), NoopMetricsCollector{})
	defer pool.close()
	ctx := context.Background()

	suspect, err := pool.acquire(ctx)
	require.NoError(t, err)

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	errCh := make(chan error, 1)
	go func() {
		_, err := pool.acquire(waitCtx)
		errCh <- err
	}()
	require.Eventually(t, func() bool {
		pool.mu.Lock()
		defer pool.mu.Unlock()
		return pool.waiters.Len() > 0
	}, time.Second, time.Millisecond)

	// The replacement for the discarded session blocks on the gate; the
	// waiter gives up in the meantime.
	pool.release(suspect, true)
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)

	// Once created, the unclaimed replacement must land in the idle pool
	// with its slot freed.
	close(gate)
	require.Eventually(t, func() bool {
		_, idle, inUse := pool.stats()
		return idle == 1 && inUse == 0
	}, time.Second, time.Millisecond)
	assert.Equal(t, int32(2), created.Load())
}

func TestPoolHealthEviction(t *testing.T) {
	t.Parallel()

	pool, created := newFakePool(1, time.Second)
	defer pool.close()
	ctx := context.Background()

	ps, err := pool.acquire(ctx)
	require.NoError(t, err)
	pool.release(ps, false)

	ps.sess.(*fakeSession).setHealthErr(errors.New("connection reset"))

	// The first failed probe keeps the session on probation; the second
	// consecutive failure evicts it.
	assert.Equal(t, 0, pool.healthSweep(ctx))
	assert.Equal(t, 1, pool.healthSweep(ctx))
	assert.True(t, ps.sess.(*fakeSession).closed.Load())

	// The pool recovers by creating a fresh session on demand.
	next, err := pool.acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(2), created.Load())
	pool.release(next, false)
}

func TestPoolHealthRecoveryResetsFailures(t *testing.T) {
	t.Parallel()

	pool, _ := newFakePool(1, time.Second)
	defer pool.close()
	ctx := context.Background()

	ps, err := pool.acquire(ctx)
	require.NoError(t, err)
	pool.release(ps, false)

	fake := ps.sess.(*fakeSession)
	fake.setHealthErr(errors.New("connection reset"))
	assert.Equal(t, 0, pool.healthSweep(ctx))

	// A successful probe clears the strike.
	fake.setHealthErr(nil)
	assert.Equal(t, 0, pool.healthSweep(ctx))

	fake.setHealthErr(errors.New("connection reset"))
	assert.Equal(t, 0, pool.healthSweep(ctx))
	assert.Equal(t, 1, pool.healthSweep(ctx))
}

func TestPoolClosedAcquire(t *testing.T) {
	t.Parallel()

	pool, _ := newFakePool(1, time.Second)
	pool.close()

	_, err := pool.acquire(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}
