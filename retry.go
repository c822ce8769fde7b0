package recallkit

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/recallkit/recallkit/chunkstore"
)

// withRetry runs fn up to attempts times, backing off exponentially with
// jitter between tries. Only transient storage errors are retried;
// anything else, including pool exhaustion and deadline errors, fails
// immediately. When all attempts fail with transient errors, the last
// error is wrapped in ErrStorageUnavailable.
func withRetry(ctx context.Context, attempts int, baseDelay time.Duration, onRetry func(attempt int), fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(baseDelay, attempt)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			onRetry(attempt)
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !chunkstore.IsTransient(lastErr) {
			return lastErr
		}
	}

	return fmt.Errorf("%w: %d attempts: %w", ErrStorageUnavailable, attempts, lastErr)
}

// backoffDelay doubles the base delay per attempt and adds up to 50%
// jitter to decorrelate concurrent retriers.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	delay := base << (attempt - 1)
	jitter := time.Duration(rand.Int63n(int64(delay)/2 + 1))
	return delay + jitter
}
