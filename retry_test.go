package recallkit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	t.Parallel()

	var retries []int
	calls := 0
	err := withRetry(context.Background(), 3, time.Millisecond,
		func(attempt int) { retries = append(retries, attempt) },
		func() error {
			calls++
			if calls < 3 {
				return errors.New("database is locked")
			}
			return nil
		})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retries)
}

func TestRetryNonRetryableFailsImmediately(t *testing.T) {
	t.Parallel()

	boom := errors.New("malformed input")
	calls := 0
	err := withRetry(context.Background(), 3, time.Millisecond,
		func(int) {},
		func() error {
			calls++
			return boom
		})

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestRetryExhaustedIsStorageUnavailable(t *testing.T) {
	t.Parallel()

	calls := 0
	err := withRetry(context.Background(), 3, time.Millisecond,
		func(int) {},
		func() error {
			calls++
			return errors.New("SQLITE_BUSY")
		})

	assert.ErrorIs(t, err, ErrStorageUnavailable)
	assert.Equal(t, 3, calls)
}

func TestRetryRespectsContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := withRetry(ctx, 3, 10*time.Millisecond,
		func(int) {},
		func() error {
			calls++
			return errors.New("database is locked")
		})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestBackoffDelayGrows(t *testing.T) {
	t.Parallel()

	base := 10 * time.Millisecond
	for attempt := 1; attempt <= 4; attempt++ {
		d := backoffDelay(base, attempt)
		min := base << (attempt - 1)
		assert.GreaterOrEqual(t, d, min)
		assert.LessOrEqual(t, d, min+min/2)
	}
}
