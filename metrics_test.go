package recallkit

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBasicMetricsCollector(t *testing.T) {
	t.Parallel()

	m := &BasicMetricsCollector{}

	m.RecordQuery(10*time.Millisecond, nil)
	m.RecordQuery(20*time.Millisecond, errors.New("boom"))
	m.RecordPoolWait(time.Millisecond)
	m.RecordRetry(1)
	m.RecordRetry(2)
	m.RecordCacheLookup(true)
	m.RecordCacheLookup(false)
	m.RecordSessionDiscard()
	m.RecordHealthCheck(true)
	m.RecordHealthCheck(false)

	assert.Equal(t, int64(2), m.QueryCount.Load())
	assert.Equal(t, int64(1), m.QueryErrors.Load())
	assert.Equal(t, int64(30*time.Millisecond), m.QueryTotalNanos.Load())
	assert.Equal(t, int64(time.Millisecond), m.PoolWaitNanos.Load())
	assert.Equal(t, int64(2), m.Retries.Load())
	assert.Equal(t, int64(1), m.CacheHits.Load())
	assert.Equal(t, int64(1), m.CacheMisses.Load())
	assert.Equal(t, int64(1), m.SessionDiscards.Load())
	assert.Equal(t, int64(2), m.HealthChecks.Load())
	assert.Equal(t, int64(1), m.HealthFailures.Load())
}
