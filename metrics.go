package recallkit

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational
// metrics. Implement it to integrate with monitoring systems like
// Prometheus.
type MetricsCollector interface {
	// RecordQuery is called after each query with its total duration.
	// err is nil on success.
	RecordQuery(duration time.Duration, err error)

	// RecordPoolWait is called with the time a query spent waiting for
	// a session.
	RecordPoolWait(duration time.Duration)

	// RecordRetry is called for each retried storage operation.
	RecordRetry(attempt int)

	// RecordCacheLookup is called per query with the cache outcome.
	RecordCacheLookup(hit bool)

	// RecordSessionDiscard is called when a session is discarded after
	// a timeout or failed health probe.
	RecordSessionDiscard()

	// RecordHealthCheck is called after each health sweep.
	RecordHealthCheck(healthy bool)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordQuery(time.Duration, error) {}
func (NoopMetricsCollector) RecordPoolWait(time.Duration)     {}
func (NoopMetricsCollector) RecordRetry(int)                  {}
func (NoopMetricsCollector) RecordCacheLookup(bool)           {}
func (NoopMetricsCollector) RecordSessionDiscard()            {}
func (NoopMetricsCollector) RecordHealthCheck(bool)           {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and tests without external dependencies.
type BasicMetricsCollector struct {
	QueryCount      atomic.Int64
	QueryErrors     atomic.Int64
	QueryTotalNanos atomic.Int64
	PoolWaitNanos   atomic.Int64
	Retries         atomic.Int64
	CacheHits       atomic.Int64
	CacheMisses     atomic.Int64
	SessionDiscards atomic.Int64
	HealthChecks    atomic.Int64
	HealthFailures  atomic.Int64
}

// RecordQuery implements MetricsCollector.
func (b *BasicMetricsCollector) RecordQuery(duration time.Duration, err error) {
	b.QueryCount.Add(1)
	b.QueryTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.QueryErrors.Add(1)
	}
}

// RecordPoolWait implements MetricsCollector.
func (b *BasicMetricsCollector) RecordPoolWait(duration time.Duration) {
	b.PoolWaitNanos.Add(duration.Nanoseconds())
}

// RecordRetry implements MetricsCollector.
func (b *BasicMetricsCollector) RecordRetry(int) {
	b.Retries.Add(1)
}

// RecordCacheLookup implements MetricsCollector.
func (b *BasicMetricsCollector) RecordCacheLookup(hit bool) {
	if hit {
		b.CacheHits.Add(1)
	} else {
		b.CacheMisses.Add(1)
	}
}

// RecordSessionDiscard implements MetricsCollector.
func (b *BasicMetricsCollector) RecordSessionDiscard() {
	b.SessionDiscards.Add(1)
}

// RecordHealthCheck implements MetricsCollector.
func (b *BasicMetricsCollector) RecordHealthCheck(healthy bool) {
	b.HealthChecks.Add(1)
	if !healthy {
		b.HealthFailures.Add(1)
	}
}
