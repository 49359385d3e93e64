package vecworker

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems; the metric
// package ships a Prometheus implementation.
type MetricsCollector interface {
	// RecordSearch is called after each search call.
	// k is the number of neighbors requested, err is nil if successful.
	RecordSearch(k int, duration time.Duration, err error)

	// RecordInsert is called after each insert call. retries counts how
	// often the call refreshed an outdated view.
	RecordInsert(retries int, duration time.Duration, err error)

	// RecordDelete is called after each delete call with the number of rows
	// it marked.
	RecordDelete(deleted int, duration time.Duration, err error)

	// RecordFlush is called after each flush call.
	RecordFlush(duration time.Duration, err error)

	// RecordStructural is called after each create or destroy call.
	RecordStructural(op string, duration time.Duration, err error)

	// RecordIndexes is called whenever the number of hosted indexes changes.
	RecordIndexes(n int)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordSearch(int, time.Duration, error)        {}
func (NoopMetricsCollector) RecordInsert(int, time.Duration, error)        {}
func (NoopMetricsCollector) RecordDelete(int, time.Duration, error)        {}
func (NoopMetricsCollector) RecordFlush(time.Duration, error)              {}
func (NoopMetricsCollector) RecordStructural(string, time.Duration, error) {}
func (NoopMetricsCollector) RecordIndexes(int)                             {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and tests without external dependencies.
type BasicMetricsCollector struct {
	SearchCount      atomic.Int64
	SearchErrors     atomic.Int64
	SearchTotalNanos atomic.Int64
	InsertCount      atomic.Int64
	InsertErrors     atomic.Int64
	InsertRetries    atomic.Int64
	InsertTotalNanos atomic.Int64
	DeleteCount      atomic.Int64
	DeletedRows      atomic.Int64
	FlushCount       atomic.Int64
	FlushErrors      atomic.Int64
	CreateCount      atomic.Int64
	DestroyCount     atomic.Int64
	StructuralErrors atomic.Int64
	Indexes          atomic.Int64
}

// RecordSearch implements MetricsCollector.
func (b *BasicMetricsCollector) RecordSearch(_ int, duration time.Duration, err error) {
	b.SearchCount.Add(1)
	b.SearchTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.SearchErrors.Add(1)
	}
}

// RecordInsert implements MetricsCollector.
func (b *BasicMetricsCollector) RecordInsert(retries int, duration time.Duration, err error) {
	b.InsertCount.Add(1)
	b.InsertRetries.Add(int64(retries))
	b.InsertTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.InsertErrors.Add(1)
	}
}

// RecordDelete implements MetricsCollector.
func (b *BasicMetricsCollector) RecordDelete(deleted int, _ time.Duration, _ error) {
	b.DeleteCount.Add(1)
	b.DeletedRows.Add(int64(deleted))
}

// RecordFlush implements MetricsCollector.
func (b *BasicMetricsCollector) RecordFlush(_ time.Duration, err error) {
	b.FlushCount.Add(1)
	if err != nil {
		b.FlushErrors.Add(1)
	}
}

// RecordStructural implements MetricsCollector.
func (b *BasicMetricsCollector) RecordStructural(op string, _ time.Duration, err error) {
	switch op {
	case opCreate:
		b.CreateCount.Add(1)
	case opDestroy:
		b.DestroyCount.Add(1)
	}
	if err != nil {
		b.StructuralErrors.Add(1)
	}
}

// RecordIndexes implements MetricsCollector.
func (b *BasicMetricsCollector) RecordIndexes(n int) {
	b.Indexes.Store(int64(n))
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		SearchCount:      b.SearchCount.Load(),
		SearchErrors:     b.SearchErrors.Load(),
		SearchAvgNanos:   avg(b.SearchTotalNanos.Load(), b.SearchCount.Load()),
		InsertCount:      b.InsertCount.Load(),
		InsertErrors:     b.InsertErrors.Load(),
		InsertRetries:    b.InsertRetries.Load(),
		InsertAvgNanos:   avg(b.InsertTotalNanos.Load(), b.InsertCount.Load()),
		DeleteCount:      b.DeleteCount.Load(),
		DeletedRows:      b.DeletedRows.Load(),
		FlushCount:       b.FlushCount.Load(),
		FlushErrors:      b.FlushErrors.Load(),
		CreateCount:      b.CreateCount.Load(),
		DestroyCount:     b.DestroyCount.Load(),
		StructuralErrors: b.StructuralErrors.Load(),
		Indexes:          b.Indexes.Load(),
	}
}

func avg(total, count int64) int64 {
	if count == 0 {
		return 0
	}
	return total / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	SearchCount      int64
	SearchErrors     int64
	SearchAvgNanos   int64
	InsertCount      int64
	InsertErrors     int64
	InsertRetries    int64
	InsertAvgNanos   int64
	DeleteCount      int64
	DeletedRows      int64
	FlushCount       int64
	FlushErrors      int64
	CreateCount      int64
	DestroyCount     int64
	StructuralErrors int64
	Indexes          int64
}
