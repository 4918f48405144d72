package seqheap

import (
	"sync/atomic"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems like Prometheus.
type MetricsCollector interface {
	// RecordNew is called after each sequence construction attempt.
	// reused reports whether a cached header was used, err is nil if successful.
	RecordNew(size int, reused bool, err error)

	// RecordDealloc is called after each sequence teardown.
	// cached reports whether the header went to a free list.
	RecordDealloc(size int, cached bool)

	// RecordDeferredDrain is called after the deferred teardown queue was drained.
	RecordDeferredDrain(processed int)

	// RecordCollection is called after each conservative collection.
	RecordCollection(swept int)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordNew(int, bool, error) {}
func (NoopMetricsCollector) RecordDealloc(int, bool)    {}
func (NoopMetricsCollector) RecordDeferredDrain(int)    {}
func (NoopMetricsCollector) RecordCollection(int)       {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	NewCount         atomic.Int64
	NewReused        atomic.Int64
	NewErrors        atomic.Int64
	DeallocCount     atomic.Int64
	DeallocCached    atomic.Int64
	DrainCount       atomic.Int64
	DrainedTeardowns atomic.Int64
	CollectionCount  atomic.Int64
	SweptBlocks      atomic.Int64
}

// RecordNew implements MetricsCollector.
func (b *BasicMetricsCollector) RecordNew(size int, reused bool, err error) {
	if err != nil {
		b.NewErrors.Add(1)
		return
	}
	b.NewCount.Add(1)
	if reused {
		b.NewReused.Add(1)
	}
}

// RecordDealloc implements MetricsCollector.
func (b *BasicMetricsCollector) RecordDealloc(size int, cached bool) {
	b.DeallocCount.Add(1)
	if cached {
		b.DeallocCached.Add(1)
	}
}

// RecordDeferredDrain implements MetricsCollector.
func (b *BasicMetricsCollector) RecordDeferredDrain(processed int) {
	b.DrainCount.Add(1)
	b.DrainedTeardowns.Add(int64(processed))
}

// RecordCollection implements MetricsCollector.
func (b *BasicMetricsCollector) RecordCollection(swept int) {
	b.CollectionCount.Add(1)
	b.SweptBlocks.Add(int64(swept))
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		NewCount:         b.NewCount.Load(),
		NewReused:        b.NewReused.Load(),
		NewErrors:        b.NewErrors.Load(),
		DeallocCount:     b.DeallocCount.Load(),
		DeallocCached:    b.DeallocCached.Load(),
		DrainCount:       b.DrainCount.Load(),
		DrainedTeardowns: b.DrainedTeardowns.Load(),
		CollectionCount:  b.CollectionCount.Load(),
		SweptBlocks:      b.SweptBlocks.Load(),
	}
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	NewCount         int64
	NewReused        int64
	NewErrors        int64
	DeallocCount     int64
	DeallocCached    int64
	DrainCount       int64
	DrainedTeardowns int64
	CollectionCount  int64
	SweptBlocks      int64
}

// sequenceObserver adapts a MetricsCollector to sequence.Observer.
type sequenceObserver struct {
	mc MetricsCollector
}

func (o sequenceObserver) OnNew(size int, reused bool) {
	o.mc.RecordNew(size, reused, nil)
}

func (o sequenceObserver) OnDealloc(size int, cached bool) {
	o.mc.RecordDealloc(size, cached)
}
