// Package bloom wraps a probabilistic negative-lookup filter used to skip L1
// and L2 entirely for keys that were never written through the facade.
// Deletes do not clear bits; the filter only ever accumulates.
package bloom

import (
	"sync"
	"sync/atomic"

	"github.com/bits-and-blooms/bloom/v3"
)

// Filter is a concurrency-safe negative-lookup filter. The bit array is
// guarded by a reader/writer lock, exclusive only for Add; the usage
// counters are atomics so lookups never need the write lock.
type Filter struct {
	mu     sync.RWMutex
	filter *bloom.BloomFilter

	addedCount         atomic.Uint64
	checkedCount       atomic.Uint64
	falsePositiveCount atomic.Uint64 // incremented by callers via RecordFalsePositive
}

// New builds a Filter sized for expectedElements at the given false-positive
// rate.
func New(expectedElements uint, falsePositiveRate float64) *Filter {
	return &Filter{filter: bloom.NewWithEstimates(expectedElements, falsePositiveRate)}
}

// Contains reports whether key may be present. false means definitely
// absent; true means maybe-present (subject to the filter's false-positive
// rate).
func (f *Filter) Contains(key string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.filter.Test([]byte(key))
}

// Add records key as present.
func (f *Filter) Add(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filter.Add([]byte(key))
	f.addedCount.Add(1)
}

// ContainsAndAdd reports whether key may already be present, then
// unconditionally adds it, both under one exclusive lock.
func (f *Filter) ContainsAndAdd(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkedCount.Add(1)
	present := f.filter.Test([]byte(key))
	f.filter.Add([]byte(key))
	f.addedCount.Add(1)
	return present
}

// Check is Contains plus bookkeeping for the checked_count stat; use this
// for read-path consultation where Add is not also happening. Concurrent
// Checks share the read lock.
func (f *Filter) Check(key string) bool {
	f.checkedCount.Add(1)
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.filter.Test([]byte(key))
}

// RecordFalsePositive increments the false-positive counter. Callers invoke
// this when a Contains==true turned out, after consulting L2, to be wrong —
// the filter itself cannot detect this, only the caller observing the
// downstream miss can.
func (f *Filter) RecordFalsePositive() {
	f.falsePositiveCount.Add(1)
}

// Clear resets the filter to empty.
func (f *Filter) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filter.ClearAll()
	f.addedCount.Store(0)
	f.checkedCount.Store(0)
	f.falsePositiveCount.Store(0)
}

// Stats reports the filter's lifetime usage counters.
type Stats struct {
	AddedCount         uint64
	CheckedCount       uint64
	FalsePositiveCount uint64
}

// Stats returns a snapshot of the filter's usage counters.
func (f *Filter) Stats() Stats {
	return Stats{
		AddedCount:         f.addedCount.Load(),
		CheckedCount:       f.checkedCount.Load(),
		FalsePositiveCount: f.falsePositiveCount.Load(),
	}
}
