// Package metrics collects the cache's operational counters and the health
// gauge in lock-free atomic structures, cheap enough to update on every
// operation of the hot path.
package metrics

import "sync/atomic"

// Collector accumulates per-facade counters. The zero value is ready to use;
// a nil *Collector is a valid no-op sink so components can record
// unconditionally.
type Collector struct {
	l1Hits        atomic.Int64
	l2Hits        atomic.Int64
	misses        atomic.Int64
	sets          atomic.Int64
	deletes       atomic.Int64
	promotions    atomic.Int64
	invalidations atomic.Int64
	walAppends    atomic.Int64
	walReplayed   atomic.Int64
	bloomRejects  atomic.Int64
	errors        atomic.Int64

	// healthGauge holds 0 Degraded, 1 Healthy, 2 Recovering.
	healthGauge atomic.Int64
}

// NewCollector returns an empty Collector with the gauge set Healthy.
func NewCollector() *Collector {
	c := &Collector{}
	c.healthGauge.Store(1)
	return c
}

func (c *Collector) RecordL1Hit() {
	if c != nil {
		c.l1Hits.Add(1)
	}
}

func (c *Collector) RecordL2Hit() {
	if c != nil {
		c.l2Hits.Add(1)
	}
}

func (c *Collector) RecordMiss() {
	if c != nil {
		c.misses.Add(1)
	}
}

func (c *Collector) RecordSet() {
	if c != nil {
		c.sets.Add(1)
	}
}

func (c *Collector) RecordDelete() {
	if c != nil {
		c.deletes.Add(1)
	}
}

func (c *Collector) RecordPromotion() {
	if c != nil {
		c.promotions.Add(1)
	}
}

func (c *Collector) RecordInvalidation() {
	if c != nil {
		c.invalidations.Add(1)
	}
}

func (c *Collector) RecordWALAppend() {
	if c != nil {
		c.walAppends.Add(1)
	}
}

// RecordWALReplay accounts a successful replay of n records.
func (c *Collector) RecordWALReplay(n int) {
	if c != nil {
		c.walReplayed.Add(int64(n))
	}
}

// RecordBloomReject counts a read short-circuited by the bloom filter.
func (c *Collector) RecordBloomReject() {
	if c != nil {
		c.bloomRejects.Add(1)
	}
}

func (c *Collector) RecordError() {
	if c != nil {
		c.errors.Add(1)
	}
}

// SetHealthGauge stores the current health gauge value (0 Degraded,
// 1 Healthy, 2 Recovering).
func (c *Collector) SetHealthGauge(v int) {
	if c != nil {
		c.healthGauge.Store(int64(v))
	}
}

// Counters is a point-in-time snapshot of every counter.
type Counters struct {
	L1Hits        int64
	L2Hits        int64
	Misses        int64
	Sets          int64
	Deletes       int64
	Promotions    int64
	Invalidations int64
	WALAppends    int64
	WALReplayed   int64
	BloomRejects  int64
	Errors        int64
	HealthGauge   int64
}

// HitRate is the fraction of reads answered by either tier, 0 when no reads
// have been recorded.
func (c Counters) HitRate() float64 {
	hits := c.L1Hits + c.L2Hits
	total := hits + c.Misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// Snapshot reads every counter. Values are individually atomic; the snapshot
// as a whole is not a consistent cut, which is fine for monitoring.
func (c *Collector) Snapshot() Counters {
	if c == nil {
		return Counters{}
	}
	return Counters{
		L1Hits:        c.l1Hits.Load(),
		L2Hits:        c.l2Hits.Load(),
		Misses:        c.misses.Load(),
		Sets:          c.sets.Load(),
		Deletes:       c.deletes.Load(),
		Promotions:    c.promotions.Load(),
		Invalidations: c.invalidations.Load(),
		WALAppends:    c.walAppends.Load(),
		WALReplayed:   c.walReplayed.Load(),
		BloomRejects:  c.bloomRejects.Load(),
		Errors:        c.errors.Load(),
		HealthGauge:   c.healthGauge.Load(),
	}
}
