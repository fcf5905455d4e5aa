package metrics

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCountersAccumulate(t *testing.T) {
	c := NewCollector()
	c.RecordL1Hit()
	c.RecordL1Hit()
	c.RecordL2Hit()
	c.RecordMiss()
	c.RecordSet()
	c.RecordWALReplay(7)

	snap := c.Snapshot()
	assert.Equal(t, int64(2), snap.L1Hits)
	assert.Equal(t, int64(1), snap.L2Hits)
	assert.Equal(t, int64(1), snap.Misses)
	assert.Equal(t, int64(1), snap.Sets)
	assert.Equal(t, int64(7), snap.WALReplayed)
	assert.InDelta(t, 0.75, snap.HitRate(), 1e-9)
}

func TestNilCollectorIsNoOp(t *testing.T) {
	var c *Collector
	c.RecordL1Hit()
	c.RecordError()
	c.SetHealthGauge(0)
	assert.Equal(t, Counters{}, c.Snapshot())
}

func TestHealthGauge(t *testing.T) {
	c := NewCollector()
	assert.Equal(t, int64(1), c.Snapshot().HealthGauge, "gauge starts healthy")
	c.SetHealthGauge(0)
	assert.Equal(t, int64(0), c.Snapshot().HealthGauge)
	c.SetHealthGauge(2)
	assert.Equal(t, int64(2), c.Snapshot().HealthGauge)
}

func TestConcurrentRecording(t *testing.T) {
	c := NewCollector()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				c.RecordL1Hit()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(8000), c.Snapshot().L1Hits)
}

func TestHitRateWithNoReads(t *testing.T) {
	assert.Zero(t, Counters{}.HitRate())
}
