// Package integration exercises cross-component flows that no single
// package test can cover: two facades sharing one remote tier, batch
// coalescing through the public API, and WAL durability across a facade
// restart.
package integration

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattice-cache/tlc/config"
	"github.com/lattice-cache/tlc/health"
	"github.com/lattice-cache/tlc/l2/l2test"
	"github.com/lattice-cache/tlc/tlc"
	"github.com/lattice-cache/tlc/wal"
)

func testConfig() config.Config {
	cfg := config.Default("svc")
	cfg.HealthCheckInterval = 20 * time.Millisecond
	return cfg
}

func newCache(t *testing.T, cfg config.Config, backend *l2test.Backend) *tlc.Cache {
	t.Helper()
	walLog, err := wal.Open(context.Background(), wal.InMemoryDSN("integ_"+t.Name()+fmt.Sprint(time.Now().UnixNano())), cfg.TwoLevel.ServiceName)
	require.NoError(t, err)
	t.Cleanup(func() { _ = walLog.Close() })

	c, err := tlc.New(cfg, backend, walLog, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Shutdown(context.Background()) })
	return c
}

func TestCrossProcessInvalidation(t *testing.T) {
	backend := l2test.New()
	p1 := newCache(t, testConfig(), backend)
	p2 := newCache(t, testConfig(), backend)
	ctx := context.Background()

	require.NoError(t, p1.Set(ctx, "x", []byte("old"), time.Minute))

	// P2 reads through to L2 and promotes into its own L1.
	got, found, err := p2.Get(ctx, "x")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("old"), got)

	// Wait for the async promotion to land so the eviction below is
	// observable against a populated L1.
	assert.Eventually(t, func() bool {
		return p2.Metrics().L1Hits > 0 || func() bool {
			_, f, _ := p2.Get(ctx, "x")
			return f
		}()
	}, time.Second, 10*time.Millisecond)

	// An update (key already exists in L2) publishes an invalidation; P2's
	// subscriber evicts its L1 copy and the next read returns the new value.
	require.NoError(t, p1.Set(ctx, "x", []byte("new"), time.Minute))

	assert.Eventually(t, func() bool {
		v, f, err := p2.Get(ctx, "x")
		return err == nil && f && string(v) == "new"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBatchWritesCoalesceThroughFacade(t *testing.T) {
	cfg := testConfig()
	cfg.TwoLevel.EnableBatchWrite = true
	cfg.TwoLevel.BatchSize = 100
	cfg.TwoLevel.BatchIntervalMs = 20

	backend := l2test.New()
	c := newCache(t, cfg, backend)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v1"), time.Minute))
	require.NoError(t, c.Set(ctx, "k", []byte("v2"), time.Minute))
	require.NoError(t, c.Set(ctx, "k", []byte("v3"), time.Minute))

	assert.Eventually(t, func() bool {
		entry, found, err := backend.Get(ctx, "k")
		return err == nil && found && string(entry.Value) == "v3"
	}, 2*time.Second, 10*time.Millisecond)

	// Three coalesced enqueues flush as a single versioned write.
	assert.Equal(t, uint64(1), backend.Version("k"))
}

func TestConcurrentReadsWithPromotion(t *testing.T) {
	backend := l2test.New()
	c := newCache(t, testConfig(), backend)
	ctx := context.Background()

	// Seed L2 only, so every facade read starts with an L1 miss.
	require.NoError(t, backend.Set(ctx, "k", []byte("v"), time.Minute))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, found, err := c.Get(ctx, "k")
			assert.NoError(t, err)
			assert.True(t, found)
			assert.Equal(t, []byte("v"), got)
		}()
	}
	wg.Wait()

	// The promoted entry eventually serves from L1.
	assert.Eventually(t, func() bool {
		before := c.Metrics().L1Hits
		_, _, _ = c.Get(ctx, "k")
		return c.Metrics().L1Hits > before
	}, time.Second, 10*time.Millisecond)
}

func TestWALSurvivesFacadeRestart(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "wal.db")
	backend := l2test.New()
	ctx := context.Background()

	walLog, err := wal.Open(ctx, dsn, "svc")
	require.NoError(t, err)

	cfg := testConfig()
	c, err := tlc.New(cfg, backend, walLog, zerolog.Nop())
	require.NoError(t, err)

	// Degrade and buffer a write, then stop the facade before recovery.
	backend.SetFailing(true)
	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))
	require.Equal(t, health.Degraded, c.HealthState())
	require.NoError(t, c.Shutdown(ctx))
	require.NoError(t, walLog.Close())

	// A new facade over the same WAL file picks the backlog up and replays
	// it once the backend answers again.
	backend2 := l2test.New()
	walLog2, err := wal.Open(ctx, dsn, "svc")
	require.NoError(t, err)
	defer walLog2.Close()

	c2, err := tlc.New(cfg, backend2, walLog2, zerolog.Nop())
	require.NoError(t, err)
	defer c2.Shutdown(ctx)

	n, err := c2.WALSize(ctx)
	require.NoError(t, err)
	require.Positive(t, n, "pending records must survive the restart")

	// Force a degraded-then-recovering cycle so the monitor replays.
	backend2.SetFailing(true)
	assert.Eventually(t, func() bool { return c2.HealthState() == health.Degraded }, time.Second, 10*time.Millisecond)
	backend2.SetFailing(false)

	assert.Eventually(t, func() bool {
		entry, found, err := backend2.Get(ctx, "k")
		return err == nil && found && string(entry.Value) == "v"
	}, 2*time.Second, 10*time.Millisecond)

	n, err = c2.WALSize(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "a successful replay must clear the backlog")
}
