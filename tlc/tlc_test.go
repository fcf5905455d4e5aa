package tlc

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattice-cache/tlc/config"
	"github.com/lattice-cache/tlc/health"
	"github.com/lattice-cache/tlc/l2/l2test"
	"github.com/lattice-cache/tlc/tlcerr"
	"github.com/lattice-cache/tlc/wal"
)

func testConfig() config.Config {
	cfg := config.Default("svc")
	cfg.HealthCheckInterval = 20 * time.Millisecond
	return cfg
}

func newTestCache(t *testing.T, cfg config.Config, backend *l2test.Backend) *Cache {
	t.Helper()
	var walLog *wal.Log
	if cfg.CacheType != config.L1Only {
		var err error
		walLog, err = wal.Open(context.Background(), wal.InMemoryDSN("tlc_"+t.Name()), "svc")
		require.NoError(t, err)
		t.Cleanup(func() { _ = walLog.Close() })
	}
	c, err := New(cfg, backend, walLog, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Shutdown(context.Background()) })
	return c
}

func TestSetGetRoundTrip(t *testing.T) {
	backend := l2test.New()
	c := newTestCache(t, testConfig(), backend)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "a", []byte{1, 2, 3}, time.Minute))

	got, found, err := c.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte{1, 2, 3}, got)

	assert.Equal(t, uint64(1), backend.Version("a"), "first write must produce version 1")
}

func TestDeleteThenGetReturnsAbsent(t *testing.T) {
	backend := l2test.New()
	c := newTestCache(t, testConfig(), backend)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))
	require.NoError(t, c.Delete(ctx, "k"))

	_, found, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestKeyValidation(t *testing.T) {
	c := newTestCache(t, testConfig(), l2test.New())
	ctx := context.Background()

	err := c.Set(ctx, "", []byte("v"), time.Minute)
	assert.True(t, tlcerr.Is(err, tlcerr.KindValidation), "empty key must be rejected")

	err = c.Set(ctx, "bad key with spaces", []byte("v"), time.Minute)
	assert.True(t, tlcerr.Is(err, tlcerr.KindValidation), "disallowed characters must be rejected")

	long := strings.Repeat("k", 2048)
	err = c.Set(ctx, long, []byte("v"), time.Minute)
	assert.True(t, tlcerr.Is(err, tlcerr.KindValidation), "overlong key must be rejected")

	_, _, err = c.Get(ctx, long)
	assert.True(t, tlcerr.Is(err, tlcerr.KindValidation))
}

func TestValueSizeValidation(t *testing.T) {
	cfg := testConfig()
	cfg.L2.MaxValueSize = 8
	c := newTestCache(t, cfg, l2test.New())

	err := c.Set(context.Background(), "k", []byte("123456789"), time.Minute)
	assert.True(t, tlcerr.Is(err, tlcerr.KindValidation))
}

func TestDegradedWriteLandsInWAL(t *testing.T) {
	backend := l2test.New()
	c := newTestCache(t, testConfig(), backend)
	ctx := context.Background()

	backend.SetFailing(true)
	// A failed direct write degrades the state and falls back to the WAL,
	// but still reports success to the caller.
	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))
	assert.Equal(t, health.Degraded, c.HealthState())

	// While degraded, writes skip L2 entirely and buffer in the WAL.
	require.NoError(t, c.Set(ctx, "k2", []byte("v2"), time.Minute))

	n, err := c.WALSize(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 2)

	// L1 still serves the degraded writes.
	got, found, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("v"), got)
}

func TestRecoveryReplaysWAL(t *testing.T) {
	backend := l2test.New()
	c := newTestCache(t, testConfig(), backend)
	ctx := context.Background()

	backend.SetFailing(true)
	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))
	require.Equal(t, health.Degraded, c.HealthState())

	backend.SetFailing(false)

	// Three successful probes while Recovering trigger a replay; afterwards
	// the WAL is empty, the state is Healthy, and L2 holds the value.
	assert.Eventually(t, func() bool {
		return c.HealthState() == health.Healthy
	}, 2*time.Second, 10*time.Millisecond)

	n, err := c.WALSize(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	entry, found, err := backend.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("v"), entry.Value)
}

func TestDegradedReadServesL1Only(t *testing.T) {
	backend := l2test.New()
	c := newTestCache(t, testConfig(), backend)
	ctx := context.Background()

	// Seed L2 directly so the value is only reachable through the remote tier.
	require.NoError(t, backend.Set(ctx, "remote-only", []byte("v"), time.Minute))
	backend.SetFailing(true)
	c.healthMon.ReportFailure()

	_, found, err := c.Get(ctx, "remote-only")
	require.NoError(t, err)
	assert.False(t, found, "degraded reads must not consult L2")
}

func TestLockRoundTrip(t *testing.T) {
	c := newTestCache(t, testConfig(), l2test.New())
	ctx := context.Background()

	ok, err := c.Lock(ctx, "m", "A", 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = c.Lock(ctx, "m", "B", 5*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	locked, err := c.IsLocked(ctx, "m")
	require.NoError(t, err)
	assert.True(t, locked)

	ok, err = c.Unlock(ctx, "m", "A")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.Unlock(ctx, "m", "A")
	require.NoError(t, err)
	assert.False(t, ok, "unlock after release must not report a delete")
}

func TestAcquireLockGeneratesToken(t *testing.T) {
	c := newTestCache(t, testConfig(), l2test.New())
	ctx := context.Background()

	token, ok, err := c.AcquireLock(ctx, "m", 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, token)

	released, err := c.Unlock(ctx, "m", token)
	require.NoError(t, err)
	assert.True(t, released)
}

func TestBloomFilterShortCircuitsReads(t *testing.T) {
	cfg := testConfig()
	cfg.TwoLevel.BloomFilter = &config.BloomFilterConfig{
		ExpectedElements:  1000,
		FalsePositiveRate: 0.01,
	}
	backend := l2test.New()
	c := newTestCache(t, cfg, backend)
	ctx := context.Background()

	// Seed L2 behind the facade's back: the filter never saw the key, so the
	// read must not reach L2.
	require.NoError(t, backend.Set(ctx, "unseen", []byte("v"), time.Minute))

	_, found, err := c.Get(ctx, "unseen")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Positive(t, c.BloomStats().CheckedCount)

	// A written key passes the filter and reads normally.
	require.NoError(t, c.Set(ctx, "seen", []byte("v"), time.Minute))
	_, found, err = c.Get(ctx, "seen")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestSetValueGetValueRoundTrip(t *testing.T) {
	c := newTestCache(t, testConfig(), l2test.New())
	ctx := context.Background()

	type user struct {
		Name string `json:"name"`
		Age  int    `json:"age"`
	}
	require.NoError(t, c.SetValue(ctx, "user:1", user{Name: "ada", Age: 36}, time.Minute))

	var got user
	found, err := c.GetValue(ctx, "user:1", &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, user{Name: "ada", Age: 36}, got)
}

func TestL1OnlyMode(t *testing.T) {
	cfg := testConfig()
	cfg.CacheType = config.L1Only
	c, err := New(cfg, nil, nil, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Shutdown(context.Background()) })
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))
	got, found, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("v"), got)

	_, err = c.Lock(ctx, "m", "t", time.Second)
	assert.True(t, tlcerr.Is(err, tlcerr.KindNotSupported))
}

func TestShutdownIsIdempotent(t *testing.T) {
	c := newTestCache(t, testConfig(), l2test.New())
	ctx := context.Background()

	require.NoError(t, c.Shutdown(ctx))
	require.NoError(t, c.Shutdown(ctx))

	_, _, err := c.Get(ctx, "k")
	assert.ErrorIs(t, err, tlcerr.ErrClosed)
	err = c.Set(ctx, "k", []byte("v"), time.Minute)
	assert.ErrorIs(t, err, tlcerr.ErrClosed)
}

func TestMetricsCountHitsAndMisses(t *testing.T) {
	c := newTestCache(t, testConfig(), l2test.New())
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))
	_, _, _ = c.Get(ctx, "k")
	_, _, _ = c.Get(ctx, "absent")

	snap := c.Metrics()
	assert.Equal(t, int64(1), snap.Sets)
	assert.Equal(t, int64(1), snap.L1Hits)
	assert.Equal(t, int64(1), snap.Misses)
}
