package l1

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetGetRoundTrip(t *testing.T) {
	s := New(Options{MaxCapacity: 100})
	s.Set("user:1", []byte("alice"), 1, 0)

	entry, ok := s.Get("user:1")
	require.True(t, ok)
	assert.Equal(t, []byte("alice"), entry.Value)
	assert.Equal(t, uint64(1), entry.Version)
}

func TestGetMissing(t *testing.T) {
	s := New(Options{MaxCapacity: 100})
	_, ok := s.Get("nope")
	assert.False(t, ok)
}

func TestExpiryIsLazy(t *testing.T) {
	s := New(Options{MaxCapacity: 100})
	s.Set("k", []byte("v"), 1, time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	_, ok := s.Get("k")
	assert.False(t, ok, "expired entry must not be returned")
	assert.Equal(t, 0, s.Len(), "expired entry should be evicted by the Get that found it stale")
}

func TestDelete(t *testing.T) {
	s := New(Options{MaxCapacity: 100})
	s.Set("k", []byte("v"), 1, 0)
	assert.True(t, s.Delete("k"))
	assert.False(t, s.Delete("k"))
	_, ok := s.Get("k")
	assert.False(t, ok)
}

func TestDeleteMatching(t *testing.T) {
	s := New(Options{MaxCapacity: 100, Shards: 4})
	for i := 0; i < 10; i++ {
		s.Set(fmt.Sprintf("user:%d", i), []byte("v"), 1, 0)
	}
	s.Set("order:1", []byte("v"), 1, 0)

	n := s.DeleteMatching(func(key string) bool {
		return len(key) >= 5 && key[:5] == "user:"
	})
	assert.Equal(t, 10, n)
	assert.Equal(t, 1, s.Len())
}

func TestClear(t *testing.T) {
	s := New(Options{MaxCapacity: 100})
	s.Set("a", []byte("1"), 1, 0)
	s.Set("b", []byte("2"), 1, 0)
	s.Clear()
	assert.Equal(t, 0, s.Len())
}

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	// Single shard so capacity pressure is deterministic.
	s := New(Options{MaxCapacity: 2, Shards: 1})
	s.Set("a", []byte("1"), 1, 0)
	s.Set("b", []byte("2"), 1, 0)

	// Touch a so it becomes most-recently-used; b is now the eviction target.
	_, _ = s.Get("a")
	s.Set("c", []byte("3"), 1, 0)

	_, aOK := s.Get("a")
	_, bOK := s.Get("b")
	_, cOK := s.Get("c")
	assert.True(t, aOK)
	assert.False(t, bOK, "b should have been evicted as least recently used")
	assert.True(t, cOK)
}

func TestCleanupExpiredSweep(t *testing.T) {
	s := New(Options{MaxCapacity: 100})
	s.Set("short", []byte("v"), 1, time.Millisecond)
	s.Set("long", []byte("v"), 1, time.Hour)
	time.Sleep(5 * time.Millisecond)

	removed := s.CleanupExpired()
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, s.Len())
}

func TestOverwriteBumpsVersionAndRecency(t *testing.T) {
	s := New(Options{MaxCapacity: 100})
	s.Set("k", []byte("v1"), 1, 0)
	s.Set("k", []byte("v2"), 2, 0)

	entry, ok := s.Get("k")
	require.True(t, ok)
	assert.Equal(t, []byte("v2"), entry.Value)
	assert.Equal(t, uint64(2), entry.Version)
	assert.Equal(t, 1, s.Len())
}
