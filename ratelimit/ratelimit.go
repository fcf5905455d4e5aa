// Package ratelimit implements the rate limiters the batch writer and
// promotion worker use to cap the rate of requests they issue against the
// remote tier: a per-key token bucket with lazy on-demand refill and no
// background goroutine, and a shared global limiter.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Limiter is the rate-limiting trait consumed by the batch writer and
// promotion worker. Implementations need not be per-key; a no-op Limiter
// that always allows is valid when a config leaves a limit unset.
type Limiter interface {
	// Allow reports whether one unit of work for key may proceed now.
	Allow(key string) bool
}

// Disabled is a Limiter that always allows, used when a rate is configured
// as 0 (unlimited).
type Disabled struct{}

func (Disabled) Allow(string) bool { return true }

// TokenBucket implements Limiter with a classic token bucket: bursts up to
// bucketSize, refilled continuously at refillRate tokens/second.
type TokenBucket struct {
	refillRate float64
	bucketSize int64

	buckets sync.Map // string -> *bucket

	global *bucket
}

type bucket struct {
	tokens     int64 // atomic
	lastRefill int64 // atomic, UnixNano
	maxTokens  int64
	refillRate float64
}

// NewTokenBucket builds a limiter allowing refillRate requests/second per
// key, with bursts up to bucketSize.
func NewTokenBucket(refillRate float64, bucketSize int64) *TokenBucket {
	if refillRate <= 0 {
		panic("ratelimit: refillRate must be positive")
	}
	if bucketSize <= 0 {
		panic("ratelimit: bucketSize must be positive")
	}
	return &TokenBucket{
		refillRate: refillRate,
		bucketSize: bucketSize,
		global: &bucket{
			tokens:     bucketSize,
			lastRefill: time.Now().UnixNano(),
			maxTokens:  bucketSize,
			refillRate: refillRate,
		},
	}
}

// Allow consumes one token for key, reporting whether the request may
// proceed.
func (tb *TokenBucket) Allow(key string) bool {
	if key == "" {
		return tb.AllowGlobal()
	}
	return tb.getOrCreate(key).tryConsume(1)
}

// AllowGlobal checks the shared, key-independent bucket — used to cap total
// throughput regardless of which key is being flushed or promoted.
func (tb *TokenBucket) AllowGlobal() bool {
	return tb.global.tryConsume(1)
}

// AllowN consumes n tokens for key, for operations with variable cost (a
// batch flush of n entries, for instance).
func (tb *TokenBucket) AllowN(key string, n int) bool {
	if key == "" || n <= 0 {
		return false
	}
	return tb.getOrCreate(key).tryConsume(int64(n))
}

func (tb *TokenBucket) getOrCreate(key string) *bucket {
	if b, ok := tb.buckets.Load(key); ok {
		return b.(*bucket)
	}
	fresh := &bucket{
		tokens:     tb.bucketSize,
		lastRefill: time.Now().UnixNano(),
		maxTokens:  tb.bucketSize,
		refillRate: tb.refillRate,
	}
	actual, _ := tb.buckets.LoadOrStore(key, fresh)
	return actual.(*bucket)
}

func (b *bucket) tryConsume(n int64) bool {
	now := time.Now().UnixNano()
	for {
		currentTokens := atomic.LoadInt64(&b.tokens)
		lastRefill := atomic.LoadInt64(&b.lastRefill)

		elapsed := time.Duration(now - lastRefill)
		tokensToAdd := int64(b.refillRate * elapsed.Seconds())

		newTokens := currentTokens + tokensToAdd
		if newTokens > b.maxTokens {
			newTokens = b.maxTokens
		}
		if newTokens < n {
			return false
		}
		if atomic.CompareAndSwapInt64(&b.tokens, currentTokens, newTokens-n) {
			atomic.StoreInt64(&b.lastRefill, now)
			return true
		}
	}
}

// EvictStaleKeys removes per-key buckets untouched for longer than
// staleDuration, returning the count removed. Call periodically to bound
// memory when keys churn.
func (tb *TokenBucket) EvictStaleKeys(staleDuration time.Duration) int {
	staleThreshold := time.Now().Add(-staleDuration).UnixNano()
	evicted := 0
	tb.buckets.Range(func(key, value any) bool {
		b := value.(*bucket)
		if atomic.LoadInt64(&b.lastRefill) < staleThreshold {
			tb.buckets.Delete(key)
			evicted++
		}
		return true
	})
	return evicted
}

func (tb *TokenBucket) String() string {
	return fmt.Sprintf("TokenBucket{rate=%.1f/s, burst=%d}", tb.refillRate, tb.bucketSize)
}

// GlobalRate is a Limiter enforcing one shared rate across every key, backed
// by golang.org/x/time/rate. Use it where the protected resource is the
// backend connection itself rather than any particular key: batch flush
// pacing, promotion storms.
type GlobalRate struct {
	limiter *rate.Limiter
}

// NewGlobalRate builds a GlobalRate allowing rps events/second with bursts
// up to burst.
func NewGlobalRate(rps float64, burst int) *GlobalRate {
	return &GlobalRate{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Allow reports whether one event may proceed now. The key is ignored; the
// budget is shared.
func (g *GlobalRate) Allow(string) bool {
	return g.limiter.Allow()
}

// Wait blocks until an event may proceed or ctx is done.
func (g *GlobalRate) Wait(ctx context.Context) error {
	return g.limiter.Wait(ctx)
}
