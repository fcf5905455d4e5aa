// Package promote implements the asynchronous L1 promotion worker: on an L1
// miss followed by an L2 hit, copy the value into L1 with a bounded TTL,
// coalescing concurrent promotions of the same key into one task.
package promote

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/lattice-cache/tlc/l1"
	"github.com/lattice-cache/tlc/ratelimit"
)

// minPromotableTTL: values with less L2 TTL remaining than this are skipped,
// they are about to expire anyway and would only churn L1.
const minPromotableTTL = 5 * time.Second

// Fetcher reads the current value, version, and remaining TTL from L2.
type Fetcher interface {
	Get(ctx context.Context, key string) (value []byte, version uint64, found bool, err error)
	// TTL reports the remaining lifetime of key; found=false when absent, a
	// key with no expiry reports found=true with ttl 0.
	TTL(ctx context.Context, key string) (ttl time.Duration, found bool, err error)
}

// Worker promotes L2 hits into L1, one in-flight task per key.
type Worker struct {
	l1      *l1.Store
	fetcher Fetcher
	group   singleflight.Group
	l1TTL   time.Duration
	limiter ratelimit.Limiter
}

// Options configures a Worker.
type Options struct {
	L1 *l1.Store
	// Fetcher supplies the L2 TTL for every promotion, and the value itself
	// for Promote calls where the caller hasn't already observed the hit.
	Fetcher Fetcher
	// L1DefaultTTL is the cap on the promoted entry's TTL (default 300s).
	L1DefaultTTL time.Duration
	// Limiter optionally caps promotion throughput under storm conditions.
	// nil means unlimited.
	Limiter ratelimit.Limiter
}

// New builds a Worker.
func New(opts Options) *Worker {
	limiter := opts.Limiter
	if limiter == nil {
		limiter = ratelimit.Disabled{}
	}
	l1TTL := opts.L1DefaultTTL
	if l1TTL <= 0 {
		l1TTL = 300 * time.Second
	}
	return &Worker{l1: opts.L1, fetcher: opts.Fetcher, l1TTL: l1TTL, limiter: limiter}
}

// PromoteValue promotes an already-observed L2 hit (value, version) for key.
// The remaining L2 TTL is read before writing so the L1 copy never outlives
// its L2 counterpart. Concurrent promotions of the same key coalesce: only
// one goroutine writes L1, and every caller for that key observes the same
// outcome before returning.
//
// PromoteValue blocks until the shared task completes; callers wanting
// fire-and-forget semantics invoke it from their own goroutine.
func (w *Worker) PromoteValue(ctx context.Context, key string, value []byte, version uint64) {
	_, _, _ = w.group.Do(key, func() (any, error) {
		if !w.limiter.Allow(key) {
			return nil, nil
		}
		ttlRemaining, found, err := w.fetcher.TTL(ctx, key)
		if err != nil || !found {
			return nil, err
		}
		w.writeL1(key, value, version, ttlRemaining)
		return nil, nil
	})
}

// Promote re-fetches key from L2 before deciding whether to promote — used
// when the caller only knows a promotion is due, not the value itself.
func (w *Worker) Promote(ctx context.Context, key string) error {
	_, err, _ := w.group.Do(key, func() (any, error) {
		if !w.limiter.Allow(key) {
			return nil, nil
		}
		value, version, found, err := w.fetcher.Get(ctx, key)
		if err != nil || !found {
			return nil, err
		}
		ttlRemaining, found, err := w.fetcher.TTL(ctx, key)
		if err != nil || !found {
			return nil, err
		}
		w.writeL1(key, value, version, ttlRemaining)
		return nil, nil
	})
	return err
}

// writeL1 stores the promoted entry with TTL = min(remaining L2 TTL, L1
// default), skipping values about to expire. A ttlRemaining of 0 means the
// L2 key has no expiry; the L1 default applies alone.
func (w *Worker) writeL1(key string, value []byte, version uint64, ttlRemaining time.Duration) {
	ttl := w.l1TTL
	if ttlRemaining > 0 {
		if ttlRemaining <= minPromotableTTL {
			return
		}
		if ttlRemaining < ttl {
			ttl = ttlRemaining
		}
	}
	w.l1.Set(key, value, version, ttl)
}
