// Package tlc is the public facade of the two-level cache: it composes the
// in-process L1 store, the remote L2 client, the write-ahead log, the health
// monitor, the invalidation bus, the promotion worker, the batch writer, and
// the optional bloom filter behind a single Get/Set/Delete/Lock/Unlock
// surface.
//
// Reads waterfall bloom filter -> L1 -> L2, with L2 skipped entirely while
// the health monitor reports Degraded. Writes land in L1 synchronously and
// converge on L2 either directly, through the batch writer, or — when L2 is
// unreachable — through the WAL, which the health monitor replays once L2
// answers probes again.
package tlc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lattice-cache/tlc/batch"
	"github.com/lattice-cache/tlc/bloom"
	"github.com/lattice-cache/tlc/config"
	"github.com/lattice-cache/tlc/health"
	"github.com/lattice-cache/tlc/invalidate"
	"github.com/lattice-cache/tlc/keymatch"
	"github.com/lattice-cache/tlc/l1"
	"github.com/lattice-cache/tlc/l2"
	"github.com/lattice-cache/tlc/metrics"
	"github.com/lattice-cache/tlc/promote"
	"github.com/lattice-cache/tlc/ratelimit"
	"github.com/lattice-cache/tlc/serialize"
	"github.com/lattice-cache/tlc/tlcerr"
	"github.com/lattice-cache/tlc/wal"
)

// Cache is the constructed, running facade.
type Cache struct {
	cfg   config.Config
	log   zerolog.Logger
	codec serialize.Codec
	stats *metrics.Collector

	l1  *l1.Store
	l2  l2.Backend // nil when cfg.CacheType == config.L1Only
	wal *wal.Log   // nil when cfg.CacheType == config.L1Only

	healthMon *health.Monitor
	invBus    *invalidate.Bus
	invSub    *invalidate.Subscriber
	promoter  *promote.Worker
	batchW    *batch.Writer
	bloomF    *bloom.Filter // nil when not configured

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closed atomic.Bool
}

// New constructs and starts a Cache from cfg. The returned Cache owns all
// background goroutines (health probe, invalidation subscriber, batch
// flusher, L1 expiry sweep) until Shutdown is called. The L2 backend and WAL
// are injected so callers control their construction and lifetime; both may
// be nil only for an L1-only cache type.
func New(cfg config.Config, l2Backend l2.Backend, walLog *wal.Log, logger zerolog.Logger) (*Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, tlcerr.Wrap(tlcerr.KindConfiguration, "invalid config", err)
	}
	codec, err := serialize.ByName(cfg.Serialization)
	if err != nil {
		return nil, tlcerr.Wrap(tlcerr.KindConfiguration, "serialization", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Cache{
		cfg:    cfg,
		log:    logger,
		codec:  codec,
		stats:  metrics.NewCollector(),
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.CacheType != config.L2Only {
		c.l1 = l1.New(l1.Options{MaxCapacity: cfg.L1.MaxCapacity, Shards: cfg.L1.Shards})
		if secs := cfg.L1.CleanupIntervalSecs; secs > 0 {
			c.wg.Add(1)
			go c.runCleanupSweep(time.Duration(secs) * time.Second)
		}
	}

	if cfg.CacheType == config.L1Only {
		return c, nil
	}

	if l2Backend == nil {
		cancel()
		return nil, tlcerr.New(tlcerr.KindConfiguration, "an l2 backend is required unless cache_type is l1_only")
	}
	c.l2 = l2Backend
	c.wal = walLog

	if bf := cfg.TwoLevel.BloomFilter; bf != nil && cfg.CacheType == config.TwoLevel {
		c.bloomF = bloom.New(bf.ExpectedElements, bf.FalsePositiveRate)
	}

	if cfg.CacheType == config.TwoLevel && cfg.TwoLevel.PromoteOnHit {
		var promoteLimiter ratelimit.Limiter
		if rps := cfg.TwoLevel.PromotionLimiterRPS; rps > 0 {
			promoteLimiter = ratelimit.NewGlobalRate(rps, int(rps))
		}
		c.promoter = promote.New(promote.Options{
			L1:           c.l1,
			Fetcher:      l2Fetcher{c.l2},
			L1DefaultTTL: cfg.L1.DefaultTTL,
			Limiter:      promoteLimiter,
		})
	}

	c.healthMon = health.New(health.Options{
		Prober:   c.l2,
		Replayer: walReplayAdapter{c},
		Interval: cfg.HealthCheckInterval,
		OnGauge:  c.stats.SetHealthGauge,
		Logger:   logger,
	})
	c.healthMon.Start(ctx)

	channelCfg := invalidate.ChannelConfig{
		Explicit:    cfg.TwoLevel.InvalidationChannel,
		Prefix:      cfg.TwoLevel.InvalidationChannelPrefix,
		ServiceName: cfg.TwoLevel.ServiceName,
	}
	c.invBus = invalidate.NewBus(c.l2, channelCfg)
	if c.l1 != nil {
		c.invSub = invalidate.NewSubscriber(l2SubscriberBackend{c.l2}, channelCfg, c.l1, c.healthMon, logger)
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.invSub.Run(ctx)
		}()
	}

	if cfg.TwoLevel.EnableBatchWrite {
		var batchLimiter ratelimit.Limiter
		if rps := cfg.TwoLevel.BatchLimiterRPS; rps > 0 {
			batchLimiter = ratelimit.NewGlobalRate(rps, int(rps))
		}
		c.batchW = batch.New(batch.Options{
			Backend:      c.l2,
			MaxBatchSize: cfg.TwoLevel.BatchSize,
			FlushEvery:   time.Duration(cfg.TwoLevel.BatchIntervalMs) * time.Millisecond,
			Limiter:      batchLimiter,
			Logger:       logger,
		})
	}

	return c, nil
}

func (c *Cache) runCleanupSweep(every time.Duration) {
	defer c.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := c.l1.CleanupExpired(); n > 0 {
				c.log.Debug().Int("removed", n).Msg("l1 expiry sweep")
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// l2SubscriberBackend adapts l2.Backend to invalidate.SubscriberBackend: the
// two packages declare structurally identical Subscription interfaces, but
// distinct named types don't satisfy each other, so this bridges the call.
type l2SubscriberBackend struct{ backend l2.Backend }

func (b l2SubscriberBackend) Subscribe(ctx context.Context, channel string) invalidate.Subscription {
	return b.backend.Subscribe(ctx, channel)
}

// l2Fetcher narrows l2.Backend to the promotion worker's Fetcher.
type l2Fetcher struct{ backend l2.Backend }

func (f l2Fetcher) Get(ctx context.Context, key string) ([]byte, uint64, bool, error) {
	entry, found, err := f.backend.Get(ctx, key)
	return entry.Value, entry.Version, found, err
}

func (f l2Fetcher) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	return f.backend.TTL(ctx, key)
}

type walReplayAdapter struct{ c *Cache }

func (a walReplayAdapter) ReplayAll(ctx context.Context) (int, error) {
	n, err := a.c.wal.ReplayAll(ctx, l2PipelineReplayer{a.c.l2})
	if err == nil {
		a.c.stats.RecordWALReplay(n)
	}
	return n, err
}

// l2PipelineReplayer translates WAL records into the backend's batch
// pipelines. Records are reduced to the last operation per key before
// partitioning into a set batch and a delete batch, so splitting the replay
// into two pipelines cannot reorder a key's final state.
type l2PipelineReplayer struct{ backend l2.Backend }

func (r l2PipelineReplayer) PipelineReplay(ctx context.Context, records []wal.Record) error {
	type finalOp struct {
		isSet bool
		item  l2.BatchItem
	}
	final := make(map[string]finalOp)
	for _, rec := range records {
		switch rec.Operation {
		case wal.OpSet:
			ttl := time.Duration(0)
			if rec.TTL != nil {
				ttl = *rec.TTL
			}
			final[rec.Key] = finalOp{isSet: true, item: l2.BatchItem{Value: rec.Value, TTL: ttl}}
		case wal.OpDelete:
			final[rec.Key] = finalOp{}
		}
	}

	sets := make(map[string]l2.BatchItem)
	var deletes []string
	for key, op := range final {
		if op.isSet {
			sets[key] = op.item
		} else {
			deletes = append(deletes, key)
		}
	}
	if len(sets) > 0 {
		if err := r.backend.BatchSet(ctx, sets); err != nil {
			return err
		}
	}
	if len(deletes) > 0 {
		if err := r.backend.BatchDelete(ctx, deletes); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cache) requireOpen() error {
	if c.closed.Load() {
		return tlcerr.ErrClosed
	}
	return nil
}

// validKeyChar reports whether r may appear in a cache key.
func validKeyChar(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	}
	switch r {
	case '-', '_', '.', ':', '/', '@':
		return true
	}
	return false
}

func (c *Cache) validateKey(key string) error {
	if key == "" {
		return tlcerr.New(tlcerr.KindValidation, "key must not be empty")
	}
	if max := c.cfg.L2.MaxKeyLength; max > 0 && len(key) > max {
		return tlcerr.New(tlcerr.KindValidation, "key exceeds max_key_length")
	}
	for _, r := range key {
		if !validKeyChar(r) {
			return tlcerr.New(tlcerr.KindValidation, "key contains a disallowed character")
		}
	}
	return nil
}

func (c *Cache) validateValue(value []byte) error {
	if max := c.cfg.L2.MaxValueSize; max > 0 && len(value) > max {
		return tlcerr.New(tlcerr.KindValidation, "value exceeds max_value_size")
	}
	return nil
}

// Get reads key: the bloom filter (if configured) gates everything else;
// then L1; then, unless the health monitor reports Degraded, L2 with an
// asynchronous promotion enqueued on hit. An L2 transport error reads as
// absent after feeding the health state machine.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := c.requireOpen(); err != nil {
		return nil, false, err
	}
	if err := c.validateKey(key); err != nil {
		return nil, false, err
	}

	bloomSaidMaybe := false
	if c.bloomF != nil {
		if !c.bloomF.Check(key) {
			c.stats.RecordBloomReject()
			return nil, false, nil
		}
		bloomSaidMaybe = true
	}

	if c.l1 != nil {
		if entry, ok := c.l1.Get(key); ok {
			c.stats.RecordL1Hit()
			return entry.Value, true, nil
		}
	}

	if c.l2 == nil {
		c.stats.RecordMiss()
		return nil, false, nil
	}

	if c.healthMon.State() == health.Degraded {
		c.stats.RecordMiss()
		return nil, false, nil
	}

	entry, found, err := c.l2.Get(ctx, key)
	if err != nil {
		c.stats.RecordError()
		c.healthMon.ReportFailure()
		return nil, false, nil
	}
	if !found {
		c.stats.RecordMiss()
		if bloomSaidMaybe {
			c.bloomF.RecordFalsePositive()
		}
		return nil, false, nil
	}

	c.stats.RecordL2Hit()
	if c.promoter != nil {
		c.stats.RecordPromotion()
		value, version := entry.Value, entry.Version
		go c.promoter.PromoteValue(c.ctx, key, value, version)
	}
	return entry.Value, true, nil
}

// Set writes key: the bloom filter is updated, L1 is written synchronously,
// then the L2 side branches on health state. A failed L2 write never fails
// the call — it degrades to WAL durability instead; a WAL append error is
// the only write-path failure mode visible to the caller.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.requireOpen(); err != nil {
		return err
	}
	if err := c.validateKey(key); err != nil {
		return err
	}
	if err := c.validateValue(value); err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	c.stats.RecordSet()

	if c.bloomF != nil {
		c.bloomF.Add(key)
	}

	if c.l1 != nil {
		l1TTL := ttl
		if c.cfg.L1.DefaultTTL > 0 && l1TTL > c.cfg.L1.DefaultTTL {
			l1TTL = c.cfg.L1.DefaultTTL
		}
		// Direct L1 writes carry version 0; only promotion carries a real L2
		// version into L1.
		c.l1.Set(key, value, 0, l1TTL)
	}

	if c.l2 == nil {
		return nil
	}

	switch c.healthMon.State() {
	case health.Healthy, health.Recovering:
		if c.batchW != nil {
			return c.batchW.EnqueueSet(ctx, key, value, ttl)
		}
		existedBefore := c.existsBeforeWrite(ctx, key)
		if err := c.l2.Set(ctx, key, value, ttl); err != nil {
			c.stats.RecordError()
			c.healthMon.ReportFailure()
			return c.appendWAL(ctx, wal.Record{Operation: wal.OpSet, Key: key, Value: value, TTL: durationPtr(ttl)})
		}
		// A first-time insert is invisible to other processes' L1 caches, so
		// only an update publishes.
		if existedBefore {
			c.publishInvalidation(ctx, key)
		}
		return nil

	default: // Degraded
		return c.appendWAL(ctx, wal.Record{Operation: wal.OpSet, Key: key, Value: value, TTL: durationPtr(ttl)})
	}
}

// Delete removes key: L1 tombstone first, then the same health-state
// branching as Set for the L2 side, publishing an invalidation on the
// Healthy/Recovering paths.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.requireOpen(); err != nil {
		return err
	}
	if err := c.validateKey(key); err != nil {
		return err
	}
	c.stats.RecordDelete()

	if c.l1 != nil {
		c.l1.Delete(key)
	}
	if c.l2 == nil {
		return nil
	}

	switch c.healthMon.State() {
	case health.Healthy, health.Recovering:
		if c.batchW != nil {
			if err := c.batchW.EnqueueDelete(ctx, key); err != nil {
				return err
			}
		} else if err := c.l2.Delete(ctx, key); err != nil {
			c.stats.RecordError()
			c.healthMon.ReportFailure()
			return c.appendWAL(ctx, wal.Record{Operation: wal.OpDelete, Key: key})
		}
		c.publishInvalidation(ctx, key)
		return nil

	default:
		return c.appendWAL(ctx, wal.Record{Operation: wal.OpDelete, Key: key})
	}
}

// InvalidatePattern evicts every local L1 entry matching a wildcard pattern
// ("user:*") and announces the pattern to other processes over the
// invalidation bus. It does not touch L2: the remote tier stays
// authoritative, only cached copies are discarded.
func (c *Cache) InvalidatePattern(ctx context.Context, pattern string) error {
	if err := c.requireOpen(); err != nil {
		return err
	}
	if c.l1 != nil {
		c.l1.DeleteMatching(func(k string) bool {
			ok, err := keymatch.Match(pattern, k)
			return err == nil && ok
		})
	}
	if c.invBus == nil {
		return nil
	}
	if err := c.invBus.PublishPattern(ctx, pattern); err != nil {
		c.log.Warn().Err(err).Str("pattern", pattern).Msg("pattern invalidation publish failed")
		return nil
	}
	c.stats.RecordInvalidation()
	return nil
}

// existsBeforeWrite is the cheap pre-write existence probe that decides
// whether a write is a first-time insert (no publish) or an update
// (publish). A probe failure reads as "it existed": over-invalidating beats
// silent staleness.
func (c *Cache) existsBeforeWrite(ctx context.Context, key string) bool {
	found, err := c.l2.Exists(ctx, key)
	if err != nil {
		return true
	}
	return found
}

func (c *Cache) publishInvalidation(ctx context.Context, key string) {
	if err := c.invBus.PublishKey(ctx, key); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("invalidation publish failed")
		return
	}
	c.stats.RecordInvalidation()
}

func (c *Cache) appendWAL(ctx context.Context, rec wal.Record) error {
	if c.wal == nil {
		return nil
	}
	if err := c.wal.Append(ctx, rec); err != nil {
		c.stats.RecordError()
		return err
	}
	c.stats.RecordWALAppend()
	return nil
}

func durationPtr(d time.Duration) *time.Duration {
	if d <= 0 {
		return nil
	}
	return &d
}

// SetValue serializes v with the configured codec and stores the bytes.
func (c *Cache) SetValue(ctx context.Context, key string, v any, ttl time.Duration) error {
	raw, err := c.codec.Marshal(v)
	if err != nil {
		return err
	}
	return c.Set(ctx, key, raw, ttl)
}

// GetValue reads key and deserializes the bytes into v with the configured
// codec, reporting whether the key was present.
func (c *Cache) GetValue(ctx context.Context, key string, v any) (bool, error) {
	raw, found, err := c.Get(ctx, key)
	if err != nil || !found {
		return false, err
	}
	if err := c.codec.Unmarshal(raw, v); err != nil {
		return false, err
	}
	return true, nil
}

// Lock delegates to L2 without touching L1. In Degraded state a lock cannot
// be acquired — there is no distributed coordination without L2.
func (c *Cache) Lock(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if err := c.requireOpen(); err != nil {
		return false, err
	}
	if c.l2 == nil {
		return false, tlcerr.New(tlcerr.KindNotSupported, "lock requires an l2 backend")
	}
	if c.healthMon.State() == health.Degraded {
		return false, nil
	}
	return c.l2.Lock(ctx, key, token, ttl)
}

// AcquireLock is Lock with a generated holder token; the token is returned
// for the matching Unlock call. Returns an empty token when the lock was not
// acquired.
func (c *Cache) AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := c.Lock(ctx, key, token, ttl)
	if err != nil || !ok {
		return "", false, err
	}
	return token, true, nil
}

// Unlock delegates to L2, mirroring Lock's degraded-state behavior.
func (c *Cache) Unlock(ctx context.Context, key, token string) (bool, error) {
	if err := c.requireOpen(); err != nil {
		return false, err
	}
	if c.l2 == nil {
		return false, tlcerr.New(tlcerr.KindNotSupported, "unlock requires an l2 backend")
	}
	if c.healthMon.State() == health.Degraded {
		return false, nil
	}
	return c.l2.Unlock(ctx, key, token)
}

// IsLocked reports whether key currently holds a distributed lock.
func (c *Cache) IsLocked(ctx context.Context, key string) (bool, error) {
	if c.l2 == nil {
		return false, tlcerr.New(tlcerr.KindNotSupported, "is_locked requires an l2 backend")
	}
	return c.l2.IsLocked(ctx, key)
}

// ClearL1 empties the in-process tier and resets the bloom filter.
func (c *Cache) ClearL1() {
	if c.l1 != nil {
		c.l1.Clear()
	}
	if c.bloomF != nil {
		c.bloomF.Clear()
	}
}

// ClearL2 deletes every key for this service from the remote tier.
func (c *Cache) ClearL2(ctx context.Context) error {
	if c.l2 == nil {
		return nil
	}
	return c.l2.Clear(ctx, c.cfg.TwoLevel.ServiceName+":")
}

// ClearWAL drops every pending record for this service.
func (c *Cache) ClearWAL(ctx context.Context) error {
	if c.wal == nil {
		return nil
	}
	return c.wal.Clear(ctx)
}

// HealthState reports the current health-monitor state. An L1-only cache is
// always Healthy.
func (c *Cache) HealthState() health.State {
	if c.healthMon == nil {
		return health.Healthy
	}
	return c.healthMon.State()
}

// BloomStats reports the bloom filter's usage counters, or the zero value
// if no filter is configured.
func (c *Cache) BloomStats() bloom.Stats {
	if c.bloomF == nil {
		return bloom.Stats{}
	}
	return c.bloomF.Stats()
}

// WALSize reports how many records are currently pending replay.
func (c *Cache) WALSize(ctx context.Context) (int, error) {
	if c.wal == nil {
		return 0, nil
	}
	return c.wal.Size(ctx)
}

// Metrics returns a snapshot of the facade's operation counters.
func (c *Cache) Metrics() metrics.Counters {
	return c.stats.Snapshot()
}

// Shutdown cancels background tasks, flushes the batch buffer, and closes
// the L2 client. The wait for the final batch flush is bounded by ctx: once
// ctx is done, Shutdown stops waiting for it. Idempotent; operations after
// Shutdown fail with a closed-facade error.
func (c *Cache) Shutdown(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.cancel()
	if c.healthMon != nil {
		c.healthMon.Stop()
	}
	if c.batchW != nil {
		flushed := make(chan struct{})
		go func() {
			c.batchW.Shutdown()
			close(flushed)
		}()
		select {
		case <-flushed:
		case <-ctx.Done():
			c.log.Warn().Err(ctx.Err()).Msg("shutdown stopped waiting for the final batch flush")
		}
	}
	c.wg.Wait()
	if c.l2 != nil {
		return c.l2.Close()
	}
	return nil
}
