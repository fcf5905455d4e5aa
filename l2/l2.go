// Package l2 implements the remote tier client: a Backend interface plus a
// Redis-backed implementation supporting standalone, cluster, and sentinel
// topologies behind one tagged Mode.
//
// A value lives at its key as raw bytes; a companion integer at
// "<key>:version" counts writes. Single-key reads and writes go through
// small server-side scripts, so they never observe or leave a value without
// the version that produced it. BatchSet pipelines the same commands, which
// is not atomic: a concurrent reader may see a value before its counter
// moves.
package l2

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lattice-cache/tlc/config"
	"github.com/lattice-cache/tlc/tlcerr"
)

// Mode selects the Redis topology a Backend dials.
type Mode string

const (
	ModeStandalone Mode = "standalone"
	ModeCluster    Mode = "cluster"
	ModeSentinel   Mode = "sentinel"
)

// defaultTTL applies when a Set is issued without an explicit TTL.
const defaultTTL = 3600 * time.Second

const versionSuffix = ":version"

// Options configures a Redis-backed Backend.
type Options struct {
	Mode     Mode
	Addrs    []string // single-element for standalone
	Password string
	// MasterName is required when Mode == ModeSentinel.
	MasterName string

	ConnectTimeout time.Duration
	CommandTimeout time.Duration
	EnableTLS      bool

	// DefaultTTL overrides the 3600s fallback used when Set is called with a
	// non-positive TTL.
	DefaultTTL time.Duration
}

// Entry is a value plus its write version, as stored in L2.
type Entry struct {
	Value   []byte
	Version uint64
}

// Backend is the remote-tier trait the facade and batch writer program
// against. All methods are context-bound so callers can enforce the
// per-command timeout the config specifies.
type Backend interface {
	// Get atomically reads the value and its version counter. An absent value
	// yields found=false; a present value with an absent counter yields
	// Version 0.
	Get(ctx context.Context, key string) (Entry, bool, error)
	// Set atomically writes value at key with ttl and increments the version
	// counter, giving the counter the same ttl. A non-positive ttl selects
	// the backend default.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes both the value and its version counter.
	Delete(ctx context.Context, key string) error

	// Exists is a cheap presence probe that does not touch the value bytes.
	Exists(ctx context.Context, key string) (bool, error)
	// TTL reports the remaining lifetime of key. found=false when the key is
	// absent; a key with no expiry reports found=true with ttl 0.
	TTL(ctx context.Context, key string) (ttl time.Duration, found bool, err error)

	BatchSet(ctx context.Context, items map[string]BatchItem) error
	BatchDelete(ctx context.Context, keys []string) error

	// Lock attempts to acquire an exclusive lock on key, returning whether it
	// was acquired. token identifies the holder so only the same caller can
	// Unlock it.
	Lock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key, token string) (bool, error)
	IsLocked(ctx context.Context, key string) (bool, error)

	// Clear deletes every key with the given prefix via non-blocking SCAN,
	// version counters included.
	Clear(ctx context.Context, prefix string) error
	Ping(ctx context.Context) error

	Publish(ctx context.Context, channel, payload string) error
	Subscribe(ctx context.Context, channel string) Subscription

	Close() error
}

// BatchItem is one entry of a BatchSet call.
type BatchItem struct {
	Value []byte
	TTL   time.Duration
}

// Subscription delivers messages published to a channel.
type Subscription interface {
	Channel() <-chan string
	Close() error
}

// redisBackend is the go-redis-backed Backend implementation.
type redisBackend struct {
	client     redis.UniversalClient
	mode       Mode
	defaultTTL time.Duration

	getScript    *redis.Script
	setScript    *redis.Script
	unlockScript *redis.Script
}

// setScript writes the value and bumps the version counter in one atomic
// step. The counter key is derived inside the script from KEYS[1] so cluster
// routing follows the value key.
const setScriptSrc = `
redis.call('SET', KEYS[1], ARGV[1], 'EX', ARGV[2])
redis.call('INCR', KEYS[1] .. ':version')
redis.call('EXPIRE', KEYS[1] .. ':version', ARGV[2])
return 1
`

// getScript reads the value and its version counter atomically. An absent
// counter next to a present value reads as version "0".
const getScriptSrc = `
local val = redis.call('GET', KEYS[1])
if not val then
	return nil
end
local ver = redis.call('GET', KEYS[1] .. ':version')
if not ver then
	ver = "0"
end
return {val, ver}
`

// unlockScript deletes key only if its current value still matches token,
// so a caller can never release a lock it does not hold (e.g. after its own
// lock expired and a different caller acquired it).
const unlockScriptSrc = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`

// NewRedisBackend dials a Backend per opts.
func NewRedisBackend(opts Options) (Backend, error) {
	if len(opts.Addrs) == 0 {
		return nil, tlcerr.New(tlcerr.KindConfiguration, "l2: at least one address is required")
	}
	uopts := &redis.UniversalOptions{
		Addrs:        opts.Addrs,
		Password:     opts.Password,
		DialTimeout:  nonZero(opts.ConnectTimeout, 5*time.Second),
		ReadTimeout:  nonZero(opts.CommandTimeout, 2*time.Second),
		WriteTimeout: nonZero(opts.CommandTimeout, 2*time.Second),
	}
	if opts.EnableTLS {
		uopts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	mode := opts.Mode
	switch mode {
	case "":
		mode = ModeStandalone
	case ModeStandalone:
	case ModeCluster:
		// plain auto-discovery from Addrs
	case ModeSentinel:
		if opts.MasterName == "" {
			return nil, tlcerr.New(tlcerr.KindConfiguration, "l2: master_name is required for sentinel mode")
		}
		uopts.MasterName = opts.MasterName
	default:
		return nil, tlcerr.New(tlcerr.KindConfiguration, fmt.Sprintf("l2: unknown mode %q", opts.Mode))
	}

	client := redis.NewUniversalClient(uopts)
	return &redisBackend{
		client:       client,
		mode:         mode,
		defaultTTL:   nonZero(opts.DefaultTTL, defaultTTL),
		getScript:    redis.NewScript(getScriptSrc),
		setScript:    redis.NewScript(setScriptSrc),
		unlockScript: redis.NewScript(unlockScriptSrc),
	}, nil
}

func nonZero(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}

// Raw exposes the underlying client for callers that need commands outside
// the Backend surface. Unsupported in cluster mode, where a raw handle would
// bypass slot routing.
func (b *redisBackend) Raw() (redis.UniversalClient, error) {
	if b.mode == ModeCluster {
		return nil, tlcerr.New(tlcerr.KindNotSupported, "l2: raw client access is not available in cluster mode")
	}
	return b.client, nil
}

func (b *redisBackend) Get(ctx context.Context, key string) (Entry, bool, error) {
	res, err := b.getScript.Run(ctx, b.client, []string{key}).Result()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, tlcerr.Wrap(tlcerr.KindL2, "get", err)
	}

	pair, ok := res.([]any)
	if !ok || len(pair) != 2 {
		return Entry{}, false, tlcerr.New(tlcerr.KindL2, "get: unexpected script reply shape")
	}
	value, err := replyBytes(pair[0])
	if err != nil {
		return Entry{}, false, tlcerr.Wrap(tlcerr.KindL2, "get: decode value", err)
	}
	verStr, err := replyString(pair[1])
	if err != nil {
		return Entry{}, false, tlcerr.Wrap(tlcerr.KindL2, "get: decode version", err)
	}
	version, err := strconv.ParseUint(verStr, 10, 64)
	if err != nil {
		version = 0
	}
	return Entry{Value: value, Version: version}, true, nil
}

func replyBytes(v any) ([]byte, error) {
	switch t := v.(type) {
	case string:
		return []byte(t), nil
	case []byte:
		return t, nil
	default:
		return nil, fmt.Errorf("unexpected reply type %T", v)
	}
}

func replyString(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case []byte:
		return string(t), nil
	default:
		return "", fmt.Errorf("unexpected reply type %T", v)
	}
}

func (b *redisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = b.defaultTTL
	}
	if err := b.setScript.Run(ctx, b.client, []string{key}, value, int64(ttl.Seconds())).Err(); err != nil {
		return tlcerr.Wrap(tlcerr.KindL2, "set", err)
	}
	return nil
}

func (b *redisBackend) Delete(ctx context.Context, key string) error {
	pipe := b.client.Pipeline()
	pipe.Del(ctx, key)
	pipe.Del(ctx, key+versionSuffix)
	if _, err := pipe.Exec(ctx); err != nil {
		return tlcerr.Wrap(tlcerr.KindL2, "delete", err)
	}
	return nil
}

func (b *redisBackend) Exists(ctx context.Context, key string) (bool, error) {
	n, err := b.client.Exists(ctx, key).Result()
	if err != nil {
		return false, tlcerr.Wrap(tlcerr.KindL2, "exists", err)
	}
	return n == 1, nil
}

func (b *redisBackend) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	d, err := b.client.PTTL(ctx, key).Result()
	if err != nil {
		return 0, false, tlcerr.Wrap(tlcerr.KindL2, "ttl", err)
	}
	// PTTL reports -2 for a missing key and -1 for a key with no expiry;
	// go-redis passes these sentinels through without scaling them to
	// milliseconds, so both the raw and the scaled form are accepted.
	if d < 0 {
		if d == -2 || d == -2*time.Millisecond {
			return 0, false, nil
		}
		return 0, true, nil
	}
	return d, true, nil
}

// BatchSet pipelines, for each item, the value write, the version increment,
// and the version-counter expiry. The pipeline is all-or-nothing from the
// caller's point of view: any execution error is reported as a whole-batch
// failure and no per-item result is surfaced.
func (b *redisBackend) BatchSet(ctx context.Context, items map[string]BatchItem) error {
	if len(items) == 0 {
		return nil
	}
	pipe := b.client.Pipeline()
	for key, item := range items {
		ttl := item.TTL
		if ttl <= 0 {
			ttl = b.defaultTTL
		}
		pipe.Set(ctx, key, item.Value, ttl)
		pipe.Incr(ctx, key+versionSuffix)
		pipe.Expire(ctx, key+versionSuffix, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return tlcerr.Wrap(tlcerr.KindL2, "batch set", err)
	}
	return nil
}

// BatchDelete pipelines paired deletions of each key and its version counter.
func (b *redisBackend) BatchDelete(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	pipe := b.client.Pipeline()
	for _, key := range keys {
		pipe.Del(ctx, key)
		pipe.Del(ctx, key+versionSuffix)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return tlcerr.Wrap(tlcerr.KindL2, "batch delete", err)
	}
	return nil
}

func (b *redisBackend) Lock(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	ok, err := b.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return false, tlcerr.Wrap(tlcerr.KindL2, "lock", err)
	}
	return ok, nil
}

func (b *redisBackend) Unlock(ctx context.Context, key, token string) (bool, error) {
	res, err := b.unlockScript.Run(ctx, b.client, []string{key}, token).Int()
	if err != nil {
		return false, tlcerr.Wrap(tlcerr.KindL2, "unlock", err)
	}
	return res == 1, nil
}

func (b *redisBackend) IsLocked(ctx context.Context, key string) (bool, error) {
	n, err := b.client.Exists(ctx, key).Result()
	if err != nil {
		return false, tlcerr.Wrap(tlcerr.KindL2, "is_locked", err)
	}
	return n == 1, nil
}

// Clear deletes every key matching prefix in pages of up to 1000, resuming
// across SCAN cursor returns so the server is never asked to block on a full
// keyspace sweep. Version counters share their key's prefix and are swept by
// the same match.
func (b *redisBackend) Clear(ctx context.Context, prefix string) error {
	iter := b.client.Scan(ctx, 0, prefix+"*", 1000).Iterator()
	var page []string
	for iter.Next(ctx) {
		page = append(page, iter.Val())
		if len(page) >= 1000 {
			if err := b.deletePage(ctx, page); err != nil {
				return err
			}
			page = page[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return tlcerr.Wrap(tlcerr.KindL2, "clear scan", err)
	}
	if len(page) > 0 {
		return b.deletePage(ctx, page)
	}
	return nil
}

func (b *redisBackend) deletePage(ctx context.Context, keys []string) error {
	pipe := b.client.Pipeline()
	for _, key := range keys {
		pipe.Del(ctx, key)
		pipe.Del(ctx, key+versionSuffix)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return tlcerr.Wrap(tlcerr.KindL2, "clear", err)
	}
	return nil
}

func (b *redisBackend) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return tlcerr.Wrap(tlcerr.KindL2, "ping", err)
	}
	return nil
}

func (b *redisBackend) Publish(ctx context.Context, channel, payload string) error {
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return tlcerr.Wrap(tlcerr.KindL2, "publish", err)
	}
	return nil
}

type redisSubscription struct {
	pubsub *redis.PubSub
	out    chan string
	done   chan struct{}
}

func (b *redisBackend) Subscribe(ctx context.Context, channel string) Subscription {
	ps := b.client.Subscribe(ctx, channel)
	s := &redisSubscription{pubsub: ps, out: make(chan string, 64), done: make(chan struct{})}
	go s.pump()
	return s
}

func (s *redisSubscription) pump() {
	defer close(s.out)
	ch := s.pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			select {
			case s.out <- msg.Payload:
			case <-s.done:
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *redisSubscription) Channel() <-chan string { return s.out }

func (s *redisSubscription) Close() error {
	close(s.done)
	return s.pubsub.Close()
}

func (b *redisBackend) Close() error {
	return b.client.Close()
}

// FromConfig builds Options from the configuration's remote-tier section
// and dials a Backend. The connection string carries the standalone
// address; cluster and sentinel modes take their node lists from their own
// sub-configs.
func FromConfig(cfg config.L2Config) (Backend, error) {
	opts := Options{
		Mode:           Mode(cfg.Mode),
		Password:       cfg.Password,
		ConnectTimeout: time.Duration(cfg.ConnectionTimeoutMs) * time.Millisecond,
		CommandTimeout: time.Duration(cfg.CommandTimeoutMs) * time.Millisecond,
		EnableTLS:      cfg.EnableTLS,
		DefaultTTL:     cfg.DefaultTTL,
	}
	switch config.Mode(cfg.Mode) {
	case config.ModeCluster:
		if cfg.Cluster != nil {
			opts.Addrs = cfg.Cluster.Nodes
		}
	case config.ModeSentinel:
		if cfg.Sentinel != nil {
			opts.Addrs = cfg.Sentinel.Nodes
			opts.MasterName = cfg.Sentinel.MasterName
		}
	default:
		opts.Addrs = []string{stripScheme(cfg.ConnectionString)}
	}
	return NewRedisBackend(opts)
}

// stripScheme reduces a redis:// or rediss:// origin URI to host:port.
func stripScheme(s string) string {
	for _, prefix := range []string{"redis://", "rediss://"} {
		if strings.HasPrefix(s, prefix) {
			if u, err := url.Parse(s); err == nil && u.Host != "" {
				return u.Host
			}
			return strings.TrimPrefix(s, prefix)
		}
	}
	return s
}
