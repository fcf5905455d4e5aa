// Package invalidate implements the cross-process invalidation bus: a
// publisher that announces overwritten keys and a subscriber that evicts
// them from the local L1 store, both running over the L2 tier's own
// publish/subscribe transport rather than an independent broker. The wire
// payload is the raw UTF-8 key, no envelope.
package invalidate

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"github.com/lattice-cache/tlc/health"
	"github.com/lattice-cache/tlc/keymatch"
)

// ChannelConfig resolves the channel name, in precedence order: (a) an
// explicit literal name; (b) a prefix (default "cache:invalidate")
// concatenated with ":<service>"; (c) "cache:invalidate:<service>".
type ChannelConfig struct {
	Explicit    string
	Prefix      string // default "cache:invalidate" if empty
	ServiceName string
}

// Resolve returns the channel name this config designates.
func (c ChannelConfig) Resolve() string {
	if c.Explicit != "" {
		return c.Explicit
	}
	prefix := c.Prefix
	if prefix == "" {
		prefix = "cache:invalidate"
	}
	if c.ServiceName == "" {
		return prefix
	}
	return strings.TrimSuffix(prefix, ":") + ":" + c.ServiceName
}

// Publisher announces invalidated keys. It is satisfied by l2.Backend.
type Publisher interface {
	Publish(ctx context.Context, channel, payload string) error
}

// SubscriberBackend opens a message stream. It is satisfied by l2.Backend.
type SubscriberBackend interface {
	Subscribe(ctx context.Context, channel string) Subscription
}

// Subscription delivers messages published to a channel.
type Subscription interface {
	Channel() <-chan string
	Close() error
}

// Bus is the invalidation publisher bound to one resolved channel.
type Bus struct {
	publisher Publisher
	channel   string
}

// NewBus builds a Bus that publishes on the channel cfg resolves to.
func NewBus(publisher Publisher, cfg ChannelConfig) *Bus {
	return &Bus{publisher: publisher, channel: cfg.Resolve()}
}

// Channel returns the resolved channel name this bus publishes on.
func (b *Bus) Channel() string { return b.channel }

// PublishKey announces key as invalidated. Fire-and-forget; delivery is
// best-effort.
func (b *Bus) PublishKey(ctx context.Context, key string) error {
	return b.publisher.Publish(ctx, b.channel, key)
}

// PublishPattern announces a wildcard pattern ("user:*") whose matching keys
// should be invalidated on every subscriber.
func (b *Bus) PublishPattern(ctx context.Context, pattern string) error {
	return b.publisher.Publish(ctx, b.channel, pattern)
}

// L1Evictor deletes keys from the local L1 store.
type L1Evictor interface {
	Delete(key string) bool
	DeleteMatching(match func(key string) bool) int
}

// HealthStateProvider reports the current health state so the subscriber can
// decide whether to trust an invalidation message.
type HealthStateProvider interface {
	State() health.State
}

// Subscriber consumes invalidation messages and evicts the corresponding
// key from L1, but only while the health monitor reports Healthy — during
// Degraded or Recovering (which includes WAL replay), a message is ignored:
// L1 may go stale, but no correct-seeming write is landing in L2 either, so
// evicting now would just create a different kind of inconsistency.
type Subscriber struct {
	backend SubscriberBackend
	channel string
	l1      L1Evictor
	health  HealthStateProvider
	log     zerolog.Logger
}

// NewSubscriber builds a Subscriber for cfg's resolved channel.
func NewSubscriber(backend SubscriberBackend, cfg ChannelConfig, l1 L1Evictor, healthState HealthStateProvider, log zerolog.Logger) *Subscriber {
	return &Subscriber{
		backend: backend,
		channel: cfg.Resolve(),
		l1:      l1,
		health:  healthState,
		log:     log,
	}
}

// Run subscribes and processes messages until ctx is cancelled or the
// subscription closes.
func (s *Subscriber) Run(ctx context.Context) {
	sub := s.backend.Subscribe(ctx, s.channel)
	defer sub.Close()

	for {
		select {
		case key, ok := <-sub.Channel():
			if !ok {
				return
			}
			s.handle(key)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Subscriber) handle(payload string) {
	if s.health.State() != health.Healthy {
		s.log.Debug().Str("key", payload).Str("state", s.health.State().String()).
			Msg("ignoring invalidation message outside healthy state")
		return
	}
	// Keys cannot contain '*', so a wildcard payload is unambiguously a
	// pattern covering many keys.
	if keymatch.IsWildcard(payload) {
		s.l1.DeleteMatching(func(k string) bool {
			ok, err := keymatch.Match(payload, k)
			return err == nil && ok
		})
		return
	}
	s.l1.Delete(payload)
}
