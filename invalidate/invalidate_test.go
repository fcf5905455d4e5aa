package invalidate

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattice-cache/tlc/health"
)

func TestChannelResolutionPrecedence(t *testing.T) {
	assert.Equal(t, "literal", ChannelConfig{Explicit: "literal", Prefix: "x", ServiceName: "y"}.Resolve())
	assert.Equal(t, "cache:invalidate:orders", ChannelConfig{ServiceName: "orders"}.Resolve())
	assert.Equal(t, "custom:orders", ChannelConfig{Prefix: "custom", ServiceName: "orders"}.Resolve())
	assert.Equal(t, "cache:invalidate", ChannelConfig{}.Resolve())
}

type fakePublisher struct {
	channel string
	payload string
}

func (f *fakePublisher) Publish(ctx context.Context, channel, payload string) error {
	f.channel = channel
	f.payload = payload
	return nil
}

func TestBusPublishesOnResolvedChannel(t *testing.T) {
	pub := &fakePublisher{}
	bus := NewBus(pub, ChannelConfig{ServiceName: "orders"})

	require.NoError(t, bus.PublishKey(context.Background(), "order:42"))

	assert.Equal(t, "cache:invalidate:orders", pub.channel)
	assert.Equal(t, "order:42", pub.payload)
}

type fakeSubscription struct {
	ch chan string
}

func (f *fakeSubscription) Channel() <-chan string { return f.ch }
func (f *fakeSubscription) Close() error           { close(f.ch); return nil }

type fakeSubBackend struct {
	sub *fakeSubscription
}

func (f *fakeSubBackend) Subscribe(ctx context.Context, channel string) Subscription {
	return f.sub
}

type fakeEvictor struct {
	keys    []string
	deleted []string
}

func (f *fakeEvictor) Delete(key string) bool {
	f.deleted = append(f.deleted, key)
	return true
}

func (f *fakeEvictor) DeleteMatching(match func(string) bool) int {
	n := 0
	for _, k := range f.keys {
		if match(k) {
			f.deleted = append(f.deleted, k)
			n++
		}
	}
	return n
}

type fakeHealthState struct {
	state health.State
}

func (f *fakeHealthState) State() health.State { return f.state }

func TestSubscriberEvictsWhenHealthy(t *testing.T) {
	sub := &fakeSubscription{ch: make(chan string, 1)}
	backend := &fakeSubBackend{sub: sub}
	evictor := &fakeEvictor{}
	hs := &fakeHealthState{state: health.Healthy}

	s := NewSubscriber(backend, ChannelConfig{ServiceName: "orders"}, evictor, hs, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() { s.Run(ctx); close(done) }()

	sub.ch <- "order:1"
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, []string{"order:1"}, evictor.deleted)
}

func TestSubscriberEvictsByPattern(t *testing.T) {
	sub := &fakeSubscription{ch: make(chan string, 1)}
	backend := &fakeSubBackend{sub: sub}
	evictor := &fakeEvictor{keys: []string{"order:1", "order:2", "user:1"}}
	hs := &fakeHealthState{state: health.Healthy}

	s := NewSubscriber(backend, ChannelConfig{ServiceName: "orders"}, evictor, hs, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() { s.Run(ctx); close(done) }()

	sub.ch <- "order:*"
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	assert.ElementsMatch(t, []string{"order:1", "order:2"}, evictor.deleted)
}

func TestSubscriberIgnoresWhenNotHealthy(t *testing.T) {
	sub := &fakeSubscription{ch: make(chan string, 1)}
	backend := &fakeSubBackend{sub: sub}
	evictor := &fakeEvictor{}
	hs := &fakeHealthState{state: health.Degraded}

	s := NewSubscriber(backend, ChannelConfig{ServiceName: "orders"}, evictor, hs, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() { s.Run(ctx); close(done) }()

	sub.ch <- "order:1"
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	assert.Empty(t, evictor.deleted)
}
