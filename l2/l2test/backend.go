// Package l2test provides an in-memory l2.Backend for tests: a single-process
// stand-in for the remote tier with versioned writes, TTLs, locks, pub/sub,
// and switchable failure injection.
package l2test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/lattice-cache/tlc/l2"
	"github.com/lattice-cache/tlc/tlcerr"
)

type record struct {
	value   []byte
	version uint64
	expiry  time.Time // zero means no expiry
}

// Backend is an in-memory l2.Backend. Safe for concurrent use.
type Backend struct {
	mu      sync.Mutex
	data    map[string]record
	locks   map[string]lockRecord
	subs    map[string][]*subscription
	failing bool

	// pingErr is wrapped into every command's error while failing.
	pingErr error
}

type lockRecord struct {
	token  string
	expiry time.Time
}

// New returns an empty Backend.
func New() *Backend {
	return &Backend{
		data:  make(map[string]record),
		locks: make(map[string]lockRecord),
		subs:  make(map[string][]*subscription),
	}
}

// SetFailing switches the backend between healthy and unreachable. While
// failing, every command returns a transport-style error.
func (b *Backend) SetFailing(failing bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failing = failing
	if failing && b.pingErr == nil {
		b.pingErr = errors.New("l2test: connection refused")
	}
}

func (b *Backend) errIfFailing() error {
	if b.failing {
		return tlcerr.Wrap(tlcerr.KindL2, "l2test", b.pingErr)
	}
	return nil
}

func (r record) expired(now time.Time) bool {
	return !r.expiry.IsZero() && now.After(r.expiry)
}

func (b *Backend) Get(ctx context.Context, key string) (l2.Entry, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.errIfFailing(); err != nil {
		return l2.Entry{}, false, err
	}
	rec, ok := b.data[key]
	if !ok || rec.expired(time.Now()) {
		delete(b.data, key)
		return l2.Entry{}, false, nil
	}
	return l2.Entry{Value: append([]byte(nil), rec.value...), Version: rec.version}, true, nil
}

func (b *Backend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.errIfFailing(); err != nil {
		return err
	}
	b.setLocked(key, value, ttl)
	return nil
}

func (b *Backend) setLocked(key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = 3600 * time.Second
	}
	prev := b.data[key]
	b.data[key] = record{
		value:   append([]byte(nil), value...),
		version: prev.version + 1,
		expiry:  time.Now().Add(ttl),
	}
}

func (b *Backend) Delete(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.errIfFailing(); err != nil {
		return err
	}
	delete(b.data, key)
	return nil
}

func (b *Backend) Exists(ctx context.Context, key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.errIfFailing(); err != nil {
		return false, err
	}
	rec, ok := b.data[key]
	return ok && !rec.expired(time.Now()), nil
}

func (b *Backend) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.errIfFailing(); err != nil {
		return 0, false, err
	}
	rec, ok := b.data[key]
	now := time.Now()
	if !ok || rec.expired(now) {
		return 0, false, nil
	}
	if rec.expiry.IsZero() {
		return 0, true, nil
	}
	return rec.expiry.Sub(now), true, nil
}

func (b *Backend) BatchSet(ctx context.Context, items map[string]l2.BatchItem) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.errIfFailing(); err != nil {
		return err
	}
	for key, item := range items {
		b.setLocked(key, item.Value, item.TTL)
	}
	return nil
}

func (b *Backend) BatchDelete(ctx context.Context, keys []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.errIfFailing(); err != nil {
		return err
	}
	for _, key := range keys {
		delete(b.data, key)
	}
	return nil
}

func (b *Backend) Lock(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.errIfFailing(); err != nil {
		return false, err
	}
	now := time.Now()
	if held, ok := b.locks[key]; ok && now.Before(held.expiry) {
		return false, nil
	}
	b.locks[key] = lockRecord{token: token, expiry: now.Add(ttl)}
	return true, nil
}

func (b *Backend) Unlock(ctx context.Context, key, token string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.errIfFailing(); err != nil {
		return false, err
	}
	held, ok := b.locks[key]
	if !ok || held.token != token || time.Now().After(held.expiry) {
		return false, nil
	}
	delete(b.locks, key)
	return true, nil
}

func (b *Backend) IsLocked(ctx context.Context, key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.errIfFailing(); err != nil {
		return false, err
	}
	held, ok := b.locks[key]
	return ok && time.Now().Before(held.expiry), nil
}

func (b *Backend) Clear(ctx context.Context, prefix string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.errIfFailing(); err != nil {
		return err
	}
	for key := range b.data {
		if strings.HasPrefix(key, prefix) {
			delete(b.data, key)
		}
	}
	return nil
}

func (b *Backend) Ping(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.errIfFailing()
}

func (b *Backend) Publish(ctx context.Context, channel, payload string) error {
	b.mu.Lock()
	if err := b.errIfFailing(); err != nil {
		b.mu.Unlock()
		return err
	}
	subs := append([]*subscription(nil), b.subs[channel]...)
	b.mu.Unlock()

	for _, s := range subs {
		s.deliver(payload)
	}
	return nil
}

type subscription struct {
	out    chan string
	closed sync.Once
	done   chan struct{}
}

func (s *subscription) deliver(payload string) {
	select {
	case s.out <- payload:
	case <-s.done:
	}
}

func (s *subscription) Channel() <-chan string { return s.out }

func (s *subscription) Close() error {
	s.closed.Do(func() { close(s.done) })
	return nil
}

func (b *Backend) Subscribe(ctx context.Context, channel string) l2.Subscription {
	s := &subscription{out: make(chan string, 64), done: make(chan struct{})}
	b.mu.Lock()
	b.subs[channel] = append(b.subs[channel], s)
	b.mu.Unlock()
	return s
}

func (b *Backend) Close() error { return nil }

// Version reports the current version counter for key, 0 if absent.
func (b *Backend) Version(key string) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.data[key].version
}

// Len reports how many live keys the backend holds.
func (b *Backend) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}
