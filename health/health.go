// Package health implements the Healthy/Degraded/Recovering state machine
// that decides whether the facade may use L2 directly or must fall back to
// the write-ahead log, and that drives WAL replay on recovery.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// State is one of the three states the monitor occupies.
type State int

const (
	Healthy State = iota
	Degraded
	Recovering
)

func (s State) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Recovering:
		return "recovering"
	default:
		return "unknown"
	}
}

// Gauge maps the state to its observability gauge value: 0 Degraded,
// 1 Healthy, 2 Recovering. Every transition publishes it.
func (s State) Gauge() int {
	switch s {
	case Degraded:
		return 0
	case Healthy:
		return 1
	case Recovering:
		return 2
	default:
		return -1
	}
}

// Prober performs the single round-trip liveness check the monitor polls on
// a fixed period. Implementations (l2.Backend.Ping) must themselves enforce
// the command-timeout bound: exceeding it is indistinguishable from failure.
type Prober interface {
	Ping(ctx context.Context) error
}

// Replayer drains the WAL against the backend, returning the count replayed.
type Replayer interface {
	ReplayAll(ctx context.Context) (int, error)
}

// GaugeFunc is invoked with the new gauge value on every transition. The
// monitor is the single writer of the gauge; the facade never sets it
// directly.
type GaugeFunc func(value int)

// Monitor runs the health state machine.
type Monitor struct {
	prober   Prober
	replayer Replayer
	interval time.Duration
	onGauge  GaugeFunc
	log      zerolog.Logger

	mu    sync.Mutex
	state State
	since time.Time
	count int // failure_count while Degraded, success_count while Recovering

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Options configures a Monitor.
type Options struct {
	Prober   Prober
	Replayer Replayer
	Interval time.Duration // reference default: 5s
	OnGauge  GaugeFunc
	Logger   zerolog.Logger
}

// New builds a Monitor starting in the Healthy state.
func New(opts Options) *Monitor {
	interval := opts.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	onGauge := opts.OnGauge
	if onGauge == nil {
		onGauge = func(int) {}
	}
	return &Monitor{
		prober:   opts.Prober,
		replayer: opts.Replayer,
		interval: interval,
		onGauge:  onGauge,
		log:      opts.Logger,
		state:    Healthy,
		since:    time.Now(),
		stopCh:   make(chan struct{}),
	}
}

// State returns the monitor's current state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Start launches the periodic probe loop in the background.
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.tick(ctx)
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Stop ends the probe loop and waits for it to exit.
func (m *Monitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

// tick runs one evaluation of the state machine.
func (m *Monitor) tick(ctx context.Context) {
	probeOK := m.prober.Ping(ctx) == nil

	m.mu.Lock()
	state := m.state

	switch state {
	case Healthy:
		if !probeOK {
			m.transitionLocked(Degraded, time.Now(), 1)
		}
		m.mu.Unlock()
		return

	case Degraded:
		if probeOK {
			m.transitionLocked(Recovering, time.Now(), 1)
			m.mu.Unlock()
			return
		}
		if m.count >= 3 {
			m.mu.Unlock() // capped growth: remain Degraded{since, n}
			return
		}
		m.transitionLocked(Degraded, m.since, m.count+1)
		m.mu.Unlock()
		return

	case Recovering:
		if !probeOK {
			m.transitionLocked(Degraded, time.Now(), 1)
			m.mu.Unlock()
			return
		}
		if m.count < 3 {
			m.transitionLocked(Recovering, m.since, m.count+1)
			m.mu.Unlock()
			return
		}
		// Three consecutive successes: attempt replay with the state lock
		// released, since replay can take seconds.
		since := m.since
		m.mu.Unlock()

		_, err := m.replayer.ReplayAll(ctx)

		m.mu.Lock()
		// Use the post-reacquire state as the base: concurrent work during
		// replay may have already moved the state machine.
		if m.state != Recovering {
			m.mu.Unlock()
			return
		}
		if err == nil {
			m.transitionLocked(Healthy, time.Time{}, 0)
		} else {
			m.transitionLocked(Recovering, since, m.count)
		}
		m.mu.Unlock()
		return
	}
}

// transitionLocked commits a new state. Caller must hold m.mu.
func (m *Monitor) transitionLocked(next State, since time.Time, count int) {
	prev := m.state
	m.state = next
	m.since = since
	m.count = count

	if prev != next {
		m.log.Info().
			Str("from", prev.String()).
			Str("to", next.String()).
			Msg("health state transition")
	}
	m.onGauge(next.Gauge())
}

// ReportFailure lets a caller that just observed an L2 failure outside the
// regular probe loop (e.g. a failed Set) drive the same transition a failed
// probe would, so a single source of truth governs the gauge regardless of
// which path noticed the failure first.
func (m *Monitor) ReportFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case Healthy:
		m.transitionLocked(Degraded, time.Now(), 1)
	case Recovering:
		m.transitionLocked(Degraded, time.Now(), 1)
	case Degraded:
		if m.count < 3 {
			m.transitionLocked(Degraded, m.since, m.count+1)
		}
	}
}
