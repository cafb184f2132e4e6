// Package connectivity tracks whether the sync server is reachable and how
// well. A Monitor probes the server with Ping on an interval and publishes
// state transitions to subscribers.
package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/dmitrijs2005/draftsync/internal/logging"
)

type State string

const (
	StateOffline  State = "offline"
	StateDegraded State = "degraded"
	StateOnline   State = "online"
)

// Pinger probes the server. Any error means unreachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type PingerFunc func(ctx context.Context) error

func (f PingerFunc) Ping(ctx context.Context) error { return f(ctx) }

// Transition is published whenever the state changes.
type Transition struct {
	From    State
	To      State
	At      time.Time
	Latency time.Duration
}

// Regained reports whether the server became reachable again.
func (t Transition) Regained() bool {
	return t.From == StateOffline && t.To != StateOffline
}

type Monitor struct {
	pinger   Pinger
	interval time.Duration
	timeout  time.Duration
	degraded time.Duration
	now      func() time.Time
	logger   logging.Logger

	mu     sync.RWMutex
	state  State
	subs   map[int]chan Transition
	nextID int
}

type Option func(*Monitor)

func WithInterval(d time.Duration) Option { return func(m *Monitor) { m.interval = d } }

func WithTimeout(d time.Duration) Option { return func(m *Monitor) { m.timeout = d } }

// WithDegradedLatency sets the probe latency above which the link counts as
// degraded.
func WithDegradedLatency(d time.Duration) Option { return func(m *Monitor) { m.degraded = d } }

func WithClock(now func() time.Time) Option { return func(m *Monitor) { m.now = now } }

func WithLogger(l logging.Logger) Option { return func(m *Monitor) { m.logger = l } }

// New returns a Monitor that starts offline until the first probe.
func New(p Pinger, opts ...Option) *Monitor {
	m := &Monitor{
		pinger:   p,
		interval: 5 * time.Second,
		timeout:  3 * time.Second,
		degraded: time.Second,
		now:      time.Now,
		logger:   logging.Nop{},
		state:    StateOffline,
		subs:     map[int]chan Transition{},
	}
	for _, o := range opts {
		o(m)
	}
	m.logger = m.logger.With("module", "connectivity")
	return m
}

func (m *Monitor) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Online reports whether sending is worth attempting. A degraded link
// still counts.
func (m *Monitor) Online() bool {
	return m.State() != StateOffline
}

// Subscribe returns a channel of transitions and a function that cancels
// the subscription. Transitions are dropped for subscribers that fall
// behind by more than buf.
func (m *Monitor) Subscribe(buf int) (<-chan Transition, func()) {
	ch := make(chan Transition, buf)
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = ch
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
			close(ch)
		})
	}
}

// Check probes once and returns the resulting state.
func (m *Monitor) Check(ctx context.Context) State {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	start := m.now()
	err := m.pinger.Ping(ctx)
	latency := m.now().Sub(start)
	cancel()

	next := StateOnline
	switch {
	case err != nil:
		next = StateOffline
	case m.degraded > 0 && latency > m.degraded:
		next = StateDegraded
	}
	m.set(ctx, next, latency)
	return next
}

func (m *Monitor) set(ctx context.Context, next State, latency time.Duration) {
	m.mu.Lock()
	prev := m.state
	if prev == next {
		m.mu.Unlock()
		return
	}
	m.state = next
	t := Transition{From: prev, To: next, At: m.now(), Latency: latency}
	for _, ch := range m.subs {
		select {
		case ch <- t:
		default:
		}
	}
	m.mu.Unlock()

	m.logger.Info(ctx, "connectivity changed", "from", string(prev), "to", string(next), "latency", latency)
}

// Run probes immediately and then every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Check(ctx)
	for {
		select {
		case <-ticker.C:
			m.Check(ctx)
		case <-ctx.Done():
			return
		}
	}
}
