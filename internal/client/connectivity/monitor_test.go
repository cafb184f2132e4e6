package connectivity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type probe struct {
	clock   *fakeClock
	latency time.Duration
	err     error
}

func (p *probe) Ping(context.Context) error {
	p.clock.Advance(p.latency)
	return p.err
}

func TestMonitor_Transitions(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	p := &probe{clock: clock, latency: 10 * time.Millisecond}
	m := New(p, WithClock(clock.Now), WithDegradedLatency(200*time.Millisecond))
	events, cancel := m.Subscribe(8)
	defer cancel()

	assert.Equal(t, StateOffline, m.State())
	assert.False(t, m.Online())

	ctx := context.Background()
	assert.Equal(t, StateOnline, m.Check(ctx))
	tr := <-events
	assert.Equal(t, StateOffline, tr.From)
	assert.Equal(t, StateOnline, tr.To)
	assert.True(t, tr.Regained())

	p.latency = 500 * time.Millisecond
	assert.Equal(t, StateDegraded, m.Check(ctx))
	tr = <-events
	assert.False(t, tr.Regained())
	assert.Equal(t, 500*time.Millisecond, tr.Latency)
	assert.True(t, m.Online())

	p.err = errors.New("connection refused")
	assert.Equal(t, StateOffline, m.Check(ctx))
	tr = <-events
	assert.Equal(t, StateDegraded, tr.From)
	assert.False(t, m.Online())

	// No transition when the state is unchanged.
	m.Check(ctx)
	assert.Empty(t, events)
}

func TestMonitor_UnsubscribeClosesChannel(t *testing.T) {
	m := New(PingerFunc(func(context.Context) error { return nil }))
	events, cancel := m.Subscribe(1)
	cancel()
	cancel()

	_, ok := <-events
	assert.False(t, ok)
	m.Check(context.Background())
	assert.Equal(t, StateOnline, m.State())
}

func TestMonitor_SlowSubscriberDoesNotBlock(t *testing.T) {
	fail := false
	m := New(PingerFunc(func(context.Context) error {
		if fail {
			return errors.New("down")
		}
		return nil
	}))
	_, cancel := m.Subscribe(0)
	defer cancel()

	done := make(chan struct{})
	go func() {
		m.Check(context.Background())
		fail = true
		m.Check(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("check blocked on subscriber")
	}
}

func TestMonitor_ProbeTimeout(t *testing.T) {
	m := New(PingerFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}), WithTimeout(10*time.Millisecond))
	assert.Equal(t, StateOffline, m.Check(context.Background()))
}

func TestMonitor_RunProbesImmediately(t *testing.T) {
	m := New(PingerFunc(func(context.Context) error { return nil }), WithInterval(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	require.Eventually(t, m.Online, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}
