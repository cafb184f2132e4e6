package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDelay_ExponentialCapped(t *testing.T) {
	p := Policy{Base: time.Second, Max: 10 * time.Second}

	assert.Equal(t, time.Second, p.Delay(0))
	assert.Equal(t, 2*time.Second, p.Delay(1))
	assert.Equal(t, 8*time.Second, p.Delay(3))
	assert.Equal(t, 10*time.Second, p.Delay(4))
	assert.Equal(t, 10*time.Second, p.Delay(200))
	assert.Equal(t, time.Second, p.Delay(-1))
}

func TestDelay_Jitter(t *testing.T) {
	p := Policy{Base: time.Second, Max: time.Minute, Jitter: 0.5}

	p.Rand = func() float64 { return 0 }
	assert.Equal(t, 2*time.Second, p.Delay(2))

	p.Rand = func() float64 { return 0.5 }
	assert.Equal(t, 4*time.Second, p.Delay(2))

	p.Rand = func() float64 { return 0.999999 }
	assert.InDelta(t, float64(6*time.Second), float64(p.Delay(2)), float64(time.Millisecond))
}

func TestDelay_JitterNeverExceedsMax(t *testing.T) {
	p := Policy{Base: time.Second, Max: 4 * time.Second, Jitter: 1, Rand: func() float64 { return 0.99 }}
	for attempt := 0; attempt < 10; attempt++ {
		d := p.Delay(attempt)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, 4*time.Second)
	}
}

func TestNext(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p := Policy{Base: time.Second, Max: time.Minute}
	assert.Equal(t, now.Add(4*time.Second), p.Next(now, 2))
}
