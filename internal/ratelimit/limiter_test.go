package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock advances only when told to.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestTryConsumeBothBuckets(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	l := New(10, 1000, time.Minute)
	l.SetClock(clock.now)

	d := l.TryConsume(1, 100)
	require.True(t, d.Allowed)

	// Requests fine, tokens exhausted: nothing is consumed.
	d = l.TryConsume(1, 950)
	require.False(t, d.Allowed)
	assert.Greater(t, d.RetryAfter, time.Duration(0))

	reqs, toks := l.Snapshot()
	assert.InDelta(t, 9, reqs, 1e-9, "denied consume must not take requests")
	assert.InDelta(t, 900, toks, 1e-9, "denied consume must not take tokens")
}

func TestRetryAfterUsesLargerDeficit(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	l := New(60, 6000, time.Minute)
	l.SetClock(clock.now)

	// Drain both buckets completely.
	require.True(t, l.TryConsume(60, 6000).Allowed)

	// Request deficit: 1 request refills in 1s. Token deficit: 3000 tokens
	// refill in 30s. The token wait dominates.
	d := l.TryConsume(1, 3000)
	require.False(t, d.Allowed)
	assert.InDelta(t, float64(30*time.Second), float64(d.RetryAfter), float64(50*time.Millisecond))
}

func TestLinearRefill(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	l := New(60, 6000, time.Minute)
	l.SetClock(clock.now)

	require.True(t, l.TryConsume(60, 6000).Allowed)
	require.False(t, l.TryConsume(30, 0).Allowed)

	// Half a window refills half the capacity.
	clock.advance(30 * time.Second)
	d := l.TryConsume(30, 3000)
	assert.True(t, d.Allowed)

	// Refill never exceeds capacity.
	clock.advance(10 * time.Minute)
	reqs, toks := l.Snapshot()
	assert.InDelta(t, 60, reqs, 1e-9)
	assert.InDelta(t, 6000, toks, 1e-9)
}
