// Package ratelimit provides the process-local dual token bucket guarding
// dispatch. It is deliberately not durable: resetting to full capacity on
// restart is a safe default, and the durable budget store stays authoritative.
package ratelimit

import (
	"sync"
	"time"
)

// Decision is the outcome of a consume attempt.
type Decision struct {
	Allowed bool
	// RetryAfter is the time until enough capacity refills, when denied.
	RetryAfter time.Duration
}

// Limiter holds two independently refilling buckets: request count and
// token count. Both must have capacity for a consume to succeed.
type Limiter struct {
	mu sync.Mutex

	reqCapacity float64
	tokCapacity float64
	window      time.Duration

	reqLevel   float64
	tokLevel   float64
	lastRefill time.Time

	now func() time.Time
}

// New creates a limiter allowing rpm requests and tpm tokens per window.
// Both buckets start full.
func New(rpm, tpm int, window time.Duration) *Limiter {
	if window <= 0 {
		window = time.Minute
	}
	l := &Limiter{
		reqCapacity: float64(rpm),
		tokCapacity: float64(tpm),
		window:      window,
		reqLevel:    float64(rpm),
		tokLevel:    float64(tpm),
		now:         time.Now,
	}
	l.lastRefill = l.now()
	return l
}

// SetClock replaces the time source. Test hook.
func (l *Limiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
	l.lastRefill = now()
}

// TryConsume atomically takes requests and tokens from both buckets.
// When either bucket lacks capacity, nothing is consumed and RetryAfter
// reports the larger deficit's time-to-refill.
func (l *Limiter) TryConsume(requests, tokens int) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refill()

	req := float64(requests)
	tok := float64(tokens)

	if l.reqLevel >= req && l.tokLevel >= tok {
		l.reqLevel -= req
		l.tokLevel -= tok
		return Decision{Allowed: true}
	}

	wait := l.timeToRefill(req-l.reqLevel, l.reqCapacity)
	if w := l.timeToRefill(tok-l.tokLevel, l.tokCapacity); w > wait {
		wait = w
	}
	return Decision{Allowed: false, RetryAfter: wait}
}

// Snapshot returns the current levels after refill. For diagnostics.
func (l *Limiter) Snapshot() (requests, tokens float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refill()
	return l.reqLevel, l.tokLevel
}

// refill adds linear capacity for the time elapsed since the last refill.
// Caller holds the lock.
func (l *Limiter) refill() {
	now := l.now()
	elapsed := now.Sub(l.lastRefill)
	if elapsed <= 0 {
		return
	}
	l.lastRefill = now

	frac := float64(elapsed) / float64(l.window)
	l.reqLevel = min(l.reqLevel+l.reqCapacity*frac, l.reqCapacity)
	l.tokLevel = min(l.tokLevel+l.tokCapacity*frac, l.tokCapacity)
}

// timeToRefill converts a deficit into wall time at the bucket's refill rate.
func (l *Limiter) timeToRefill(deficit, capacity float64) time.Duration {
	if deficit <= 0 {
		return 0
	}
	if capacity <= 0 {
		// Bucket can never satisfy the request; wait a full window and
		// let the caller re-evaluate.
		return l.window
	}
	return time.Duration(deficit / capacity * float64(l.window))
}
