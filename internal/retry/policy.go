// Package retry provides the pure backoff and retry-budget policy.
// Classification of failures lives in core; this package only decides
// whether to loop again and how long to wait.
package retry

import (
	"math/rand"
	"time"

	"modelbroker/internal/core"
)

// Policy holds the retry/backoff parameters. The zero value is not useful;
// start from DefaultPolicy and override fields.
type Policy struct {
	// BaseDelay is the first-attempt backoff before jitter.
	BaseDelay time.Duration
	// MaxDelay caps exponential growth.
	MaxDelay time.Duration
	// JitterRatio scales the delay by a uniform factor in [1-j, 1+j].
	JitterRatio float64
	// MaxAttempts is the attempt budget (including the first attempt).
	MaxAttempts int
	// MaxElapsed is the wall-clock budget from the first attempt. Zero
	// disables the wall-clock bound.
	MaxElapsed time.Duration
	// Rand supplies uniform values in [0,1) for jitter. Nil uses the
	// package-level source. Tests inject a fixed source.
	Rand func() float64
}

// DefaultPolicy returns the broker's standard retry parameters.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		JitterRatio: 0.2,
		MaxAttempts: 5,
		MaxElapsed:  2 * time.Minute,
	}
}

// BackoffDelay computes the jittered exponential backoff for an attempt
// (1-based): min(base*2^(attempt-1), max) scaled by the jitter factor.
// With JitterRatio zero the result is exact for any random source.
func (p Policy) BackoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := p.BaseDelay
	// Doubling beyond 62 shifts would overflow; MaxDelay caps long before.
	for i := 1; i < attempt && d < p.MaxDelay; i++ {
		d *= 2
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}

	if p.JitterRatio > 0 {
		r := p.Rand
		if r == nil {
			r = rand.Float64
		}
		factor := 1 - p.JitterRatio + 2*p.JitterRatio*r()
		d = time.Duration(float64(d) * factor)
	}
	return d
}

// DelayFor returns the wait before the next attempt, honoring a classified
// error's server-suggested wait when it exceeds the computed backoff.
func (p Policy) DelayFor(err *core.BrokerError, attempt int) time.Duration {
	d := p.BackoffDelay(attempt)
	if err != nil && err.RetryAfter > d {
		d = err.RetryAfter
	}
	return d
}

// ShouldRetry reports whether another attempt fits in both the attempt
// budget and the wall-clock budget.
func (p Policy) ShouldRetry(attempt int, firstAttempt, now time.Time) bool {
	if attempt >= p.MaxAttempts {
		return false
	}
	if p.MaxElapsed > 0 && now.Sub(firstAttempt) >= p.MaxElapsed {
		return false
	}
	return true
}
