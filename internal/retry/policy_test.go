package retry

import (
	"testing"
	"time"

	"modelbroker/internal/core"
)

func TestBackoffDelayGrowth(t *testing.T) {
	p := Policy{
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    8 * time.Second,
		JitterRatio: 0,
		// Rand must be irrelevant with zero jitter.
		Rand: func() float64 { return 0.99 },
	}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 500 * time.Millisecond},
		{2, 1 * time.Second},
		{3, 2 * time.Second},
		{4, 4 * time.Second},
		{5, 8 * time.Second},
		{6, 8 * time.Second}, // capped
		{20, 8 * time.Second},
		{0, 500 * time.Millisecond}, // clamped to first attempt
	}

	for _, tt := range tests {
		if got := p.BackoffDelay(tt.attempt); got != tt.want {
			t.Fatalf("BackoffDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestBackoffDelayJitterBounds(t *testing.T) {
	p := Policy{
		BaseDelay:   1 * time.Second,
		MaxDelay:    time.Minute,
		JitterRatio: 0.25,
	}

	lo := Policy{BaseDelay: p.BaseDelay, MaxDelay: p.MaxDelay, JitterRatio: 0.25, Rand: func() float64 { return 0 }}
	hi := Policy{BaseDelay: p.BaseDelay, MaxDelay: p.MaxDelay, JitterRatio: 0.25, Rand: func() float64 { return 1 - 1e-12 }}

	if got := lo.BackoffDelay(1); got != 750*time.Millisecond {
		t.Fatalf("lower jitter bound = %v, want 750ms", got)
	}
	if got := hi.BackoffDelay(1); got < 1249*time.Millisecond || got > 1250*time.Millisecond {
		t.Fatalf("upper jitter bound = %v, want ~1250ms", got)
	}
}

func TestDelayForHonorsServerWait(t *testing.T) {
	p := Policy{BaseDelay: 500 * time.Millisecond, MaxDelay: time.Minute, JitterRatio: 0}

	err := core.NewRateLimited(2*time.Second, "slow down")
	if got := p.DelayFor(err, 1); got != 2*time.Second {
		t.Fatalf("DelayFor = %v, want the 2s server wait", got)
	}

	// Once backoff outgrows the suggestion, backoff wins.
	if got := p.DelayFor(err, 4); got != 4*time.Second {
		t.Fatalf("DelayFor = %v, want 4s backoff", got)
	}

	if got := p.DelayFor(nil, 2); got != 1*time.Second {
		t.Fatalf("DelayFor without error = %v, want 1s", got)
	}
}

func TestShouldRetry(t *testing.T) {
	start := time.Now()
	p := Policy{MaxAttempts: 3, MaxElapsed: 10 * time.Second}

	if !p.ShouldRetry(1, start, start.Add(time.Second)) {
		t.Fatal("attempt 1 of 3 should retry")
	}
	if !p.ShouldRetry(2, start, start.Add(time.Second)) {
		t.Fatal("attempt 2 of 3 should retry")
	}
	if p.ShouldRetry(3, start, start.Add(time.Second)) {
		t.Fatal("attempt budget exhausted, should not retry")
	}
	if p.ShouldRetry(1, start, start.Add(11*time.Second)) {
		t.Fatal("wall-clock budget exhausted, should not retry")
	}

	unbounded := Policy{MaxAttempts: 2}
	if !unbounded.ShouldRetry(1, start, start.Add(time.Hour)) {
		t.Fatal("zero MaxElapsed should disable the wall-clock bound")
	}
}
