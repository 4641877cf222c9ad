// Package budget tracks the upstream API's advertised rate-limit budget per
// provider/model. Unlike the process-local token bucket, this view is durable
// and authoritative: it is derived from response headers and survives restarts.
package budget

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"modelbroker/internal/core"
	"modelbroker/internal/kv"
)

// DefaultCooldown is applied when a 429 arrives with no usable wait hint.
const DefaultCooldown = 60 * time.Second

const keyPrefix = "budget/"

// Snapshot is the durable record per provider/model key.
// Remaining/limit fields are -1 when the upstream never advertised them.
type Snapshot struct {
	RequestsRemaining int64 `json:"requestsRemaining"`
	TokensRemaining   int64 `json:"tokensRemaining"`
	RequestsLimit     int64 `json:"requestsLimit"`
	TokensLimit       int64 `json:"tokensLimit"`
	// ResetAt is when the request window replenishes, unix ms.
	ResetAt int64 `json:"resetAt"`
	// CooldownUntil dominates everything else while in the future, unix ms.
	CooldownUntil int64 `json:"cooldownUntilTs"`
	UpdatedAt     int64 `json:"updatedAt"`
}

func emptySnapshot() Snapshot {
	return Snapshot{
		RequestsRemaining: -1,
		TokensRemaining:   -1,
		RequestsLimit:     -1,
		TokensLimit:       -1,
	}
}

// Availability is the live-computed view handed to the gate and the UI.
type Availability struct {
	RPMRemaining  int64     `json:"rpmRemaining"`
	TPMRemaining  int64     `json:"tpmRemaining"`
	RPMFraction   float64   `json:"rpmFraction"`
	TPMFraction   float64   `json:"tpmFraction"`
	CooldownUntil time.Time `json:"cooldownUntil"`
	// Available is false only while a cooldown is active or a remaining
	// counter is known to be zero.
	Available bool `json:"available"`
}

// Store reads and writes budget snapshots through the durable kv store.
type Store struct {
	kv  kv.Store
	now func() time.Time
}

// NewStore creates a budget store on top of the durable kv store.
func NewStore(store kv.Store) *Store {
	return &Store{kv: store, now: time.Now}
}

// SetClock replaces the time source. Test hook.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// ObserveHeaders folds a response's rate-limit headers into the snapshot for
// key ("provider/model"). Missing headers leave the previous values alone.
func (s *Store) ObserveHeaders(ctx context.Context, key string, h http.Header) kv.WriteResult {
	snap := s.load(ctx, key)

	if v, ok := headerInt(h, "x-ratelimit-remaining-requests"); ok {
		snap.RequestsRemaining = v
	}
	if v, ok := headerInt(h, "x-ratelimit-remaining-tokens"); ok {
		snap.TokensRemaining = v
	}
	if v, ok := headerInt(h, "x-ratelimit-limit-requests"); ok {
		snap.RequestsLimit = v
	}
	if v, ok := headerInt(h, "x-ratelimit-limit-tokens"); ok {
		snap.TokensLimit = v
	}
	if d, ok := headerDuration(h, "x-ratelimit-reset-requests"); ok {
		snap.ResetAt = s.now().Add(d).UnixMilli()
	}

	snap.UpdatedAt = s.now().UnixMilli()
	return kv.Save(ctx, s.kv, keyPrefix+key, snap)
}

// MarkRateLimited records a too-many-requests event for key, opening a
// cooldown window. The wait is resolved from, in order: the explicit
// retryAfter, the snapshot's reset window, then DefaultCooldown.
func (s *Store) MarkRateLimited(ctx context.Context, key string, retryAfter time.Duration) kv.WriteResult {
	snap := s.load(ctx, key)
	now := s.now()

	wait := retryAfter
	if wait <= 0 && snap.ResetAt > now.UnixMilli() {
		wait = time.Duration(snap.ResetAt-now.UnixMilli()) * time.Millisecond
	}
	if wait <= 0 {
		wait = DefaultCooldown
	}

	snap.CooldownUntil = now.Add(wait).UnixMilli()
	snap.UpdatedAt = now.UnixMilli()
	return kv.Save(ctx, s.kv, keyPrefix+key, snap)
}

// ResolveWait returns the remaining cooldown for key, zero when none.
func (s *Store) ResolveWait(ctx context.Context, key string) time.Duration {
	snap := s.load(ctx, key)
	now := s.now().UnixMilli()
	if snap.CooldownUntil > now {
		return time.Duration(snap.CooldownUntil-now) * time.Millisecond
	}
	return 0
}

// Availability computes the live budget view for key.
// An active cooldown forces availability to zero regardless of the counters.
func (s *Store) Availability(ctx context.Context, key string) Availability {
	snap := s.load(ctx, key)
	now := s.now().UnixMilli()

	av := Availability{
		RPMRemaining: snap.RequestsRemaining,
		TPMRemaining: snap.TokensRemaining,
		RPMFraction:  fraction(snap.RequestsRemaining, snap.RequestsLimit),
		TPMFraction:  fraction(snap.TokensRemaining, snap.TokensLimit),
		Available:    true,
	}

	if snap.CooldownUntil > now {
		av.CooldownUntil = time.UnixMilli(snap.CooldownUntil)
		av.RPMRemaining = 0
		av.TPMRemaining = 0
		av.RPMFraction = 0
		av.TPMFraction = 0
		av.Available = false
		return av
	}

	if snap.RequestsRemaining == 0 || snap.TokensRemaining == 0 {
		av.Available = false
	}
	return av
}

// load reads the snapshot for key, degrading to an empty snapshot when the
// store is unavailable or the record is absent.
func (s *Store) load(ctx context.Context, key string) Snapshot {
	snap := emptySnapshot()
	_, _ = kv.Load(ctx, s.kv, keyPrefix+key, &snap)
	return snap
}

// fraction is remaining/limit. Counters the upstream never advertised
// (remaining < 0 or limit <= 0) read as a full budget.
func fraction(remaining, limit int64) float64 {
	if remaining < 0 || limit <= 0 {
		return 1.0
	}
	return float64(remaining) / float64(limit)
}

func headerInt(h http.Header, name string) (int64, bool) {
	raw := h.Get(name)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, false
	}
	return v, true
}

func headerDuration(h http.Header, name string) (time.Duration, bool) {
	raw := h.Get(name)
	if raw == "" {
		return 0, false
	}
	d, err := core.ParseCompactDuration(raw)
	if err != nil {
		return 0, false
	}
	return d, true
}

// RetryAfterHeader extracts a retry-after hint from response headers.
// Accepts integer seconds (the HTTP standard) or compact duration strings.
func RetryAfterHeader(h http.Header) (time.Duration, bool) {
	raw := h.Get("retry-after")
	if raw == "" {
		return 0, false
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	d, err := core.ParseCompactDuration(raw)
	if err != nil {
		return 0, false
	}
	return d, true
}
