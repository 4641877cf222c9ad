// Package perf maintains durable throughput and latency estimates per model
// spec, blended from real traffic and occasional calibration probes.
package perf

import (
	"context"
	"math"
	"time"

	"modelbroker/internal/core"
	"modelbroker/internal/kv"
)

const (
	// alphaBench weights calibration samples: few, deliberate, trusted.
	alphaBench = 0.35
	// alphaTraffic weights real-traffic samples: noisy but plentiful, so
	// the estimate moves slower and trusts volume over single points.
	alphaTraffic = 0.18

	// RecordTTL bounds how long an estimate is served without fresh data.
	RecordTTL = 6 * time.Hour
	// MinTrafficInterval throttles bursty traffic so it can neither
	// dominate the estimate nor hammer the durable store.
	MinTrafficInterval = 15 * time.Second
	// MinBenchInterval prevents benchmark storms against one spec.
	MinBenchInterval = 10 * time.Minute
)

const keyPrefix = "perf/"

// SampleKind tags where an observation came from.
type SampleKind string

const (
	// KindBench marks a calibration probe.
	KindBench SampleKind = "bench"
	// KindTraffic marks a real request.
	KindTraffic SampleKind = "traffic"
)

// Sample is one observed call outcome.
type Sample struct {
	TPS          float64
	Latency      time.Duration
	Kind         SampleKind
	OutputTokens int
	TotalTokens  int
}

// Record is the durable per-spec performance record.
// EwmaTPS/EwmaLatencyMs are nil or strictly positive finite values.
type Record struct {
	EwmaTPS          *float64 `json:"ewmaTps,omitempty"`
	EwmaLatencyMs    *float64 `json:"ewmaLatencyMs,omitempty"`
	Samples          int      `json:"samples"`
	LastKind         string   `json:"lastKind,omitempty"`
	LastOutputTokens int      `json:"lastOutputTokens,omitempty"`
	LastTotalTokens  int      `json:"lastTotalTokens,omitempty"`
	UpdatedAt        int64    `json:"updatedAt"`
	LastWriteAt      int64    `json:"lastWriteAt"`
	LastBenchAt      int64    `json:"lastBenchAt,omitempty"`
}

// Estimate is the usable read-side view of a fresh record.
type Estimate struct {
	TPS       *float64
	LatencyMs *float64
	Samples   int
}

// Store reads and writes performance records through the durable kv store.
type Store struct {
	kv  kv.Store
	now func() time.Time

	ttl             time.Duration
	trafficInterval time.Duration
	benchInterval   time.Duration
}

// NewStore creates a performance store with the package defaults.
func NewStore(store kv.Store) *Store {
	return &Store{
		kv:              store,
		now:             time.Now,
		ttl:             RecordTTL,
		trafficInterval: MinTrafficInterval,
		benchInterval:   MinBenchInterval,
	}
}

// SetClock replaces the time source. Test hook.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// SetIntervals overrides the TTL and throttle intervals. Test hook.
func (s *Store) SetIntervals(ttl, traffic, bench time.Duration) {
	s.ttl = ttl
	s.trafficInterval = traffic
	s.benchInterval = bench
}

// RecordSample blends one observation into the spec's record.
// Returns false when the sample was rejected: traffic within the write
// throttle window, or no usable observation at all.
func (s *Store) RecordSample(ctx context.Context, spec core.ModelSpec, sample Sample) (bool, kv.WriteResult) {
	tpsOK := usable(sample.TPS)
	latMs := float64(sample.Latency) / float64(time.Millisecond)
	latOK := usable(latMs)
	if !tpsOK && !latOK {
		return false, kv.WriteResult{Status: kv.Persisted}
	}

	now := s.now()
	var rec Record
	found, _ := kv.Load(ctx, s.kv, keyPrefix+spec.String(), &rec)

	if sample.Kind == KindTraffic && found &&
		now.UnixMilli()-rec.LastWriteAt < s.trafficInterval.Milliseconds() {
		return false, kv.WriteResult{Status: kv.Persisted}
	}

	alpha := alphaTraffic
	if sample.Kind == KindBench {
		alpha = alphaBench
	}

	if tpsOK {
		rec.EwmaTPS = blend(rec.EwmaTPS, sample.TPS, alpha)
	}
	if latOK {
		rec.EwmaLatencyMs = blend(rec.EwmaLatencyMs, latMs, alpha)
	}

	rec.Samples++
	rec.LastKind = string(sample.Kind)
	rec.LastOutputTokens = sample.OutputTokens
	rec.LastTotalTokens = sample.TotalTokens
	rec.UpdatedAt = now.UnixMilli()
	rec.LastWriteAt = now.UnixMilli()
	if sample.Kind == KindBench {
		rec.LastBenchAt = now.UnixMilli()
	}

	return true, kv.Save(ctx, s.kv, keyPrefix+spec.String(), &rec)
}

// Estimate returns the current estimate for spec, or nil when no record
// exists or the record is TTL-stale. Stale records are not deleted.
func (s *Store) Estimate(ctx context.Context, spec core.ModelSpec) *Estimate {
	var rec Record
	found, _ := kv.Load(ctx, s.kv, keyPrefix+spec.String(), &rec)
	if !found || s.stale(rec) {
		return nil
	}
	return &Estimate{TPS: rec.EwmaTPS, LatencyMs: rec.EwmaLatencyMs, Samples: rec.Samples}
}

// NeedsBench reports whether a calibration probe is warranted for spec:
// the record is missing, stale, or has no usable throughput, and the
// minimum inter-benchmark interval has elapsed. This predicate is the sole
// gate on issuing new probes.
func (s *Store) NeedsBench(ctx context.Context, spec core.ModelSpec) bool {
	var rec Record
	found, _ := kv.Load(ctx, s.kv, keyPrefix+spec.String(), &rec)

	missingData := !found || s.stale(rec) || rec.EwmaTPS == nil
	if !missingData {
		return false
	}
	if found && rec.LastBenchAt > 0 &&
		s.now().UnixMilli()-rec.LastBenchAt < s.benchInterval.Milliseconds() {
		return false
	}
	return true
}

func (s *Store) stale(rec Record) bool {
	return s.now().UnixMilli()-rec.UpdatedAt > s.ttl.Milliseconds()
}

// usable rejects non-positive and non-finite observations outright.
func usable(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}

// blend applies the EWMA update; the first observation seeds directly.
func blend(prev *float64, observed, alpha float64) *float64 {
	if prev == nil {
		return &observed
	}
	next := *prev*(1-alpha) + observed*alpha
	return &next
}
