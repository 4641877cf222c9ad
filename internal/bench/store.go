// Package bench caches explicit benchmark results (median probe latency) per
// model spec, TTL-bounded, with a small in-memory layer over the durable store.
package bench

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"modelbroker/internal/core"
	"modelbroker/internal/kv"
)

const (
	// RecordTTL bounds benchmark freshness; stale entries read as absent
	// but are not eagerly purged from the durable store.
	RecordTTL = 12 * time.Hour

	// cacheSize bounds the in-memory layer; the catalogue is small.
	cacheSize = 128
)

const keyPrefix = "bench/"

// Record is the durable benchmark result per model spec.
type Record struct {
	MedianMs  float64 `json:"medianMs"`
	Runs      int     `json:"runs"`
	UpdatedAt int64   `json:"updatedAt"`
}

// Store layers an expiring in-memory cache over the durable kv store so the
// chooser's hot path rarely touches the backend.
type Store struct {
	kv    kv.Store
	cache *expirable.LRU[string, Record]
	now   func() time.Time
	ttl   time.Duration
}

// NewStore creates a benchmark store with the package defaults.
func NewStore(store kv.Store) *Store {
	return &Store{
		kv:    store,
		cache: expirable.NewLRU[string, Record](cacheSize, nil, RecordTTL),
		now:   time.Now,
		ttl:   RecordTTL,
	}
}

// SetClock replaces the time source. Test hook.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// SetTTL overrides the freshness bound. Test hook.
func (s *Store) SetTTL(ttl time.Duration) {
	s.ttl = ttl
}

// Put records a benchmark result for spec.
func (s *Store) Put(ctx context.Context, spec core.ModelSpec, medianMs float64, runs int) kv.WriteResult {
	rec := Record{MedianMs: medianMs, Runs: runs, UpdatedAt: s.now().UnixMilli()}
	s.cache.Add(spec.String(), rec)
	return kv.Save(ctx, s.kv, keyPrefix+spec.String(), rec)
}

// Fresh returns the benchmark record for spec if it is within the TTL,
// else nil. Stale records stay in the durable store.
func (s *Store) Fresh(ctx context.Context, spec core.ModelSpec) *Record {
	if rec, ok := s.cache.Get(spec.String()); ok && !s.stale(rec) {
		return &rec
	}

	var rec Record
	found, _ := kv.Load(ctx, s.kv, keyPrefix+spec.String(), &rec)
	if !found || s.stale(rec) {
		return nil
	}
	s.cache.Add(spec.String(), rec)
	return &rec
}

func (s *Store) stale(rec Record) bool {
	return s.now().UnixMilli()-rec.UpdatedAt > s.ttl.Milliseconds()
}
