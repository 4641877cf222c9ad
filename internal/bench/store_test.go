package bench

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modelbroker/internal/core"
	"modelbroker/internal/kv"
	"modelbroker/internal/perf"
)

var testSpec = core.ModelSpec{ID: "gpt-5-mini", Tier: core.TierStandard}

func TestFreshRoundTrip(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	s := NewStore(kv.NewMemoryStore())
	s.SetClock(func() time.Time { return now })

	assert.Nil(t, s.Fresh(ctx, testSpec), "no record yet")

	res := s.Put(ctx, testSpec, 420.5, 3)
	require.Equal(t, kv.Persisted, res.Status)

	rec := s.Fresh(ctx, testSpec)
	require.NotNil(t, rec)
	assert.Equal(t, 420.5, rec.MedianMs)
	assert.Equal(t, 3, rec.Runs)
}

func TestFreshTTL(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	backing := kv.NewMemoryStore()
	s := NewStore(backing)
	s.SetClock(func() time.Time { return now })
	s.SetTTL(time.Minute)

	s.Put(ctx, testSpec, 100, 1)
	now = now.Add(2 * time.Minute)

	assert.Nil(t, s.Fresh(ctx, testSpec), "stale record reads as absent")

	// Not eagerly purged: the durable record is still there.
	raw, err := backing.Get(ctx, "bench/"+testSpec.String())
	require.NoError(t, err)
	assert.NotNil(t, raw)
}

func TestFreshSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	backing := kv.NewMemoryStore()

	s := NewStore(backing)
	s.SetClock(func() time.Time { return now })
	s.Put(ctx, testSpec, 250, 3)

	// A new store over the same backend simulates a process restart: the
	// in-memory layer is gone, the durable record is not.
	s2 := NewStore(backing)
	s2.SetClock(func() time.Time { return now })
	rec := s2.Fresh(ctx, testSpec)
	require.NotNil(t, rec)
	assert.Equal(t, 250.0, rec.MedianMs)
}

func TestProberRecordsMedian(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	store := NewStore(kv.NewMemoryStore())
	store.SetClock(func() time.Time { return now })
	perfStore := perf.NewStore(kv.NewMemoryStore())
	perfStore.SetClock(func() time.Time { return now })

	latencies := []time.Duration{300 * time.Millisecond, 100 * time.Millisecond, 200 * time.Millisecond}
	i := 0
	p := NewProber(store, perfStore, func(context.Context, core.ModelSpec) (time.Duration, error) {
		d := latencies[i%len(latencies)]
		i++
		return d, nil
	})

	p.Run(ctx, []core.ModelSpec{testSpec})

	rec := store.Fresh(ctx, testSpec)
	require.NotNil(t, rec)
	assert.Equal(t, 200.0, rec.MedianMs, "median of 100/200/300ms")
	assert.Equal(t, 3, rec.Runs)
}

func TestProberBounds(t *testing.T) {
	ctx := context.Background()
	store := NewStore(kv.NewMemoryStore())

	var calls int
	p := NewProber(store, nil, func(context.Context, core.ModelSpec) (time.Duration, error) {
		calls++
		return 50 * time.Millisecond, nil
	})
	p.MaxSpecs = 2
	p.RunsPerSpec = 2

	specs := []core.ModelSpec{
		{ID: "a", Tier: core.TierStandard},
		{ID: "b", Tier: core.TierStandard},
		{ID: "c", Tier: core.TierStandard},
		{ID: "d", Tier: core.TierStandard},
	}
	p.Run(ctx, specs)

	assert.Equal(t, 4, calls, "2 specs x 2 runs; the pass is bounded")
	assert.Nil(t, store.Fresh(ctx, specs[2]), "specs beyond the bound untouched")
}

func TestProberSkipsFailedRuns(t *testing.T) {
	ctx := context.Background()
	store := NewStore(kv.NewMemoryStore())

	fail := errors.New("probe failed")
	var calls int
	p := NewProber(store, nil, func(context.Context, core.ModelSpec) (time.Duration, error) {
		calls++
		if calls == 1 {
			return 0, fail
		}
		return 80 * time.Millisecond, nil
	})

	p.Run(ctx, []core.ModelSpec{testSpec})

	rec := store.Fresh(ctx, testSpec)
	require.NotNil(t, rec)
	assert.Equal(t, 2, rec.Runs, "failed run dropped from the median")
}
