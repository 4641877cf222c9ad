package chooser

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modelbroker/internal/bench"
	"modelbroker/internal/core"
	"modelbroker/internal/kv"
	"modelbroker/internal/perf"
	"modelbroker/internal/registry"
)

type fixture struct {
	chooser *Chooser
	bench   *bench.Store
	perf    *perf.Store
	status  *kv.MemoryStore
	probed  [][]core.ModelSpec
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		status: kv.NewMemoryStore(),
		now:    time.Unix(1_700_000_000, 0),
	}
	clock := func() time.Time { return f.now }

	f.bench = bench.NewStore(kv.NewMemoryStore())
	f.bench.SetClock(clock)
	f.perf = perf.NewStore(kv.NewMemoryStore())
	f.perf.SetClock(clock)

	f.chooser = New(registry.Build(registry.HeuristicOracle{}), f.perf, f.bench,
		f.status, func(specs []core.ModelSpec) {
			f.probed = append(f.probed, specs)
		})
	f.chooser.SetClock(clock)
	return f
}

func specs(raw ...string) []core.ModelSpec {
	out := make([]core.ModelSpec, len(raw))
	for i, r := range raw {
		out[i] = core.ParseModelSpec(r)
	}
	return out
}

func TestChooseNoModels(t *testing.T) {
	f := newFixture(t)

	dec := f.chooser.Choose(context.Background(), Request{
		Candidates: specs("not-a-model:standard", "also-missing:flex"),
		Policy:     PolicyCheapest,
	})

	assert.Equal(t, ReasonNoModels, dec.Reason)
	assert.Nil(t, dec.ChosenSpec, "NO_MODELS is a terminal decision, not an error")
	assert.Empty(t, dec.Considered)
}

func TestChooseCheapest(t *testing.T) {
	f := newFixture(t)

	dec := f.chooser.Choose(context.Background(), Request{
		Candidates: specs("gpt-5:standard", "gpt-5-nano:standard", "gpt-5-mini:standard"),
		Policy:     PolicyCheapest,
	})

	require.NotNil(t, dec.ChosenSpec)
	assert.Equal(t, "gpt-5-nano:standard", dec.ChosenKey)
	assert.Equal(t, ReasonOK, dec.Reason)
	assert.Len(t, dec.Considered, 3)
}

func TestChooseCheapestDeduplicates(t *testing.T) {
	f := newFixture(t)

	dec := f.chooser.Choose(context.Background(), Request{
		Candidates: specs("gpt-5-mini:standard", "gpt-5-mini:standard", "gpt-5:standard"),
		Policy:     PolicyCheapest,
	})

	assert.Len(t, dec.Considered, 2, "duplicates collapse, order preserved")
	assert.Equal(t, "gpt-5-mini:standard", dec.Considered[0].Spec)
}

func TestChooseCheapestEqualCostTieBreaksLexicographic(t *testing.T) {
	f := newFixture(t)

	// gpt-4.1 and o3 both price at 10.0 per 1M combined; the smaller spec
	// key wins regardless of candidate order.
	dec := f.chooser.Choose(context.Background(), Request{
		Candidates: specs("o3:standard", "gpt-4.1:standard"),
		Policy:     PolicyCheapest,
	})
	assert.Equal(t, "gpt-4.1:standard", dec.ChosenKey)

	dec = f.chooser.Choose(context.Background(), Request{
		Candidates: specs("gpt-4.1:standard", "o3:standard"),
		Policy:     PolicyCheapest,
	})
	assert.Equal(t, "gpt-4.1:standard", dec.ChosenKey)
}

func TestChooseSmartest(t *testing.T) {
	f := newFixture(t)

	dec := f.chooser.Choose(context.Background(), Request{
		Candidates: specs("gpt-5-nano:standard", "gpt-5:standard", "gpt-5-mini:standard"),
		Policy:     PolicySmartest,
	})

	assert.Equal(t, "gpt-5:standard", dec.ChosenKey)
}

func TestChooseSmartestTieBreaksCheapest(t *testing.T) {
	f := newFixture(t)

	// gpt-5 standard vs flex: same id, same rank; flex is cheaper.
	dec := f.chooser.Choose(context.Background(), Request{
		Candidates: specs("gpt-5:standard", "gpt-5:flex"),
		Policy:     PolicySmartest,
	})

	assert.Equal(t, "gpt-5:flex", dec.ChosenKey)
}

func TestChooseFastestColdStart(t *testing.T) {
	f := newFixture(t)

	dec := f.chooser.Choose(context.Background(), Request{
		Candidates: specs("gpt-5:standard", "gpt-5-mini:standard"),
	})

	assert.Equal(t, PolicyFastest, dec.Policy, "fastest is the default policy")
	assert.Equal(t, ReasonNoBench, dec.Reason)

	cheapest := f.chooser.Choose(context.Background(), Request{
		Candidates: specs("gpt-5:standard", "gpt-5-mini:standard"),
		Policy:     PolicyCheapest,
	})
	assert.Equal(t, cheapest.ChosenKey, dec.ChosenKey,
		"cold-start fastest equals the cheapest result")

	require.Len(t, f.probed, 1, "one bounded benchmark pass triggered")
	assert.Len(t, f.probed[0], 2, "both unbenched candidates probed")
}

func TestChooseFastestWithBenchmarks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.bench.Put(ctx, core.ParseModelSpec("gpt-5:standard"), 900, 3)
	f.bench.Put(ctx, core.ParseModelSpec("gpt-5-mini:standard"), 350, 3)

	dec := f.chooser.Choose(ctx, Request{
		Candidates: specs("gpt-5:standard", "gpt-5-mini:standard"),
	})

	assert.Equal(t, ReasonOK, dec.Reason)
	assert.Equal(t, "gpt-5-mini:standard", dec.ChosenKey)
	assert.Empty(t, f.probed, "no probes when all medians are fresh")
}

func TestChooseFastestMedianTieBreaksSmartest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.bench.Put(ctx, core.ParseModelSpec("gpt-5:standard"), 400, 3)
	f.bench.Put(ctx, core.ParseModelSpec("gpt-5-nano:standard"), 400, 3)

	dec := f.chooser.Choose(ctx, Request{
		Candidates: specs("gpt-5-nano:standard", "gpt-5:standard"),
	})

	assert.Equal(t, "gpt-5:standard", dec.ChosenKey, "tie goes to the higher rank")
}

func TestChooseDeterministic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := Request{
		Candidates: specs("o3:flex", "gpt-5-mini:standard", "gpt-5:standard"),
		Policy:     PolicyCheapest,
	}

	first := f.chooser.Choose(ctx, req)
	second := f.chooser.Choose(ctx, req)
	assert.Equal(t, first.ChosenKey, second.ChosenKey,
		"identical inputs and store contents must yield an identical choice")
}

func TestChoosePersistsTenantDecision(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.chooser.Choose(ctx, Request{
		Candidates: specs("gpt-5-mini:standard"),
		Policy:     PolicyCheapest,
		TenantKey:  "tab-7",
	})

	var saved Decision
	found, err := kv.Load(ctx, f.status, "tenant/tab-7/decision", &saved)
	require.NoError(t, err)
	require.True(t, found, "decision must be persisted under the tenant")
	assert.Equal(t, "gpt-5-mini:standard", saved.ChosenKey)
	require.Len(t, saved.Considered, 1)
	assert.Equal(t, "gpt-5-mini:standard", saved.Considered[0].Spec)
}
