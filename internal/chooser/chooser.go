// Package chooser applies the model selection policy over a candidate set,
// consulting the registry, performance store, and benchmark store.
package chooser

import (
	"context"
	"math"
	"time"

	"modelbroker/internal/bench"
	"modelbroker/internal/core"
	"modelbroker/internal/kv"
	"modelbroker/internal/perf"
	"modelbroker/internal/registry"
)

// Policy selects how candidates are ranked.
type Policy string

const (
	// PolicyFastest picks the lowest measured median latency.
	PolicyFastest Policy = "fastest"
	// PolicyCheapest picks the lowest combined per-1M-token price.
	PolicyCheapest Policy = "cheapest"
	// PolicySmartest picks the highest capability rank.
	PolicySmartest Policy = "smartest"
)

// Reason explains a decision.
type Reason string

const (
	// ReasonOK means the policy ran on complete data.
	ReasonOK Reason = "OK"
	// ReasonNoModels means no candidate survived registry filtering.
	ReasonNoModels Reason = "NO_MODELS"
	// ReasonNoBench means fastest fell back to cheapest for this call
	// while benchmarks are collected in the background.
	ReasonNoBench Reason = "NO_BENCH"
)

// Considered snapshots one candidate as the decision saw it, sufficient to
// reconstruct why the choice came out the way it did.
type Considered struct {
	Spec           string   `json:"spec"`
	Tier           string   `json:"tier"`
	Sum1M          *float64 `json:"sum1m,omitempty"`
	CapabilityRank int      `json:"capabilityRank"`
	MedianMs       *float64 `json:"medianMs,omitempty"`
}

// Decision is the full outcome handed to callers and persisted per tenant.
type Decision struct {
	ChosenSpec    *core.ModelSpec `json:"-"`
	ChosenKey     string          `json:"chosenModelSpec,omitempty"`
	ChosenModelID string          `json:"chosenModelId,omitempty"`
	Tier          string          `json:"serviceTier,omitempty"`
	Policy        Policy          `json:"policy"`
	Reason        Reason          `json:"reason"`
	Considered    []Considered    `json:"considered"`
	DecidedAt     int64           `json:"decidedAt"`
}

// Request asks for a choice among candidates on behalf of a tenant.
type Request struct {
	Candidates []core.ModelSpec
	Policy     Policy
	TenantKey  string
}

// TriggerFunc kicks off a background benchmark pass for the given specs.
// It must not block; the current decision does not wait for results.
type TriggerFunc func(specs []core.ModelSpec)

// Chooser applies selection policies. Construct once and share.
type Chooser struct {
	registry *registry.Registry
	perf     *perf.Store
	bench    *bench.Store
	status   kv.Store
	trigger  TriggerFunc
	now      func() time.Time
}

// New creates a chooser. status may be nil to skip per-tenant persistence;
// trigger may be nil to disable background benchmarking.
func New(reg *registry.Registry, perfStore *perf.Store, benchStore *bench.Store, status kv.Store, trigger TriggerFunc) *Chooser {
	return &Chooser{
		registry: reg,
		perf:     perfStore,
		bench:    benchStore,
		status:   status,
		trigger:  trigger,
		now:      time.Now,
	}
}

// SetClock replaces the time source. Test hook.
func (c *Chooser) SetClock(now func() time.Time) {
	c.now = now
}

type candidate struct {
	spec   core.ModelSpec
	key    string
	entry  *registry.Entry
	median *float64
}

// Choose applies the requested policy. Pure with respect to its inputs:
// identical candidates, policy, and store contents yield an identical
// chosen spec. The decision is persisted under the tenant's status record
// as a side effect; persistence failure never drops the returned decision.
func (c *Chooser) Choose(ctx context.Context, req Request) Decision {
	policy := req.Policy
	if policy == "" {
		policy = PolicyFastest
	}

	cands := c.filter(ctx, req.Candidates)

	dec := Decision{
		Policy:    policy,
		Reason:    ReasonOK,
		DecidedAt: c.now().UnixMilli(),
	}
	for _, cand := range cands {
		dec.Considered = append(dec.Considered, Considered{
			Spec:           cand.key,
			Tier:           string(cand.spec.Tier),
			Sum1M:          cand.entry.Sum1M,
			CapabilityRank: cand.entry.CapabilityRank,
			MedianMs:       cand.median,
		})
	}

	if len(cands) == 0 {
		dec.Reason = ReasonNoModels
		c.persist(ctx, req.TenantKey, dec)
		return dec
	}

	var best *candidate
	switch policy {
	case PolicyCheapest:
		best = pick(cands, betterCheapest)
	case PolicySmartest:
		best = pick(cands, betterSmartest)
	default: // fastest
		if hasMissingMedian(cands) {
			if probe := c.probeAllowed(ctx, cands); len(probe) > 0 && c.trigger != nil {
				c.trigger(probe)
			}
			// Fall back to cheapest for this decision; freshness is
			// improved for next time, not this call.
			best = pick(cands, betterCheapest)
			dec.Reason = ReasonNoBench
		} else {
			best = pick(cands, betterFastest)
		}
	}

	dec.ChosenSpec = &best.spec
	dec.ChosenKey = best.key
	dec.ChosenModelID = best.spec.ID
	dec.Tier = string(best.spec.Tier)

	c.persist(ctx, req.TenantKey, dec)
	return dec
}

// filter keeps candidates present in the registry, deduplicated, in order,
// and attaches the fresh benchmark median where one exists.
func (c *Chooser) filter(ctx context.Context, specs []core.ModelSpec) []candidate {
	seen := make(map[string]bool, len(specs))
	out := make([]candidate, 0, len(specs))
	for _, spec := range specs {
		key := spec.String()
		if seen[key] {
			continue
		}
		seen[key] = true

		entry, ok := c.registry.Lookup(spec)
		if !ok {
			continue
		}

		cand := candidate{spec: spec, key: key, entry: entry}
		if c.bench != nil {
			if rec := c.bench.Fresh(ctx, spec); rec != nil {
				m := rec.MedianMs
				cand.median = &m
			}
		}
		out = append(out, cand)
	}
	return out
}

func hasMissingMedian(cands []candidate) bool {
	for i := range cands {
		if cands[i].median == nil {
			return true
		}
	}
	return false
}

// probeAllowed returns the candidates without a fresh median that the
// performance store's bench gate allows probing now.
func (c *Chooser) probeAllowed(ctx context.Context, cands []candidate) []core.ModelSpec {
	var out []core.ModelSpec
	for i := range cands {
		if cands[i].median != nil {
			continue
		}
		if c.perf == nil || c.perf.NeedsBench(ctx, cands[i].spec) {
			out = append(out, cands[i].spec)
		}
	}
	return out
}

func (c *Chooser) persist(ctx context.Context, tenantKey string, dec Decision) {
	if c.status == nil || tenantKey == "" {
		return
	}
	kv.Save(ctx, c.status, "tenant/"+tenantKey+"/decision", dec)
}

// pick returns the best candidate under the comparator. Comparators are
// strict total orders over the candidate set, so the result is
// deterministic for any input order.
func pick(cands []candidate, better func(a, b *candidate) bool) *candidate {
	best := &cands[0]
	for i := 1; i < len(cands); i++ {
		if better(&cands[i], best) {
			best = &cands[i]
		}
	}
	return best
}

func cost(c *candidate) float64 {
	if c.entry.Sum1M == nil {
		// Unknown cost is never treated as cheap.
		return math.Inf(1)
	}
	return *c.entry.Sum1M
}

// betterCheapest: lower combined price wins; ties break to the
// lexicographically smaller spec for full determinism.
func betterCheapest(a, b *candidate) bool {
	ca, cb := cost(a), cost(b)
	if ca != cb {
		return ca < cb
	}
	return a.key < b.key
}

// betterSmartest: higher capability rank wins; ties break cheapest.
func betterSmartest(a, b *candidate) bool {
	if a.entry.CapabilityRank != b.entry.CapabilityRank {
		return a.entry.CapabilityRank > b.entry.CapabilityRank
	}
	return betterCheapest(a, b)
}

// betterFastest: lower measured median wins; ties break smartest, then
// cheapest. Only called when every candidate has a median.
func betterFastest(a, b *candidate) bool {
	if *a.median != *b.median {
		return *a.median < *b.median
	}
	return betterSmartest(a, b)
}
