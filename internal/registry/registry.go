package registry

import (
	"modelbroker/internal/core"
)

// Entry is the catalogue record for one model id × service tier.
// Prices are USD per 1M tokens; nil means unknown, never zero-cost.
type Entry struct {
	Spec             core.ModelSpec
	Family           string
	Notes            string
	Specialized      bool
	CapabilityRank   int
	InputPrice       *float64
	OutputPrice      *float64
	CachedInputPrice *float64
	// Sum1M is InputPrice+OutputPrice when both are known, else nil.
	// The cheapest policy treats nil as +Inf.
	Sum1M *float64
}

// Registry is the immutable catalogue built once at process start.
type Registry struct {
	Entries []*Entry
	byKey   map[string]*Entry
}

// row is one line of the static pricing table.
type row struct {
	id     string
	tier   core.ServiceTier
	family string
	input  float64 // <0 means unknown
	output float64
	cached float64
	notes  string
}

// Static catalogue. Flex halves the standard price, priority doubles it,
// matching the upstream tier sheet.
var table = []row{
	{"gpt-5", core.TierStandard, "gpt-5", 1.25, 10.00, 0.125, ""},
	{"gpt-5", core.TierFlex, "gpt-5", 0.625, 5.00, 0.0625, ""},
	{"gpt-5", core.TierPriority, "gpt-5", 2.50, 20.00, 0.25, ""},
	{"gpt-5-mini", core.TierStandard, "gpt-5", 0.25, 2.00, 0.025, ""},
	{"gpt-5-mini", core.TierFlex, "gpt-5", 0.125, 1.00, 0.0125, ""},
	{"gpt-5-mini", core.TierPriority, "gpt-5", 0.45, 3.60, 0.045, ""},
	{"gpt-5-nano", core.TierStandard, "gpt-5", 0.05, 0.40, 0.005, ""},
	{"gpt-5-nano", core.TierFlex, "gpt-5", 0.025, 0.20, 0.0025, ""},
	{"gpt-5-pro", core.TierStandard, "gpt-5", 15.00, 120.00, -1, "no cached input pricing published"},
	{"gpt-4.1", core.TierStandard, "gpt-4.1", 2.00, 8.00, 0.50, ""},
	{"gpt-4.1-mini", core.TierStandard, "gpt-4.1", 0.40, 1.60, 0.10, ""},
	{"gpt-4.1-nano", core.TierStandard, "gpt-4.1", 0.10, 0.40, 0.025, ""},
	{"o3", core.TierStandard, "o3", 2.00, 8.00, 0.50, ""},
	{"o3", core.TierFlex, "o3", 1.00, 4.00, 0.25, ""},
	{"o4-mini", core.TierStandard, "o4", 1.10, 4.40, 0.275, ""},
	{"o4-mini", core.TierFlex, "o4", 0.55, 2.20, 0.1375, ""},
	{"o3-deep-research", core.TierStandard, "o3", 10.00, 40.00, 2.50, "research pipeline only"},
	{"o4-mini-deep-research", core.TierStandard, "o4", 2.00, 8.00, 0.50, "research pipeline only"},
}

// Build constructs the registry from the static table, deriving capability
// rank, specialization flags, and combined price from the oracle.
// Deterministic and side-effect-free; a nil oracle degrades to NullOracle.
func Build(oracle Oracle) *Registry {
	if oracle == nil {
		oracle = NullOracle{}
	}

	reg := &Registry{
		Entries: make([]*Entry, 0, len(table)),
		byKey:   make(map[string]*Entry, len(table)),
	}

	for _, r := range table {
		e := &Entry{
			Spec:           core.ModelSpec{ID: r.id, Tier: r.tier},
			Family:         r.family,
			Notes:          r.notes,
			CapabilityRank: oracle.Rank(r.id),
			Specialized:    oracle.IsPro(r.id) || oracle.IsDeepResearch(r.id),
		}
		e.InputPrice = price(r.input)
		e.OutputPrice = price(r.output)
		e.CachedInputPrice = price(r.cached)
		if e.InputPrice != nil && e.OutputPrice != nil {
			sum := *e.InputPrice + *e.OutputPrice
			e.Sum1M = &sum
		}

		key := e.Spec.String()
		if _, dup := reg.byKey[key]; dup {
			// Static table bug; keep the first entry rather than failing.
			continue
		}
		reg.byKey[key] = e
		reg.Entries = append(reg.Entries, e)
	}

	return reg
}

// Lookup returns the entry for a spec, if the catalogue has one.
func (r *Registry) Lookup(spec core.ModelSpec) (*Entry, bool) {
	e, ok := r.byKey[spec.String()]
	return e, ok
}

// Len returns the number of catalogue entries.
func (r *Registry) Len() int {
	return len(r.Entries)
}

func price(v float64) *float64 {
	if v < 0 {
		return nil
	}
	return &v
}
