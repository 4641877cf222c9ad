// Package core provides shared types for the model broker: model spec
// identifiers, the closed error taxonomy, and compact duration parsing.
package core

import "strings"

// ServiceTier identifies the pricing/latency tier a model is called under.
type ServiceTier string

const (
	// TierFlex is the discounted, slower tier.
	TierFlex ServiceTier = "flex"
	// TierStandard is the default tier.
	TierStandard ServiceTier = "standard"
	// TierPriority is the low-latency, premium tier.
	TierPriority ServiceTier = "priority"
)

// ModelSpec identifies a callable model variant as "<modelId>:<tier>".
// Equality is value equality; String() reassembles the canonical key.
type ModelSpec struct {
	ID   string
	Tier ServiceTier
}

// String returns the canonical "<modelId>:<tier>" key.
func (s ModelSpec) String() string {
	return s.ID + ":" + string(s.Tier)
}

// ParseModelSpec normalizes a model spec string.
//
// Accepted forms:
//   - id only: "gpt-5-mini" (tier defaults to standard)
//   - id with tier: "gpt-5-mini:flex"
//
// An unknown or malformed tier normalizes to standard rather than failing;
// callers that pass garbage get a spec that simply won't match the registry.
func ParseModelSpec(raw string) ModelSpec {
	raw = strings.TrimSpace(raw)

	id := raw
	tier := TierStandard
	if i := strings.LastIndex(raw, ":"); i >= 0 {
		id = strings.TrimSpace(raw[:i])
		switch ServiceTier(strings.TrimSpace(strings.ToLower(raw[i+1:]))) {
		case TierFlex:
			tier = TierFlex
		case TierPriority:
			tier = TierPriority
		default:
			tier = TierStandard
		}
	}

	return ModelSpec{ID: id, Tier: tier}
}
