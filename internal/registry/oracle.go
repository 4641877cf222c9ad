// Package registry provides the static catalogue of callable model variants
// and the derived metadata the chooser ranks them by.
package registry

import "strings"

// Oracle ranks model capability and classifies model families.
// The registry works with any implementation; a missing oracle is replaced
// by NullOracle so registry construction can never fail.
type Oracle interface {
	// Rank returns the capability rank for a model id. Higher is smarter.
	Rank(modelID string) int
	IsPro(modelID string) bool
	IsMini(modelID string) bool
	IsNano(modelID string) bool
	IsDeepResearch(modelID string) bool
}

// NullOracle ranks everything at zero and classifies nothing.
type NullOracle struct{}

func (NullOracle) Rank(string) int            { return 0 }
func (NullOracle) IsPro(string) bool          { return false }
func (NullOracle) IsMini(string) bool         { return false }
func (NullOracle) IsNano(string) bool         { return false }
func (NullOracle) IsDeepResearch(string) bool { return false }

// HeuristicOracle classifies by id substrings, which is how the upstream
// vendor names its size variants.
type HeuristicOracle struct{}

func (HeuristicOracle) IsPro(modelID string) bool {
	return strings.Contains(modelID, "-pro")
}

func (HeuristicOracle) IsMini(modelID string) bool {
	return strings.Contains(modelID, "-mini")
}

func (HeuristicOracle) IsNano(modelID string) bool {
	return strings.Contains(modelID, "-nano")
}

func (HeuristicOracle) IsDeepResearch(modelID string) bool {
	return strings.Contains(modelID, "deep-research")
}

// Rank orders size variants within a family: pro above the default variant,
// mini above nano. Deep-research models rank with pro but are specialized
// and excluded from general selection by the chooser's callers.
func (o HeuristicOracle) Rank(modelID string) int {
	switch {
	case o.IsDeepResearch(modelID):
		return 40
	case o.IsPro(modelID):
		return 40
	case o.IsNano(modelID):
		return 10
	case o.IsMini(modelID):
		return 20
	default:
		return 30
	}
}
