package aliases

import (
	"sort"

	"ai_routing/internal/models"
)

// Candidate is one (provider, model) a dispatch may try. Rank 0 is the
// primary; fallbacks follow from 1.
type Candidate struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Rank     int    `json:"rank"`
}

// Resolve orders an alias into candidates: the primary first, then the
// fallback chain by ascending priority with ties kept in list order. The
// routing preference never affects the order.
func Resolve(alias *models.ModelAlias) []Candidate {
	chain := make([]models.FallbackEntry, len(alias.FallbackChain))
	copy(chain, alias.FallbackChain)
	sort.SliceStable(chain, func(i, j int) bool {
		return chain[i].Priority < chain[j].Priority
	})

	candidates := make([]Candidate, 0, len(chain)+1)
	candidates = append(candidates, Candidate{Provider: alias.PrimaryProvider, Model: alias.PrimaryModel, Rank: 0})
	for i, e := range chain {
		candidates = append(candidates, Candidate{Provider: e.Provider, Model: e.Model, Rank: i + 1})
	}
	return candidates
}
