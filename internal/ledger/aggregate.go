package ledger

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"ai_routing/internal/models"
)

// Summary totals every attempt in the window
type Summary struct {
	TotalCalls      int     `json:"total_calls"`
	SuccessfulCalls int     `json:"successful_calls"`
	FailedCalls     int     `json:"failed_calls"`
	TotalTokens     int64   `json:"total_tokens"`
	TotalCostUSD    float64 `json:"total_cost_usd"`
	AvgLatencyMs    float64 `json:"avg_latency_ms"`
	Dispatches      int     `json:"dispatches"`
}

// Group aggregates the attempts sharing a provider or alias
type Group struct {
	Name         string  `json:"name"`
	Calls        int     `json:"calls"`
	Errors       int     `json:"errors"`
	Tokens       int64   `json:"tokens"`
	CostUSD      float64 `json:"cost_usd"`
	SuccessRate  float64 `json:"success_rate"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`

	latencySum int64
}

// AliasGroup adds dispatch-level figures to an alias group. FallbackRate
// is the share of successful dispatches won by a fallback.
type AliasGroup struct {
	Group
	Dispatches           int     `json:"dispatches"`
	SuccessfulDispatches int     `json:"successful_dispatches"`
	FallbackRate         float64 `json:"fallback_rate"`
	BudgetSkips          int     `json:"budget_skips"`
}

// Insights are derived headline figures. Budget skips are reported apart
// from provider errors.
type Insights struct {
	MostUsedProvider      string         `json:"most_used_provider,omitempty"`
	MostUsedAlias         string         `json:"most_used_alias,omitempty"`
	ErrorRate             float64        `json:"error_rate"`
	AvgCostPerCall        float64        `json:"avg_cost_per_call"`
	AvgTokensPerCall      float64        `json:"avg_tokens_per_call"`
	BudgetSkips           int            `json:"budget_skips"`
	BudgetFallbacks       int            `json:"budget_fallbacks"`
	BudgetSkipsByProvider map[string]int `json:"budget_skips_by_provider"`
	ErrorsByKind          map[string]int `json:"errors_by_kind"`
}

// Metrics is the usage report for one window
type Metrics struct {
	Timeframe    Timeframe             `json:"timeframe"`
	From         time.Time             `json:"from"`
	To           time.Time             `json:"to"`
	Summary      Summary               `json:"summary"`
	ByProvider   []*Group              `json:"by_provider"`
	ByAlias      []*AliasGroup         `json:"by_alias"`
	RecentErrors []*models.UsageRecord `json:"recent_errors"`
	Insights     Insights              `json:"insights"`
}

// Aggregate builds the report from a window's attempts and budget skips.
// Record order does not matter.
func Aggregate(records []*models.UsageRecord, skips []*models.BudgetSkip, recentErrors int) *Metrics {
	m := &Metrics{
		ByProvider:   []*Group{},
		ByAlias:      []*AliasGroup{},
		RecentErrors: []*models.UsageRecord{},
		Insights: Insights{
			BudgetSkipsByProvider: map[string]int{},
			ErrorsByKind:          map[string]int{},
		},
	}

	providers := map[string]*Group{}
	aliases := map[string]*AliasGroup{}
	aliasDispatches := map[string]map[uuid.UUID]int{} // alias -> dispatch -> winning depth, -1 if none
	dispatches := map[uuid.UUID]bool{}
	succeeded := map[uuid.UUID]bool{}
	var latencySum int64
	var failed []*models.UsageRecord

	for _, r := range records {
		m.Summary.TotalCalls++
		m.Summary.TotalTokens += r.Tokens
		m.Summary.TotalCostUSD += r.CostUSD
		latencySum += r.LatencyMs
		dispatches[r.DispatchID] = true
		if r.Success {
			m.Summary.SuccessfulCalls++
			succeeded[r.DispatchID] = true
		} else {
			m.Summary.FailedCalls++
			failed = append(failed, r)
			kind := "unknown"
			if r.ErrorKind != nil {
				kind = *r.ErrorKind
			}
			m.Insights.ErrorsByKind[kind]++
		}

		g, ok := providers[r.ProviderName]
		if !ok {
			g = &Group{Name: r.ProviderName}
			providers[r.ProviderName] = g
		}
		g.add(r)

		if r.AliasName == nil {
			continue
		}
		name := *r.AliasName
		ag, ok := aliases[name]
		if !ok {
			ag = &AliasGroup{Group: Group{Name: name}}
			aliases[name] = ag
			aliasDispatches[name] = map[uuid.UUID]int{}
		}
		ag.add(r)
		depth, seen := aliasDispatches[name][r.DispatchID]
		if !seen {
			depth = -1
		}
		if r.Success {
			depth = r.FallbackDepth
		}
		aliasDispatches[name][r.DispatchID] = depth
	}

	skipped := map[uuid.UUID]bool{}
	for _, s := range skips {
		m.Insights.BudgetSkips++
		m.Insights.BudgetSkipsByProvider[s.ProviderName]++
		skipped[s.DispatchID] = true
		if s.AliasName == nil {
			continue
		}
		ag, ok := aliases[*s.AliasName]
		if !ok {
			ag = &AliasGroup{Group: Group{Name: *s.AliasName}}
			aliases[*s.AliasName] = ag
			aliasDispatches[*s.AliasName] = map[uuid.UUID]int{}
		}
		ag.BudgetSkips++
	}
	for id := range skipped {
		if succeeded[id] {
			m.Insights.BudgetFallbacks++
		}
	}

	m.Summary.Dispatches = len(dispatches)
	if m.Summary.TotalCalls > 0 {
		calls := float64(m.Summary.TotalCalls)
		m.Summary.AvgLatencyMs = float64(latencySum) / calls
		m.Insights.ErrorRate = float64(m.Summary.FailedCalls) / calls * 100
		m.Insights.AvgCostPerCall = m.Summary.TotalCostUSD / calls
		m.Insights.AvgTokensPerCall = float64(m.Summary.TotalTokens) / calls
	}

	for _, g := range providers {
		g.finish()
		m.ByProvider = append(m.ByProvider, g)
	}
	sortGroups(m.ByProvider, func(g *Group) *Group { return g })

	for name, ag := range aliases {
		ag.finish()
		for _, depth := range aliasDispatches[name] {
			ag.Dispatches++
			if depth < 0 {
				continue
			}
			ag.SuccessfulDispatches++
			if depth > 0 {
				ag.FallbackRate++
			}
		}
		if ag.SuccessfulDispatches > 0 {
			ag.FallbackRate /= float64(ag.SuccessfulDispatches)
		}
		m.ByAlias = append(m.ByAlias, ag)
	}
	sortGroups(m.ByAlias, func(g *AliasGroup) *Group { return &g.Group })

	if len(m.ByProvider) > 0 {
		m.Insights.MostUsedProvider = m.ByProvider[0].Name
	}
	for _, ag := range m.ByAlias {
		if ag.Calls > 0 {
			m.Insights.MostUsedAlias = ag.Name
			break
		}
	}

	sort.SliceStable(failed, func(i, j int) bool {
		return failed[i].CreatedAt.After(failed[j].CreatedAt)
	})
	if recentErrors >= 0 && len(failed) > recentErrors {
		failed = failed[:recentErrors]
	}
	m.RecentErrors = append(m.RecentErrors, failed...)
	return m
}

func (g *Group) add(r *models.UsageRecord) {
	g.Calls++
	g.Tokens += r.Tokens
	g.CostUSD += r.CostUSD
	g.latencySum += r.LatencyMs
	if !r.Success {
		g.Errors++
	}
}

func (g *Group) finish() {
	if g.Calls == 0 {
		return
	}
	g.SuccessRate = float64(g.Calls-g.Errors) / float64(g.Calls) * 100
	g.AvgLatencyMs = float64(g.latencySum) / float64(g.Calls)
}

// sortGroups orders by call count, then name
func sortGroups[T any](groups []T, group func(T) *Group) {
	sort.Slice(groups, func(i, j int) bool {
		a, b := group(groups[i]), group(groups[j])
		if a.Calls != b.Calls {
			return a.Calls > b.Calls
		}
		return a.Name < b.Name
	})
}
