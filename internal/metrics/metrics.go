package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Dispatch outcomes
const (
	OutcomeSuccess     = "success"
	OutcomeError       = "error"
	OutcomeBudgetSkip  = "budget_skip"
	OutcomeNoKey       = "no_key"
	OutcomeRateLimited = "rate_limited"
)

// Recorder receives routing signals
type Recorder interface {
	// DispatchAttempt counts one candidate the dispatcher considered
	DispatchAttempt(provider, outcome string, latency time.Duration)
	// BudgetSkip counts a candidate skipped because its key had no budget left
	BudgetSkip(provider string)
	// DispatchResult counts a finished dispatch by terminal result
	DispatchResult(result string, fallbackDepth int)
	// LedgerRecord counts a usage record written, or dropped when ok is false
	LedgerRecord(ok bool)
}

// Noop discards everything
type Noop struct{}

func (Noop) DispatchAttempt(string, string, time.Duration) {}
func (Noop) BudgetSkip(string)                             {}
func (Noop) DispatchResult(string, int)                    {}
func (Noop) LedgerRecord(bool)                             {}

// Prometheus implements Recorder on client_golang collectors
type Prometheus struct {
	attempts      *prometheus.CounterVec
	latency       *prometheus.HistogramVec
	budgetSkips   *prometheus.CounterVec
	results       *prometheus.CounterVec
	fallbackDepth prometheus.Histogram
	ledger        *prometheus.CounterVec
}

// NewPrometheus creates the collectors and registers them with registerer,
// or with the default registerer when nil
func NewPrometheus(registerer prometheus.Registerer) (*Prometheus, error) {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	p := &Prometheus{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ai_routing",
			Name:      "dispatch_attempts_total",
			Help:      "Candidates considered by the dispatcher, by provider and outcome.",
		}, []string{"provider", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ai_routing",
			Name:      "dispatch_latency_seconds",
			Help:      "Upstream call latency per provider.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30},
		}, []string{"provider"}),
		budgetSkips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ai_routing",
			Name:      "budget_skips_total",
			Help:      "Candidates skipped because the key's monthly limits were reached.",
		}, []string{"provider"}),
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ai_routing",
			Name:      "dispatch_results_total",
			Help:      "Finished dispatches by result.",
		}, []string{"result"}),
		fallbackDepth: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ai_routing",
			Name:      "dispatch_fallback_depth",
			Help:      "Rank of the candidate that answered a successful dispatch.",
			Buckets:   []float64{0, 1, 2, 3, 4, 6, 8},
		}),
		ledger: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ai_routing",
			Name:      "ledger_records_total",
			Help:      "Usage records written to the ledger, by status.",
		}, []string{"status"}),
	}

	for _, c := range []prometheus.Collector{p.attempts, p.latency, p.budgetSkips, p.results, p.fallbackDepth, p.ledger} {
		if err := registerer.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Prometheus) DispatchAttempt(provider, outcome string, latency time.Duration) {
	p.attempts.WithLabelValues(provider, outcome).Inc()
	if latency > 0 {
		p.latency.WithLabelValues(provider).Observe(latency.Seconds())
	}
}

func (p *Prometheus) BudgetSkip(provider string) {
	p.budgetSkips.WithLabelValues(provider).Inc()
}

func (p *Prometheus) DispatchResult(result string, fallbackDepth int) {
	p.results.WithLabelValues(result).Inc()
	if result == OutcomeSuccess {
		p.fallbackDepth.Observe(float64(fallbackDepth))
	}
}

func (p *Prometheus) LedgerRecord(ok bool) {
	status := "written"
	if !ok {
		status = "dropped"
	}
	p.ledger.WithLabelValues(status).Inc()
}
