package dispatch

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrAliasNotFound is returned when the alias is missing or inactive
	ErrAliasNotFound = errors.New("alias not found")

	// ErrBudgetExhausted is returned when no upstream call was made and at
	// least one candidate was passed over for lack of budget
	ErrBudgetExhausted = errors.New("budget exhausted for every candidate")

	// ErrAllProvidersExhausted is returned when every candidate failed or
	// was unusable
	ErrAllProvidersExhausted = errors.New("all providers exhausted")
)

// Attempt outcomes that did not reach an upstream call
const (
	OutcomeNoKey       = "no_key"
	OutcomeKeyInactive = "key_inactive"
	OutcomeUnavailable = "provider_unavailable"
	OutcomeAggregator  = "aggregator_not_allowed"
	OutcomeBudgetSkip  = "budget_skip"
)

// Attempt is what happened to one candidate
type Attempt struct {
	Provider  string  `json:"provider"`
	Model     string  `json:"model"`
	Rank      int     `json:"rank"`
	Outcome   string  `json:"outcome"`
	ErrorKind string  `json:"error_kind,omitempty"`
	Error     string  `json:"error,omitempty"`
	LatencyMs int64   `json:"latency_ms,omitempty"`
	CostUSD   float64 `json:"cost_usd,omitempty"`
}

// ExhaustedError ends a dispatch that produced no result. It lists every
// candidate and why it was skipped or failed, and matches ErrBudgetExhausted
// or ErrAllProvidersExhausted with errors.Is.
type ExhaustedError struct {
	Kind       error
	DispatchID uuid.UUID
	Attempts   []Attempt
}

func (e *ExhaustedError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		reason := a.Outcome
		if a.Error != "" {
			reason += ": " + a.Error
		}
		parts = append(parts, fmt.Sprintf("#%d %s/%s %s", a.Rank, a.Provider, a.Model, reason))
	}
	return fmt.Sprintf("%v [%s]", e.Kind, strings.Join(parts, "; "))
}

func (e *ExhaustedError) Unwrap() error {
	return e.Kind
}
