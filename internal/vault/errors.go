package vault

import (
	"errors"
	"fmt"

	"ai_routing/internal/billing"
)

var (
	// ErrKeyNotFound is returned when a key does not exist
	ErrKeyNotFound = errors.New("provider key not found")

	// ErrForbidden is returned when a key exists but belongs to another
	// tenant or workspace
	ErrForbidden = errors.New("provider key belongs to another workspace")

	// ErrBudgetExceeded is returned by Reserve when a monthly limit would be crossed
	ErrBudgetExceeded = billing.ErrBudgetExceeded

	// ErrKeyInactive is returned by Reserve when the key stopped being
	// active after it was selected
	ErrKeyInactive = billing.ErrKeyInactive
)

// ValidationError is a rejected addKey input
type ValidationError struct {
	Field    string
	Provider string
	Reason   string
}

func (e *ValidationError) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("%s: %s (provider %s)", e.Field, e.Reason, e.Provider)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// LivenessError reports a failed upstream credential check. The key is
// stored regardless, with status invalid.
type LivenessError struct {
	Provider string
	Err      error
}

func (e *LivenessError) Error() string {
	return fmt.Sprintf("liveness check against %s failed: %v", e.Provider, e.Err)
}

func (e *LivenessError) Unwrap() error {
	return e.Err
}
