package storage

import (
	"errors"
	"strings"

	"github.com/lib/pq"
)

var (
	// ErrProviderNotFound is returned when a catalog entry is not found
	ErrProviderNotFound = errors.New("provider not found")

	// ErrProviderKeyNotFound is returned when a provider key is not found
	ErrProviderKeyNotFound = errors.New("provider key not found")

	// ErrAliasNotFound is returned when a model alias is not found
	ErrAliasNotFound = errors.New("model alias not found")

	// ErrDuplicate is returned when a unique constraint rejects an insert
	ErrDuplicate = errors.New("duplicate record")

	// ErrBudgetExceeded is returned when a conditional counter update matched no row
	ErrBudgetExceeded = errors.New("budget exceeded")

	// ErrKeyInactive is returned when a reservation targets a key that is not active
	ErrKeyInactive = errors.New("provider key is not active")
)

// isUniqueViolation recognises unique-constraint failures from both drivers.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
