package engine

import (
	"errors"
	"fmt"

	"github.com/straja-ai/phiwatch/internal/alerts"
)

var (
	// ErrPersistence marks a store write that failed. Callers treat it as degraded success.
	ErrPersistence = errors.New("persistence failed")
	// ErrNotFound is returned by stores for unknown IDs.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyResolved is returned when resolving a RESOLVED alert.
	ErrAlreadyResolved = alerts.ErrAlreadyResolved
)

// ValidationError describes a malformed request. It is raised before any scoring.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid request: " + e.Reason
	}
	return fmt.Sprintf("invalid request: %s %s", e.Field, e.Reason)
}

func persistenceError(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrPersistence, op, err)
}
