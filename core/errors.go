package core

import (
	"errors"
	"fmt"
)

// Standard sentinel errors for comparison using errors.Is().
// These are generic errors that can be wrapped with additional context.
var (
	// Registration errors
	ErrValidation    = errors.New("validation failed")
	ErrAgentNotFound = errors.New("agent not found")

	// Geo-distribution errors
	ErrRegionNotFound    = errors.New("region not found")
	ErrRegionUnavailable = errors.New("region unavailable")

	// Persistence errors
	ErrPersistence      = errors.New("persistence failure")
	ErrSnapshotNotFound = errors.New("snapshot not found")

	// Lifecycle errors
	ErrShuttingDown   = errors.New("engine shutting down")
	ErrNotInitialized = errors.New("not initialized")

	// Operation errors
	ErrTimeout = errors.New("operation timeout")
)

// EngineError provides structured error information with context.
// It implements the error interface and supports error wrapping.
type EngineError struct {
	Op      string // Operation that failed (e.g., "registry.Register")
	Kind    string // Error kind (e.g., "validation", "region", "persistence")
	ID      string // Optional ID of the entity involved
	Message string // Human-readable message
	Err     error  // Underlying error for wrapping
}

// Error returns the string representation of the error.
func (e *EngineError) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.ID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

// Unwrap returns the underlying error for use with errors.Is/As.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// NewEngineError creates a new EngineError.
func NewEngineError(op, kind string, err error) *EngineError {
	return &EngineError{
		Op:   op,
		Kind: kind,
		Err:  err,
	}
}

// IsValidation checks if an error represents rejected input.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsNotFound checks if an error represents a "not found" condition.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAgentNotFound) ||
		errors.Is(err, ErrRegionNotFound) ||
		errors.Is(err, ErrSnapshotNotFound)
}

// IsRetryable checks if an error is retryable.
// Retryable errors are typically transient availability issues.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRegionUnavailable) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrPersistence)
}
