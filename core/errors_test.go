package core

import (
	"errors"
	"fmt"
	"testing"
)

func TestEngineErrorUnwrap(t *testing.T) {
	err := NewEngineError("registry.Register", "lifecycle", ErrShuttingDown)
	if !errors.Is(err, ErrShuttingDown) {
		t.Error("wrapped sentinel not reachable through errors.Is")
	}

	var ee *EngineError
	if !errors.As(err, &ee) {
		t.Fatal("errors.As failed")
	}
	if ee.Op != "registry.Register" {
		t.Errorf("Op = %q", ee.Op)
	}
}

func TestEngineErrorString(t *testing.T) {
	err := &EngineError{Op: "registry.Remove", ID: "a1", Err: ErrAgentNotFound}
	want := "registry.Remove [a1]: agent not found"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}

	msgOnly := &EngineError{Message: "nil record"}
	if msgOnly.Error() != "nil record" {
		t.Errorf("Error() = %q", msgOnly.Error())
	}
}

func TestErrorClassification(t *testing.T) {
	if !IsValidation(fmt.Errorf("%w: name required", ErrValidation)) {
		t.Error("wrapped validation error not classified")
	}
	for _, err := range []error{ErrAgentNotFound, ErrRegionNotFound, ErrSnapshotNotFound} {
		if !IsNotFound(err) {
			t.Errorf("%v not classified as not-found", err)
		}
	}
	for _, err := range []error{ErrRegionUnavailable, ErrTimeout, ErrPersistence} {
		if !IsRetryable(err) {
			t.Errorf("%v not classified as retryable", err)
		}
	}
	if IsRetryable(ErrValidation) {
		t.Error("validation errors must not be retryable")
	}
	if IsNotFound(ErrShuttingDown) {
		t.Error("lifecycle errors must not be not-found")
	}
}
