package orchestrator

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/phrazzld/scry-ingest/internal/domain"
)

// ValidationError reports a malformed event. It is terminal: redelivery of
// the same event cannot succeed, so transports acknowledge it.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid event: %v", e.Err)
	}
	return fmt.Sprintf("invalid event field %s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Retryable always returns false.
func (e *ValidationError) Retryable() bool { return false }

// TransientError wraps a failure of the store or the task runtime that may
// succeed on redelivery.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Retryable always returns true.
func (e *TransientError) Retryable() bool { return true }

// InvariantViolation reports a task launch that found a live task holding
// the generation's ID even after reconciliation terminated it. The event is
// retried; the launch is never treated as already started.
type InvariantViolation struct {
	Key          string
	GenerationID uuid.UUID
	Err          error
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violation: duplicate task for %s generation %s: %v",
		e.Key, e.GenerationID, e.Err)
}

func (e *InvariantViolation) Unwrap() error { return e.Err }

// Retryable always returns true.
func (e *InvariantViolation) Retryable() bool { return true }

// IsValidation reports whether err is terminal for the event that caused it.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve) || domain.IsValidationError(err)
}

// IsRetryable reports whether the event that caused err should be
// redelivered. Unclassified errors are retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return !IsValidation(err)
}

// IsInvariantViolation reports whether err is an InvariantViolation.
func IsInvariantViolation(err error) bool {
	var iv *InvariantViolation
	return errors.As(err, &iv)
}

func transient(op string, err error) error {
	return &TransientError{Op: op, Err: err}
}
