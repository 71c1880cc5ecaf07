// Package domain defines the core business entities and errors.
package domain

import "errors"

// Common domain errors used across the application.
var (
	// ErrValidation is returned when a domain entity or inbound event fails validation.
	// Validation errors are permanent: retrying the same input can never succeed.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidMarker is returned when an ordering marker cannot be parsed.
	ErrInvalidMarker = errors.New("invalid ordering marker")

	// ErrInvalidKey is returned when an entity key is empty or malformed.
	ErrInvalidKey = errors.New("invalid entity key")

	// ErrMissingObjectRef is returned when an upload carries no object reference.
	ErrMissingObjectRef = errors.New("missing object reference")

	// ErrInvalidTaskState is returned when a task state is not one of the known values.
	ErrInvalidTaskState = errors.New("invalid task state")

	// ErrInvalidOutcome is returned when an outcome payload is malformed.
	ErrInvalidOutcome = errors.New("invalid outcome")
)

// IsValidationError reports whether err belongs to the validation family.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidMarker) ||
		errors.Is(err, ErrInvalidKey) ||
		errors.Is(err, ErrMissingObjectRef) ||
		errors.Is(err, ErrInvalidOutcome)
}
