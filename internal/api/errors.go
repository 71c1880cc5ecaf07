package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/phrazzld/scry-ingest/internal/api/shared"
	"github.com/phrazzld/scry-ingest/internal/orchestrator"
	"github.com/phrazzld/scry-ingest/internal/store"
)

// MapErrorToStatusCode maps internal errors to HTTP status codes without
// exposing internal error types to clients.
//
// Validation errors are the sender's fault and never succeed on retry.
// Everything else the orchestrator returns is retryable, which clients
// see as 503.
func MapErrorToStatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK

	case errors.Is(err, shared.ErrBodyTooLarge):
		return http.StatusRequestEntityTooLarge

	case store.IsNotFoundError(err):
		return http.StatusNotFound

	case orchestrator.IsValidation(err),
		errors.Is(err, store.ErrInvalidEntity):
		return http.StatusBadRequest

	case errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		orchestrator.IsRetryable(err):
		return http.StatusServiceUnavailable

	default:
		return http.StatusInternalServerError
	}
}

// GetSafeErrorMessage returns a client-facing message for err.
func GetSafeErrorMessage(err error) string {
	if err == nil {
		return "An unexpected error occurred"
	}

	switch {
	case errors.Is(err, shared.ErrBodyTooLarge):
		return "Request body too large"

	case errors.Is(err, store.ErrEntityNotFound):
		return "Entity not found"

	case store.IsNotFoundError(err):
		return "Not found"

	case orchestrator.IsValidation(err):
		return "Invalid event"

	case errors.Is(err, store.ErrInvalidEntity):
		return "Invalid entity data"

	case orchestrator.IsRetryable(err):
		return "Temporarily unable to process the request, retry later"

	default:
		return "An unexpected error occurred"
	}
}

// HandleAPIError writes the mapped status and safe message for err and
// logs the redacted details.
func HandleAPIError(w http.ResponseWriter, r *http.Request, err error) {
	status := MapErrorToStatusCode(err)
	opts := []shared.ResponseOption{}
	if status == http.StatusBadRequest {
		opts = append(opts, shared.WithElevatedLogLevel())
	}
	shared.RespondWithErrorAndLog(w, r, status, GetSafeErrorMessage(err), err, opts...)
}
