package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/phrazzld/scry-ingest/internal/api/shared"
	"github.com/phrazzld/scry-ingest/internal/events"
	"github.com/phrazzld/scry-ingest/internal/platform/logger"
)

// CorrelationHeader carries a caller-supplied correlation identifier.
const CorrelationHeader = "X-Correlation-ID"

// EventHandler accepts object-storage event notifications over HTTP.
type EventHandler struct {
	handler events.EventHandler
	logger  *slog.Logger
}

// NewEventHandler creates an EventHandler that passes decoded events to handler.
func NewEventHandler(handler events.EventHandler, logger *slog.Logger) *EventHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventHandler{
		handler: handler,
		logger:  logger.With("component", "event_handler"),
	}
}

// Ingest handles POST /v1/events.
//
// The body is a notification document, the same payload the message stream
// carries. The response is 202 once the event has been applied or found
// stale, 400 when it can never be applied, and 503 when the sender should
// retry.
func (h *EventHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)

	body, err := shared.ReadBody(w, r)
	if err != nil {
		HandleAPIError(w, r, err)
		return
	}

	correlation := r.Header.Get(CorrelationHeader)
	if correlation == "" {
		correlation = middleware.GetReqID(r.Context())
	}

	ev, err := events.Decode(body, uuid.New(), correlation)
	if err != nil {
		HandleAPIError(w, r, err)
		return
	}

	if err := h.handler.HandleEvent(r.Context(), ev); err != nil {
		HandleAPIError(w, r, err)
		return
	}

	log.Debug("event accepted", "event_id", ev.ID, "key", ev.Key, "action", ev.Action)
	shared.RespondWithJSON(w, r, http.StatusAccepted, EventResponse{
		EventID: ev.ID,
		Key:     ev.Key,
		Action:  string(ev.Action),
		Status:  "accepted",
	})
}
