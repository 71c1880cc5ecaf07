package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/phrazzld/scry-ingest/internal/api/shared"
	"github.com/phrazzld/scry-ingest/internal/domain"
)

// EntityReader reads entity records. It is implemented by
// *orchestrator.Orchestrator.
type EntityReader interface {
	Entity(ctx context.Context, key string) (*domain.EntityRecord, error)
}

// EntityHandler serves entity records.
type EntityHandler struct {
	reader EntityReader
	logger *slog.Logger
}

// NewEntityHandler creates an EntityHandler.
func NewEntityHandler(reader EntityReader, logger *slog.Logger) *EntityHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &EntityHandler{
		reader: reader,
		logger: logger.With("component", "entity_handler"),
	}
}

// Get handles GET /v1/entities?key=<bucket>/<object key>.
func (h *EntityHandler) Get(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.URL.Query().Get("key"))
	if key == "" {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Query parameter 'key' is required")
		return
	}

	rec, err := h.reader.Entity(r.Context(), key)
	if err != nil {
		HandleAPIError(w, r, err)
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, entityToResponse(rec))
}
