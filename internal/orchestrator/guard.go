package orchestrator

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/phrazzld/scry-ingest/internal/domain"
	"github.com/phrazzld/scry-ingest/internal/metrics"
	"github.com/phrazzld/scry-ingest/internal/platform/logger"
	"github.com/phrazzld/scry-ingest/internal/store"
)

// ApplyResult is the guard's verdict on a completion.
type ApplyResult int

// Guard results
const (
	// Applied means the completion was recorded for the current generation.
	Applied ApplyResult = iota

	// DroppedStale means the generation was superseded, deleted or already
	// finished. Nothing was written.
	DroppedStale
)

func (r ApplyResult) String() string {
	if r == Applied {
		return "applied"
	}
	return "dropped_stale"
}

// Guard records task results only for the entity's current generation.
type Guard struct {
	entities store.EntityStore
	tracker  store.TaskTracker
	logger   *slog.Logger
}

// NewGuard creates a Guard.
func NewGuard(entities store.EntityStore, tracker store.TaskTracker, logger *slog.Logger) *Guard {
	return &Guard{
		entities: entities,
		tracker:  tracker,
		logger:   logger.With("component", "result_guard"),
	}
}

// ApplyOutcome records outcome, or errDetail when outcome is nil, if
// generationID is still current for key and has no recorded result. The
// write is a single compare-and-set; losing it is not an error. Only an
// applied result marks the tracked task terminal.
func (g *Guard) ApplyOutcome(
	ctx context.Context,
	key string,
	generationID uuid.UUID,
	outcome *domain.Outcome,
	errDetail string,
) (ApplyResult, error) {
	log := logger.FromContextOrDefault(ctx, g.logger).With("generation_id", generationID)

	if outcome != nil {
		if err := outcome.Validate(); err != nil {
			metrics.Completions.WithLabelValues("error").Inc()
			return DroppedStale, &ValidationError{Field: "outcome", Err: err}
		}
	}

	applied, err := g.entities.ApplyResult(ctx, key, generationID, outcome, errDetail)
	if err != nil {
		metrics.Completions.WithLabelValues("error").Inc()
		return DroppedStale, transient("apply result", err)
	}

	// A stale completion may come from an execution that was terminated
	// while a newer one holds the same ID; its tracked row stays with the
	// controller.
	if !applied {
		metrics.Completions.WithLabelValues("dropped_stale").Inc()
		log.Info("stale completion dropped")
		return DroppedStale, nil
	}

	if err := g.tracker.MarkTerminal(ctx, generationID); err != nil {
		log.Warn("failed to mark tracked task terminal",
			"error", err)
	}

	metrics.Completions.WithLabelValues("applied").Inc()
	if outcome != nil {
		log.Info("outcome applied",
			"label", outcome.Label,
			"score", outcome.Score)
	} else {
		log.Info("task failure recorded",
			"error_detail", errDetail)
	}
	return Applied, nil
}
