package orchestrator

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/phrazzld/scry-ingest/internal/domain"
	"github.com/phrazzld/scry-ingest/internal/platform/logger"
	"github.com/phrazzld/scry-ingest/internal/store"
)

// DecisionKind is the gate's verdict on an event.
type DecisionKind int

// Gate decisions
const (
	// DecisionStale means the event's marker does not advance the entity.
	// Nothing was written.
	DecisionStale DecisionKind = iota

	// DecisionFresh means the marker advanced and a new generation was written.
	DecisionFresh

	// DecisionResume means the event carries the stored marker and the
	// stored generation never confirmed its launch. The launch is retried
	// under the stored generation ID.
	DecisionResume
)

func (k DecisionKind) String() string {
	switch k {
	case DecisionFresh:
		return "fresh"
	case DecisionResume:
		return "resume"
	default:
		return "stale"
	}
}

// Decision is the outcome of Gate.Accept or Gate.AcceptDeletion.
type Decision struct {
	Kind DecisionKind

	// GenerationID is the generation to launch for Fresh and Resume.
	GenerationID uuid.UUID

	// Record is the stored row after the decision, when one exists.
	Record *domain.EntityRecord
}

// Gate admits events whose ordering marker is strictly fresher than what the
// entity store holds.
type Gate struct {
	entities store.EntityStore
	logger   *slog.Logger
	newID    func() uuid.UUID
}

// NewGate creates a Gate over entities.
func NewGate(entities store.EntityStore, logger *slog.Logger) *Gate {
	return &Gate{
		entities: entities,
		logger:   logger.With("component", "ordering_gate"),
		newID:    uuid.New,
	}
}

// Accept decides an upload event. A fresh decision has already been
// committed: the entity row carries the new generation in the launching
// state before Accept returns.
func (g *Gate) Accept(
	ctx context.Context,
	key string,
	marker domain.OrderingMarker,
	objectRef string,
) (Decision, error) {
	log := logger.FromContextOrDefault(ctx, g.logger)

	adv, err := g.entities.AdvanceMarker(ctx, key, marker, objectRef, g.newID())
	if err != nil {
		return Decision{}, transient("advance ordering marker", err)
	}

	if adv.Advanced {
		log.Debug("fresh event accepted",
			"marker", marker.String(),
			"generation_id", adv.Record.GenerationID)
		return Decision{Kind: DecisionFresh, GenerationID: adv.Record.GenerationID, Record: adv.Record}, nil
	}

	rec := adv.Record
	if rec != nil && rec.OrderingMarker == marker && rec.TaskState == domain.TaskStateLaunching {
		log.Info("resuming unconfirmed launch",
			"marker", marker.String(),
			"generation_id", rec.GenerationID)
		return Decision{Kind: DecisionResume, GenerationID: rec.GenerationID, Record: rec}, nil
	}

	attrs := []any{"marker", marker.String()}
	if rec != nil {
		attrs = append(attrs, "stored_marker", rec.OrderingMarker.String(), "task_state", rec.TaskState)
	} else {
		attrs = append(attrs, "tombstoned", true)
	}
	log.Info("stale event ignored", attrs...)
	return Decision{Kind: DecisionStale, Record: rec}, nil
}

// AcceptDeletion decides a deletion event. A fresh deletion has removed the
// row and recorded a tombstone at marker.
func (g *Gate) AcceptDeletion(ctx context.Context, key string, marker domain.OrderingMarker) (Decision, error) {
	log := logger.FromContextOrDefault(ctx, g.logger)

	deleted, err := g.entities.DeleteIfNewer(ctx, key, marker)
	if err != nil {
		return Decision{}, transient("delete entity", err)
	}
	if !deleted {
		log.Info("stale deletion ignored", "marker", marker.String())
		return Decision{Kind: DecisionStale}, nil
	}

	log.Debug("fresh deletion accepted", "marker", marker.String())
	return Decision{Kind: DecisionFresh}, nil
}
