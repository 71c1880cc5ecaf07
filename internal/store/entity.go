package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/scry-ingest/internal/domain"
)

// Advance reports the result of a conditional marker advance.
type Advance struct {
	// Advanced is true when the marker moved forward and a new generation was written.
	Advanced bool

	// Record is the row as stored after the call. It is nil when no row exists,
	// for example when a tombstone outranks the incoming marker.
	Record *domain.EntityRecord
}

// EntityStore defines persistence for entity records.
// Every mutation is conditional: on the ordering marker for freshness,
// on the generation ID for task results.
type EntityStore interface {
	// Get retrieves the record for key.
	// Returns ErrEntityNotFound if the entity does not exist.
	Get(ctx context.Context, key string) (*domain.EntityRecord, error)

	// AdvanceMarker writes a new generation for key when marker is strictly
	// greater than both the stored marker and any deletion tombstone. The
	// written row is in the launching state with no outcome. When the marker
	// does not advance nothing is written and the current row is returned.
	AdvanceMarker(
		ctx context.Context,
		key string,
		marker domain.OrderingMarker,
		objectRef string,
		generationID uuid.UUID,
	) (Advance, error)

	// MarkActive moves the record from launching to active, only if the
	// generation still matches. Returns false when nothing matched.
	MarkActive(ctx context.Context, key string, generationID uuid.UUID) (bool, error)

	// ApplyResult records a task result for the generation if it is still the
	// current one and no result has been recorded for it. outcome is nil for a
	// failed task, in which case errDetail is stored. Returns false when the
	// generation is stale or already finished.
	ApplyResult(
		ctx context.Context,
		key string,
		generationID uuid.UUID,
		outcome *domain.Outcome,
		errDetail string,
	) (bool, error)

	// DeleteIfNewer removes the record and writes a tombstone at marker when
	// marker is strictly greater than the stored marker and any existing
	// tombstone. Returns false when the deletion is stale.
	DeleteIfNewer(ctx context.Context, key string, marker domain.OrderingMarker) (bool, error)
}

// TrackedTaskState is the controller's local view of a launched task.
type TrackedTaskState string

// Tracked task states
const (
	TrackedTaskActive   TrackedTaskState = "active"
	TrackedTaskTerminal TrackedTaskState = "terminal"
)

// TrackedTask is one row of the controller's launch bookkeeping.
type TrackedTask struct {
	GenerationID uuid.UUID
	Key          string
	State        TrackedTaskState
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TaskTracker records every task launched for a key so that superseded
// generations can be found and retired before a new launch.
type TaskTracker interface {
	// Track records generationID as an active task for key. Tracking an
	// already tracked generation re-marks it active.
	Track(ctx context.Context, key string, generationID uuid.UUID) error

	// ListActive returns the tracked tasks for key still marked active.
	ListActive(ctx context.Context, key string) ([]TrackedTask, error)

	// MarkTerminal marks the tracked task terminal. Unknown IDs are a no-op.
	MarkTerminal(ctx context.Context, generationID uuid.UUID) error
}
