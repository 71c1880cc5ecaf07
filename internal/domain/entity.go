package domain

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TaskState represents where an entity's current generation is in its task lifecycle
type TaskState string

// Possible task state values
const (
	TaskStateNone      TaskState = "none"
	TaskStateLaunching TaskState = "launching"
	TaskStateActive    TaskState = "active"
	TaskStateApplied   TaskState = "applied"
	TaskStateFailed    TaskState = "failed"
)

// Common validation errors for EntityRecord
var (
	ErrEmptyEntityKey     = fmt.Errorf("%w: entity key cannot be empty", ErrInvalidKey)
	ErrEmptyGenerationID  = errors.New("generation ID cannot be empty")
	ErrEmptyObjectRef     = fmt.Errorf("%w: object reference cannot be empty", ErrMissingObjectRef)
	ErrOutcomeLabelEmpty  = fmt.Errorf("%w: label cannot be empty", ErrInvalidOutcome)
	ErrOutcomeScoreBounds = fmt.Errorf("%w: score must be within [0, 1]", ErrInvalidOutcome)
)

// Outcome is the result payload a classification task produces for one generation.
type Outcome struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// Validate checks that the outcome carries a label and a score in [0, 1].
func (o Outcome) Validate() error {
	if strings.TrimSpace(o.Label) == "" {
		return ErrOutcomeLabelEmpty
	}
	if math.IsNaN(o.Score) || o.Score < 0 || o.Score > 1 {
		return ErrOutcomeScoreBounds
	}
	return nil
}

// EntityRecord is the single authoritative row for a logical entity.
// OrderingMarker decides freshness; GenerationID decides whether a task
// completion is current. The two never substitute for each other.
type EntityRecord struct {
	Key            string         `json:"key"`
	OrderingMarker OrderingMarker `json:"ordering_marker"`
	GenerationID   uuid.UUID      `json:"generation_id"`
	TaskState      TaskState      `json:"task_state"`
	ObjectRef      string         `json:"object_ref"`
	Outcome        *Outcome       `json:"outcome,omitempty"`
	ErrorDetail    string         `json:"error_detail,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// NewEntityRecord builds the row written when a fresh event is accepted.
// It mints a new generation ID and starts the record in the launching state
// with no outcome.
func NewEntityRecord(key string, marker OrderingMarker, objectRef string) (*EntityRecord, error) {
	now := time.Now().UTC()
	rec := &EntityRecord{
		Key:            key,
		OrderingMarker: marker,
		GenerationID:   uuid.New(),
		TaskState:      TaskStateLaunching,
		ObjectRef:      objectRef,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := rec.Validate(); err != nil {
		return nil, err
	}

	return rec, nil
}

// Validate checks if the EntityRecord has valid data.
func (r *EntityRecord) Validate() error {
	if strings.TrimSpace(r.Key) == "" {
		return ErrEmptyEntityKey
	}

	if r.GenerationID == uuid.Nil {
		return ErrEmptyGenerationID
	}

	if strings.TrimSpace(r.ObjectRef) == "" {
		return ErrEmptyObjectRef
	}

	if !IsValidTaskState(r.TaskState) {
		return ErrInvalidTaskState
	}

	if r.Outcome != nil {
		if err := r.Outcome.Validate(); err != nil {
			return err
		}
	}

	return nil
}

// IsTerminal reports whether the record's current generation has a recorded result.
func (r *EntityRecord) IsTerminal() bool {
	return r.TaskState == TaskStateApplied || r.TaskState == TaskStateFailed
}

// IsValidTaskState checks if the given state is a valid TaskState.
func IsValidTaskState(state TaskState) bool {
	switch state {
	case TaskStateNone, TaskStateLaunching, TaskStateActive,
		TaskStateApplied, TaskStateFailed:
		return true
	default:
		return false
	}
}

// EntityKey scopes an object name to its bucket (tenant), producing the stable
// identifier used as the entity primary key.
func EntityKey(bucket, name string) (string, error) {
	bucket = strings.Trim(strings.TrimSpace(bucket), "/")
	name = strings.TrimLeft(strings.TrimSpace(name), "/")
	if bucket == "" || name == "" {
		return "", fmt.Errorf("%w: bucket %q, object %q", ErrInvalidKey, bucket, name)
	}
	return bucket + "/" + name, nil
}
