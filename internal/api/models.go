package api

import (
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/scry-ingest/internal/domain"
)

// EventResponse is returned when an event has been handled.
type EventResponse struct {
	EventID uuid.UUID `json:"event_id"`
	Key     string    `json:"key"`
	Action  string    `json:"action"`
	Status  string    `json:"status"`
}

// OutcomeResponse is the classification result of an entity.
type OutcomeResponse struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// EntityResponse is the public view of an entity record.
type EntityResponse struct {
	Key            string           `json:"key"`
	OrderingMarker int64            `json:"ordering_marker"`
	GenerationID   uuid.UUID        `json:"generation_id"`
	TaskState      string           `json:"task_state"`
	ObjectRef      string           `json:"object_ref"`
	Outcome        *OutcomeResponse `json:"outcome,omitempty"`
	ErrorDetail    string           `json:"error_detail,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// HealthResponse reports liveness or readiness.
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func entityToResponse(rec *domain.EntityRecord) EntityResponse {
	resp := EntityResponse{
		Key:            rec.Key,
		OrderingMarker: int64(rec.OrderingMarker),
		GenerationID:   rec.GenerationID,
		TaskState:      string(rec.TaskState),
		ObjectRef:      rec.ObjectRef,
		ErrorDetail:    rec.ErrorDetail,
		CreatedAt:      rec.CreatedAt,
		UpdatedAt:      rec.UpdatedAt,
	}
	if rec.Outcome != nil {
		resp.Outcome = &OutcomeResponse{Label: rec.Outcome.Label, Score: rec.Outcome.Score}
	}
	return resp
}
