package events

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/scry-ingest/internal/domain"
)

// Action is the normalized lifecycle action carried by an event.
type Action string

// Supported actions
const (
	ActionUpload Action = "upload"
	ActionDelete Action = "delete"
)

// Decoding errors. Both are validation errors: redelivering the same bytes
// cannot succeed.
var (
	// ErrUnsupportedAction is returned for notification actions that are
	// neither an upload nor a deletion.
	ErrUnsupportedAction = fmt.Errorf("%w: unsupported event action", domain.ErrValidation)

	// ErrMalformedNotification is returned when a payload is not a valid
	// notification document.
	ErrMalformedNotification = fmt.Errorf("%w: malformed event notification", domain.ErrValidation)
)

// ObjectEvent is one inbound notification, normalized for the orchestrator.
type ObjectEvent struct {
	// ID identifies the delivery for logging. Redeliveries keep the ID of the
	// underlying message.
	ID uuid.UUID `json:"id"`

	// Key is the entity key, "<bucket>/<object key>".
	Key string `json:"key" validate:"required"`

	// Marker is the raw ordering marker. It is parsed and validated by the handler.
	Marker string `json:"marker" validate:"required"`

	// ObjectRef locates the object content. Empty for deletions.
	ObjectRef string `json:"object_ref,omitempty" validate:"required_if=Action upload"`

	Action Action `json:"action" validate:"required,oneof=upload delete"`

	// Correlation carries a caller-supplied request or trace identifier.
	Correlation string `json:"correlation,omitempty"`

	ReceivedAt time.Time `json:"received_at"`
}

// EventHandler processes inbound object events.
type EventHandler interface {
	// HandleEvent processes the event. A nil error means the event may be
	// acknowledged.
	HandleEvent(ctx context.Context, event ObjectEvent) error
}

// EventHandlerFunc adapts a function to EventHandler.
type EventHandlerFunc func(ctx context.Context, event ObjectEvent) error

// HandleEvent implements EventHandler.
func (f EventHandlerFunc) HandleEvent(ctx context.Context, event ObjectEvent) error {
	return f(ctx, event)
}
