package events

import (
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/phrazzld/scry-ingest/internal/domain"
)

// Notification is an object-storage event notification as delivered by the
// bucket's event queue.
type Notification struct {
	Account    string              `json:"account,omitempty"`
	Bucket     string              `json:"bucket"`
	Action     string              `json:"action"`
	Object     NotificationObject  `json:"object"`
	EventTime  string              `json:"eventTime"`
	CopySource *NotificationSource `json:"copySource,omitempty"`
}

// NotificationObject describes the object the notification is about.
type NotificationObject struct {
	Key  string `json:"key"`
	Size int64  `json:"size,omitempty"`
	ETag string `json:"eTag,omitempty"`
}

// NotificationSource is the source of a CopyObject action.
type NotificationSource struct {
	Bucket string `json:"bucket"`
	Object string `json:"object"`
}

// ParseAction maps a notification action name to an Action.
func ParseAction(name string) (Action, error) {
	switch name {
	case "PutObject", "CopyObject", "CompleteMultipartUpload":
		return ActionUpload, nil
	case "DeleteObject", "LifecycleDeletion":
		return ActionDelete, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedAction, name)
	}
}

// DecodeNotification parses a notification document.
func DecodeNotification(data []byte) (*Notification, error) {
	var n Notification
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedNotification, err)
	}
	return &n, nil
}

// ObjectEvent normalizes the notification. The entity key and the object
// reference are both "<bucket>/<object key>"; the marker is the event time.
// Marker syntax is left to the handler.
func (n *Notification) ObjectEvent(id uuid.UUID, correlation string) (ObjectEvent, error) {
	action, err := ParseAction(n.Action)
	if err != nil {
		return ObjectEvent{}, err
	}

	key, err := domain.EntityKey(n.Bucket, n.Object.Key)
	if err != nil {
		return ObjectEvent{}, err
	}

	ev := ObjectEvent{
		ID:          id,
		Key:         key,
		Marker:      strings.TrimSpace(n.EventTime),
		Action:      action,
		Correlation: correlation,
		ReceivedAt:  time.Now().UTC(),
	}
	if action == ActionUpload {
		ev.ObjectRef = key
	}
	return ev, nil
}

// Decode parses a notification document straight into an ObjectEvent.
func Decode(data []byte, id uuid.UUID, correlation string) (ObjectEvent, error) {
	n, err := DecodeNotification(data)
	if err != nil {
		return ObjectEvent{}, err
	}
	return n.ObjectEvent(id, correlation)
}
