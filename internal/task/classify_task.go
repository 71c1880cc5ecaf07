package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/phrazzld/scry-ingest/internal/domain"
	"github.com/phrazzld/scry-ingest/internal/inference"
	"github.com/phrazzld/scry-ingest/internal/objectstore"
)

// DefaultMaxObjectBytes caps how much of an object is sent to the classifier.
const DefaultMaxObjectBytes int64 = 4 << 20

// Common errors
var (
	ErrNilObjectStore = errors.New("object store cannot be nil")
	ErrNilClassifier  = errors.New("classifier cannot be nil")
	ErrNilLogger      = errors.New("logger cannot be nil")
	ErrInvalidPayload = errors.New("invalid classification payload")
)

// ClassificationPayload represents the serialized data stored in the task
type ClassificationPayload struct {
	Key          string    `json:"key"`
	GenerationID uuid.UUID `json:"generation_id"`
	ObjectRef    string    `json:"object_ref"`
}

// NewClassificationSpec builds the Spec for classifying objectRef as the
// given generation of key.
func NewClassificationSpec(key string, generationID uuid.UUID, objectRef string) (Spec, error) {
	data, err := json.Marshal(ClassificationPayload{
		Key:          key,
		GenerationID: generationID,
		ObjectRef:    objectRef,
	})
	if err != nil {
		return Spec{}, fmt.Errorf("failed to marshal classification payload: %w", err)
	}
	return Spec{Type: TaskTypeClassification, Key: key, Payload: data}, nil
}

// ClassificationTaskFactory creates ClassificationTask instances
type ClassificationTaskFactory struct {
	objects    objectstore.Store
	classifier inference.Classifier
	maxBytes   int64
	logger     *slog.Logger
}

// NewClassificationTaskFactory creates a new factory for ClassificationTasks
func NewClassificationTaskFactory(
	objects objectstore.Store,
	classifier inference.Classifier,
	logger *slog.Logger,
) (*ClassificationTaskFactory, error) {
	if objects == nil {
		return nil, ErrNilObjectStore
	}
	if classifier == nil {
		return nil, ErrNilClassifier
	}
	if logger == nil {
		return nil, ErrNilLogger
	}

	return &ClassificationTaskFactory{
		objects:    objects,
		classifier: classifier,
		maxBytes:   DefaultMaxObjectBytes,
		logger:     logger,
	}, nil
}

// Type implements Factory.
func (f *ClassificationTaskFactory) Type() string {
	return TaskTypeClassification
}

// Build implements Factory.
func (f *ClassificationTaskFactory) Build(rec *Record) (Task, error) {
	var p ClassificationPayload
	if err := json.Unmarshal(rec.Payload, &p); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	if p.GenerationID != rec.ID {
		return nil, fmt.Errorf("%w: generation %s does not match task %s", ErrInvalidPayload, p.GenerationID, rec.ID)
	}
	if p.ObjectRef == "" {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, domain.ErrMissingObjectRef)
	}

	return &ClassificationTask{
		payload:    p,
		objects:    f.objects,
		classifier: f.classifier,
		maxBytes:   f.maxBytes,
		logger: f.logger.With(
			"task_type", TaskTypeClassification,
			"key", p.Key,
			"generation_id", p.GenerationID,
		),
	}, nil
}

// ClassificationTask fetches an uploaded object and classifies it.
type ClassificationTask struct {
	payload    ClassificationPayload
	objects    objectstore.Store
	classifier inference.Classifier
	maxBytes   int64
	logger     *slog.Logger
}

// ID returns the generation the task belongs to
func (t *ClassificationTask) ID() uuid.UUID {
	return t.payload.GenerationID
}

// Key returns the entity key
func (t *ClassificationTask) Key() string {
	return t.payload.Key
}

// Type returns the task type identifier
func (t *ClassificationTask) Type() string {
	return TaskTypeClassification
}

// Execute fetches the object and classifies it. A missing object or a
// permanent classifier error is a terminal failure; transient failures are
// marked retryable.
func (t *ClassificationTask) Execute(ctx context.Context) (*domain.Outcome, error) {
	ref, err := objectstore.ParseRef(t.payload.ObjectRef)
	if err != nil {
		return nil, err
	}

	data, info, err := t.objects.Get(ctx, ref, t.maxBytes)
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			t.logger.Warn("object no longer exists", "object_ref", ref.String())
			return nil, fmt.Errorf("object %s: %w", ref, err)
		}
		return nil, fmt.Errorf("%w: failed to fetch object %s: %w", ErrRetryable, ref, err)
	}

	t.logger.Debug("classifying object",
		"object_ref", ref.String(),
		"size", info.Size,
		"content_type", info.ContentType,
		"bytes_sent", len(data))

	outcome, err := t.classifier.Classify(ctx, inference.Input{
		Name:        ref.Key,
		ContentType: info.ContentType,
		Data:        data,
	})
	if err != nil {
		if inference.IsTransient(err) {
			return nil, fmt.Errorf("%w: %w", ErrRetryable, err)
		}
		return nil, fmt.Errorf("classification failed: %w", err)
	}
	if outcome == nil {
		return nil, inference.ErrInvalidResponse
	}

	t.logger.Info("object classified", "label", outcome.Label, "score", outcome.Score)
	return outcome, nil
}
