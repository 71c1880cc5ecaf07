package task

import (
	"context"

	"github.com/google/uuid"
	"github.com/phrazzld/scry-ingest/internal/domain"
)

// MockTask is a simple implementation of the Task interface for testing
type MockTask struct {
	TaskID    uuid.UUID
	TaskKey   string
	TaskType  string
	ExecuteFn func(ctx context.Context) (*domain.Outcome, error)
}

// ID returns the task's unique identifier
func (t *MockTask) ID() uuid.UUID {
	return t.TaskID
}

// Key returns the entity key
func (t *MockTask) Key() string {
	return t.TaskKey
}

// Type returns the task type identifier
func (t *MockTask) Type() string {
	return t.TaskType
}

// Execute runs the task logic
func (t *MockTask) Execute(ctx context.Context) (*domain.Outcome, error) {
	return t.ExecuteFn(ctx)
}

// MockFactory builds MockTasks whose behavior is supplied by ExecuteFn.
type MockFactory struct {
	TaskType  string
	ExecuteFn func(ctx context.Context, rec *Record) (*domain.Outcome, error)
}

// Type implements Factory.
func (f *MockFactory) Type() string {
	return f.TaskType
}

// Build implements Factory.
func (f *MockFactory) Build(rec *Record) (Task, error) {
	return &MockTask{
		TaskID:   rec.ID,
		TaskKey:  rec.Key,
		TaskType: rec.Type,
		ExecuteFn: func(ctx context.Context) (*domain.Outcome, error) {
			return f.ExecuteFn(ctx, rec)
		},
	}, nil
}
