package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/scry-ingest/internal/domain"
	"github.com/phrazzld/scry-ingest/internal/store"
)

// TaskStatus represents the persisted state of a task row
type TaskStatus string

// Possible task status values
const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusTerminated TaskStatus = "terminated"
)

// IsTerminal reports whether no further execution will happen for the status.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusTerminated
}

// RuntimeStatus is the coarse status the runtime reports to callers.
type RuntimeStatus string

// Runtime status values
const (
	StatusActive   RuntimeStatus = "active"
	StatusWaiting  RuntimeStatus = "waiting"
	StatusTerminal RuntimeStatus = "terminal"
	StatusNotFound RuntimeStatus = "not_found"
)

// RuntimeStatusOf maps a persisted status to the status reported to callers.
func RuntimeStatusOf(s TaskStatus) RuntimeStatus {
	switch s {
	case TaskStatusPending:
		return StatusWaiting
	case TaskStatusProcessing:
		return StatusActive
	default:
		return StatusTerminal
	}
}

// Task type constants
const (
	// TaskTypeClassification classifies an uploaded object
	TaskTypeClassification = "classification"
)

var (
	// ErrConflict is returned by Create when the ID is held by a task that
	// has not reached a terminal status.
	ErrConflict = fmt.Errorf("%w: ID held by a live task", store.ErrTaskExists)

	// ErrRetryable marks an execution error that may succeed on another attempt.
	ErrRetryable = errors.New("retryable task error")

	// ErrUnknownType is returned when no factory is registered for a task type.
	ErrUnknownType = errors.New("unknown task type")
)

// IsRetryable reports whether a task execution error should be retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRetryable)
}

// Spec describes a task to create.
type Spec struct {
	Type    string
	Key     string
	Payload []byte
}

// Record is a persisted task row. Its ID is the generation the task belongs to.
type Record struct {
	ID           uuid.UUID
	Type         string
	Key          string
	Payload      []byte
	Status       TaskStatus
	Attempt      int
	ArmedAttempt int // Attempt when the slot was last created
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Task represents a unit of background work built from a Record
// Version: 2.0
type Task interface {
	// ID returns the task's unique identifier
	ID() uuid.UUID

	// Key returns the entity key the task belongs to
	Key() string

	// Type returns the task type identifier
	Type() string

	// Execute runs the task logic and returns the outcome to record
	Execute(ctx context.Context) (*domain.Outcome, error)
}

// Factory builds executable tasks of one type from persisted records.
type Factory interface {
	// Type returns the task type this factory builds
	Type() string

	// Build reconstructs a task from its record
	Build(rec *Record) (Task, error)
}

// Completion reports the result of one execution attempt that was not
// terminated. Exactly one of Outcome and Err is set.
type Completion struct {
	Key          string
	GenerationID uuid.UUID
	Outcome      *domain.Outcome
	Err          error
}

// CompletionHandler receives task completions. An error leaves the task
// unfinished so it is executed and reported again.
type CompletionHandler interface {
	HandleCompletion(ctx context.Context, c Completion) error
}

// CompletionHandlerFunc adapts a function to CompletionHandler.
type CompletionHandlerFunc func(ctx context.Context, c Completion) error

// HandleCompletion implements CompletionHandler.
func (f CompletionHandlerFunc) HandleCompletion(ctx context.Context, c Completion) error {
	return f(ctx, c)
}

// TaskQueueReader provides read-only access to the task channel
// allowing workers to consume tasks without the ability to enqueue
type TaskQueueReader interface {
	// GetChannel returns a read-only channel for consuming queued records
	GetChannel() <-chan *Record
}

// TaskQueueWriter provides write access to the task queue
type TaskQueueWriter interface {
	// Enqueue adds a record to the queue for processing
	// Returns an error if the queue is full or closed
	Enqueue(rec *Record) error

	// Close closes the task queue, preventing further task submission
	Close()
}

// TaskStore defines the interface for persisting tasks.
// Every state change is a compare-and-set on the current status.
type TaskStore interface {
	// CreateTask inserts rec as pending. If the ID exists with a terminal
	// status the slot is re-armed with the new payload, keeping its attempt
	// counter and recording it as ArmedAttempt. Returns ErrConflict
	// if the ID is held by a pending or processing task.
	CreateTask(ctx context.Context, rec *Record) error

	// GetTask returns the task row.
	// Returns store.ErrTaskNotFound if it does not exist.
	GetTask(ctx context.Context, id uuid.UUID) (*Record, error)

	// ClaimTask moves a pending task to processing and increments its
	// attempt counter. Returns nil when the task is not pending.
	ClaimTask(ctx context.Context, id uuid.UUID) (*Record, error)

	// FinishTask moves a processing task at the given attempt to status.
	// Returns false if the task was terminated or reset meanwhile.
	FinishTask(ctx context.Context, id uuid.UUID, attempt int, status TaskStatus, errorMsg string) (bool, error)

	// TerminateTask moves a pending or processing task to terminated.
	// Returns false if the task was already terminal, and
	// store.ErrTaskNotFound if it does not exist.
	TerminateTask(ctx context.Context, id uuid.UUID) (bool, error)

	// ResetTask moves a processing task back to pending.
	ResetTask(ctx context.Context, id uuid.UUID, errorMsg string) (bool, error)

	// GetTasksByStatus retrieves tasks with the given status. If olderThan is
	// non-zero, only tasks not updated within that duration are returned.
	GetTasksByStatus(ctx context.Context, status TaskStatus, olderThan time.Duration) ([]*Record, error)
}
