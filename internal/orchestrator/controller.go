package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/scry-ingest/internal/metrics"
	"github.com/phrazzld/scry-ingest/internal/platform/logger"
	"github.com/phrazzld/scry-ingest/internal/store"
	"github.com/phrazzld/scry-ingest/internal/task"
)

// TaskRuntime is the durable task runtime as seen by the controller.
// It is implemented by *task.Runtime.
type TaskRuntime interface {
	// Create starts a task under id. It fails with task.ErrConflict when a
	// live task already holds the id.
	Create(ctx context.Context, id uuid.UUID, spec task.Spec) error

	// Status reports the task's coarse status; task.StatusNotFound with a
	// nil error means the runtime has no such task.
	Status(ctx context.Context, id uuid.UUID) (task.RuntimeStatus, error)

	// Terminate stops the task. Terminating a terminal task succeeds.
	Terminate(ctx context.Context, id uuid.UUID) error
}

// DefaultCallTimeout bounds each runtime call when no timeout is configured.
const DefaultCallTimeout = 5 * time.Second

// LaunchResult describes what ResetAndLaunch did.
type LaunchResult struct {
	GenerationID uuid.UUID

	// Retired counts tracked tasks of earlier generations that were retired.
	Retired int

	// Reconciled is true when the first create conflicted and the
	// conflicting task was terminated before the retry.
	Reconciled bool

	// Activated is false when the entity row no longer carried the
	// generation in the launching state, for example because its
	// completion was already applied.
	Activated bool
}

// Controller retires superseded tasks and launches the task for the current
// generation of an entity. Callers serialize calls per key.
type Controller struct {
	runtime     TaskRuntime
	tracker     store.TaskTracker
	entities    store.EntityStore
	callTimeout time.Duration
	logger      *slog.Logger
}

// NewController creates a Controller. A non-positive callTimeout uses
// DefaultCallTimeout.
func NewController(
	runtime TaskRuntime,
	tracker store.TaskTracker,
	entities store.EntityStore,
	callTimeout time.Duration,
	logger *slog.Logger,
) *Controller {
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}
	return &Controller{
		runtime:     runtime,
		tracker:     tracker,
		entities:    entities,
		callTimeout: callTimeout,
		logger:      logger.With("component", "task_controller"),
	}
}

// ResetAndLaunch makes generationID the only live task for key.
//
// Tracked tasks of other generations are retired first. The new task is then
// created; if the runtime reports a conflict, the conflicting task's status
// is looked up, it is terminated unless already terminal, and the create is
// retried once. A second conflict is an InvariantViolation. Any failed
// runtime lookup aborts the launch.
func (c *Controller) ResetAndLaunch(
	ctx context.Context,
	key string,
	generationID uuid.UUID,
	spec task.Spec,
) (LaunchResult, error) {
	log := logger.FromContextOrDefault(ctx, c.logger).With("generation_id", generationID)
	result := LaunchResult{GenerationID: generationID}

	retired, err := c.retire(ctx, key, generationID)
	result.Retired = retired
	if err != nil {
		metrics.TaskLaunches.WithLabelValues("transient_error").Inc()
		return result, err
	}

	err = c.create(ctx, generationID, spec)
	if errors.Is(err, task.ErrConflict) {
		log.Warn("task ID already held, reconciling")
		if err := c.terminateIfLive(ctx, generationID); err != nil {
			metrics.TaskLaunches.WithLabelValues("transient_error").Inc()
			return result, err
		}
		result.Reconciled = true

		err = c.create(ctx, generationID, spec)
		if errors.Is(err, task.ErrConflict) {
			metrics.TaskLaunches.WithLabelValues("invariant_violation").Inc()
			metrics.InvariantViolations.Inc()
			log.Error("duplicate task survived reconciliation",
				"invariant_violation", true,
				"key", key)
			return result, &InvariantViolation{Key: key, GenerationID: generationID, Err: err}
		}
	}
	if err != nil {
		metrics.TaskLaunches.WithLabelValues("transient_error").Inc()
		return result, transient("create task", err)
	}

	if result.Reconciled {
		metrics.TaskLaunches.WithLabelValues("recreated").Inc()
	} else {
		metrics.TaskLaunches.WithLabelValues("created").Inc()
	}

	if err := c.tracker.Track(ctx, key, generationID); err != nil {
		return result, transient("track task", err)
	}

	activated, err := c.entities.MarkActive(ctx, key, generationID)
	if err != nil {
		return result, transient("mark entity active", err)
	}
	result.Activated = activated

	log.Info("task launched",
		"retired", result.Retired,
		"reconciled", result.Reconciled,
		"activated", activated)
	return result, nil
}

// Retire retires every tracked live task of key. It is used after a
// deletion, when no generation is current.
func (c *Controller) Retire(ctx context.Context, key string) (int, error) {
	return c.retire(ctx, key, uuid.Nil)
}

// retire retires tracked tasks of key other than keep.
func (c *Controller) retire(ctx context.Context, key string, keep uuid.UUID) (int, error) {
	tracked, err := c.tracker.ListActive(ctx, key)
	if err != nil {
		return 0, transient("list tracked tasks", err)
	}

	retired := 0
	for _, t := range tracked {
		if t.GenerationID == keep {
			continue
		}
		if err := c.terminateIfLive(ctx, t.GenerationID); err != nil {
			return retired, err
		}
		if err := c.tracker.MarkTerminal(ctx, t.GenerationID); err != nil {
			return retired, transient("mark tracked task terminal", err)
		}
		retired++
	}
	return retired, nil
}

// terminateIfLive looks up the task and terminates it unless it is already
// terminal or unknown. A failed lookup is returned, never assumed terminal.
func (c *Controller) terminateIfLive(ctx context.Context, id uuid.UUID) error {
	status, err := c.status(ctx, id)
	if err != nil {
		return transient("look up task status", err)
	}
	metrics.Reconciliations.WithLabelValues(string(status)).Inc()

	switch status {
	case task.StatusActive, task.StatusWaiting:
		if err := c.terminate(ctx, id); err != nil && !errors.Is(err, store.ErrTaskNotFound) {
			return transient("terminate task", err)
		}
		c.logger.Info("terminated superseded task", "task_id", id, "status", status)
	case task.StatusTerminal, task.StatusNotFound:
	default:
		return transient("look up task status", fmt.Errorf("unknown runtime status %q", status))
	}
	return nil
}

func (c *Controller) create(ctx context.Context, id uuid.UUID, spec task.Spec) error {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	return c.runtime.Create(ctx, id, spec)
}

func (c *Controller) status(ctx context.Context, id uuid.UUID) (task.RuntimeStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	return c.runtime.Status(ctx, id)
}

func (c *Controller) terminate(ctx context.Context, id uuid.UUID) error {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	return c.runtime.Terminate(ctx, id)
}
