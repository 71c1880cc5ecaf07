package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/scry-ingest/internal/domain"
	"github.com/phrazzld/scry-ingest/internal/metrics"
	"github.com/phrazzld/scry-ingest/internal/platform/logger"
	"github.com/phrazzld/scry-ingest/internal/store"
)

// errTerminated is the cancellation cause of an execution stopped by Terminate.
var errTerminated = errors.New("task terminated")

// RuntimeConfig holds configuration for the task runtime
type RuntimeConfig struct {
	// WorkerCount determines how many concurrent workers process tasks
	WorkerCount int

	// QueueSize determines the buffer size for the in-memory task queue
	QueueSize int

	// StuckTaskAge defines how long a task can be in processing state
	// before it's considered stuck and reset
	StuckTaskAge time.Duration

	// StuckTaskCheckInterval defines how often to check for stuck tasks
	// and sweep pending tasks that never made it into the queue
	StuckTaskCheckInterval time.Duration

	// MaxAttempts bounds executions of a task that keeps failing with a
	// retryable error
	MaxAttempts int
}

// DefaultRuntimeConfig returns a RuntimeConfig with reasonable defaults
func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		WorkerCount:            2,
		QueueSize:              100,
		StuckTaskAge:           30 * time.Minute,
		StuckTaskCheckInterval: 5 * time.Minute,
		MaxAttempts:            3,
	}
}

// execution tracks one in-flight attempt so Terminate can cancel it.
type execution struct {
	cancel context.CancelCauseFunc
}

// Runtime persists, queues and executes tasks. It implements the
// create/status/terminate contract used by the task lifecycle controller
// and runs as a supervised service through Serve.
type Runtime struct {
	store     TaskStore
	queue     *TaskQueue
	factories map[string]Factory
	config    RuntimeConfig
	logger    *slog.Logger

	mu      sync.Mutex
	handler CompletionHandler
	running map[uuid.UUID]*execution
}

// NewRuntime creates a Runtime. Completions are discarded until a handler
// is set with SetCompletionHandler.
func NewRuntime(ts TaskStore, config RuntimeConfig, log *slog.Logger, factories ...Factory) *Runtime {
	defaults := DefaultRuntimeConfig()
	if config.StuckTaskCheckInterval <= 0 {
		config.StuckTaskCheckInterval = defaults.StuckTaskCheckInterval
	}
	if config.StuckTaskAge <= 0 {
		config.StuckTaskAge = defaults.StuckTaskAge
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}

	log = log.With("component", "task_runtime")
	byType := make(map[string]Factory, len(factories))
	for _, f := range factories {
		byType[f.Type()] = f
	}

	return &Runtime{
		store:     ts,
		queue:     NewTaskQueue(config.QueueSize, log),
		factories: byType,
		config:    config,
		logger:    log,
		running:   make(map[uuid.UUID]*execution),
		handler: CompletionHandlerFunc(func(ctx context.Context, c Completion) error {
			log.Warn("no completion handler configured, dropping completion",
				"key", c.Key, "generation_id", c.GenerationID)
			return nil
		}),
	}
}

// SetCompletionHandler sets the receiver of task completions.
func (r *Runtime) SetCompletionHandler(h CompletionHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handler = h
}

func (r *Runtime) completionHandler() CompletionHandler {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handler
}

// String names the runtime in supervisor logs.
func (r *Runtime) String() string {
	return "task-runtime"
}

// Create persists a task under id and queues it. The task row is written
// before the task is queued; if the queue is full the pending sweep picks
// the task up later. Returns ErrConflict if id is held by a live task.
func (r *Runtime) Create(ctx context.Context, id uuid.UUID, spec Spec) error {
	if _, ok := r.factories[spec.Type]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownType, spec.Type)
	}

	rec := &Record{
		ID:      id,
		Type:    spec.Type,
		Key:     spec.Key,
		Payload: spec.Payload,
		Status:  TaskStatusPending,
	}
	if err := r.store.CreateTask(ctx, rec); err != nil {
		if errors.Is(err, ErrConflict) {
			return err
		}
		return fmt.Errorf("failed to save task: %w", err)
	}

	r.enqueue(rec)
	return nil
}

// Status reports the runtime status of id. A task that does not exist is
// StatusNotFound with a nil error; any lookup failure is returned as an error.
func (r *Runtime) Status(ctx context.Context, id uuid.UUID) (RuntimeStatus, error) {
	rec, err := r.store.GetTask(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			return StatusNotFound, nil
		}
		return "", fmt.Errorf("failed to look up task %s: %w", id, err)
	}
	return RuntimeStatusOf(rec.Status), nil
}

// Terminate stops id. A task that is already terminal is left unchanged and
// nil is returned. An in-flight execution in this process is cancelled and
// its result discarded.
func (r *Runtime) Terminate(ctx context.Context, id uuid.UUID) error {
	changed, err := r.store.TerminateTask(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to terminate task %s: %w", id, err)
	}

	r.mu.Lock()
	exec, inFlight := r.running[id]
	r.mu.Unlock()
	if inFlight {
		exec.cancel(errTerminated)
	}

	r.logger.Info("task terminated",
		"task_id", id,
		"was_live", changed,
		"cancelled_in_flight", inFlight)
	return nil
}

// Serve recovers unfinished tasks, starts the worker pool and runs the
// stuck task monitor until ctx is cancelled.
func (r *Runtime) Serve(ctx context.Context) error {
	if err := r.Recover(ctx); err != nil {
		return fmt.Errorf("failed to recover tasks: %w", err)
	}

	pool := NewWorkerPool(r.queue, WorkerPoolConfig{WorkerCount: r.config.WorkerCount}, r.processTask, r.logger)
	pool.Start()
	defer pool.Stop()

	ticker := time.NewTicker(r.config.StuckTaskCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.resetStuckTasks(ctx)
			r.sweepPending(ctx)
		}
	}
}

// Recover loads any unfinished tasks from the database. Tasks left in
// processing by a previous run are reset to pending and re-queued.
func (r *Runtime) Recover(ctx context.Context) error {
	pendingTasks, err := r.store.GetTasksByStatus(ctx, TaskStatusPending, 0)
	if err != nil {
		return fmt.Errorf("failed to get pending tasks: %w", err)
	}

	processingTasks, err := r.store.GetTasksByStatus(ctx, TaskStatusProcessing, 0)
	if err != nil {
		return fmt.Errorf("failed to get processing tasks: %w", err)
	}

	r.logger.Info("recovering unfinished tasks",
		"pending_count", len(pendingTasks),
		"processing_count", len(processingTasks))

	for _, rec := range pendingTasks {
		r.enqueue(rec)
		metrics.TasksRecovered.WithLabelValues("startup").Inc()
	}

	for _, rec := range processingTasks {
		if r.isRunning(rec.ID) {
			continue
		}
		reset, err := r.store.ResetTask(ctx, rec.ID, "Reset after recovery")
		if err != nil {
			r.logger.Error("failed to reset processing task status",
				"task_id", rec.ID,
				"task_type", rec.Type,
				"error", err)
			continue
		}
		if reset {
			r.enqueue(rec)
			metrics.TasksRecovered.WithLabelValues("startup").Inc()
		}
	}

	return nil
}

func (r *Runtime) enqueue(rec *Record) {
	if err := r.queue.Enqueue(rec); err != nil {
		r.logger.Warn("task persisted but not queued, pending sweep will retry",
			"task_id", rec.ID,
			"task_type", rec.Type,
			"error", err)
	}
	metrics.TaskQueueDepth.Set(float64(r.queue.Len()))
}

func (r *Runtime) isRunning(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.running[id]
	return ok
}

func (r *Runtime) register(id uuid.UUID, exec *execution) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running[id] = exec
}

// unregister removes exec only if it is still the registered execution for
// id; a re-created task may have registered a newer one.
func (r *Runtime) unregister(id uuid.UUID, exec *execution) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running[id] == exec {
		delete(r.running, id)
	}
}

// processTask claims and executes a single queued task
func (r *Runtime) processTask(poolCtx context.Context, queued *Record, workerID int) {
	metrics.TaskQueueDepth.Set(float64(r.queue.Len()))

	log := r.logger.With(
		"task_id", queued.ID,
		"task_type", queued.Type,
		"key", queued.Key,
		"worker_id", workerID,
	)
	ctx := logger.WithLogger(context.Background(), log)

	rec, err := r.store.ClaimTask(ctx, queued.ID)
	if err != nil {
		log.Error("failed to claim task", "error", err)
		return
	}
	if rec == nil {
		log.Debug("task no longer pending, skipping")
		return
	}
	log = log.With("attempt", rec.Attempt)
	ctx = logger.WithLogger(ctx, log)

	runCtx, cancel := context.WithCancelCause(logger.WithLogger(poolCtx, log))
	exec := &execution{cancel: cancel}
	r.register(rec.ID, exec)
	defer r.unregister(rec.ID, exec)
	defer cancel(nil)

	log.Info("processing task")
	start := time.Now()
	outcome, execErr := r.execute(runCtx, rec)
	metrics.TaskExecutionDuration.WithLabelValues(rec.Type).Observe(time.Since(start).Seconds())

	if errors.Is(context.Cause(runCtx), errTerminated) {
		log.Info("task terminated during execution, discarding result")
		metrics.TaskExecutions.WithLabelValues(rec.Type, "terminated").Inc()
		return
	}
	if poolCtx.Err() != nil {
		log.Warn("runtime stopping, leaving task for recovery")
		metrics.TaskExecutions.WithLabelValues(rec.Type, "abandoned").Inc()
		return
	}

	if execErr != nil && IsRetryable(execErr) && rec.Attempt-rec.ArmedAttempt < r.config.MaxAttempts {
		log.Warn("task failed with retryable error, re-queueing", "error", execErr)
		requeued, err := r.store.FinishTask(ctx, rec.ID, rec.Attempt, TaskStatusPending, execErr.Error())
		if err != nil {
			log.Error("failed to re-queue task", "error", err)
			return
		}
		if requeued {
			rec.Status = TaskStatusPending
			r.enqueue(rec)
		}
		metrics.TaskExecutions.WithLabelValues(rec.Type, "retried").Inc()
		return
	}

	// Deliver before finalizing: a crash in between re-executes the task and
	// re-delivers, and the receiver drops the duplicate.
	completion := Completion{Key: rec.Key, GenerationID: rec.ID, Outcome: outcome, Err: execErr}
	if err := r.completionHandler().HandleCompletion(ctx, completion); err != nil {
		log.Error("failed to deliver completion, leaving task for the stuck task monitor", "error", err)
		return
	}
	if errors.Is(context.Cause(runCtx), errTerminated) {
		log.Info("task terminated during delivery, leaving its row to the current creation")
		metrics.TaskExecutions.WithLabelValues(rec.Type, "terminated").Inc()
		return
	}

	status, msg := TaskStatusCompleted, ""
	if execErr != nil {
		status, msg = TaskStatusFailed, execErr.Error()
		log.Error("task execution failed", "error", execErr)
	} else {
		log.Info("task completed successfully", "label", outcome.Label)
	}

	if _, err := r.store.FinishTask(ctx, rec.ID, rec.Attempt, status, msg); err != nil {
		log.Error("failed to update task status", "status", status, "error", err)
	}
	metrics.TaskExecutions.WithLabelValues(rec.Type, string(status)).Inc()
}

// execute builds the task from its record and runs it, converting panics
// and invalid outcomes into errors.
func (r *Runtime) execute(ctx context.Context, rec *Record) (outcome *domain.Outcome, err error) {
	defer func() {
		if p := recover(); p != nil {
			outcome, err = nil, fmt.Errorf("task panicked: %v", p)
		}
	}()

	factory, ok := r.factories[rec.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, rec.Type)
	}

	t, err := factory.Build(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to build task: %w", err)
	}

	outcome, err = t.Execute(ctx)
	if err != nil {
		return nil, err
	}
	if outcome == nil {
		return nil, errors.New("task returned no outcome")
	}
	if err := outcome.Validate(); err != nil {
		return nil, fmt.Errorf("task returned invalid outcome: %w", err)
	}
	return outcome, nil
}

// resetStuckTasks resets tasks that have been in processing state for too long
func (r *Runtime) resetStuckTasks(ctx context.Context) {
	stuckTasks, err := r.store.GetTasksByStatus(ctx, TaskStatusProcessing, r.config.StuckTaskAge)
	if err != nil {
		r.logger.Error("failed to check for stuck tasks", "error", err)
		return
	}
	if len(stuckTasks) == 0 {
		return
	}

	r.logger.Info("found stuck tasks", "count", len(stuckTasks))
	for _, rec := range stuckTasks {
		if r.isRunning(rec.ID) {
			continue
		}
		reset, err := r.store.ResetTask(ctx, rec.ID, "Reset after being stuck in processing state")
		if err != nil {
			r.logger.Error("failed to reset stuck task status",
				"task_id", rec.ID,
				"task_type", rec.Type,
				"error", err)
			continue
		}
		if reset {
			r.enqueue(rec)
			metrics.TasksRecovered.WithLabelValues("stuck").Inc()
			r.logger.Info("requeued stuck task", "task_id", rec.ID, "task_type", rec.Type)
		}
	}
}

// sweepPending re-queues pending tasks that have waited longer than one
// check interval, covering tasks dropped by a full queue.
func (r *Runtime) sweepPending(ctx context.Context) {
	pending, err := r.store.GetTasksByStatus(ctx, TaskStatusPending, r.config.StuckTaskCheckInterval)
	if err != nil {
		r.logger.Error("failed to sweep pending tasks", "error", err)
		return
	}
	for _, rec := range pending {
		r.enqueue(rec)
		metrics.TasksRecovered.WithLabelValues("sweep").Inc()
	}
}
