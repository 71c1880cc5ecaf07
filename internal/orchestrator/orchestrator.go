package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/phrazzld/scry-ingest/internal/domain"
	"github.com/phrazzld/scry-ingest/internal/events"
	"github.com/phrazzld/scry-ingest/internal/metrics"
	"github.com/phrazzld/scry-ingest/internal/objectstore"
	"github.com/phrazzld/scry-ingest/internal/platform/logger"
	"github.com/phrazzld/scry-ingest/internal/platform/tracing"
	"github.com/phrazzld/scry-ingest/internal/store"
	"github.com/phrazzld/scry-ingest/internal/task"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Config tunes the orchestrator.
type Config struct {
	// CallTimeout bounds each call into the task runtime.
	CallTimeout time.Duration
}

// Orchestrator handles object events and task completions for all entities.
// Work for one key is serialized; different keys proceed in parallel.
type Orchestrator struct {
	entities   store.EntityStore
	objects    objectstore.Store
	gate       *Gate
	controller *Controller
	guard      *Guard
	locks      *KeyLock
	validate   *validator.Validate
	logger     *slog.Logger
}

// New wires the gate, controller and guard over the given collaborators.
// objects may be nil, which disables the object existence check on upload.
func New(
	entities store.EntityStore,
	tracker store.TaskTracker,
	runtime TaskRuntime,
	objects objectstore.Store,
	cfg Config,
	logger *slog.Logger,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		entities:   entities,
		objects:    objects,
		gate:       NewGate(entities, logger),
		controller: NewController(runtime, tracker, entities, cfg.CallTimeout, logger),
		guard:      NewGuard(entities, tracker, logger),
		locks:      NewKeyLock(),
		validate:   validator.New(),
		logger:     logger.With("component", "orchestrator"),
	}
}

var (
	_ events.EventHandler    = (*Orchestrator)(nil)
	_ task.CompletionHandler = (*Orchestrator)(nil)
)

// HandleEvent processes one object event. It returns nil when the event was
// applied or found stale, a ValidationError when it can never be applied,
// and a retryable error otherwise.
func (o *Orchestrator) HandleEvent(ctx context.Context, ev events.ObjectEvent) (err error) {
	start := time.Now()
	action := actionLabel(ev.Action)

	ctx, span := tracing.StartSpan(ctx, "orchestrator.handle_event",
		attribute.String("event.id", ev.ID.String()),
		attribute.String("entity.key", ev.Key),
		attribute.String("event.action", action),
	)
	defer span.End()

	log := o.logger.With("event_id", ev.ID, "key", ev.Key, "action", action)
	if ev.Correlation != "" {
		log = log.With("correlation", ev.Correlation)
	}
	ctx = logger.WithLogger(ctx, log)

	decision := "error"
	defer func() {
		if err != nil {
			if IsValidation(err) {
				decision = "invalid"
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.String("gate.decision", decision))
		metrics.EventsTotal.WithLabelValues(action, decision).Inc()
		metrics.EventDuration.WithLabelValues(action).Observe(time.Since(start).Seconds())
	}()

	marker, err := o.validateEvent(ev)
	if err != nil {
		log.Warn("invalid event", "error", err)
		return err
	}

	if ev.Action == events.ActionDelete {
		decision, err = o.handleDeletion(ctx, ev.Key, marker)
	} else {
		decision, err = o.handleUpload(ctx, span, ev, marker)
	}
	if err != nil {
		if IsInvariantViolation(err) {
			log.Error("event failed", "error", err, "invariant_violation", true)
		} else if IsValidation(err) {
			log.Warn("event rejected", "error", err)
		} else {
			log.Error("event failed", "error", err, "retryable", IsRetryable(err))
		}
	}
	return err
}

func (o *Orchestrator) handleUpload(
	ctx context.Context,
	span trace.Span,
	ev events.ObjectEvent,
	marker domain.OrderingMarker,
) (string, error) {
	if err := o.checkObject(ctx, ev.ObjectRef); err != nil {
		return "error", err
	}

	unlock, err := o.locks.LockContext(ctx, ev.Key)
	if err != nil {
		return "error", transient("acquire key lock", err)
	}
	defer unlock()

	d, err := o.gate.Accept(ctx, ev.Key, marker, ev.ObjectRef)
	if err != nil {
		return "error", err
	}
	if d.Kind == DecisionStale {
		return d.Kind.String(), nil
	}
	span.SetAttributes(attribute.String("entity.generation_id", d.GenerationID.String()))

	spec, err := task.NewClassificationSpec(ev.Key, d.GenerationID, d.Record.ObjectRef)
	if err != nil {
		return "error", fmt.Errorf("build task spec: %w", err)
	}

	if _, err := o.controller.ResetAndLaunch(ctx, ev.Key, d.GenerationID, spec); err != nil {
		return "error", err
	}
	return d.Kind.String(), nil
}

func (o *Orchestrator) handleDeletion(ctx context.Context, key string, marker domain.OrderingMarker) (string, error) {
	unlock, err := o.locks.LockContext(ctx, key)
	if err != nil {
		return "error", transient("acquire key lock", err)
	}
	defer unlock()

	d, err := o.gate.AcceptDeletion(ctx, key, marker)
	if err != nil {
		return "error", err
	}

	if d.Kind == DecisionStale {
		// A redelivered deletion finds the row already gone; finish retiring
		// whatever an earlier attempt left behind.
		_, err := o.entities.Get(ctx, key)
		if err == nil {
			return d.Kind.String(), nil
		}
		if !errors.Is(err, store.ErrEntityNotFound) {
			return "error", transient("read entity", err)
		}
	}

	retired, err := o.controller.Retire(ctx, key)
	if err != nil {
		return "error", err
	}
	if retired > 0 {
		logger.FromContextOrDefault(ctx, o.logger).Info("retired tasks of deleted entity", "retired", retired)
	}
	return d.Kind.String(), nil
}

// HandleCompletion applies a task completion under the entity's lock.
// A returned error leaves the task unfinished so it is reported again.
func (o *Orchestrator) HandleCompletion(ctx context.Context, c task.Completion) error {
	ctx, span := tracing.StartSpan(ctx, "orchestrator.handle_completion",
		attribute.String("entity.key", c.Key),
		attribute.String("entity.generation_id", c.GenerationID.String()),
	)
	defer span.End()

	ctx = logger.WithLogger(ctx, o.logger.With("key", c.Key))

	unlock, err := o.locks.LockContext(ctx, c.Key)
	if err != nil {
		return transient("acquire key lock", err)
	}
	defer unlock()

	outcome, detail := c.Outcome, ""
	if c.Err != nil {
		outcome, detail = nil, c.Err.Error()
	}

	result, err := o.guard.ApplyOutcome(ctx, c.Key, c.GenerationID, outcome, detail)
	if err != nil && IsValidation(err) {
		result, err = o.guard.ApplyOutcome(ctx, c.Key, c.GenerationID, nil, err.Error())
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	span.SetAttributes(attribute.String("guard.result", result.String()))
	return nil
}

// Entity returns the stored record for key.
func (o *Orchestrator) Entity(ctx context.Context, key string) (*domain.EntityRecord, error) {
	return o.entities.Get(ctx, key)
}

func (o *Orchestrator) validateEvent(ev events.ObjectEvent) (domain.OrderingMarker, error) {
	if err := o.validate.Struct(ev); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return 0, &ValidationError{
				Field: fe.Field(),
				Err:   fmt.Errorf("%w: failed on %q", domain.ErrValidation, fe.Tag()),
			}
		}
		return 0, &ValidationError{Err: fmt.Errorf("%w: %v", domain.ErrValidation, err)}
	}

	marker, err := domain.ParseOrderingMarker(ev.Marker)
	if err != nil {
		return 0, &ValidationError{Field: "Marker", Err: err}
	}
	return marker, nil
}

// checkObject rejects uploads whose object no longer exists.
func (o *Orchestrator) checkObject(ctx context.Context, objectRef string) error {
	if o.objects == nil {
		return nil
	}

	ref, err := objectstore.ParseRef(objectRef)
	if err != nil {
		return &ValidationError{Field: "ObjectRef", Err: err}
	}

	if _, err := o.objects.Stat(ctx, ref); err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			return &ValidationError{Field: "ObjectRef", Err: err}
		}
		return transient("stat object", err)
	}
	return nil
}

func actionLabel(a events.Action) string {
	switch a {
	case events.ActionUpload, events.ActionDelete:
		return string(a)
	default:
		return "unknown"
	}
}
