package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/phrazzld/scry-ingest/internal/api"
	"github.com/phrazzld/scry-ingest/internal/config"
	"github.com/phrazzld/scry-ingest/internal/orchestrator"
	"github.com/phrazzld/scry-ingest/internal/platform/gemini"
	"github.com/phrazzld/scry-ingest/internal/platform/jetstream"
	"github.com/phrazzld/scry-ingest/internal/platform/minio"
	"github.com/phrazzld/scry-ingest/internal/platform/postgres"
	"github.com/phrazzld/scry-ingest/internal/platform/tracing"
	"github.com/phrazzld/scry-ingest/internal/supervisor"
	"github.com/phrazzld/scry-ingest/internal/task"
)

// application holds the process-wide dependencies and releases them on
// shutdown.
type application struct {
	config *config.Config
	logger *slog.Logger

	db             *sql.DB
	shutdownTracer func(context.Context) error

	objects      *minio.Store
	runtime      *task.Runtime
	orchestrator *orchestrator.Orchestrator
	consumers    *consumerTracker
}

// newApplication connects to every backing service and wires the
// orchestrator between the message consumer, the task runtime and the
// HTTP surface.
func newApplication(ctx context.Context, cfg *config.Config, log *slog.Logger) (*application, error) {
	app := &application{config: cfg, logger: log, consumers: &consumerTracker{}}

	var err error
	app.shutdownTracer, err = tracing.Init(ctx, cfg.Tracing, serviceName)
	if err != nil {
		return nil, err
	}

	app.db, err = postgres.Open(ctx, cfg.Database, log)
	if err != nil {
		app.cleanup()
		return nil, err
	}

	if cfg.Database.AutoMigrate {
		if err := postgres.Migrate(ctx, app.db, log); err != nil {
			app.cleanup()
			return nil, err
		}
	}

	app.objects, err = minio.New(cfg.ObjectStore, log)
	if err != nil {
		app.cleanup()
		return nil, err
	}

	classifier, err := gemini.New(ctx, cfg.LLM, log)
	if err != nil {
		app.cleanup()
		return nil, fmt.Errorf("failed to initialize classifier: %w", err)
	}

	factory, err := task.NewClassificationTaskFactory(app.objects, classifier, log)
	if err != nil {
		app.cleanup()
		return nil, err
	}

	app.runtime = task.NewRuntime(postgres.NewPostgresTaskStore(app.db), runtimeConfig(cfg.Task), log, factory)

	app.orchestrator = orchestrator.New(
		postgres.NewPostgresEntityStore(app.db, log),
		postgres.NewPostgresTaskTracker(app.db, log),
		app.runtime,
		app.objects,
		orchestrator.Config{CallTimeout: cfg.Task.CallTimeout},
		log,
	)
	app.runtime.SetCompletionHandler(app.orchestrator)

	log.Info("application initialized",
		"workers", cfg.Task.WorkerCount,
		"subscribers", cfg.NATS.Subscribers,
		"model", cfg.LLM.ModelName)
	return app, nil
}

func runtimeConfig(cfg config.TaskConfig) task.RuntimeConfig {
	return task.RuntimeConfig{
		WorkerCount:            cfg.WorkerCount,
		QueueSize:              cfg.QueueSize,
		StuckTaskAge:           cfg.StuckTaskAge,
		StuckTaskCheckInterval: cfg.StuckTaskCheckInterval,
		MaxAttempts:            cfg.MaxAttempts,
	}
}

// serve runs the supervisor tree until ctx is cancelled.
func (app *application) serve(ctx context.Context) error {
	tree := supervisor.NewTree(app.logger, supervisor.TreeConfig{ShutdownTimeout: app.config.Server.ShutdownTimeout})

	tree.AddProcessingService(app.runtime)
	tree.AddProcessingService(supervisor.NewRunnerService("object-events", func() (supervisor.Runner, error) {
		c, err := jetstream.NewConsumer(app.config.NATS, app.orchestrator, app.logger)
		if err != nil {
			return nil, err
		}
		return app.consumers.track(c), nil
	}))

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", app.config.Server.Port),
		Handler:           app.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	tree.AddAPIService(supervisor.NewHTTPServerService(server, app.config.Server.ShutdownTimeout))

	app.logger.Info("starting services", "port", app.config.Server.Port)
	err := tree.Serve(ctx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	if report, rerr := tree.UnstoppedServiceReport(); rerr == nil && len(report) > 0 {
		app.logger.Warn("services did not stop in time", "count", len(report))
	}
	app.logger.Info("services stopped")
	return err
}

func (app *application) router() http.Handler {
	health := api.NewHealthHandler([]api.ReadinessCheck{
		{Name: "database", Check: app.db.PingContext},
		{Name: "object_store", Check: app.objects.Ping},
		{Name: "event_consumer", Check: app.consumers.ready},
	}, 2*time.Second, app.logger)

	return api.NewRouter(api.RouterDeps{
		Events:   api.NewEventHandler(app.orchestrator, app.logger),
		Entities: api.NewEntityHandler(app.orchestrator, app.logger),
		Health:   health,
		Logger:   app.logger,
	})
}

// cleanup releases whatever newApplication managed to acquire.
func (app *application) cleanup() {
	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Error("failed to close database", "error", err)
		}
	}
	if app.shutdownTracer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := app.shutdownTracer(ctx); err != nil {
			app.logger.Error("failed to flush traces", "error", err)
		}
	}
}

// consumerTracker remembers the consumer the supervisor is currently running
// so readiness can report on it across restarts.
type consumerTracker struct {
	mu      sync.Mutex
	current *trackedConsumer
}

type trackedConsumer struct {
	*jetstream.Consumer
	tracker *consumerTracker
}

func (t *consumerTracker) track(c *jetstream.Consumer) supervisor.Runner {
	tc := &trackedConsumer{Consumer: c, tracker: t}
	t.mu.Lock()
	t.current = tc
	t.mu.Unlock()
	return tc
}

func (tc *trackedConsumer) Close() error {
	tc.tracker.mu.Lock()
	if tc.tracker.current == tc {
		tc.tracker.current = nil
	}
	tc.tracker.mu.Unlock()
	return tc.Consumer.Close()
}

var errConsumerNotRunning = errors.New("event consumer is not running")

func (t *consumerTracker) ready(_ context.Context) error {
	t.mu.Lock()
	current := t.current
	t.mu.Unlock()
	if current == nil {
		return errConsumerNotRunning
	}
	select {
	case <-current.Running():
		return nil
	default:
		return errConsumerNotRunning
	}
}
