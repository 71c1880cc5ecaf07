package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingestion Metrics
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_events_total",
			Help: "Object events processed, by action and gate decision",
		},
		[]string{"action", "decision"}, // decision: fresh, resume, stale, invalid, error
	)

	EventDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ingest_event_duration_seconds",
			Help:    "Time to handle one object event end to end",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"action"},
	)

	// Task Lifecycle Metrics
	TaskLaunches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_task_launches_total",
			Help: "Task launch attempts by result",
		},
		[]string{"result"}, // created, recreated, transient_error, invariant_violation
	)

	Reconciliations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_task_reconciliations_total",
			Help: "Prior tasks examined before a launch, by observed runtime status",
		},
		[]string{"status"},
	)

	InvariantViolations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ingest_invariant_violations_total",
			Help: "Launches refused because a duplicate task could not be reconciled",
		},
	)

	// Result Application Metrics
	Completions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_completions_total",
			Help: "Task completions by application result",
		},
		[]string{"result"}, // applied, dropped_stale, error
	)

	// Task Runtime Metrics
	TaskExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_task_executions_total",
			Help: "Task execution attempts by final status",
		},
		[]string{"type", "status"}, // completed, failed, retried, terminated, abandoned
	)

	TaskExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ingest_task_execution_duration_seconds",
			Help:    "Duration of task executions",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"type"},
	)

	TaskQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ingest_task_queue_depth",
			Help: "Records waiting in the in-memory task queue",
		},
	)

	TasksRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_tasks_recovered_total",
			Help: "Tasks re-queued by recovery, the stuck task monitor or the pending sweep",
		},
		[]string{"source"}, // startup, stuck, sweep
	)

	// Classifier Metrics
	ClassifierRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_classifier_requests_total",
			Help: "Classifier API calls by result",
		},
		[]string{"result"},
	)

	ClassifierDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ingest_classifier_request_duration_seconds",
			Help:    "Duration of classifier API calls",
			Buckets: prometheus.DefBuckets,
		},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ingest_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	// HTTP Metrics
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_http_requests_total",
			Help: "HTTP requests by route and status code",
		},
		[]string{"route", "method", "code"},
	)

	// Delivery Metrics
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_messages_total",
			Help: "Message handling attempts by disposition (ack, nack, dead_letter, dropped)",
		},
		[]string{"disposition"},
	)
)
