package jetstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/google/uuid"
	"github.com/phrazzld/scry-ingest/internal/events"
	"github.com/phrazzld/scry-ingest/internal/metrics"
	"github.com/phrazzld/scry-ingest/internal/orchestrator"
)

const handlerName = "object_events"

// Metadata keys set on dead-lettered messages.
const (
	MetadataReason      = "dead_letter_reason"
	MetadataSourceTopic = "dead_letter_source_topic"
)

// RouterConfig configures the event router.
type RouterConfig struct {
	// Topic is the subject the object events arrive on.
	Topic string

	// DeadLetterTopic receives events that can never be processed.
	// Empty acknowledges them after logging.
	DeadLetterTopic string

	CloseTimeout time.Duration

	// In-process retries before the message is nacked back to JetStream.
	RetryMaxRetries      int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
	RetryMultiplier      float64
}

// DefaultRouterConfig returns production defaults for topic.
func DefaultRouterConfig(topic string) RouterConfig {
	return RouterConfig{
		Topic:                topic,
		CloseTimeout:         30 * time.Second,
		RetryMaxRetries:      3,
		RetryInitialInterval: 200 * time.Millisecond,
		RetryMaxInterval:     5 * time.Second,
		RetryMultiplier:      2.0,
	}
}

// Router consumes object events and hands them to an EventHandler.
type Router struct {
	router  *message.Router
	handler events.EventHandler
	cfg     RouterConfig
	dlq     message.Publisher
	logger  *slog.Logger
}

// NewRouter builds the router. dlq may be nil.
//
// Middleware, outermost first: Recoverer turns panics into errors, Retry
// retries transient failures with exponential backoff, and the terminal
// filter acknowledges events that can never succeed.
func NewRouter(
	cfg RouterConfig,
	sub message.Subscriber,
	dlq message.Publisher,
	handler events.EventHandler,
	logger *slog.Logger,
) (*Router, error) {
	if cfg.Topic == "" {
		return nil, errors.New("router topic is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	wmLogger := watermill.NewSlogLogger(logger)

	wr, err := message.NewRouter(message.RouterConfig{CloseTimeout: cfg.CloseTimeout}, wmLogger)
	if err != nil {
		return nil, fmt.Errorf("create watermill router: %w", err)
	}

	r := &Router{
		router:  wr,
		handler: handler,
		cfg:     cfg,
		dlq:     dlq,
		logger:  logger.With("component", "event_router"),
	}

	wr.AddMiddleware(middleware.Recoverer)
	if cfg.RetryMaxRetries > 0 {
		retry := middleware.Retry{
			MaxRetries:      cfg.RetryMaxRetries,
			InitialInterval: cfg.RetryInitialInterval,
			MaxInterval:     cfg.RetryMaxInterval,
			Multiplier:      cfg.RetryMultiplier,
			Logger:          wmLogger,
		}
		wr.AddMiddleware(retry.Middleware)
	}
	wr.AddMiddleware(r.terminalFilter)

	wr.AddConsumerHandler(handlerName, cfg.Topic, sub, r.handle)
	return r, nil
}

// handle decodes the notification and runs the event handler.
func (r *Router) handle(msg *message.Message) error {
	id, err := uuid.Parse(msg.UUID)
	if err != nil {
		id = uuid.NewSHA1(uuid.NameSpaceOID, []byte(msg.UUID))
	}

	correlation := middleware.MessageCorrelationID(msg)
	if correlation == "" {
		correlation = msg.UUID
	}

	ev, err := events.Decode(msg.Payload, id, correlation)
	if err != nil {
		return err
	}
	return r.handler.HandleEvent(msg.Context(), ev)
}

// terminalFilter acknowledges messages whose error is terminal, forwarding
// them to the dead letter topic first when one is configured. Anything else
// is returned so the message is retried and then nacked.
func (r *Router) terminalFilter(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		produced, err := h(msg)
		if err == nil {
			metrics.MessagesTotal.WithLabelValues("ack").Inc()
			return produced, nil
		}
		if !orchestrator.IsValidation(err) {
			metrics.MessagesTotal.WithLabelValues("nack").Inc()
			return nil, err
		}

		log := r.logger.With("message_uuid", msg.UUID, "error", err)
		if r.dlq == nil || r.cfg.DeadLetterTopic == "" {
			metrics.MessagesTotal.WithLabelValues("dropped").Inc()
			log.Warn("dropping invalid event")
			return nil, nil
		}

		dead := msg.Copy()
		dead.Metadata.Set(MetadataReason, err.Error())
		dead.Metadata.Set(MetadataSourceTopic, r.cfg.Topic)
		if perr := r.dlq.Publish(r.cfg.DeadLetterTopic, dead); perr != nil {
			metrics.MessagesTotal.WithLabelValues("nack").Inc()
			log.Error("failed to dead-letter invalid event", "publish_error", perr)
			return nil, fmt.Errorf("publish to dead letter topic: %w", perr)
		}
		metrics.MessagesTotal.WithLabelValues("dead_letter").Inc()
		log.Warn("invalid event dead-lettered", "topic", r.cfg.DeadLetterTopic)
		return nil, nil
	}
}

// Run consumes until ctx is cancelled or the router is closed.
func (r *Router) Run(ctx context.Context) error {
	return r.router.Run(ctx)
}

// Running is closed once the router has started all handlers.
func (r *Router) Running() chan struct{} {
	return r.router.Running()
}

// Close stops the router, waiting up to CloseTimeout for in-flight messages.
func (r *Router) Close() error {
	return r.router.Close()
}
