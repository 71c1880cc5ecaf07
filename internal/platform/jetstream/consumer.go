package jetstream

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/phrazzld/scry-ingest/internal/config"
	"github.com/phrazzld/scry-ingest/internal/events"
)

// Consumer owns one router together with the subscriber and dead letter
// publisher it uses. It is single use: after Close, build a new one.
type Consumer struct {
	router *Router
	sub    message.Subscriber
	dlq    message.Publisher
}

// NewConsumer connects to NATS and builds a Consumer that delivers the
// configured subject to handler. The dead letter publisher is created only
// when cfg.DLQSubject is set.
func NewConsumer(cfg config.NATSConfig, handler events.EventHandler, logger *slog.Logger) (*Consumer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	wmLogger := watermill.NewSlogLogger(logger)

	sub, err := NewSubscriber(cfg, wmLogger)
	if err != nil {
		return nil, err
	}

	var dlq message.Publisher
	if cfg.DLQSubject != "" {
		dlq, err = NewPublisher(cfg, wmLogger)
		if err != nil {
			_ = sub.Close()
			return nil, err
		}
	}

	routerCfg := DefaultRouterConfig(cfg.Subject)
	routerCfg.DeadLetterTopic = cfg.DLQSubject

	c, err := newConsumer(routerCfg, sub, dlq, handler, logger)
	if err != nil {
		_ = sub.Close()
		if dlq != nil {
			_ = dlq.Close()
		}
		return nil, err
	}
	return c, nil
}

func newConsumer(
	cfg RouterConfig,
	sub message.Subscriber,
	dlq message.Publisher,
	handler events.EventHandler,
	logger *slog.Logger,
) (*Consumer, error) {
	router, err := NewRouter(cfg, sub, dlq, handler, logger)
	if err != nil {
		return nil, err
	}
	return &Consumer{router: router, sub: sub, dlq: dlq}, nil
}

// Run consumes until ctx is cancelled or the consumer is closed.
func (c *Consumer) Run(ctx context.Context) error {
	return c.router.Run(ctx)
}

// Running is closed once the consumer is receiving messages.
func (c *Consumer) Running() chan struct{} {
	return c.router.Running()
}

// Close stops the router, then closes the subscriber and the publisher.
func (c *Consumer) Close() error {
	errs := []error{c.router.Close(), c.sub.Close()}
	if c.dlq != nil {
		errs = append(errs, c.dlq.Close())
	}
	return errors.Join(errs...)
}
