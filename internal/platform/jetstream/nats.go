package jetstream

import (
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmnats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats.go"
	"github.com/phrazzld/scry-ingest/internal/config"
)

const (
	maxReconnects = -1
	reconnectWait = 2 * time.Second
	closeTimeout  = 30 * time.Second
)

func connectOptions(logger watermill.LoggerAdapter) []nats.Option {
	return []nats.Option{
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(maxReconnects),
		nats.ReconnectWait(reconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Error("NATS disconnected", err, nil)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", watermill.LogFields{"url": nc.ConnectedUrl()})
		}),
	}
}

// NewSubscriber creates a durable, queue-grouped JetStream subscriber bound
// to the configured stream. Messages are acknowledged synchronously.
func NewSubscriber(cfg config.NATSConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	subOpts := []nats.SubOpt{
		nats.BindStream(cfg.Stream),
		nats.MaxDeliver(cfg.MaxDeliver),
		nats.AckWait(cfg.AckWait),
		nats.AckExplicit(),
		nats.DeliverAll(),
	}

	sub, err := wmnats.NewSubscriber(wmnats.SubscriberConfig{
		URL:              cfg.URL,
		QueueGroupPrefix: cfg.QueueGroup,
		SubscribersCount: cfg.Subscribers,
		AckWaitTimeout:   cfg.AckWait,
		CloseTimeout:     closeTimeout,
		NatsOptions:      connectOptions(logger),
		Unmarshaler:      &wmnats.NATSMarshaler{},
		JetStream: wmnats.JetStreamConfig{
			AutoProvision:    false,
			AckAsync:         false,
			SubscribeOptions: subOpts,
			DurablePrefix:    cfg.Durable,
		},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create jetstream subscriber: %w", err)
	}
	return sub, nil
}

// NewPublisher creates a JetStream publisher used for the dead letter subject.
func NewPublisher(cfg config.NATSConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	pub, err := wmnats.NewPublisher(wmnats.PublisherConfig{
		URL:         cfg.URL,
		NatsOptions: connectOptions(logger),
		Marshaler:   &wmnats.NATSMarshaler{},
		JetStream: wmnats.JetStreamConfig{
			AutoProvision: false,
			TrackMsgId:    true,
			PublishOptions: []nats.PubOpt{
				nats.RetryAttempts(3),
				nats.RetryWait(100 * time.Millisecond),
			},
		},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create jetstream publisher: %w", err)
	}
	return pub, nil
}
