// Command publish-event publishes one object-storage event notification to
// the JetStream subject the ingest service consumes. It is a development
// aid for replaying notifications and exercising ordering by hand.
package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/phrazzld/scry-ingest/internal/config"
	"github.com/phrazzld/scry-ingest/internal/events"
	"github.com/phrazzld/scry-ingest/internal/platform/jetstream"
)

func main() {
	if err := run(os.Args[1:], os.Stdin); err != nil {
		fmt.Fprintln(os.Stderr, "publish-event:", err)
		os.Exit(1)
	}
}

type options struct {
	natsURL     string
	subject     string
	file        string
	correlation string
}

func parseFlags(args []string) (options, error) {
	fs := flag.NewFlagSet("publish-event", flag.ContinueOnError)
	var opts options
	fs.StringVar(&opts.natsURL, "nats-url", envOr("INGEST_NATS_URL", "nats://localhost:4222"), "NATS server URL")
	fs.StringVar(&opts.subject, "subject", envOr("INGEST_NATS_SUBJECT", "objects.events"), "subject to publish on")
	fs.StringVar(&opts.file, "file", "-", "notification JSON file, - for stdin")
	fs.StringVar(&opts.correlation, "correlation", "", "correlation ID attached to the message")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	return opts, nil
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func run(args []string, stdin io.Reader) error {
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}

	payload, err := readPayload(opts.file, stdin)
	if err != nil {
		return err
	}

	msg, err := buildMessage(payload, opts.correlation)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	pub, err := jetstream.NewPublisher(config.NATSConfig{URL: opts.natsURL}, watermill.NewSlogLogger(logger))
	if err != nil {
		return err
	}
	defer func() { _ = pub.Close() }()

	if err := pub.Publish(opts.subject, msg); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	fmt.Printf("published %s to %s\n", msg.UUID, opts.subject)
	return nil
}

func readPayload(path string, stdin io.Reader) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(path)
}

// buildMessage checks that payload decodes to a supported event before it
// is published, so typos fail here instead of in the dead letter subject.
func buildMessage(payload []byte, correlation string) (*message.Message, error) {
	n, err := events.DecodeNotification(payload)
	if err != nil {
		return nil, err
	}
	if _, err := events.ParseAction(n.Action); err != nil {
		return nil, err
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	if correlation == "" {
		correlation = fmt.Sprintf("publish-event-%d", time.Now().UnixNano())
	}
	middleware.SetCorrelationID(correlation, msg)
	return msg, nil
}
