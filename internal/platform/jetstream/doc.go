// Package jetstream delivers object events from a durable NATS JetStream
// consumer to an events.EventHandler through a Watermill router.
//
// A handler error nacks the message so JetStream redelivers it. Events that
// can never succeed are acknowledged, after being forwarded to the dead
// letter subject when one is configured.
package jetstream
