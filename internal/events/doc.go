// Package events defines the inbound object-lifecycle event, the decoder for
// object-storage event notifications, and the handler interface that
// connects transports to the orchestrator.
//
// Transports (the JetStream router, the HTTP ingress) decode a notification
// into an ObjectEvent and hand it to an EventHandler. The handler's error
// decides acknowledgment: nil acks, a validation error is terminal, anything
// else asks for redelivery.
package events
