// Package orchestrator turns object-lifecycle events into at most one
// classification task per entity generation and records exactly one outcome
// per generation.
//
// Three components cooperate, serialized per entity key by a striped lock:
//
//   - Gate decides whether an event is fresh by comparing ordering markers,
//     and mints a new generation ID when it is.
//   - Controller retires tasks of superseded generations, then launches the
//     task for the current one. A duplicate create is reconciled against the
//     runtime and never assumed to be running.
//   - Guard applies a task completion only if its generation is still
//     current and unfinished.
//
// Orchestrator composes them behind events.EventHandler and
// task.CompletionHandler. The error it returns decides acknowledgment:
// nil acks, ValidationError is terminal, anything else is retried.
package orchestrator
