// Package task is the durable background task runtime. Tasks are persisted
// before they are queued, keyed by the generation they belong to, and
// executed by a worker pool. The runtime answers status lookups, terminates
// superseded tasks, recovers unfinished work after a restart, and reports
// each finished attempt to a CompletionHandler.
package task
