// Package domain contains the core entities of the ingest service: the per-entity
// state record, ordering markers, task states and classification outcomes.
// It is independent of storage, transport and the task runtime.
package domain
