// Package postgres provides the PostgreSQL implementations of the entity
// store, the task tracker and the task store, together with the embedded
// goose migrations that create their tables.
//
// Freshness decisions are made in SQL: every write that depends on an
// ordering marker or a generation ID is a single conditional statement or
// runs under a per-key advisory lock.
package postgres
