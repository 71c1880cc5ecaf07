// Package store defines interfaces for data persistence operations.
// These interfaces abstract the underlying data storage mechanism from
// the orchestration logic, so the freshness and generation rules can be
// exercised against the in-memory implementation in tests and against
// PostgreSQL in production.
package store
