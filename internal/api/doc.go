// Package api is the HTTP surface of the ingest service: an event ingress
// for producers that cannot publish to the message stream, a read endpoint
// for entity records, health and readiness probes, and Prometheus metrics.
//
// Handlers translate HTTP concerns to orchestrator calls. Error responses
// never carry internal error text; details go to the request-scoped log,
// redacted.
package api
