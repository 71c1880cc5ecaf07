// Package metrics holds the Prometheus collectors for event ingestion,
// task launches and reconciliation, result application, the task runtime
// and the classifier. Collectors register with the default registry and are
// served by the HTTP /metrics endpoint.
package metrics
