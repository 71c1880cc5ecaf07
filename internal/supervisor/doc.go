// Package supervisor runs the long-lived parts of the ingest service under a
// suture supervisor tree: the task runtime and the message router in the
// processing layer, the HTTP server in the API layer. A service that fails
// is restarted with backoff without taking the others down.
package supervisor
