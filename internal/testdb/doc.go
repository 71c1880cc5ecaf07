// Package testdb starts disposable PostgreSQL instances for integration
// tests and runs test bodies inside rolled-back transactions.
//
// It is compiled only with the integration build tag:
//
//	go test -tags=integration ./...
//
// Tests are skipped when Docker is not available.
package testdb
