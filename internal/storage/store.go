// Package storage defines the persistence interface for execution audit
// records. Two backends are provided: SQLite (default, zero-config) and
// PostgreSQL (multi-instance deployments). Audit persistence is an
// observer: a storage failure never fails a task.
package storage

import (
	"context"

	"github.com/nekrolabs/sandpool/internal/executor"
)

// Supported backend driver names.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Store is the audit persistence interface.
type Store interface {
	// Executions returns the execution audit sub-store.
	Executions() executor.AuditStore

	// Migrate creates or updates the schema.
	Migrate(ctx context.Context) error

	// Ping verifies the backend is reachable. Used by readiness checks.
	Ping(ctx context.Context) error

	// Close releases the underlying connection.
	Close() error

	// Driver returns the backend name ("sqlite" or "postgres").
	Driver() string
}
