// Package store defines the aggregate persistence interface. Each
// subsystem (task, dlq, cron) defines its own store interface; the
// composite Store composes them all. Backends: Postgres, Redis, and
// Memory.
package store

import (
	"context"

	"github.com/courierq/courier/cron"
	"github.com/courierq/courier/dlq"
	"github.com/courierq/courier/task"
)

// Store is the aggregate persistence interface. A single backend
// implements all subsystem contracts.
type Store interface {
	task.Store
	dlq.Store
	cron.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
