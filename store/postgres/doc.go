// Package postgres implements the store using pgx/v5 with raw SQL.
// Features: guarded terminal-state updates, interval-based stale sweeps,
// embedded SQL migrations.
package postgres
