package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/courierq/courier"
	"github.com/courierq/courier/cron"
	"github.com/courierq/courier/id"
)

const cronColumns = `
	id, name, schedule, task_name, queue, payload,
	last_run_at, next_run_at, locked_by, locked_until, enabled,
	created_at, updated_at`

// RegisterCron persists a new cron entry.
func (s *Store) RegisterCron(ctx context.Context, entry *cron.Entry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO courier_crons (
			id, name, schedule, task_name, queue, payload,
			last_run_at, next_run_at, locked_by, locked_until, enabled,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13
		)`,
		entry.ID.String(), entry.Name, entry.Schedule, entry.TaskName,
		entry.Queue, entry.Payload,
		entry.LastRunAt, entry.NextRunAt, entry.LockedBy, entry.LockedUntil,
		entry.Enabled, entry.CreatedAt, entry.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return courier.ErrDuplicateCron
		}
		return fmt.Errorf("courier/postgres: register cron: %w", err)
	}
	return nil
}

// GetCron retrieves a cron entry by ID.
func (s *Store) GetCron(ctx context.Context, entryID id.CronID) (*cron.Entry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+cronColumns+` FROM courier_crons WHERE id = $1`,
		entryID.String(),
	)

	e, err := scanCron(row)
	if err != nil {
		if isNoRows(err) {
			return nil, courier.ErrCronNotFound
		}
		return nil, fmt.Errorf("courier/postgres: get cron: %w", err)
	}
	return e, nil
}

// ListCrons returns all cron entries.
func (s *Store) ListCrons(ctx context.Context) ([]*cron.Entry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+cronColumns+` FROM courier_crons ORDER BY created_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("courier/postgres: list crons: %w", err)
	}
	defer rows.Close()

	var entries []*cron.Entry
	for rows.Next() {
		e, scanErr := scanCron(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("courier/postgres: scan cron row: %w", scanErr)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("courier/postgres: iterate cron rows: %w", err)
	}
	return entries, nil
}

// AcquireCronLock attempts to take the firing lock for a cron entry.
// The expiry check runs inside the UPDATE so two schedulers cannot both
// win the same entry.
func (s *Store) AcquireCronLock(ctx context.Context, entryID id.CronID, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE courier_crons
		SET locked_by = $2, locked_until = NOW() + $3::interval, updated_at = NOW()
		WHERE id = $1
		  AND (locked_by = '' OR locked_by = $2 OR locked_until IS NULL OR locked_until < NOW())`,
		entryID.String(), workerID.String(), ttl.String(),
	)
	if err != nil {
		return false, fmt.Errorf("courier/postgres: acquire cron lock: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Locked by someone else, or missing.
		var exists bool
		if checkErr := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM courier_crons WHERE id = $1)`,
			entryID.String(),
		).Scan(&exists); checkErr != nil {
			return false, fmt.Errorf("courier/postgres: acquire cron lock check: %w", checkErr)
		}
		if !exists {
			return false, courier.ErrCronNotFound
		}
		return false, nil
	}
	return true, nil
}

// ReleaseCronLock releases the firing lock for a cron entry.
func (s *Store) ReleaseCronLock(ctx context.Context, entryID id.CronID, workerID id.WorkerID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE courier_crons
		SET locked_by = '', locked_until = NULL, updated_at = NOW()
		WHERE id = $1 AND locked_by = $2`,
		entryID.String(), workerID.String(),
	)
	if err != nil {
		return fmt.Errorf("courier/postgres: release cron lock: %w", err)
	}
	return nil
}

// UpdateCronLastRun records when a cron entry last fired.
func (s *Store) UpdateCronLastRun(ctx context.Context, entryID id.CronID, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE courier_crons SET last_run_at = $2, updated_at = NOW() WHERE id = $1`,
		entryID.String(), at,
	)
	if err != nil {
		return fmt.Errorf("courier/postgres: update cron last run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return courier.ErrCronNotFound
	}
	return nil
}

// UpdateCronEntry updates a cron entry. Lock fields are managed by
// Acquire/ReleaseCronLock and left untouched here.
func (s *Store) UpdateCronEntry(ctx context.Context, entry *cron.Entry) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE courier_crons SET
			name = $2, schedule = $3, task_name = $4, queue = $5,
			payload = $6, last_run_at = $7, next_run_at = $8,
			enabled = $9, updated_at = NOW()
		WHERE id = $1`,
		entry.ID.String(), entry.Name, entry.Schedule, entry.TaskName,
		entry.Queue, entry.Payload, entry.LastRunAt, entry.NextRunAt,
		entry.Enabled,
	)
	if err != nil {
		return fmt.Errorf("courier/postgres: update cron: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return courier.ErrCronNotFound
	}
	return nil
}

// DeleteCron removes a cron entry by ID.
func (s *Store) DeleteCron(ctx context.Context, entryID id.CronID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM courier_crons WHERE id = $1`,
		entryID.String(),
	)
	if err != nil {
		return fmt.Errorf("courier/postgres: delete cron: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return courier.ErrCronNotFound
	}
	return nil
}

// scanCron scans a single cron entry row.
func scanCron(row pgx.Row) (*cron.Entry, error) {
	var (
		e     cron.Entry
		idStr string
	)
	err := row.Scan(
		&idStr, &e.Name, &e.Schedule, &e.TaskName, &e.Queue, &e.Payload,
		&e.LastRunAt, &e.NextRunAt, &e.LockedBy, &e.LockedUntil, &e.Enabled,
		&e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	parsedID, parseErr := id.ParseCronID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("courier/postgres: parse cron id %q: %w", idStr, parseErr)
	}
	e.ID = parsedID

	return &e, nil
}
