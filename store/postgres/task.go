package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/courierq/courier"
	"github.com/courierq/courier/id"
	"github.com/courierq/courier/task"
)

const taskColumns = `
	id, name, queue, state, attempt, max_attempts,
	last_error, result, worker_id,
	enqueued_at, started_at, completed_at, updated_at`

// Create persists a new task record.
func (s *Store) Create(ctx context.Context, rec *task.Record) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO courier_tasks (
			id, name, queue, state, attempt, max_attempts,
			last_error, result, worker_id,
			enqueued_at, started_at, completed_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9,
			$10, $11, $12, $13
		)`,
		rec.ID.String(), rec.Name, rec.Queue, string(rec.State),
		rec.Attempt, rec.MaxAttempts,
		rec.LastError, rec.Result, rec.WorkerID.String(),
		rec.EnqueuedAt, rec.StartedAt, rec.CompletedAt, rec.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return courier.ErrTaskAlreadyExists
		}
		return fmt.Errorf("courier/postgres: create record: %w", err)
	}
	return nil
}

// Get retrieves a task record by ID.
func (s *Store) Get(ctx context.Context, taskID id.TaskID) (*task.Record, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM courier_tasks WHERE id = $1`,
		taskID.String(),
	)

	rec, err := scanRecord(row)
	if err != nil {
		if isNoRows(err) {
			return nil, courier.ErrTaskNotFound
		}
		return nil, fmt.Errorf("courier/postgres: get record: %w", err)
	}
	return rec, nil
}

// Update overwrites the record keyed by rec.ID. The state guard in the
// WHERE clause makes the terminal write-once rule a single atomic
// statement: a record already in succeeded or dead_lettered is never
// touched.
func (s *Store) Update(ctx context.Context, rec *task.Record) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE courier_tasks SET
			name = $2, queue = $3, state = $4,
			attempt = $5, max_attempts = $6,
			last_error = $7, result = $8, worker_id = $9,
			started_at = $10, completed_at = $11, updated_at = NOW()
		WHERE id = $1
		  AND state NOT IN ('succeeded', 'dead_lettered')`,
		rec.ID.String(), rec.Name, rec.Queue, string(rec.State),
		rec.Attempt, rec.MaxAttempts,
		rec.LastError, rec.Result, rec.WorkerID.String(),
		rec.StartedAt, rec.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("courier/postgres: update record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Either missing or terminal; terminal updates are silently
		// dropped.
		var exists bool
		if checkErr := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM courier_tasks WHERE id = $1)`,
			rec.ID.String(),
		).Scan(&exists); checkErr != nil {
			return fmt.Errorf("courier/postgres: update record check: %w", checkErr)
		}
		if !exists {
			return courier.ErrTaskNotFound
		}
	}
	return nil
}

// ListByState returns task records matching the given state.
func (s *Store) ListByState(ctx context.Context, state task.State, opts task.ListOpts) ([]*task.Record, error) {
	query := `SELECT ` + taskColumns + ` FROM courier_tasks WHERE state = $1`
	args := []interface{}{string(state)}
	argIdx := 2

	if opts.Queue != "" {
		query += fmt.Sprintf(" AND queue = $%d", argIdx)
		args = append(args, opts.Queue)
		argIdx++
	}

	query += " ORDER BY enqueued_at ASC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("courier/postgres: list records by state: %w", err)
	}
	defer rows.Close()

	return collectRecords(rows)
}

// Count returns the number of records matching the given options.
func (s *Store) Count(ctx context.Context, opts task.CountOpts) (int64, error) {
	query := `SELECT COUNT(*) FROM courier_tasks WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if opts.Queue != "" {
		query += fmt.Sprintf(" AND queue = $%d", argIdx)
		args = append(args, opts.Queue)
		argIdx++
	}
	if opts.State != "" {
		query += fmt.Sprintf(" AND state = $%d", argIdx)
		args = append(args, string(opts.State))
	}

	var count int64
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("courier/postgres: count records: %w", err)
	}
	return count, nil
}

// SweepStale forces Running records not updated within threshold back
// to Retrying and returns them, all in one statement.
func (s *Store) SweepStale(ctx context.Context, threshold time.Duration) ([]*task.Record, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE courier_tasks
		SET state = 'retrying', updated_at = NOW()
		WHERE state = 'running'
		  AND updated_at < NOW() - $1::interval
		RETURNING `+taskColumns,
		threshold.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("courier/postgres: sweep stale records: %w", err)
	}
	defer rows.Close()

	return collectRecords(rows)
}

// scanRecord scans a single task record row.
func scanRecord(row pgx.Row) (*task.Record, error) {
	var (
		rec       task.Record
		idStr     string
		stateStr  string
		workerStr string
	)
	err := row.Scan(
		&idStr, &rec.Name, &rec.Queue, &stateStr,
		&rec.Attempt, &rec.MaxAttempts,
		&rec.LastError, &rec.Result, &workerStr,
		&rec.EnqueuedAt, &rec.StartedAt, &rec.CompletedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.State = task.State(stateStr)

	parsedID, parseErr := id.ParseTaskID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("courier/postgres: parse task id %q: %w", idStr, parseErr)
	}
	rec.ID = parsedID

	if workerStr != "" {
		parsedWorker, workerErr := id.ParseWorkerID(workerStr)
		if workerErr == nil {
			rec.WorkerID = parsedWorker
		}
	}

	return &rec, nil
}

// collectRecords collects all task records from query rows.
func collectRecords(rows pgx.Rows) ([]*task.Record, error) {
	var records []*task.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("courier/postgres: scan record row: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("courier/postgres: iterate record rows: %w", err)
	}
	return records, nil
}
