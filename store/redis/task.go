package redis

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/courierq/courier"
	"github.com/courierq/courier/id"
	"github.com/courierq/courier/task"
)

// updateUnlessTerminal overwrites the record hash only when the stored
// state is not terminal. Returns -1 when the key is missing, 0 when the
// write was skipped, 1 when applied.
var updateUnlessTerminal = goredis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then return -1 end
if state == ARGV[1] or state == ARGV[2] then return 0 end
redis.call('DEL', KEYS[1])
for i = 3, #ARGV, 2 do
  redis.call('HSET', KEYS[1], ARGV[i], ARGV[i+1])
end
return 1
`)

// Create persists a new task record as a Hash.
func (s *Store) Create(ctx context.Context, rec *task.Record) error {
	rID := rec.ID.String()
	key := taskKey(rID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("courier/redis: create check exists: %w", err)
	}
	if exists > 0 {
		return courier.ErrTaskAlreadyExists
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, recordToMap(rec))
	pipe.SAdd(ctx, taskIDsKey, rID)
	if _, err = pipe.Exec(ctx); err != nil {
		return fmt.Errorf("courier/redis: create record: %w", err)
	}
	return nil
}

// Get retrieves a task record by ID.
func (s *Store) Get(ctx context.Context, taskID id.TaskID) (*task.Record, error) {
	return s.getByKey(ctx, taskKey(taskID.String()))
}

// Update overwrites the record keyed by rec.ID unless the stored state
// is already terminal. The check-and-write runs as a single script so a
// racing redelivery cannot clobber a recorded outcome.
func (s *Store) Update(ctx context.Context, rec *task.Record) error {
	key := taskKey(rec.ID.String())

	args := []interface{}{
		string(task.StateSucceeded),
		string(task.StateDeadLettered),
	}
	for field, val := range recordToMap(rec) {
		args = append(args, field, val)
	}

	res, err := updateUnlessTerminal.Run(ctx, s.client, []string{key}, args...).Int()
	if err != nil {
		return fmt.Errorf("courier/redis: update record: %w", err)
	}
	if res == -1 {
		return courier.ErrTaskNotFound
	}
	return nil
}

// ListByState returns task records matching the given state.
func (s *Store) ListByState(ctx context.Context, state task.State, opts task.ListOpts) ([]*task.Record, error) {
	ids, err := s.client.SMembers(ctx, taskIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("courier/redis: list records smembers: %w", err)
	}

	records := make([]*task.Record, 0, len(ids))
	for _, rID := range ids {
		rec, getErr := s.getByKey(ctx, taskKey(rID))
		if getErr != nil {
			continue // skip missing
		}
		if rec.State != state {
			continue
		}
		if opts.Queue != "" && rec.Queue != opts.Queue {
			continue
		}
		records = append(records, rec)
	}

	if opts.Offset > 0 && opts.Offset < len(records) {
		records = records[opts.Offset:]
	} else if opts.Offset >= len(records) && opts.Offset > 0 {
		return nil, nil
	}
	if opts.Limit > 0 && opts.Limit < len(records) {
		records = records[:opts.Limit]
	}
	return records, nil
}

// Count returns the number of records matching the given options.
func (s *Store) Count(ctx context.Context, opts task.CountOpts) (int64, error) {
	if opts.Queue == "" && opts.State == "" {
		return s.client.SCard(ctx, taskIDsKey).Result()
	}

	ids, err := s.client.SMembers(ctx, taskIDsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("courier/redis: count records: %w", err)
	}

	var count int64
	for _, rID := range ids {
		rec, getErr := s.getByKey(ctx, taskKey(rID))
		if getErr != nil {
			continue
		}
		if opts.Queue != "" && rec.Queue != opts.Queue {
			continue
		}
		if opts.State != "" && rec.State != opts.State {
			continue
		}
		count++
	}
	return count, nil
}

// SweepStale forces Running records not updated within threshold back to
// Retrying and returns them.
func (s *Store) SweepStale(ctx context.Context, threshold time.Duration) ([]*task.Record, error) {
	ids, err := s.client.SMembers(ctx, taskIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("courier/redis: sweep smembers: %w", err)
	}

	now := time.Now().UTC()
	cutoff := now.Add(-threshold)

	var swept []*task.Record
	for _, rID := range ids {
		rec, getErr := s.getByKey(ctx, taskKey(rID))
		if getErr != nil {
			continue
		}
		if rec.State != task.StateRunning || rec.UpdatedAt.After(cutoff) {
			continue
		}

		rec.State = task.StateRetrying
		rec.UpdatedAt = now
		if updErr := s.Update(ctx, rec); updErr != nil {
			s.logger.Warn("sweep update failed",
				slog.String("task_id", rID),
				slog.String("error", updErr.Error()),
			)
			continue
		}
		swept = append(swept, rec)
	}
	return swept, nil
}

// ── helpers ──

func (s *Store) getByKey(ctx context.Context, key string) (*task.Record, error) {
	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("courier/redis: get record: %w", err)
	}
	if len(vals) == 0 {
		return nil, courier.ErrTaskNotFound
	}
	return mapToRecord(vals)
}

func recordToMap(rec *task.Record) map[string]interface{} {
	m := map[string]interface{}{
		"id":           rec.ID.String(),
		"name":         rec.Name,
		"queue":        rec.Queue,
		"state":        string(rec.State),
		"attempt":      strconv.Itoa(rec.Attempt),
		"max_attempts": strconv.Itoa(rec.MaxAttempts),
		"last_error":   rec.LastError,
		"result":       string(rec.Result),
		"worker_id":    rec.WorkerID.String(),
		"enqueued_at":  rec.EnqueuedAt.Format(time.RFC3339Nano),
		"updated_at":   rec.UpdatedAt.Format(time.RFC3339Nano),
	}
	if rec.StartedAt != nil {
		m["started_at"] = rec.StartedAt.Format(time.RFC3339Nano)
	}
	if rec.CompletedAt != nil {
		m["completed_at"] = rec.CompletedAt.Format(time.RFC3339Nano)
	}
	return m
}

func mapToRecord(m map[string]string) (*task.Record, error) {
	rID, err := id.ParseTaskID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("courier/redis: parse task id: %w", err)
	}

	attempt, _ := strconv.Atoi(m["attempt"])                        //nolint:errcheck // best-effort parse from trusted Redis data
	maxAttempts, _ := strconv.Atoi(m["max_attempts"])               //nolint:errcheck // best-effort parse from trusted Redis data
	enqueuedAt, _ := time.Parse(time.RFC3339Nano, m["enqueued_at"]) //nolint:errcheck // best-effort parse from trusted Redis data
	updatedAt, _ := time.Parse(time.RFC3339Nano, m["updated_at"])   //nolint:errcheck // best-effort parse from trusted Redis data

	rec := &task.Record{
		ID:          rID,
		Name:        m["name"],
		Queue:       m["queue"],
		State:       task.State(m["state"]),
		Attempt:     attempt,
		MaxAttempts: maxAttempts,
		LastError:   m["last_error"],
		EnqueuedAt:  enqueuedAt,
		UpdatedAt:   updatedAt,
	}
	if v := m["result"]; v != "" {
		rec.Result = []byte(v)
	}
	if wid := m["worker_id"]; wid != "" {
		rec.WorkerID, _ = id.ParseWorkerID(wid) //nolint:errcheck // best-effort parse from trusted Redis data
	}
	if v := m["started_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		rec.StartedAt = &t
	}
	if v := m["completed_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		rec.CompletedAt = &t
	}
	return rec, nil
}
