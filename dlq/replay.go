package dlq

import (
	"context"
	"time"

	"github.com/courierq/courier"
	"github.com/courierq/courier/envelope"
	"github.com/courierq/courier/id"
	"github.com/courierq/courier/task"
)

// Replay enqueues a DLQ entry as a fresh task: new task ID, attempt count
// reset, immediately eligible. The entry is marked replayed; the original
// dead-lettered record is untouched.
func (s *Service) Replay(ctx context.Context, entryID id.DLQID) (*task.Record, error) {
	if s.channel == nil {
		return nil, courier.ErrNoBroker
	}

	entry, err := s.store.GetDLQ(ctx, entryID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	rec := &task.Record{
		ID:          id.NewTaskID(),
		Name:        entry.TaskName,
		Queue:       entry.Queue,
		State:       task.StatePending,
		MaxAttempts: entry.MaxAttempts,
		EnqueuedAt:  now,
		UpdatedAt:   now,
	}
	if err := s.tasks.Create(ctx, rec); err != nil {
		return nil, err
	}

	env := &envelope.Envelope{
		TaskID:      rec.ID,
		Name:        entry.TaskName,
		Schema:      envelope.SchemaV1,
		Queue:       entry.Queue,
		Payload:     entry.Payload,
		MaxAttempts: entry.MaxAttempts,
		EnqueuedAt:  now,
	}
	if err := s.channel.Publish(ctx, env); err != nil {
		return nil, err
	}

	if err := s.store.ReplayDLQ(ctx, entryID); err != nil {
		// The task is already enqueued. Surface the marking failure but
		// return the record so the caller can track it.
		return rec, err
	}

	return rec, nil
}
