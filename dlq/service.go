package dlq

import (
	"context"
	"time"

	"github.com/courierq/courier/broker"
	"github.com/courierq/courier/envelope"
	"github.com/courierq/courier/id"
	"github.com/courierq/courier/task"
)

// Service provides high-level DLQ operations over a Store.
type Service struct {
	store   Store
	tasks   task.Store
	channel broker.Channel
}

// NewService creates a DLQ service. channel may be nil when replay is not
// needed (a worker that only pushes).
func NewService(store Store, tasks task.Store, channel broker.Channel) *Service {
	return &Service{store: store, tasks: tasks, channel: channel}
}

// Push builds a DLQ Entry from a failed envelope and persists it.
// The error string is captured from the original handler error.
func (s *Service) Push(ctx context.Context, env *envelope.Envelope, taskErr error) error {
	now := time.Now().UTC()
	entry := &Entry{
		ID:          id.NewDLQID(),
		TaskID:      env.TaskID,
		TaskName:    env.Name,
		Queue:       env.Queue,
		Payload:     env.Payload,
		Error:       taskErr.Error(),
		Attempts:    env.Attempt + 1,
		MaxAttempts: env.MaxAttempts,
		FailedAt:    now,
		CreatedAt:   now,
	}
	return s.store.PushDLQ(ctx, entry)
}

// DLQStore returns the underlying DLQ store for direct access
// to List, Get, Purge, and Count operations.
func (s *Service) DLQStore() Store {
	return s.store
}
