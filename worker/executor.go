// Package worker provides the task execution engine — an Executor that
// runs one delivery through middleware and the registered handler, and a
// Pool that manages the bounded set of executor slots consuming the
// broker.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/courierq/courier"
	"github.com/courierq/courier/broker"
	"github.com/courierq/courier/dlq"
	"github.com/courierq/courier/envelope"
	"github.com/courierq/courier/event"
	"github.com/courierq/courier/id"
	"github.com/courierq/courier/middleware"
	"github.com/courierq/courier/retry"
	"github.com/courierq/courier/task"
)

// Executor settles a single delivery: it runs the handler through the
// middleware chain, records the outcome, and applies the retry policy.
type Executor struct {
	registry   *task.Registry
	store      task.Store
	channel    broker.Channel
	dlqService *dlq.Service
	policy     *retry.Policy
	mw         middleware.Middleware
	events     *event.Bus
	workerID   id.WorkerID
	logger     *slog.Logger
}

// NewExecutor creates an Executor with the given dependencies. events
// may be nil when lifecycle notifications are not needed.
func NewExecutor(
	registry *task.Registry,
	store task.Store,
	channel broker.Channel,
	dlqService *dlq.Service,
	policy *retry.Policy,
	events *event.Bus,
	workerID id.WorkerID,
	logger *slog.Logger,
	mws ...middleware.Middleware,
) *Executor {
	return &Executor{
		registry:   registry,
		store:      store,
		channel:    channel,
		dlqService: dlqService,
		policy:     policy,
		mw:         middleware.Chain(mws...),
		events:     events,
		workerID:   workerID,
		logger:     logger,
	}
}

// notify publishes a lifecycle event when a bus is attached.
func (e *Executor) notify(t event.Type, rec *task.Record, taskErr error) {
	if e.events == nil {
		return
	}
	evt := event.Event{
		Type:     t,
		TaskID:   rec.ID,
		TaskName: rec.Name,
		Queue:    rec.Queue,
		Attempt:  rec.Attempt,
		At:       time.Now().UTC(),
	}
	if taskErr != nil {
		evt.Error = taskErr.Error()
	}
	e.events.Publish(evt)
}

// Execute processes one delivery end to end.
//
// On handler success: record Succeeded with the result, acknowledge.
// On failure with budget remaining: record Retrying, publish the retry
// successor with a future visibility timestamp, acknowledge the old
// delivery. On exhausted budget or non-retryable failure: record
// DeadLettered, push a DLQ entry, acknowledge.
//
// A delivery whose record is already terminal is acknowledged without
// executing: at-least-once redelivery must never change a recorded
// outcome.
func (e *Executor) Execute(ctx context.Context, d *broker.Delivery) error {
	env := d.Env

	rec, err := e.claimRecord(ctx, env)
	if err != nil {
		if errors.Is(err, errAlreadyTerminal) {
			return e.ack(ctx, d)
		}
		// Store unavailable: leave the delivery unacknowledged so the
		// broker redelivers after the visibility timeout.
		e.logger.Error("cannot claim task record",
			slog.String("task_id", env.TaskID.String()),
			slog.String("error", err.Error()),
		)
		return err
	}

	if env.Schema != "" && env.Schema != envelope.SchemaV1 {
		return e.deadLetter(ctx, d, rec,
			courier.NonRetryablef("unsupported envelope schema %q", env.Schema))
	}

	handler, ok := e.registry.Get(env.Name)
	if !ok {
		// Version skew between producer and worker deployments: nothing
		// here can ever run this task.
		return e.deadLetter(ctx, d, rec, courier.NonRetryablef("%s: %q",
			courier.ErrUnknownTask.Error(), env.Name))
	}

	var result []byte
	terminal := func(ctx context.Context) error {
		var handlerErr error
		result, handlerErr = handler(ctx, env.Payload)
		return handlerErr
	}

	execErr := e.mw(ctx, env, terminal)

	if execErr != nil {
		return e.handleFailure(ctx, d, rec, execErr)
	}
	return e.handleSuccess(ctx, d, rec, result)
}

// errAlreadyTerminal signals the record has a write-once final state.
var errAlreadyTerminal = errors.New("worker: record already terminal")

// claimRecord loads the record for env and marks it Running. A missing
// record (partial enqueue, replayed broker backlog) is recreated from the
// envelope so the outcome still gets recorded.
func (e *Executor) claimRecord(ctx context.Context, env *envelope.Envelope) (*task.Record, error) {
	now := time.Now().UTC()

	rec, err := e.store.Get(ctx, env.TaskID)
	switch {
	case errors.Is(err, courier.ErrTaskNotFound):
		rec = &task.Record{
			ID:          env.TaskID,
			Name:        env.Name,
			Queue:       env.Queue,
			State:       task.StatePending,
			MaxAttempts: env.MaxAttempts,
			EnqueuedAt:  env.EnqueuedAt,
			UpdatedAt:   now,
		}
		if createErr := e.store.Create(ctx, rec); createErr != nil && !errors.Is(createErr, courier.ErrTaskAlreadyExists) {
			return nil, createErr
		}
	case err != nil:
		return nil, err
	}

	if rec.State.Terminal() {
		return nil, errAlreadyTerminal
	}

	rec.State = task.StateRunning
	rec.Attempt = env.Attempt + 1
	rec.WorkerID = e.workerID
	rec.StartedAt = &now
	rec.UpdatedAt = now
	if err := e.store.Update(ctx, rec); err != nil {
		return nil, err
	}
	e.notify(event.TypeStarted, rec, nil)
	return rec, nil
}

// handleSuccess records the result and settles the delivery.
func (e *Executor) handleSuccess(ctx context.Context, d *broker.Delivery, rec *task.Record, result []byte) error {
	now := time.Now().UTC()
	rec.State = task.StateSucceeded
	rec.Result = result
	rec.LastError = ""
	rec.CompletedAt = &now
	rec.UpdatedAt = now

	if err := e.store.Update(ctx, rec); err != nil {
		e.logger.Error("failed to record success",
			slog.String("task_id", rec.ID.String()),
			slog.String("task_name", rec.Name),
			slog.String("error", err.Error()),
		)
		return err
	}
	e.notify(event.TypeSucceeded, rec, nil)
	return e.ack(ctx, d)
}

// handleFailure records the failure and applies the retry decision.
func (e *Executor) handleFailure(ctx context.Context, d *broker.Delivery, rec *task.Record, taskErr error) error {
	now := time.Now().UTC()
	rec.State = task.StateFailed
	rec.LastError = taskErr.Error()
	rec.UpdatedAt = now
	if err := e.store.Update(ctx, rec); err != nil {
		e.logger.Error("failed to record failure",
			slog.String("task_id", rec.ID.String()),
			slog.String("error", err.Error()),
		)
	}

	decision := e.policy.Decide(d.Env.Attempt, d.Env.MaxAttempts, taskErr)
	switch decision.Kind {
	case retry.KindRequeue:
		return e.requeue(ctx, d, rec, decision.Delay, taskErr)
	case retry.KindDrop:
		e.logger.Info("task dropped",
			slog.String("task_id", rec.ID.String()),
			slog.String("task_name", rec.Name),
		)
		if err := e.ack(ctx, d); err != nil {
			return err
		}
		e.notify(event.TypeDropped, rec, taskErr)
		return taskErr
	default:
		return e.deadLetter(ctx, d, rec, taskErr)
	}
}

// requeue publishes the retry successor and settles the old delivery.
func (e *Executor) requeue(ctx context.Context, d *broker.Delivery, rec *task.Record, delay time.Duration, taskErr error) error {
	now := time.Now().UTC()
	next := d.Env.Retry(delay, now)

	if err := e.channel.Publish(ctx, next); err != nil {
		// Successor not published. Return the delivery instead so the
		// attempt is not lost; the attempt count stays as-is.
		e.logger.Error("failed to publish retry, requeueing delivery",
			slog.String("task_id", rec.ID.String()),
			slog.String("error", err.Error()),
		)
		if nackErr := e.channel.Nack(ctx, d, true); nackErr != nil {
			return nackErr
		}
		return err
	}

	rec.State = task.StateRetrying
	rec.UpdatedAt = now
	if err := e.store.Update(ctx, rec); err != nil {
		e.logger.Error("failed to mark task retrying",
			slog.String("task_id", rec.ID.String()),
			slog.String("error", err.Error()),
		)
	}

	if err := e.ack(ctx, d); err != nil {
		return err
	}
	e.notify(event.TypeRetrying, rec, taskErr)

	e.logger.Info("task scheduled for retry",
		slog.String("task_id", rec.ID.String()),
		slog.String("task_name", rec.Name),
		slog.Int("attempt", next.Attempt),
		slog.Int("max_attempts", next.MaxAttempts),
		slog.Duration("delay", delay),
	)

	return fmt.Errorf("task %s attempt %d/%d: %w", rec.Name, rec.Attempt, next.MaxAttempts, taskErr)
}

// deadLetter marks the record DeadLettered, pushes a DLQ entry, and
// settles the delivery.
func (e *Executor) deadLetter(ctx context.Context, d *broker.Delivery, rec *task.Record, taskErr error) error {
	now := time.Now().UTC()
	rec.State = task.StateDeadLettered
	rec.LastError = taskErr.Error()
	rec.CompletedAt = &now
	rec.UpdatedAt = now

	if err := e.store.Update(ctx, rec); err != nil {
		e.logger.Error("failed to mark task dead-lettered",
			slog.String("task_id", rec.ID.String()),
			slog.String("error", err.Error()),
		)
	}

	if e.dlqService != nil {
		if dlqErr := e.dlqService.Push(ctx, d.Env, taskErr); dlqErr != nil {
			e.logger.Error("failed to push task to DLQ",
				slog.String("task_id", rec.ID.String()),
				slog.String("error", dlqErr.Error()),
			)
		}
	}

	if err := e.ack(ctx, d); err != nil {
		return err
	}
	e.notify(event.TypeDeadLettered, rec, taskErr)

	e.logger.Warn("task dead-lettered",
		slog.String("task_id", rec.ID.String()),
		slog.String("task_name", rec.Name),
		slog.Int("attempt", rec.Attempt),
		slog.String("error", taskErr.Error()),
	)

	return taskErr
}

func (e *Executor) ack(ctx context.Context, d *broker.Delivery) error {
	if err := e.channel.Ack(ctx, d); err != nil {
		e.logger.Error("failed to acknowledge delivery",
			slog.String("delivery_id", d.ID.String()),
			slog.String("error", err.Error()),
		)
		return err
	}
	return nil
}
