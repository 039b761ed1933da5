// Package broker defines the channel abstraction task envelopes travel
// through: producers publish, executor slots consume, and every delivery
// must be acknowledged or rejected.
//
// Delivery is at-least-once: an envelope stays redeliverable until
// explicitly acknowledged, and a consumed delivery that is neither acked
// nor nacked within the channel's visibility timeout is offered again.
// Handlers therefore either tolerate re-execution or deduplicate via the
// task record's terminal write-once rule.
//
// Broker-specific semantics (visibility gating, acknowledgment,
// redelivery) live behind the [Channel] interface so the executor pool
// and the retry policy stay broker-agnostic. Adapters: memory (tests,
// development) and redis.
package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/courierq/courier/envelope"
	"github.com/courierq/courier/id"
)

var (
	// ErrTransport indicates the channel backend is unreachable. The
	// caller retries with backoff; the envelope was not published.
	ErrTransport = errors.New("broker: transport failure")

	// ErrDisconnected is surfaced by Consume when the connection to the
	// backend is lost. The pool reconnects rather than treating it as
	// fatal.
	ErrDisconnected = errors.New("broker: disconnected")

	// ErrClosed is returned once the channel has been closed.
	ErrClosed = errors.New("broker: channel closed")
)

// TransportError wraps a backend failure so callers can match
// [ErrTransport] while keeping the underlying cause inspectable.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("broker: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Is reports true for ErrTransport so errors.Is(err, ErrTransport) works.
func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// Delivery is one consumed envelope plus the handle needed to settle it.
// A delivery belongs to exactly one consumer until acked, nacked, or its
// visibility timeout lapses.
type Delivery struct {
	// ID identifies this delivery (not the task: a redelivered envelope
	// gets a fresh delivery ID).
	ID id.DeliveryID

	// Env is the decoded envelope.
	Env *envelope.Envelope

	// Queue is the queue the envelope was consumed from.
	Queue string

	// Token is the backend-specific settlement handle. Opaque to callers.
	Token []byte
}

// Channel is the abstract transport between producer and worker
// processes.
type Channel interface {
	// Publish makes env available for consumption once its visibility
	// timestamp passes. Fails with ErrTransport when the backend is
	// unreachable.
	Publish(ctx context.Context, env *envelope.Envelope) error

	// Consume blocks until an eligible envelope is available on queue,
	// the context is done, or the channel is closed. Within a single
	// queue, eligible envelopes are delivered in FIFO order of their
	// visibility timestamps; no ordering is guaranteed across consumers.
	Consume(ctx context.Context, queue string) (*Delivery, error)

	// Ack marks d successfully processed and prevents redelivery.
	Ack(ctx context.Context, d *Delivery) error

	// Nack rejects d: with requeue the envelope becomes immediately
	// eligible again, without it the envelope is permanently removed.
	Nack(ctx context.Context, d *Delivery, requeue bool) error

	// Close shuts the channel down. Blocked Consume calls return
	// ErrClosed.
	Close() error
}
