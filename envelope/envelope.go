// Package envelope defines the task envelope — the unit of work plus
// metadata transmitted through the broker — and the codecs that turn it
// into a transport-neutral byte representation.
//
// The format is tagged: task name + versioned schema identifier + opaque
// payload. Only the handler registered for the name decodes the payload,
// so the broker and the executor pool stay ignorant of argument shapes.
package envelope

import (
	"time"

	"github.com/courierq/courier/id"
)

// SchemaV1 is the current envelope schema identifier. Consumers reject
// envelopes with a schema they do not understand as non-retryable.
const SchemaV1 = "v1"

// Envelope is a unit of work in flight between producer and worker.
type Envelope struct {
	// TaskID is producer-assigned and stable across retries: the retry
	// successor of an envelope carries the same TaskID with an
	// incremented attempt count.
	TaskID id.TaskID `json:"task_id" msgpack:"task_id"`

	// Name keys into the task registry.
	Name string `json:"name" msgpack:"name"`

	// Schema is the envelope schema version identifier.
	Schema string `json:"schema" msgpack:"schema"`

	// Queue is the broker queue this envelope travels through.
	Queue string `json:"queue" msgpack:"queue"`

	// Payload is the opaque serialized argument payload, decoded only by
	// the registered handler.
	Payload []byte `json:"payload,omitempty" msgpack:"payload,omitempty"`

	// Attempt counts deliveries so far, starting at 0. The retry policy
	// dead-letters once Attempt reaches MaxAttempts.
	Attempt int `json:"attempt" msgpack:"attempt"`

	// MaxAttempts is the total attempt budget.
	MaxAttempts int `json:"max_attempts" msgpack:"max_attempts"`

	// Timeout is the per-attempt execution budget. Zero means the worker
	// default applies.
	Timeout time.Duration `json:"timeout,omitempty" msgpack:"timeout,omitempty"`

	// EnqueuedAt records when the producer first published the task.
	EnqueuedAt time.Time `json:"enqueued_at" msgpack:"enqueued_at"`

	// NotBefore is the visibility timestamp: the envelope is not eligible
	// for delivery until this instant. Zero means immediately eligible.
	// Delayed retry is implemented by publishing a successor with a
	// future NotBefore.
	NotBefore time.Time `json:"not_before,omitempty" msgpack:"not_before,omitempty"`
}

// Eligible reports whether the envelope may be delivered at instant now.
func (e *Envelope) Eligible(now time.Time) bool {
	return e.NotBefore.IsZero() || !e.NotBefore.After(now)
}

// Retry returns the successor envelope for a failed attempt: same task
// identity and payload, attempt count incremented, visibility pushed
// delay into the future.
func (e *Envelope) Retry(delay time.Duration, now time.Time) *Envelope {
	next := *e
	next.Attempt++
	next.NotBefore = now.Add(delay)
	return &next
}
