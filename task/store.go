package task

import (
	"context"
	"time"

	"github.com/courierq/courier/id"
)

// ListOpts controls pagination and filtering for record list queries.
type ListOpts struct {
	// Limit is the maximum number of records to return. Zero means no limit.
	Limit int
	// Offset is the number of records to skip.
	Offset int
	// Queue filters by queue name. Empty means all queues.
	Queue string
}

// CountOpts controls filtering for record count queries.
type CountOpts struct {
	// Queue filters by queue name. Empty means all queues.
	Queue string
	// State filters by record state. Empty means all states.
	State State
}

// Store is the result/state persistence contract for task records.
//
// Updates are keyed by task identifier and each is a single atomic write;
// no cross-record transactions are required. Implementations must enforce
// the terminal write-once rule: an Update against a record already in
// Succeeded or DeadLettered is silently dropped, so at-least-once
// redelivery can never change a recorded outcome.
type Store interface {
	// Create persists a new record. Fails with ErrTaskAlreadyExists if
	// the identifier is already present.
	Create(ctx context.Context, rec *Record) error

	// Get retrieves a record by ID, or ErrTaskNotFound.
	Get(ctx context.Context, taskID id.TaskID) (*Record, error)

	// Update atomically overwrites the record keyed by rec.ID, unless the
	// stored record is terminal. Returns ErrTaskNotFound for unknown IDs.
	Update(ctx context.Context, rec *Record) error

	// ListByState returns records matching the given state.
	ListByState(ctx context.Context, state State, opts ListOpts) ([]*Record, error)

	// Count returns the number of records matching the given options.
	Count(ctx context.Context, opts CountOpts) (int64, error)

	// SweepStale forces Running records not updated within threshold to
	// Retrying and returns them. This is the crash-recovery sweep: the
	// broker redelivers the unacknowledged envelope on its own, the sweep
	// only repairs the record state left behind by a dead worker.
	SweepStale(ctx context.Context, threshold time.Duration) ([]*Record, error)
}
