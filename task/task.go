package task

import (
	"time"

	"github.com/courierq/courier/id"
)

// State represents the lifecycle state of a task record.
type State string

const (
	// StatePending means the task is enqueued and waiting for a slot.
	StatePending State = "pending"
	// StateRunning means an executor slot is currently running the task.
	StateRunning State = "running"
	// StateSucceeded means the task finished successfully. Terminal.
	StateSucceeded State = "succeeded"
	// StateFailed means the last attempt failed. Non-terminal while
	// attempts remain.
	StateFailed State = "failed"
	// StateRetrying means the task failed and a retry envelope has been
	// published with a future visibility timestamp.
	StateRetrying State = "retrying"
	// StateDeadLettered means the task exhausted its attempts or failed
	// non-retryably. Terminal.
	StateDeadLettered State = "dead_lettered"
)

// Terminal reports whether s is a terminal state. Terminal records are
// write-once: further updates are ignored.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateDeadLettered
}

// Record is the durable outcome record for one enqueued task.
type Record struct {
	ID          id.TaskID   `json:"id"`
	Name        string      `json:"name"`
	Queue       string      `json:"queue"`
	State       State       `json:"state"`
	Attempt     int         `json:"attempt"`
	MaxAttempts int         `json:"max_attempts"`
	LastError   string      `json:"last_error,omitempty"`
	Result      []byte      `json:"result,omitempty"`
	WorkerID    id.WorkerID `json:"worker_id,omitempty"`
	EnqueuedAt  time.Time   `json:"enqueued_at"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	UpdatedAt   time.Time   `json:"updated_at"`
}
