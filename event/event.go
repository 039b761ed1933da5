// Package event provides in-process notifications of task lifecycle
// transitions. The executor publishes an Event on every state change;
// application code subscribes to drive side channels such as progress
// reporting or custom metrics without touching the execution path.
package event

import (
	"time"

	"github.com/courierq/courier/id"
)

// Type identifies a lifecycle transition.
type Type string

const (
	// TypeEnqueued fires when a task record is created and its envelope
	// published.
	TypeEnqueued Type = "task.enqueued"
	// TypeStarted fires when an executor slot claims the task.
	TypeStarted Type = "task.started"
	// TypeSucceeded fires when the handler returns without error.
	TypeSucceeded Type = "task.succeeded"
	// TypeRetrying fires when a failed task is requeued with backoff.
	TypeRetrying Type = "task.retrying"
	// TypeDeadLettered fires when a task is routed to the DLQ.
	TypeDeadLettered Type = "task.dead_lettered"
	// TypeDropped fires when a failed task is discarded outright.
	TypeDropped Type = "task.dropped"
)

// Event describes one lifecycle transition of a task.
type Event struct {
	Type     Type      `json:"type"`
	TaskID   id.TaskID `json:"task_id"`
	TaskName string    `json:"task_name"`
	Queue    string    `json:"queue"`
	Attempt  int       `json:"attempt"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}
