package dlq

import (
	"time"

	"github.com/courierq/courier/id"
)

// Entry represents a task that has been routed to the dead letter queue
// for inspection or replay.
type Entry struct {
	ID          id.DLQID   `json:"id"`
	TaskID      id.TaskID  `json:"task_id"`
	TaskName    string     `json:"task_name"`
	Queue       string     `json:"queue"`
	Payload     []byte     `json:"payload"`
	Error       string     `json:"error"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	FailedAt    time.Time  `json:"failed_at"`
	ReplayedAt  *time.Time `json:"replayed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}
