package cron

import (
	"time"

	"github.com/courierq/courier/id"
)

// Entry represents a recurring task schedule.
type Entry struct {
	ID       id.CronID `json:"id"`
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`

	// TaskName is the registered task to enqueue on each tick.
	TaskName string `json:"task_name"`

	// Queue overrides the task's default queue when set.
	Queue string `json:"queue,omitempty"`

	// Payload is the static payload passed to every triggered task.
	Payload []byte `json:"payload,omitempty"`

	LastRunAt   *time.Time `json:"last_run_at,omitempty"`
	NextRunAt   *time.Time `json:"next_run_at,omitempty"`
	LockedBy    string     `json:"locked_by,omitempty"`
	LockedUntil *time.Time `json:"locked_until,omitempty"`
	Enabled     bool       `json:"enabled"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
