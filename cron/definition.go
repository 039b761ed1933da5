package cron

// Definition is a typed cron definition. T is the payload type and must
// be JSON-serializable.
type Definition[T any] struct {
	// Name is the unique identifier for this cron entry.
	Name string

	// Schedule is a cron expression (e.g., "*/5 * * * *" or "@every 30s").
	Schedule string

	// TaskName is the name of the task to enqueue on each tick.
	TaskName string

	// Payload is the payload to enqueue with the task.
	Payload T

	// Queue overrides the task's default queue (optional).
	Queue string
}
