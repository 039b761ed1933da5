package task

import "time"

// Options configures per-task behavior such as attempts, queue, and timeout.
type Options struct {
	// MaxAttempts is the total attempt budget (first run + retries).
	// Once the attempt count reaches it, the task is dead-lettered.
	MaxAttempts int

	// Queue is the queue name this task should be published to.
	Queue string

	// Timeout is the maximum duration an attempt may run before its
	// context is cancelled. Zero falls back to the worker default.
	Timeout time.Duration

	// Delay postpones the first delivery: the envelope's visibility
	// timestamp is set that far in the future. Zero means immediate.
	Delay time.Duration
}

// DefaultOptions returns Options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		MaxAttempts: 3,
		Queue:       "default",
	}
}

// Option is a functional option for configuring a task definition or a
// single enqueue call.
type Option func(*Options)

// WithMaxAttempts sets the total attempt budget.
func WithMaxAttempts(n int) Option {
	return func(o *Options) {
		o.MaxAttempts = n
	}
}

// WithQueue sets the queue name for the task.
func WithQueue(q string) Option {
	return func(o *Options) {
		o.Queue = q
	}
}

// WithTimeout sets the per-attempt execution budget.
func WithTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.Timeout = d
	}
}

// WithDelay postpones the first delivery by d.
func WithDelay(d time.Duration) Option {
	return func(o *Options) {
		o.Delay = d
	}
}
