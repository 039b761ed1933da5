package courier

import "time"

// Config holds worker-side configuration for the dispatch core.
type Config struct {
	// Concurrency is the number of executor slots pulling from the
	// broker. At no instant do more than this many tasks execute.
	Concurrency int

	// Queues is the list of queues the executor pool will consume.
	Queues []string

	// BrokerEndpoint is the broker connection target (e.g. a Redis URL).
	// Unused when a broker instance is injected directly.
	BrokerEndpoint string

	// TaskTimeout is the default per-task execution budget. Exceeding it
	// is treated as a handler failure. Per-task options override it.
	TaskTimeout time.Duration

	// BaseBackoff and MaxBackoff bound the retry delay:
	// delay = min(BaseBackoff * 2^attempt, MaxBackoff).
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// VisibilityTimeout is how long a consumed but unacknowledged
	// delivery stays invisible before the broker offers it again.
	VisibilityTimeout time.Duration

	// ShutdownTimeout is the hard-stop deadline for graceful drain.
	ShutdownTimeout time.Duration

	// StaleThreshold is how long a record may sit in Running without
	// progress before the recovery sweep forces it to Retrying.
	StaleThreshold time.Duration

	// SweepInterval is how often the recovery sweep runs.
	SweepInterval time.Duration
}

// DefaultConfig returns a Config with the defaults used by the reference
// deployment.
func DefaultConfig() Config {
	return Config{
		Concurrency:       2,
		Queues:            []string{"default"},
		TaskTimeout:       5 * time.Minute,
		BaseBackoff:       1 * time.Second,
		MaxBackoff:        1 * time.Minute,
		VisibilityTimeout: 30 * time.Second,
		ShutdownTimeout:   30 * time.Second,
		StaleThreshold:    1 * time.Minute,
		SweepInterval:     30 * time.Second,
	}
}
