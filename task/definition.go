package task

import "context"

// Definition is a typed task definition with a handler function.
// T is the payload type (must be serializable by the envelope codec).
type Definition[T any] struct {
	// Name is the unique identifier for this task type.
	Name string

	// Handler processes the decoded payload. The first return value,
	// when non-nil, is recorded as the result payload on success.
	Handler func(ctx context.Context, payload T) (any, error)

	// Opts configures attempts, queue, and timeout.
	Opts Options
}

// NewDefinition creates a typed task definition.
func NewDefinition[T any](name string, handler func(ctx context.Context, payload T) (any, error), opts ...Option) *Definition[T] {
	def := &Definition[T]{
		Name:    name,
		Handler: handler,
		Opts:    DefaultOptions(),
	}
	for _, opt := range opts {
		opt(&def.Opts)
	}
	return def
}
