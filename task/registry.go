package task

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/courierq/courier"
)

// HandlerFunc is a type-erased task handler that accepts the raw payload
// and returns the serialized result. The typed Definition[T] is converted
// to a HandlerFunc at registration time by closing over payload decode +
// the typed handler.
type HandlerFunc func(ctx context.Context, payload []byte) ([]byte, error)

// Registry maps task names to type-erased handler functions. It is
// constructed once at process start and safe for concurrent use. The
// producer process may hold a registry with declared names only; the
// worker process holds one with full handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	declared map[string]struct{}
}

// NewRegistry creates an empty task registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]HandlerFunc),
		declared: make(map[string]struct{}),
	}
}

// RegisterDefinition registers a typed task definition. The generic
// handler is wrapped in a closure that JSON-decodes the payload into T
// and JSON-encodes the result.
//
// This is a package-level generic function because Go does not allow
// generic methods on non-generic receiver types.
func RegisterDefinition[T any](r *Registry, def *Definition[T]) {
	handler := func(ctx context.Context, payload []byte) ([]byte, error) {
		var t T
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &t); err != nil {
				// A payload that cannot decode will never decode; retrying
				// is pointless.
				return nil, courier.NonRetryable(fmt.Errorf("%w: task %q: %v",
					courier.ErrMalformedPayload, def.Name, err))
			}
		}

		out, err := def.Handler(ctx, t)
		if err != nil {
			return nil, err
		}
		if out == nil {
			return nil, nil
		}

		result, err := json.Marshal(out)
		if err != nil {
			return nil, fmt.Errorf("marshal result for task %q: %w", def.Name, err)
		}
		return result, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[def.Name] = handler
	r.declared[def.Name] = struct{}{}
}

// Declare records task names as known without attaching handlers.
// Producer processes use this so enqueue-time validation passes for
// tasks whose handlers live only in the worker deployment.
func (r *Registry) Declare(names ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range names {
		r.declared[name] = struct{}{}
	}
}

// Get returns the handler for the given task name.
// Returns false if no handler is registered.
func (r *Registry) Get(name string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Known reports whether the name was registered or declared. Enqueue
// validates against this before anything is published.
func (r *Registry) Known(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.declared[name]
	return ok
}

// Names returns all registered or declared task names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.declared))
	for name := range r.declared {
		names = append(names, name)
	}
	return names
}
