package middleware

import (
	"context"
	"time"

	"github.com/courierq/courier/envelope"
)

// Timeout returns middleware that enforces the per-task execution budget.
// The envelope's own Timeout wins when set; otherwise fallback applies.
// When the deadline is exceeded the context is cancelled and the handler
// should return context.DeadlineExceeded, which the executor treats like
// any other handler failure.
func Timeout(fallback time.Duration) Middleware {
	return func(ctx context.Context, env *envelope.Envelope, next Handler) error {
		budget := env.Timeout
		if budget <= 0 {
			budget = fallback
		}
		if budget > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, budget)
			defer cancel()
		}
		return next(ctx)
	}
}
