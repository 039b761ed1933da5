package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/courierq/courier/envelope"
)

// Logging returns middleware that logs task start and completion.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, env *envelope.Envelope, next Handler) error {
		logger.Info("task started",
			slog.String("task_name", env.Name),
			slog.String("task_id", env.TaskID.String()),
			slog.String("queue", env.Queue),
			slog.Int("attempt", env.Attempt),
		)

		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Error("task failed",
				slog.String("task_name", env.Name),
				slog.String("task_id", env.TaskID.String()),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Info("task completed",
				slog.String("task_name", env.Name),
				slog.String("task_id", env.TaskID.String()),
				slog.Duration("elapsed", elapsed),
			)
		}

		return err
	}
}
