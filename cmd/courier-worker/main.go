// Command courier-worker runs a courier worker process: it consumes
// task queues from the broker, executes registered handlers, and serves
// as the reference wiring for embedding courier in your own binary.
//
// Configuration is read from ./config.yaml (or ./configs/config.yaml)
// and COURIER_-prefixed environment variables; see the config package.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	redisbroker "github.com/courierq/courier/broker/redis"
	"github.com/courierq/courier/config"
	"github.com/courierq/courier/engine"
	"github.com/courierq/courier/store"
	memstore "github.com/courierq/courier/store/memory"
	pgstore "github.com/courierq/courier/store/postgres"
	redisstore "github.com/courierq/courier/store/redis"
	"github.com/courierq/courier/task"
)

func main() {
	if err := run(); err != nil {
		slog.Error("worker exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisOpts, err := goredis.ParseURL(cfg.BrokerURL)
	if err != nil {
		return fmt.Errorf("parse broker url: %w", err)
	}
	client := goredis.NewClient(redisOpts)
	defer client.Close()

	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("broker ping: %w", err)
	}

	runtime := cfg.Runtime()

	channel := redisbroker.New(client,
		redisbroker.WithVisibilityTimeout(runtime.VisibilityTimeout),
	)
	defer channel.Close()

	st, err := newStore(ctx, cfg, client)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	eng, err := engine.New(
		engine.WithConfig(runtime),
		engine.WithBroker(channel),
		engine.WithStore(st),
		engine.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	registerTasks(eng)

	logger.Info("courier worker starting",
		slog.String("broker", cfg.BrokerURL),
		slog.String("store", cfg.StoreDriver),
		slog.Int("concurrency", runtime.Concurrency),
		slog.Any("queues", runtime.Queues),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if startErr := eng.Start(gctx); startErr != nil {
			return startErr
		}
		<-gctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), runtime.ShutdownTimeout+5*time.Second)
		defer cancel()
		return eng.Stop(stopCtx)
	})
	g.Go(func() error {
		// Backend liveness check; a dead store is fatal for the process.
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if pingErr := st.Ping(gctx); pingErr != nil {
					return fmt.Errorf("store ping: %w", pingErr)
				}
			}
		}
	})

	err = g.Wait()
	logger.Info("courier worker stopped")
	return err
}

// registerTasks wires task handlers into the engine. Replace the echo
// task with your own definitions when embedding this binary.
func registerTasks(eng *engine.Engine) {
	engine.Register(eng, &task.Definition[map[string]any]{
		Name: "courier.echo",
		Handler: func(_ context.Context, payload map[string]any) (any, error) {
			return payload, nil
		},
	})
}

func newStore(ctx context.Context, cfg *config.Config, client *goredis.Client) (store.Store, error) {
	switch cfg.StoreDriver {
	case "memory":
		return memstore.New(), nil
	case "redis":
		if cfg.StoreURL != "" && cfg.StoreURL != cfg.BrokerURL {
			opts, err := goredis.ParseURL(cfg.StoreURL)
			if err != nil {
				return nil, fmt.Errorf("parse store url: %w", err)
			}
			return redisstore.New(goredis.NewClient(opts)), nil
		}
		return redisstore.New(client), nil
	case "postgres":
		return pgstore.New(ctx, cfg.StoreURL)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
