// Package engine wires the courier subsystems together and provides the
// primary application-level API for registering and enqueuing tasks.
//
// The engine package exists to break an import cycle: the root courier
// package defines the shared error taxonomy and Config (imported by
// task, broker, worker, etc.) and therefore cannot import those packages
// back. Engine sits above all subsystem packages and below the
// application layer.
//
// # Building an Engine
//
//	store := memstore.New()
//	channel := membroker.New()
//
//	eng, err := engine.New(
//	    engine.WithStore(store),
//	    engine.WithBroker(channel),
//	    engine.WithConcurrency(4),
//	    engine.WithQueueConfig(queue.Config{
//	        Name:      "critical",
//	        RateLimit: 100,
//	    }),
//	)
//
// # Registering and Enqueuing Tasks
//
//	engine.Register(eng, &task.Definition[EmailInput]{
//	    Name:    "send-email",
//	    Handler: SendEmail,
//	})
//
//	rec, err := engine.Enqueue(ctx, eng, "send-email", EmailInput{To: "user@example.com"})
//
//	// Later, from any process sharing the store:
//	rec, err = eng.Status(ctx, rec.ID)
//
// # Options
//
//   - [WithStore] — set the task/result store (required)
//   - [WithBroker] — set the broker channel (required)
//   - [WithConfig] — replace the full runtime configuration
//   - [WithConcurrency] — set the executor slot count
//   - [WithQueues] — set the consumed queues in priority order
//   - [WithMiddleware] — append a middleware to the execution chain
//   - [WithBackoff] — set the retry backoff strategy
//   - [WithQueueConfig] — configure per-queue rate limits and concurrency
//   - [WithTracerProvider] — set the OpenTelemetry tracer provider
//   - [WithMeterProvider] — set the OpenTelemetry meter provider
package engine
