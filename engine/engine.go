package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/courierq/courier"
	"github.com/courierq/courier/broker"
	"github.com/courierq/courier/cron"
	"github.com/courierq/courier/dlq"
	"github.com/courierq/courier/envelope"
	"github.com/courierq/courier/event"
	"github.com/courierq/courier/id"
	mw "github.com/courierq/courier/middleware"
	"github.com/courierq/courier/queue"
	"github.com/courierq/courier/retry"
	"github.com/courierq/courier/task"
	"github.com/courierq/courier/worker"
)

// Engine is the top-level handle for producing and consuming tasks.
// A producer-only process can create one without calling Start.
type Engine struct {
	cfg      courier.Config
	registry *task.Registry
	tasks    task.Store
	channel  broker.Channel
	strategy retry.Strategy
	policy   *retry.Policy
	logger   *slog.Logger

	dlqService *dlq.Service
	pool       *worker.Pool
	events     *event.Bus
	workerID   id.WorkerID

	// Cron subsystem, present when the store implements cron.Store.
	cronStore cron.Store
	scheduler *cron.Scheduler

	queueConfigs []queue.Config
	queueManager *queue.Manager

	mws []mw.Middleware

	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// Option configures an Engine.
type Option func(*Engine)

// WithStore sets the task store. Required.
func WithStore(s task.Store) Option {
	return func(eng *Engine) { eng.tasks = s }
}

// WithBroker sets the broker channel. Required.
func WithBroker(ch broker.Channel) Option {
	return func(eng *Engine) { eng.channel = ch }
}

// WithConfig replaces the engine's runtime configuration.
func WithConfig(cfg courier.Config) Option {
	return func(eng *Engine) { eng.cfg = cfg }
}

// WithConcurrency sets the number of executor slots.
func WithConcurrency(n int) Option {
	return func(eng *Engine) { eng.cfg.Concurrency = n }
}

// WithQueues sets the queues the pool consumes, in priority order.
func WithQueues(queues ...string) Option {
	return func(eng *Engine) { eng.cfg.Queues = queues }
}

// WithLogger sets the engine's logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(eng *Engine) { eng.logger = logger }
}

// WithMiddleware appends middleware to the engine's chain, after the
// built-in stack.
func WithMiddleware(m mw.Middleware) Option {
	return func(eng *Engine) { eng.mws = append(eng.mws, m) }
}

// WithBackoff sets the retry backoff strategy. If not set, an
// exponential strategy bounded by the config's BaseBackoff and
// MaxBackoff is used.
func WithBackoff(s retry.Strategy) Option {
	return func(eng *Engine) { eng.strategy = s }
}

// WithQueueConfig registers per-queue rate limiting and concurrency
// configurations. Queues not listed have no limits.
func WithQueueConfig(configs ...queue.Config) Option {
	return func(eng *Engine) { eng.queueConfigs = append(eng.queueConfigs, configs...) }
}

// WithTracerProvider sets a custom OTel TracerProvider. If not set, the
// global otel.GetTracerProvider() is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(eng *Engine) { eng.tracerProvider = tp }
}

// WithMeterProvider sets a custom OTel MeterProvider. If not set, the
// global otel.GetMeterProvider() is used.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) { eng.meterProvider = mp }
}

// New creates an Engine from the given options. A store and a broker
// channel are required.
func New(opts ...Option) (*Engine, error) {
	eng := &Engine{
		cfg:      courier.DefaultConfig(),
		registry: task.NewRegistry(),
		events:   event.NewBus(),
		workerID: id.NewWorkerID(),
	}
	for _, opt := range opts {
		opt(eng)
	}

	if eng.tasks == nil {
		return nil, courier.ErrNoStore
	}
	if eng.channel == nil {
		return nil, courier.ErrNoBroker
	}
	if eng.logger == nil {
		eng.logger = slog.Default()
	}
	if eng.strategy == nil {
		eng.strategy = retry.NewExponential(eng.cfg.BaseBackoff, eng.cfg.MaxBackoff)
	}
	eng.policy = retry.NewPolicy(eng.strategy)

	// DLQ service, when the store keeps dead-letter entries.
	if ds, ok := eng.tasks.(dlq.Store); ok {
		eng.dlqService = dlq.NewService(ds, eng.tasks, eng.channel)
	}

	// Tracing middleware (custom provider or global).
	var tracingMw mw.Middleware
	if eng.tracerProvider != nil {
		tracer := eng.tracerProvider.Tracer("github.com/courierq/courier")
		tracingMw = mw.TracingWithTracer(tracer)
	} else {
		tracingMw = mw.Tracing()
	}

	// Metrics middleware (custom provider or global).
	var metricsMw mw.Middleware
	if eng.meterProvider != nil {
		meter := eng.meterProvider.Meter("github.com/courierq/courier")
		metricsMw = mw.MetricsWithMeter(meter)
	} else {
		metricsMw = mw.Metrics()
	}

	// Built-in stack: recover → tracing → metrics → logging → timeout.
	defaultMws := []mw.Middleware{
		mw.Recover(eng.logger),
		tracingMw,
		metricsMw,
		mw.Logging(eng.logger),
		mw.Timeout(eng.cfg.TaskTimeout),
	}
	allMws := make([]mw.Middleware, 0, len(defaultMws)+len(eng.mws))
	allMws = append(allMws, defaultMws...)
	allMws = append(allMws, eng.mws...)

	executor := worker.NewExecutor(
		eng.registry,
		eng.tasks,
		eng.channel,
		eng.dlqService,
		eng.policy,
		eng.events,
		eng.workerID,
		eng.logger,
		allMws...,
	)

	if len(eng.queueConfigs) > 0 {
		eng.queueManager = queue.NewManager(eng.queueConfigs...)
	}

	poolCfg := worker.PoolConfig{
		Concurrency:     eng.cfg.Concurrency,
		Queues:          eng.cfg.Queues,
		ShutdownTimeout: eng.cfg.ShutdownTimeout,
		StaleThreshold:  eng.cfg.StaleThreshold,
		SweepInterval:   eng.cfg.SweepInterval,
	}
	eng.pool = worker.NewPool(poolCfg, executor, eng.channel, eng.tasks, eng.queueManager, eng.logger)

	// Cron subsystem, when the store keeps schedules.
	if cs, ok := eng.tasks.(cron.Store); ok {
		eng.cronStore = cs
		enqueueFunc := func(ctx context.Context, name string, payload []byte, opts ...task.Option) (id.TaskID, error) {
			rec, err := eng.EnqueueRaw(ctx, name, payload, opts...)
			if err != nil {
				return id.TaskID{}, err
			}
			return rec.ID, nil
		}
		eng.scheduler = cron.NewScheduler(cs, enqueueFunc, eng.workerID, eng.logger)
	}

	return eng, nil
}

// Register registers a typed task definition with the engine.
func Register[T any](eng *Engine, def *task.Definition[T]) {
	task.RegisterDefinition(eng.registry, def)
}

// Declare marks task names as known for producer-side validation without
// attaching handlers. Producer-only processes use this so Enqueue can
// still reject misspelled names.
func (eng *Engine) Declare(names ...string) {
	eng.registry.Declare(names...)
}

// Enqueue serializes payload as JSON and enqueues a task by name.
func Enqueue[T any](ctx context.Context, eng *Engine, name string, payload T, opts ...task.Option) (*task.Record, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload for task %q: %w", name, err)
	}
	return eng.EnqueueRaw(ctx, name, data, opts...)
}

// EnqueueRaw enqueues a task with a pre-serialized payload. The task
// name must be registered or declared; unknown names are rejected before
// anything is persisted or published.
func (eng *Engine) EnqueueRaw(ctx context.Context, name string, payload []byte, opts ...task.Option) (*task.Record, error) {
	if !eng.registry.Known(name) {
		return nil, fmt.Errorf("%w: %q", courier.ErrUnknownTask, name)
	}

	taskOpts := task.DefaultOptions()
	for _, opt := range opts {
		opt(&taskOpts)
	}

	now := time.Now().UTC()
	rec := &task.Record{
		ID:          id.NewTaskID(),
		Name:        name,
		Queue:       taskOpts.Queue,
		State:       task.StatePending,
		MaxAttempts: taskOpts.MaxAttempts,
		EnqueuedAt:  now,
		UpdatedAt:   now,
	}
	if err := eng.tasks.Create(ctx, rec); err != nil {
		return nil, err
	}

	env := &envelope.Envelope{
		TaskID:      rec.ID,
		Name:        name,
		Schema:      envelope.SchemaV1,
		Queue:       taskOpts.Queue,
		Payload:     payload,
		MaxAttempts: taskOpts.MaxAttempts,
		Timeout:     taskOpts.Timeout,
		EnqueuedAt:  now,
	}
	if taskOpts.Delay > 0 {
		env.NotBefore = now.Add(taskOpts.Delay)
	}

	if err := eng.channel.Publish(ctx, env); err != nil {
		// The record stays Pending with nothing on the wire; the caller
		// decides whether to retry the enqueue.
		return nil, fmt.Errorf("publish task %q: %w", name, err)
	}

	eng.events.Publish(event.Event{
		Type:     event.TypeEnqueued,
		TaskID:   rec.ID,
		TaskName: name,
		Queue:    taskOpts.Queue,
		At:       now,
	})
	eng.logger.Debug("task enqueued",
		slog.String("task_id", rec.ID.String()),
		slog.String("task_name", name),
		slog.String("queue", taskOpts.Queue),
	)
	return rec, nil
}

// Status returns the current record for a task.
func (eng *Engine) Status(ctx context.Context, taskID id.TaskID) (*task.Record, error) {
	return eng.tasks.Get(ctx, taskID)
}

// Start begins task processing: the worker pool, the recovery sweep,
// and the cron scheduler when present.
func (eng *Engine) Start(ctx context.Context) error {
	if eng.scheduler != nil {
		if err := eng.scheduler.Start(ctx); err != nil {
			return fmt.Errorf("start cron scheduler: %w", err)
		}
	}
	eng.pool.Start(ctx)
	return nil
}

// Stop gracefully shuts down the engine: the cron scheduler stops
// first so nothing new is enqueued, then the pool drains in-flight
// tasks up to the configured shutdown timeout.
func (eng *Engine) Stop(ctx context.Context) error {
	var firstErr error
	if eng.scheduler != nil {
		if err := eng.scheduler.Stop(ctx); err != nil {
			firstErr = err
		}
	}
	if err := eng.pool.Stop(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Registry returns the task registry.
func (eng *Engine) Registry() *task.Registry { return eng.registry }

// Store returns the task store.
func (eng *Engine) Store() task.Store { return eng.tasks }

// Channel returns the broker channel.
func (eng *Engine) Channel() broker.Channel { return eng.channel }

// Pool returns the worker pool.
func (eng *Engine) Pool() *worker.Pool { return eng.pool }

// Events returns the lifecycle event bus. Subscribers receive
// best-effort notifications as tasks move through their lifecycle.
func (eng *Engine) Events() *event.Bus { return eng.events }

// DLQService returns the DLQ service for replay and inspection, or nil
// when the store has no dead-letter support.
func (eng *Engine) DLQService() *dlq.Service { return eng.dlqService }

// CronStore returns the cron store, or nil when the store has no cron
// support.
func (eng *Engine) CronStore() cron.Store { return eng.cronStore }

// Scheduler returns the cron scheduler, or nil when the store has no
// cron support.
func (eng *Engine) Scheduler() *cron.Scheduler { return eng.scheduler }

// QueueManager returns the queue manager, or nil if no queue configs
// were provided.
func (eng *Engine) QueueManager() *queue.Manager { return eng.queueManager }

// RegisterCron registers a typed cron definition with the engine. It
// validates the schedule expression, computes the initial NextRunAt,
// and persists the entry. Re-registration of the same name is
// idempotent.
func RegisterCron[T any](ctx context.Context, eng *Engine, def *cron.Definition[T]) error {
	if eng.cronStore == nil {
		return fmt.Errorf("engine: store does not support cron entries")
	}

	sched, err := cron.ParseSchedule(def.Schedule)
	if err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", def.Schedule, err)
	}

	payload, err := json.Marshal(def.Payload)
	if err != nil {
		return fmt.Errorf("marshal cron payload: %w", err)
	}

	now := time.Now().UTC()
	next := sched.Next(now)

	entry := &cron.Entry{
		ID:        id.NewCronID(),
		Name:      def.Name,
		Schedule:  def.Schedule,
		TaskName:  def.TaskName,
		Queue:     def.Queue,
		Payload:   payload,
		NextRunAt: &next,
		Enabled:   true,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := eng.cronStore.RegisterCron(ctx, entry); err != nil {
		// Idempotent: ignore duplicate cron entries.
		if errors.Is(err, courier.ErrDuplicateCron) {
			return nil
		}
		return fmt.Errorf("register cron %q: %w", def.Name, err)
	}

	eng.logger.Info("cron registered",
		slog.String("name", def.Name),
		slog.String("schedule", def.Schedule),
		slog.String("task_name", def.TaskName),
		slog.Time("next_run_at", next),
	)
	return nil
}
