package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/courierq/courier/broker"
	"github.com/courierq/courier/id"
	"github.com/courierq/courier/queue"
	"github.com/courierq/courier/task"
)

// ─────────────────────────────────────────────────────────────────────────────
// Pool Configuration
// ─────────────────────────────────────────────────────────────────────────────

// PoolConfig controls the worker pool.
type PoolConfig struct {
	// Concurrency is the number of executor slots. Each slot runs at
	// most one task at a time.
	Concurrency int

	// Queues lists the queues the pool consumes, in priority order.
	Queues []string

	// ConsumeTimeout bounds how long a slot blocks on one queue before
	// moving to the next.
	ConsumeTimeout time.Duration

	// ShutdownTimeout bounds how long Stop waits for in-flight tasks to
	// drain before cancelling them.
	ShutdownTimeout time.Duration

	// StaleThreshold is the age past which a Running record with no
	// progress is considered abandoned by a dead worker.
	StaleThreshold time.Duration

	// SweepInterval is how often the recovery sweep runs. Zero disables
	// the sweep.
	SweepInterval time.Duration
}

// DefaultPoolConfig returns a PoolConfig with sensible defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Concurrency:     2,
		Queues:          []string{"default"},
		ConsumeTimeout:  5 * time.Second,
		ShutdownTimeout: 30 * time.Second,
		StaleThreshold:  time.Minute,
		SweepInterval:   30 * time.Second,
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Pool
// ─────────────────────────────────────────────────────────────────────────────

// Pool consumes deliveries from the broker and runs them through its
// Executor with bounded concurrency.
type Pool struct {
	cfg      PoolConfig
	executor *Executor
	channel  broker.Channel
	store    task.Store
	queues   *queue.Manager
	workerID id.WorkerID
	logger   *slog.Logger

	mu     sync.Mutex
	active map[string]context.CancelFunc

	wg      sync.WaitGroup
	stopCh  chan struct{}
	stopped sync.Once
	started bool
}

// NewPool creates a worker pool. The queue manager may be nil, in which
// case no per-queue limits apply.
func NewPool(cfg PoolConfig, executor *Executor, channel broker.Channel, store task.Store, queues *queue.Manager, logger *slog.Logger) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultPoolConfig().Concurrency
	}
	if len(cfg.Queues) == 0 {
		cfg.Queues = DefaultPoolConfig().Queues
	}
	if cfg.ConsumeTimeout <= 0 {
		cfg.ConsumeTimeout = DefaultPoolConfig().ConsumeTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultPoolConfig().ShutdownTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		cfg:      cfg,
		executor: executor,
		channel:  channel,
		store:    store,
		queues:   queues,
		workerID: executor.workerID,
		logger:   logger,
		active:   make(map[string]context.CancelFunc),
		stopCh:   make(chan struct{}),
	}
}

// WorkerID returns the pool's worker identity.
func (p *Pool) WorkerID() id.WorkerID { return p.workerID }

// Start launches the executor slots and the recovery sweep. It returns
// immediately; work continues until Stop is called.
func (p *Pool) Start(ctx context.Context) {
	if p.started {
		return
	}
	p.started = true

	p.logger.Info("worker pool starting",
		slog.String("worker_id", p.workerID.String()),
		slog.Int("concurrency", p.cfg.Concurrency),
		slog.Any("queues", p.cfg.Queues),
	)

	for i := 0; i < p.cfg.Concurrency; i++ {
		p.wg.Add(1)
		go p.slot(ctx)
	}

	if p.cfg.SweepInterval > 0 && p.store != nil {
		p.wg.Add(1)
		go p.sweepLoop(ctx)
	}
}

// slot is one executor loop. It cycles the configured queues in order,
// blocking briefly on each, so higher-priority queues are always tried
// first after every task.
func (p *Pool) slot(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		d, ok := p.nextDelivery(ctx)
		if !ok {
			// Every queue was empty or rate-limited this cycle.
			select {
			case <-time.After(50 * time.Millisecond):
			case <-p.stopCh:
				return
			case <-ctx.Done():
				return
			}
			continue
		}

		p.run(ctx, d)
	}
}

// nextDelivery tries each queue once and returns the first delivery
// claimed, or false if all queues were empty for this cycle.
func (p *Pool) nextDelivery(ctx context.Context) (*broker.Delivery, bool) {
	for _, q := range p.cfg.Queues {
		if p.queues != nil && !p.queues.Acquire(q) {
			continue
		}

		consumeCtx, cancel := context.WithTimeout(ctx, p.cfg.ConsumeTimeout)
		d, err := p.channel.Consume(consumeCtx, q)
		cancel()

		if err != nil {
			if p.queues != nil {
				p.queues.Release(q)
			}
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				continue
			}
			if errors.Is(err, broker.ErrClosed) {
				return nil, false
			}
			p.logger.Error("consume failed",
				slog.String("queue", q),
				slog.String("error", err.Error()),
			)
			// Transport hiccup: back off briefly before the next cycle.
			select {
			case <-time.After(time.Second):
			case <-p.stopCh:
			case <-ctx.Done():
			}
			continue
		}
		return d, true
	}
	return nil, false
}

// run executes one delivery, tracking it so Stop can cancel stragglers.
func (p *Pool) run(ctx context.Context, d *broker.Delivery) {
	// The task context is detached from the slot context: cancelling the
	// Start context stops claiming, not work already in flight. In-flight
	// tasks drain under Stop's ShutdownTimeout and are only cancelled
	// once that deadline passes.
	taskCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	key := d.ID.String()

	p.mu.Lock()
	p.active[key] = cancel
	p.mu.Unlock()

	defer func() {
		cancel()
		p.mu.Lock()
		delete(p.active, key)
		p.mu.Unlock()
		if p.queues != nil {
			p.queues.Release(d.Queue)
		}
	}()

	if err := p.executor.Execute(taskCtx, d); err != nil {
		p.logger.Debug("task execution finished with error",
			slog.String("task_id", d.Env.TaskID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// sweepLoop periodically recovers Running records abandoned by crashed
// workers, forcing them back to Retrying so the audit trail matches the
// broker's eventual redelivery.
func (p *Pool) sweepLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			swept, err := p.store.SweepStale(ctx, p.cfg.StaleThreshold)
			if err != nil {
				p.logger.Error("recovery sweep failed", slog.String("error", err.Error()))
				continue
			}
			for _, rec := range swept {
				p.logger.Warn("recovered stale running task",
					slog.String("task_id", rec.ID.String()),
					slog.String("task_name", rec.Name),
					slog.Int("attempt", rec.Attempt),
				)
			}
		}
	}
}

// Stop drains the pool: no new deliveries are claimed, and in-flight
// tasks get up to ShutdownTimeout to finish. Tasks still running after
// that are cancelled; their unacknowledged deliveries reappear on the
// broker after the visibility timeout.
func (p *Pool) Stop(ctx context.Context) error {
	p.stopped.Do(func() { close(p.stopCh) })

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	deadline := time.NewTimer(p.cfg.ShutdownTimeout)
	defer deadline.Stop()

	select {
	case <-done:
		p.logger.Info("worker pool drained", slog.String("worker_id", p.workerID.String()))
		return nil
	case <-deadline.C:
	case <-ctx.Done():
	}

	n := p.cancelActive()
	p.logger.Warn("worker pool shutdown timed out, cancelling in-flight tasks",
		slog.String("worker_id", p.workerID.String()),
		slog.Int("cancelled", n),
	)

	<-done
	return nil
}

func (p *Pool) cancelActive() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, cancel := range p.active {
		cancel()
	}
	return len(p.active)
}

// ActiveCount reports how many deliveries are currently executing.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}
