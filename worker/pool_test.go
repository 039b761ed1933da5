package worker_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/courierq/courier"
	"github.com/courierq/courier/broker"
	brokermem "github.com/courierq/courier/broker/memory"
	"github.com/courierq/courier/dlq"
	"github.com/courierq/courier/envelope"
	"github.com/courierq/courier/id"
	"github.com/courierq/courier/retry"
	storemem "github.com/courierq/courier/store/memory"
	"github.com/courierq/courier/task"
	"github.com/courierq/courier/worker"
)

func setupTestPool(t *testing.T, concurrency int) (*worker.Pool, *storemem.Store, *task.Registry, *brokermem.Broker) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := storemem.New()
	b := brokermem.New(brokermem.WithVisibilityTimeout(2 * time.Second))
	reg := task.NewRegistry()

	dlqSvc := dlq.NewService(st, st, b)
	policy := retry.NewPolicy(retry.NewConstant(20 * time.Millisecond))

	exec := worker.NewExecutor(reg, st, b, dlqSvc, policy, nil, id.NewWorkerID(), logger)
	pool := worker.NewPool(worker.PoolConfig{
		Concurrency:     concurrency,
		Queues:          []string{"default"},
		ConsumeTimeout:  200 * time.Millisecond,
		ShutdownTimeout: 2 * time.Second,
	}, exec, b, st, nil, logger)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = pool.Stop(ctx)
		_ = b.Close()
	})

	return pool, st, reg, b
}

// enqueue persists a pending record and publishes the matching envelope,
// the same two-step sequence the producer performs.
func enqueue(t *testing.T, st task.Store, b broker.Channel, name string, payload []byte, maxAttempts int) id.TaskID {
	t.Helper()

	now := time.Now().UTC()
	taskID := id.NewTaskID()

	rec := &task.Record{
		ID:          taskID,
		Name:        name,
		Queue:       "default",
		State:       task.StatePending,
		MaxAttempts: maxAttempts,
		EnqueuedAt:  now,
		UpdatedAt:   now,
	}
	if err := st.Create(context.Background(), rec); err != nil {
		t.Fatalf("create record: %v", err)
	}

	env := &envelope.Envelope{
		TaskID:      taskID,
		Name:        name,
		Schema:      envelope.SchemaV1,
		Queue:       "default",
		Payload:     payload,
		MaxAttempts: maxAttempts,
		EnqueuedAt:  now,
	}
	if err := b.Publish(context.Background(), env); err != nil {
		t.Fatalf("publish envelope: %v", err)
	}
	return taskID
}

// waitForState polls the store until the record reaches want.
func waitForState(t *testing.T, st task.Store, taskID id.TaskID, want task.State) *task.Record {
	t.Helper()

	deadline := time.After(5 * time.Second)
	for {
		rec, err := st.Get(context.Background(), taskID)
		if err == nil && rec.State == want {
			return rec
		}
		select {
		case <-deadline:
			state := task.State("<missing>")
			if err == nil {
				state = rec.State
			}
			t.Fatalf("task %s never reached %q, last state %q", taskID, want, state)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestPool_ExecutesTask(t *testing.T) {
	pool, st, reg, b := setupTestPool(t, 2)

	task.RegisterDefinition(reg, task.NewDefinition("greet",
		func(_ context.Context, p map[string]string) (any, error) {
			return map[string]string{"greeting": "hello " + p["name"]}, nil
		}))

	pool.Start(context.Background())
	taskID := enqueue(t, st, b, "greet", []byte(`{"name":"ada"}`), 3)

	rec := waitForState(t, st, taskID, task.StateSucceeded)
	if rec.Attempt != 1 {
		t.Errorf("Attempt = %d, want 1", rec.Attempt)
	}
	if rec.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}
	if len(rec.Result) == 0 {
		t.Error("Result not recorded")
	}
}

func TestPool_RetriesUntilSuccess(t *testing.T) {
	pool, st, reg, b := setupTestPool(t, 2)

	var runs atomic.Int32
	task.RegisterDefinition(reg, task.NewDefinition("flaky",
		func(_ context.Context, _ struct{}) (any, error) {
			if runs.Add(1) < 3 {
				return nil, errors.New("transient failure")
			}
			return "done", nil
		}))

	pool.Start(context.Background())
	taskID := enqueue(t, st, b, "flaky", nil, 3)

	rec := waitForState(t, st, taskID, task.StateSucceeded)
	if got := runs.Load(); got != 3 {
		t.Errorf("handler ran %d times, want 3", got)
	}
	if rec.Attempt != 3 {
		t.Errorf("Attempt = %d, want 3", rec.Attempt)
	}
	if rec.LastError != "" {
		t.Errorf("LastError = %q, want empty after success", rec.LastError)
	}
}

func TestPool_DeadLettersOnExhaustedBudget(t *testing.T) {
	pool, st, reg, b := setupTestPool(t, 2)

	task.RegisterDefinition(reg, task.NewDefinition("doomed",
		func(_ context.Context, _ struct{}) (any, error) {
			return nil, errors.New("permanent outage")
		}))

	pool.Start(context.Background())
	taskID := enqueue(t, st, b, "doomed", nil, 1)

	rec := waitForState(t, st, taskID, task.StateDeadLettered)
	if rec.LastError == "" {
		t.Error("LastError not recorded")
	}
	if rec.CompletedAt == nil {
		t.Error("CompletedAt not set on dead letter")
	}

	n, err := st.CountDLQ(context.Background())
	if err != nil {
		t.Fatalf("CountDLQ: %v", err)
	}
	if n != 1 {
		t.Errorf("CountDLQ = %d, want 1", n)
	}
	entries, _ := st.ListDLQ(context.Background(), dlq.ListOpts{})
	if len(entries) == 1 && entries[0].TaskID.String() != taskID.String() {
		t.Errorf("DLQ TaskID = %s, want %s", entries[0].TaskID, taskID)
	}
}

func TestPool_DeadLettersUnknownTask(t *testing.T) {
	pool, st, _, b := setupTestPool(t, 2)

	pool.Start(context.Background())
	// No handler registered for this name anywhere in the process.
	taskID := enqueue(t, st, b, "nobody.home", nil, 5)

	rec := waitForState(t, st, taskID, task.StateDeadLettered)
	if rec.LastError == "" {
		t.Error("LastError not recorded for unknown task")
	}
	n, _ := st.CountDLQ(context.Background())
	if n != 1 {
		t.Errorf("CountDLQ = %d, want 1", n)
	}
}

func TestPool_NonRetryableSkipsBudget(t *testing.T) {
	pool, st, reg, b := setupTestPool(t, 2)

	var runs atomic.Int32
	task.RegisterDefinition(reg, task.NewDefinition("rejected",
		func(_ context.Context, _ struct{}) (any, error) {
			runs.Add(1)
			return nil, courier.NonRetryable(errors.New("downstream rejected the input"))
		}))

	pool.Start(context.Background())
	taskID := enqueue(t, st, b, "rejected", nil, 5)

	waitForState(t, st, taskID, task.StateDeadLettered)
	if got := runs.Load(); got != 1 {
		t.Errorf("handler ran %d times, want 1 (no retries for non-retryable)", got)
	}
}

func TestPool_MalformedPayloadDeadLetters(t *testing.T) {
	pool, st, reg, b := setupTestPool(t, 2)

	var runs atomic.Int32
	task.RegisterDefinition(reg, task.NewDefinition("typed",
		func(_ context.Context, _ struct{ N int }) (any, error) {
			runs.Add(1)
			return nil, nil
		}))

	pool.Start(context.Background())
	taskID := enqueue(t, st, b, "typed", []byte("{corrupt"), 5)

	waitForState(t, st, taskID, task.StateDeadLettered)
	if got := runs.Load(); got != 0 {
		t.Errorf("handler ran %d times with a malformed payload, want 0", got)
	}
}

func TestPool_DropOnDiscard(t *testing.T) {
	pool, st, reg, b := setupTestPool(t, 2)

	task.RegisterDefinition(reg, task.NewDefinition("droppable",
		func(_ context.Context, _ struct{}) (any, error) {
			return nil, retry.Discard
		}))

	pool.Start(context.Background())
	taskID := enqueue(t, st, b, "droppable", nil, 3)

	waitForState(t, st, taskID, task.StateFailed)

	// Dropped tasks are acknowledged and forgotten, never dead-lettered.
	deadline := time.After(time.Second)
	for b.InflightCount() > 0 {
		select {
		case <-deadline:
			t.Fatal("delivery never settled")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if n, _ := st.CountDLQ(context.Background()); n != 0 {
		t.Errorf("CountDLQ = %d, want 0", n)
	}
	if b.PendingCount("default") != 0 {
		t.Errorf("PendingCount = %d, want 0", b.PendingCount("default"))
	}
}

func TestPool_ConcurrencyBound(t *testing.T) {
	pool, st, reg, b := setupTestPool(t, 2)

	gate := make(chan struct{})
	var running atomic.Int32
	var peak atomic.Int32
	task.RegisterDefinition(reg, task.NewDefinition("slow",
		func(ctx context.Context, _ struct{}) (any, error) {
			n := running.Add(1)
			defer running.Add(-1)
			for {
				prev := peak.Load()
				if n <= prev || peak.CompareAndSwap(prev, n) {
					break
				}
			}
			select {
			case <-gate:
				return nil, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}))

	pool.Start(context.Background())
	ids := make([]id.TaskID, 0, 4)
	for range 4 {
		ids = append(ids, enqueue(t, st, b, "slow", nil, 1))
	}

	// Wait for both slots to fill, then verify no third task starts.
	deadline := time.After(5 * time.Second)
	for running.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("only %d tasks running, want 2", running.Load())
		case <-time.After(10 * time.Millisecond):
		}
	}
	time.Sleep(100 * time.Millisecond)
	if got := running.Load(); got != 2 {
		t.Errorf("running = %d, want exactly 2", got)
	}

	close(gate)
	for _, taskID := range ids {
		waitForState(t, st, taskID, task.StateSucceeded)
	}
	if got := peak.Load(); got > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", got)
	}
}

func TestPool_GracefulDrain(t *testing.T) {
	pool, st, reg, b := setupTestPool(t, 1)

	started := make(chan struct{})
	task.RegisterDefinition(reg, task.NewDefinition("lingering",
		func(_ context.Context, _ struct{}) (any, error) {
			close(started)
			time.Sleep(200 * time.Millisecond)
			return "finished", nil
		}))

	pool.Start(context.Background())
	taskID := enqueue(t, st, b, "lingering", nil, 1)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("task never started")
	}

	// Stop must let the in-flight task finish rather than abandoning it.
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := pool.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	rec, err := st.Get(context.Background(), taskID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.State != task.StateSucceeded {
		t.Errorf("State after drain = %q, want succeeded", rec.State)
	}
	if pool.ActiveCount() != 0 {
		t.Errorf("ActiveCount = %d, want 0", pool.ActiveCount())
	}
}

func TestPool_StartContextCancelDoesNotAbortInFlight(t *testing.T) {
	pool, st, reg, b := setupTestPool(t, 1)

	started := make(chan struct{})
	task.RegisterDefinition(reg, task.NewDefinition("draining",
		func(ctx context.Context, _ struct{}) (any, error) {
			close(started)
			select {
			case <-time.After(300 * time.Millisecond):
				return "finished", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}))

	startCtx, cancelStart := context.WithCancel(context.Background())
	defer cancelStart()
	pool.Start(startCtx)
	taskID := enqueue(t, st, b, "draining", nil, 3)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("task never started")
	}

	// A termination signal cancels the start context. The slots must stop
	// claiming, but the in-flight task keeps its own context and finishes
	// under Stop's drain budget instead of failing with "context canceled".
	cancelStart()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := pool.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	rec, err := st.Get(context.Background(), taskID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.State != task.StateSucceeded {
		t.Errorf("State after start cancel = %q (LastError=%q), want succeeded",
			rec.State, rec.LastError)
	}
}

func TestPool_TerminalRecordRedeliveryIsIdempotent(t *testing.T) {
	pool, st, reg, b := setupTestPool(t, 1)

	var runs atomic.Int32
	task.RegisterDefinition(reg, task.NewDefinition("settled",
		func(_ context.Context, _ struct{}) (any, error) {
			runs.Add(1)
			return nil, nil
		}))

	// The record already carries a final verdict; this delivery is a
	// broker-side duplicate.
	now := time.Now().UTC()
	taskID := id.NewTaskID()
	completed := now
	rec := &task.Record{
		ID:          taskID,
		Name:        "settled",
		Queue:       "default",
		State:       task.StateSucceeded,
		Attempt:     1,
		MaxAttempts: 3,
		Result:      []byte(`"original"`),
		EnqueuedAt:  now,
		CompletedAt: &completed,
		UpdatedAt:   now,
	}
	if err := st.Create(context.Background(), rec); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := b.Publish(context.Background(), &envelope.Envelope{
		TaskID:      taskID,
		Name:        "settled",
		Schema:      envelope.SchemaV1,
		Queue:       "default",
		MaxAttempts: 3,
		EnqueuedAt:  now,
	}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	pool.Start(context.Background())

	// The duplicate must be acknowledged without executing.
	deadline := time.After(5 * time.Second)
	for b.PendingCount("default") > 0 || b.InflightCount() > 0 {
		select {
		case <-deadline:
			t.Fatal("duplicate delivery never settled")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if got := runs.Load(); got != 0 {
		t.Errorf("handler ran %d times on a terminal record, want 0", got)
	}

	got, _ := st.Get(context.Background(), taskID)
	if string(got.Result) != `"original"` {
		t.Errorf("Result = %s, want original preserved", got.Result)
	}
}

func TestPool_SweepRecoversStaleRunning(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := storemem.New()
	b := brokermem.New()
	reg := task.NewRegistry()
	exec := worker.NewExecutor(reg, st, b, nil,
		retry.NewPolicy(nil), nil, id.NewWorkerID(), logger)
	pool := worker.NewPool(worker.PoolConfig{
		Concurrency:     1,
		ConsumeTimeout:  100 * time.Millisecond,
		ShutdownTimeout: time.Second,
		StaleThreshold:  50 * time.Millisecond,
		SweepInterval:   50 * time.Millisecond,
	}, exec, b, st, nil, logger)

	// A record a crashed worker left behind.
	now := time.Now().UTC()
	rec := &task.Record{
		ID:          id.NewTaskID(),
		Name:        "abandoned",
		Queue:       "default",
		State:       task.StateRunning,
		Attempt:     1,
		MaxAttempts: 3,
		EnqueuedAt:  now.Add(-time.Minute),
		UpdatedAt:   now.Add(-time.Minute),
	}
	if err := st.Create(context.Background(), rec); err != nil {
		t.Fatalf("Create: %v", err)
	}

	pool.Start(context.Background())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = pool.Stop(ctx)
		_ = b.Close()
	}()

	waitForState(t, st, rec.ID, task.StateRetrying)
}

func TestPool_StartAndStopAreIdempotent(t *testing.T) {
	pool, _, _, _ := setupTestPool(t, 1)

	ctx := context.Background()
	pool.Start(ctx)
	pool.Start(ctx) // second start is a no-op

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := pool.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := pool.Stop(stopCtx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}
