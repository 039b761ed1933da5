//go:build integration

package postgres_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	pgmodule "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/courierq/courier"
	"github.com/courierq/courier/cron"
	"github.com/courierq/courier/dlq"
	"github.com/courierq/courier/id"
	"github.com/courierq/courier/store/postgres"
	"github.com/courierq/courier/task"
)

// setupTestStore starts a Postgres container and returns a migrated Store.
func setupTestStore(t *testing.T) *postgres.Store {
	t.Helper()

	ctx := context.Background()

	container, err := pgmodule.Run(ctx,
		"postgres:16-alpine",
		pgmodule.WithDatabase("courier_test"),
		pgmodule.WithUsername("test"),
		pgmodule.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if termErr := container.Terminate(ctx); termErr != nil {
			t.Logf("terminate container: %v", termErr)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("get connection string: %v", err)
	}

	store, err := postgres.New(ctx, connStr)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})

	if migErr := store.Migrate(ctx); migErr != nil {
		t.Fatalf("migrate: %v", migErr)
	}
	return store
}

func newRecord(state task.State) *task.Record {
	now := time.Now().UTC()
	return &task.Record{
		ID:          id.NewTaskID(),
		Name:        "email.send",
		Queue:       "default",
		State:       state,
		MaxAttempts: 3,
		EnqueuedAt:  now,
		UpdatedAt:   now,
	}
}

func TestStore_Ping(t *testing.T) {
	s := setupTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("ping failed: %v", err)
	}
}

func TestStore_MigrateIdempotent(t *testing.T) {
	s := setupTestStore(t)
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}
}

func TestStore_TaskLifecycle(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	rec := newRecord(task.StatePending)
	if err := s.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Create(ctx, rec); !errors.Is(err, courier.ErrTaskAlreadyExists) {
		t.Errorf("duplicate Create err = %v, want ErrTaskAlreadyExists", err)
	}

	got, err := s.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != task.StatePending || got.Name != "email.send" {
		t.Errorf("got %+v", got)
	}

	now := time.Now().UTC()
	got.State = task.StateRunning
	got.Attempt = 1
	got.WorkerID = id.NewWorkerID()
	got.StartedAt = &now
	got.UpdatedAt = now
	if err := s.Update(ctx, got); err != nil {
		t.Fatalf("Update: %v", err)
	}

	back, _ := s.Get(ctx, rec.ID)
	if back.State != task.StateRunning || back.Attempt != 1 {
		t.Errorf("after update: %+v", back)
	}
	if back.WorkerID.IsNil() || back.StartedAt == nil {
		t.Error("WorkerID/StartedAt not persisted")
	}

	if _, err := s.Get(ctx, id.NewTaskID()); !errors.Is(err, courier.ErrTaskNotFound) {
		t.Errorf("missing Get err = %v, want ErrTaskNotFound", err)
	}
}

func TestStore_TerminalWriteOnce(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	rec := newRecord(task.StatePending)
	if err := s.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}

	now := time.Now().UTC()
	rec.State = task.StateSucceeded
	rec.Result = []byte(`"done"`)
	rec.CompletedAt = &now
	rec.UpdatedAt = now
	if err := s.Update(ctx, rec); err != nil {
		t.Fatalf("Update to terminal: %v", err)
	}

	// A duplicate delivery outcome must be silently dropped.
	late := *rec
	late.State = task.StateFailed
	late.LastError = "late failure"
	if err := s.Update(ctx, &late); err != nil {
		t.Fatalf("Update after terminal: %v", err)
	}

	got, _ := s.Get(ctx, rec.ID)
	if got.State != task.StateSucceeded {
		t.Errorf("State = %q, want succeeded", got.State)
	}
	if string(got.Result) != `"done"` {
		t.Errorf("Result = %s", got.Result)
	}

	// An update against a missing record still errors.
	ghost := newRecord(task.StateRunning)
	if err := s.Update(ctx, ghost); !errors.Is(err, courier.ErrTaskNotFound) {
		t.Errorf("missing Update err = %v, want ErrTaskNotFound", err)
	}
}

func TestStore_ListAndCount(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	for i := range 3 {
		rec := newRecord(task.StatePending)
		rec.EnqueuedAt = time.Now().UTC().Add(time.Duration(i) * time.Second)
		if err := s.Create(ctx, rec); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	other := newRecord(task.StateRunning)
	other.Queue = "critical"
	if err := s.Create(ctx, other); err != nil {
		t.Fatalf("Create: %v", err)
	}

	recs, err := s.ListByState(ctx, task.StatePending, task.ListOpts{})
	if err != nil {
		t.Fatalf("ListByState: %v", err)
	}
	if len(recs) != 3 {
		t.Errorf("len = %d, want 3", len(recs))
	}

	recs, _ = s.ListByState(ctx, task.StatePending, task.ListOpts{Limit: 1, Offset: 1})
	if len(recs) != 1 {
		t.Errorf("paged len = %d, want 1", len(recs))
	}

	n, err := s.Count(ctx, task.CountOpts{State: task.StateRunning})
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 1 {
		t.Errorf("Count(running) = %d, want 1", n)
	}
	n, _ = s.Count(ctx, task.CountOpts{Queue: "critical"})
	if n != 1 {
		t.Errorf("Count(critical) = %d, want 1", n)
	}
}

func TestStore_SweepStale(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	stale := newRecord(task.StateRunning)
	stale.UpdatedAt = time.Now().UTC().Add(-10 * time.Minute)
	if err := s.Create(ctx, stale); err != nil {
		t.Fatalf("Create: %v", err)
	}
	fresh := newRecord(task.StateRunning)
	if err := s.Create(ctx, fresh); err != nil {
		t.Fatalf("Create: %v", err)
	}

	swept, err := s.SweepStale(ctx, time.Minute)
	if err != nil {
		t.Fatalf("SweepStale: %v", err)
	}
	if len(swept) != 1 || swept[0].ID.String() != stale.ID.String() {
		t.Fatalf("swept = %v, want the stale record only", swept)
	}

	got, _ := s.Get(ctx, stale.ID)
	if got.State != task.StateRetrying {
		t.Errorf("State = %q, want retrying", got.State)
	}
	got, _ = s.Get(ctx, fresh.ID)
	if got.State != task.StateRunning {
		t.Errorf("fresh State = %q, want running", got.State)
	}
}

func TestStore_DLQ(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	entry := &dlq.Entry{
		ID:          id.NewDLQID(),
		TaskID:      id.NewTaskID(),
		TaskName:    "email.send",
		Queue:       "default",
		Payload:     []byte(`{}`),
		Error:       "smtp: connection refused",
		Attempts:    3,
		MaxAttempts: 3,
		FailedAt:    time.Now().UTC(),
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.PushDLQ(ctx, entry); err != nil {
		t.Fatalf("PushDLQ: %v", err)
	}

	entries, err := s.ListDLQ(ctx, dlq.ListOpts{})
	if err != nil {
		t.Fatalf("ListDLQ: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("len = %d, want 1", len(entries))
	}

	if err := s.ReplayDLQ(ctx, entry.ID); err != nil {
		t.Fatalf("ReplayDLQ: %v", err)
	}
	got, err := s.GetDLQ(ctx, entry.ID)
	if err != nil {
		t.Fatalf("GetDLQ: %v", err)
	}
	if got.ReplayedAt == nil {
		t.Error("ReplayedAt not set")
	}

	n, _ := s.CountDLQ(ctx)
	if n != 1 {
		t.Errorf("CountDLQ = %d, want 1", n)
	}
	purged, err := s.PurgeDLQ(ctx, time.Now().UTC().Add(time.Minute))
	if err != nil {
		t.Fatalf("PurgeDLQ: %v", err)
	}
	if purged != 1 {
		t.Errorf("purged = %d, want 1", purged)
	}
}

func TestStore_CronLocking(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	next := now.Add(time.Hour)
	entry := &cron.Entry{
		ID:        id.NewCronID(),
		Name:      "nightly-report",
		Schedule:  "0 3 * * *",
		TaskName:  "report.generate",
		NextRunAt: &next,
		Enabled:   true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.RegisterCron(ctx, entry); err != nil {
		t.Fatalf("RegisterCron: %v", err)
	}

	dup := *entry
	dup.ID = id.NewCronID()
	if err := s.RegisterCron(ctx, &dup); !errors.Is(err, courier.ErrDuplicateCron) {
		t.Errorf("duplicate register err = %v, want ErrDuplicateCron", err)
	}

	w1 := id.NewWorkerID()
	w2 := id.NewWorkerID()

	ok, err := s.AcquireCronLock(ctx, entry.ID, w1, time.Minute)
	if err != nil {
		t.Fatalf("AcquireCronLock: %v", err)
	}
	if !ok {
		t.Fatal("first acquire failed")
	}
	ok, _ = s.AcquireCronLock(ctx, entry.ID, w2, time.Minute)
	if ok {
		t.Error("second worker acquired a held lock")
	}
	if err := s.ReleaseCronLock(ctx, entry.ID, w1); err != nil {
		t.Fatalf("ReleaseCronLock: %v", err)
	}
	ok, _ = s.AcquireCronLock(ctx, entry.ID, w2, time.Minute)
	if !ok {
		t.Error("lock not acquirable after release")
	}

	fired := time.Now().UTC()
	if err := s.UpdateCronLastRun(ctx, entry.ID, fired); err != nil {
		t.Fatalf("UpdateCronLastRun: %v", err)
	}
	got, err := s.GetCron(ctx, entry.ID)
	if err != nil {
		t.Fatalf("GetCron: %v", err)
	}
	if got.LastRunAt == nil {
		t.Error("LastRunAt not persisted")
	}

	if err := s.DeleteCron(ctx, entry.ID); err != nil {
		t.Fatalf("DeleteCron: %v", err)
	}
	if _, err := s.GetCron(ctx, entry.ID); !errors.Is(err, courier.ErrCronNotFound) {
		t.Errorf("GetCron after delete err = %v, want ErrCronNotFound", err)
	}
}
