package dlq_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/courierq/courier"
	brokermem "github.com/courierq/courier/broker/memory"
	"github.com/courierq/courier/dlq"
	"github.com/courierq/courier/envelope"
	"github.com/courierq/courier/id"
	storemem "github.com/courierq/courier/store/memory"
	"github.com/courierq/courier/task"
)

func testEnvelope() *envelope.Envelope {
	return &envelope.Envelope{
		TaskID:      id.NewTaskID(),
		Name:        "email.send",
		Schema:      envelope.SchemaV1,
		Queue:       "default",
		Payload:     []byte(`{"to":"user@example.com"}`),
		Attempt:     2,
		MaxAttempts: 3,
		EnqueuedAt:  time.Now().UTC(),
	}
}

func TestService_Push(t *testing.T) {
	st := storemem.New()
	svc := dlq.NewService(st, st, nil)

	env := testEnvelope()
	if err := svc.Push(context.Background(), env, errors.New("smtp: connection refused")); err != nil {
		t.Fatalf("Push: %v", err)
	}

	entries, err := st.ListDLQ(context.Background(), dlq.ListOpts{})
	if err != nil {
		t.Fatalf("ListDLQ: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("len = %d, want 1", len(entries))
	}
	e := entries[0]
	if e.TaskID.String() != env.TaskID.String() {
		t.Errorf("TaskID = %s, want %s", e.TaskID, env.TaskID)
	}
	if e.TaskName != "email.send" || e.Queue != "default" {
		t.Errorf("entry = %+v", e)
	}
	if e.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", e.Attempts)
	}
	if e.Error != "smtp: connection refused" {
		t.Errorf("Error = %q", e.Error)
	}
	if string(e.Payload) != string(env.Payload) {
		t.Errorf("Payload = %s", e.Payload)
	}
}

func TestService_Replay(t *testing.T) {
	st := storemem.New()
	b := brokermem.New()
	defer b.Close() //nolint:errcheck
	svc := dlq.NewService(st, st, b)

	env := testEnvelope()
	if err := svc.Push(context.Background(), env, errors.New("permanent outage")); err != nil {
		t.Fatalf("Push: %v", err)
	}
	entries, _ := st.ListDLQ(context.Background(), dlq.ListOpts{})
	entryID := entries[0].ID

	rec, err := svc.Replay(context.Background(), entryID)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}

	// Replay mints a fresh task identity with the budget reset.
	if rec.ID.String() == env.TaskID.String() {
		t.Error("replay reused the original task ID")
	}
	if rec.State != task.StatePending || rec.Attempt != 0 {
		t.Errorf("rec = %+v, want pending attempt 0", rec)
	}

	// The replayed envelope is on the wire, payload intact.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d, err := b.Consume(ctx, "default")
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if d.Env.TaskID.String() != rec.ID.String() {
		t.Errorf("envelope TaskID = %s, want %s", d.Env.TaskID, rec.ID)
	}
	if d.Env.Attempt != 0 {
		t.Errorf("envelope Attempt = %d, want 0", d.Env.Attempt)
	}
	if string(d.Env.Payload) != string(env.Payload) {
		t.Errorf("Payload = %s", d.Env.Payload)
	}

	// And the entry carries the replay mark.
	got, _ := st.GetDLQ(context.Background(), entryID)
	if got.ReplayedAt == nil {
		t.Error("ReplayedAt not set")
	}
}

func TestService_ReplayWithoutBroker(t *testing.T) {
	st := storemem.New()
	svc := dlq.NewService(st, st, nil)

	if _, err := svc.Replay(context.Background(), id.NewDLQID()); !errors.Is(err, courier.ErrNoBroker) {
		t.Errorf("err = %v, want ErrNoBroker", err)
	}
}

func TestService_ReplayMissingEntry(t *testing.T) {
	st := storemem.New()
	b := brokermem.New()
	defer b.Close() //nolint:errcheck
	svc := dlq.NewService(st, st, b)

	if _, err := svc.Replay(context.Background(), id.NewDLQID()); !errors.Is(err, courier.ErrDLQNotFound) {
		t.Errorf("err = %v, want ErrDLQNotFound", err)
	}
}
