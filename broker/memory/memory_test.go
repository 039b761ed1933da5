package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/courierq/courier/broker"
	"github.com/courierq/courier/broker/memory"
	"github.com/courierq/courier/envelope"
	"github.com/courierq/courier/id"
)

func testEnvelope(queue string) *envelope.Envelope {
	return &envelope.Envelope{
		TaskID:      id.NewTaskID(),
		Name:        "email.send",
		Schema:      envelope.SchemaV1,
		Queue:       queue,
		Payload:     []byte(`{}`),
		MaxAttempts: 3,
		EnqueuedAt:  time.Now(),
	}
}

func TestBroker_PublishConsumeAck(t *testing.T) {
	b := memory.New()
	defer b.Close()

	env := testEnvelope("default")
	if err := b.Publish(context.Background(), env); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	d, err := b.Consume(ctx, "default")
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if d.Env.TaskID.String() != env.TaskID.String() {
		t.Errorf("TaskID = %s, want %s", d.Env.TaskID, env.TaskID)
	}
	if b.InflightCount() != 1 {
		t.Errorf("InflightCount = %d, want 1", b.InflightCount())
	}

	if err := b.Ack(context.Background(), d); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if b.InflightCount() != 0 {
		t.Errorf("InflightCount after ack = %d, want 0", b.InflightCount())
	}
	if b.PendingCount("default") != 0 {
		t.Errorf("PendingCount after ack = %d, want 0", b.PendingCount("default"))
	}
}

func TestBroker_ConsumeBlocksUntilPublish(t *testing.T) {
	b := memory.New()
	defer b.Close()

	got := make(chan *broker.Delivery, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		d, err := b.Consume(ctx, "default")
		if err != nil {
			return
		}
		got <- d
	}()

	time.Sleep(50 * time.Millisecond)
	env := testEnvelope("default")
	if err := b.Publish(context.Background(), env); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case d := <-got:
		if d.Env.TaskID.String() != env.TaskID.String() {
			t.Errorf("TaskID = %s, want %s", d.Env.TaskID, env.TaskID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("consumer never woke after publish")
	}
}

func TestBroker_ConsumeRespectsContext(t *testing.T) {
	b := memory.New()
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := b.Consume(ctx, "default")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want context.DeadlineExceeded", err)
	}
}

func TestBroker_NackRequeue(t *testing.T) {
	b := memory.New()
	defer b.Close()

	env := testEnvelope("default")
	if err := b.Publish(context.Background(), env); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	d, err := b.Consume(ctx, "default")
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if err := b.Nack(context.Background(), d, true); err != nil {
		t.Fatalf("Nack: %v", err)
	}

	// The envelope is immediately eligible again.
	d2, err := b.Consume(ctx, "default")
	if err != nil {
		t.Fatalf("Consume after nack: %v", err)
	}
	if d2.Env.TaskID.String() != env.TaskID.String() {
		t.Errorf("redelivered TaskID = %s, want %s", d2.Env.TaskID, env.TaskID)
	}
	// A fresh delivery identity for the redelivery.
	if d2.ID.String() == d.ID.String() {
		t.Error("redelivery reused the delivery ID")
	}
}

func TestBroker_NackDiscard(t *testing.T) {
	b := memory.New()
	defer b.Close()

	if err := b.Publish(context.Background(), testEnvelope("default")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	d, err := b.Consume(ctx, "default")
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if err := b.Nack(context.Background(), d, false); err != nil {
		t.Fatalf("Nack: %v", err)
	}

	if b.PendingCount("default") != 0 {
		t.Errorf("PendingCount = %d, want 0 after discard", b.PendingCount("default"))
	}
	if b.InflightCount() != 0 {
		t.Errorf("InflightCount = %d, want 0 after discard", b.InflightCount())
	}
}

func TestBroker_VisibilityTimeoutRedelivers(t *testing.T) {
	b := memory.New(memory.WithVisibilityTimeout(50 * time.Millisecond))
	defer b.Close()

	env := testEnvelope("default")
	if err := b.Publish(context.Background(), env); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// Consume and never settle, simulating a crashed consumer.
	if _, err := b.Consume(ctx, "default"); err != nil {
		t.Fatalf("Consume: %v", err)
	}

	d, err := b.Consume(ctx, "default")
	if err != nil {
		t.Fatalf("Consume after visibility expiry: %v", err)
	}
	if d.Env.TaskID.String() != env.TaskID.String() {
		t.Errorf("redelivered TaskID = %s, want %s", d.Env.TaskID, env.TaskID)
	}
}

func TestBroker_DelayedEnvelopeNotVisibleEarly(t *testing.T) {
	b := memory.New()
	defer b.Close()

	env := testEnvelope("default")
	env.NotBefore = time.Now().Add(150 * time.Millisecond)
	if err := b.Publish(context.Background(), env); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	// Before NotBefore the envelope must not be delivered.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	_, err := b.Consume(ctx, "default")
	cancel()
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want context.DeadlineExceeded before NotBefore", err)
	}

	// After NotBefore it becomes eligible.
	ctx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	d, err := b.Consume(ctx, "default")
	if err != nil {
		t.Fatalf("Consume after NotBefore: %v", err)
	}
	if time.Now().Before(env.NotBefore) {
		t.Error("envelope delivered before its visibility timestamp")
	}
	if d.Env.TaskID.String() != env.TaskID.String() {
		t.Errorf("TaskID = %s, want %s", d.Env.TaskID, env.TaskID)
	}
}

func TestBroker_QueueIsolation(t *testing.T) {
	b := memory.New()
	defer b.Close()

	if err := b.Publish(context.Background(), testEnvelope("emails")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	_, err := b.Consume(ctx, "reports")
	cancel()
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("consuming the wrong queue should time out, got %v", err)
	}
	if b.PendingCount("emails") != 1 {
		t.Errorf("PendingCount(emails) = %d, want 1", b.PendingCount("emails"))
	}
}

func TestBroker_ClosedOperations(t *testing.T) {
	b := memory.New()
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Close is idempotent.
	if err := b.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	if err := b.Publish(context.Background(), testEnvelope("default")); !errors.Is(err, broker.ErrClosed) {
		t.Errorf("Publish err = %v, want broker.ErrClosed", err)
	}
	if _, err := b.Consume(context.Background(), "default"); !errors.Is(err, broker.ErrClosed) {
		t.Errorf("Consume err = %v, want broker.ErrClosed", err)
	}
}

func TestBroker_CloseReleasesBlockedConsumer(t *testing.T) {
	b := memory.New()

	errCh := make(chan error, 1)
	go func() {
		_, err := b.Consume(context.Background(), "default")
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, broker.ErrClosed) {
			t.Errorf("err = %v, want broker.ErrClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("blocked consumer never released on close")
	}
}
