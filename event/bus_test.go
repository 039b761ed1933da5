package event_test

import (
	"testing"
	"time"

	"github.com/courierq/courier/event"
	"github.com/courierq/courier/id"
)

func testEvent(t event.Type) event.Event {
	return event.Event{
		Type:     t,
		TaskID:   id.NewTaskID(),
		TaskName: "email.send",
		Queue:    "default",
		Attempt:  1,
		At:       time.Now().UTC(),
	}
}

func TestBus_PublishAndReceive(t *testing.T) {
	bus := event.NewBus()
	ch, cancel := bus.Subscribe(4)
	defer cancel()

	evt := testEvent(event.TypeSucceeded)
	bus.Publish(evt)

	select {
	case got := <-ch:
		if got.Type != event.TypeSucceeded {
			t.Errorf("Type = %q, want %q", got.Type, event.TypeSucceeded)
		}
		if got.TaskID.String() != evt.TaskID.String() {
			t.Errorf("TaskID = %s, want %s", got.TaskID, evt.TaskID)
		}
	case <-time.After(time.Second):
		t.Fatal("event never arrived")
	}
}

func TestBus_TypeFilter(t *testing.T) {
	bus := event.NewBus()
	ch, cancel := bus.Subscribe(4, event.TypeDeadLettered)
	defer cancel()

	bus.Publish(testEvent(event.TypeStarted))
	bus.Publish(testEvent(event.TypeSucceeded))
	bus.Publish(testEvent(event.TypeDeadLettered))

	select {
	case got := <-ch:
		if got.Type != event.TypeDeadLettered {
			t.Errorf("Type = %q, want only dead_lettered events", got.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("filtered event never arrived")
	}
	select {
	case got := <-ch:
		t.Errorf("unexpected second event %q", got.Type)
	default:
	}
}

func TestBus_PublishNeverBlocks(t *testing.T) {
	bus := event.NewBus()
	_, cancel := bus.Subscribe(1)
	defer cancel()

	// The subscriber never reads; publishes beyond the buffer are dropped.
	done := make(chan struct{})
	go func() {
		for range 100 {
			bus.Publish(testEvent(event.TypeStarted))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
}

func TestBus_CancelRemovesSubscription(t *testing.T) {
	bus := event.NewBus()
	ch, cancel := bus.Subscribe(4)

	if bus.SubscriberCount() != 1 {
		t.Fatalf("SubscriberCount = %d, want 1", bus.SubscriberCount())
	}
	cancel()
	cancel() // idempotent
	if bus.SubscriberCount() != 0 {
		t.Errorf("SubscriberCount = %d, want 0 after cancel", bus.SubscriberCount())
	}

	// The channel is closed so range loops terminate.
	if _, ok := <-ch; ok {
		t.Error("channel still open after cancel")
	}
}

func TestBus_MultipleSubscribers(t *testing.T) {
	bus := event.NewBus()
	ch1, cancel1 := bus.Subscribe(4)
	defer cancel1()
	ch2, cancel2 := bus.Subscribe(4)
	defer cancel2()

	bus.Publish(testEvent(event.TypeRetrying))

	for i, ch := range []<-chan event.Event{ch1, ch2} {
		select {
		case got := <-ch:
			if got.Type != event.TypeRetrying {
				t.Errorf("subscriber %d got %q", i, got.Type)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d never received the event", i)
		}
	}
}
