// Package memory implements broker.Channel entirely in process memory.
// Intended for unit testing and development; it provides the same
// at-least-once, visibility-gated semantics as the real adapters.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/courierq/courier/broker"
	"github.com/courierq/courier/envelope"
	"github.com/courierq/courier/id"
)

// Compile-time interface check.
var _ broker.Channel = (*Broker)(nil)

// inflight tracks one unacknowledged delivery.
type inflight struct {
	env      *envelope.Envelope
	queue    string
	deadline time.Time
}

// Option configures the Broker.
type Option func(*Broker)

// WithVisibilityTimeout sets how long a consumed delivery may stay
// unacknowledged before it is offered again.
func WithVisibilityTimeout(d time.Duration) Option {
	return func(b *Broker) { b.visibility = d }
}

// Broker is an in-memory broker.Channel. Safe for concurrent use.
type Broker struct {
	mu       sync.Mutex
	pending  map[string][]*envelope.Envelope
	inflight map[string]*inflight
	notify   map[string]chan struct{}
	closed   bool

	visibility time.Duration
	done       chan struct{}
}

// New creates an in-memory broker.
func New(opts ...Option) *Broker {
	b := &Broker{
		pending:    make(map[string][]*envelope.Envelope),
		inflight:   make(map[string]*inflight),
		notify:     make(map[string]chan struct{}),
		visibility: 30 * time.Second,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish appends env to its queue and wakes one blocked consumer.
func (b *Broker) Publish(_ context.Context, env *envelope.Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return broker.ErrClosed
	}

	cp := *env
	b.pending[env.Queue] = append(b.pending[env.Queue], &cp)
	b.wake(env.Queue)
	return nil
}

// Consume blocks until an eligible envelope is available on queue, the
// context is done, or the broker is closed.
func (b *Broker) Consume(ctx context.Context, queue string) (*broker.Delivery, error) {
	for {
		b.mu.Lock()

		if b.closed {
			b.mu.Unlock()
			return nil, broker.ErrClosed
		}

		now := time.Now()
		b.reclaimLocked(queue, now)

		if d := b.claimLocked(queue, now); d != nil {
			b.mu.Unlock()
			return d, nil
		}

		wait := b.nextWakeLocked(queue, now)
		ch := b.notifyChan(queue)
		b.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-b.done:
			timer.Stop()
			return nil, broker.ErrClosed
		case <-ch:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Ack settles d and prevents redelivery.
func (b *Broker) Ack(_ context.Context, d *broker.Delivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.inflight, d.ID.String())
	return nil
}

// Nack rejects d. With requeue the envelope becomes immediately eligible
// again; without it the envelope is permanently removed.
func (b *Broker) Nack(_ context.Context, d *broker.Delivery, requeue bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	inf, ok := b.inflight[d.ID.String()]
	delete(b.inflight, d.ID.String())
	if !ok || !requeue {
		return nil
	}

	env := *inf.env
	env.NotBefore = time.Time{}
	b.pending[inf.queue] = append([]*envelope.Envelope{&env}, b.pending[inf.queue]...)
	b.wake(inf.queue)
	return nil
}

// Close shuts the broker down and releases blocked consumers.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.done)
	return nil
}

// PendingCount reports how many envelopes sit unconsumed on queue.
// Test helper.
func (b *Broker) PendingCount(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending[queue])
}

// InflightCount reports how many deliveries are awaiting settlement.
// Test helper.
func (b *Broker) InflightCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.inflight)
}

// claimLocked removes the first eligible envelope from queue and moves it
// in flight. Returns nil when nothing is eligible.
func (b *Broker) claimLocked(queue string, now time.Time) *broker.Delivery {
	list := b.pending[queue]
	for i, env := range list {
		if !env.Eligible(now) {
			continue
		}

		b.pending[queue] = append(list[:i:i], list[i+1:]...)

		d := &broker.Delivery{
			ID:    id.NewDeliveryID(),
			Env:   env,
			Queue: queue,
		}
		b.inflight[d.ID.String()] = &inflight{
			env:      env,
			queue:    queue,
			deadline: now.Add(b.visibility),
		}
		return d
	}
	return nil
}

// reclaimLocked returns expired in-flight deliveries to the head of their
// queue. This is the broker-side redelivery path for crashed consumers.
func (b *Broker) reclaimLocked(queue string, now time.Time) {
	for key, inf := range b.inflight {
		if inf.queue != queue || inf.deadline.After(now) {
			continue
		}
		delete(b.inflight, key)
		env := *inf.env
		env.NotBefore = time.Time{}
		b.pending[queue] = append([]*envelope.Envelope{&env}, b.pending[queue]...)
	}
}

// nextWakeLocked returns how long a consumer may sleep before something
// on queue could become eligible.
func (b *Broker) nextWakeLocked(queue string, now time.Time) time.Duration {
	wait := time.Minute

	for _, env := range b.pending[queue] {
		if env.NotBefore.After(now) {
			if d := env.NotBefore.Sub(now); d < wait {
				wait = d
			}
		}
	}
	for _, inf := range b.inflight {
		if inf.queue != queue {
			continue
		}
		if d := inf.deadline.Sub(now); d > 0 && d < wait {
			wait = d
		}
	}
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return wait
}

func (b *Broker) notifyChan(queue string) chan struct{} {
	ch, ok := b.notify[queue]
	if !ok {
		ch = make(chan struct{}, 1)
		b.notify[queue] = ch
	}
	return ch
}

func (b *Broker) wake(queue string) {
	select {
	case b.notifyChan(queue) <- struct{}{}:
	default:
	}
}
