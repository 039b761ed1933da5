// Package redis implements broker.Channel on Redis Sorted Sets.
//
// Each queue is a pair of sorted sets: a pending set scored by visibility
// timestamp (unix milliseconds) and an in-flight set scored by redelivery
// deadline. Consuming claims a member by moving it from the pending set to
// the in-flight set in a single script, so a claimed envelope is never in
// neither set: whoever moves the member owns it, and a consumer crash at
// any point leaves the envelope in exactly one set. Deliveries not
// acknowledged before their deadline are moved back the same way, which
// is the at-least-once redelivery path.
//
// Usage:
//
//	client := goredis.NewClient(&goredis.Options{Addr: "localhost:6379"})
//	ch := redisbroker.New(client)
package redis

import (
	"context"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/courierq/courier/broker"
	"github.com/courierq/courier/envelope"
	"github.com/courierq/courier/id"
)

// Compile-time interface check.
var _ broker.Channel = (*Broker)(nil)

// moveMember atomically moves a member between two sorted sets. Returns
// 0 when the member was no longer in the source set (a competing
// consumer won the race), 1 when moved. The remove and the add run as
// one script so the member is never absent from both sets.
var moveMember = goredis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then return 0 end
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
return 1
`)

// Option configures the Broker.
type Option func(*Broker)

// WithVisibilityTimeout sets how long a consumed delivery may stay
// unacknowledged before it is offered again.
func WithVisibilityTimeout(d time.Duration) Option {
	return func(b *Broker) { b.visibility = d }
}

// WithPollInterval sets how often a blocked consumer re-checks the
// pending set.
func WithPollInterval(d time.Duration) Option {
	return func(b *Broker) { b.pollInterval = d }
}

// WithCodec sets the envelope codec. Defaults to JSON.
func WithCodec(c envelope.Codec) Option {
	return func(b *Broker) { b.codec = c }
}

// Broker is a Redis-backed broker.Channel. The caller owns the Redis
// client lifecycle.
type Broker struct {
	client       goredis.Cmdable
	codec        envelope.Codec
	visibility   time.Duration
	pollInterval time.Duration
	done         chan struct{}
}

// New creates a Redis-backed broker.
func New(client goredis.Cmdable, opts ...Option) *Broker {
	b := &Broker{
		client:       client,
		codec:        &envelope.JSONCodec{},
		visibility:   30 * time.Second,
		pollInterval: 100 * time.Millisecond,
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish encodes env and adds it to the queue's pending set, scored by
// its visibility timestamp.
func (b *Broker) Publish(ctx context.Context, env *envelope.Envelope) error {
	data, err := b.codec.Encode(env)
	if err != nil {
		return err
	}

	score := float64(0)
	if !env.NotBefore.IsZero() {
		score = float64(env.NotBefore.UnixMilli())
	}

	if err := b.client.ZAdd(ctx, queueKey(env.Queue), goredis.Z{
		Score:  score,
		Member: string(data),
	}).Err(); err != nil {
		return &broker.TransportError{Op: "publish zadd", Err: err}
	}
	return nil
}

// Consume blocks until an eligible envelope is claimed, the context is
// done, or the broker is closed.
func (b *Broker) Consume(ctx context.Context, queue string) (*broker.Delivery, error) {
	for {
		select {
		case <-b.done:
			return nil, broker.ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		if err := b.reclaim(ctx, queue); err != nil {
			return nil, err
		}

		d, err := b.claim(ctx, queue)
		if err != nil {
			return nil, err
		}
		if d != nil {
			return d, nil
		}

		timer := time.NewTimer(b.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-b.done:
			timer.Stop()
			return nil, broker.ErrClosed
		case <-timer.C:
		}
	}
}

// Ack removes the delivery from the in-flight set.
func (b *Broker) Ack(ctx context.Context, d *broker.Delivery) error {
	if err := b.client.ZRem(ctx, inflightKey(d.Queue), string(d.Token)).Err(); err != nil {
		return &broker.TransportError{Op: "ack zrem", Err: err}
	}
	return nil
}

// Nack removes the delivery from the in-flight set and, with requeue,
// makes the envelope immediately eligible again.
func (b *Broker) Nack(ctx context.Context, d *broker.Delivery, requeue bool) error {
	pipe := b.client.TxPipeline()
	pipe.ZRem(ctx, inflightKey(d.Queue), string(d.Token))
	if requeue {
		pipe.ZAdd(ctx, queueKey(d.Queue), goredis.Z{Score: 0, Member: string(d.Token)})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return &broker.TransportError{Op: "nack", Err: err}
	}
	return nil
}

// Close stops all blocked consumers. It does not close the Redis client,
// which the caller owns.
func (b *Broker) Close() error {
	select {
	case <-b.done:
	default:
		close(b.done)
	}
	return nil
}

// claim attempts to take one eligible member from the pending set.
// Returns nil, nil when the queue has nothing eligible.
func (b *Broker) claim(ctx context.Context, queue string) (*broker.Delivery, error) {
	now := time.Now()
	members, err := b.client.ZRangeByScore(ctx, queueKey(queue), &goredis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: 8,
	}).Result()
	if err != nil {
		return nil, &broker.TransportError{Op: "claim zrangebyscore", Err: err}
	}

	deadline := strconv.FormatInt(now.Add(b.visibility).UnixMilli(), 10)
	for _, member := range members {
		moved, moveErr := moveMember.Run(ctx, b.client,
			[]string{queueKey(queue), inflightKey(queue)}, member, deadline).Int()
		if moveErr != nil {
			return nil, &broker.TransportError{Op: "claim move", Err: moveErr}
		}
		if moved == 0 {
			// Another consumer claimed it first.
			continue
		}

		env, decErr := b.codec.Decode([]byte(member))
		if decErr != nil {
			// Undecodable member: drop it rather than poison the queue.
			_ = b.client.ZRem(ctx, inflightKey(queue), member).Err()
			continue
		}

		return &broker.Delivery{
			ID:    id.NewDeliveryID(),
			Env:   env,
			Queue: queue,
			Token: []byte(member),
		}, nil
	}
	return nil, nil
}

// reclaim moves expired in-flight members back to the pending set.
func (b *Broker) reclaim(ctx context.Context, queue string) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	members, err := b.client.ZRangeByScore(ctx, inflightKey(queue), &goredis.ZRangeBy{
		Min: "-inf",
		Max: now,
	}).Result()
	if err != nil {
		return &broker.TransportError{Op: "reclaim zrangebyscore", Err: err}
	}

	for _, member := range members {
		if _, moveErr := moveMember.Run(ctx, b.client,
			[]string{inflightKey(queue), queueKey(queue)}, member, "0").Int(); moveErr != nil {
			return &broker.TransportError{Op: "reclaim move", Err: moveErr}
		}
	}
	return nil
}
