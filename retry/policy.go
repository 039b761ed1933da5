package retry

import (
	"errors"
	"time"

	"github.com/courierq/courier"
)

// Discard is a sentinel a handler returns (or wraps) when a failed task
// should be dropped outright: the delivery is acknowledged and nothing is
// requeued or dead-lettered.
var Discard = errors.New("retry: discard task")

// Kind enumerates the possible outcomes of a retry decision.
type Kind int

const (
	// KindRequeue republishes the envelope with an incremented attempt
	// count and a visibility timestamp Delay in the future.
	KindRequeue Kind = iota
	// KindDeadLetter routes the task to the dead letter queue.
	KindDeadLetter
	// KindDrop acknowledges and forgets the task.
	KindDrop
)

// Decision is the transient outcome of the policy for one failure. It is
// never persisted; the executor consumes it immediately.
type Decision struct {
	Kind  Kind
	Delay time.Duration
}

// Policy decides what happens to a failed task attempt. It is a pure
// function of (attempt count, maximum attempts, failure classification):
// deterministic given a deterministic Strategy, and side-effect-free, so
// it is independently testable.
type Policy struct {
	strategy Strategy
}

// NewPolicy creates a Policy using the given backoff strategy.
// A nil strategy falls back to DefaultStrategy.
func NewPolicy(strategy Strategy) *Policy {
	if strategy == nil {
		strategy = DefaultStrategy()
	}
	return &Policy{strategy: strategy}
}

// Decide classifies a failure. attempt is the envelope's 0-based attempt
// count at the time of the failure.
//
//   - err wrapping Discard → Drop.
//   - err marked courier.NonRetryable → DeadLetter, regardless of budget.
//   - attempt >= maxAttempts (retry budget exhausted) → DeadLetter.
//   - otherwise → Requeue with delay = strategy.Delay(attempt+1); for the
//     default exponential strategy that is min(base * 2^attempt, max).
func (p *Policy) Decide(attempt, maxAttempts int, err error) Decision {
	if errors.Is(err, Discard) {
		return Decision{Kind: KindDrop}
	}
	if courier.IsNonRetryable(err) {
		return Decision{Kind: KindDeadLetter}
	}
	if attempt >= maxAttempts {
		return Decision{Kind: KindDeadLetter}
	}
	return Decision{Kind: KindRequeue, Delay: p.strategy.Delay(attempt + 1)}
}
