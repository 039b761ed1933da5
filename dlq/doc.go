// Package dlq provides the dead letter queue for tasks that exhausted
// their attempt budget or failed non-retryably. It supports inspection,
// replay, and purging.
//
// When the retry policy returns a DeadLetter decision, the executor calls
// [Service.Push] to move the task into the DLQ. The original payload,
// final error message, and attempt counts are preserved for debugging.
//
// # Entry
//
// An [Entry] captures:
//   - TaskID / TaskName / Queue: original task identity
//   - Payload: the raw payload at time of failure
//   - Error: the final error message
//   - Attempts / MaxAttempts: the exhausted budget
//   - FailedAt: when the terminal failure occurred
//   - ReplayedAt: set when the entry is replayed (nil if not yet replayed)
//
// # Replay
//
// Replaying an entry enqueues the original payload as a fresh task (new
// task ID, attempt count reset) and sets ReplayedAt on the entry. The
// dead-lettered record itself stays DeadLettered — terminal states are
// write-once.
package dlq
