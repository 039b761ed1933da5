// Package task defines the task record, its state machine, typed task
// definitions, the name registry, and the result/state store interface.
//
// # Task Record
//
// A [Record] is the durable account of one enqueued task. It is owned
// exclusively by the dispatch core; producers read it (by polling) but
// never mutate it. A record progresses through the state machine:
//
//	pending → running → succeeded
//	pending → running → retrying → running → ...
//	pending → running → failed → dead_lettered
//
// Succeeded and DeadLettered are terminal and write-once: because the
// broker delivers at least once, a redelivered envelope whose record is
// already terminal must not change the recorded outcome.
//
// # Defining a Task
//
// Use [Definition] with a typed handler. The payload is decoded by the
// envelope codec before the handler runs; whatever the handler returns
// is recorded as the result payload on success:
//
//	var SendEmail = task.NewDefinition("send-email",
//	    func(ctx context.Context, input EmailInput) (any, error) {
//	        return nil, mailer.Send(input.To, input.Subject, input.Body)
//	    },
//	)
//
// # Registry
//
// [Registry] maps task names to type-erased [HandlerFunc] values and is
// constructed once at process start. The producer process may only
// [Registry.Declare] names it enqueues (for publish-time validation);
// the worker process registers full definitions via [RegisterDefinition].
package task
