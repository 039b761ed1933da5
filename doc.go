// Package courier is an asynchronous task-dispatch and execution core.
// A producer process enqueues task envelopes through a broker channel;
// a worker process consumes them with a bounded pool of execution slots,
// runs registered handlers, and records outcomes in a durable task store.
//
// Courier is a library, not a service. Both the API process and the
// worker process import it: the producer side registers task names for
// validation and enqueues; the worker side registers handlers and runs
// the pool. The two processes communicate only through the broker and
// the task store.
//
// # Quick Start
//
//	eng, err := engine.New(
//	    engine.WithBroker(memBroker),
//	    engine.WithStore(memStore),
//	    engine.WithConcurrency(2),
//	)
//
// # Architecture
//
// Each subsystem (task, dlq, cron) defines its own store interface and a
// single backend implements all of them. The broker is a separate
// abstraction with its own adapters (memory, redis); delivery is
// at-least-once, so terminal task states are write-once and handlers
// should be idempotent.
//
// All entity IDs use TypeID — type-prefixed, K-sortable, UUIDv7-based
// identifiers.
package courier
