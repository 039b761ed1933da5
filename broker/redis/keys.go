package redis

// Redis key naming conventions for broker data.
// All keys are prefixed with "courier:" to avoid collisions.

const keyPrefix = "courier:"

// queueKey returns the Sorted Set key holding eligible-at-score pending
// envelopes for a queue: courier:queue:{name}
func queueKey(name string) string { return keyPrefix + "queue:" + name }

// inflightKey returns the Sorted Set key holding unacknowledged
// deliveries for a queue, scored by redelivery deadline:
// courier:inflight:{name}
func inflightKey(name string) string { return keyPrefix + "inflight:" + name }
