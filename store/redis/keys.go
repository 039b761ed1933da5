package redis

// Redis key naming conventions for courier store data.
// All keys are prefixed with "courier:" to avoid collisions. The broker
// uses the same prefix with its own sub-namespace.

const keyPrefix = "courier:"

// ── Task keys ──

// taskKey returns the key for a task record: courier:task:{id}
func taskKey(id string) string { return keyPrefix + "task:" + id }

// taskIDsKey is the Set tracking all task IDs for enumeration.
const taskIDsKey = keyPrefix + "task_ids"

// ── DLQ keys ──

// dlqKey returns the key for a DLQ entry: courier:dlq:{id}
func dlqKey(id string) string { return keyPrefix + "dlq:" + id }

// dlqIDsKey is the Set tracking all DLQ entry IDs for enumeration.
const dlqIDsKey = keyPrefix + "dlq_ids"

// ── Cron keys ──

// cronKey returns the key for a cron entry: courier:cron:{id}
func cronKey(id string) string { return keyPrefix + "cron:" + id }

// cronIDsKey is the Set tracking all cron IDs for enumeration.
const cronIDsKey = keyPrefix + "cron_ids"

// cronNamesKey maps cron names to IDs for duplicate detection.
const cronNamesKey = keyPrefix + "cron_names"
