// Package cron provides periodic task scheduling on top of the producer
// API, in the style of a beat process.
//
// Cron entries live in the store, so schedules survive restarts and can
// be inspected or toggled at runtime. The [Scheduler] evaluates due
// entries on every tick, takes a short-lived per-entry lock, enqueues
// the corresponding task, and advances NextRunAt from the parsed
// expression.
//
// The per-entry lock keeps a schedule from double-firing when more than
// one scheduler process shares a store. It is best effort: the delivery
// guarantee downstream is still at least once.
//
// Schedules use standard 5-field cron expressions plus descriptors such
// as "@every 30s" and "@hourly".
package cron
