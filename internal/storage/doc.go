// Package storage persists reminders, subscriptions, per-user channel settings
// and the pending change queue.
//
// Two drivers are available:
//   - "memory": process-local maps, used by tests and single-shot runs
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//
// Every mutation the pipeline races on is a conditional update: reminder
// claims carry a lease, lastNotificationAt is guarded by a version counter and
// pending deletes are scoped to explicit ids.
package storage
