// Package model holds the entities shared by the delivery pipeline: reminders,
// change subscriptions, per-user channel settings and the short-lived pending
// change queue.
package model
