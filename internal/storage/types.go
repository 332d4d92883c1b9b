package storage

import (
	"context"
	"errors"
	"time"

	"omninotify/internal/model"
	"omninotify/internal/tree"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// ReminderFilter narrows ListReminders. An empty UserID lists every user.
type ReminderFilter struct {
	UserID string
	Status model.ReminderStatus
}

// Reminders is the reminder half of the store.
type Reminders interface {
	CreateReminder(ctx context.Context, r model.Reminder) error
	GetReminder(ctx context.Context, id string) (model.Reminder, error)
	GetReminderByNode(ctx context.Context, nodeID string) (model.Reminder, error)
	// UpdateReminder replaces the mutable fields of an existing row.
	UpdateReminder(ctx context.Context, r model.Reminder) error
	DeleteReminder(ctx context.Context, id string) error
	ListReminders(ctx context.Context, f ReminderFilter) ([]model.Reminder, error)

	// DueReminders returns up to limit unsent, unclaimed reminders whose due
	// instant is at or before now, earliest first.
	DueReminders(ctx context.Context, now time.Time, limit int) ([]model.Reminder, error)
	// ClaimReminder takes the processing lease. ok is false when another
	// worker holds it or the row is no longer due.
	ClaimReminder(ctx context.Context, id string, now time.Time, lease time.Duration) (r model.Reminder, ok bool, err error)
	// ReleaseReminder drops the lease without changing anything else.
	ReleaseReminder(ctx context.Context, id string) error
	// DeferReminder moves remindAt, clears the snooze and drops the lease.
	DeferReminder(ctx context.Context, id string, remindAt time.Time) error
	// CompleteReminder records a delivery. With next == nil the row ends up
	// sent; otherwise it is rearmed at *next.
	CompleteReminder(ctx context.Context, id string, sentAt time.Time, next *time.Time) error
	// SnoozeReminder sets snoozedUntil and clears Sent.
	SnoozeReminder(ctx context.Context, id string, until time.Time) error
}

// Subscriptions is the subscription half of the store.
type Subscriptions interface {
	CreateSubscription(ctx context.Context, s model.Subscription) error
	GetSubscription(ctx context.Context, id string) (model.Subscription, error)
	GetSubscriptionByNodeUser(ctx context.Context, nodeID, userID string) (model.Subscription, error)
	// UpdateSubscription replaces depth and flags.
	UpdateSubscription(ctx context.Context, s model.Subscription) error
	DeleteSubscription(ctx context.Context, id string) error
	ListSubscriptions(ctx context.Context, userID string) ([]model.Subscription, error)
	CountSubscriptions(ctx context.Context, userID string) (int, error)
	// SubscriptionsForNodes returns every subscription on any of nodeIDs.
	SubscriptionsForNodes(ctx context.Context, nodeIDs []string) ([]model.Subscription, error)
	// TouchLastNotification sets lastNotificationAt and bumps the version if
	// the stored version still equals version. ok is false on a lost race.
	TouchLastNotification(ctx context.Context, id string, version int64, at time.Time) (ok bool, err error)
}

type Settings interface {
	// GetSettings returns model.ErrNotFound when the user never saved any.
	GetSettings(ctx context.Context, userID string) (model.ChannelSettings, error)
	PutSettings(ctx context.Context, s model.ChannelSettings) error
}

type Pending interface {
	EnqueuePending(ctx context.Context, e model.PendingChangeEvent) error
	PendingGroups(ctx context.Context) ([]model.PendingGroup, error)
	// PendingEvents lists one group's events, oldest first.
	PendingEvents(ctx context.Context, userID, subscriptionID string) ([]model.PendingChangeEvent, error)
	DeletePending(ctx context.Context, ids []string) (int, error)
	PrunePending(ctx context.Context, before time.Time) (int, error)
}

// Nodes mirrors the external document tree. Writes come from the tree owner;
// the pipeline only reads.
type Nodes interface {
	tree.Resolver
	tree.TextSource
	PutNode(ctx context.Context, id, parentID, text string) error
}

// Store is the full persistence API.
type Store interface {
	Reminders
	Subscriptions
	Settings
	Pending
	Nodes
	Close() error
}
