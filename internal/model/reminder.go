package model

import (
	"time"

	"github.com/google/uuid"
)

// Reminder is a time-based reminder attached to exactly one node.
type Reminder struct {
	ID       string
	NodeID   string
	UserID   string
	RemindAt time.Time
	Timezone string // IANA name, e.g. "Europe/Moscow"
	Message  string
	Repeat   RepeatKind

	Sent         bool
	SentAt       *time.Time
	SnoozedUntil *time.Time

	CreatedAt time.Time
}

// NewID returns a fresh random identifier.
func NewID() string { return uuid.NewString() }

// DueAt is the instant the reminder becomes due: the snooze deadline if one
// is set, otherwise RemindAt.
func (r Reminder) DueAt() time.Time {
	if r.SnoozedUntil != nil {
		return *r.SnoozedUntil
	}
	return r.RemindAt
}

// IsDue mirrors the due-reminder scan predicate.
func (r Reminder) IsDue(now time.Time) bool {
	if r.Sent {
		return false
	}
	return !r.DueAt().After(now)
}

// Location resolves the reminder timezone, falling back to UTC.
func (r Reminder) Location() *time.Location {
	return LoadLocation(r.Timezone)
}

// LoadLocation resolves an IANA timezone name. Empty or unknown names map to
// UTC rather than failing.
func LoadLocation(name string) *time.Location {
	loc, _ := ResolveLocation(name)
	return loc
}

// ResolveLocation is LoadLocation that also reports whether name was usable.
// ok is false only for a non-empty name that failed to load.
func ResolveLocation(name string) (loc *time.Location, ok bool) {
	if name == "" {
		return time.UTC, true
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC, false
	}
	return loc, true
}

// ReminderStatus filters reminder listings.
type ReminderStatus string

const (
	StatusAll     ReminderStatus = ""
	StatusPending ReminderStatus = "pending"
	StatusSent    ReminderStatus = "sent"
)

func TimePtr(t time.Time) *time.Time { return &t }
