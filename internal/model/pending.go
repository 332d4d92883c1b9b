package model

import "time"

// PendingChangeEvent is a rate-limited change waiting for the next flush.
type PendingChangeEvent struct {
	ID             string
	SubscriptionID string
	UserID         string
	NodeID         string
	Kind           ChangeKind
	ActorID        string
	CreatedAt      time.Time
}

// PendingGroup identifies one (user, subscription) bucket of the pending queue.
type PendingGroup struct {
	UserID         string
	SubscriptionID string
	Count          int
}
