package model

import "time"

// DepthUnbounded subscribes to the node and every descendant.
const DepthUnbounded = -1

// Subscription asks for change notifications on a node and Depth levels of
// its descendants.
type Subscription struct {
	ID     string
	NodeID string
	UserID string
	Depth  int

	OnText        bool
	OnData        bool
	OnMove        bool
	OnChildAdd    bool
	OnChildDelete bool

	LastNotificationAt *time.Time
	// Version is bumped on every LastNotificationAt update and used as the
	// compare value of the rate-limit check-and-set.
	Version int64

	CreatedAt time.Time
}

// Covers reports whether the flag for kind is set.
func (s Subscription) Covers(kind ChangeKind) bool {
	switch kind {
	case ChangeText:
		return s.OnText
	case ChangeData:
		return s.OnData
	case ChangeMove:
		return s.OnMove
	case ChangeChildAdd:
		return s.OnChildAdd
	case ChangeChildDelete:
		return s.OnChildDelete
	default:
		return false
	}
}

// CoversSteps reports whether a change steps levels below the subscribed
// node is inside the subscription depth.
func (s Subscription) CoversSteps(steps int) bool {
	if steps < 0 {
		return false
	}
	return s.Depth == DepthUnbounded || steps <= s.Depth
}

// AnyKind reports whether at least one change kind is enabled.
func (s Subscription) AnyKind() bool {
	return s.OnText || s.OnData || s.OnMove || s.OnChildAdd || s.OnChildDelete
}
