package dispatch

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"omninotify/internal/model"
	"omninotify/internal/tree"
)

// Kind is the notification type carried by a Payload.
type Kind string

const (
	KindReminder   Kind = "reminder"
	KindChange     Kind = "change"
	KindAggregated Kind = "aggregated"

	// KindReminderScheduled confirms a newly created reminder.
	KindReminderScheduled Kind = "reminder_scheduled"
	// KindTest checks that one channel of a user is wired up.
	KindTest Kind = "test"
)

// Payload is a channel-neutral notification.
type Payload struct {
	Kind   Kind
	UserID string
	Node   tree.NodeInfo

	// reminder
	ReminderID string
	Message    string
	RemindAt   time.Time
	Repeat     model.RepeatKind

	// change
	Change *Change

	// aggregated
	Summary *Summary

	// test
	Channel string
}

// Change describes one node mutation.
type Change struct {
	Kind    model.ChangeKind
	ActorID string
	At      time.Time
}

// Summary condenses several pending changes of one subscription.
type Summary struct {
	Total  int
	ByKind map[model.ChangeKind]int
	// Actors is deduplicated in first-seen order.
	Actors []string
}

// Summarize builds a Summary from events in arrival order.
func Summarize(events []model.PendingChangeEvent) Summary {
	s := Summary{ByKind: map[model.ChangeKind]int{}}
	seen := map[string]struct{}{}
	for _, e := range events {
		s.Total++
		s.ByKind[e.Kind]++
		if e.ActorID == "" {
			continue
		}
		if _, ok := seen[e.ActorID]; !ok {
			seen[e.ActorID] = struct{}{}
			s.Actors = append(s.Actors, e.ActorID)
		}
	}
	return s
}

// Kinds returns the summary kinds in display order.
func (s Summary) Kinds() []model.ChangeKind {
	out := make([]model.ChangeKind, 0, len(s.ByKind))
	for _, k := range model.ChangeKinds {
		if s.ByKind[k] > 0 {
			out = append(out, k)
		}
	}
	// kinds outside the known set go last, sorted
	var extra []model.ChangeKind
	for k, n := range s.ByKind {
		if n > 0 && !k.Valid() {
			extra = append(extra, k)
		}
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i] < extra[j] })
	return append(out, extra...)
}

// Title is a one-line heading.
func (p Payload) Title() string {
	switch p.Kind {
	case KindReminder:
		return "Reminder"
	case KindReminderScheduled:
		return "Reminder created"
	case KindTest:
		return "Test notification"
	case KindChange:
		if p.Change != nil {
			return p.Change.Kind.Label()
		}
		return "Block changed"
	case KindAggregated:
		if p.Summary != nil {
			return fmt.Sprintf("%d changes in a block", p.Summary.Total)
		}
		return "Block changed"
	default:
		return "Notification"
	}
}

// Body is the plain-text message shared by push and email.
func (p Payload) Body() string {
	var b strings.Builder
	line := func(s string) {
		if s == "" {
			return
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(s)
	}
	switch p.Kind {
	case KindReminder:
		line(p.Message)
		line(tree.Excerpt(p.Node.Excerpt, tree.ExcerptLimit))
	case KindReminderScheduled:
		line(tree.Excerpt(p.Node.Excerpt, tree.ExcerptLimit))
		if !p.RemindAt.IsZero() {
			line("Fires at " + p.RemindAt.Format("02.01.2006 15:04 MST"))
		}
		if p.Repeat != "" && p.Repeat != model.RepeatNone {
			line("Repeats " + string(p.Repeat))
		}
	case KindChange:
		if p.Change != nil && p.Change.ActorID != "" {
			line("by " + p.Change.ActorID)
		}
		line(tree.Excerpt(p.Node.Excerpt, tree.ExcerptLimit))
	case KindAggregated:
		if p.Summary != nil {
			for _, k := range p.Summary.Kinds() {
				line(fmt.Sprintf("%s: %d", k.Label(), p.Summary.ByKind[k]))
			}
			if len(p.Summary.Actors) > 0 {
				line("by " + strings.Join(p.Summary.Actors, ", "))
			}
		}
		line(tree.Excerpt(p.Node.Excerpt, tree.ExcerptLimit))
	case KindTest:
		line(testBody(p.Channel))
	}
	line(p.Node.URL)
	return b.String()
}

func testBody(channel string) string {
	if channel == "" {
		return "Notifications are working."
	}
	return "Notifications over " + channel + " are working."
}

// Tag groups notifications of the same node on clients that collapse them.
func (p Payload) Tag() string {
	if p.Kind == KindTest {
		return "test"
	}
	if (p.Kind == KindReminder || p.Kind == KindReminderScheduled) && p.ReminderID != "" {
		return "reminder-" + p.ReminderID
	}
	return "block-" + p.Node.ID
}
