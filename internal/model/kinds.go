package model

import "strings"

// ChangeKind is the category of mutation applied to a node.
type ChangeKind string

const (
	ChangeText        ChangeKind = "text"
	ChangeData        ChangeKind = "data"
	ChangeMove        ChangeKind = "move"
	ChangeChildAdd    ChangeKind = "child_add"
	ChangeChildDelete ChangeKind = "child_delete"
)

// ChangeKinds lists every kind in display order.
var ChangeKinds = []ChangeKind{ChangeText, ChangeData, ChangeMove, ChangeChildAdd, ChangeChildDelete}

// ParseChangeKind accepts the canonical names and the legacy
// "text_change"/"data_change" spellings.
func ParseChangeKind(s string) (ChangeKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "text", "text_change":
		return ChangeText, nil
	case "data", "data_change":
		return ChangeData, nil
	case "move":
		return ChangeMove, nil
	case "child_add":
		return ChangeChildAdd, nil
	case "child_delete":
		return ChangeChildDelete, nil
	default:
		return "", Invalid("change_kind", "unknown change kind %q", s)
	}
}

func (k ChangeKind) Valid() bool {
	switch k {
	case ChangeText, ChangeData, ChangeMove, ChangeChildAdd, ChangeChildDelete:
		return true
	}
	return false
}

// Label is a short human readable description used by channel renderers.
func (k ChangeKind) Label() string {
	switch k {
	case ChangeText:
		return "Text changed"
	case ChangeData:
		return "Properties changed"
	case ChangeMove:
		return "Block moved"
	case ChangeChildAdd:
		return "Child block added"
	case ChangeChildDelete:
		return "Child block deleted"
	default:
		return "Changed"
	}
}

// RepeatKind controls reminder recurrence.
type RepeatKind string

const (
	RepeatNone    RepeatKind = "none"
	RepeatDaily   RepeatKind = "daily"
	RepeatWeekly  RepeatKind = "weekly"
	RepeatMonthly RepeatKind = "monthly"
)

func ParseRepeatKind(s string) (RepeatKind, error) {
	switch RepeatKind(strings.ToLower(strings.TrimSpace(s))) {
	case "", RepeatNone:
		return RepeatNone, nil
	case RepeatDaily:
		return RepeatDaily, nil
	case RepeatWeekly:
		return RepeatWeekly, nil
	case RepeatMonthly:
		return RepeatMonthly, nil
	default:
		return "", Invalid("repeat", "unknown repeat kind %q", s)
	}
}

// EmailMode gates the email channel.
type EmailMode string

const (
	EmailOff      EmailMode = "off"
	EmailFallback EmailMode = "fallback"
	EmailAlways   EmailMode = "always"
)

func ParseEmailMode(s string) (EmailMode, error) {
	switch EmailMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", EmailOff:
		return EmailOff, nil
	case EmailFallback:
		return EmailFallback, nil
	case EmailAlways:
		return EmailAlways, nil
	default:
		return "", Invalid("email_mode", "unknown email mode %q", s)
	}
}
