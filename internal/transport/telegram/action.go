package telegram

import (
	"fmt"
	"strconv"
	"strings"

	"omninotify/internal/model"
)

// ActionKind is what a callback button asks for.
type ActionKind string

const (
	ActionSnooze ActionKind = "snooze"
	ActionCancel ActionKind = "cancel"
)

// Action is a decoded callback button.
type Action struct {
	Kind       ActionKind
	ReminderID string
	Minutes    int
}

func SnoozeData(reminderID string, minutes int) string {
	return fmt.Sprintf("%s:%s:%d", ActionSnooze, reminderID, minutes)
}

func CancelData(reminderID string) string {
	return string(ActionCancel) + ":" + reminderID
}

// ParseAction decodes "snooze:<id>:<minutes>" and "cancel:<id>".
func ParseAction(data string) (Action, error) {
	parts := strings.Split(strings.TrimSpace(data), ":")
	switch {
	case len(parts) == 3 && parts[0] == string(ActionSnooze):
		if parts[1] == "" {
			return Action{}, model.Invalid("callback", "empty reminder id")
		}
		m, err := strconv.Atoi(parts[2])
		if err != nil || m <= 0 {
			return Action{}, model.Invalid("callback", "bad snooze minutes %q", parts[2])
		}
		return Action{Kind: ActionSnooze, ReminderID: parts[1], Minutes: m}, nil
	case len(parts) == 2 && parts[0] == string(ActionCancel):
		if parts[1] == "" {
			return Action{}, model.Invalid("callback", "empty reminder id")
		}
		return Action{Kind: ActionCancel, ReminderID: parts[1]}, nil
	default:
		return Action{}, model.Invalid("callback", "unknown callback %q", data)
	}
}
