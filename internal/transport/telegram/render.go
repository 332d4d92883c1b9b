package telegram

import (
	"fmt"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"omninotify/internal/dispatch"
	"omninotify/internal/model"
	"omninotify/internal/tree"
)

// SnoozeChoices are the minutes offered under a fired reminder.
var SnoozeChoices = []int{5, 10, 30, 60}

// Render builds the HTML message text and inline keyboard for p. now is used
// for the "in 2h 5m" hint on reminder confirmations.
func Render(p dispatch.Payload, now time.Time) (string, *tele.ReplyMarkup) {
	excerpt := tree.Excerpt(p.Node.Excerpt, tree.ExcerptLimit)
	paras := []H{bold(p.Title())}

	switch p.Kind {
	case dispatch.KindReminder:
		paras = append(paras, esc(excerpt), esc(p.Message))
	case dispatch.KindReminderScheduled:
		paras = append(paras, esc(excerpt))
		var when []H
		if !p.RemindAt.IsZero() {
			when = append(when, esc(fmt.Sprintf("Fires at %s (in %s)",
				p.RemindAt.Format("02.01.2006 15:04 MST"), untilText(p.RemindAt.Sub(now)))))
		}
		if p.Repeat != "" && p.Repeat != model.RepeatNone {
			when = append(when, esc("Repeats "+string(p.Repeat)))
		}
		paras = append(paras, joinH("\n", when...))
	case dispatch.KindChange:
		paras = append(paras, quoted(excerpt))
		if p.Change != nil && p.Change.ActorID != "" {
			paras = append(paras, esc("by "+p.Change.ActorID))
		}
	case dispatch.KindAggregated:
		paras = append(paras, quoted(excerpt))
		if s := p.Summary; s != nil {
			lines := make([]H, 0, len(s.ByKind)+1)
			for _, k := range s.Kinds() {
				lines = append(lines, esc(fmt.Sprintf("%s: %d", k.Label(), s.ByKind[k])))
			}
			if len(s.Actors) > 0 {
				lines = append(lines, esc("by "+strings.Join(s.Actors, ", ")))
			}
			paras = append(paras, joinH("\n", lines...))
		}
	case dispatch.KindTest:
		paras = append(paras, esc(p.Body()))
	default:
		paras = append(paras, esc(excerpt))
	}

	return string(joinH("\n\n", paras...)), keyboard(p)
}

func keyboard(p dispatch.Payload) *tele.ReplyMarkup {
	var rows [][]tele.InlineButton
	if p.Node.URL != "" {
		rows = append(rows, []tele.InlineButton{{Text: "Open block", URL: p.Node.URL}})
	}
	switch {
	case p.Kind == dispatch.KindReminder && p.ReminderID != "":
		row := make([]tele.InlineButton, 0, len(SnoozeChoices))
		for _, m := range SnoozeChoices {
			row = append(row, tele.InlineButton{Text: snoozeLabel(m), Data: SnoozeData(p.ReminderID, m)})
		}
		rows = append(rows, row)
	case p.Kind == dispatch.KindReminderScheduled && p.ReminderID != "":
		rows = append(rows, []tele.InlineButton{{Text: "Cancel", Data: CancelData(p.ReminderID)}})
	}
	if len(rows) == 0 {
		return nil
	}
	return &tele.ReplyMarkup{InlineKeyboard: rows}
}

func snoozeLabel(minutes int) string {
	if minutes%60 == 0 {
		return fmt.Sprintf("%d h", minutes/60)
	}
	return fmt.Sprintf("%d min", minutes)
}

func untilText(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	h := int(d / time.Hour)
	m := int((d % time.Hour) / time.Minute)
	if h > 0 {
		return fmt.Sprintf("%dh %dm", h, m)
	}
	return fmt.Sprintf("%d min", m)
}

const textLimit = 4000

// splitText cuts s into chunks of at most limit runes, preferring newline
// boundaries in the last third of each window.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	var out []string
	for start := 0; start < len(rs); {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i-start >= limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
