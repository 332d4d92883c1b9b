package telegram

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"omninotify/internal/dispatch"
	"omninotify/internal/model"
	"omninotify/internal/pipeline"
	"omninotify/internal/tree"
	logx "omninotify/pkg/logx"
)

func TestParseAction(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		want Action
		ok   bool
	}{
		{"snooze:r1:5", Action{Kind: ActionSnooze, ReminderID: "r1", Minutes: 5}, true},
		{SnoozeData("abc", 60), Action{Kind: ActionSnooze, ReminderID: "abc", Minutes: 60}, true},
		{"cancel:r1", Action{Kind: ActionCancel, ReminderID: "r1"}, true},
		{CancelData("x"), Action{Kind: ActionCancel, ReminderID: "x"}, true},
		{"snooze:r1:0", Action{}, false},
		{"snooze:r1:ten", Action{}, false},
		{"snooze::5", Action{}, false},
		{"cancel:", Action{}, false},
		{"delete:r1", Action{}, false},
		{"", Action{}, false},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseAction(tc.in)
			if tc.ok != (err == nil) {
				t.Fatalf("err=%v", err)
			}
			if !tc.ok {
				if !model.IsValidation(err) {
					t.Fatalf("want validation error, got %v", err)
				}
				return
			}
			if got != tc.want {
				t.Fatalf("got %+v want %+v", got, tc.want)
			}
		})
	}
}

func TestRenderReminderButtonsAndEscaping(t *testing.T) {
	t.Parallel()
	p := dispatch.Payload{
		Kind:       dispatch.KindReminder,
		ReminderID: "r1",
		Message:    "call <Bob> & co",
		Node:       tree.NodeInfo{ID: "n1", Excerpt: "Buy milk", URL: "https://notes.example/n1"},
	}
	text, rm := Render(p, time.Now())
	if !strings.HasPrefix(text, "<b>Reminder</b>") {
		t.Fatalf("text=%q", text)
	}
	if !strings.Contains(text, "call &lt;Bob&gt; &amp; co") || !strings.Contains(text, "Buy milk") {
		t.Fatalf("text=%q", text)
	}
	if rm == nil || len(rm.InlineKeyboard) != 2 {
		t.Fatalf("markup=%+v", rm)
	}
	if rm.InlineKeyboard[0][0].URL != p.Node.URL {
		t.Fatalf("open button=%+v", rm.InlineKeyboard[0][0])
	}
	snooze := rm.InlineKeyboard[1]
	if len(snooze) != len(SnoozeChoices) {
		t.Fatalf("snooze row=%+v", snooze)
	}
	for i, m := range SnoozeChoices {
		if snooze[i].Data != SnoozeData("r1", m) {
			t.Fatalf("button %d data=%q", i, snooze[i].Data)
		}
	}
	if snooze[3].Text != "1 h" {
		t.Fatalf("label=%q", snooze[3].Text)
	}
}

func TestRenderScheduledAndAggregated(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	text, rm := Render(dispatch.Payload{
		Kind:       dispatch.KindReminderScheduled,
		ReminderID: "r9",
		RemindAt:   now.Add(2*time.Hour + 5*time.Minute),
		Repeat:     model.RepeatDaily,
		Node:       tree.NodeInfo{Excerpt: "standup"},
	}, now)
	if !strings.Contains(text, "(in 2h 5m)") || !strings.Contains(text, "Repeats daily") {
		t.Fatalf("text=%q", text)
	}
	if rm == nil || len(rm.InlineKeyboard) != 1 || rm.InlineKeyboard[0][0].Data != "cancel:r9" {
		t.Fatalf("markup=%+v", rm)
	}

	sum := dispatch.Summarize([]model.PendingChangeEvent{
		{Kind: model.ChangeText, ActorID: "ann"},
		{Kind: model.ChangeText, ActorID: "bob"},
		{Kind: model.ChangeMove, ActorID: "ann"},
	})
	text, rm = Render(dispatch.Payload{Kind: dispatch.KindAggregated, Summary: &sum, Node: tree.NodeInfo{Excerpt: "plan"}}, now)
	for _, want := range []string{"<b>3 changes in a block</b>", "«plan»", "Text changed: 2", "Block moved: 1", "by ann, bob"} {
		if !strings.Contains(text, want) {
			t.Fatalf("missing %q in %q", want, text)
		}
	}
	if rm != nil {
		t.Fatalf("no url, no buttons: %+v", rm)
	}
}

func TestRenderTest(t *testing.T) {
	t.Parallel()
	text, rm := Render(dispatch.Payload{Kind: dispatch.KindTest, Channel: "chat"}, time.Now())
	if text != "<b>Test notification</b>\n\nNotifications over chat are working." || rm != nil {
		t.Fatalf("text=%q markup=%+v", text, rm)
	}
}

func TestSplitText(t *testing.T) {
	t.Parallel()
	if got := splitText("short", 10); len(got) != 1 {
		t.Fatalf("got %v", got)
	}
	s := strings.Repeat("a", 8) + "\n" + strings.Repeat("b", 8)
	got := splitText(s, 10)
	if len(got) != 2 || got[0] != strings.Repeat("a", 8) || got[1] != strings.Repeat("b", 8) {
		t.Fatalf("got %q", got)
	}
	for _, c := range splitText(strings.Repeat("x", 25), 10) {
		if len(c) > 10 {
			t.Fatalf("chunk too long: %d", len(c))
		}
	}
}

type fakeActions struct {
	snoozeErr error
	cancelErr error
	chat      string
	minutes   int
	until     time.Time
}

func (f *fakeActions) SnoozeFromChat(_ context.Context, chatID, _ string, minutes int) (time.Time, error) {
	f.chat, f.minutes = chatID, minutes
	return f.until, f.snoozeErr
}

func (f *fakeActions) CancelFromChat(_ context.Context, chatID, _ string) error {
	f.chat = chatID
	return f.cancelErr
}

func TestHandleCallback(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := &Bot{log: logx.Nop(), now: time.Now}

	if reply, done := b.handle(ctx, "42", "cancel:r1"); done || !strings.Contains(reply, "Not ready") {
		t.Fatalf("unbound: %q %v", reply, done)
	}

	fa := &fakeActions{until: time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)}
	b.SetActions(fa)

	reply, done := b.handle(ctx, "42", "snooze:r1:30")
	if !done || reply != "Snoozed until 01.03 10:30 UTC" || fa.chat != "42" || fa.minutes != 30 {
		t.Fatalf("snooze: %q %v %+v", reply, done, fa)
	}
	if reply, done = b.handle(ctx, "42", "cancel:r1"); !done || reply != "Reminder cancelled" {
		t.Fatalf("cancel: %q %v", reply, done)
	}
	if reply, done = b.handle(ctx, "42", "bogus"); done || reply != "Unknown action" {
		t.Fatalf("bogus: %q %v", reply, done)
	}

	fa.cancelErr = pipeline.ErrNotOwner
	if reply, done = b.handle(ctx, "7", "cancel:r1"); done || !strings.Contains(reply, "not yours") {
		t.Fatalf("not owner: %q %v", reply, done)
	}
	fa.cancelErr = model.ErrNotFound
	if reply, done = b.handle(ctx, "42", "cancel:r1"); !done || reply != "Reminder not found" {
		t.Fatalf("not found: %q %v", reply, done)
	}
	fa.snoozeErr = model.Invalid("minutes", "too long")
	if reply, done = b.handle(ctx, "42", "snooze:r1:99999"); done || reply != "too long" {
		t.Fatalf("invalid: %q %v", reply, done)
	}
	fa.snoozeErr = errors.New("db down")
	if reply, done = b.handle(ctx, "42", "snooze:r1:5"); done || !strings.Contains(reply, "wrong") {
		t.Fatalf("internal: %q %v", reply, done)
	}
}
