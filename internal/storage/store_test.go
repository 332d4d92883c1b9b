package storage

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"omninotify/internal/model"
	logx "omninotify/pkg/logx"
)

// eachDriver runs fn against a fresh store of every driver.
func eachDriver(t *testing.T, fn func(t *testing.T, st Store)) {
	t.Helper()
	drivers := map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemory() },
		"sqlite": func(t *testing.T) Store {
			st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "notify.db")}, logx.Nop())
			if err != nil {
				t.Fatalf("open sqlite: %v", err)
			}
			return st
		},
	}
	for name, mk := range drivers {
		mk := mk
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			st := mk(t)
			t.Cleanup(func() { _ = st.Close() })
			fn(t, st)
		})
	}
}

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func newReminder(id, node string, at time.Time) model.Reminder {
	return model.Reminder{
		ID: id, NodeID: node, UserID: "u1", RemindAt: at, Timezone: "UTC",
		Message: "ping", Repeat: model.RepeatNone, CreatedAt: t0,
	}
}

func TestReminderCRUD(t *testing.T) {
	eachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		r := newReminder("r1", "n1", t0)
		if err := st.CreateReminder(ctx, r); err != nil {
			t.Fatalf("create: %v", err)
		}
		if err := st.CreateReminder(ctx, newReminder("r2", "n1", t0)); !errors.Is(err, model.ErrConflict) {
			t.Fatalf("second reminder on node: %v", err)
		}
		got, err := st.GetReminderByNode(ctx, "n1")
		if err != nil || got.ID != "r1" || !got.RemindAt.Equal(t0) || got.Message != "ping" {
			t.Fatalf("by node: %+v %v", got, err)
		}

		got.Message = "pong"
		got.Repeat = model.RepeatDaily
		if err := st.UpdateReminder(ctx, got); err != nil {
			t.Fatalf("update: %v", err)
		}
		again, _ := st.GetReminder(ctx, "r1")
		if again.Message != "pong" || again.Repeat != model.RepeatDaily {
			t.Fatalf("after update: %+v", again)
		}

		list, _ := st.ListReminders(ctx, ReminderFilter{UserID: "u1", Status: model.StatusPending})
		if len(list) != 1 {
			t.Fatalf("pending list=%d", len(list))
		}
		if list, _ := st.ListReminders(ctx, ReminderFilter{Status: model.StatusSent}); len(list) != 0 {
			t.Fatalf("sent list=%d", len(list))
		}

		if err := st.DeleteReminder(ctx, "r1"); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if _, err := st.GetReminder(ctx, "r1"); !errors.Is(err, model.ErrNotFound) {
			t.Fatalf("get after delete: %v", err)
		}
		if err := st.DeleteReminder(ctx, "r1"); !errors.Is(err, model.ErrNotFound) {
			t.Fatalf("double delete: %v", err)
		}
	})
}

func TestDueAndClaim(t *testing.T) {
	eachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		_ = st.CreateReminder(ctx, newReminder("due", "n1", t0))
		_ = st.CreateReminder(ctx, newReminder("later", "n2", t0.Add(time.Hour)))
		snoozed := newReminder("snoozed", "n3", t0.Add(-time.Hour))
		_ = st.CreateReminder(ctx, snoozed)
		if err := st.SnoozeReminder(ctx, "snoozed", t0.Add(5*time.Minute)); err != nil {
			t.Fatalf("snooze: %v", err)
		}

		due, err := st.DueReminders(ctx, t0, 10)
		if err != nil {
			t.Fatalf("due: %v", err)
		}
		if len(due) != 1 || due[0].ID != "due" {
			t.Fatalf("due=%+v", due)
		}

		r, ok, err := st.ClaimReminder(ctx, "due", t0, time.Minute)
		if err != nil || !ok || r.ID != "due" {
			t.Fatalf("claim: %+v %v %v", r, ok, err)
		}
		if _, ok, _ := st.ClaimReminder(ctx, "due", t0.Add(time.Second), time.Minute); ok {
			t.Fatalf("second claim within lease must fail")
		}
		if due, _ := st.DueReminders(ctx, t0.Add(time.Second), 10); len(due) != 0 {
			t.Fatalf("claimed reminder still listed: %+v", due)
		}
		if _, ok, _ := st.ClaimReminder(ctx, "later", t0, time.Minute); ok {
			t.Fatalf("claiming a reminder that is not due must fail")
		}
		if _, _, err := st.ClaimReminder(ctx, "ghost", t0, time.Minute); !errors.Is(err, model.ErrNotFound) {
			t.Fatalf("claim ghost: %v", err)
		}
		// An expired lease can be taken over.
		if _, ok, _ := st.ClaimReminder(ctx, "due", t0.Add(2*time.Minute), time.Minute); !ok {
			t.Fatalf("claim after lease expiry failed")
		}
		if err := st.ReleaseReminder(ctx, "due"); err != nil {
			t.Fatalf("release: %v", err)
		}

		// Snoozed reminder fires at the snooze deadline regardless of remindAt.
		due, _ = st.DueReminders(ctx, t0.Add(5*time.Minute), 10)
		ids := map[string]bool{}
		for _, r := range due {
			ids[r.ID] = true
		}
		if !ids["snoozed"] || !ids["due"] || ids["later"] {
			t.Fatalf("due at +5m: %v", ids)
		}
	})
}

func TestCompleteDeferSnooze(t *testing.T) {
	eachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		_ = st.CreateReminder(ctx, newReminder("once", "n1", t0))
		_ = st.CreateReminder(ctx, newReminder("daily", "n2", t0))

		sentAt := t0.Add(30 * time.Second)
		if err := st.CompleteReminder(ctx, "once", sentAt, nil); err != nil {
			t.Fatalf("complete once: %v", err)
		}
		once, _ := st.GetReminder(ctx, "once")
		if !once.Sent || once.SentAt == nil || !once.SentAt.Equal(sentAt) || once.SnoozedUntil != nil {
			t.Fatalf("once=%+v", once)
		}

		next := t0.Add(24 * time.Hour)
		if err := st.CompleteReminder(ctx, "daily", sentAt, &next); err != nil {
			t.Fatalf("complete daily: %v", err)
		}
		daily, _ := st.GetReminder(ctx, "daily")
		if daily.Sent || !daily.RemindAt.Equal(next) {
			t.Fatalf("daily=%+v", daily)
		}

		if err := st.SnoozeReminder(ctx, "once", t0.Add(time.Hour)); err != nil {
			t.Fatalf("snooze: %v", err)
		}
		once, _ = st.GetReminder(ctx, "once")
		if once.Sent || once.SnoozedUntil == nil || !once.RemindAt.Equal(t0) {
			t.Fatalf("snoozed once=%+v", once)
		}

		deferred := t0.Add(9 * time.Hour)
		if err := st.DeferReminder(ctx, "once", deferred); err != nil {
			t.Fatalf("defer: %v", err)
		}
		once, _ = st.GetReminder(ctx, "once")
		if once.SnoozedUntil != nil || !once.RemindAt.Equal(deferred) || once.Sent {
			t.Fatalf("deferred once=%+v", once)
		}

		for _, err := range []error{
			st.CompleteReminder(ctx, "ghost", t0, nil),
			st.DeferReminder(ctx, "ghost", t0),
			st.SnoozeReminder(ctx, "ghost", t0),
		} {
			if !errors.Is(err, model.ErrNotFound) {
				t.Fatalf("ghost mutation: %v", err)
			}
		}
	})
}

func TestConcurrentClaimSingleWinner(t *testing.T) {
	eachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		_ = st.CreateReminder(ctx, newReminder("r", "n", t0))
		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, ok, err := st.ClaimReminder(ctx, "r", t0, time.Minute); err == nil && ok {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		if wins.Load() != 1 {
			t.Fatalf("winners=%d, want 1", wins.Load())
		}
	})
}

func newSub(id, node, user string) model.Subscription {
	return model.Subscription{ID: id, NodeID: node, UserID: user, Depth: 0, OnText: true, CreatedAt: t0}
}

func TestSubscriptions(t *testing.T) {
	eachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		for _, s := range []model.Subscription{newSub("s1", "a", "u1"), newSub("s2", "b", "u1"), newSub("s3", "a", "u2")} {
			if err := st.CreateSubscription(ctx, s); err != nil {
				t.Fatalf("create %s: %v", s.ID, err)
			}
		}
		if err := st.CreateSubscription(ctx, newSub("dup", "a", "u1")); !errors.Is(err, model.ErrConflict) {
			t.Fatalf("duplicate: %v", err)
		}
		if n, _ := st.CountSubscriptions(ctx, "u1"); n != 2 {
			t.Fatalf("count=%d", n)
		}
		got, _ := st.SubscriptionsForNodes(ctx, []string{"a", "zzz"})
		if len(got) != 2 {
			t.Fatalf("for nodes=%+v", got)
		}
		if got, _ := st.SubscriptionsForNodes(ctx, nil); len(got) != 0 {
			t.Fatalf("empty node list=%+v", got)
		}

		s, _ := st.GetSubscriptionByNodeUser(ctx, "a", "u1")
		s.Depth = model.DepthUnbounded
		s.OnMove = true
		if err := st.UpdateSubscription(ctx, s); err != nil {
			t.Fatalf("update: %v", err)
		}
		s, _ = st.GetSubscription(ctx, "s1")
		if s.Depth != -1 || !s.OnMove || !s.OnText {
			t.Fatalf("after update: %+v", s)
		}

		ok, err := st.TouchLastNotification(ctx, "s1", 0, t0)
		if err != nil || !ok {
			t.Fatalf("touch v0: %v %v", ok, err)
		}
		if ok, _ := st.TouchLastNotification(ctx, "s1", 0, t0.Add(time.Second)); ok {
			t.Fatalf("stale version must lose")
		}
		s, _ = st.GetSubscription(ctx, "s1")
		if s.Version != 1 || s.LastNotificationAt == nil || !s.LastNotificationAt.Equal(t0) {
			t.Fatalf("after touch: %+v", s)
		}
		if _, err := st.TouchLastNotification(ctx, "ghost", 0, t0); !errors.Is(err, model.ErrNotFound) {
			t.Fatalf("touch ghost: %v", err)
		}

		if err := st.DeleteSubscription(ctx, "s1"); err != nil {
			t.Fatalf("delete: %v", err)
		}
		list, _ := st.ListSubscriptions(ctx, "u1")
		if len(list) != 1 || list[0].ID != "s2" {
			t.Fatalf("list=%+v", list)
		}
	})
}

func TestSettingsRoundTrip(t *testing.T) {
	eachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		if _, err := st.GetSettings(ctx, "u1"); !errors.Is(err, model.ErrNotFound) {
			t.Fatalf("missing settings: %v", err)
		}
		in := model.ChannelSettings{
			UserID: "u1", ChatEnabled: true, ChatID: "42", ChatUsername: "alice",
			PushEnabled: true, Push: &model.PushTarget{Endpoint: "https://push.example/x", P256dh: "k", Auth: "a"},
			EmailEnabled: true, EmailAddress: "a@example.com", EmailMode: model.EmailFallback,
			QuietEnabled: true, QuietStart: "23:00", QuietEnd: "07:00", QuietTimezone: "Europe/Moscow",
		}
		if err := st.PutSettings(ctx, in); err != nil {
			t.Fatalf("put: %v", err)
		}
		out, err := st.GetSettings(ctx, "u1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if !reflect.DeepEqual(in, out) {
			t.Fatalf("round trip mismatch:\n in=%+v\nout=%+v", in, out)
		}
		in.ChatEnabled = false
		in.Push = nil
		_ = st.PutSettings(ctx, in)
		out, _ = st.GetSettings(ctx, "u1")
		if out.ChatEnabled || out.Push != nil {
			t.Fatalf("overwrite: %+v", out)
		}
	})
}

func TestPendingQueue(t *testing.T) {
	eachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		add := func(id, sub, user string, at time.Time) {
			t.Helper()
			err := st.EnqueuePending(ctx, model.PendingChangeEvent{
				ID: id, SubscriptionID: sub, UserID: user, NodeID: "n", Kind: model.ChangeText, ActorID: "x", CreatedAt: at,
			})
			if err != nil {
				t.Fatalf("enqueue %s: %v", id, err)
			}
		}
		add("e2", "s1", "u1", t0.Add(2*time.Second))
		add("e1", "s1", "u1", t0.Add(time.Second))
		add("e3", "s2", "u2", t0)
		add("old", "s2", "u2", t0.Add(-48*time.Hour))

		groups, err := st.PendingGroups(ctx)
		if err != nil {
			t.Fatalf("groups: %v", err)
		}
		want := []model.PendingGroup{{UserID: "u1", SubscriptionID: "s1", Count: 2}, {UserID: "u2", SubscriptionID: "s2", Count: 2}}
		if !reflect.DeepEqual(groups, want) {
			t.Fatalf("groups=%+v", groups)
		}

		evs, _ := st.PendingEvents(ctx, "u1", "s1")
		if len(evs) != 2 || evs[0].ID != "e1" || evs[1].ID != "e2" {
			t.Fatalf("events=%+v", evs)
		}

		// An event arriving after the read must survive the exact-id delete.
		add("e4", "s1", "u1", t0.Add(3*time.Second))
		if n, err := st.DeletePending(ctx, []string{"e1", "e2"}); err != nil || n != 2 {
			t.Fatalf("delete: %d %v", n, err)
		}
		evs, _ = st.PendingEvents(ctx, "u1", "s1")
		if len(evs) != 1 || evs[0].ID != "e4" {
			t.Fatalf("after delete=%+v", evs)
		}

		if n, _ := st.PrunePending(ctx, t0.Add(-24*time.Hour)); n != 1 {
			t.Fatalf("pruned=%d", n)
		}
		evs, _ = st.PendingEvents(ctx, "u2", "s2")
		if len(evs) != 1 || evs[0].ID != "e3" {
			t.Fatalf("after prune=%+v", evs)
		}
	})
}

func TestNodesAncestry(t *testing.T) {
	eachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		for _, n := range [][3]string{{"root", "", "Root"}, {"a", "root", "A"}, {"b", "a", "B text"}} {
			if err := st.PutNode(ctx, n[0], n[1], n[2]); err != nil {
				t.Fatalf("put node: %v", err)
			}
		}
		anc, err := st.AncestorsOf(ctx, "b")
		if err != nil {
			t.Fatalf("ancestors: %v", err)
		}
		if want := []string{"a", "root"}; !reflect.DeepEqual(anc, want) {
			t.Fatalf("anc=%v", anc)
		}
		if anc, _ := st.AncestorsOf(ctx, "root"); len(anc) != 0 {
			t.Fatalf("root anc=%v", anc)
		}
		if _, err := st.AncestorsOf(ctx, "ghost"); !errors.Is(err, model.ErrNotFound) {
			t.Fatalf("ghost: %v", err)
		}
		if txt, _ := st.NodeText(ctx, "b"); txt != "B text" {
			t.Fatalf("text=%q", txt)
		}
	})
}

func TestOpenDrivers(t *testing.T) {
	t.Parallel()
	if st, err := Open(Config{}, logx.Logger{}); err != nil || st == nil {
		t.Fatalf("default driver: %v", err)
	}
	if _, err := Open(Config{Driver: "sqlite"}, logx.Nop()); err == nil {
		t.Fatalf("sqlite without path must fail")
	}
	if _, err := Open(Config{Driver: "mongo"}, logx.Nop()); err == nil {
		t.Fatalf("unknown driver must fail")
	}
}
