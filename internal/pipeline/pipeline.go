// Package pipeline is the entry surface of the delivery core: periodic
// triggers, change events and reminder actions coming back from channels.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"omninotify/internal/aggregate"
	"omninotify/internal/dispatch"
	"omninotify/internal/model"
	"omninotify/internal/reminder"
	"omninotify/internal/subscription"
	logx "omninotify/pkg/logx"
)

// ErrNotOwner rejects a chat action on a reminder owned by someone else.
var ErrNotOwner = errors.New("chat is not linked to the reminder owner")

// Tester sends a test notification over one channel.
type Tester interface {
	Test(ctx context.Context, userID, channel string) (dispatch.Result, error)
}

// ReminderLookup reads a reminder for ownership checks.
type ReminderLookup interface {
	GetReminder(ctx context.Context, id string) (model.Reminder, error)
}

type Deps struct {
	Scheduler  *reminder.Scheduler
	Matcher    *subscription.Matcher
	Aggregator *aggregate.Aggregator
	Reminders  ReminderLookup
	Settings   dispatch.SettingsSource
	Tester     Tester
	Log        logx.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// HandleResult counts what happened to one change event.
type HandleResult struct {
	Matched   int
	Immediate int
	Queued    int
	Skipped   int
}

type Pipeline struct {
	sched *reminder.Scheduler
	match *subscription.Matcher
	agg   *aggregate.Aggregator
	rems  ReminderLookup
	sets  dispatch.SettingsSource
	test  Tester
	log   logx.Logger
	now   func() time.Time
}

func New(d Deps) *Pipeline {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Pipeline{
		sched: d.Scheduler,
		match: d.Matcher,
		agg:   d.Aggregator,
		rems:  d.Reminders,
		sets:  d.Settings,
		test:  d.Tester,
		log:   d.Log.With(logx.String("comp", "pipeline")),
		now:   d.Now,
	}
}

func (p *Pipeline) TickReminders(ctx context.Context, now time.Time) (reminder.TickReport, error) {
	return p.sched.TickReminders(ctx, now)
}

func (p *Pipeline) FlushPending(ctx context.Context, now time.Time) (aggregate.FlushReport, error) {
	return p.agg.FlushPending(ctx, now)
}

// HandleChange fans one node change out to every matching subscription. A
// failing subscription does not stop the others; their errors are joined.
func (p *Pipeline) HandleChange(ctx context.Context, nodeID string, kind model.ChangeKind, actorID string, now time.Time) (HandleResult, error) {
	subs, err := p.match.Match(ctx, nodeID, kind, actorID)
	if err != nil {
		return HandleResult{}, err
	}
	res := HandleResult{Matched: len(subs)}
	var errs []error
	for _, s := range subs {
		out, err := p.agg.Submit(ctx, s, nodeID, kind, actorID, now)
		if err != nil {
			p.log.Warn("submit change failed",
				logx.String("subscription", s.ID), logx.String("node", nodeID), logx.Err(err))
			errs = append(errs, err)
			res.Skipped++
			continue
		}
		switch out {
		case aggregate.OutcomeImmediate:
			res.Immediate++
		case aggregate.OutcomeQueued:
			res.Queued++
		default:
			res.Skipped++
		}
	}
	return res, errors.Join(errs...)
}

// Snooze postpones a reminder by minutes from now.
func (p *Pipeline) Snooze(ctx context.Context, reminderID string, minutes int) (time.Time, error) {
	return p.sched.Snooze(ctx, reminderID, minutes, p.now())
}

func (p *Pipeline) CancelReminder(ctx context.Context, reminderID string) error {
	return p.sched.Cancel(ctx, reminderID)
}

// SendTest sends a test notification to userID over channel ("chat",
// "push" or "email").
func (p *Pipeline) SendTest(ctx context.Context, userID, channel string) error {
	if p.test == nil {
		return model.Invalid("channel", "test notifications are not available")
	}
	_, err := p.test.Test(ctx, userID, channel)
	if err != nil {
		p.log.Info("test notification failed", logx.String("user", userID), logx.String("channel", channel), logx.Err(err))
		return err
	}
	p.log.Info("test notification sent", logx.String("user", userID), logx.String("channel", channel))
	return nil
}

// SnoozeFromChat is Snooze for a chat-bot button press from chatID.
func (p *Pipeline) SnoozeFromChat(ctx context.Context, chatID, reminderID string, minutes int) (time.Time, error) {
	if err := p.ownedByChat(ctx, chatID, reminderID); err != nil {
		return time.Time{}, err
	}
	return p.Snooze(ctx, reminderID, minutes)
}

func (p *Pipeline) CancelFromChat(ctx context.Context, chatID, reminderID string) error {
	if err := p.ownedByChat(ctx, chatID, reminderID); err != nil {
		return err
	}
	return p.CancelReminder(ctx, reminderID)
}

func (p *Pipeline) ownedByChat(ctx context.Context, chatID, reminderID string) error {
	r, err := p.rems.GetReminder(ctx, reminderID)
	if err != nil {
		return err
	}
	if p.sets == nil {
		return ErrNotOwner
	}
	s, err := p.sets.GetSettings(ctx, r.UserID)
	if errors.Is(err, model.ErrNotFound) {
		return ErrNotOwner
	}
	if err != nil {
		return fmt.Errorf("pipeline: owner settings: %w", err)
	}
	if s.ChatID == "" || s.ChatID != chatID {
		p.log.Warn("chat action from foreign chat",
			logx.String("reminder", reminderID), logx.String("chat", chatID))
		return ErrNotOwner
	}
	return nil
}
