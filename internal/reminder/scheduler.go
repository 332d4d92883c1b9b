// Package reminder fires due reminders, applies quiet hours, snoozes and
// recurrence, and exposes reminder CRUD.
package reminder

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"omninotify/internal/dispatch"
	"omninotify/internal/eventbus"
	"omninotify/internal/model"
	"omninotify/internal/quiet"
	"omninotify/internal/storage"
	"omninotify/internal/tree"
	logx "omninotify/pkg/logx"

	"golang.org/x/sync/errgroup"
)

// MaxSnoozeMinutes is one week.
const MaxSnoozeMinutes = 7 * 24 * 60

// Dispatcher is the delivery side the scheduler needs.
type Dispatcher interface {
	Dispatch(ctx context.Context, s model.ChannelSettings, p dispatch.Payload) (dispatch.Result, error)
}

type Config struct {
	BatchSize  int
	Workers    int
	ClaimLease time.Duration
}

func (c Config) Normalize() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 200
	}
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.ClaimLease <= 0 {
		c.ClaimLease = 2 * time.Minute
	}
	return c
}

// TickReport summarizes one TickReminders pass.
type TickReport struct {
	Due      int
	Sent     int
	Deferred int
	Retry    int
	Skipped  int
}

// Scheduler is safe for concurrent use; concurrent ticks are serialized per
// reminder by the storage claim.
type Scheduler struct {
	store    storage.Reminders
	settings dispatch.SettingsSource
	nodes    tree.Describer
	d        Dispatcher
	log      logx.Logger
	bus      eventbus.Bus
	cfg      atomic.Pointer[Config]
}

func NewScheduler(cfg Config, store storage.Reminders, settings dispatch.SettingsSource, nodes tree.Describer, d Dispatcher, log logx.Logger, bus eventbus.Bus) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	s := &Scheduler{
		store:    store,
		settings: settings,
		nodes:    nodes,
		d:        d,
		log:      log.With(logx.String("comp", "reminder")),
		bus:      bus,
	}
	s.Apply(cfg)
	return s
}

func (s *Scheduler) Apply(cfg Config) {
	cfg = cfg.Normalize()
	s.cfg.Store(&cfg)
}

type outcome int

const (
	outSkipped outcome = iota
	outSent
	outDeferred
	outRetry
)

// TickReminders processes one batch of due reminders.
func (s *Scheduler) TickReminders(ctx context.Context, now time.Time) (TickReport, error) {
	cfg := *s.cfg.Load()
	due, err := s.store.DueReminders(ctx, now, cfg.BatchSize)
	if err != nil {
		return TickReport{}, fmt.Errorf("reminder: scan due: %w", err)
	}
	rep := TickReport{Due: len(due)}
	if len(due) == 0 {
		return rep, nil
	}

	var sent, deferred, retry, skipped atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Workers)
	for _, r := range due {
		r := r
		g.Go(func() error {
			switch s.process(gctx, r, now, cfg) {
			case outSent:
				sent.Add(1)
			case outDeferred:
				deferred.Add(1)
			case outRetry:
				retry.Add(1)
			default:
				skipped.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	rep.Sent, rep.Deferred = int(sent.Load()), int(deferred.Load())
	rep.Retry, rep.Skipped = int(retry.Load()), int(skipped.Load())
	s.log.Debug("reminder tick",
		logx.Int("due", rep.Due), logx.Int("sent", rep.Sent), logx.Int("deferred", rep.Deferred),
		logx.Int("retry", rep.Retry), logx.Int("skipped", rep.Skipped))
	return rep, nil
}

func (s *Scheduler) process(ctx context.Context, cand model.Reminder, now time.Time, cfg Config) outcome {
	log := s.log.With(logx.String("reminder", cand.ID), logx.String("user", cand.UserID))

	r, ok, err := s.store.ClaimReminder(ctx, cand.ID, now, cfg.ClaimLease)
	switch {
	case errors.Is(err, model.ErrNotFound):
		return outSkipped
	case err != nil:
		log.Warn("claim failed", logx.Err(err))
		return outSkipped
	case !ok:
		return outSkipped
	}

	settings, err := s.loadSettings(ctx, r.UserID)
	if err != nil {
		log.Warn("load settings failed", logx.Err(err))
		s.release(ctx, log, r.ID)
		return outRetry
	}

	window := quiet.FromSettings(settings)
	checkZone(log, "reminder", r.Timezone)
	if window.Enabled {
		checkZone(log, "quiet_hours", window.Zone(r.Timezone))
	}
	if q, until := window.Resolve(now, r.Timezone); q {
		if err := s.deferUntil(ctx, r, until); err != nil && !errors.Is(err, model.ErrNotFound) {
			log.Warn("defer failed", logx.Err(err))
		}
		log.Debug("quiet hours, deferred", logx.Time("until", until))
		s.bus.Publish(eventbus.Event{Type: eventbus.TopicReminderDefer, Data: r.ID})
		return outDeferred
	}

	p := dispatch.Payload{
		Kind:       dispatch.KindReminder,
		UserID:     r.UserID,
		ReminderID: r.ID,
		Message:    r.Message,
		Node:       s.describe(ctx, log, r.NodeID),
	}
	res, err := s.d.Dispatch(ctx, settings, p)
	if errors.Is(err, dispatch.ErrAllChannelsFailed) {
		log.Warn("all channels failed, will retry", logx.Strings("attempted", res.Attempted))
		s.release(ctx, log, r.ID)
		s.bus.Publish(eventbus.Event{Type: eventbus.TopicReminderRetry, Data: r.ID})
		return outRetry
	}
	if err != nil {
		log.Warn("dispatch failed", logx.Err(err))
		s.release(ctx, log, r.ID)
		return outRetry
	}

	next := nextOccurrence(r, now)
	if err := s.store.CompleteReminder(ctx, r.ID, now, next); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			// cancelled while in flight
			return outSent
		}
		// Delivered but not marked; the next tick may send it again.
		log.Error("mark sent failed", logx.Err(err))
	}
	fields := []logx.Field{logx.Strings("channels", res.Succeeded)}
	if next != nil {
		fields = append(fields, logx.Time("next", *next))
	}
	log.Info("reminder fired", fields...)
	s.bus.Publish(eventbus.Event{Type: eventbus.TopicReminderFired, Data: r.ID})
	return outSent
}

// checkZone logs a timezone that falls back to UTC.
func checkZone(log logx.Logger, scope, name string) {
	if _, ok := model.ResolveLocation(name); !ok {
		log.Debug("unknown timezone, using UTC", logx.String("scope", scope), logx.String("tz", name))
	}
}

// deferUntil pushes a quiet-hours hit to the end of the window. A snooze of
// a repeating reminder whose next occurrence is already scheduled past the
// window is re-snoozed instead, so the occurrence keeps its time.
func (s *Scheduler) deferUntil(ctx context.Context, r model.Reminder, until time.Time) error {
	if r.SnoozedUntil != nil && r.RemindAt.After(until) {
		if err := s.store.SnoozeReminder(ctx, r.ID, until); err != nil {
			return err
		}
		return s.store.ReleaseReminder(ctx, r.ID)
	}
	return s.store.DeferReminder(ctx, r.ID, until)
}

func (s *Scheduler) loadSettings(ctx context.Context, userID string) (model.ChannelSettings, error) {
	if s.settings == nil {
		return model.ChannelSettings{UserID: userID}, nil
	}
	got, err := s.settings.GetSettings(ctx, userID)
	if errors.Is(err, model.ErrNotFound) {
		return model.ChannelSettings{UserID: userID}, nil
	}
	return got, err
}

func (s *Scheduler) describe(ctx context.Context, log logx.Logger, nodeID string) tree.NodeInfo {
	if s.nodes == nil {
		return tree.NodeInfo{ID: nodeID}
	}
	info, err := s.nodes.Describe(ctx, nodeID)
	if err != nil {
		log.Debug("describe node failed", logx.String("node", nodeID), logx.Err(err))
		info.ID = nodeID
	}
	return info
}

func (s *Scheduler) release(ctx context.Context, log logx.Logger, id string) {
	if err := s.store.ReleaseReminder(ctx, id); err != nil && !errors.Is(err, model.ErrNotFound) {
		log.Warn("release claim failed", logx.Err(err))
	}
}

// Snooze postpones the reminder by minutes from now. RemindAt and the repeat
// rule are untouched; a delivered one-shot reminder becomes pending again.
func (s *Scheduler) Snooze(ctx context.Context, id string, minutes int, now time.Time) (time.Time, error) {
	if minutes < 1 || minutes > MaxSnoozeMinutes {
		return time.Time{}, model.Invalid("minutes", "must be between 1 and %d", MaxSnoozeMinutes)
	}
	until := now.Add(time.Duration(minutes) * time.Minute)
	if err := s.store.SnoozeReminder(ctx, id, until); err != nil {
		return time.Time{}, err
	}
	s.log.Debug("reminder snoozed", logx.String("reminder", id), logx.Time("until", until))
	return until, nil
}

// Cancel deletes the reminder. A delivery already in flight may still finish.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	if err := s.store.DeleteReminder(ctx, id); err != nil {
		return err
	}
	s.log.Debug("reminder cancelled", logx.String("reminder", id))
	return nil
}
