// Package aggregate rate-limits change notifications per subscription and
// batches the overflow into periodic summaries.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"omninotify/internal/dispatch"
	"omninotify/internal/eventbus"
	"omninotify/internal/model"
	"omninotify/internal/storage"
	"omninotify/internal/tree"
	logx "omninotify/pkg/logx"

	"golang.org/x/sync/errgroup"
)

// Store is the persistence the aggregator touches.
type Store interface {
	GetSubscription(ctx context.Context, id string) (model.Subscription, error)
	TouchLastNotification(ctx context.Context, id string, version int64, at time.Time) (bool, error)
	storage.Pending
}

// Immediate takes single-change notifications off the caller's goroutine.
// *dispatch.Queue implements it.
type Immediate interface {
	Enqueue(ctx context.Context, j dispatch.Job) error
}

// Deliverer sends flush notifications synchronously.
type Deliverer interface {
	Deliver(ctx context.Context, userID string, p dispatch.Payload) (dispatch.Result, error)
}

type Config struct {
	// Window is the minimum spacing of immediate notifications per
	// subscription.
	Window        time.Duration
	PendingMaxAge time.Duration
	CASRetries    int
	FlushWorkers  int
}

func (c Config) Normalize() Config {
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	if c.PendingMaxAge <= 0 {
		c.PendingMaxAge = 24 * time.Hour
	}
	if c.CASRetries <= 0 {
		c.CASRetries = 5
	}
	if c.FlushWorkers <= 0 {
		c.FlushWorkers = 4
	}
	return c
}

type Outcome int

const (
	OutcomeSkipped Outcome = iota
	OutcomeImmediate
	OutcomeQueued
)

func (o Outcome) String() string {
	switch o {
	case OutcomeImmediate:
		return "immediate"
	case OutcomeQueued:
		return "queued"
	default:
		return "skipped"
	}
}

// FlushReport summarizes one FlushPending pass.
type FlushReport struct {
	Groups    int
	Delivered int
	Failed    int
	// Events counts pending events removed after delivery.
	Events    int
	Discarded int
	Pruned    int
}

type Aggregator struct {
	store   Store
	instant Immediate
	flush   Deliverer
	nodes   tree.Describer
	log     logx.Logger
	bus     eventbus.Bus
	cfg     atomic.Pointer[Config]
}

func New(cfg Config, store Store, immediate Immediate, flush Deliverer, nodes tree.Describer, log logx.Logger, bus eventbus.Bus) *Aggregator {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	a := &Aggregator{
		store:   store,
		instant: immediate,
		flush:   flush,
		nodes:   nodes,
		log:     log.With(logx.String("comp", "aggregate")),
		bus:     bus,
	}
	a.Apply(cfg)
	return a
}

func (a *Aggregator) Apply(cfg Config) {
	cfg = cfg.Normalize()
	a.cfg.Store(&cfg)
}

func windowPassed(s model.Subscription, now time.Time, window time.Duration) bool {
	return s.LastNotificationAt == nil || now.Sub(*s.LastNotificationAt) >= window
}

// Submit routes one matched change. When the rate window has passed the
// subscription's lastNotificationAt moves to now and the change goes out
// immediately; otherwise it waits in the pending queue. A rate-limited change
// never extends the window.
func (a *Aggregator) Submit(ctx context.Context, sub model.Subscription, nodeID string, kind model.ChangeKind, actorID string, now time.Time) (Outcome, error) {
	cfg := *a.cfg.Load()
	log := a.log.With(logx.String("subscription", sub.ID), logx.String("node", nodeID), logx.String("kind", string(kind)))

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			cur, err := a.store.GetSubscription(ctx, sub.ID)
			if errors.Is(err, model.ErrNotFound) {
				return OutcomeSkipped, nil
			}
			if err != nil {
				return OutcomeSkipped, fmt.Errorf("aggregate: reload %s: %w", sub.ID, err)
			}
			sub = cur
		}
		if !windowPassed(sub, now, cfg.Window) {
			return a.queue(ctx, log, sub, nodeID, kind, actorID, now)
		}
		if attempt >= cfg.CASRetries {
			// Persistent contention: someone else keeps taking the slot.
			log.Debug("rate window contended, queueing", logx.Int("attempts", attempt))
			return a.queue(ctx, log, sub, nodeID, kind, actorID, now)
		}

		ok, err := a.store.TouchLastNotification(ctx, sub.ID, sub.Version, now)
		if errors.Is(err, model.ErrNotFound) {
			return OutcomeSkipped, nil
		}
		if err != nil {
			return OutcomeSkipped, fmt.Errorf("aggregate: touch %s: %w", sub.ID, err)
		}
		if ok {
			break
		}
	}

	p := dispatch.Payload{
		Kind:   dispatch.KindChange,
		UserID: sub.UserID,
		Node:   a.describe(ctx, log, nodeID),
		Change: &dispatch.Change{Kind: kind, ActorID: actorID, At: now},
	}
	err := a.instant.Enqueue(ctx, dispatch.Job{
		UserID:  sub.UserID,
		Payload: p,
		Done: func(res dispatch.Result, err error) {
			if err != nil {
				log.Warn("immediate change notification failed", logx.Strings("attempted", res.Attempted), logx.Err(err))
			}
		},
	})
	if err != nil {
		if errors.Is(err, dispatch.ErrQueueFull) || errors.Is(err, dispatch.ErrStopped) {
			log.Warn("immediate queue unavailable, keeping change for flush", logx.Err(err))
			return a.queue(ctx, log, sub, nodeID, kind, actorID, now)
		}
		return OutcomeSkipped, fmt.Errorf("aggregate: enqueue immediate: %w", err)
	}
	a.bus.Publish(eventbus.Event{Type: eventbus.TopicChangeImmediate, Time: now, Data: sub.ID})
	return OutcomeImmediate, nil
}

func (a *Aggregator) queue(ctx context.Context, log logx.Logger, sub model.Subscription, nodeID string, kind model.ChangeKind, actorID string, now time.Time) (Outcome, error) {
	ev := model.PendingChangeEvent{
		ID:             model.NewID(),
		SubscriptionID: sub.ID,
		UserID:         sub.UserID,
		NodeID:         nodeID,
		Kind:           kind,
		ActorID:        actorID,
		CreatedAt:      now,
	}
	if err := a.store.EnqueuePending(ctx, ev); err != nil {
		return OutcomeSkipped, fmt.Errorf("aggregate: enqueue pending: %w", err)
	}
	log.Debug("change queued", logx.String("event", ev.ID))
	a.bus.Publish(eventbus.Event{Type: eventbus.TopicChangeQueued, Time: now, Data: sub.ID})
	return OutcomeQueued, nil
}

// FlushPending sends one notification per (user, subscription) group. Events
// are removed only after a delivery, and only the ones that were read; a
// failed group stays for the next flush.
func (a *Aggregator) FlushPending(ctx context.Context, now time.Time) (FlushReport, error) {
	cfg := *a.cfg.Load()
	var rep FlushReport

	pruned, err := a.store.PrunePending(ctx, now.Add(-cfg.PendingMaxAge))
	if err != nil {
		return rep, fmt.Errorf("aggregate: prune: %w", err)
	}
	if pruned > 0 {
		a.log.Info("dropped stale pending changes", logx.Int("count", pruned))
	}
	rep.Pruned = pruned

	groups, err := a.store.PendingGroups(ctx)
	if err != nil {
		return rep, fmt.Errorf("aggregate: list groups: %w", err)
	}
	rep.Groups = len(groups)
	if len(groups) == 0 {
		return rep, nil
	}

	var delivered, failed, events, discarded atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.FlushWorkers)
	for _, grp := range groups {
		grp := grp
		g.Go(func() error {
			n, gone, ok := a.flushGroup(gctx, grp, now)
			switch {
			case gone:
				discarded.Add(int64(n))
			case ok:
				delivered.Add(1)
				events.Add(int64(n))
			default:
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	rep.Delivered, rep.Failed = int(delivered.Load()), int(failed.Load())
	rep.Events, rep.Discarded = int(events.Load()), int(discarded.Load())
	a.log.Debug("pending flush",
		logx.Int("groups", rep.Groups), logx.Int("delivered", rep.Delivered), logx.Int("failed", rep.Failed),
		logx.Int("events", rep.Events), logx.Int("discarded", rep.Discarded))
	return rep, nil
}

// flushGroup returns how many events it removed, whether the subscription was
// gone, and whether delivery succeeded.
func (a *Aggregator) flushGroup(ctx context.Context, grp model.PendingGroup, now time.Time) (int, bool, bool) {
	log := a.log.With(logx.String("user", grp.UserID), logx.String("subscription", grp.SubscriptionID))

	evs, err := a.store.PendingEvents(ctx, grp.UserID, grp.SubscriptionID)
	if err != nil {
		log.Warn("read pending group failed", logx.Err(err))
		return 0, false, false
	}
	if len(evs) == 0 {
		return 0, false, true
	}
	ids := make([]string, len(evs))
	for i, e := range evs {
		ids[i] = e.ID
	}

	sub, err := a.store.GetSubscription(ctx, grp.SubscriptionID)
	if errors.Is(err, model.ErrNotFound) {
		n, derr := a.store.DeletePending(ctx, ids)
		if derr != nil {
			log.Warn("discard orphaned pending failed", logx.Err(derr))
		}
		log.Debug("subscription gone, discarded pending", logx.Int("count", n))
		return n, true, false
	}
	if err != nil {
		log.Warn("load subscription failed", logx.Err(err))
		return 0, false, false
	}

	p := a.groupPayload(ctx, log, sub, evs)
	res, err := a.flush.Deliver(ctx, grp.UserID, p)
	if err != nil {
		log.Warn("flush delivery failed, keeping events", logx.Strings("attempted", res.Attempted), logx.Err(err))
		return 0, false, false
	}

	n, err := a.store.DeletePending(ctx, ids)
	if err != nil {
		// Delivered but still queued; the next flush repeats it.
		log.Error("delete delivered pending failed", logx.Err(err))
		return 0, false, false
	}
	a.bus.Publish(eventbus.Event{Type: eventbus.TopicFlushDelivered, Time: now, Data: sub.ID})
	return n, false, true
}

func (a *Aggregator) groupPayload(ctx context.Context, log logx.Logger, sub model.Subscription, evs []model.PendingChangeEvent) dispatch.Payload {
	if len(evs) == 1 {
		e := evs[0]
		return dispatch.Payload{
			Kind:   dispatch.KindChange,
			UserID: sub.UserID,
			Node:   a.describe(ctx, log, e.NodeID),
			Change: &dispatch.Change{Kind: e.Kind, ActorID: e.ActorID, At: e.CreatedAt},
		}
	}
	sum := dispatch.Summarize(evs)
	return dispatch.Payload{
		Kind:    dispatch.KindAggregated,
		UserID:  sub.UserID,
		Node:    a.describe(ctx, log, sub.NodeID),
		Summary: &sum,
	}
}

func (a *Aggregator) describe(ctx context.Context, log logx.Logger, nodeID string) tree.NodeInfo {
	if a.nodes == nil {
		return tree.NodeInfo{ID: nodeID}
	}
	info, err := a.nodes.Describe(ctx, nodeID)
	if err != nil {
		log.Debug("describe node failed", logx.Err(err))
		info.ID = nodeID
	}
	return info
}
