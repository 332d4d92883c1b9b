// Package app wires configuration, storage, channels and the delivery core
// into one runnable service.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"omninotify/internal/aggregate"
	"omninotify/internal/config"
	"omninotify/internal/dispatch"
	"omninotify/internal/eventbus"
	"omninotify/internal/metrics"
	"omninotify/internal/observability"
	"omninotify/internal/pipeline"
	"omninotify/internal/reminder"
	rtsup "omninotify/internal/runtime/supervisor"
	"omninotify/internal/storage"
	"omninotify/internal/subscription"
	"omninotify/internal/tree"
	"omninotify/internal/transport/telegram"
	"omninotify/internal/trigger"
	logx "omninotify/pkg/logx"
)

const (
	triggerTick  = "reminders.tick"
	triggerFlush = "pending.flush"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log     logx.Logger
	logs    *logx.Service
	bus     eventbus.Bus
	store   storage.Store
	metrics *metrics.Metrics

	dispatcher *dispatch.Dispatcher
	queue      *dispatch.Queue
	scheduler  *reminder.Scheduler
	reminders  *reminder.Service
	subs       *subscription.Service
	agg        *aggregate.Aggregator
	pipe       *pipeline.Pipeline
	triggers   *trigger.Service
	obs        *observability.Service
	bot        *telegram.Bot

	tick, flush triggerPlan
}

type options struct {
	access tree.AccessChecker
}

type Option func(*options)

// WithAccess installs the permission check used when reminders and
// subscriptions are created. The default allows everything.
func WithAccess(a tree.AccessChecker) Option { return func(o *options) { o.access = a } }

func New(ctx context.Context, cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateSchedules(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logConfig(cfg))
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log)

	bus := eventbus.New()

	store, err := storage.Open(storageConfig(cfg), log)
	if err != nil {
		return nil, err
	}
	log.Info("storage ready", logx.String("driver", storageConfig(cfg).Driver))

	tr, err := buildTransports(ctx, cfg, store, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	linker := tree.Linker{Host: cfg.FrontendHost, Source: store}
	d := dispatch.New(dispatchConfig(cfg), tr.Transports, store, log, bus)
	q := dispatch.NewQueue(queueConfig(cfg), d, log, bus)
	sched := reminder.NewScheduler(schedulerConfig(cfg), store, store, linker, d, log, bus)

	var remOpts []reminder.ServiceOption
	if tr.Chat != nil {
		remOpts = append(remOpts, reminder.WithConfirmation(tr.Chat, store, linker))
	}
	agg := aggregate.New(aggregatorConfig(cfg), store, q, d, linker, log, bus)
	matcher := subscription.NewMatcher(store, store, log)

	pipe := pipeline.New(pipeline.Deps{
		Scheduler:  sched,
		Matcher:    matcher,
		Aggregator: agg,
		Reminders:  store,
		Settings:   store,
		Tester:     d,
		Log:        log,
	})
	if tr.bot != nil {
		tr.bot.SetActions(pipe)
	}

	a := &App{
		cfgm:       cfgm,
		log:        log,
		logs:       logSvc,
		bus:        bus,
		store:      store,
		metrics:    metrics.New(),
		dispatcher: d,
		queue:      q,
		scheduler:  sched,
		reminders:  reminder.NewService(store, o.access, log, remOpts...),
		subs:       subscription.NewService(subscriptionConfig(cfg), store, o.access, log),
		agg:        agg,
		pipe:       pipe,
		triggers:   trigger.New(triggerConfig(cfg), log),
		bot:        tr.bot,
	}
	a.obs = observability.New(observabilityConfig(cfg), a.metrics.Handler(), a.health, log)
	a.metrics.Gauge("dispatch_queue_length", "Immediate notifications waiting for a worker.", func() float64 {
		return float64(a.queue.Len())
	})
	if err := a.registerTriggers(cfg); err != nil {
		_ = store.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) Pipeline() *pipeline.Pipeline { return a.pipe }

func (a *App) Reminders() *reminder.Service { return a.reminders }

func (a *App) Subscriptions() *subscription.Service { return a.subs }

func (a *App) Store() storage.Store { return a.store }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// registerTriggers (re)adds the periodic jobs whose plan changed.
func (a *App) registerTriggers(cfg *config.Config) error {
	if p := tickPlan(cfg); p != a.tick {
		if err := a.triggers.Add(triggerTick, p.Schedule, p.Timeout, a.runTick); err != nil {
			return err
		}
		a.tick = p
	}
	if p := flushPlan(cfg); p != a.flush {
		if err := a.triggers.Add(triggerFlush, p.Schedule, p.Timeout, a.runFlush); err != nil {
			return err
		}
		a.flush = p
	}
	return nil
}

func (a *App) runTick(ctx context.Context, now time.Time) error {
	rep, err := a.pipe.TickReminders(ctx, now)
	if rep.Due > 0 {
		a.log.Info("reminder tick",
			logx.Int("due", rep.Due), logx.Int("sent", rep.Sent), logx.Int("deferred", rep.Deferred),
			logx.Int("retry", rep.Retry), logx.Int("skipped", rep.Skipped))
	}
	return err
}

func (a *App) runFlush(ctx context.Context, now time.Time) error {
	rep, err := a.pipe.FlushPending(ctx, now)
	if rep.Groups > 0 || rep.Pruned > 0 {
		a.log.Info("pending flush",
			logx.Int("groups", rep.Groups), logx.Int("delivered", rep.Delivered), logx.Int("failed", rep.Failed),
			logx.Int("events", rep.Events), logx.Int("discarded", rep.Discarded), logx.Int("pruned", rep.Pruned))
	}
	return err
}

func (a *App) health(context.Context) (any, error) {
	body := map[string]any{
		"status":   "ok",
		"queue":    a.queue.Len(),
		"triggers": a.triggers.Snapshot(),
	}
	if a.sup == nil {
		return body, errors.New("not started")
	}
	body["tasks"] = a.sup.Snapshot()
	if err := a.sup.Err(); err != nil {
		return body, err
	}
	return body, nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	// transactional config reload: validate before commit/publish
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateSchedules(cfg)
	})

	run := a.sup.Context()
	a.sup.Go("metrics", func(c context.Context) error { return a.metrics.Run(c, a.bus) })
	a.queue.Start(run)
	if a.bot != nil {
		a.bot.Start(run)
	}
	a.triggers.Start(run)
	a.obs.Start(run)

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case next, ok := <-sub:
				if !ok {
					return nil
				}
				// coalesce bursts, keep the newest
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", func(c context.Context) error { return a.cfgm.Watch(c) })

	a.log.Info("app started", logx.Bool("telegram", a.bot != nil))
	return nil
}

func (a *App) applyConfig(prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config sections changed; restart required for them to take effect",
			logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(logConfig(next))
	a.dispatcher.Apply(dispatchConfig(next))
	a.scheduler.Apply(schedulerConfig(next))
	a.agg.Apply(aggregatorConfig(next))
	a.subs.Apply(subscriptionConfig(next))
	a.triggers.Apply(triggerConfig(next))
	if err := a.registerTriggers(next); err != nil {
		a.log.Warn("trigger schedule rejected; keeping previous", logx.Err(err))
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.TopicConfigReloaded, Time: time.Now(), Data: sections})
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.store.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	// triggers first so no new tick starts, then drain what is in flight
	step("triggers", 5*time.Second, func(c context.Context) error { a.triggers.Stop(c); return nil })
	step("observability", time.Second, func(c context.Context) error { a.obs.Stop(c); return nil })
	step("telegram", 3*time.Second, func(c context.Context) error {
		if a.bot != nil {
			a.bot.Stop(c)
		}
		return nil
	})
	step("queue", 10*time.Second, func(c context.Context) error { a.queue.Stop(c); return nil })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}
