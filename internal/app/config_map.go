package app

import (
	"strings"
	"time"

	"omninotify/internal/aggregate"
	"omninotify/internal/config"
	"omninotify/internal/dispatch"
	"omninotify/internal/observability"
	"omninotify/internal/reminder"
	"omninotify/internal/storage"
	"omninotify/internal/subscription"
	"omninotify/internal/trigger"
	logx "omninotify/pkg/logx"
)

// Duration strings are validated by config.Validate before mapping.

const (
	defaultTickSchedule  = "@every 30s"
	defaultFlushSchedule = "@every 1m"
)

func logConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func storageConfig(cfg *config.Config) storage.Config {
	return storage.Config{
		Driver:      strings.TrimSpace(cfg.Storage.Driver),
		Path:        strings.TrimSpace(cfg.Storage.Path),
		BusyTimeout: config.MustDuration(cfg.Storage.BusyTimeout, time.Second),
	}
}

func channelConfig(c config.ChannelConfig) dispatch.ChannelConfig {
	return dispatch.ChannelConfig{
		Timeout:    config.MustDuration(c.Timeout, 0),
		RatePerSec: c.RatePerSec,
		Burst:      c.Burst,
	}
}

func dispatchConfig(cfg *config.Config) dispatch.Config {
	return dispatch.Config{
		Chat:  channelConfig(cfg.Dispatch.Chat),
		Push:  channelConfig(cfg.Dispatch.Push),
		Email: channelConfig(cfg.Dispatch.Email),
	}
}

func queueConfig(cfg *config.Config) dispatch.QueueConfig {
	return dispatch.QueueConfig{Workers: cfg.Dispatch.Workers, Size: cfg.Dispatch.QueueSize}
}

func schedulerConfig(cfg *config.Config) reminder.Config {
	return reminder.Config{
		BatchSize:  cfg.Scheduler.BatchSize,
		Workers:    cfg.Scheduler.Workers,
		ClaimLease: config.MustDuration(cfg.Scheduler.ClaimLease, 0),
	}
}

func aggregatorConfig(cfg *config.Config) aggregate.Config {
	return aggregate.Config{
		Window:        config.MustDuration(cfg.Aggregator.Window, 0),
		PendingMaxAge: config.MustDuration(cfg.Aggregator.PendingMaxAge, 0),
		CASRetries:    cfg.Aggregator.CASRetries,
		FlushWorkers:  cfg.Aggregator.FlushWorkers,
	}
}

func subscriptionConfig(cfg *config.Config) subscription.Config {
	return subscription.Config{MaxPerUser: cfg.Subscriptions.MaxPerUser, MaxDepth: cfg.Subscriptions.MaxDepth}
}

func triggerConfig(cfg *config.Config) trigger.Config {
	return trigger.Config{Timezone: cfg.Scheduler.Timezone}
}

// triggerPlan is one periodic job as configured.
type triggerPlan struct {
	Schedule string
	Timeout  time.Duration
}

func tickPlan(cfg *config.Config) triggerPlan {
	s := strings.TrimSpace(cfg.Scheduler.TickSchedule)
	if s == "" {
		s = defaultTickSchedule
	}
	return triggerPlan{Schedule: s, Timeout: config.MustDuration(cfg.Scheduler.TickTimeout, 25*time.Second)}
}

func flushPlan(cfg *config.Config) triggerPlan {
	s := strings.TrimSpace(cfg.Aggregator.FlushSchedule)
	if s == "" {
		s = defaultFlushSchedule
	}
	return triggerPlan{Schedule: s, Timeout: config.MustDuration(cfg.Aggregator.FlushTimeout, 50*time.Second)}
}

func observabilityConfig(cfg *config.Config) observability.Config {
	o := cfg.Observability
	return observability.Config{
		Enabled:       o.Enabled,
		Addr:          strings.TrimSpace(o.Addr),
		MetricsPath:   strings.TrimSpace(o.MetricsPath),
		Pprof:         o.Pprof,
		Token:         strings.TrimSpace(o.Token),
		AllowInsecure: o.AllowInsecure,
		ReadTimeout:   config.MustDuration(o.ReadTimeout, 10*time.Second),
		WriteTimeout:  config.MustDuration(o.WriteTimeout, 60*time.Second),
		IdleTimeout:   config.MustDuration(o.IdleTimeout, 60*time.Second),
	}
}

// validateSchedules rejects cron specs config.Validate cannot check without
// importing the trigger package.
func validateSchedules(cfg *config.Config) error {
	for _, p := range []triggerPlan{tickPlan(cfg), flushPlan(cfg)} {
		ps, err := trigger.ParseSchedule(p.Schedule)
		if err != nil {
			return err
		}
		if _, err := ps.Schedule(); err != nil {
			return err
		}
	}
	return nil
}
