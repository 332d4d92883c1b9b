package config

import (
	"reflect"
	"sort"
	"strings"

	logx "omninotify/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// structured attrs for logging. Secrets (tokens, keys, passwords) are only
// ever reported as set/unset.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)
	set := func(s string) bool { return strings.TrimSpace(s) != "" }

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", set(newCfg.Storage.Path)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.tick_schedule", newCfg.Scheduler.TickSchedule),
			logx.Int("scheduler.workers", newCfg.Scheduler.Workers),
			logx.Int("scheduler.batch_size", newCfg.Scheduler.BatchSize),
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
		)
	}

	if !reflect.DeepEqual(oldCfg.Aggregator, newCfg.Aggregator) {
		changed = append(changed, "aggregator")
		attrs = append(attrs,
			logx.String("aggregator.window", newCfg.Aggregator.Window),
			logx.String("aggregator.flush_schedule", newCfg.Aggregator.FlushSchedule),
			logx.String("aggregator.pending_max_age", newCfg.Aggregator.PendingMaxAge),
		)
	}

	if oldCfg.Subscriptions != newCfg.Subscriptions {
		changed = append(changed, "subscriptions")
		attrs = append(attrs,
			logx.Int("subscriptions.max_per_user", newCfg.Subscriptions.MaxPerUser),
			logx.Int("subscriptions.max_depth", newCfg.Subscriptions.MaxDepth),
		)
	}

	if oldCfg.Dispatch != newCfg.Dispatch {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Int("dispatch.workers", newCfg.Dispatch.Workers),
			logx.Int("dispatch.queue_size", newCfg.Dispatch.QueueSize),
			logx.String("dispatch.chat_timeout", newCfg.Dispatch.Chat.Timeout),
			logx.String("dispatch.push_timeout", newCfg.Dispatch.Push.Timeout),
			logx.String("dispatch.email_timeout", newCfg.Dispatch.Email.Timeout),
		)
	}

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Enabled != nt.Enabled || ot.Token != nt.Token || ot.PollTimeout != nt.PollTimeout || ot.APIURL != nt.APIURL {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.enabled", nt.Enabled),
			logx.Bool("telegram.token_set", set(nt.Token)),
			logx.String("telegram.poll_timeout", nt.PollTimeout),
		)
	}

	if oldCfg.Push != newCfg.Push {
		changed = append(changed, "push")
		attrs = append(attrs,
			logx.Bool("push.vapid_enabled", newCfg.Push.VAPID.Enabled),
			logx.Bool("push.vapid_key_set", set(newCfg.Push.VAPID.PrivateKey)),
			logx.Bool("push.fcm_enabled", newCfg.Push.FCM.Enabled),
			logx.Bool("push.fcm_credentials_set", set(newCfg.Push.FCM.CredentialsFile)),
		)
	}

	if oldCfg.Email != newCfg.Email {
		changed = append(changed, "email")
		attrs = append(attrs,
			logx.Bool("email.enabled", newCfg.Email.Enabled),
			logx.String("email.host", newCfg.Email.Host),
			logx.Int("email.port", newCfg.Email.Port),
			logx.Bool("email.password_set", set(newCfg.Email.Password)),
		)
	}

	if strings.TrimSpace(oldCfg.FrontendHost) != strings.TrimSpace(newCfg.FrontendHost) {
		changed = append(changed, "frontend_host")
		attrs = append(attrs, logx.String("frontend_host", strings.TrimSpace(newCfg.FrontendHost)))
	}

	if oldCfg.Observability != newCfg.Observability {
		changed = append(changed, "observability")
		attrs = append(attrs,
			logx.Bool("observability.enabled", newCfg.Observability.Enabled),
			logx.String("observability.addr", newCfg.Observability.Addr),
			logx.Bool("observability.pprof", newCfg.Observability.Pprof),
			logx.Bool("observability.token_set", set(newCfg.Observability.Token)),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired lists changed sections that only take effect on restart.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "storage", "telegram", "push", "email", "observability":
			out = append(out, s)
		}
	}
	return out
}
