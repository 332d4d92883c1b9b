package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Validate checks cross-field rules and every duration string. It does not
// fill defaults; components normalize their own zero values.
func (c *Config) Validate() error {
	var errs []error
	dur := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "memory", "mem":
	case "sqlite", "sqlite3":
		if strings.TrimSpace(c.Storage.Path) == "" {
			errs = append(errs, errors.New("storage.path: required for sqlite"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	dur("storage.busy_timeout", c.Storage.BusyTimeout)

	dur("scheduler.tick_timeout", c.Scheduler.TickTimeout)
	dur("scheduler.claim_lease", c.Scheduler.ClaimLease)
	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
		}
	}
	if c.Scheduler.BatchSize < 0 || c.Scheduler.Workers < 0 {
		errs = append(errs, errors.New("scheduler: batch_size and workers must be >= 0"))
	}

	dur("aggregator.window", c.Aggregator.Window)
	dur("aggregator.flush_timeout", c.Aggregator.FlushTimeout)
	dur("aggregator.pending_max_age", c.Aggregator.PendingMaxAge)

	if c.Subscriptions.MaxPerUser < 0 || c.Subscriptions.MaxDepth < 0 {
		errs = append(errs, errors.New("subscriptions: max_per_user and max_depth must be >= 0"))
	}

	for name, ch := range map[string]ChannelConfig{"chat": c.Dispatch.Chat, "push": c.Dispatch.Push, "email": c.Dispatch.Email} {
		dur("dispatch."+name+".timeout", ch.Timeout)
		if ch.RatePerSec < 0 || ch.Burst < 0 {
			errs = append(errs, fmt.Errorf("dispatch.%s: rate_per_sec and burst must be >= 0", name))
		}
	}

	if c.Telegram.Enabled && strings.TrimSpace(c.Telegram.Token) == "" {
		errs = append(errs, errors.New("telegram.token: required when telegram is enabled"))
	}
	dur("telegram.poll_timeout", c.Telegram.PollTimeout)

	if v := c.Push.VAPID; v.Enabled {
		if v.PublicKey == "" || v.PrivateKey == "" {
			errs = append(errs, errors.New("push.vapid: public_key and private_key are required"))
		}
		if strings.TrimSpace(v.Subscriber) == "" {
			errs = append(errs, errors.New("push.vapid.subscriber: required"))
		}
	}
	dur("push.vapid.ttl", c.Push.VAPID.TTL)

	if e := c.Email; e.Enabled {
		if strings.TrimSpace(e.Host) == "" || strings.TrimSpace(e.From) == "" {
			errs = append(errs, errors.New("email: host and from are required"))
		}
		switch strings.ToLower(e.TLS) {
		case "", "starttls", "tls", "none":
		default:
			errs = append(errs, fmt.Errorf("email.tls: unknown mode %q", e.TLS))
		}
	}
	dur("email.timeout", c.Email.Timeout)

	if o := c.Observability; o.Enabled {
		addr := strings.TrimSpace(o.Addr)
		if addr != "" && !isLoopbackAddr(addr) && o.Token == "" && !o.AllowInsecure {
			errs = append(errs, fmt.Errorf("observability.addr %q is not loopback: set a token or allow_insecure", addr))
		}
	}
	dur("observability.read_timeout", c.Observability.ReadTimeout)
	dur("observability.write_timeout", c.Observability.WriteTimeout)
	dur("observability.idle_timeout", c.Observability.IdleTimeout)

	return errors.Join(errs...)
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
