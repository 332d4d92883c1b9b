package config

// Config is the notifyd configuration file. All durations are Go duration
// strings (e.g. "500ms", "10s", "1m"); empty means the component default.
type Config struct {
	Logging       LoggingConfig       `json:"logging"`
	Storage       StorageConfig       `json:"storage"`
	Scheduler     SchedulerConfig     `json:"scheduler"`
	Aggregator    AggregatorConfig    `json:"aggregator"`
	Subscriptions SubscriptionsConfig `json:"subscriptions"`
	Dispatch      DispatchConfig      `json:"dispatch"`
	Telegram      TelegramConfig      `json:"telegram"`
	Push          PushConfig          `json:"push"`
	Email         EmailConfig         `json:"email"`

	// FrontendHost prefixes node links, e.g. "https://notes.example.com".
	FrontendHost string `json:"frontend_host"`

	Observability ObservabilityConfig `json:"observability,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./notifyd.db" }
type StorageConfig struct {
	Driver      string `json:"driver"` // "memory" (default) | "sqlite"
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// SchedulerConfig controls the reminder tick.
type SchedulerConfig struct {
	// TickSchedule is a cron spec or interval (default "@every 30s").
	TickSchedule string `json:"tick_schedule"`
	TickTimeout  string `json:"tick_timeout,omitempty"`
	BatchSize    int    `json:"batch_size,omitempty"`
	Workers      int    `json:"workers,omitempty"`
	ClaimLease   string `json:"claim_lease,omitempty"`
	// Timezone cron expressions are evaluated in.
	Timezone string `json:"timezone,omitempty"`
}

type AggregatorConfig struct {
	// Window is the minimum spacing of immediate change notifications per
	// subscription (default "60s").
	Window        string `json:"window"`
	FlushSchedule string `json:"flush_schedule"` // default "@every 1m"
	FlushTimeout  string `json:"flush_timeout,omitempty"`
	PendingMaxAge string `json:"pending_max_age,omitempty"` // default "24h"
	CASRetries    int    `json:"cas_retries,omitempty"`
	FlushWorkers  int    `json:"flush_workers,omitempty"`
}

type SubscriptionsConfig struct {
	MaxPerUser int `json:"max_per_user,omitempty"` // default 100
	MaxDepth   int `json:"max_depth,omitempty"`    // 0 = no cap
}

// DispatchConfig bounds outbound delivery.
type DispatchConfig struct {
	// Workers and QueueSize size the async queue of immediate change
	// notifications.
	Workers   int           `json:"workers,omitempty"`
	QueueSize int           `json:"queue_size,omitempty"`
	Chat      ChannelConfig `json:"chat"`
	Push      ChannelConfig `json:"push"`
	Email     ChannelConfig `json:"email"`
}

type ChannelConfig struct {
	Timeout    string  `json:"timeout,omitempty"`
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`
}

type TelegramConfig struct {
	Enabled bool `json:"enabled"`
	// Token is usually supplied via NOTIFYD_TELEGRAM_TOKEN.
	Token string `json:"token,omitempty"`
	// PollTimeout is the long-poll timeout for button callbacks.
	PollTimeout string `json:"poll_timeout,omitempty"`
	// APIURL overrides the Bot API endpoint (testing, local bot API server).
	APIURL string `json:"api_url,omitempty"`
}

type PushConfig struct {
	VAPID VAPIDConfig `json:"vapid"`
	FCM   FCMConfig   `json:"fcm"`
}

type VAPIDConfig struct {
	Enabled    bool   `json:"enabled"`
	PublicKey  string `json:"public_key,omitempty"`
	PrivateKey string `json:"private_key,omitempty"`
	// Subscriber is the contact (mailto: or URL) sent to push services.
	Subscriber string `json:"subscriber,omitempty"`
	TTL        string `json:"ttl,omitempty"`
}

type FCMConfig struct {
	Enabled         bool   `json:"enabled"`
	ProjectID       string `json:"project_id,omitempty"`
	CredentialsFile string `json:"credentials_file,omitempty"`
}

type EmailConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	From     string `json:"from,omitempty"`
	// TLS is "starttls" (default), "tls" or "none".
	TLS     string `json:"tls,omitempty"`
	Timeout string `json:"timeout,omitempty"`
}

// ObservabilityConfig controls the optional HTTP listener for /metrics and
// /debug/pprof/.
//
// Prefer binding to localhost. A non-loopback address needs a token or an
// explicit allow_insecure.
type ObservabilityConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`         // default: "127.0.0.1:9310"
	MetricsPath   string `json:"metrics_path,omitempty"` // default: "/metrics"
	Pprof         bool   `json:"pprof,omitempty"`
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
