package config

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

func newManager(path string) *ConfigManager {
	m := NewConfigManager(path)
	m.SetEnvOverlay(nil)
	return m
}

const sampleYAML = `
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: ./notifyd.db
scheduler:
  tick_schedule: "@every 30s"
  workers: 4
aggregator:
  window: 90s
dispatch:
  chat:
    timeout: 5s
    rate_per_sec: 20
frontend_host: https://notes.example
`

func TestParseYAMLAndJSON(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	cfg, err := newManager(writeFile(t, dir, "notifyd.yaml", sampleYAML)).Parse()
	if err != nil {
		t.Fatalf("yaml: %v", err)
	}
	if cfg.Logging.Level != "debug" || cfg.Storage.Driver != "sqlite" || cfg.Scheduler.Workers != 4 ||
		cfg.Aggregator.Window != "90s" || cfg.Dispatch.Chat.RatePerSec != 20 || cfg.FrontendHost != "https://notes.example" {
		t.Fatalf("yaml decoded: %+v", cfg)
	}

	js := `{"storage":{"driver":"memory"},"subscriptions":{"max_per_user":5}}`
	cfg, err = newManager(writeFile(t, dir, "notifyd.json", js)).Parse()
	if err != nil {
		t.Fatalf("json: %v", err)
	}
	if cfg.Subscriptions.MaxPerUser != 5 {
		t.Fatalf("json decoded: %+v", cfg.Subscriptions)
	}

	if _, err := newManager(writeFile(t, dir, "empty.yml", "")).Parse(); err != nil {
		t.Fatalf("empty yaml: %v", err)
	}
}

func TestParseRejects(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cases := map[string]string{
		"unknown.json":  `{"storage":{"driver":"memory"},"plugins":{}}`,
		"trailing.json": `{} {}`,
		"driver.json":   `{"storage":{"driver":"redis"}}`,
		"nopath.json":   `{"storage":{"driver":"sqlite"}}`,
		"dur.json":      `{"aggregator":{"window":"soon"}}`,
		"tz.json":       `{"scheduler":{"timezone":"Mars/Olympus"}}`,
		"tg.json":       `{"telegram":{"enabled":true}}`,
		"obs.json":      `{"observability":{"enabled":true,"addr":"0.0.0.0:9310"}}`,
		"unknown.yaml":  "storage:\n  driver: memory\n  colour: blue\n",
	}
	for name, body := range cases {
		if _, err := newManager(writeFile(t, dir, name, body)).Parse(); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
	ok := `{"observability":{"enabled":true,"addr":"127.0.0.1:9310"}}`
	if _, err := newManager(writeFile(t, dir, "obs_ok.json", ok)).Parse(); err != nil {
		t.Fatalf("loopback observability: %v", err)
	}
}

func TestApplyEnvOverridesSecrets(t *testing.T) {
	t.Setenv("NOTIFYD_TELEGRAM_TOKEN", "123:abc")
	t.Setenv("NOTIFYD_SMTP_PASSWORD", "hunter2")
	t.Setenv("NOTIFYD_LOG_LEVEL", "")

	p := writeFile(t, t.TempDir(), "c.json", `{"telegram":{"enabled":true},"logging":{"level":"warn"}}`)
	cfg, err := NewConfigManager(p).Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" || cfg.Email.Password != "hunter2" || cfg.Logging.Level != "warn" {
		t.Fatalf("env overlay: %+v", cfg)
	}
}

func TestSummarizeConfigChangeHidesSecrets(t *testing.T) {
	t.Parallel()
	old := &Config{Telegram: TelegramConfig{Enabled: true, Token: "old-secret"}}
	next := &Config{Telegram: TelegramConfig{Enabled: true, Token: "new-secret"}, Aggregator: AggregatorConfig{Window: "2m"}}

	changed, attrs := SummarizeConfigChange(old, next)
	if !slices.Equal(changed, []string{"aggregator", "telegram"}) {
		t.Fatalf("changed: %v", changed)
	}
	if len(attrs) == 0 {
		t.Fatal("no attrs")
	}
	if got := RestartRequired(changed); !slices.Equal(got, []string{"telegram"}) {
		t.Fatalf("restart: %v", got)
	}
	if c, _ := SummarizeConfigChange(next, next); len(c) != 0 {
		t.Fatalf("no-op diff: %v", c)
	}
}

func TestWatchPublishesValidReloads(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p := writeFile(t, dir, "notifyd.json", `{"aggregator":{"window":"60s"}}`)
	m := newManager(p)
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	m.SetValidator(func(_ context.Context, c *Config) error {
		if strings.HasPrefix(c.FrontendHost, "ftp:") {
			return os.ErrInvalid
		}
		return nil
	})
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()
	// give the watcher time to register
	time.Sleep(200 * time.Millisecond)

	writeFile(t, dir, "notifyd.json", `{"aggregator":{"window":"not a duration"}}`)
	writeFile(t, dir, "notifyd.json", `{"frontend_host":"ftp://x"}`)
	time.Sleep(600 * time.Millisecond)
	select {
	case c := <-ch:
		t.Fatalf("invalid config published: %+v", c)
	default:
	}

	writeFile(t, dir, "notifyd.json", `{"aggregator":{"window":"2m"}}`)
	select {
	case c := <-ch:
		if c.Aggregator.Window != "2m" || m.Get().Aggregator.Window != "2m" {
			t.Fatalf("reloaded: %+v", c.Aggregator)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("reload not published")
	}

	cancel()
	<-done
}
