package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"omninotify/internal/eventbus"
)

// value returns the counter or gauge value of name whose labels include
// every pair in labels.
func value(t *testing.T, m *Metrics, name string, labels map[string]string) float64 {
	t.Helper()
	fams, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, f := range fams {
		if f.GetName() != name {
			continue
		}
	metric:
		for _, mt := range f.GetMetric() {
			got := map[string]string{}
			for _, lp := range mt.GetLabel() {
				got[lp.GetName()] = lp.GetValue()
			}
			for k, v := range labels {
				if got[k] != v {
					continue metric
				}
			}
			if c := mt.GetCounter(); c != nil {
				return c.GetValue()
			}
			return mt.GetGauge().GetValue()
		}
	}
	return 0
}

func TestObserveCounts(t *testing.T) {
	t.Parallel()
	m := New()
	m.Observe(eventbus.Event{Type: eventbus.TopicDispatchSent, Data: eventbus.Delivery{Channel: "chat", Kind: "reminder", Took: 20 * time.Millisecond}})
	m.Observe(eventbus.Event{Type: eventbus.TopicDispatchFailed, Data: eventbus.Delivery{Channel: "push", Kind: "change", Err: "gone"}})
	m.Observe(eventbus.Event{Type: eventbus.TopicReminderFired})
	m.Observe(eventbus.Event{Type: eventbus.TopicReminderFired})
	m.Observe(eventbus.Event{Type: eventbus.TopicChangeQueued})
	m.Observe(eventbus.Event{Type: eventbus.TopicConfigReloaded, Time: time.Unix(1700000000, 0)})
	m.Observe(eventbus.Event{Type: "unrelated"})

	checks := []struct {
		name   string
		labels map[string]string
		want   float64
	}{
		{"notifyd_dispatch_total", map[string]string{"channel": "chat", "kind": "reminder", "result": "ok"}, 1},
		{"notifyd_dispatch_total", map[string]string{"channel": "push", "result": "error"}, 1},
		{"notifyd_reminders_total", map[string]string{"outcome": "fired"}, 2},
		{"notifyd_changes_total", map[string]string{"route": "queued"}, 1},
		{"notifyd_config_reloads_total", nil, 1},
		{"notifyd_config_last_reload_timestamp_seconds", nil, 1700000000},
	}
	for _, c := range checks {
		if got := value(t, m, c.name, c.labels); got != c.want {
			t.Fatalf("%s%v = %v, want %v", c.name, c.labels, got, c.want)
		}
	}
}

func TestRunAndHandler(t *testing.T) {
	t.Parallel()
	m := New()
	bus := eventbus.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Run(ctx, bus)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for value(t, m, "notifyd_flush_delivered_total", nil) < 1 && time.Now().Before(deadline) {
		bus.Publish(eventbus.Event{Type: eventbus.TopicFlushDelivered})
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done
	if value(t, m, "notifyd_flush_delivered_total", nil) < 1 {
		t.Fatal("flush event not observed")
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{"notifyd_flush_delivered_total", "notifyd_bus_dropped_events", "go_goroutines"} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics output missing %s", want)
		}
	}
}
