// Package metrics exports delivery pipeline counters to Prometheus. Counters
// are fed from the event bus so producers stay unaware of exporting.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"omninotify/internal/eventbus"
)

const namespace = "notifyd"

type Metrics struct {
	reg *prometheus.Registry

	dispatch   *prometheus.CounterVec
	sendTime   *prometheus.HistogramVec
	reminders  *prometheus.CounterVec
	changes    *prometheus.CounterVec
	flushed    prometheus.Counter
	reloads    prometheus.Counter
	lastReload prometheus.Gauge
}

// New builds a private registry with Go and process collectors.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		dispatch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_total",
			Help:      "Channel send attempts by channel, payload kind and result.",
		}, []string{"channel", "kind", "result"}),
		sendTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Duration of channel sends, including rate-limit waits.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15},
		}, []string{"channel"}),
		reminders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reminders_total",
			Help:      "Due reminders by outcome (fired, deferred, retry).",
		}, []string{"outcome"}),
		changes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "changes_total",
			Help:      "Matched change notifications by route (immediate, queued).",
		}, []string{"route"}),
		flushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flush_delivered_total",
			Help:      "Pending groups delivered by the aggregation flush.",
		}),
		reloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_reloads_total",
			Help:      "Applied configuration reloads.",
		}),
		lastReload: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "config_last_reload_timestamp_seconds",
			Help:      "Unix time of the last applied configuration reload.",
		}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.dispatch, m.sendTime, m.reminders, m.changes, m.flushed, m.reloads, m.lastReload,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Gauge registers a gauge sampled from fn at scrape time.
func (m *Metrics) Gauge(name, help string, fn func() float64) {
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// Observe applies one bus event.
func (m *Metrics) Observe(e eventbus.Event) {
	switch e.Type {
	case eventbus.TopicDispatchSent, eventbus.TopicDispatchFailed:
		d, ok := e.Data.(eventbus.Delivery)
		if !ok {
			return
		}
		result := "ok"
		if e.Type == eventbus.TopicDispatchFailed {
			result = "error"
		}
		m.dispatch.WithLabelValues(d.Channel, d.Kind, result).Inc()
		m.sendTime.WithLabelValues(d.Channel).Observe(d.Took.Seconds())
	case eventbus.TopicReminderFired:
		m.reminders.WithLabelValues("fired").Inc()
	case eventbus.TopicReminderDefer:
		m.reminders.WithLabelValues("deferred").Inc()
	case eventbus.TopicReminderRetry:
		m.reminders.WithLabelValues("retry").Inc()
	case eventbus.TopicChangeImmediate:
		m.changes.WithLabelValues("immediate").Inc()
	case eventbus.TopicChangeQueued:
		m.changes.WithLabelValues("queued").Inc()
	case eventbus.TopicFlushDelivered:
		m.flushed.Inc()
	case eventbus.TopicConfigReloaded:
		m.reloads.Inc()
		m.lastReload.Set(float64(e.Time.Unix()))
	}
}

// Run consumes bus events until ctx is done. Call it at most once.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(1024)
	defer unsub()
	m.Gauge("bus_dropped_events", "Events lost by slow bus subscribers.", func() float64 {
		return float64(eventbus.Dropped(bus))
	})
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			m.Observe(e)
		}
	}
}
