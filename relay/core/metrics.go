package core

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the relay's operational counters on a private
// registry so the default registry stays untouched.
type Metrics struct {
	registry *prometheus.Registry

	ActiveConnections   prometheus.Gauge
	ActiveSubscriptions prometheus.Gauge
	EventsPublished     prometheus.Counter
	DuplicateEvents     prometheus.Counter
	FramesSent          prometheus.Counter
	SendFailures        prometheus.Counter
	ReplayQueries       prometheus.Counter
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "strand",
			Subsystem: "relay",
			Name:      "active_connections",
			Help:      "Currently open websocket connections",
		}),
		ActiveSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "strand",
			Subsystem: "relay",
			Name:      "active_subscriptions",
			Help:      "Currently registered subscriptions across all connections",
		}),
		EventsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "strand",
			Subsystem: "relay",
			Name:      "events_published_total",
			Help:      "Events accepted and handed to the publish transport",
		}),
		DuplicateEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "strand",
			Subsystem: "relay",
			Name:      "duplicate_events_total",
			Help:      "Publishes rejected because the event id was already known",
		}),
		FramesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "strand",
			Subsystem: "relay",
			Name:      "frames_sent_total",
			Help:      "Outbound event frames queued for delivery",
		}),
		SendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "strand",
			Subsystem: "relay",
			Name:      "send_failures_total",
			Help:      "Outbound event frames that could not be queued",
		}),
		ReplayQueries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "strand",
			Subsystem: "relay",
			Name:      "replay_queries_total",
			Help:      "Historical store queries issued for subscription replay",
		}),
	}
	m.registry.MustRegister(
		m.ActiveConnections,
		m.ActiveSubscriptions,
		m.EventsPublished,
		m.DuplicateEvents,
		m.FramesSent,
		m.SendFailures,
		m.ReplayQueries,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
