// Package metrics exposes Prometheus collectors for the chat gateway.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "nexus_chat"

// Metrics groups the gateway collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	registry *prometheus.Registry

	Connections      prometheus.Gauge
	OnlineSubjects   prometheus.Gauge
	HandshakeRejects *prometheus.CounterVec
	Events           *prometheus.CounterVec
	MessagesSent     prometheus.Counter
	SendErrors       *prometheus.CounterVec
	DroppedDelivers  prometheus.Counter
	PersistLatency   prometheus.Histogram
}

// New registers the gateway collectors on a fresh registry, together with the
// Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Authenticated websocket connections currently open.",
		}),
		OnlineSubjects: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "online_subjects",
			Help:      "Subjects holding at least one connection.",
		}),
		HandshakeRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_rejects_total",
			Help:      "Websocket handshakes refused, by reason.",
		}, []string{"reason"}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_events_total",
			Help:      "Inbound protocol events, by event name.",
		}, []string{"event"}),
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Messages persisted and broadcast.",
		}),
		SendErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_errors_total",
			Help:      "Rejected sends, by reason.",
		}, []string{"reason"}),
		DroppedDelivers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_deliveries_total",
			Help:      "Outbound events dropped because a connection could not keep up.",
		}),
		PersistLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "persist_duration_seconds",
			Help:      "Time spent persisting a sent message.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Connections,
		m.OnlineSubjects,
		m.HandshakeRejects,
		m.Events,
		m.MessagesSent,
		m.SendErrors,
		m.DroppedDelivers,
		m.PersistLatency,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) SetPresence(connections, subjects int) {
	if m == nil {
		return
	}
	m.Connections.Set(float64(connections))
	m.OnlineSubjects.Set(float64(subjects))
}

func (m *Metrics) HandshakeRejected(reason string) {
	if m == nil {
		return
	}
	m.HandshakeRejects.WithLabelValues(reason).Inc()
}

func (m *Metrics) Event(name string) {
	if m == nil {
		return
	}
	m.Events.WithLabelValues(name).Inc()
}

func (m *Metrics) MessageSent(seconds float64) {
	if m == nil {
		return
	}
	m.MessagesSent.Inc()
	m.PersistLatency.Observe(seconds)
}

func (m *Metrics) SendFailed(reason string) {
	if m == nil {
		return
	}
	m.SendErrors.WithLabelValues(reason).Inc()
}

func (m *Metrics) Dropped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.DroppedDelivers.Add(float64(n))
}
