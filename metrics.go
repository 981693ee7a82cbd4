package threadsync

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the engine's Prometheus collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	sends          *prometheus.CounterVec
	realtimeEvents *prometheus.CounterVec
	dropped        prometheus.Counter
	reconnects     prometheus.Counter
	restErrors     *prometheus.CounterVec
	unread         prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on reg when it is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "threadsync",
			Name:      "sends_total",
			Help:      "Optimistic sends by outcome.",
		}, []string{"outcome"}),
		realtimeEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "threadsync",
			Name:      "realtime_events_total",
			Help:      "Inbound realtime events applied, by type.",
		}, []string{"type"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "threadsync",
			Name:      "realtime_dropped_total",
			Help:      "Inbound realtime events dropped as malformed or unknown.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "threadsync",
			Name:      "reconnects_total",
			Help:      "Realtime reconnect attempts.",
		}),
		restErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "threadsync",
			Name:      "rest_errors_total",
			Help:      "Failed engine operations, by operation.",
		}, []string{"op"}),
		unread: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "threadsync",
			Name:      "unread_total",
			Help:      "Unread messages across all threads at the last state computation.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.sends, m.realtimeEvents, m.dropped, m.reconnects, m.restErrors, m.unread)
	}
	return m
}

func (m *Metrics) send(outcome DeliveryState) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(string(outcome)).Inc()
}

func (m *Metrics) event(eventType string) {
	if m == nil {
		return
	}
	m.realtimeEvents.WithLabelValues(eventType).Inc()
}

func (m *Metrics) drop() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}

func (m *Metrics) reconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) restError(op string) {
	if m == nil {
		return
	}
	m.restErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) setUnread(n int) {
	if m == nil {
		return
	}
	m.unread.Set(float64(n))
}
