package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	connections   prometheus.Gauge
	subscriptions prometheus.Gauge
	events        *prometheus.CounterVec
	rejected      prometheus.Counter
	relayErrors   prometheus.Counter
}

// NewMetrics registers the gateway collectors with reg. A nil reg yields
// collectors that are tracked but never exported.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		connections: f.NewGauge(prometheus.GaugeOpts{
			Name: "miniblog_realtime_connections",
			Help: "Open websocket connections on this node.",
		}),
		subscriptions: f.NewGauge(prometheus.GaugeOpts{
			Name: "miniblog_realtime_subscriptions",
			Help: "Active channel subscriptions on this node.",
		}),
		events: f.NewCounterVec(prometheus.CounterOpts{
			Name: "miniblog_realtime_events_total",
			Help: "Events published, by event name.",
		}, []string{"event"}),
		rejected: f.NewCounter(prometheus.CounterOpts{
			Name: "miniblog_realtime_rejected_subscriptions_total",
			Help: "Subscription attempts refused by channel authorization.",
		}),
		relayErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "miniblog_realtime_relay_errors_total",
			Help: "Events that failed to reach the cross-node relay.",
		}),
	}
}

func (m *Metrics) connectionOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) connectionClosed(subscriptions int) {
	if m != nil {
		m.connections.Dec()
		m.subscriptions.Sub(float64(subscriptions))
	}
}

func (m *Metrics) subscriptionAdded() {
	if m != nil {
		m.subscriptions.Inc()
	}
}

func (m *Metrics) subscriptionsRemoved(n int) {
	if m != nil {
		m.subscriptions.Sub(float64(n))
	}
}

func (m *Metrics) eventPublished(name string) {
	if m != nil {
		m.events.WithLabelValues(name).Inc()
	}
}

func (m *Metrics) subscriptionRejected() {
	if m != nil {
		m.rejected.Inc()
	}
}

func (m *Metrics) relayFailed() {
	if m != nil {
		m.relayErrors.Inc()
	}
}
