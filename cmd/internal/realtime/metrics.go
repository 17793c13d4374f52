package realtime

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds realtime instruments. A nil *Metrics is a no-op.
type Metrics struct {
	connections  prometheus.Gauge
	authFailures *prometheus.CounterVec
	deliveries   *prometheus.CounterVec
	closed       prometheus.Counter
}

// NewMetrics creates the realtime instruments and registers them on reg when non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay",
			Subsystem: "realtime",
			Name:      "connections",
			Help:      "Admitted WebSocket connections on this node.",
		}),
		authFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "realtime",
			Name:      "auth_failures_total",
			Help:      "Rejected connection attempts by reason.",
		}, []string{"reason"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "realtime",
			Name:      "deliveries_total",
			Help:      "Per-connection delivery outcomes: sent, dropped, muted, duplicate.",
		}, []string{"outcome"}),
		closed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "realtime",
			Name:      "revoked_connections_total",
			Help:      "Connections closed by session revocation.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.connections, m.authFailures, m.deliveries, m.closed)
	}
	return m
}

func (m *Metrics) connAdmitted() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) connReleased() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Metrics) authFailed(reason string) {
	if m != nil {
		m.authFailures.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) delivered(outcome string, n int) {
	if m != nil && n > 0 {
		m.deliveries.WithLabelValues(outcome).Add(float64(n))
	}
}

func (m *Metrics) revoked(n int) {
	if m != nil && n > 0 {
		m.closed.Add(float64(n))
	}
}
