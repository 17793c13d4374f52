package rpc

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds RPC client and server instruments. A nil *Metrics is a no-op.
type Metrics struct {
	calls       *prometheus.CounterVec
	callSeconds *prometheus.HistogramVec
	pending     prometheus.Gauge
	lateReplies prometheus.Counter
	served      *prometheus.CounterVec
}

// NewMetrics creates the RPC instruments and registers them on reg when non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "rpc",
			Name:      "client_calls_total",
			Help:      "RPC calls by target, operation and outcome.",
		}, []string{"target", "operation", "outcome"}),
		callSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "relay",
			Subsystem: "rpc",
			Name:      "client_call_seconds",
			Help:      "RPC call latency until reply, timeout or cancellation.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"target", "operation"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay",
			Subsystem: "rpc",
			Name:      "client_pending",
			Help:      "Outstanding RPC calls in this process.",
		}),
		lateReplies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "rpc",
			Name:      "late_replies_total",
			Help:      "Replies received after their call had already resolved.",
		}),
		served: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "rpc",
			Name:      "server_requests_total",
			Help:      "Requests handled by service, operation and outcome.",
		}, []string{"service", "operation", "outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.calls, m.callSeconds, m.pending, m.lateReplies, m.served)
	}
	return m
}

func (m *Metrics) observeCall(target, op, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(target, op, outcome).Inc()
	m.callSeconds.WithLabelValues(target, op).Observe(d.Seconds())
}

func (m *Metrics) pendingAdd(n float64) {
	if m == nil {
		return
	}
	m.pending.Add(n)
}

func (m *Metrics) lateReply() {
	if m == nil {
		return
	}
	m.lateReplies.Inc()
}

func (m *Metrics) observeServed(service, op, outcome string) {
	if m == nil {
		return
	}
	m.served.WithLabelValues(service, op, outcome).Inc()
}
