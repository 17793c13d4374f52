package authapi

import (
	"context"
	"log/slog"
	"net"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts auth API outcomes. A nil *Metrics is a no-op.
type Metrics struct {
	events *prometheus.CounterVec
}

// NewMetrics creates the auth instruments and registers them on reg when non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "auth",
			Name:      "events_total",
			Help:      "Auth API events by action.",
		}, []string{"action"}),
	}
	if reg != nil {
		reg.MustRegister(m.events)
	}
	return m
}

func (m *Metrics) inc(action string) {
	if m != nil {
		m.events.WithLabelValues(action).Inc()
	}
}

// audit records a security-relevant event as a structured log line. Tokens and
// passwords are never passed here.
func (h *Handler) audit(ctx context.Context, action string, ip net.IP, ua string, attrs ...slog.Attr) {
	h.metrics.inc(action)

	base := []slog.Attr{slog.String("action", action)}
	if ip != nil {
		base = append(base, slog.String("ip", ip.String()))
	}
	if ua != "" {
		base = append(base, slog.String("user_agent", ua))
	}
	h.log.LogAttrs(ctx, slog.LevelInfo, "auth.audit", append(base, attrs...)...)
}
