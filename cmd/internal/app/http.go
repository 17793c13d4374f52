package app

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	authapi "relay/cmd/internal/auth/api"
	"relay/cmd/internal/realtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// readinessCheck is one readiness dependency.
type readinessCheck struct {
	name  string
	check func(ctx context.Context) error
}

type readinessResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func registerHTTP(
	mux *http.ServeMux,
	log Logger,
	reg *prometheus.Registry,
	checks []readinessCheck,
	ws *realtime.WSGateway,
	auth *authapi.Handler,
) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.Handle("/readyz", readinessHandler(log, checks))

	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	if auth != nil {
		auth.Register(mux)
	}

	if ws != nil {
		mux.HandleFunc("/ws", ws.HandleWS)
	}
}

// readinessHandler runs every check concurrently. Any failure, including an
// RPC timeout, reports 503 rather than failing the process.
func readinessHandler(log Logger, checks []readinessCheck) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res := readinessResponse{Status: "ok", Checks: make(map[string]string, len(checks))}

		var (
			mu sync.Mutex
			wg sync.WaitGroup
		)
		for _, p := range checks {
			wg.Add(1)
			go func() {
				defer wg.Done()
				status := "ok"
				if err := p.check(r.Context()); err != nil {
					status = "unhealthy"
					log.Info("readyz.not_ready", "dependency", p.name, "err", err)
				}
				mu.Lock()
				res.Checks[p.name] = status
				if status != "ok" {
					res.Status = "unhealthy"
				}
				mu.Unlock()
			}()
		}
		wg.Wait()

		code := http.StatusOK
		if res.Status != "ok" {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(res)
	})
}
