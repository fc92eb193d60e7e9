// Package telemetryhttp exposes the agent's local operator surface:
// health, readiness, metrics, and a JSON state snapshot.
package telemetryhttp

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"ecowatt/agent"
	"ecowatt/telemetry/health"
)

// Options configures the router.
type Options struct {
	Agent         *agent.Agent
	IncludeProbes bool
}

type healthResponse struct {
	Overall   health.Status        `json:"overall"`
	Probes    []health.ProbeResult `json:"probes,omitempty"`
	Generated time.Time            `json:"generated"`
	TTL       time.Duration        `json:"ttl"`
	Ready     *bool                `json:"ready,omitempty"`
}

// NewRouter builds the chi router bound by the CLI when telemetry_listen is
// configured.
func NewRouter(opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", healthHandler(opts, false))
	r.Get("/readyz", healthHandler(opts, true))
	r.Get("/snapshot", func(w http.ResponseWriter, req *http.Request) {
		if opts.Agent == nil {
			http.Error(w, "agent nil", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(opts.Agent.Snapshot())
	})
	if opts.Agent != nil {
		if mh := opts.Agent.MetricsHandler(); mh != nil {
			r.Handle("/metrics", mh)
		}
	}
	return r
}

func healthHandler(opts Options, readiness bool) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if opts.Agent == nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "agent nil"})
			return
		}
		snap := opts.Agent.HealthSnapshot(req.Context())
		resp := healthResponse{Overall: snap.Overall, Generated: snap.Generated, TTL: snap.TTL}
		if opts.IncludeProbes {
			resp.Probes = snap.Probes
		}
		w.Header().Set("Content-Type", "application/json")
		if readiness {
			ready := snap.Overall == health.StatusHealthy || snap.Overall == health.StatusDegraded
			resp.Ready = &ready
			if !ready {
				w.WriteHeader(http.StatusServiceUnavailable)
			}
		}
		_ = json.NewEncoder(w).Encode(resp)
	}
}
