package observability

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Mount registers the health probes and the Prometheus endpoint on r.
func Mount(r chi.Router, hc *HealthChecker) {
	r.Get("/health", hc.HealthHandler())
	r.Get("/health/live", LivenessHandler())
	r.Get("/health/ready", hc.ReadinessHandler())
	r.Method(http.MethodGet, "/metrics", MetricsHandler())
}
