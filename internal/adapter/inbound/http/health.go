package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"

	"github.com/accessguard/accessguard/internal/service"
)

// HealthResponse is the JSON response from the /health endpoint.
type HealthResponse struct {
	Status  string            `json:"status"` // "healthy" or "unhealthy"
	Checks  map[string]string `json:"checks"`
	Version string            `json:"version,omitempty"`
}

// HealthChecker reports the reachability of every external dependency the
// gateway composes, via IntegrationFacade.HealthCheck (R).
type HealthChecker struct {
	facade  *service.IntegrationFacade
	version string
}

// NewHealthChecker creates a HealthChecker wrapping the composition root.
func NewHealthChecker(facade *service.IntegrationFacade, version string) *HealthChecker {
	return &HealthChecker{facade: facade, version: version}
}

// Check performs health checks on all components.
func (h *HealthChecker) Check(ctx context.Context) HealthResponse {
	checks := make(map[string]string)
	healthy := true

	for name, err := range h.facade.HealthCheck(ctx) {
		if err != nil {
			checks[name] = fmt.Sprintf("error: %v", err)
			healthy = false
		} else {
			checks[name] = "ok"
		}
	}

	checks["goroutines"] = fmt.Sprintf("%d", runtime.NumGoroutine())

	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}

	return HealthResponse{
		Status:  status,
		Checks:  checks,
		Version: h.version,
	}
}

// Handler returns an HTTP handler for the health endpoint.
func (h *HealthChecker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := h.Check(r.Context())

		w.Header().Set("Content-Type", "application/json")
		if health.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}

		_ = json.NewEncoder(w).Encode(health)
	})
}
