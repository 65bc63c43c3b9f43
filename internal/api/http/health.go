package http

import (
	"net/http"
	"time"

	"github.com/kalendr/kalendr/internal/api/respond"
)

// Reporter exposes the aggregated dependency health flag.
type Reporter interface {
	IsHealthy() bool
	Components() map[string]bool
}

// HealthHandler reports service liveness and dependency health.
type HealthHandler struct {
	reporter Reporter // nil means no dependency monitoring
	started  time.Time
}

func NewHealthHandler(reporter Reporter) *HealthHandler {
	return &HealthHandler{reporter: reporter, started: time.Now().UTC()}
}

// Check handles GET /api/health. A degraded dependency turns the response
// into a 503 so load balancers can rotate the instance out.
func (h *HealthHandler) Check(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK
	body := map[string]interface{}{
		"service": "kalendrd",
		"uptime":  time.Since(h.started).Round(time.Second).String(),
		"time":    time.Now().UTC().Format(time.RFC3339),
	}

	if h.reporter != nil {
		body["components"] = h.reporter.Components()
		if !h.reporter.IsHealthy() {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	body["status"] = status
	respond.WriteJSON(w, code, body)
}
