package handlers

import (
	"net/http"
	"time"

	"github.com/onnwee/cinestream/backend/internal/dispatcher"
	"github.com/onnwee/cinestream/backend/internal/monitor"
)

// HealthChecks are the optional inputs to the health report.
type HealthChecks struct {
	Requests interface{ Stats() dispatcher.Stats }
	Monitor  interface{ LastSample() monitor.Sample }
	Started  time.Time
}

type healthResponse struct {
	Status  string `json:"status"`
	Uptime  string `json:"uptime,omitempty"`
	Breaker string `json:"breaker,omitempty"`
	Memory  string `json:"memory,omitempty"`
}

// Health reports liveness. The status is "degraded" while the upstream
// breaker is open or memory is critical; it still answers 200 because the
// process itself can serve cached responses.
func Health(checks HealthChecks) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Status: "ok"}
		if !checks.Started.IsZero() {
			resp.Uptime = time.Since(checks.Started).Round(time.Second).String()
		}
		if checks.Requests != nil {
			resp.Breaker = checks.Requests.Stats().Breaker
			if resp.Breaker == "open" {
				resp.Status = "degraded"
			}
		}
		if checks.Monitor != nil {
			s := checks.Monitor.LastSample()
			resp.Memory = string(s.Memory)
			if s.Memory == monitor.StatusPoor {
				resp.Status = "degraded"
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}
