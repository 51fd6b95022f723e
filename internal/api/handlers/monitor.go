package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/onnwee/cinestream/backend/internal/apierr"
	"github.com/onnwee/cinestream/backend/internal/logger"
	"github.com/onnwee/cinestream/backend/internal/middleware"
	"github.com/onnwee/cinestream/backend/internal/monitor"
)

// ResourceMonitor is the monitor surface exposed over HTTP.
type ResourceMonitor interface {
	LastSample() monitor.Sample
	GetOptimizationRecommendations() []monitor.Recommendation
	RunRecommendation(typ string) bool
}

// FrameReporter accepts frame-rate reports from clients.
type FrameReporter interface {
	Record(fps float64) bool
}

// MonitorHandler exposes resource status and remediations.
type MonitorHandler struct {
	mon    ResourceMonitor
	frames FrameReporter // may be nil
}

// NewMonitorHandler creates a monitor handler.
func NewMonitorHandler(mon ResourceMonitor, frames FrameReporter) *MonitorHandler {
	return &MonitorHandler{mon: mon, frames: frames}
}

type monitorResponse struct {
	Sample          monitor.Sample           `json:"sample"`
	Recommendations []monitor.Recommendation `json:"recommendations"`
}

// GetStatus returns the latest sample and the current recommendations.
// GET /api/monitor
func (h *MonitorHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, monitorResponse{
		Sample:          h.mon.LastSample(),
		Recommendations: h.mon.GetOptimizationRecommendations(),
	})
}

// RunRecommendation invokes one recommendation's action.
// POST /api/monitor/recommendations/{type}
func (h *MonitorHandler) RunRecommendation(w http.ResponseWriter, r *http.Request) {
	typ := mux.Vars(r)["type"]
	if !h.mon.RunRecommendation(typ) {
		apierr.WriteErrorWithContext(w, r, apierr.ResourceNotFound("recommendation"))
		return
	}
	logger.InfoContext(r.Context(), "recommendation applied", "type", typ)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "type": typ})
}

type frameReport struct {
	FPS float64 `json:"fps"`
}

// ReportFrames records the frame rate a client measured.
// POST /api/monitor/frames
func (h *MonitorHandler) ReportFrames(w http.ResponseWriter, r *http.Request) {
	if h.frames == nil {
		apierr.WriteErrorWithContext(w, r, apierr.SystemUnavailable("Frame reporting is disabled"))
		return
	}
	var req frameReport
	if apiErr := middleware.DecodeJSON(r, &req); apiErr != nil {
		apierr.WriteErrorWithContext(w, r, apiErr)
		return
	}
	if req.FPS > 1000 || !h.frames.Record(req.FPS) {
		apierr.WriteErrorWithContext(w, r, apierr.ValidationInvalidValue("fps", "fps must be between 0 and 1000"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
