package handlers

import (
	"net/http"

	"github.com/onnwee/cinestream/backend/internal/adaptive"
	"github.com/onnwee/cinestream/backend/internal/apierr"
	"github.com/onnwee/cinestream/backend/internal/dispatcher"
	"github.com/onnwee/cinestream/backend/internal/logger"
	"github.com/onnwee/cinestream/backend/internal/middleware"
)

// StrategyController is the adaptive controller surface exposed over HTTP.
type StrategyController interface {
	State() adaptive.State
	ForceStrategy(s adaptive.Strategy, reason string)
}

// TuningSource reports the dispatcher parameters in effect.
type TuningSource interface {
	Tuning() dispatcher.Tuning
}

// AdaptiveHandler exposes the adaptive controller.
type AdaptiveHandler struct {
	ctrl   StrategyController
	tuning TuningSource // may be nil
}

// NewAdaptiveHandler creates an adaptive handler.
func NewAdaptiveHandler(ctrl StrategyController, tuning TuningSource) *AdaptiveHandler {
	return &AdaptiveHandler{ctrl: ctrl, tuning: tuning}
}

type adaptiveResponse struct {
	adaptive.State
	Tuning *dispatcher.Tuning `json:"tuning,omitempty"`
}

func (h *AdaptiveHandler) snapshot() adaptiveResponse {
	resp := adaptiveResponse{State: h.ctrl.State()}
	if h.tuning != nil {
		t := h.tuning.Tuning()
		resp.Tuning = &t
	}
	return resp
}

// GetState returns the current strategy, score history and tuning.
// GET /api/adaptive
func (h *AdaptiveHandler) GetState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.snapshot())
}

type forceRequest struct {
	Strategy string `json:"strategy"`
}

// ForceStrategy applies a strategy immediately, bypassing the change gate.
// POST /api/adaptive/strategy
func (h *AdaptiveHandler) ForceStrategy(w http.ResponseWriter, r *http.Request) {
	var req forceRequest
	if apiErr := middleware.DecodeJSON(r, &req); apiErr != nil {
		apierr.WriteErrorWithContext(w, r, apiErr)
		return
	}
	if req.Strategy == "" {
		apierr.WriteErrorWithContext(w, r, apierr.ValidationMissingField("strategy"))
		return
	}
	s, err := adaptive.ParseStrategy(req.Strategy)
	if err != nil {
		apierr.WriteErrorWithContext(w, r, apierr.ValidationInvalidValue("strategy", err.Error()))
		return
	}
	h.ctrl.ForceStrategy(s, "operator")
	logger.InfoContext(r.Context(), "strategy forced", "strategy", s)
	writeJSON(w, http.StatusOK, h.snapshot())
}
