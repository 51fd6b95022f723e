package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/onnwee/cinestream/backend/internal/apierr"
	"github.com/onnwee/cinestream/backend/internal/catalog"
	"github.com/onnwee/cinestream/backend/internal/errorreporting"
	"github.com/onnwee/cinestream/backend/internal/logger"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeUpstreamError answers with the API error for a failed catalog call.
// Server-side failures are logged and reported.
func writeUpstreamError(w http.ResponseWriter, r *http.Request, op string, err error) {
	if errors.Is(err, catalog.ErrInvalidArgument) {
		msg := strings.TrimPrefix(err.Error(), catalog.ErrInvalidArgument.Error()+": ")
		apierr.WriteErrorWithContext(w, r, apierr.ValidationInvalidValue(op, msg))
		return
	}
	apiErr := apierr.FromDispatch(err, time.Now())
	if apiErr.Status() >= http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "catalog request failed", "op", op, "error", err, "code", apiErr.Code)
		errorreporting.CaptureErrorWithContext(err,
			map[string]string{"op": op, "code": string(apiErr.Code)},
			map[string]interface{}{"path": r.URL.Path, "request_id": apierr.GetRequestID(r.Context())},
		)
	}
	apierr.WriteErrorWithContext(w, r, apiErr)
}
