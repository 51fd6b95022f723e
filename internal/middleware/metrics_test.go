package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/onnwee/cinestream/backend/internal/metrics"
)

func TestRequestMetricsUsesRouteTemplate(t *testing.T) {
	r := mux.NewRouter()
	r.Use(RequestMetrics)
	r.HandleFunc("/api/movies/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}).Methods(http.MethodGet)

	counter := metrics.APIRequestsTotal.WithLabelValues("/api/movies/{id}", http.MethodGet, "418")
	before := testutil.ToFloat64(counter)

	for _, id := range []string{"1", "2", "3"} {
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/movies/"+id, nil))
	}

	if got := testutil.ToFloat64(counter) - before; got != 3 {
		t.Errorf("expected 3 requests under one label, got %v", got)
	}
}

func TestStatusRecorderDefaultsToOK(t *testing.T) {
	rec := &statusRecorder{ResponseWriter: httptest.NewRecorder()}
	rec.Write([]byte("x"))
	rec.WriteHeader(http.StatusInternalServerError)
	if rec.status != http.StatusOK {
		t.Errorf("expected first status to stick, got %d", rec.status)
	}
}
