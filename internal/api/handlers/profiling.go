package handlers

import (
	"net/http"
	"net/http/pprof"
	"strings"

	"github.com/onnwee/cinestream/backend/internal/logger"
)

// Profiling serves the runtime profiles under /debug/pprof/. Every access is
// logged as a security audit event; mount it behind admin auth.
func Profiling() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.InfoContext(r.Context(), "Profiling endpoint accessed",
			"endpoint", r.URL.Path,
			"remote_addr", r.RemoteAddr,
			"type", "security_audit")

		switch name := strings.TrimPrefix(r.URL.Path, "/debug/pprof/"); name {
		case "cmdline":
			pprof.Cmdline(w, r)
		case "profile":
			pprof.Profile(w, r)
		case "symbol":
			pprof.Symbol(w, r)
		case "trace":
			pprof.Trace(w, r)
		default:
			// Index also serves named profiles such as heap and goroutine.
			pprof.Index(w, r)
		}
	})
}
