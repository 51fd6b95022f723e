package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/getsentry/sentry-go"

	"github.com/onnwee/cinestream/backend/internal/apierr"
	"github.com/onnwee/cinestream/backend/internal/errorreporting"
	"github.com/onnwee/cinestream/backend/internal/logger"
)

// RecoverWithSentry recovers from panics, reports them to Sentry when it is
// configured, and answers with a structured 500.
func RecoverWithSentry(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			// net/http uses this panic to abort a response on purpose
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			stack := debug.Stack()
			logger.ErrorContext(r.Context(), "panic recovered",
				"error", rec,
				"stack", string(stack),
				"method", r.Method,
				"path", r.URL.Path,
			)

			if errorreporting.IsSentryEnabled() {
				hub := sentry.CurrentHub().Clone()
				hub.Scope().SetRequest(r)
				hub.Scope().SetLevel(sentry.LevelError)
				hub.Scope().SetTag("method", r.Method)
				hub.Scope().SetTag("path", r.URL.Path)
				if reqID := apierr.GetRequestID(r.Context()); reqID != "" {
					hub.Scope().SetTag("request_id", reqID)
				}
				err, ok := rec.(error)
				if !ok {
					err = errors.New(errorreporting.ScrubPII(fmt.Sprint(rec)))
				}
				hub.CaptureException(err)
			}

			apierr.WriteErrorWithContext(w, r, apierr.SystemInternal(""))
		}()

		next.ServeHTTP(w, r)
	})
}
