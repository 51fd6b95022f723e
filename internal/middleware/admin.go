package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/onnwee/cinestream/backend/internal/apierr"
)

// AdminOnly gates a handler behind a static bearer token. With no token
// configured every request is refused with 503.
func AdminOnly(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				apierr.WriteErrorWithContext(w, r, apierr.AuthNotConfigured())
				return
			}
			auth := r.Header.Get("Authorization")
			if auth == "" {
				apierr.WriteErrorWithContext(w, r, apierr.AuthMissing(""))
				return
			}
			got, ok := strings.CutPrefix(auth, "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				apierr.WriteErrorWithContext(w, r, apierr.AuthInvalid(""))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
