package middleware

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ETagPolicy sets the Cache-Control lifetimes sent with tagged responses.
type ETagPolicy struct {
	MaxAge               time.Duration
	StaleWhileRevalidate time.Duration
}

// etagResponseWriter captures response body to generate ETag.
type etagResponseWriter struct {
	http.ResponseWriter
	buf    bytes.Buffer
	status int
}

func (w *etagResponseWriter) WriteHeader(status int) {
	w.status = status
}

func (w *etagResponseWriter) Write(b []byte) (int, error) {
	return w.buf.Write(b)
}

// etagMatches reports whether an If-None-Match header matches etag, using
// weak comparison.
func etagMatches(header, etag string) bool {
	if strings.TrimSpace(header) == "*" {
		return true
	}
	for _, candidate := range strings.Split(header, ",") {
		if strings.TrimPrefix(strings.TrimSpace(candidate), "W/") == etag {
			return true
		}
	}
	return false
}

// ETag returns a middleware that tags successful GET responses with a body
// hash and answers 304 when the client already holds that version. A
// Cache-Control set by the handler wins over the policy. Other methods and
// non-200 responses pass through untouched.
func ETag(p ETagPolicy) func(http.Handler) http.Handler {
	cacheControl := fmt.Sprintf("public, max-age=%d, stale-while-revalidate=%d",
		int(p.MaxAge.Seconds()), int(p.StaleWhileRevalidate.Seconds()))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet {
				next.ServeHTTP(w, r)
				return
			}

			etw := &etagResponseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(etw, r)

			if etw.status != http.StatusOK {
				w.WriteHeader(etw.status)
				w.Write(etw.buf.Bytes())
				return
			}

			hash := sha256.Sum256(etw.buf.Bytes())
			etag := fmt.Sprintf(`"%x"`, hash[:16])
			w.Header().Set("ETag", etag)
			if w.Header().Get("Cache-Control") == "" {
				w.Header().Set("Cache-Control", cacheControl)
			}

			if match := r.Header.Get("If-None-Match"); match != "" && etagMatches(match, etag) {
				w.WriteHeader(http.StatusNotModified)
				return
			}
			w.WriteHeader(http.StatusOK)
			w.Write(etw.buf.Bytes())
		})
	}
}
