package middleware

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/onnwee/cinestream/backend/internal/apierr"
)

// MaxRequestBodySize is the maximum size of request bodies (1MB). The API
// only accepts small control payloads.
const MaxRequestBodySize = 1 << 20

// ValidateRequestBody returns a middleware that limits request body size.
func ValidateRequestBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch:
			r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)
		}
		next.ServeHTTP(w, r)
	})
}

// SanitizeInput provides input sanitization utilities.
type SanitizeInput struct{}

// SanitizeString trims whitespace, drops invalid UTF-8 and truncates to at
// most maxRunes characters without splitting a character.
func (s *SanitizeInput) SanitizeString(input string, maxRunes int) string {
	input = strings.TrimSpace(input)
	if !utf8.ValidString(input) {
		input = strings.ToValidUTF8(input, "")
	}
	if utf8.RuneCountInString(input) > maxRunes {
		input = string([]rune(input)[:maxRunes])
	}
	return input
}

// DecodeJSON decodes a JSON request body into v. Unknown fields, trailing
// data, a wrong content type and oversized bodies are rejected.
func DecodeJSON(r *http.Request, v any) *apierr.Error {
	if ct := r.Header.Get("Content-Type"); ct != "" {
		mt, _, err := mime.ParseMediaType(ct)
		if err != nil || mt != "application/json" {
			return apierr.ValidationInvalidFormat("Content-Type must be application/json")
		}
	}

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return apierr.ValidationInvalidFormat("request body too large")
		case errors.Is(err, io.EOF):
			return apierr.ValidationInvalidFormat("request body is empty")
		}
		return apierr.ValidationInvalidJSON()
	}
	if dec.More() {
		return apierr.ValidationInvalidJSON()
	}
	return nil
}
