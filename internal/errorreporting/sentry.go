package errorreporting

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"
)

// PII patterns to scrub from error messages
var piiPatterns = []struct {
	re   *regexp.Regexp
	repl string
}{
	// Email addresses
	{regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`), "[REDACTED]"},
	// Bearer tokens (v4 read access tokens are long JWTs)
	{regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9._-]{20,}`), "[REDACTED]"},
	// api_key query parameters on upstream URLs
	{regexp.MustCompile(`(?i)([?&]api_key=)[^&\s"]+`), "${1}[REDACTED]"},
	// API keys and tokens
	{regexp.MustCompile(`(?i)(api[_-]?key|token|secret)["\s:=]+[a-zA-Z0-9_-]{16,}`), "[REDACTED]"},
	// IP addresses
	{regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`), "[REDACTED]"},
	// Credit card numbers (basic pattern)
	{regexp.MustCompile(`\b\d{4}[\s-]?\d{4}[\s-]?\d{4}[\s-]?\d{4}\b`), "[REDACTED]"},
}

// Options configures Sentry.
type Options struct {
	DSN         string
	Environment string
	Release     string
}

var enabled atomic.Bool

// Init initializes Sentry error reporting. An empty DSN leaves reporting off.
func Init(opts Options) error {
	if opts.DSN == "" {
		return nil
	}
	if err := ValidateDSN(opts.DSN); err != nil {
		return err
	}

	sampleRate := 1.0
	if opts.Environment == "production" {
		sampleRate = 0.1 // Sample 10% in production
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              opts.DSN,
		Environment:      opts.Environment,
		Release:          releaseOrDefault(opts.Release),
		TracesSampleRate: sampleRate,
		BeforeSend:       beforeSend,
		AttachStacktrace: true,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize Sentry: %w", err)
	}
	enabled.Store(true)
	return nil
}

func releaseOrDefault(release string) string {
	if release != "" {
		return release
	}
	return "dev"
}

// beforeSend is called before sending events to Sentry
// It scrubs PII and sanitizes sensitive data
func beforeSend(event *sentry.Event, hint *sentry.EventHint) *sentry.Event {
	if event.Exception != nil {
		for i := range event.Exception {
			event.Exception[i].Value = scrubPII(event.Exception[i].Value)
		}
	}

	if event.Message != "" {
		event.Message = scrubPII(event.Message)
	}

	if event.Extra != nil {
		for key, value := range event.Extra {
			if str, ok := value.(string); ok {
				event.Extra[key] = scrubPII(str)
			}
		}
	}

	// Remove sensitive request data
	if event.Request != nil {
		if event.Request.Headers != nil {
			delete(event.Request.Headers, "Authorization")
			delete(event.Request.Headers, "Cookie")
			delete(event.Request.Headers, "X-Api-Key")
		}
		// the upstream api_key travels in the query string
		event.Request.QueryString = ""
		event.Request.URL = scrubPII(event.Request.URL)
	}

	return event
}

// scrubPII removes personally identifiable information from strings
func scrubPII(text string) string {
	result := text
	for _, p := range piiPatterns {
		result = p.re.ReplaceAllString(result, p.repl)
	}
	return result
}

// CaptureError captures an error and sends it to Sentry
func CaptureError(err error) {
	if err == nil {
		return
	}
	sentry.CaptureException(err)
}

// CaptureErrorWithContext captures an error with additional context
func CaptureErrorWithContext(err error, tags map[string]string, extras map[string]interface{}) {
	if err == nil {
		return
	}

	sentry.WithScope(func(scope *sentry.Scope) {
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		// scrubbed by beforeSend
		for k, v := range extras {
			scope.SetExtra(k, v)
		}
		sentry.CaptureException(err)
	})
}

// CaptureMessage captures a message without an error
func CaptureMessage(message string, level sentry.Level) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(level)
		sentry.CaptureMessage(message)
	})
}

// Flush waits for all events to be sent to Sentry
func Flush(timeout time.Duration) bool {
	if !enabled.Load() {
		return true
	}
	return sentry.Flush(timeout)
}

// SetTag sets a tag for all subsequent events
func SetTag(key, value string) {
	sentry.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetTag(key, value)
	})
}

// AddBreadcrumb adds a breadcrumb for debugging context
func AddBreadcrumb(category, message string, level sentry.Level) {
	sentry.AddBreadcrumb(&sentry.Breadcrumb{
		Category:  category,
		Message:   scrubPII(message),
		Level:     level,
		Timestamp: time.Now(),
	})
}

// ScrubPII exposes the PII scrubbing function for external use
func ScrubPII(text string) string {
	return scrubPII(text)
}

// IsSentryEnabled returns true once Init has configured a client.
func IsSentryEnabled() bool {
	return enabled.Load()
}

// ErrInvalidDSN is returned for DSNs without an http(s) scheme.
var ErrInvalidDSN = errors.New("invalid Sentry DSN format")

// ValidateDSN checks if the provided DSN is valid
func ValidateDSN(dsn string) error {
	if !strings.HasPrefix(dsn, "https://") && !strings.HasPrefix(dsn, "http://") {
		return ErrInvalidDSN
	}
	return nil
}
