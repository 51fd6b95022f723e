package apierr

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/onnwee/cinestream/backend/internal/dispatcher"
	"github.com/onnwee/cinestream/backend/internal/logger"
)

// ErrorCode represents a structured error code
type ErrorCode string

// Error code constants organized by category
const (
	// AUTH_ - Admin endpoint authentication errors
	ErrAuthMissing       ErrorCode = "AUTH_MISSING"
	ErrAuthInvalid       ErrorCode = "AUTH_INVALID"
	ErrAuthNotConfigured ErrorCode = "AUTH_NOT_CONFIGURED"

	// UPSTREAM_ - Metadata API errors surfaced through the dispatcher
	ErrUpstreamRateLimited  ErrorCode = "UPSTREAM_RATE_LIMITED"
	ErrUpstreamQueueTimeout ErrorCode = "UPSTREAM_QUEUE_TIMEOUT"
	ErrUpstreamUnavailable  ErrorCode = "UPSTREAM_UNAVAILABLE"
	ErrUpstreamRejected     ErrorCode = "UPSTREAM_REJECTED"

	// CACHE_ - Cache administration errors
	ErrCacheInvalidFilter ErrorCode = "CACHE_INVALID_FILTER"

	// SYSTEM_ - System and server errors
	ErrSystemInternal    ErrorCode = "SYSTEM_INTERNAL"
	ErrSystemUnavailable ErrorCode = "SYSTEM_UNAVAILABLE"
	ErrSystemTimeout     ErrorCode = "SYSTEM_TIMEOUT"

	// VALIDATION_ - Request validation errors
	ErrValidationInvalidJSON   ErrorCode = "VALIDATION_INVALID_JSON"
	ErrValidationInvalidFormat ErrorCode = "VALIDATION_INVALID_FORMAT"
	ErrValidationMissingField  ErrorCode = "VALIDATION_MISSING_FIELD"
	ErrValidationInvalidValue  ErrorCode = "VALIDATION_INVALID_VALUE"

	// RESOURCE_ - Resource errors
	ErrResourceNotFound ErrorCode = "RESOURCE_NOT_FOUND"

	// RATE_LIMIT_ - Inbound API rate limit errors
	ErrRateLimitGlobal ErrorCode = "RATE_LIMIT_GLOBAL"
	ErrRateLimitIP     ErrorCode = "RATE_LIMIT_IP"
)

// Error represents a structured API error
type Error struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	RequestID  string                 `json:"request_id,omitempty"`
	status     int                    // HTTP status code (not serialized)
	retryAfter time.Duration          // sent as Retry-After when positive
}

// ErrorResponse is the top-level error response wrapper
type ErrorResponse struct {
	Error *Error `json:"error"`
}

// New creates a new API error
func New(code ErrorCode, message string, status int) *Error {
	return &Error{
		Code:    code,
		Message: message,
		status:  status,
	}
}

// WithDetails adds details to the error
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	e.Details = details
	return e
}

// WithRequestID adds a request ID to the error
func (e *Error) WithRequestID(requestID string) *Error {
	e.RequestID = requestID
	return e
}

// WithRetryAfter sets the Retry-After hint.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.retryAfter = d
	return e
}

// Error implements the error interface
func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Message
}

// Status returns the HTTP status code
func (e *Error) Status() int {
	return e.status
}

// RetryAfter returns the Retry-After hint, zero when unset.
func (e *Error) RetryAfter() time.Duration {
	return e.retryAfter
}

// WriteError writes a structured error response to the HTTP response writer
func WriteError(w http.ResponseWriter, err *Error) {
	w.Header().Set("Content-Type", "application/json")
	if err.retryAfter > 0 {
		secs := int(math.Ceil(err.retryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	w.WriteHeader(err.Status())
	json.NewEncoder(w).Encode(ErrorResponse{Error: err})
}

// Helper functions for common errors

// UpstreamRateLimited creates a rate limited error with a retry hint.
func UpstreamRateLimited(retryAfter time.Duration) *Error {
	return New(ErrUpstreamRateLimited, "Too many requests to the catalog - try again shortly", http.StatusTooManyRequests).
		WithRetryAfter(retryAfter)
}

// UpstreamQueueTimeout creates a queue timeout error
func UpstreamQueueTimeout() *Error {
	return New(ErrUpstreamQueueTimeout, "The catalog is busy - request timed out waiting in queue", http.StatusServiceUnavailable)
}

// UpstreamUnavailable creates a bad gateway error
func UpstreamUnavailable(message string) *Error {
	if message == "" {
		message = "The catalog service is unavailable"
	}
	return New(ErrUpstreamUnavailable, message, http.StatusBadGateway)
}

// UpstreamRejected creates an error for a request the upstream refused.
func UpstreamRejected(message string, status int) *Error {
	if message == "" {
		message = "The catalog rejected the request"
	}
	return New(ErrUpstreamRejected, message, status)
}

// AuthMissing creates an authentication missing error
func AuthMissing(message string) *Error {
	if message == "" {
		message = "Authentication required"
	}
	return New(ErrAuthMissing, message, http.StatusUnauthorized)
}

// AuthInvalid creates an invalid authentication error
func AuthInvalid(message string) *Error {
	if message == "" {
		message = "Invalid credentials"
	}
	return New(ErrAuthInvalid, message, http.StatusUnauthorized)
}

// AuthNotConfigured is returned by admin endpoints when no token is set.
func AuthNotConfigured() *Error {
	return New(ErrAuthNotConfigured, "Admin token not configured", http.StatusServiceUnavailable)
}

// CacheInvalidFilter creates an invalid cache filter error
func CacheInvalidFilter(message string) *Error {
	if message == "" {
		message = "Invalid cache filter"
	}
	return New(ErrCacheInvalidFilter, message, http.StatusBadRequest)
}

// SystemInternal creates an internal server error
func SystemInternal(message string) *Error {
	if message == "" {
		message = "Internal server error"
	}
	return New(ErrSystemInternal, message, http.StatusInternalServerError)
}

// SystemUnavailable creates a service unavailable error
func SystemUnavailable(message string) *Error {
	if message == "" {
		message = "Service unavailable"
	}
	return New(ErrSystemUnavailable, message, http.StatusServiceUnavailable)
}

// SystemTimeout creates a system timeout error
func SystemTimeout(message string) *Error {
	if message == "" {
		message = "Request timeout"
	}
	return New(ErrSystemTimeout, message, http.StatusRequestTimeout)
}

// ValidationInvalidJSON creates an invalid JSON error
func ValidationInvalidJSON() *Error {
	return New(ErrValidationInvalidJSON, "Invalid JSON request body", http.StatusBadRequest)
}

// ValidationInvalidFormat creates an invalid format error
func ValidationInvalidFormat(message string) *Error {
	if message == "" {
		message = "Invalid request format"
	}
	return New(ErrValidationInvalidFormat, message, http.StatusBadRequest)
}

// ValidationMissingField creates a missing field error
func ValidationMissingField(field string) *Error {
	return New(ErrValidationMissingField, "Missing required field: "+field, http.StatusBadRequest).
		WithDetails(map[string]interface{}{"field": field})
}

// ValidationInvalidValue creates an invalid value error
func ValidationInvalidValue(field string, message string) *Error {
	if message == "" {
		message = "Invalid value for field: " + field
	}
	return New(ErrValidationInvalidValue, message, http.StatusBadRequest).
		WithDetails(map[string]interface{}{"field": field})
}

// ResourceNotFound creates a resource not found error
func ResourceNotFound(resourceType string) *Error {
	return New(ErrResourceNotFound, resourceType+" not found", http.StatusNotFound).
		WithDetails(map[string]interface{}{"resource_type": resourceType})
}

// RateLimitGlobal creates a global rate limit error
func RateLimitGlobal() *Error {
	return New(ErrRateLimitGlobal, "Server is receiving too many requests", http.StatusTooManyRequests).
		WithRetryAfter(time.Second)
}

// RateLimitIP creates a per-IP rate limit error
func RateLimitIP() *Error {
	return New(ErrRateLimitIP, "Too many requests from your IP address", http.StatusTooManyRequests).
		WithRetryAfter(time.Second)
}

// FromDispatch maps an error returned by the request dispatcher to an API
// error. now is used to turn RetryAt into a Retry-After hint.
func FromDispatch(err error, now time.Time) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return SystemTimeout("")
	}
	if errors.Is(err, context.Canceled) {
		return SystemUnavailable("Request canceled")
	}

	var de *dispatcher.Error
	if !errors.As(err, &de) {
		return SystemInternal("")
	}
	switch de.Kind {
	case dispatcher.KindRateLimited:
		wait := time.Second
		if !de.RetryAt.IsZero() && de.RetryAt.After(now) {
			wait = de.RetryAt.Sub(now)
		}
		return UpstreamRateLimited(wait).WithDetails(map[string]interface{}{"local": de.Local})
	case dispatcher.KindQueueTimeout:
		return UpstreamQueueTimeout()
	case dispatcher.KindNetworkFailure:
		e := UpstreamUnavailable("")
		if de.Status != 0 {
			e.WithDetails(map[string]interface{}{"upstream_status": de.Status})
		}
		return e
	case dispatcher.KindClientError:
		return clientError(de)
	}
	return SystemInternal("")
}

func clientError(de *dispatcher.Error) *Error {
	msg := ""
	if de.Upstream != nil {
		msg = de.Upstream.Message
	}
	switch de.Status {
	case http.StatusNotFound:
		e := New(ErrResourceNotFound, "Title not found", http.StatusNotFound)
		if msg != "" {
			e.WithDetails(map[string]interface{}{"upstream": msg})
		}
		return e
	case http.StatusUnauthorized, http.StatusForbidden:
		// our credentials, not the caller's: report a gateway problem
		return UpstreamUnavailable("The catalog refused our credentials")
	}
	return UpstreamRejected(msg, http.StatusBadRequest)
}

// GetRequestID extracts the request ID from the context
func GetRequestID(ctx context.Context) string {
	if reqID, ok := ctx.Value(logger.RequestIDKey).(string); ok {
		return reqID
	}
	return ""
}

// WriteErrorWithContext writes a structured error response with request ID from context
func WriteErrorWithContext(w http.ResponseWriter, r *http.Request, err *Error) {
	if reqID := GetRequestID(r.Context()); reqID != "" {
		err = err.WithRequestID(reqID)
	}
	WriteError(w, err)
}
