package dispatcher

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Kind classifies a failed request.
type Kind int

const (
	KindRateLimited Kind = iota + 1
	KindQueueTimeout
	KindNetworkFailure
	KindClientError
)

func (k Kind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindQueueTimeout:
		return "queue_timeout"
	case KindNetworkFailure:
		return "network_failure"
	case KindClientError:
		return "client_error"
	}
	return "unknown"
}

// Sentinels for errors.Is checks against *Error.
var (
	ErrRateLimited    = errors.New("rate limited")
	ErrQueueTimeout   = errors.New("timed out waiting for a request slot")
	ErrNetworkFailure = errors.New("network failure")
	ErrClientError    = errors.New("client error")
	ErrStopped        = errors.New("dispatcher stopped")
)

func sentinel(k Kind) error {
	switch k {
	case KindRateLimited:
		return ErrRateLimited
	case KindQueueTimeout:
		return ErrQueueTimeout
	case KindNetworkFailure:
		return ErrNetworkFailure
	case KindClientError:
		return ErrClientError
	}
	return nil
}

// Error is the typed failure returned by Request.
type Error struct {
	Kind     Kind
	Status   int // upstream status, zero when no response was received
	Endpoint string
	Attempts int
	RetryAt  time.Time // earliest sensible retry for RateLimited and open breakers
	Local    bool      // rejected before reaching the upstream
	Upstream *UpstreamError
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Endpoint != "" {
		b.WriteString(" ")
		b.WriteString(e.Endpoint)
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Upstream != nil && e.Upstream.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Upstream.Message)
	} else if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel for the error's Kind.
func (e *Error) Is(target error) bool {
	s := sentinel(e.Kind)
	return s != nil && target == s
}

// KindOf returns the Kind of err, or zero if err is not an *Error.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return 0
}

// ErrorType represents different kinds of upstream API errors
type ErrorType int

const (
	ErrorUnknown ErrorType = iota
	ErrorRateLimited
	ErrorNotFound
	ErrorForbidden
	ErrorUnauthorized
	ErrorBadRequest
	ErrorServerError
)

func (t ErrorType) String() string {
	switch t {
	case ErrorRateLimited:
		return "rate_limited"
	case ErrorNotFound:
		return "not_found"
	case ErrorForbidden:
		return "forbidden"
	case ErrorUnauthorized:
		return "unauthorized"
	case ErrorBadRequest:
		return "bad_request"
	case ErrorServerError:
		return "server_error"
	}
	return "unknown"
}

// UpstreamError describes a non-success upstream response.
type UpstreamError struct {
	Type       ErrorType
	StatusCode int
	Message    string
	Retryable  bool
}

func (e *UpstreamError) Error() string { return e.Message }

// upstreamErrorBody is the JSON error shape used by the metadata API.
type upstreamErrorBody struct {
	StatusCode    int    `json:"status_code"`
	StatusMessage string `json:"status_message"`
	Message       string `json:"message"`
}

// Classify determines the type of error from a status code and body.
func Classify(status int, body []byte) *UpstreamError {
	var parsed upstreamErrorBody
	_ = json.Unmarshal(body, &parsed)
	detail := parsed.StatusMessage
	if detail == "" {
		detail = parsed.Message
	}

	e := &UpstreamError{StatusCode: status}
	switch {
	case status == http.StatusTooManyRequests:
		e.Type = ErrorRateLimited
		e.Message = "rate limited by upstream"
		e.Retryable = true
	case status == http.StatusNotFound:
		e.Type = ErrorNotFound
		e.Message = "resource not found (404)"
	case status == http.StatusForbidden:
		e.Type = ErrorForbidden
		e.Message = "forbidden (403)"
	case status == http.StatusUnauthorized:
		e.Type = ErrorUnauthorized
		e.Message = "unauthorized (401) - check the API key"
	case status == http.StatusBadRequest:
		e.Type = ErrorBadRequest
		e.Message = "bad request (400)"
	case status >= 500:
		e.Type = ErrorServerError
		e.Message = fmt.Sprintf("upstream server error (%d)", status)
		e.Retryable = status != http.StatusNotImplemented && status != http.StatusHTTPVersionNotSupported
	default:
		e.Type = ErrorUnknown
		e.Message = fmt.Sprintf("unexpected status %d", status)
	}
	if detail != "" {
		e.Message = e.Message + ": " + detail
	}
	return e
}
