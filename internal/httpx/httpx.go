package httpx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/cinestream/backend/internal/config"
	"github.com/onnwee/cinestream/backend/internal/logger"
	"github.com/onnwee/cinestream/backend/internal/metrics"
)

// maxBodyBytes bounds how much of an upstream body is buffered.
const maxBodyBytes = 10 << 20

// ErrExhausted is returned when no attempt produced a response.
var ErrExhausted = errors.New("httpx: exhausted retries")

// PreAttempt lets callers run logic (e.g., cooldown checks) before each try; return an error to abort.
type PreAttempt func(ctx context.Context, attempt int) error

// RequestFactory builds a fresh request for one attempt.
type RequestFactory func(ctx context.Context) (*http.Request, error)

// AttemptInfo describes a single attempt outcome.
type AttemptInfo struct {
	Attempt    int
	Method     string
	URL        string
	Status     int
	Err        error
	Wait       time.Duration // delay before the next attempt, zero on the last one
	RetryAfter bool          // Wait came from a Retry-After header
	Duration   time.Duration
}

// Observer callback to report attempt telemetry.
type Observer func(info AttemptInfo)

// Policy describes how failed attempts are retried.
type Policy struct {
	MaxRetries     int // retries after the first attempt
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	MaxJitter      time.Duration
	AttemptTimeout time.Duration // per-attempt deadline, zero for none
	LogRetries     bool
}

// DefaultPolicy matches the stock environment defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:     3,
		BaseDelay:      time.Second,
		MaxDelay:       30 * time.Second,
		MaxJitter:      200 * time.Millisecond,
		AttemptTimeout: 10 * time.Second,
	}
}

// PolicyFromConfig derives a Policy from the environment config.
func PolicyFromConfig(cfg *config.Config) Policy {
	p := DefaultPolicy()
	p.MaxRetries = cfg.HTTPMaxRetries
	if cfg.HTTPRetryBase > 0 {
		p.BaseDelay = cfg.HTTPRetryBase
	}
	if cfg.HTTPRetryMax > 0 {
		p.MaxDelay = cfg.HTTPRetryMax
	}
	if cfg.HTTPTimeout > 0 {
		p.AttemptTimeout = cfg.HTTPTimeout
	}
	p.LogRetries = cfg.LogHTTPRetries
	return p
}

// Backoff returns the delay before retry number attempt (1-based):
// min(MaxDelay, BaseDelay*2^(attempt-1) + jitter).
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 32 {
		attempt = 32
	}
	d := p.BaseDelay * time.Duration(1<<uint(attempt-1))
	if p.MaxJitter > 0 {
		d += time.Duration(rand.Int63n(int64(p.MaxJitter)))
	}
	if p.MaxDelay > 0 && (d > p.MaxDelay || d < 0) {
		d = p.MaxDelay
	}
	return d
}

// IsRetryableStatus reports whether an HTTP status is worth retrying.
func IsRetryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// RetryAfter parses a Retry-After header given as seconds or an HTTP date.
// Dates in the past yield zero.
func RetryAfter(h http.Header, now time.Time) (time.Duration, bool) {
	ra := strings.TrimSpace(h.Get("Retry-After"))
	if ra == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(ra); err == nil {
		if secs < 0 {
			secs = 0
		}
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(ra); err == nil {
		delta := t.Sub(now)
		if delta < 0 {
			delta = 0
		}
		return delta, true
	}
	return 0, false
}

// Response is a fully buffered upstream response.
type Response struct {
	Status   int
	Header   http.Header
	Body     []byte
	Attempts int
}

// Retrier executes requests under a Policy.
type Retrier struct {
	Client   *http.Client
	Policy   Policy
	Observer Observer
	Log      *slog.Logger

	// Sleep waits between attempts; tests replace it. It must return early
	// with ctx.Err() when ctx is done.
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
}

// NewRetrier returns a Retrier with real time and the given client.
func NewRetrier(client *http.Client, p Policy) *Retrier {
	if client == nil {
		client = http.DefaultClient
	}
	return &Retrier{
		Client: client,
		Policy: p,
		Log:    logger.WithComponent("httpx"),
		Sleep:  SleepContext,
		Now:    time.Now,
	}
}

// SleepContext waits for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do runs build until a non-retryable response arrives or retries run out.
// Transport errors and retryable statuses are retried; 429 and 503 honor
// Retry-After. A Retry-After longer than MaxDelay ends the loop early. The
// last retryable response is returned without error so the caller can
// classify it. maxRetries < 0 uses the policy value.
func (r *Retrier) Do(ctx context.Context, build RequestFactory, pre PreAttempt, maxRetries int) (*Response, error) {
	if maxRetries < 0 {
		maxRetries = r.Policy.MaxRetries
	}
	attempts := maxRetries + 1
	log := logger.OrComponent(r.Log, "httpx")
	sleep := r.Sleep
	if sleep == nil {
		sleep = SleepContext
	}
	now := r.Now
	if now == nil {
		now = time.Now
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if pre != nil {
			if err := pre(ctx, attempt); err != nil {
				return nil, err
			}
		}

		resp, info, err := r.attempt(ctx, build, attempt)
		last := attempt == attempts

		if err != nil {
			if last || ctx.Err() != nil || errors.Is(err, errBuild) {
				r.observe(info)
				if r.Policy.LogRetries {
					log.Warn("upstream attempt failed, giving up", "attempt", attempt, "method", info.Method, "url", info.URL, "error", err)
				}
				return nil, err
			}
		} else if !IsRetryableStatus(resp.Status) || last {
			r.observe(info)
			if r.Policy.LogRetries && (attempt > 1 || IsRetryableStatus(resp.Status)) {
				log.Info("upstream attempt settled", "attempt", attempt, "method", info.Method, "url", info.URL, "status", resp.Status)
			}
			return resp, nil
		}

		wait := r.Policy.Backoff(attempt)
		if resp != nil {
			if ra, ok := RetryAfter(resp.Header, now()); ok {
				if r.Policy.MaxDelay > 0 && ra > r.Policy.MaxDelay {
					// too long to hold the attempt open; the caller sees the response
					r.observe(info)
					log.Warn("upstream Retry-After exceeds max delay, giving up", "attempt", attempt,
						"method", info.Method, "url", info.URL, "status", resp.Status, "retry_after", ra, "max_delay", r.Policy.MaxDelay)
					return resp, nil
				}
				wait = ra
				info.RetryAfter = true
				metrics.DispatcherRetryAfterWaits.Observe(ra.Seconds())
			}
		}
		info.Wait = wait
		r.observe(info)
		metrics.DispatcherRetries.Inc()
		if r.Policy.LogRetries {
			log.Info("retrying upstream request", "attempt", attempt, "method", info.Method, "url", info.URL,
				"status", info.Status, "error", info.Err, "wait", wait, "retry_after", info.RetryAfter)
		}
		if err := sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
	return nil, ErrExhausted
}

var errBuild = errors.New("httpx: build request")

func (r *Retrier) attempt(ctx context.Context, build RequestFactory, attempt int) (*Response, AttemptInfo, error) {
	info := AttemptInfo{Attempt: attempt}
	actx := ctx
	if r.Policy.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, r.Policy.AttemptTimeout)
		defer cancel()
	}

	req, err := build(actx)
	if err != nil {
		info.Err = err
		return nil, info, fmt.Errorf("%w: %v", errBuild, err)
	}
	info.Method = req.Method
	info.URL = req.URL.String()

	start := time.Now()
	resp, err := r.Client.Do(req)
	if err != nil {
		info.Err = err
		info.Duration = time.Since(start)
		metrics.DispatcherUpstreamDuration.WithLabelValues("error").Observe(info.Duration.Seconds())
		return nil, info, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	info.Duration = time.Since(start)
	info.Status = resp.StatusCode
	metrics.DispatcherUpstreamDuration.WithLabelValues(strconv.Itoa(resp.StatusCode)).Observe(info.Duration.Seconds())
	if err != nil {
		info.Err = err
		return nil, info, fmt.Errorf("read body: %w", err)
	}
	return &Response{
		Status:   resp.StatusCode,
		Header:   resp.Header.Clone(),
		Body:     body,
		Attempts: attempt,
	}, info, nil
}

func (r *Retrier) observe(info AttemptInfo) {
	if r.Observer != nil {
		r.Observer(info)
	}
}
