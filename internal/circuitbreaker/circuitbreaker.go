// Package circuitbreaker stops calls to an upstream that keeps failing and
// lets a trial request through again after a cooldown.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/onnwee/cinestream/backend/internal/metrics"
)

var (
	// ErrCircuitOpen is returned when the circuit breaker is open
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// Config holds circuit breaker configuration
type Config struct {
	Name             string
	FailureThreshold int           // Consecutive failures before opening
	SuccessThreshold int           // Successes needed to close from half-open
	Cooldown         time.Duration // Time to wait before trying half-open

	// IsFailure decides which errors count against the upstream. Nil counts
	// every non-nil error.
	IsFailure func(error) bool
	Now       func() time.Time
}

// CircuitBreaker guards calls to one upstream.
type CircuitBreaker struct {
	cfg Config

	mu           sync.Mutex
	state        State
	failureCount int
	successCount int
	openedAt     time.Time
}

// New creates a new circuit breaker
func New(cfg Config) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(err error) bool { return err != nil }
	}

	metrics.CircuitBreakerState.WithLabelValues(cfg.Name).Set(float64(StateClosed))
	return &CircuitBreaker{cfg: cfg, state: StateClosed}
}

// Call executes fn if the breaker allows it. Errors that IsFailure rejects
// are returned unchanged but count as successes for the upstream.
func (cb *CircuitBreaker) Call(fn func() error) error {
	if !cb.Allow() {
		return ErrCircuitOpen
	}
	err := fn()
	cb.Record(err)
	return err
}

// Allow reports whether a call may proceed, moving an open breaker to
// half-open once the cooldown has passed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.cfg.Now().Sub(cb.openedAt) < cb.cfg.Cooldown {
			return false
		}
		cb.setState(StateHalfOpen)
		cb.successCount = 0
		return true
	default:
		return true
	}
}

// Record feeds the outcome of a call made after Allow.
func (cb *CircuitBreaker) Record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil && cb.cfg.IsFailure(err) {
		cb.successCount = 0
		switch cb.state {
		case StateClosed:
			cb.failureCount++
			if cb.failureCount >= cb.cfg.FailureThreshold {
				cb.trip()
			}
		case StateHalfOpen:
			cb.trip()
		}
		return
	}

	switch cb.state {
	case StateClosed:
		cb.failureCount = 0
	case StateHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.cfg.SuccessThreshold {
			cb.failureCount = 0
			cb.successCount = 0
			cb.setState(StateClosed)
		}
	}
}

func (cb *CircuitBreaker) trip() {
	cb.openedAt = cb.cfg.Now()
	cb.failureCount = 0
	cb.setState(StateOpen)
	metrics.CircuitBreakerTrips.WithLabelValues(cb.cfg.Name).Inc()
}

func (cb *CircuitBreaker) setState(s State) {
	cb.state = s
	metrics.CircuitBreakerState.WithLabelValues(cb.cfg.Name).Set(float64(s))
}

// GetState returns the current state
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// RetryAt returns when an open breaker will next admit a trial request. The zero
// time means calls are admitted now.
func (cb *CircuitBreaker) RetryAt() time.Time {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != StateOpen {
		return time.Time{}
	}
	return cb.openedAt.Add(cb.cfg.Cooldown)
}
