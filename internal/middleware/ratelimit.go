package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/onnwee/cinestream/backend/internal/apierr"
	"github.com/onnwee/cinestream/backend/internal/metrics"
)

// RateLimitConfig sets inbound API limits.
type RateLimitConfig struct {
	GlobalRate  float64 // requests per second across all clients
	GlobalBurst int
	IPRate      float64 // requests per second per client IP
	IPBurst     int
	StaleAfter  time.Duration // idle IP limiters are dropped after this long
	TrustProxy  bool          // take the client IP from X-Forwarded-For / X-Real-IP
	Exempt      []string      // path prefixes that bypass both limits
}

// RateLimiter provides rate limiting for the API.
type RateLimiter struct {
	global *rate.Limiter
	ipRate rate.Limit
	burst  int
	stale  time.Duration
	proxy  bool
	exempt []string

	mu    sync.Mutex
	perIP map[string]*ipLimiter

	done     chan struct{}
	stopOnce sync.Once
}

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a limiter and starts its stale-entry sweeper.
// Call Stop to end the sweeper.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 3 * time.Minute
	}
	rl := &RateLimiter{
		global: rate.NewLimiter(rate.Limit(cfg.GlobalRate), cfg.GlobalBurst),
		ipRate: rate.Limit(cfg.IPRate),
		burst:  cfg.IPBurst,
		stale:  cfg.StaleAfter,
		proxy:  cfg.TrustProxy,
		exempt: cfg.Exempt,
		perIP:  make(map[string]*ipLimiter),
		done:   make(chan struct{}),
	}
	go rl.sweep(time.Minute)
	return rl
}

// getLimiter returns the rate limiter for a given IP address.
func (rl *RateLimiter) getLimiter(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	l, ok := rl.perIP[ip]
	if !ok {
		l = &ipLimiter{limiter: rate.NewLimiter(rl.ipRate, rl.burst)}
		rl.perIP[ip] = l
	}
	l.lastSeen = time.Now()
	return l.limiter
}

func (rl *RateLimiter) sweep(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			rl.dropStale(time.Now())
		case <-rl.done:
			return
		}
	}
}

func (rl *RateLimiter) dropStale(now time.Time) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	n := 0
	for ip, l := range rl.perIP {
		if now.Sub(l.lastSeen) > rl.stale {
			delete(rl.perIP, ip)
			n++
		}
	}
	return n
}

// Stop ends the sweeper. Safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.done) })
}

// Limit returns a middleware handler that enforces rate limits.
func (rl *RateLimiter) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl.isExempt(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		if !rl.global.Allow() {
			metrics.APIRateLimited.WithLabelValues("global").Inc()
			apierr.WriteErrorWithContext(w, r, apierr.RateLimitGlobal())
			return
		}
		if !rl.getLimiter(clientIP(r, rl.proxy)).Allow() {
			metrics.APIRateLimited.WithLabelValues("ip").Inc()
			apierr.WriteErrorWithContext(w, r, apierr.RateLimitIP())
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) isExempt(path string) bool {
	for _, prefix := range rl.exempt {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// clientIP extracts the client IP from the request. Proxy headers are only
// honored when trustProxy is set, since any client can send them.
func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
			return xri
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
