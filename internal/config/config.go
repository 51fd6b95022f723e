package config

import (
	"os"
	"strings"
	"time"

	"github.com/onnwee/cinestream/backend/internal/utils"
)

// Config holds application configuration derived from environment variables.
type Config struct {
	Port        int
	Environment string
	LogLevel    string // log level: debug, info, warn, error

	// Upstream metadata API
	CatalogBaseURL  string
	CatalogAPIKey   string
	CatalogLanguage string
	UserAgent       string

	// Cache façade
	CacheMaxEntries           int
	CacheMaxMemoryMB          int
	CacheDefaultTTL           time.Duration
	CacheCleanupInterval      time.Duration
	CacheCompressionThreshold int
	CacheCodec                string // json, msgpack, cbor

	// Request dispatcher
	HTTPMaxConcurrent      int
	HTTPQueueTimeout       time.Duration
	HTTPRateLimitRequests  int           // tokens per window
	HTTPRateLimitWindow    time.Duration // window over which tokens are replenished
	HTTPTimeout            time.Duration
	HTTPMaxRetries         int
	HTTPRetryBase          time.Duration
	HTTPRetryMax           time.Duration
	HTTPBatchWindow        time.Duration
	HTTPNegativeCacheTTL   time.Duration // 0 keeps known-failed signatures for the process lifetime
	LogHTTPRetries         bool
	BreakerFailures        int
	BreakerCooldown        time.Duration

	// Adaptive controller
	AdaptiveInterval    time.Duration
	AdaptiveMinInterval time.Duration

	// Resource monitor
	MonitorInterval      time.Duration
	MonitorHeapBudgetMB  int
	MonitorWarningRatio  float64
	MonitorCriticalRatio float64

	// HTTP surface
	CORSAllowedOrigins   []string
	AdminAPIToken        string        // Bearer token gating cache and strategy admin endpoints
	RateLimitGlobal      float64       // requests per second globally
	RateLimitGlobalBurst int           // burst size for global rate limit
	RateLimitPerIP       float64       // requests per second per IP
	RateLimitPerIPBurst  int           // burst size for per-IP rate limit
	EnableRateLimit      bool          // enable rate limiting middleware
	TrustProxyHeaders    bool          // derive client IPs from X-Forwarded-For behind a proxy
	ClientHintsMaxAge    time.Duration // how long a client network hint stays current
	FrameReportMaxAge    time.Duration // how long a reported frame rate stays current
	PresenceDebounce     time.Duration // delay before broadcasting presence changes
	PreloadTrending      bool          // warm trending movie details on startup

	// Observability settings
	OTELEnabled       bool    // enable OpenTelemetry tracing
	OTELEndpoint      string  // OpenTelemetry collector endpoint
	OTELSampleRate    float64 // trace sampling rate (0.0 to 1.0)
	SentryDSN         string  // Sentry DSN for error reporting
	SentryEnvironment string  // Sentry environment (dev, staging, production)
	SentryRelease     string  // Sentry release version
}

var cached *Config

// Load reads env vars once and caches them.
func Load() *Config {
	if cached != nil {
		return cached
	}
	cached = &Config{
		Port:        utils.GetEnvAsInt("PORT", 8080),
		Environment: utils.GetEnvAsString("ENV", "development"),
		LogLevel:    strings.ToLower(utils.GetEnvAsString("LOG_LEVEL", "info")),

		CatalogBaseURL:  strings.TrimRight(utils.GetEnvAsString("CATALOG_BASE_URL", "https://api.themoviedb.org/3"), "/"),
		CatalogAPIKey:   strings.TrimSpace(os.Getenv("CATALOG_API_KEY")),
		CatalogLanguage: utils.GetEnvAsString("CATALOG_LANGUAGE", "en-US"),
		UserAgent:       utils.GetEnvAsString("CATALOG_USER_AGENT", "cinestream/0.1"),

		CacheMaxEntries:           utils.GetEnvAsInt("CACHE_MAX_ENTRIES", 1000),
		CacheMaxMemoryMB:          utils.GetEnvAsInt("CACHE_MAX_MEMORY_MB", 50),
		CacheDefaultTTL:           utils.GetEnvAsMillis("CACHE_DEFAULT_TTL_MS", 300000),
		CacheCleanupInterval:      utils.GetEnvAsMillis("CACHE_CLEANUP_INTERVAL_MS", 300000),
		CacheCompressionThreshold: utils.GetEnvAsInt("CACHE_COMPRESSION_THRESHOLD", 1024),
		CacheCodec:                strings.ToLower(utils.GetEnvAsString("CACHE_CODEC", "json")),

		HTTPMaxConcurrent:     utils.GetEnvAsInt("HTTP_MAX_CONCURRENT", 6),
		HTTPQueueTimeout:      utils.GetEnvAsMillis("HTTP_QUEUE_TIMEOUT_MS", 30000),
		HTTPRateLimitRequests: utils.GetEnvAsInt("HTTP_RATE_LIMIT_REQUESTS", 40),
		HTTPRateLimitWindow:   utils.GetEnvAsMillis("HTTP_RATE_LIMIT_WINDOW_MS", 10000),
		HTTPTimeout:           utils.GetEnvAsMillis("HTTP_TIMEOUT_MS", 10000),
		HTTPMaxRetries:        utils.GetEnvAsInt("HTTP_MAX_RETRIES", 3),
		HTTPRetryBase:         utils.GetEnvAsMillis("HTTP_RETRY_BASE_MS", 1000),
		HTTPRetryMax:          utils.GetEnvAsMillis("HTTP_RETRY_MAX_MS", 30000),
		HTTPBatchWindow:       utils.GetEnvAsMillis("HTTP_BATCH_WINDOW_MS", 100),
		HTTPNegativeCacheTTL:  utils.GetEnvAsMillis("HTTP_NEGATIVE_CACHE_TTL_MS", 0),
		LogHTTPRetries:        utils.GetEnvAsBool("LOG_HTTP_RETRIES", false),
		BreakerFailures:       utils.GetEnvAsInt("HTTP_BREAKER_FAILURES", 5),
		BreakerCooldown:       utils.GetEnvAsMillis("HTTP_BREAKER_COOLDOWN_MS", 30000),

		AdaptiveInterval:    utils.GetEnvAsMillis("ADAPTIVE_INTERVAL_MS", 30000),
		AdaptiveMinInterval: utils.GetEnvAsMillis("ADAPTIVE_MIN_INTERVAL_MS", 60000),

		MonitorInterval:      utils.GetEnvAsMillis("MONITOR_INTERVAL_MS", 10000),
		MonitorHeapBudgetMB:  utils.GetEnvAsInt("MONITOR_HEAP_BUDGET_MB", 512),
		MonitorWarningRatio:  utils.GetEnvAsFloat("MONITOR_WARNING_RATIO", 0.7),
		MonitorCriticalRatio: utils.GetEnvAsFloat("MONITOR_CRITICAL_RATIO", 0.9),

		// Default to common development origins
		CORSAllowedOrigins:   utils.GetEnvAsSlice("CORS_ALLOWED_ORIGINS", []string{"http://localhost:5173", "http://localhost:3000"}, ","),
		AdminAPIToken:        strings.TrimSpace(os.Getenv("ADMIN_API_TOKEN")),
		RateLimitGlobal:      utils.GetEnvAsFloat("RATE_LIMIT_GLOBAL", 100.0),
		RateLimitGlobalBurst: utils.GetEnvAsInt("RATE_LIMIT_GLOBAL_BURST", 200),
		RateLimitPerIP:       utils.GetEnvAsFloat("RATE_LIMIT_PER_IP", 10.0),
		RateLimitPerIPBurst:  utils.GetEnvAsInt("RATE_LIMIT_PER_IP_BURST", 20),
		EnableRateLimit:      utils.GetEnvAsBool("ENABLE_RATE_LIMIT", true),
		TrustProxyHeaders:    utils.GetEnvAsBool("TRUST_PROXY_HEADERS", false),
		ClientHintsMaxAge:    utils.GetEnvAsMillis("CLIENT_HINTS_MAX_AGE_MS", 300000),
		FrameReportMaxAge:    utils.GetEnvAsMillis("FRAME_REPORT_MAX_AGE_MS", 60000),
		PresenceDebounce:     utils.GetEnvAsMillis("PRESENCE_DEBOUNCE_MS", 500),
		PreloadTrending:      utils.GetEnvAsBool("PRELOAD_TRENDING", true),

		OTELEnabled:       utils.GetEnvAsBool("OTEL_ENABLED", false),
		OTELEndpoint:      strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		OTELSampleRate:    utils.GetEnvAsFloat("OTEL_TRACE_SAMPLE_RATE", 0.1),
		SentryDSN:         strings.TrimSpace(os.Getenv("SENTRY_DSN")),
		SentryEnvironment: strings.TrimSpace(os.Getenv("SENTRY_ENVIRONMENT")),
		SentryRelease:     strings.TrimSpace(os.Getenv("SENTRY_RELEASE")),
	}
	if cached.SentryEnvironment == "" {
		cached.SentryEnvironment = cached.Environment
	}
	if cached.MonitorCriticalRatio <= cached.MonitorWarningRatio {
		cached.MonitorWarningRatio, cached.MonitorCriticalRatio = 0.7, 0.9
	}

	return cached
}

// ResetForTest clears cached config; for use in tests only.
func ResetForTest() { cached = nil }

// CacheMaxMemoryBytes returns the cache memory budget in bytes.
func (c *Config) CacheMaxMemoryBytes() int64 {
	return int64(c.CacheMaxMemoryMB) * 1024 * 1024
}

// MonitorHeapBudgetBytes returns the heap budget the resource monitor measures against.
func (c *Config) MonitorHeapBudgetBytes() uint64 {
	return uint64(c.MonitorHeapBudgetMB) * 1024 * 1024
}
