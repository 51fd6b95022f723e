package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Cache façade metrics, labelled by cache name (e.g. "catalog")
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"cache"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Total number of cache misses, including logically expired entries",
		},
		[]string{"cache"},
	)

	CacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_evictions_total",
			Help: "Total number of entries removed to respect cache capacity",
		},
		[]string{"cache", "policy"}, // policy: count, memory
	)

	CacheExpired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_expired_total",
			Help: "Total number of expired entries removed by the TTL sweep",
		},
		[]string{"cache"},
	)

	CacheEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cache_entries",
			Help: "Current number of entries in the cache",
		},
		[]string{"cache"},
	)

	CacheMemoryBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cache_memory_bytes",
			Help: "Estimated memory held by cache entries in bytes",
		},
		[]string{"cache"},
	)

	CacheEfficiency = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cache_efficiency_ratio",
			Help: "Weighted blend of hit rate and free memory (0..1)",
		},
		[]string{"cache"},
	)

	// Request dispatcher metrics
	DispatcherRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatcher_requests_total",
			Help: "Total number of dispatched requests by outcome",
		},
		[]string{"outcome"}, // outcome: success, cached, stale, rate_limited, queue_timeout, network_failure, client_error
	)

	DispatcherRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatcher_retries_total",
			Help: "Total number of upstream request retries",
		},
	)

	DispatcherRetryAfterWaits = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dispatcher_retry_after_wait_seconds",
			Help:    "Cooldown durations announced by upstream Retry-After headers",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)

	DispatcherQueueWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dispatcher_queue_wait_seconds",
			Help:    "Time spent waiting for a concurrency slot",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		},
	)

	DispatcherUpstreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatcher_upstream_duration_seconds",
			Help:    "Duration of individual upstream attempts",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"status"},
	)

	DispatcherInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatcher_in_flight",
			Help: "Number of requests currently holding a concurrency slot",
		},
	)

	DispatcherQueued = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatcher_queued",
			Help: "Number of requests waiting for a concurrency slot",
		},
	)

	DispatcherDedupeJoins = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatcher_dedupe_joins_total",
			Help: "Total number of callers that joined an identical in-flight request",
		},
	)

	DispatcherNegativeHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatcher_negative_cache_hits_total",
			Help: "Total number of requests short-circuited by the known-failure cache",
		},
	)

	// Circuit breaker metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"component"},
	)

	CircuitBreakerTrips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_trips_total",
			Help: "Total number of circuit breaker trips",
		},
		[]string{"component"},
	)

	// Adaptive controller metrics
	AdaptiveStrategy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "adaptive_strategy",
			Help: "Active loading strategy (1 for the current strategy, 0 otherwise)",
		},
		[]string{"strategy"},
	)

	AdaptiveScore = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "adaptive_score",
			Help: "Latest averaged adaptive scores (0..1)",
		},
		[]string{"kind"}, // kind: performance, network, overall
	)

	AdaptiveChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adaptive_strategy_changes_total",
			Help: "Total number of applied strategy changes",
		},
		[]string{"reason"}, // reason: evaluation, forced
	)

	// Resource monitor metrics
	MonitorHeapRatio = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "monitor_heap_ratio",
			Help: "Sampled heap usage as a fraction of the configured budget",
		},
	)

	MonitorStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "monitor_status",
			Help: "Resource status (0=good, 1=fair, 2=poor, -1=unknown)",
		},
		[]string{"resource"}, // resource: memory, frames
	)

	MonitorCleanups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "monitor_cleanups_total",
			Help: "Total number of cleanups triggered by memory pressure",
		},
		[]string{"level"}, // level: moderate, aggressive
	)

	// Metrics collection error tracking
	MetricsCollectionErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metrics_collection_errors_total",
			Help: "Total number of errors during metrics collection",
		},
		[]string{"collector"},
	)

	// API request metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"endpoint", "method", "status"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "API request latency by route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint", "method"},
	)

	APIRateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_rate_limited_total",
			Help: "Total number of inbound API requests rejected by rate limiting",
		},
		[]string{"scope"}, // scope: global, ip
	)

	// WebSocket metrics
	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "websocket_connections_active",
			Help: "Number of active WebSocket connections",
		},
	)

	WebSocketMessagesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "websocket_messages_sent_total",
			Help: "Total number of WebSocket messages sent to clients",
		},
	)
)
