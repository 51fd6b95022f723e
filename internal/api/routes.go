package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/cinestream/backend/internal/api/handlers"
	"github.com/onnwee/cinestream/backend/internal/config"
	"github.com/onnwee/cinestream/backend/internal/middleware"
	"github.com/onnwee/cinestream/backend/internal/netsignal"
)

// Requests is the dispatcher surface the routes expose.
type Requests interface {
	handlers.RequestStats
	handlers.TuningSource
}

// Services are the dependencies the router mounts. Nil members leave their
// routes unregistered, except Catalog which is required.
type Services struct {
	Catalog     handlers.CatalogService
	Cache       handlers.CacheStore
	Requests    Requests
	Monitor     handlers.ResourceMonitor
	Frames      handlers.FrameReporter
	Adaptive    handlers.StrategyController
	Hub         *handlers.Hub
	Signals     *netsignal.Recorder
	RateLimiter *middleware.RateLimiter
	Started     time.Time
}

var (
	detailsCache = middleware.ETagPolicy{MaxAge: 5 * time.Minute, StaleWhileRevalidate: time.Hour}
	listCache    = middleware.ETagPolicy{MaxAge: time.Minute, StaleWhileRevalidate: 5 * time.Minute}
)

func corsConfig(cfg *config.Config) *middleware.CORSConfig {
	c := middleware.DefaultCORSConfig()
	if len(cfg.CORSAllowedOrigins) > 0 {
		c.AllowedOrigins = cfg.CORSAllowedOrigins
	}
	return c
}

// NewRouter builds the HTTP surface. The returned handler applies the
// request-wide middleware before routing so CORS preflights and rate limits
// cover every path.
func NewRouter(cfg *config.Config, s Services) http.Handler {
	r := mux.NewRouter()
	r.Use(middleware.RequestMetrics)

	checks := handlers.HealthChecks{Requests: s.Requests, Monitor: s.Monitor, Started: s.Started}
	r.HandleFunc("/health", handlers.Health(checks)).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	apiRouter := r.PathPrefix("/api").Subrouter()

	// Catalog
	cat := handlers.NewCatalogHandler(s.Catalog)
	apiRouter.Handle("/movies/{id:[0-9]+}", middleware.ETag(detailsCache)(http.HandlerFunc(cat.GetMovie))).Methods(http.MethodGet)
	apiRouter.Handle("/tv/{id:[0-9]+}", middleware.ETag(detailsCache)(http.HandlerFunc(cat.GetTV))).Methods(http.MethodGet)
	apiRouter.Handle("/search", middleware.ETag(listCache)(http.HandlerFunc(cat.Search))).Methods(http.MethodGet)
	apiRouter.Handle("/trending/{media}/{window}", middleware.ETag(listCache)(http.HandlerFunc(cat.GetTrending))).Methods(http.MethodGet)
	apiRouter.HandleFunc("/movies/preload", cat.PreloadMovies).Methods(http.MethodPost)

	adminOnly := middleware.AdminOnly(cfg.AdminAPIToken)

	// Cache administration
	if s.Cache != nil {
		ch := handlers.NewCacheAdminHandler(s.Cache, s.Requests)
		apiRouter.HandleFunc("/cache/stats", ch.GetCacheStats).Methods(http.MethodGet)
		apiRouter.Handle("/cache/entries", adminOnly(http.HandlerFunc(ch.GetEntries))).Methods(http.MethodGet)
		apiRouter.Handle("/cache/inflight", adminOnly(http.HandlerFunc(ch.GetInFlight))).Methods(http.MethodGet)
		apiRouter.Handle("/cache/invalidate", adminOnly(http.HandlerFunc(ch.InvalidateCache))).Methods(http.MethodPost)
		apiRouter.Handle("/cache/clear", adminOnly(http.HandlerFunc(ch.ClearCache))).Methods(http.MethodPost)
	}

	// Resource monitor
	if s.Monitor != nil {
		mh := handlers.NewMonitorHandler(s.Monitor, s.Frames)
		apiRouter.HandleFunc("/monitor", mh.GetStatus).Methods(http.MethodGet)
		apiRouter.HandleFunc("/monitor/frames", mh.ReportFrames).Methods(http.MethodPost)
		apiRouter.Handle("/monitor/recommendations/{type}", adminOnly(http.HandlerFunc(mh.RunRecommendation))).Methods(http.MethodPost)
	}

	// Adaptive controller
	if s.Adaptive != nil {
		ah := handlers.NewAdaptiveHandler(s.Adaptive, s.Requests)
		apiRouter.HandleFunc("/adaptive", ah.GetState).Methods(http.MethodGet)
		apiRouter.Handle("/adaptive/strategy", adminOnly(http.HandlerFunc(ah.ForceStrategy))).Methods(http.MethodPost)
	}

	r.PathPrefix("/debug/pprof/").Handler(adminOnly(handlers.Profiling())).Methods(http.MethodGet)

	// Presence
	if s.Hub != nil {
		r.HandleFunc("/ws", s.Hub.ServeWS).Methods(http.MethodGet)
	}

	var h http.Handler = r
	h = middleware.ValidateRequestBody(h)
	if s.RateLimiter != nil {
		h = s.RateLimiter.Limit(h)
	}
	if s.Signals != nil {
		h = s.Signals.Middleware(h)
	}
	h = middleware.Compress(h)
	h = middleware.CORS(corsConfig(cfg))(h)
	h = middleware.SecurityHeaders(h)
	h = middleware.RecoverWithSentry(h)
	h = middleware.RequestID(h)
	return h
}
