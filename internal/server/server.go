package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/onnwee/cinestream/backend/internal/adaptive"
	"github.com/onnwee/cinestream/backend/internal/api"
	"github.com/onnwee/cinestream/backend/internal/api/handlers"
	"github.com/onnwee/cinestream/backend/internal/cache"
	"github.com/onnwee/cinestream/backend/internal/catalog"
	"github.com/onnwee/cinestream/backend/internal/config"
	"github.com/onnwee/cinestream/backend/internal/dispatcher"
	"github.com/onnwee/cinestream/backend/internal/logger"
	"github.com/onnwee/cinestream/backend/internal/metrics"
	"github.com/onnwee/cinestream/backend/internal/middleware"
	"github.com/onnwee/cinestream/backend/internal/monitor"
	"github.com/onnwee/cinestream/backend/internal/netsignal"
)

const metricsInterval = 15 * time.Second

// Server owns the caching subsystem and the HTTP surface built on it.
type Server struct {
	cfg *config.Config
	log *slog.Logger

	Cache      *cache.Cache[dispatcher.Payload]
	Dispatcher *dispatcher.Dispatcher
	Catalog    *catalog.Client
	Controller *adaptive.Controller
	Monitor    *monitor.Monitor
	Frames     *monitor.FrameRecorder
	Signals    *netsignal.Recorder
	Hub        *handlers.Hub
	collector  *metrics.Collector
	limiter    *middleware.RateLimiter

	started     time.Time
	unsubscribe []func()

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped bool
}

// Option configures a Server.
type Option func(*serverOptions)

type serverOptions struct {
	dispatcher []dispatcher.Option
	monitor    []monitor.Option
	catalog    []catalog.Option
}

// WithDispatcherOptions passes options through to the request dispatcher.
func WithDispatcherOptions(opts ...dispatcher.Option) Option {
	return func(o *serverOptions) { o.dispatcher = append(o.dispatcher, opts...) }
}

// WithCatalogOptions passes options through to the catalog client.
func WithCatalogOptions(opts ...catalog.Option) Option {
	return func(o *serverOptions) { o.catalog = append(o.catalog, opts...) }
}

// WithMonitorOptions passes options through to the resource monitor.
func WithMonitorOptions(opts ...monitor.Option) Option {
	return func(o *serverOptions) { o.monitor = append(o.monitor, opts...) }
}

// NewServer wires the cache, dispatcher, controller, and monitor from cfg.
// Nothing runs until Start.
func NewServer(cfg *config.Config, opts ...Option) (*Server, error) {
	var o serverOptions
	for _, opt := range opts {
		opt(&o)
	}
	s := &Server{cfg: cfg, log: logger.WithComponent("server"), started: time.Now()}

	codec, err := cache.CodecFor[dispatcher.Payload](cfg.CacheCodec)
	if err != nil {
		return nil, fmt.Errorf("cache codec: %w", err)
	}
	s.Cache, err = cache.New(cache.Config{
		MaxEntries:           cfg.CacheMaxEntries,
		MaxMemoryBytes:       cfg.CacheMaxMemoryBytes(),
		DefaultTTL:           cfg.CacheDefaultTTL,
		CleanupInterval:      cfg.CacheCleanupInterval,
		CompressionThreshold: cfg.CacheCompressionThreshold,
		Codec:                cfg.CacheCodec,
	}, cache.WithName[dispatcher.Payload]("catalog"), cache.WithCodec(codec))
	if err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}

	s.Dispatcher, err = dispatcher.New(dispatcher.ConfigFromEnv(cfg), s.Cache, o.dispatcher...)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: %w", err)
	}
	s.Catalog = catalog.New(s.Dispatcher, s.Cache, o.catalog...)

	s.Signals = netsignal.NewRecorder(cfg.ClientHintsMaxAge)
	s.Frames = monitor.NewFrameRecorder(cfg.FrameReportMaxAge)

	acfg := adaptive.DefaultConfig()
	acfg.Interval = cfg.AdaptiveInterval
	acfg.MinInterval = cfg.AdaptiveMinInterval
	s.Controller = adaptive.New(acfg, s.Dispatcher, s.Signals)

	mcfg := monitor.DefaultConfig()
	mcfg.Interval = cfg.MonitorInterval
	mcfg.HeapBudgetBytes = cfg.MonitorHeapBudgetBytes()
	mcfg.WarningRatio = cfg.MonitorWarningRatio
	mcfg.CriticalRatio = cfg.MonitorCriticalRatio
	mopts := append([]monitor.Option{
		monitor.WithFrameSampler(s.Frames),
		monitor.WithCleaners(s.Cache),
		monitor.WithRetuner(s.Controller),
		monitor.WithCleanupHook("negative-cache", s.Dispatcher.ForgetFailures),
	}, o.monitor...)
	s.Monitor = monitor.New(mcfg, mopts...)

	s.collector = metrics.NewCollector(metricsInterval)
	s.collector.Register(s.Cache.Name(), s.Cache.Gauges)

	if cfg.EnableRateLimit {
		s.limiter = middleware.NewRateLimiter(middleware.RateLimitConfig{
			GlobalRate:  cfg.RateLimitGlobal,
			GlobalBurst: cfg.RateLimitGlobalBurst,
			IPRate:      cfg.RateLimitPerIP,
			IPBurst:     cfg.RateLimitPerIPBurst,
			TrustProxy:  cfg.TrustProxyHeaders,
			Exempt:      []string{"/health", "/metrics"},
		})
	}
	s.Hub = handlers.NewHub(cfg.PresenceDebounce, handlers.WithFrameReports(s.Frames))

	s.unsubscribe = append(s.unsubscribe,
		s.Controller.OnChange(func(e adaptive.ChangeEvent) {
			s.log.Info("strategy changed", "from", e.From, "to", e.To, "reason", e.Reason, "overall", e.Overall)
		}),
		s.Monitor.OnStatus(func(e monitor.StatusEvent) {
			s.log.Info("resource status changed",
				"memory", e.Current.Memory, "previous_memory", e.Previous.Memory,
				"frames", e.Current.Frames, "previous_frames", e.Previous.Frames)
		}),
	)
	return s, nil
}

// Handler returns the HTTP surface.
func (s *Server) Handler() http.Handler {
	return api.NewRouter(s.cfg, api.Services{
		Catalog:     s.Catalog,
		Cache:       s.Cache,
		Requests:    s.Dispatcher,
		Monitor:     s.Monitor,
		Frames:      s.Frames,
		Adaptive:    s.Controller,
		Hub:         s.Hub,
		Signals:     s.Signals,
		RateLimiter: s.limiter,
		Started:     s.started,
	})
}

// Start launches the background loops. They run until ctx is done or Stop
// is called.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return errors.New("server stopped")
	}
	if s.cancel != nil {
		return nil
	}
	ctx, s.cancel = context.WithCancel(ctx)

	s.Cache.Start(ctx)
	for _, run := range []func(context.Context){s.Controller.Start, s.Monitor.Start, s.collector.Start, s.Hub.Run} {
		s.wg.Add(1)
		go func(run func(context.Context)) {
			defer s.wg.Done()
			run(ctx)
		}(run)
	}
	s.log.Info("background workers started",
		"cache_codec", s.cfg.CacheCodec,
		"max_concurrent", s.cfg.HTTPMaxConcurrent,
		"strategy", s.Controller.Strategy())
	return nil
}

// Stop halts every loop in reverse start order and waits for them to exit.
// Safe to call more than once.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	cancel := s.cancel
	s.mu.Unlock()

	for _, unsub := range s.unsubscribe {
		unsub()
	}
	s.Hub.Stop()
	s.collector.Stop()
	s.Monitor.Stop()
	s.Controller.Stop()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.Dispatcher.Stop()
	s.Cache.Stop()
	if s.limiter != nil {
		s.limiter.Stop()
	}
	s.log.Info("background workers stopped")
}
