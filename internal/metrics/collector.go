package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/cinestream/backend/internal/logger"
)

// CacheGauges is a point-in-time view of a cache façade.
type CacheGauges struct {
	Entries     int
	MemoryBytes int64
	Efficiency  float64
}

// CacheSource reports the current gauges of one named cache.
type CacheSource func() (CacheGauges, error)

// Collector periodically samples registered caches and updates their gauges.
type Collector struct {
	interval time.Duration
	log      *slog.Logger

	mu      sync.Mutex
	sources map[string]CacheSource

	stop     chan struct{}
	stopOnce sync.Once
}

// NewCollector creates a new metrics collector
func NewCollector(interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		interval: interval,
		log:      logger.WithComponent("metrics"),
		sources:  make(map[string]CacheSource),
		stop:     make(chan struct{}),
	}
}

// Register adds or replaces the source for a named cache.
func (c *Collector) Register(name string, src CacheSource) {
	c.mu.Lock()
	c.sources[name] = src
	c.mu.Unlock()
}

// Start begins the metrics collection loop
func (c *Collector) Start(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	// Collect initial metrics
	c.Collect()

	for {
		select {
		case <-ticker.C:
			c.Collect()
		case <-c.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop stops the metrics collector. Safe to call more than once.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// Collect samples every registered source once.
func (c *Collector) Collect() {
	c.mu.Lock()
	sources := make(map[string]CacheSource, len(c.sources))
	for name, src := range c.sources {
		sources[name] = src
	}
	c.mu.Unlock()

	for name, src := range sources {
		g, err := src()
		if err != nil {
			c.log.Warn("cache metrics collection failed", "cache", name, "error", err)
			MetricsCollectionErrors.WithLabelValues(name).Inc()
			CacheEntries.WithLabelValues(name).Set(-1) // Signal stale data
			continue
		}
		CacheEntries.WithLabelValues(name).Set(float64(g.Entries))
		CacheMemoryBytes.WithLabelValues(name).Set(float64(g.MemoryBytes))
		CacheEfficiency.WithLabelValues(name).Set(g.Efficiency)
	}
}
