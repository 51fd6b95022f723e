// Package adaptive periodically scores recent request outcomes and network
// quality and re-tunes the dispatcher's concurrency, batch window, and timeout.
package adaptive

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/onnwee/cinestream/backend/internal/dispatcher"
	"github.com/onnwee/cinestream/backend/internal/events"
	"github.com/onnwee/cinestream/backend/internal/logger"
	"github.com/onnwee/cinestream/backend/internal/metrics"
	"github.com/onnwee/cinestream/backend/internal/netsignal"
)

// Strategy is a named set of dispatcher parameters.
type Strategy string

const (
	Conservative Strategy = "conservative"
	Balanced     Strategy = "balanced"
	Aggressive   Strategy = "aggressive"
)

var strategies = []Strategy{Conservative, Balanced, Aggressive}

// ParseStrategy validates s.
func ParseStrategy(s string) (Strategy, error) {
	for _, st := range strategies {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown strategy %q", s)
}

// Tuning returns the dispatcher parameters for s.
func (s Strategy) Tuning() dispatcher.Tuning {
	switch s {
	case Conservative:
		return dispatcher.Tuning{MaxConcurrent: 2, BatchWindow: 200 * time.Millisecond, Timeout: 15 * time.Second}
	case Aggressive:
		return dispatcher.Tuning{MaxConcurrent: 10, BatchWindow: 50 * time.Millisecond, Timeout: 5 * time.Second}
	}
	return dispatcher.Tuning{MaxConcurrent: 6, BatchWindow: 100 * time.Millisecond, Timeout: 10 * time.Second}
}

// strategyFor maps an overall score to a strategy.
func strategyFor(overall float64) Strategy {
	switch {
	case overall < 0.3:
		return Conservative
	case overall < 0.7:
		return Balanced
	}
	return Aggressive
}

// Target is the dispatcher surface the controller drives.
type Target interface {
	Outcomes() []dispatcher.Outcome
	Tune(dispatcher.Tuning)
}

// NetworkSignal supplies the latest network-quality observation, if any.
type NetworkSignal interface {
	Latest() (netsignal.Signal, bool)
}

// Config holds controller settings.
type Config struct {
	Interval        time.Duration // between ticks
	MinInterval     time.Duration // minimum time between applied changes
	SlowResponse    time.Duration // average duration that scores zero
	HistorySize     int
	InitialStrategy Strategy
}

// DefaultConfig returns stock controller settings.
func DefaultConfig() Config {
	return Config{
		Interval:        30 * time.Second,
		MinInterval:     60 * time.Second,
		SlowResponse:    3 * time.Second,
		HistorySize:     10,
		InitialStrategy: Balanced,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.MinInterval <= 0 {
		c.MinInterval = d.MinInterval
	}
	if c.SlowResponse <= 0 {
		c.SlowResponse = d.SlowResponse
	}
	if c.HistorySize <= 0 {
		c.HistorySize = d.HistorySize
	}
	if c.InitialStrategy == "" {
		c.InitialStrategy = d.InitialStrategy
	}
	return c
}

// State is a snapshot of the controller.
type State struct {
	Strategy           Strategy  `json:"strategy"`
	PerformanceHistory []float64 `json:"performance_history"`
	NetworkHistory     []float64 `json:"network_history"`
	Overall            float64   `json:"overall"`
	LastAdaptationAt   time.Time `json:"last_adaptation_at,omitempty"`
	LastTickAt         time.Time `json:"last_tick_at,omitempty"`
}

// ChangeEvent is emitted when a new strategy is applied.
type ChangeEvent struct {
	From    Strategy
	To      Strategy
	Reason  string
	Overall float64
	At      time.Time
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(c *Controller) { c.log = l } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(c *Controller) { c.now = now } }

// Controller owns the adaptive state. Only Tick and ForceStrategy mutate it.
type Controller struct {
	cfg    Config
	target Target
	signal NetworkSignal // may be nil
	log    *slog.Logger
	now    func() time.Time

	mu          sync.Mutex
	strategy    Strategy
	perf        []float64
	net         []float64
	overall     float64
	lastAdapt   time.Time
	lastTick    time.Time
	lastOutcome time.Time

	changes events.Subject[ChangeEvent]

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a controller. signal may be nil, in which case the network is
// assumed fast.
func New(cfg Config, target Target, signal NetworkSignal, opts ...Option) *Controller {
	cfg = cfg.withDefaults()
	c := &Controller{
		cfg:      cfg,
		target:   target,
		signal:   signal,
		now:      time.Now,
		strategy: cfg.InitialStrategy,
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logger.WithComponent("adaptive")
	}
	setStrategyGauge(c.strategy)
	return c
}

// Start runs Tick on the configured interval until ctx is done or Stop is called.
func (c *Controller) Start(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.Tick()
		case <-c.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop ends the Start loop and drops change listeners.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() {
		close(c.stop)
		c.changes.Reset()
	})
}

// Tick samples, scores, and applies a new strategy when the change gate allows.
// It reports whether a new strategy was applied.
func (c *Controller) Tick() bool {
	now := c.now()
	outcomes := c.target.Outcomes()

	c.mu.Lock()
	if perf, ok := c.performanceScore(outcomes); ok {
		c.perf = pushBounded(c.perf, perf, c.cfg.HistorySize)
	}
	c.net = pushBounded(c.net, c.networkScore(), c.cfg.HistorySize)
	c.lastTick = now

	perfAvg, netAvg := average(c.perf), average(c.net)
	c.overall = (perfAvg + netAvg) / 2
	next := strategyFor(c.overall)
	from := c.strategy
	gateOpen := c.lastAdapt.IsZero() || now.Sub(c.lastAdapt) >= c.cfg.MinInterval
	apply := next != from && gateOpen
	if apply {
		c.strategy = next
		c.lastAdapt = now
	}
	overall := c.overall
	c.mu.Unlock()

	metrics.AdaptiveScore.WithLabelValues("performance").Set(perfAvg)
	metrics.AdaptiveScore.WithLabelValues("network").Set(netAvg)
	metrics.AdaptiveScore.WithLabelValues("overall").Set(overall)

	if !apply {
		if next != from {
			c.log.Debug("strategy change deferred", "from", from, "to", next, "overall", overall)
		}
		return false
	}
	c.apply(from, next, "evaluation", overall, now)
	return true
}

// ForceStrategy applies s immediately, bypassing the change gate. The
// resource monitor uses it to shed load under memory pressure.
func (c *Controller) ForceStrategy(s Strategy, reason string) {
	now := c.now()
	c.mu.Lock()
	from := c.strategy
	c.strategy = s
	c.lastAdapt = now
	overall := c.overall
	c.mu.Unlock()

	if reason == "" {
		reason = "forced"
	}
	c.apply(from, s, reason, overall, now)
}

// Conserve forces the conservative strategy.
func (c *Controller) Conserve(reason string) { c.ForceStrategy(Conservative, reason) }

func (c *Controller) apply(from, to Strategy, reason string, overall float64, at time.Time) {
	c.target.Tune(to.Tuning())
	setStrategyGauge(to)
	label := "evaluation"
	if reason != "evaluation" {
		label = "forced"
	}
	metrics.AdaptiveChanges.WithLabelValues(label).Inc()
	c.log.Info("loading strategy applied", "from", from, "to", to, "reason", reason, "overall", math.Round(overall*100)/100)
	c.changes.Emit(ChangeEvent{From: from, To: to, Reason: reason, Overall: overall, At: at})
}

// performanceScore uses outcomes recorded since the previous tick. It reports
// false when there were none.
func (c *Controller) performanceScore(outcomes []dispatcher.Outcome) (float64, bool) {
	var n, ok int
	var total time.Duration
	newest := c.lastOutcome
	for _, o := range outcomes {
		if !o.At.After(c.lastOutcome) {
			continue
		}
		n++
		if o.Success {
			ok++
		}
		total += o.Duration
		if o.At.After(newest) {
			newest = o.At
		}
	}
	if n == 0 {
		return 0, false
	}
	c.lastOutcome = newest

	successRate := float64(ok) / float64(n)
	avg := total / time.Duration(n)
	normalized := 1 - math.Min(float64(avg)/float64(c.cfg.SlowResponse), 1)
	return 0.5*successRate + 0.5*normalized, true
}

// networkScore is 1 when no signal is available.
func (c *Controller) networkScore() float64 {
	if c.signal == nil {
		return 1
	}
	s, ok := c.signal.Latest()
	if !ok {
		return 1
	}
	ect := 1.0
	if s.HasECT() {
		ect = s.ECTScore()
	}
	downlink := 1.0
	if s.HasDownlink() {
		downlink = math.Min(s.Downlink/10, 1)
	}
	return 0.5*ect + 0.5*downlink
}

// State returns a snapshot.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{
		Strategy:           c.strategy,
		PerformanceHistory: append([]float64(nil), c.perf...),
		NetworkHistory:     append([]float64(nil), c.net...),
		Overall:            c.overall,
		LastAdaptationAt:   c.lastAdapt,
		LastTickAt:         c.lastTick,
	}
}

// Strategy returns the current strategy.
func (c *Controller) Strategy() Strategy {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.strategy
}

// OnChange subscribes to applied strategy changes.
func (c *Controller) OnChange(fn func(ChangeEvent)) (unsubscribe func()) {
	return c.changes.On(fn)
}

func pushBounded(h []float64, v float64, size int) []float64 {
	h = append(h, v)
	if len(h) > size {
		h = append(h[:0], h[len(h)-size:]...)
	}
	return h
}

// average of an empty history is 1, matching the optimistic default.
func average(h []float64) float64 {
	if len(h) == 0 {
		return 1
	}
	var sum float64
	for _, v := range h {
		sum += v
	}
	return sum / float64(len(h))
}

func setStrategyGauge(current Strategy) {
	for _, s := range strategies {
		v := 0.0
		if s == current {
			v = 1
		}
		metrics.AdaptiveStrategy.WithLabelValues(string(s)).Set(v)
	}
}
