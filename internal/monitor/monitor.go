// Package monitor samples heap usage and client frame rate, classifies them,
// and runs cleanups when memory crosses the warning or critical threshold.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/onnwee/cinestream/backend/internal/errorreporting"
	"github.com/onnwee/cinestream/backend/internal/events"
	"github.com/onnwee/cinestream/backend/internal/logger"
	"github.com/onnwee/cinestream/backend/internal/metrics"
)

// Status classifies one resource.
type Status string

const (
	StatusGood    Status = "good"
	StatusFair    Status = "fair"
	StatusPoor    Status = "poor"
	StatusUnknown Status = "unknown"
)

func (s Status) gauge() float64 {
	switch s {
	case StatusGood:
		return 0
	case StatusFair:
		return 1
	case StatusPoor:
		return 2
	}
	return -1
}

// Level is the memory pressure band.
type Level int

const (
	LevelNormal Level = iota
	LevelWarning
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	}
	return "normal"
}

// MarshalText renders the level name.
func (l Level) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

// MemorySampler reports current heap usage in bytes.
type MemorySampler interface {
	SampleMemory() (heapBytes uint64, ok bool)
}

// FrameSampler reports the current frame rate.
type FrameSampler interface {
	SampleFPS() (fps float64, ok bool)
}

// Cleaner is a cache the monitor may sweep or clear.
type Cleaner interface {
	Name() string
	Clear()
	Sweep() int
}

// Retuner sheds load on request.
type Retuner interface {
	Conserve(reason string)
}

// Config holds monitor settings.
type Config struct {
	Interval        time.Duration
	HeapBudgetBytes uint64
	WarningRatio    float64
	CriticalRatio   float64
	FPSGood         float64 // at or above: good
	FPSFair         float64 // at or above: fair, below: poor
}

// DefaultConfig returns stock monitor settings.
func DefaultConfig() Config {
	return Config{
		Interval:        10 * time.Second,
		HeapBudgetBytes: 512 * 1024 * 1024,
		WarningRatio:    0.7,
		CriticalRatio:   0.9,
		FPSGood:         50,
		FPSFair:         30,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.HeapBudgetBytes == 0 {
		c.HeapBudgetBytes = d.HeapBudgetBytes
	}
	if c.WarningRatio <= 0 || c.CriticalRatio <= 0 || c.CriticalRatio <= c.WarningRatio {
		c.WarningRatio, c.CriticalRatio = d.WarningRatio, d.CriticalRatio
	}
	if c.FPSGood <= 0 {
		c.FPSGood = d.FPSGood
	}
	if c.FPSFair <= 0 || c.FPSFair >= c.FPSGood {
		c.FPSFair = d.FPSFair
	}
	return c
}

// Sample is the result of one tick.
type Sample struct {
	At          time.Time `json:"at"`
	HeapBytes   uint64    `json:"heap_bytes"`
	BudgetBytes uint64    `json:"budget_bytes"`
	Ratio       float64   `json:"ratio"`
	MemoryKnown bool      `json:"memory_known"`
	FPS         float64   `json:"fps,omitempty"`
	FPSKnown    bool      `json:"fps_known"`
	Memory      Status    `json:"memory"`
	Frames      Status    `json:"frames"`
	Level       Level     `json:"level"` // carried over from the previous tick when memory is unknown
}

// StatusEvent is emitted when the memory or frame status changes.
type StatusEvent struct {
	Previous Sample
	Current  Sample
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(m *Monitor) { m.log = l } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(m *Monitor) { m.now = now } }

// WithMemorySampler replaces the runtime heap sampler.
func WithMemorySampler(s MemorySampler) Option { return func(m *Monitor) { m.memory = s } }

// WithFrameSampler sets the frame-rate source.
func WithFrameSampler(s FrameSampler) Option { return func(m *Monitor) { m.frames = s } }

// WithCleaners registers caches to sweep and clear.
func WithCleaners(cs ...Cleaner) Option {
	return func(m *Monitor) { m.cleaners = append(m.cleaners, cs...) }
}

// WithRetuner sets the controller forced conservative on critical memory.
func WithRetuner(r Retuner) Option { return func(m *Monitor) { m.retuner = r } }

// WithCleanupHook adds a non-essential cleanup run on critical memory.
func WithCleanupHook(name string, fn func()) Option {
	return func(m *Monitor) { m.hooks = append(m.hooks, hook{name: name, fn: fn}) }
}

// WithGC replaces the collector invoked after aggressive cleanup.
func WithGC(fn func()) Option { return func(m *Monitor) { m.gc = fn } }

type hook struct {
	name string
	fn   func()
}

// Monitor is safe for concurrent use.
type Monitor struct {
	cfg      Config
	log      *slog.Logger
	now      func() time.Time
	memory   MemorySampler
	frames   FrameSampler // may be nil
	cleaners []Cleaner
	retuner  Retuner // may be nil
	hooks    []hook
	gc       func()

	mu    sync.Mutex
	last  Sample
	ticks int
	recs  []*Recommendation

	statuses events.Subject[StatusEvent]

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a monitor.
func New(cfg Config, opts ...Option) *Monitor {
	m := &Monitor{
		cfg:    cfg.withDefaults(),
		now:    time.Now,
		memory: RuntimeHeap{},
		gc:     defaultGC,
		stop:   make(chan struct{}),
		last:   Sample{Memory: StatusUnknown, Frames: StatusUnknown},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.log == nil {
		m.log = logger.WithComponent("monitor")
	}
	return m
}

func defaultGC() {
	runtime.GC()
	debug.FreeOSMemory()
}

// Start runs Tick on the configured interval until ctx is done or Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.Tick()
	for {
		select {
		case <-ticker.C:
			m.Tick()
		case <-m.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop ends the Start loop and drops status listeners.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stop)
		m.statuses.Reset()
	})
}

// Tick samples, classifies, and runs any cleanup the transition calls for.
// Cleanup finishes before Tick returns.
func (m *Monitor) Tick() Sample {
	s := Sample{At: m.now(), BudgetBytes: m.cfg.HeapBudgetBytes, Memory: StatusUnknown, Frames: StatusUnknown}
	if heap, ok := m.memory.SampleMemory(); ok {
		s.MemoryKnown = true
		s.HeapBytes = heap
		s.Ratio = float64(heap) / float64(m.cfg.HeapBudgetBytes)
		s.Level = m.level(s.Ratio)
		s.Memory = memoryStatus(s.Level)
	}
	if m.frames != nil {
		if fps, ok := m.frames.SampleFPS(); ok {
			s.FPSKnown = true
			s.FPS = fps
			s.Frames = m.frameStatus(fps)
		}
	}

	m.mu.Lock()
	prev := m.last
	if !s.MemoryKnown {
		// a missed sample is not a crossing
		s.Level = prev.Level
	}
	m.last = s
	m.ticks++
	changed := prev.Memory != s.Memory || prev.Frames != s.Frames
	if changed || m.recs == nil {
		m.recs = m.recommend(s)
	}
	m.mu.Unlock()

	metrics.MonitorHeapRatio.Set(s.Ratio)
	metrics.MonitorStatus.WithLabelValues("memory").Set(s.Memory.gauge())
	metrics.MonitorStatus.WithLabelValues("frames").Set(s.Frames.gauge())

	switch {
	case s.Level == LevelCritical && prev.Level != LevelCritical:
		m.aggressiveCleanup(s)
	case s.Level == LevelWarning && prev.Level == LevelNormal:
		m.moderateCleanup(s)
	}

	if changed {
		m.log.Info("resource status changed", "memory", s.Memory, "frames", s.Frames, "heap_ratio", s.Ratio)
		m.statuses.Emit(StatusEvent{Previous: prev, Current: s})
	}
	return s
}

func (m *Monitor) level(ratio float64) Level {
	switch {
	case ratio >= m.cfg.CriticalRatio:
		return LevelCritical
	case ratio >= m.cfg.WarningRatio:
		return LevelWarning
	}
	return LevelNormal
}

func memoryStatus(l Level) Status {
	switch l {
	case LevelCritical:
		return StatusPoor
	case LevelWarning:
		return StatusFair
	}
	return StatusGood
}

func (m *Monitor) frameStatus(fps float64) Status {
	switch {
	case fps >= m.cfg.FPSGood:
		return StatusGood
	case fps >= m.cfg.FPSFair:
		return StatusFair
	}
	return StatusPoor
}

func (m *Monitor) aggressiveCleanup(s Sample) {
	m.log.Warn("memory critical, running aggressive cleanup", "heap_bytes", s.HeapBytes, "budget_bytes", s.BudgetBytes, "ratio", s.Ratio)
	errorreporting.AddBreadcrumb("monitor", fmt.Sprintf("heap at %.0f%% of budget", s.Ratio*100), sentry.LevelWarning)
	errorreporting.CaptureMessage("memory critical: aggressive cleanup", sentry.LevelWarning)

	m.clearAll()
	for _, h := range m.hooks {
		m.runHook(h)
	}
	if m.retuner != nil {
		m.retuner.Conserve("memory_critical")
	}
	if m.gc != nil {
		m.gc()
	}
	metrics.MonitorCleanups.WithLabelValues("aggressive").Inc()
}

func (m *Monitor) runHook(h hook) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("cleanup hook panicked", "hook", h.name, "panic", r)
		}
	}()
	h.fn()
}

func (m *Monitor) moderateCleanup(s Sample) {
	removed := m.sweepAll()
	m.log.Info("memory warning, swept expired entries", "ratio", s.Ratio, "removed", removed)
	metrics.MonitorCleanups.WithLabelValues("moderate").Inc()
}

func (m *Monitor) clearAll() {
	for _, c := range m.cleaners {
		c.Clear()
		m.log.Info("cache cleared", "cache", c.Name())
	}
}

func (m *Monitor) sweepAll() int {
	removed := 0
	for _, c := range m.cleaners {
		removed += c.Sweep()
	}
	return removed
}

// LastSample returns the most recent sample.
func (m *Monitor) LastSample() Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Status returns the current memory and frame statuses.
func (m *Monitor) Status() (memory, frames Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last.Memory, m.last.Frames
}

// OnStatus subscribes to status changes.
func (m *Monitor) OnStatus(fn func(StatusEvent)) (unsubscribe func()) {
	return m.statuses.On(fn)
}

// Recommendation is a manual remediation the caller may offer. Action runs
// at most once; later calls are no-ops.
type Recommendation struct {
	Type     string `json:"type"`
	Priority int    `json:"priority"` // lower runs first
	Message  string `json:"message"`
	Action   func() `json:"-"`
}

// Recommendation priorities.
const (
	PriorityHigh   = 1
	PriorityMedium = 2
	PriorityLow    = 3
)

func once(fn func()) func() {
	var o sync.Once
	return func() { o.Do(fn) }
}

// recommend builds the list for s. Actions stay the same until the status
// changes, so re-invoking one that already ran does nothing.
func (m *Monitor) recommend(s Sample) []*Recommendation {
	recs := []*Recommendation{}
	switch s.Memory {
	case StatusPoor:
		recs = append(recs, &Recommendation{
			Type:     "clear_cache",
			Priority: PriorityHigh,
			Message:  "Memory usage is critical. Clear cached responses to free memory.",
			Action:   once(m.clearAll),
		})
	case StatusFair:
		recs = append(recs, &Recommendation{
			Type:     "sweep_cache",
			Priority: PriorityMedium,
			Message:  "Memory usage is elevated. Remove expired cache entries.",
			Action:   once(func() { m.sweepAll() }),
		})
	}
	if s.Frames == StatusPoor || s.Frames == StatusFair {
		p := PriorityMedium
		if s.Frames == StatusFair {
			p = PriorityLow
		}
		recs = append(recs, &Recommendation{
			Type:     "reduce_concurrency",
			Priority: p,
			Message:  "Rendering is slow. Load fewer resources at once.",
			Action: once(func() {
				if m.retuner != nil {
					m.retuner.Conserve("frame_rate")
				}
			}),
		})
	}
	if s.Memory == StatusPoor && len(m.hooks) > 0 {
		recs = append(recs, &Recommendation{
			Type:     "drop_non_essential",
			Priority: PriorityMedium,
			Message:  "Drop non-essential in-memory state.",
			Action: once(func() {
				for _, h := range m.hooks {
					m.runHook(h)
				}
			}),
		})
	}
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Priority < recs[j].Priority })
	return recs
}

// GetOptimizationRecommendations returns remediations ordered by priority.
func (m *Monitor) GetOptimizationRecommendations() []Recommendation {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recs == nil {
		m.recs = m.recommend(m.last)
	}
	out := make([]Recommendation, len(m.recs))
	for i, r := range m.recs {
		out[i] = *r
	}
	return out
}

// RunRecommendation invokes the action of the current recommendation with
// the given type. It reports false when no such recommendation exists.
func (m *Monitor) RunRecommendation(typ string) bool {
	for _, r := range m.GetOptimizationRecommendations() {
		if r.Type == typ {
			r.Action()
			return true
		}
	}
	return false
}
