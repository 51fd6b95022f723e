package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/onnwee/cinestream/backend/internal/logger"
)

const budget = 1000

type fakeMemory struct {
	heap  uint64
	known bool
}

func (f *fakeMemory) SampleMemory() (uint64, bool) { return f.heap, f.known }

type fakeCleaner struct {
	clears int
	sweeps int
}

func (c *fakeCleaner) Name() string { return "fake" }
func (c *fakeCleaner) Clear()       { c.clears++ }
func (c *fakeCleaner) Sweep() int   { c.sweeps++; return 3 }

type fakeRetuner struct{ reasons []string }

func (r *fakeRetuner) Conserve(reason string) { r.reasons = append(r.reasons, reason) }

type harness struct {
	mon     *Monitor
	mem     *fakeMemory
	cleaner *fakeCleaner
	retuner *fakeRetuner
	gcs     int
	hooks   int
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		mem:     &fakeMemory{known: true},
		cleaner: &fakeCleaner{},
		retuner: &fakeRetuner{},
	}
	base := []Option{
		WithLogger(logger.Discard()),
		WithMemorySampler(h.mem),
		WithCleaners(h.cleaner),
		WithRetuner(h.retuner),
		WithGC(func() { h.gcs++ }),
		WithCleanupHook("thumbnails", func() { h.hooks++ }),
	}
	h.mon = New(Config{HeapBudgetBytes: budget}, append(base, opts...)...)
	return h
}

func (h *harness) at(heap uint64) Sample {
	h.mem.heap = heap
	return h.mon.Tick()
}

func TestLevels(t *testing.T) {
	h := newHarness(t)
	tests := []struct {
		heap   uint64
		level  Level
		status Status
	}{
		{100, LevelNormal, StatusGood},
		{699, LevelNormal, StatusGood},
		{700, LevelWarning, StatusFair},
		{899, LevelWarning, StatusFair},
		{900, LevelCritical, StatusPoor},
		{1500, LevelCritical, StatusPoor},
	}
	for _, tt := range tests {
		s := h.at(tt.heap)
		if s.Level != tt.level || s.Memory != tt.status {
			t.Errorf("heap %d: got %s/%s, want %s/%s", tt.heap, s.Level, s.Memory, tt.level, tt.status)
		}
	}
}

func TestCriticalCrossingCleansOncePerCrossing(t *testing.T) {
	h := newHarness(t)

	h.at(100)
	h.at(950)
	if h.cleaner.clears != 1 || h.hooks != 1 || h.gcs != 1 {
		t.Fatalf("expected one aggressive cleanup, got clears=%d hooks=%d gcs=%d", h.cleaner.clears, h.hooks, h.gcs)
	}
	if len(h.retuner.reasons) != 1 || h.retuner.reasons[0] != "memory_critical" {
		t.Errorf("expected retuner forced conservative, got %v", h.retuner.reasons)
	}

	h.at(990)
	h.at(920)
	if h.cleaner.clears != 1 {
		t.Errorf("staying critical must not clean again, got %d clears", h.cleaner.clears)
	}

	h.at(200)
	h.at(910)
	if h.cleaner.clears != 2 || h.gcs != 2 {
		t.Errorf("expected a second cleanup after re-crossing, got clears=%d gcs=%d", h.cleaner.clears, h.gcs)
	}
}

func TestFirstTickCriticalCleans(t *testing.T) {
	h := newHarness(t)
	h.at(999)
	if h.cleaner.clears != 1 {
		t.Errorf("expected cleanup on first critical sample, got %d", h.cleaner.clears)
	}
}

func TestWarningSweepsOnlyFromNormal(t *testing.T) {
	h := newHarness(t)

	h.at(100)
	h.at(750)
	if h.cleaner.sweeps != 1 || h.cleaner.clears != 0 {
		t.Fatalf("expected one sweep and no clear, got sweeps=%d clears=%d", h.cleaner.sweeps, h.cleaner.clears)
	}
	h.at(800)
	if h.cleaner.sweeps != 1 {
		t.Errorf("staying at warning must not sweep again, got %d", h.cleaner.sweeps)
	}

	h.at(950)
	h.at(750)
	if h.cleaner.sweeps != 1 {
		t.Errorf("dropping from critical to warning must not sweep, got %d", h.cleaner.sweeps)
	}
}

func TestUnknownMemorySkipsCleanup(t *testing.T) {
	h := newHarness(t)
	h.mem.known = false

	s := h.mon.Tick()
	if s.MemoryKnown || s.Memory != StatusUnknown {
		t.Errorf("expected unknown memory status, got %+v", s)
	}
	if h.cleaner.clears != 0 || h.cleaner.sweeps != 0 {
		t.Errorf("unknown memory must not trigger cleanup")
	}
	if _, frames := h.mon.Status(); frames != StatusUnknown {
		t.Errorf("expected unknown frames without a sampler, got %s", frames)
	}
}

func TestUnknownSampleBetweenCriticalTicksIsNotACrossing(t *testing.T) {
	h := newHarness(t)

	h.at(950)
	h.at(200)
	h.at(800)
	h.at(950)
	if h.cleaner.clears != 2 || h.cleaner.sweeps != 1 {
		t.Fatalf("setup: got clears=%d sweeps=%d", h.cleaner.clears, h.cleaner.sweeps)
	}

	h.mem.known = false
	if s := h.mon.Tick(); s.Level != LevelCritical || s.Memory != StatusUnknown {
		t.Errorf("expected the critical level carried with unknown status, got %s/%s", s.Level, s.Memory)
	}
	h.mem.known = true
	h.at(960)
	if h.cleaner.clears != 2 || h.gcs != 2 {
		t.Errorf("a missed sample must not re-run aggressive cleanup, got clears=%d gcs=%d", h.cleaner.clears, h.gcs)
	}

	h.at(750)
	h.mem.known = false
	h.mon.Tick()
	h.mem.known = true
	h.at(760)
	if h.cleaner.sweeps != 1 {
		t.Errorf("a missed sample at warning must not re-run the sweep, got %d", h.cleaner.sweeps)
	}
}

func TestFrameStatus(t *testing.T) {
	rec := NewFrameRecorder(0)
	h := newHarness(t, WithFrameSampler(rec))

	if s := h.at(100); s.Frames != StatusUnknown {
		t.Errorf("expected unknown frames before any report, got %s", s.Frames)
	}
	tests := []struct {
		fps  float64
		want Status
	}{
		{60, StatusGood},
		{50, StatusGood},
		{45, StatusFair},
		{30, StatusFair},
		{12, StatusPoor},
	}
	for _, tt := range tests {
		rec.Record(tt.fps)
		if s := h.at(100); s.Frames != tt.want {
			t.Errorf("fps %.0f: got %s, want %s", tt.fps, s.Frames, tt.want)
		}
	}
}

func TestFrameRecorderExpires(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rec := NewFrameRecorder(time.Minute)
	rec.now = func() time.Time { return now }

	if rec.Record(0) {
		t.Error("expected non-positive fps to be rejected")
	}
	rec.Record(58)
	if fps, ok := rec.SampleFPS(); !ok || fps != 58 {
		t.Fatalf("expected 58 fps, got %v %v", fps, ok)
	}
	now = now.Add(2 * time.Minute)
	if _, ok := rec.SampleFPS(); ok {
		t.Error("expected stale report to be unavailable")
	}
}

func TestHookPanicIsRecovered(t *testing.T) {
	h := newHarness(t, WithCleanupHook("broken", func() { panic("boom") }))
	h.at(950)
	if h.gcs != 1 || len(h.retuner.reasons) != 1 {
		t.Errorf("cleanup must continue past a panicking hook, gcs=%d reasons=%v", h.gcs, h.retuner.reasons)
	}
}

func TestRecommendationsOrdered(t *testing.T) {
	rec := NewFrameRecorder(0)
	h := newHarness(t, WithFrameSampler(rec))

	if recs := h.mon.GetOptimizationRecommendations(); len(recs) != 0 {
		t.Errorf("expected no recommendations before sampling, got %v", recs)
	}

	rec.Record(10)
	h.at(950)
	recs := h.mon.GetOptimizationRecommendations()
	want := []string{"clear_cache", "reduce_concurrency", "drop_non_essential"}
	if len(recs) != len(want) {
		t.Fatalf("expected %d recommendations, got %+v", len(want), recs)
	}
	for i, r := range recs {
		if r.Type != want[i] {
			t.Errorf("recommendation %d = %s, want %s", i, r.Type, want[i])
		}
		if i > 0 && r.Priority < recs[i-1].Priority {
			t.Errorf("recommendations not ordered by priority: %+v", recs)
		}
	}

	rec.Record(60)
	h.at(750)
	recs = h.mon.GetOptimizationRecommendations()
	if len(recs) != 1 || recs[0].Type != "sweep_cache" || recs[0].Priority != PriorityMedium {
		t.Errorf("expected a single sweep recommendation, got %+v", recs)
	}
}

func TestRecommendationActionRunsOnce(t *testing.T) {
	h := newHarness(t)
	h.at(950)
	clears := h.cleaner.clears

	if !h.mon.RunRecommendation("clear_cache") {
		t.Fatal("expected clear_cache to be available")
	}
	if !h.mon.RunRecommendation("clear_cache") {
		t.Fatal("expected clear_cache to still be listed")
	}
	if h.cleaner.clears != clears+1 {
		t.Errorf("expected the action to run once, got %d extra clears", h.cleaner.clears-clears)
	}

	// same status: list is not rebuilt
	h.at(960)
	h.mon.RunRecommendation("clear_cache")
	if h.cleaner.clears != clears+1 {
		t.Errorf("expected no rebuild while status is unchanged")
	}

	if h.mon.RunRecommendation("reduce_concurrency") {
		t.Error("expected reduce_concurrency to be absent without frame data")
	}
}

func TestOnStatusEmitsOnChange(t *testing.T) {
	h := newHarness(t)
	var got []StatusEvent
	unsubscribe := h.mon.OnStatus(func(e StatusEvent) { got = append(got, e) })

	h.at(100)
	h.at(200)
	h.at(800)
	if len(got) != 2 {
		t.Fatalf("expected 2 status events, got %d", len(got))
	}
	if got[1].Previous.Memory != StatusGood || got[1].Current.Memory != StatusFair {
		t.Errorf("unexpected transition %s -> %s", got[1].Previous.Memory, got[1].Current.Memory)
	}

	unsubscribe()
	h.at(950)
	if len(got) != 2 {
		t.Errorf("expected no events after unsubscribe")
	}
}

func TestRuntimeHeap(t *testing.T) {
	heap, ok := RuntimeHeap{}.SampleMemory()
	if !ok || heap == 0 {
		t.Errorf("expected a live heap reading, got %d %v", heap, ok)
	}
}

func TestStartStop(t *testing.T) {
	h := newHarness(t)
	h.mem.heap = 100
	h.mon.cfg.Interval = time.Millisecond

	done := make(chan struct{})
	go func() {
		h.mon.Start(context.Background())
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for h.mon.LastSample().At.IsZero() {
		select {
		case <-deadline:
			t.Fatal("expected at least one tick")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	h.mon.Stop()
	h.mon.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
}
