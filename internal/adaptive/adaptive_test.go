package adaptive

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/cinestream/backend/internal/dispatcher"
	"github.com/onnwee/cinestream/backend/internal/logger"
	"github.com/onnwee/cinestream/backend/internal/netsignal"
)

type fakeTarget struct {
	mu       sync.Mutex
	outcomes []dispatcher.Outcome
	tunes    []dispatcher.Tuning
}

func (f *fakeTarget) Outcomes() []dispatcher.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]dispatcher.Outcome(nil), f.outcomes...)
}

func (f *fakeTarget) Tune(t dispatcher.Tuning) {
	f.mu.Lock()
	f.tunes = append(f.tunes, t)
	f.mu.Unlock()
}

func (f *fakeTarget) add(at time.Time, n int, success bool, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := 0; i < n; i++ {
		f.outcomes = append(f.outcomes, dispatcher.Outcome{At: at, Success: success, Duration: d})
	}
}

func (f *fakeTarget) tuneCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tunes)
}

type fixedSignal struct {
	s  netsignal.Signal
	ok bool
}

func (f *fixedSignal) Latest() (netsignal.Signal, bool) { return f.s, f.ok }

func newController(t *testing.T, target Target, sig NetworkSignal, now *time.Time) *Controller {
	t.Helper()
	c := New(Config{}, target, sig, WithLogger(logger.Discard()), WithClock(func() time.Time { return *now }))
	t.Cleanup(c.Stop)
	return c
}

func TestStrategyFor(t *testing.T) {
	tests := []struct {
		overall float64
		want    Strategy
	}{
		{0, Conservative},
		{0.29, Conservative},
		{0.3, Balanced},
		{0.69, Balanced},
		{0.7, Aggressive},
		{1, Aggressive},
	}
	for _, tt := range tests {
		if got := strategyFor(tt.overall); got != tt.want {
			t.Errorf("strategyFor(%v) = %s, want %s", tt.overall, got, tt.want)
		}
	}
}

func TestStrategyTuning(t *testing.T) {
	if got := Conservative.Tuning(); got.MaxConcurrent != 2 || got.BatchWindow != 200*time.Millisecond || got.Timeout != 15*time.Second {
		t.Errorf("unexpected conservative tuning %+v", got)
	}
	if got := Aggressive.Tuning(); got.MaxConcurrent != 10 || got.Timeout != 5*time.Second {
		t.Errorf("unexpected aggressive tuning %+v", got)
	}
	if _, err := ParseStrategy("turbo"); err == nil {
		t.Error("expected error for unknown strategy")
	}
}

func TestAbsentSignalAssumesFastNetwork(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	target := &fakeTarget{}
	c := newController(t, target, &fixedSignal{}, &now)

	c.Tick()
	st := c.State()
	if len(st.NetworkHistory) != 1 || st.NetworkHistory[0] != 1 {
		t.Errorf("expected network score 1 without a signal, got %v", st.NetworkHistory)
	}
	if len(st.PerformanceHistory) != 0 {
		t.Errorf("no outcomes should record no performance sample, got %v", st.PerformanceHistory)
	}

	nilSignal := newController(t, target, nil, &now)
	nilSignal.Tick()
	if got := nilSignal.State().NetworkHistory[0]; got != 1 {
		t.Errorf("expected network score 1 with nil signal, got %v", got)
	}
}

func TestPoorConditionsGoConservative(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	target := &fakeTarget{}
	target.add(now.Add(-time.Second), 4, false, 5*time.Second)
	sig := &fixedSignal{s: netsignal.Signal{ECT: "2g", Downlink: 0.5}, ok: true}
	c := newController(t, target, sig, &now)

	var events []ChangeEvent
	c.OnChange(func(ev ChangeEvent) { events = append(events, ev) })

	if !c.Tick() {
		t.Fatal("expected a strategy change")
	}
	if c.Strategy() != Conservative {
		t.Errorf("expected conservative, got %s", c.Strategy())
	}
	if target.tuneCount() != 1 || target.tunes[0] != Conservative.Tuning() {
		t.Errorf("expected conservative tuning applied once, got %+v", target.tunes)
	}
	wantNet := 0.5*0.3 + 0.5*0.05
	if got := c.State().NetworkHistory[0]; math.Abs(got-wantNet) > 1e-9 {
		t.Errorf("expected network score %v, got %v", wantNet, got)
	}
	if len(events) != 1 || events[0].From != Balanced || events[0].To != Conservative || events[0].Reason != "evaluation" {
		t.Errorf("unexpected change events %+v", events)
	}
}

func TestChangeGateDefersRetuning(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	target := &fakeTarget{}
	sig := &fixedSignal{s: netsignal.Signal{ECT: "2g", Downlink: 0.5}, ok: true}
	c := newController(t, target, sig, &now)

	target.add(now, 4, false, 5*time.Second)
	c.Tick() // conservative at t0

	// conditions improve 30s later: balanced is warranted but the gate is closed
	now = now.Add(30 * time.Second)
	sig.s = netsignal.Signal{ECT: "4g", Downlink: 10}
	target.add(now, 4, true, 0)
	if c.Tick() {
		t.Fatal("change applied before the minimum interval")
	}
	if c.Strategy() != Conservative {
		t.Errorf("expected conservative to hold, got %s", c.Strategy())
	}

	now = now.Add(30 * time.Second)
	target.add(now, 4, true, 0)
	if !c.Tick() {
		t.Fatal("expected change once the minimum interval passed")
	}
	if c.Strategy() != Balanced {
		t.Errorf("expected balanced, got %s", c.Strategy())
	}
	if target.tuneCount() != 2 {
		t.Errorf("expected 2 applied tunings, got %d", target.tuneCount())
	}
}

func TestSameStrategyDoesNotRetune(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	target := &fakeTarget{}
	c := newController(t, target, nil, &now)

	c.Tick() // no data: optimistic, moves to aggressive
	for i := 0; i < 3; i++ {
		now = now.Add(2 * time.Minute)
		if c.Tick() {
			t.Fatalf("tick %d re-applied an unchanged strategy", i)
		}
	}
	if target.tuneCount() != 1 {
		t.Errorf("expected 1 tuning, got %d", target.tuneCount())
	}
}

func TestHistoryIsBounded(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	target := &fakeTarget{}
	c := newController(t, target, nil, &now)

	for i := 0; i < 15; i++ {
		now = now.Add(time.Second)
		target.add(now, 1, true, 100*time.Millisecond)
		c.Tick()
	}
	st := c.State()
	if len(st.PerformanceHistory) != 10 || len(st.NetworkHistory) != 10 {
		t.Errorf("expected histories of 10, got %d and %d", len(st.PerformanceHistory), len(st.NetworkHistory))
	}
}

func TestOutcomesCountedOnce(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	target := &fakeTarget{}
	c := newController(t, target, nil, &now)

	target.add(now, 2, false, time.Second)
	c.Tick()
	now = now.Add(time.Second)
	c.Tick()
	if got := len(c.State().PerformanceHistory); got != 1 {
		t.Errorf("outcomes from a previous tick must not be rescored, got %d samples", got)
	}
}

func TestForceStrategyBypassesGate(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	target := &fakeTarget{}
	c := newController(t, target, nil, &now)
	c.Tick() // aggressive, gate now closed

	var got ChangeEvent
	c.OnChange(func(ev ChangeEvent) { got = ev })
	c.Conserve("memory_critical")

	if c.Strategy() != Conservative {
		t.Errorf("expected conservative, got %s", c.Strategy())
	}
	if got.Reason != "memory_critical" || got.From != Aggressive {
		t.Errorf("unexpected event %+v", got)
	}
	if !c.State().LastAdaptationAt.Equal(now) {
		t.Error("forced change should record the adaptation time")
	}
}

func TestStartStop(t *testing.T) {
	target := &fakeTarget{}
	c := New(Config{Interval: 5 * time.Millisecond}, target, nil, WithLogger(logger.Discard()))

	done := make(chan struct{})
	go func() {
		c.Start(context.Background())
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	c.Stop()
	c.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("controller did not stop")
	}
	if c.State().LastTickAt.IsZero() {
		t.Error("expected at least one tick")
	}
}
