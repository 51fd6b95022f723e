// Package debounce coalesces bursts of triggers into fewer calls.
package debounce

import (
	"sync"
	"time"
)

// Policy controls when the wrapped function runs relative to a burst.
// With neither edge enabled the function never runs; the zero Policy is
// treated as trailing-only.
type Policy struct {
	Delay    time.Duration
	Leading  bool // run on the first trigger of a burst
	Trailing bool // run once the burst has been quiet for Delay
}

// Timer is the handle returned by a Scheduler.
type Timer interface {
	Stop() bool
}

// Scheduler abstracts time.AfterFunc so tests can drive timers by hand.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realScheduler struct{}

func (realScheduler) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Debouncer runs fn at most once per burst edge.
type Debouncer struct {
	policy Policy
	fn     func()
	sched  Scheduler

	mu      sync.Mutex
	timer   Timer
	gen     uint64
	pending bool // a trigger arrived that the trailing edge still owes a call for
	stopped bool
}

// New creates a Debouncer. A nil scheduler uses real timers.
func New(p Policy, fn func(), sched Scheduler) *Debouncer {
	if !p.Leading && !p.Trailing {
		p.Trailing = true
	}
	if sched == nil {
		sched = realScheduler{}
	}
	return &Debouncer{policy: p, fn: fn, sched: sched}
}

// Trigger records one event. Each trigger restarts the quiet period.
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}

	runNow := false
	if d.timer == nil {
		runNow = d.policy.Leading
		d.pending = !runNow
	} else {
		d.timer.Stop()
		d.pending = true
	}

	d.gen++
	gen := d.gen
	d.timer = d.sched.AfterFunc(d.policy.Delay, func() { d.fire(gen) })
	d.mu.Unlock()

	if runNow {
		d.fn()
	}
}

func (d *Debouncer) fire(gen uint64) {
	d.mu.Lock()
	if gen != d.gen || d.stopped {
		d.mu.Unlock()
		return
	}
	d.timer = nil
	run := d.pending && d.policy.Trailing
	d.pending = false
	d.mu.Unlock()

	if run {
		d.fn()
	}
}

// Cancel drops any pending trailing call without stopping the debouncer.
func (d *Debouncer) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.gen++
	d.pending = false
}

// Stop cancels pending work; later triggers are ignored.
func (d *Debouncer) Stop() {
	d.Cancel()
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()
}
