package monitor

import (
	rtmetrics "runtime/metrics"
	"sync"
	"time"
)

const heapObjectsMetric = "/memory/classes/heap/objects:bytes"

// RuntimeHeap samples live heap object bytes from the Go runtime.
type RuntimeHeap struct{}

// SampleMemory implements MemorySampler.
func (RuntimeHeap) SampleMemory() (uint64, bool) {
	s := []rtmetrics.Sample{{Name: heapObjectsMetric}}
	rtmetrics.Read(s)
	if s[0].Value.Kind() != rtmetrics.KindUint64 {
		return 0, false
	}
	return s[0].Value.Uint64(), true
}

// FrameRecorder holds the latest frame rate reported by a client. Reports
// older than maxAge are treated as unavailable.
type FrameRecorder struct {
	mu     sync.Mutex
	fps    float64
	at     time.Time
	maxAge time.Duration
	now    func() time.Time
}

// NewFrameRecorder creates a recorder. maxAge <= 0 keeps reports forever.
func NewFrameRecorder(maxAge time.Duration) *FrameRecorder {
	return &FrameRecorder{maxAge: maxAge, now: time.Now}
}

// Record stores a report. Non-positive values are ignored.
func (r *FrameRecorder) Record(fps float64) bool {
	if fps <= 0 {
		return false
	}
	r.mu.Lock()
	r.fps = fps
	r.at = r.clock()
	r.mu.Unlock()
	return true
}

// SampleFPS implements FrameSampler.
func (r *FrameRecorder) SampleFPS() (float64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.at.IsZero() {
		return 0, false
	}
	if r.maxAge > 0 && r.clock().Sub(r.at) > r.maxAge {
		return 0, false
	}
	return r.fps, true
}

func (r *FrameRecorder) clock() time.Time {
	if r.now == nil {
		return time.Now()
	}
	return r.now()
}
