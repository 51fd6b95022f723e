package dispatcher

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// gate is a FIFO concurrency limiter whose limit can change at runtime.
// Lowering the limit never interrupts holders; it only delays new grants.
type gate struct {
	mu      sync.Mutex
	limit   int
	active  int
	peak    int
	queue   *list.List // of *ticket
	stopped bool
}

type ticket struct {
	ready   chan struct{}
	granted bool
	elem    *list.Element
	err     error
}

func newGate(limit int) *gate {
	if limit < 1 {
		limit = 1
	}
	return &gate{limit: limit, queue: list.New()}
}

// enqueue reserves a place in line. The ticket is granted immediately when a
// slot is free and nobody is waiting ahead.
func (g *gate) enqueue() *ticket {
	t := &ticket{ready: make(chan struct{})}
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.stopped {
		t.err = ErrStopped
		close(t.ready)
		return t
	}
	if g.active < g.limit && g.queue.Len() == 0 {
		g.grantLocked(t)
		return t
	}
	t.elem = g.queue.PushBack(t)
	return t
}

// wait blocks until t is granted, the timeout passes, or ctx is done.
func (g *gate) wait(ctx context.Context, t *ticket, timeout time.Duration) error {
	var timer <-chan time.Time
	if timeout > 0 {
		tm := time.NewTimer(timeout)
		defer tm.Stop()
		timer = tm.C
	}

	select {
	case <-t.ready:
		return t.err
	case <-timer:
		if g.abandon(t) {
			return ErrQueueTimeout
		}
		return t.err
	case <-ctx.Done():
		if g.abandon(t) {
			return ctx.Err()
		}
		// granted while we were giving up: hand the slot back
		if t.err == nil {
			g.release()
		}
		return ctx.Err()
	}
}

// abandon removes a waiting ticket. It reports false if the ticket was
// already granted or rejected.
func (g *gate) abandon(t *ticket) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if t.granted || t.elem == nil {
		return false
	}
	g.queue.Remove(t.elem)
	t.elem = nil
	return true
}

func (g *gate) release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active > 0 {
		g.active--
	}
	g.pumpLocked()
}

func (g *gate) resize(limit int) {
	if limit < 1 {
		limit = 1
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.limit = limit
	g.pumpLocked()
}

func (g *gate) pumpLocked() {
	for g.active < g.limit && g.queue.Len() > 0 {
		front := g.queue.Front()
		t := g.queue.Remove(front).(*ticket)
		t.elem = nil
		g.grantLocked(t)
	}
}

func (g *gate) grantLocked(t *ticket) {
	g.active++
	if g.active > g.peak {
		g.peak = g.active
	}
	t.granted = true
	close(t.ready)
}

// stop rejects every waiter and any later enqueue.
func (g *gate) stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stopped = true
	for e := g.queue.Front(); e != nil; e = g.queue.Front() {
		t := g.queue.Remove(e).(*ticket)
		t.elem = nil
		t.err = ErrStopped
		close(t.ready)
	}
}

type gateStats struct {
	Limit  int
	Active int
	Queued int
	Peak   int
}

func (g *gate) stats() gateStats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return gateStats{Limit: g.limit, Active: g.active, Queued: g.queue.Len(), Peak: g.peak}
}
