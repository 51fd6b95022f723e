package dispatcher

import (
	"context"
	"sync"
	"time"
)

// batcher coalesces requests that share a batch key into bursts. The first
// registration opens a window; when it closes, members are released one at a
// time in registration order, each after the previous one has been handed to
// the dispatch pipeline.
type batcher struct {
	mu      sync.Mutex
	window  func() time.Duration
	groups  map[string]*batchGroup
	timers  map[*time.Timer]struct{}
	stopped bool
}

type batchGroup struct {
	members []*batchMember
}

type batchMember struct {
	release chan struct{}
	ackOnce sync.Once
	acked   chan struct{}
}

func newBatcher(window func() time.Duration) *batcher {
	return &batcher{
		window: window,
		groups: make(map[string]*batchGroup),
		timers: make(map[*time.Timer]struct{}),
	}
}

// register adds a member to the open window for key, opening one if needed.
func (b *batcher) register(key string) *batchMember {
	m := &batchMember{release: make(chan struct{}), acked: make(chan struct{})}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		close(m.release)
		m.ack()
		return m
	}
	g, ok := b.groups[key]
	if !ok {
		g = &batchGroup{}
		b.groups[key] = g
		var t *time.Timer
		t = time.AfterFunc(b.window(), func() {
			b.mu.Lock()
			delete(b.timers, t)
			b.mu.Unlock()
			b.flush(key)
		})
		b.timers[t] = struct{}{}
	}
	g.members = append(g.members, m)
	return m
}

func (b *batcher) flush(key string) {
	b.mu.Lock()
	g := b.groups[key]
	delete(b.groups, key)
	b.mu.Unlock()
	if g == nil {
		return
	}
	for _, m := range g.members {
		close(m.release)
		<-m.acked
	}
}

// wait blocks until the member's burst is released or ctx is done.
func (m *batchMember) wait(ctx context.Context) error {
	select {
	case <-m.release:
		return nil
	case <-ctx.Done():
		m.ack()
		return ctx.Err()
	}
}

// ack tells the batcher this member has been handed on. Safe to call often.
func (m *batchMember) ack() {
	if m == nil {
		return
	}
	m.ackOnce.Do(func() { close(m.acked) })
}

// stop releases every open window immediately.
func (b *batcher) stop() {
	b.mu.Lock()
	b.stopped = true
	for t := range b.timers {
		t.Stop()
	}
	b.timers = map[*time.Timer]struct{}{}
	keys := make([]string, 0, len(b.groups))
	for k := range b.groups {
		keys = append(keys, k)
	}
	b.mu.Unlock()

	for _, k := range keys {
		go b.flush(k)
	}
}
