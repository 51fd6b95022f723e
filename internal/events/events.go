// Package events provides a small typed publish/subscribe primitive.
//
// Every subscription returns an unsubscribe function so owners can release
// their listeners on shutdown.
package events

import "sync"

// Subject fans a value out to all current listeners.
// The zero value is ready to use.
type Subject[T any] struct {
	mu        sync.RWMutex
	nextID    uint64
	listeners map[uint64]func(T)
	order     []uint64
}

// On registers fn and returns a function that removes it. Calling the
// returned function more than once is a no-op.
func (s *Subject[T]) On(fn func(T)) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}

	s.mu.Lock()
	if s.listeners == nil {
		s.listeners = make(map[uint64]func(T))
	}
	s.nextID++
	id := s.nextID
	s.listeners[id] = fn
	s.order = append(s.order, id)
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { s.remove(id) })
	}
}

func (s *Subject[T]) remove(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.listeners, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// Emit calls every listener in registration order. Listeners run on the
// caller's goroutine and must not block.
func (s *Subject[T]) Emit(v T) {
	s.mu.RLock()
	fns := make([]func(T), 0, len(s.order))
	for _, id := range s.order {
		fns = append(fns, s.listeners[id])
	}
	s.mu.RUnlock()

	for _, fn := range fns {
		fn(v)
	}
}

// Len reports the number of registered listeners.
func (s *Subject[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.listeners)
}

// Reset drops every listener.
func (s *Subject[T]) Reset() {
	s.mu.Lock()
	s.listeners = nil
	s.order = nil
	s.mu.Unlock()
}
