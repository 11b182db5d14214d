package hubchat

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

type listener[T any] struct {
	fn      func(T)
	removed atomic.Bool
}

// listenerSet is an ordered callback list. emit iterates a copy taken at call
// time, so callbacks may add or remove listeners (including themselves) while
// being invoked. A listener removed mid-emit is skipped for the rest of that emit.
type listenerSet[T any] struct {
	mu      sync.Mutex
	entries []*listener[T]
}

func (s *listenerSet[T]) add(fn func(T)) (remove func()) {
	l := &listener[T]{fn: fn}
	s.mu.Lock()
	s.entries = append(s.entries, l)
	s.mu.Unlock()

	return func() {
		if !l.removed.CompareAndSwap(false, true) {
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, e := range s.entries {
			if e == l {
				s.entries = append(s.entries[:i:i], s.entries[i+1:]...)
				return
			}
		}
	}
}

func (s *listenerSet[T]) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *listenerSet[T]) clear() {
	s.mu.Lock()
	for _, e := range s.entries {
		e.removed.Store(true)
	}
	s.entries = nil
	s.mu.Unlock()
}

// emit calls every listener in registration order on the caller's goroutine.
// A panicking listener is logged and does not stop the others.
func (s *listenerSet[T]) emit(v T, logger zerolog.Logger) {
	s.mu.Lock()
	snapshot := append([]*listener[T](nil), s.entries...)
	s.mu.Unlock()

	for _, l := range snapshot {
		if l.removed.Load() {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error().Interface("panic", r).Msg("listener panicked")
				}
			}()
			l.fn(v)
		}()
	}
}
