package sinks

import (
	"context"
	"sync"

	"stonefall/engine/logging"
)

// MemorySink keeps the most recent events in a fixed-capacity ring, for
// tests and for the diagnostics endpoint's "recent activity" view.
type MemorySink struct {
	mu   sync.RWMutex
	ring []logging.Event
	next int
	size int
}

// NewMemorySink retains up to capacity events, oldest evicted first.
func NewMemorySink(capacity int) *MemorySink {
	if capacity <= 0 {
		capacity = 64
	}
	return &MemorySink{ring: make([]logging.Event, capacity)}
}

func (s *MemorySink) Write(event logging.Event) error {
	s.mu.Lock()
	s.ring[s.next] = event
	s.next = (s.next + 1) % len(s.ring)
	if s.size < len(s.ring) {
		s.size++
	}
	s.mu.Unlock()
	return nil
}

// Events returns the retained events, oldest first.
func (s *MemorySink) Events() []logging.Event {
	return s.Filter(nil)
}

// Filter returns the retained events matching keep, oldest first. A nil
// predicate keeps everything.
func (s *MemorySink) Filter(keep func(logging.Event) bool) []logging.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]logging.Event, 0, s.size)
	start := s.next - s.size
	if start < 0 {
		start += len(s.ring)
	}
	for i := 0; i < s.size; i++ {
		event := s.ring[(start+i)%len(s.ring)]
		if keep == nil || keep(event) {
			out = append(out, event)
		}
	}
	return out
}

// ActorEvents returns the retained events whose actor is the given kind:
// island lifecycle, per-client replication, and so on.
func (s *MemorySink) ActorEvents(kind logging.EntityKind) []logging.Event {
	return s.Filter(func(e logging.Event) bool {
		return e.Actor.Kind == kind
	})
}

// Reset drops everything retained.
func (s *MemorySink) Reset() {
	s.mu.Lock()
	s.next = 0
	s.size = 0
	s.mu.Unlock()
}

func (s *MemorySink) Close(context.Context) error {
	return nil
}
