package audit

import (
	"context"
	"sync"
)

// InMemoryStore keeps events in memory. Used by tests and single-process
// deployments that do not need the outbox pipeline.
type InMemoryStore struct {
	mu     sync.RWMutex
	events []Event
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

func (s *InMemoryStore) Append(_ context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *InMemoryStore) ListRecent(_ context.Context, limit int) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.events) {
		limit = len(s.events)
	}
	out := make([]Event, limit)
	copy(out, s.events[len(s.events)-limit:])
	return out, nil
}

// ByAction returns recorded events matching the action, for test assertions.
func (s *InMemoryStore) ByAction(action AuditEvent) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Event
	for _, e := range s.events {
		if e.Action == string(action) {
			out = append(out, e)
		}
	}
	return out
}
