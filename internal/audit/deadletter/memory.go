package deadletter

import (
	"context"
	"slices"
	"sync"

	"github.com/smedrec/smart-logs-sub000/pkg/platform/sentinel"
)

// InMemoryStore keeps entries in process. Suitable for tests and single
// instance deployments where losing dead letters on restart is acceptable.
type InMemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	order   []string
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{entries: make(map[string]*Entry)}
}

func (s *InMemoryStore) Put(_ context.Context, entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[entry.ID]; exists {
		return sentinel.ErrConflict
	}
	s.entries[entry.ID] = copyEntry(entry)
	s.order = append(s.order, entry.ID)
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, id string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return copyEntry(e), nil
}

// List returns matching entries, newest first.
func (s *InMemoryStore) List(_ context.Context, filter Filter) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Entry, 0)
	for _, id := range slices.Backward(s.order) {
		e := s.entries[id]
		if filter.OrganizationID != "" && e.Event.OrganizationID != filter.OrganizationID {
			continue
		}
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		out = append(out, copyEntry(e))
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *InMemoryStore) Resolve(_ context.Context, id string, res Resolution) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	if e.Status != StatusPending {
		return nil, sentinel.ErrInvalidState
	}
	at := res.At
	e.Status = res.Status
	e.ResolvedAt = &at
	e.ResolvedBy = res.By
	e.Note = res.Note
	return copyEntry(e), nil
}

// Len returns the number of stored entries regardless of status.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func copyEntry(e *Entry) *Entry {
	out := *e
	out.Event = *e.Event.Clone()
	out.Payload = slices.Clone(e.Payload)
	if e.ResolvedAt != nil {
		at := *e.ResolvedAt
		out.ResolvedAt = &at
	}
	return &out
}
