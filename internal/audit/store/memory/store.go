// Package memory is an in-process storage collaborator for tests and local
// runs.
package memory

import (
	"context"
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/smedrec/smart-logs-sub000/internal/audit"
	"github.com/smedrec/smart-logs-sub000/internal/audit/store"
	"github.com/smedrec/smart-logs-sub000/internal/monitor/models"
	"github.com/smedrec/smart-logs-sub000/pkg/platform/sentinel"
)

type Store struct {
	mu       sync.RWMutex
	events   []*audit.StoredEvent
	byKey    map[string]*audit.StoredEvent
	alerts   map[string]*models.Alert
	alertIDs []string
	now      func() time.Time
}

var _ store.Store = (*Store)(nil)

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(opts ...Option) *Store {
	s := &Store{
		byKey:  make(map[string]*audit.StoredEvent),
		alerts: make(map[string]*models.Alert),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Append(_ context.Context, event *audit.Event) (store.AppendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := event.IdempotencyKey()
	if existing, ok := s.byKey[key]; ok {
		return store.AppendResult{Event: cloneStored(existing), Created: false}, nil
	}
	stored := &audit.StoredEvent{Event: *event.Clone(), StoredAt: s.now().UTC()}
	stored.ID = uuid.NewString()
	s.events = append(s.events, stored)
	s.byKey[key] = stored
	return store.AppendResult{Event: cloneStored(stored), Created: true}, nil
}

func (s *Store) QueryByTimeRange(ctx context.Context, organizationID string, start, end time.Time) iter.Seq2[*audit.StoredEvent, error] {
	s.mu.RLock()
	var matched []*audit.StoredEvent
	for _, e := range s.events {
		if e.OrganizationID != organizationID || e.Timestamp.Before(start) || !e.Timestamp.Before(end) {
			continue
		}
		matched = append(matched, cloneStored(e))
	}
	s.mu.RUnlock()
	slices.SortStableFunc(matched, func(a, b *audit.StoredEvent) int { return a.Timestamp.Compare(b.Timestamp) })

	return func(yield func(*audit.StoredEvent, error) bool) {
		for _, e := range matched {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			if !yield(e, nil) {
				return
			}
		}
	}
}

// Events returns every stored event in append order.
func (s *Store) Events() []*audit.StoredEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*audit.StoredEvent, len(s.events))
	for i, e := range s.events {
		out[i] = cloneStored(e)
	}
	return out
}

// Tamper replaces a stored event in place, bypassing the append-only
// contract. It exists to exercise integrity verification.
func (s *Store) Tamper(id string, mutate func(*audit.Event)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e.ID == id {
			mutate(&e.Event)
			return true
		}
	}
	return false
}

func (s *Store) AppendAlert(_ context.Context, alert *models.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.alerts[alert.ID]; exists {
		return sentinel.ErrConflict
	}
	s.alerts[alert.ID] = alert.Clone()
	s.alertIDs = append(s.alertIDs, alert.ID)
	return nil
}

func (s *Store) UpdateAlert(_ context.Context, id string, patch models.AlertPatch) (*models.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	if a.Status != patch.ExpectedStatus {
		return nil, sentinel.ErrConflict
	}
	patch.Apply(a)
	return a.Clone(), nil
}

func (s *Store) GetAlert(_ context.Context, id string) (*models.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.alerts[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return a.Clone(), nil
}

// ListAlerts returns matching alerts, newest first.
func (s *Store) ListAlerts(_ context.Context, filter models.AlertFilter) ([]*models.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Alert, 0)
	for _, id := range slices.Backward(s.alertIDs) {
		a := s.alerts[id]
		if filter.OrganizationID != "" && a.OrganizationID != filter.OrganizationID {
			continue
		}
		if filter.Status != "" && a.Status != filter.Status {
			continue
		}
		out = append(out, a.Clone())
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func cloneStored(e *audit.StoredEvent) *audit.StoredEvent {
	return &audit.StoredEvent{Event: *e.Event.Clone(), StoredAt: e.StoredAt}
}
