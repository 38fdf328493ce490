package detector

import (
	"slices"
	"sync"
	"time"

	"github.com/smedrec/smart-logs-sub000/internal/audit"
)

// Window keeps the recent events of each organization. Events older than the
// window length, measured against the newest observation time, are pruned.
type Window struct {
	mu     sync.Mutex
	length time.Duration
	limit  int
	orgs   map[string][]*audit.StoredEvent
}

// NewWindow creates a sliding window. limit caps the events kept per
// organization; the oldest are dropped first.
func NewWindow(length time.Duration, limit int) *Window {
	return &Window{length: length, limit: limit, orgs: make(map[string][]*audit.StoredEvent)}
}

// Add appends e and returns a snapshot of its organization's window as of now.
// An event whose id is already held is not added again; added is false and
// the snapshot is returned unchanged.
func (w *Window) Add(e *audit.StoredEvent, now time.Time) (snapshot []*audit.StoredEvent, added bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := now.Add(-w.length)
	events := w.orgs[e.OrganizationID]
	if e.ID == "" || !slices.ContainsFunc(events, func(held *audit.StoredEvent) bool { return held.ID == e.ID }) {
		events = append(events, e)
		added = true
	}
	start := 0
	for start < len(events) && events[start].Timestamp.Before(cutoff) {
		start++
	}
	if w.limit > 0 && len(events)-start > w.limit {
		start = len(events) - w.limit
	}
	events = append(events[:0:0], events[start:]...)
	w.orgs[e.OrganizationID] = events

	snapshot = make([]*audit.StoredEvent, 0, len(events))
	for _, ev := range events {
		if !ev.Timestamp.Before(cutoff) {
			snapshot = append(snapshot, ev)
		}
	}
	return snapshot, added
}

// Len reports how many events are held for organizationID.
func (w *Window) Len(organizationID string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.orgs[organizationID])
}
