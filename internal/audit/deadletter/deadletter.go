// Package deadletter holds events that permanently failed delivery until an
// operator replays or discards them. Entries never expire on their own.
package deadletter

import (
	"context"
	"time"

	"github.com/smedrec/smart-logs-sub000/internal/audit"
)

// Reason records why an event was dead-lettered.
type Reason string

const (
	// ReasonExhausted means every delivery attempt failed transiently.
	ReasonExhausted Reason = "exhausted"
	// ReasonPermanent means processing reported a non-retryable failure.
	ReasonPermanent Reason = "permanent"
	// ReasonUndecodable means the broker payload could not be decoded into an
	// envelope. Such entries keep the raw payload and can only be discarded.
	ReasonUndecodable Reason = "undecodable"
)

// Status is the operator-facing state of an entry.
type Status string

const (
	StatusPending   Status = "pending"
	StatusReplayed  Status = "replayed"
	StatusDiscarded Status = "discarded"
)

func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusReplayed, StatusDiscarded:
		return true
	}
	return false
}

// Entry is a dead-lettered event with the context needed to decide what to do
// with it.
type Entry struct {
	ID         string      `json:"id"`
	Event      audit.Event `json:"event"`
	Attempts   int         `json:"attempts"`
	LastError  string      `json:"lastError"`
	Reason     Reason      `json:"reason"`
	Payload    []byte      `json:"payload,omitempty"`
	FailedAt   time.Time   `json:"failedAt"`
	Status     Status      `json:"status"`
	ResolvedAt *time.Time  `json:"resolvedAt,omitempty"`
	ResolvedBy string      `json:"resolvedBy,omitempty"`
	Note       string      `json:"note,omitempty"`
}

// Replayable reports whether the entry carries an event that can be queued
// again.
func (e *Entry) Replayable() bool { return e.Reason != ReasonUndecodable }

// Filter narrows List results. Zero values match everything.
type Filter struct {
	OrganizationID string
	Status         Status
	Limit          int
}

// Resolution closes a pending entry.
type Resolution struct {
	Status Status
	By     string
	Note   string
	At     time.Time
}

// Store persists entries. Resolve must only succeed for pending entries and
// returns sentinel.ErrInvalidState otherwise, sentinel.ErrNotFound when the
// entry does not exist.
type Store interface {
	Put(ctx context.Context, entry *Entry) error
	Get(ctx context.Context, id string) (*Entry, error)
	List(ctx context.Context, filter Filter) ([]*Entry, error)
	Resolve(ctx context.Context, id string, res Resolution) (*Entry, error)
}
