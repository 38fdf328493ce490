// Package store defines the storage collaborator of the engine: an append-only
// event log with idempotent writes, plus alert persistence for the monitor.
package store

import (
	"context"
	"iter"
	"time"

	"github.com/smedrec/smart-logs-sub000/internal/audit"
	"github.com/smedrec/smart-logs-sub000/internal/monitor/models"
)

// AppendResult reports the stored row. Created is false when an event with
// the same idempotency key was already stored; Event is then the original.
type AppendResult struct {
	Event   *audit.StoredEvent
	Created bool
}

// EventStore is the relational audit log.
type EventStore interface {
	// Append stores event once per idempotency key (correlationId + hash).
	Append(ctx context.Context, event *audit.Event) (AppendResult, error)
	// QueryByTimeRange streams an organization's events with
	// start <= timestamp < end in timestamp order.
	QueryByTimeRange(ctx context.Context, organizationID string, start, end time.Time) iter.Seq2[*audit.StoredEvent, error]
}

// AlertStore persists monitor alerts. UpdateAlert applies the patch only while
// the alert still has patch.ExpectedStatus; it returns sentinel.ErrConflict
// when the status moved and sentinel.ErrNotFound for unknown ids.
type AlertStore interface {
	AppendAlert(ctx context.Context, alert *models.Alert) error
	UpdateAlert(ctx context.Context, id string, patch models.AlertPatch) (*models.Alert, error)
	GetAlert(ctx context.Context, id string) (*models.Alert, error)
	ListAlerts(ctx context.Context, filter models.AlertFilter) ([]*models.Alert, error)
}

// Store is the full storage collaborator.
type Store interface {
	EventStore
	AlertStore
}
