package deadletter

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/smedrec/smart-logs-sub000/internal/audit"
	dErrors "github.com/smedrec/smart-logs-sub000/pkg/domain-errors"
	"github.com/smedrec/smart-logs-sub000/pkg/platform/sentinel"
)

// Requeuer puts a sealed event back on the delivery queue.
type Requeuer interface {
	Enqueue(ctx context.Context, event *audit.Event) error
}

// Manager implements the operator actions on dead letters. Every action is
// itself recorded as an audit event.
type Manager struct {
	store    Store
	requeuer Requeuer
	recorder audit.Recorder
	logger   *slog.Logger
	now      func() time.Time
}

type ManagerOption func(*Manager)

func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

func NewManager(store Store, requeuer Requeuer, recorder audit.Recorder, opts ...ManagerOption) (*Manager, error) {
	if store == nil {
		return nil, errors.New("dead letter store is required")
	}
	if requeuer == nil {
		return nil, errors.New("requeuer is required")
	}
	if recorder == nil {
		return nil, errors.New("recorder is required")
	}
	m := &Manager{
		store:    store,
		requeuer: requeuer,
		recorder: recorder,
		logger:   slog.New(slog.DiscardHandler),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func (m *Manager) List(ctx context.Context, filter Filter) ([]*Entry, error) {
	if filter.Status != "" && !filter.Status.IsValid() {
		return nil, dErrors.Newf(dErrors.CodeInvalidInput, "unknown dead letter status %q", filter.Status)
	}
	entries, err := m.store.List(ctx, filter)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list dead letters")
	}
	return entries, nil
}

func (m *Manager) Get(ctx context.Context, id string) (*Entry, error) {
	entry, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, translate(err, id)
	}
	return entry, nil
}

// Replay re-enqueues the event with a fresh attempt counter and marks the
// entry replayed. The enqueue happens first: a crash between the two steps
// leaves a pending entry whose event is already queued, which the idempotent
// store write absorbs on a second replay.
func (m *Manager) Replay(ctx context.Context, id, actor string) (*Entry, error) {
	if strings.TrimSpace(actor) == "" {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "operator identity is required")
	}
	entry, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, translate(err, id)
	}
	if entry.Status != StatusPending {
		return nil, dErrors.Newf(dErrors.CodeInvariantViolation, "dead letter %s is already %s", id, entry.Status)
	}
	if !entry.Replayable() {
		return nil, dErrors.Newf(dErrors.CodeInvariantViolation, "dead letter %s holds an undecodable payload and can only be discarded", id)
	}

	if err := m.requeuer.Enqueue(ctx, entry.Event.Clone()); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeTransient, "failed to requeue dead letter")
	}

	resolved, err := m.store.Resolve(ctx, id, Resolution{Status: StatusReplayed, By: actor, At: m.now().UTC()})
	if err != nil {
		return nil, translate(err, id)
	}
	m.logger.InfoContext(ctx, "dead letter replayed", "entry_id", id, "operator", actor)
	m.record(ctx, audit.ActionDeadLetterReplayed, actor, resolved)
	return resolved, nil
}

// Discard closes the entry without redelivery. A reason is mandatory.
func (m *Manager) Discard(ctx context.Context, id, actor, reason string) (*Entry, error) {
	if strings.TrimSpace(actor) == "" {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "operator identity is required")
	}
	if strings.TrimSpace(reason) == "" {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "discard reason is required")
	}
	resolved, err := m.store.Resolve(ctx, id, Resolution{Status: StatusDiscarded, By: actor, Note: reason, At: m.now().UTC()})
	if err != nil {
		return nil, translate(err, id)
	}
	m.logger.WarnContext(ctx, "dead letter discarded", "entry_id", id, "operator", actor, "reason", reason)
	m.record(ctx, audit.ActionDeadLetterDiscarded, actor, resolved)
	return resolved, nil
}

func (m *Manager) record(ctx context.Context, action, actor string, entry *Entry) {
	details := audit.Details{
		"deadLetterId": entry.ID,
		"eventHash":    entry.Event.Hash,
		"attempts":     entry.Attempts,
	}
	if entry.Note != "" {
		details["reason"] = entry.Note
	}
	err := m.recorder.Record(ctx, &audit.Event{
		Timestamp:          m.now().UTC(),
		Action:             action,
		Status:             audit.StatusSuccess,
		PrincipalID:        actor,
		OrganizationID:     entry.Event.OrganizationID,
		TargetResourceType: "DeadLetter",
		TargetResourceID:   entry.ID,
		DataClassification: audit.ClassificationInternal,
		Details:            details,
		CorrelationID:      entry.Event.CorrelationID,
	})
	if err != nil {
		m.logger.ErrorContext(ctx, "failed to record dead letter action", "action", action, "entry_id", entry.ID, "error", err)
	}
}

func translate(err error, id string) error {
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.Newf(dErrors.CodeNotFound, "dead letter %s not found", id)
	case errors.Is(err, sentinel.ErrInvalidState):
		return dErrors.Newf(dErrors.CodeInvariantViolation, "dead letter %s is no longer pending", id)
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, "dead letter store failure")
	}
}
