// Package postgres is the relational storage collaborator.
//
// Events are written to audit_events with a unique idempotency key
// (correlation id + hash); a repeated write is a no-op that returns the
// original row, which gives at-least-once delivery an exactly-once effect.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/smedrec/smart-logs-sub000/internal/audit"
	"github.com/smedrec/smart-logs-sub000/internal/audit/store"
	"github.com/smedrec/smart-logs-sub000/internal/monitor/models"
	"github.com/smedrec/smart-logs-sub000/pkg/platform/sentinel"
	txcontext "github.com/smedrec/smart-logs-sub000/pkg/platform/tx"
)

type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ store.Store = (*Store)(nil)

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

const eventColumns = `id, timestamp, action, status, principal_id, organization_id,
	target_resource_type, target_resource_id, data_classification, details,
	correlation_id, hash, hash_algorithm, signature, signing_algorithm, signing_key_id, stored_at`

func (s *Store) Append(ctx context.Context, event *audit.Event) (store.AppendResult, error) {
	details, err := json.Marshal(event.Details)
	if err != nil {
		return store.AppendResult{}, fmt.Errorf("marshal details: %w", err)
	}
	exec := txcontext.ExecutorFrom(ctx, s.db)

	query := `
		INSERT INTO audit_events (
			id, idempotency_key, timestamp, action, status, principal_id, organization_id,
			target_resource_type, target_resource_id, data_classification, details,
			correlation_id, hash, hash_algorithm, signature, signing_algorithm, signing_key_id, stored_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING ` + eventColumns
	row := exec.QueryRowContext(ctx, query,
		uuid.NewString(),
		event.IdempotencyKey(),
		event.Timestamp.UTC(),
		event.Action,
		string(event.Status),
		event.PrincipalID,
		event.OrganizationID,
		event.TargetResourceType,
		event.TargetResourceID,
		string(event.DataClassification),
		details,
		event.CorrelationID,
		event.Hash,
		event.HashAlgorithm,
		event.Signature,
		event.SigningAlgorithm,
		event.SigningKeyID,
		s.now().UTC(),
	)
	stored, err := scanEvent(row)
	if err == nil {
		return store.AppendResult{Event: stored, Created: true}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return store.AppendResult{}, fmt.Errorf("insert audit event: %w", err)
	}

	existing, err := scanEvent(exec.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM audit_events WHERE idempotency_key = $1`, event.IdempotencyKey()))
	if err != nil {
		return store.AppendResult{}, fmt.Errorf("load existing audit event: %w", err)
	}
	return store.AppendResult{Event: existing, Created: false}, nil
}

func (s *Store) QueryByTimeRange(ctx context.Context, organizationID string, start, end time.Time) iter.Seq2[*audit.StoredEvent, error] {
	return func(yield func(*audit.StoredEvent, error) bool) {
		query := `
			SELECT ` + eventColumns + `
			FROM audit_events
			WHERE organization_id = $1 AND timestamp >= $2 AND timestamp < $3
			ORDER BY timestamp, id`
		rows, err := txcontext.ExecutorFrom(ctx, s.db).QueryContext(ctx, query, organizationID, start.UTC(), end.UTC())
		if err != nil {
			yield(nil, fmt.Errorf("query audit events: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			e, err := scanEvent(rows)
			if err != nil {
				yield(nil, fmt.Errorf("scan audit event: %w", err))
				return
			}
			if !yield(e, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, fmt.Errorf("iterate audit events: %w", err))
		}
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (*audit.StoredEvent, error) {
	var (
		e              audit.StoredEvent
		status         string
		classification string
		details        []byte
	)
	if err := row.Scan(
		&e.ID,
		&e.Timestamp,
		&e.Action,
		&status,
		&e.PrincipalID,
		&e.OrganizationID,
		&e.TargetResourceType,
		&e.TargetResourceID,
		&classification,
		&details,
		&e.CorrelationID,
		&e.Hash,
		&e.HashAlgorithm,
		&e.Signature,
		&e.SigningAlgorithm,
		&e.SigningKeyID,
		&e.StoredAt,
	); err != nil {
		return nil, err
	}
	e.Status = audit.Status(status)
	e.DataClassification = audit.DataClassification(classification)
	e.Timestamp = e.Timestamp.UTC()
	if len(details) > 0 && string(details) != "null" {
		if err := json.Unmarshal(details, &e.Details); err != nil {
			return nil, fmt.Errorf("decode details: %w", err)
		}
	}
	return &e, nil
}

// =============================================================================
// Alerts
// =============================================================================

const alertColumns = `id, organization_id, severity, type, title, description, source,
	source_event_ids, status, created_at, acknowledged_at, acknowledged_by,
	resolved_at, resolved_by, content_hash`

func (s *Store) AppendAlert(ctx context.Context, alert *models.Alert) error {
	query := `
		INSERT INTO audit_alerts (` + alertColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO NOTHING`
	res, err := txcontext.ExecutorFrom(ctx, s.db).ExecContext(ctx, query,
		alert.ID,
		alert.OrganizationID,
		string(alert.Severity),
		alert.Type,
		alert.Title,
		alert.Description,
		alert.Source,
		pq.Array(alert.SourceEventIDs),
		string(alert.Status),
		alert.CreatedAt.UTC(),
		alert.AcknowledgedAt,
		alert.AcknowledgedBy,
		alert.ResolvedAt,
		alert.ResolvedBy,
		alert.ContentHash,
	)
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return sentinel.ErrConflict
	}
	return nil
}

// UpdateAlert applies patch with a compare-and-set on the current status.
func (s *Store) UpdateAlert(ctx context.Context, id string, patch models.AlertPatch) (*models.Alert, error) {
	query := `
		UPDATE audit_alerts
		SET status = $3,
			acknowledged_at = COALESCE($4, acknowledged_at),
			acknowledged_by = CASE WHEN $4::timestamptz IS NULL THEN acknowledged_by ELSE $5 END,
			resolved_at = COALESCE($6, resolved_at),
			resolved_by = CASE WHEN $6::timestamptz IS NULL THEN resolved_by ELSE $7 END
		WHERE id = $1 AND status = $2
		RETURNING ` + alertColumns
	exec := txcontext.ExecutorFrom(ctx, s.db)
	alert, err := scanAlert(exec.QueryRowContext(ctx, query,
		id,
		string(patch.ExpectedStatus),
		string(patch.Status),
		patch.AcknowledgedAt,
		patch.AcknowledgedBy,
		patch.ResolvedAt,
		patch.ResolvedBy,
	))
	if err == nil {
		return alert, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("update alert: %w", err)
	}
	if _, err := s.GetAlert(ctx, id); err != nil {
		return nil, err
	}
	return nil, sentinel.ErrConflict
}

func (s *Store) GetAlert(ctx context.Context, id string) (*models.Alert, error) {
	alert, err := scanAlert(txcontext.ExecutorFrom(ctx, s.db).QueryRowContext(ctx,
		`SELECT `+alertColumns+` FROM audit_alerts WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get alert: %w", err)
	}
	return alert, nil
}

// ListAlerts returns matching alerts, newest first.
func (s *Store) ListAlerts(ctx context.Context, filter models.AlertFilter) ([]*models.Alert, error) {
	var (
		where []string
		args  []any
	)
	if filter.OrganizationID != "" {
		args = append(args, filter.OrganizationID)
		where = append(where, fmt.Sprintf("organization_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	query := `SELECT ` + alertColumns + ` FROM audit_alerts`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := txcontext.ExecutorFrom(ctx, s.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	out := make([]*models.Alert, 0)
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate alerts: %w", err)
	}
	return out, nil
}

func scanAlert(row scanner) (*models.Alert, error) {
	var (
		a              models.Alert
		severity       string
		status         string
		acknowledgedAt sql.NullTime
		acknowledgedBy sql.NullString
		resolvedAt     sql.NullTime
		resolvedBy     sql.NullString
	)
	if err := row.Scan(
		&a.ID,
		&a.OrganizationID,
		&severity,
		&a.Type,
		&a.Title,
		&a.Description,
		&a.Source,
		pq.Array(&a.SourceEventIDs),
		&status,
		&a.CreatedAt,
		&acknowledgedAt,
		&acknowledgedBy,
		&resolvedAt,
		&resolvedBy,
		&a.ContentHash,
	); err != nil {
		return nil, err
	}
	a.Severity = models.Severity(severity)
	a.Status = models.AlertStatus(status)
	if acknowledgedAt.Valid {
		at := acknowledgedAt.Time
		a.AcknowledgedAt = &at
	}
	if resolvedAt.Valid {
		at := resolvedAt.Time
		a.ResolvedAt = &at
	}
	a.AcknowledgedBy = acknowledgedBy.String
	a.ResolvedBy = resolvedBy.String
	return &a, nil
}
