package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/smedrec/smart-logs-sub000/internal/audit/deadletter"
	"github.com/smedrec/smart-logs-sub000/pkg/platform/sentinel"
	txcontext "github.com/smedrec/smart-logs-sub000/pkg/platform/tx"
)

// Store persists dead letters in the audit_dead_letters table.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

const entryColumns = `id, event, attempts, last_error, reason, failed_at, status, resolved_at, resolved_by, note, raw_payload`

func (s *Store) Put(ctx context.Context, entry *deadletter.Entry) error {
	payload, err := json.Marshal(entry.Event)
	if err != nil {
		return fmt.Errorf("marshal dead letter event: %w", err)
	}
	query := `
		INSERT INTO audit_dead_letters (
			id, organization_id, event, attempts, last_error, reason, failed_at, status, raw_payload
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING
	`
	res, err := txcontext.ExecutorFrom(ctx, s.db).ExecContext(ctx, query,
		entry.ID,
		entry.Event.OrganizationID,
		payload,
		entry.Attempts,
		entry.LastError,
		string(entry.Reason),
		entry.FailedAt,
		string(entry.Status),
		entry.Payload,
	)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return sentinel.ErrConflict
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*deadletter.Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM audit_dead_letters WHERE id = $1`
	row := txcontext.ExecutorFrom(ctx, s.db).QueryRowContext(ctx, query, id)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get dead letter: %w", err)
	}
	return entry, nil
}

// List returns matching entries, newest first.
func (s *Store) List(ctx context.Context, filter deadletter.Filter) ([]*deadletter.Entry, error) {
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
	query := `SELECT ` + entryColumns + ` FROM audit_dead_letters`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY failed_at DESC, id`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := txcontext.ExecutorFrom(ctx, s.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()

	var out []*deadletter.Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letters: %w", err)
	}
	return out, nil
}

// Resolve closes a pending entry. The status guard in the WHERE clause makes
// concurrent operator actions race safely: exactly one wins.
func (s *Store) Resolve(ctx context.Context, id string, res deadletter.Resolution) (*deadletter.Entry, error) {
	query := `
		UPDATE audit_dead_letters
		SET status = $2, resolved_at = $3, resolved_by = $4, note = $5
		WHERE id = $1 AND status = 'pending'
		RETURNING ` + entryColumns
	exec := txcontext.ExecutorFrom(ctx, s.db)
	entry, err := scanEntry(exec.QueryRowContext(ctx, query, id, string(res.Status), res.At, res.By, res.Note))
	if err == nil {
		return entry, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("resolve dead letter: %w", err)
	}

	var exists bool
	if err := exec.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM audit_dead_letters WHERE id = $1)`, id).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check dead letter: %w", err)
	}
	if !exists {
		return nil, sentinel.ErrNotFound
	}
	return nil, sentinel.ErrInvalidState
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*deadletter.Entry, error) {
	var (
		entry      deadletter.Entry
		payload    []byte
		reason     string
		status     string
		resolvedAt sql.NullTime
		resolvedBy sql.NullString
		note       sql.NullString
	)
	if err := row.Scan(
		&entry.ID,
		&payload,
		&entry.Attempts,
		&entry.LastError,
		&reason,
		&entry.FailedAt,
		&status,
		&resolvedAt,
		&resolvedBy,
		&note,
		&entry.Payload,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, &entry.Event); err != nil {
		return nil, fmt.Errorf("decode dead letter event: %w", err)
	}
	entry.Reason = deadletter.Reason(reason)
	entry.Status = deadletter.Status(status)
	if resolvedAt.Valid {
		at := resolvedAt.Time
		entry.ResolvedAt = &at
	}
	entry.ResolvedBy = resolvedBy.String
	entry.Note = note.String
	return &entry, nil
}
