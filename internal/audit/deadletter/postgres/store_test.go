package postgres

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smedrec/smart-logs-sub000/internal/audit"
	"github.com/smedrec/smart-logs-sub000/internal/audit/deadletter"
	"github.com/smedrec/smart-logs-sub000/pkg/platform/sentinel"
)

var columns = []string{"id", "event", "attempts", "last_error", "reason", "failed_at", "status", "resolved_at", "resolved_by", "note", "raw_payload"}

func sampleEntry() *deadletter.Entry {
	return &deadletter.Entry{
		ID:        "dl-1",
		Event:     audit.Event{Action: "record.read", Status: audit.StatusFailure, PrincipalID: "u1", OrganizationID: "o1", Hash: "h"},
		Attempts:  5,
		LastError: "timeout",
		Reason:    deadletter.ReasonExhausted,
		FailedAt:  time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		Status:    deadletter.StatusPending,
	}
}

func TestStore_Put(t *testing.T) {
	t.Run("inserts the entry", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		entry := sampleEntry()
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_dead_letters")).
			WithArgs("dl-1", "o1", sqlmock.AnyArg(), 5, "timeout", "exhausted", entry.FailedAt, "pending", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, New(db).Put(context.Background(), entry))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("duplicate id is a conflict", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_dead_letters")).
			WillReturnResult(sqlmock.NewResult(0, 0))

		err = New(db).Put(context.Background(), sampleEntry())
		assert.ErrorIs(t, err, sentinel.ErrConflict)
	})
}

func TestStore_KeepsUndecodablePayload(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	raw := []byte("{not json")
	entry := &deadletter.Entry{
		ID:        "dl-raw",
		Event:     audit.Event{OrganizationID: audit.SystemOrganization},
		Payload:   raw,
		LastError: "invalid character",
		Reason:    deadletter.ReasonUndecodable,
		FailedAt:  time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		Status:    deadletter.StatusPending,
	}
	event, err := json.Marshal(entry.Event)
	require.NoError(t, err)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_dead_letters")).
		WithArgs("dl-raw", audit.SystemOrganization, sqlmock.AnyArg(), 0, "invalid character", "undecodable", entry.FailedAt, "pending", raw).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("FROM audit_dead_letters WHERE id = $1")).
		WithArgs("dl-raw").
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow("dl-raw", event, 0, "invalid character", "undecodable", entry.FailedAt, "pending", nil, nil, nil, raw))

	store := New(db)
	require.NoError(t, store.Put(context.Background(), entry))
	got, err := store.Get(context.Background(), "dl-raw")
	require.NoError(t, err)
	assert.Equal(t, raw, got.Payload)
	assert.False(t, got.Replayable())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Get(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	entry := sampleEntry()
	payload, err := json.Marshal(entry.Event)
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta("FROM audit_dead_letters WHERE id = $1")).
		WithArgs("dl-1").
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow("dl-1", payload, 5, "timeout", "exhausted", entry.FailedAt, "pending", nil, nil, nil, nil))
	mock.ExpectQuery(regexp.QuoteMeta("FROM audit_dead_letters WHERE id = $1")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(columns))

	store := New(db)
	got, err := store.Get(context.Background(), "dl-1")
	require.NoError(t, err)
	assert.Equal(t, "o1", got.Event.OrganizationID)
	assert.Equal(t, deadletter.ReasonExhausted, got.Reason)
	assert.Nil(t, got.ResolvedAt)

	_, err = store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, sentinel.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_ListBuildsFilters(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("WHERE organization_id = $1 AND status = $2 ORDER BY failed_at DESC, id LIMIT $3")).
		WithArgs("o1", "pending", 10).
		WillReturnRows(sqlmock.NewRows(columns))

	entries, err := New(db).List(context.Background(), deadletter.Filter{OrganizationID: "o1", Status: deadletter.StatusPending, Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Resolve(t *testing.T) {
	at := time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC)
	res := deadletter.Resolution{Status: deadletter.StatusDiscarded, By: "ops", Note: "noise", At: at}

	t.Run("pending entry", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		entry := sampleEntry()
		payload, _ := json.Marshal(entry.Event)
		mock.ExpectQuery(regexp.QuoteMeta("UPDATE audit_dead_letters")).
			WithArgs("dl-1", "discarded", at, "ops", "noise").
			WillReturnRows(sqlmock.NewRows(columns).
				AddRow("dl-1", payload, 5, "timeout", "exhausted", entry.FailedAt, "discarded", at, "ops", "noise", nil))

		got, err := New(db).Resolve(context.Background(), "dl-1", res)
		require.NoError(t, err)
		assert.Equal(t, deadletter.StatusDiscarded, got.Status)
		require.NotNil(t, got.ResolvedAt)
		assert.Equal(t, at, *got.ResolvedAt)
	})

	t.Run("already resolved", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectQuery(regexp.QuoteMeta("UPDATE audit_dead_letters")).WillReturnRows(sqlmock.NewRows(columns))
		mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).WithArgs("dl-1").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

		_, err = New(db).Resolve(context.Background(), "dl-1", res)
		assert.ErrorIs(t, err, sentinel.ErrInvalidState)
	})

	t.Run("missing entry", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectQuery(regexp.QuoteMeta("UPDATE audit_dead_letters")).WillReturnRows(sqlmock.NewRows(columns))
		mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).WithArgs("dl-1").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

		_, err = New(db).Resolve(context.Background(), "dl-1", res)
		assert.ErrorIs(t, err, sentinel.ErrNotFound)
	})
}
