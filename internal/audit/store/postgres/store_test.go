package postgres

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smedrec/smart-logs-sub000/internal/audit"
	"github.com/smedrec/smart-logs-sub000/internal/monitor/models"
	"github.com/smedrec/smart-logs-sub000/pkg/platform/sentinel"
)

var (
	eventCols = []string{"id", "timestamp", "action", "status", "principal_id", "organization_id",
		"target_resource_type", "target_resource_id", "data_classification", "details",
		"correlation_id", "hash", "hash_algorithm", "signature", "signing_algorithm", "signing_key_id", "stored_at"}
	alertCols = []string{"id", "organization_id", "severity", "type", "title", "description", "source",
		"source_event_ids", "status", "created_at", "acknowledged_at", "acknowledged_by",
		"resolved_at", "resolved_by", "content_hash"}

	ts       = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	storedAt = ts.Add(time.Second)
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db, WithClock(func() time.Time { return storedAt })), mock
}

func sampleEvent() *audit.Event {
	return &audit.Event{
		Timestamp:          ts,
		Action:             "record.read",
		Status:             audit.StatusSuccess,
		PrincipalID:        "u1",
		OrganizationID:     "o1",
		DataClassification: audit.ClassificationPHI,
		Details:            audit.Details{"ip": "10.0.0.1"},
		CorrelationID:      "c1",
		Hash:               "abc",
		HashAlgorithm:      "SHA-256",
	}
}

func eventRow(id string) *sqlmock.Rows {
	return sqlmock.NewRows(eventCols).AddRow(
		id, ts, "record.read", "success", "u1", "o1", "", "", "PHI", []byte(`{"ip":"10.0.0.1"}`),
		"c1", "abc", "SHA-256", "", "", "", storedAt,
	)
}

func TestStore_Append(t *testing.T) {
	t.Run("new event is inserted", func(t *testing.T) {
		store, mock := newMock(t)
		mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO audit_events")).
			WithArgs(sqlmock.AnyArg(), "c1:abc", ts, "record.read", "success", "u1", "o1", "", "", "PHI",
				sqlmock.AnyArg(), "c1", "abc", "SHA-256", "", "", "", storedAt).
			WillReturnRows(eventRow("e1"))

		res, err := store.Append(context.Background(), sampleEvent())
		require.NoError(t, err)
		assert.True(t, res.Created)
		assert.Equal(t, "e1", res.Event.ID)
		assert.Equal(t, audit.ClassificationPHI, res.Event.DataClassification)
		assert.Equal(t, "10.0.0.1", res.Event.Details["ip"])
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("duplicate key returns the original row", func(t *testing.T) {
		store, mock := newMock(t)
		mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO audit_events")).
			WillReturnRows(sqlmock.NewRows(eventCols))
		mock.ExpectQuery(regexp.QuoteMeta("FROM audit_events WHERE idempotency_key = $1")).
			WithArgs("c1:abc").
			WillReturnRows(eventRow("original"))

		res, err := store.Append(context.Background(), sampleEvent())
		require.NoError(t, err)
		assert.False(t, res.Created)
		assert.Equal(t, "original", res.Event.ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("database errors are wrapped", func(t *testing.T) {
		store, mock := newMock(t)
		mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO audit_events")).
			WillReturnError(errors.New("connection reset"))

		_, err := store.Append(context.Background(), sampleEvent())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "insert audit event")
	})
}

func TestStore_QueryByTimeRange(t *testing.T) {
	t.Run("streams rows in order", func(t *testing.T) {
		store, mock := newMock(t)
		rows := eventRow("e1")
		rows.AddRow("e2", ts.Add(time.Minute), "record.read", "success", "u1", "o1", "", "", "PHI", nil,
			"c2", "def", "SHA-256", "", "", "", storedAt)
		mock.ExpectQuery(regexp.QuoteMeta("WHERE organization_id = $1 AND timestamp >= $2 AND timestamp < $3")).
			WithArgs("o1", ts, ts.Add(time.Hour)).
			WillReturnRows(rows)

		var ids []string
		for e, err := range store.QueryByTimeRange(context.Background(), "o1", ts, ts.Add(time.Hour)) {
			require.NoError(t, err)
			ids = append(ids, e.ID)
		}
		assert.Equal(t, []string{"e1", "e2"}, ids)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("query failure is yielded", func(t *testing.T) {
		store, mock := newMock(t)
		mock.ExpectQuery(regexp.QuoteMeta("FROM audit_events")).WillReturnError(sql.ErrConnDone)

		var errs []error
		for _, err := range store.QueryByTimeRange(context.Background(), "o1", ts, ts.Add(time.Hour)) {
			errs = append(errs, err)
		}
		require.Len(t, errs, 1)
		assert.ErrorIs(t, errs[0], sql.ErrConnDone)
	})
}

func alertRow(status string) *sqlmock.Rows {
	return sqlmock.NewRows(alertCols).AddRow(
		"a1", "o1", "HIGH", "SECURITY", "title", "desc", "u1", "{e1,e2}", status, ts,
		nil, nil, nil, nil, "hash",
	)
}

func TestStore_Alerts(t *testing.T) {
	t.Run("append conflict", func(t *testing.T) {
		store, mock := newMock(t)
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_alerts")).
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := store.AppendAlert(context.Background(), &models.Alert{ID: "a1", Status: models.AlertStatusActive, CreatedAt: ts})
		assert.ErrorIs(t, err, sentinel.ErrConflict)
	})

	t.Run("get decodes arrays and nullable columns", func(t *testing.T) {
		store, mock := newMock(t)
		mock.ExpectQuery(regexp.QuoteMeta("FROM audit_alerts WHERE id = $1")).
			WithArgs("a1").
			WillReturnRows(alertRow("ACTIVE"))

		a, err := store.GetAlert(context.Background(), "a1")
		require.NoError(t, err)
		assert.Equal(t, []string{"e1", "e2"}, a.SourceEventIDs)
		assert.Equal(t, models.SeverityHigh, a.Severity)
		assert.Nil(t, a.AcknowledgedAt)
		assert.Empty(t, a.AcknowledgedBy)
	})

	t.Run("get unknown id", func(t *testing.T) {
		store, mock := newMock(t)
		mock.ExpectQuery(regexp.QuoteMeta("FROM audit_alerts WHERE id = $1")).
			WillReturnRows(sqlmock.NewRows(alertCols))

		_, err := store.GetAlert(context.Background(), "nope")
		assert.ErrorIs(t, err, sentinel.ErrNotFound)
	})

	t.Run("update whose status moved is a conflict", func(t *testing.T) {
		store, mock := newMock(t)
		at := ts.Add(time.Minute)
		mock.ExpectQuery(regexp.QuoteMeta("UPDATE audit_alerts")).
			WithArgs("a1", "ACTIVE", "ACKNOWLEDGED", sqlmock.AnyArg(), "op", sqlmock.AnyArg(), "").
			WillReturnRows(sqlmock.NewRows(alertCols))
		mock.ExpectQuery(regexp.QuoteMeta("FROM audit_alerts WHERE id = $1")).
			WithArgs("a1").
			WillReturnRows(alertRow("RESOLVED"))

		_, err := store.UpdateAlert(context.Background(), "a1", models.AlertPatch{
			ExpectedStatus: models.AlertStatusActive,
			Status:         models.AlertStatusAcknowledged,
			AcknowledgedAt: &at,
			AcknowledgedBy: "op",
		})
		assert.ErrorIs(t, err, sentinel.ErrConflict)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("update of unknown id", func(t *testing.T) {
		store, mock := newMock(t)
		mock.ExpectQuery(regexp.QuoteMeta("UPDATE audit_alerts")).
			WillReturnRows(sqlmock.NewRows(alertCols))
		mock.ExpectQuery(regexp.QuoteMeta("FROM audit_alerts WHERE id = $1")).
			WillReturnRows(sqlmock.NewRows(alertCols))

		_, err := store.UpdateAlert(context.Background(), "a1", models.AlertPatch{
			ExpectedStatus: models.AlertStatusActive,
			Status:         models.AlertStatusResolved,
		})
		assert.ErrorIs(t, err, sentinel.ErrNotFound)
	})

	t.Run("list builds filters", func(t *testing.T) {
		store, mock := newMock(t)
		mock.ExpectQuery(regexp.QuoteMeta("WHERE organization_id = $1 AND status = $2 ORDER BY created_at DESC, id LIMIT $3")).
			WithArgs("o1", "ACTIVE", 10).
			WillReturnRows(alertRow("ACTIVE"))

		alerts, err := store.ListAlerts(context.Background(), models.AlertFilter{
			OrganizationID: "o1", Status: models.AlertStatusActive, Limit: 10,
		})
		require.NoError(t, err)
		require.Len(t, alerts, 1)
		assert.Equal(t, "a1", alerts[0].ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
