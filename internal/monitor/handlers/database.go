package handlers

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/smedrec/smart-logs-sub000/internal/monitor/models"
	txcontext "github.com/smedrec/smart-logs-sub000/pkg/platform/tx"
)

// Database appends every alert to the alert_notifications log, which
// downstream dashboards poll.
type Database struct {
	db  *sql.DB
	now func() time.Time
}

func NewDatabase(db *sql.DB) *Database {
	return &Database{db: db, now: time.Now}
}

func (d *Database) Name() string { return "database" }

func (d *Database) Send(ctx context.Context, alert *models.Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	_, err = txcontext.ExecutorFrom(ctx, d.db).ExecContext(ctx, `
		INSERT INTO alert_notifications (alert_id, organization_id, severity, title, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		alert.ID, alert.OrganizationID, string(alert.Severity), alert.Title, payload, d.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert alert notification: %w", err)
	}
	return nil
}
