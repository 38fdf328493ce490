package monitor

import (
	"context"
	"errors"
	"time"

	"github.com/smedrec/smart-logs-sub000/internal/audit"
	"github.com/smedrec/smart-logs-sub000/internal/monitor/models"
	dErrors "github.com/smedrec/smart-logs-sub000/pkg/domain-errors"
	"github.com/smedrec/smart-logs-sub000/pkg/platform/sentinel"
)

type transitionFunc func(a *models.Alert, by string, now time.Time) (models.AlertPatch, error)

func (e *Engine) Acknowledge(ctx context.Context, id, actor string) (*models.Alert, error) {
	return e.transition(ctx, id, actor, audit.ActionAlertAcknowledged, (*models.Alert).Acknowledge)
}

func (e *Engine) Resolve(ctx context.Context, id, actor string) (*models.Alert, error) {
	return e.transition(ctx, id, actor, audit.ActionAlertResolved, (*models.Alert).Resolve)
}

func (e *Engine) Dismiss(ctx context.Context, id, actor string) (*models.Alert, error) {
	return e.transition(ctx, id, actor, audit.ActionAlertDismissed, (*models.Alert).Dismiss)
}

func (e *Engine) transition(ctx context.Context, id, actor, action string, apply transitionFunc) (*models.Alert, error) {
	if actor == "" {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "operator identity is required")
	}
	alert, err := e.GetAlert(ctx, id)
	if err != nil {
		return nil, err
	}
	from := alert.Status
	patch, err := apply(alert, actor, e.now().UTC())
	if err != nil {
		return nil, err
	}

	updated, err := e.alerts.UpdateAlert(ctx, id, patch)
	switch {
	case errors.Is(err, sentinel.ErrConflict):
		return nil, dErrors.Newf(dErrors.CodeInvariantViolation, "alert %s changed status concurrently", id)
	case err != nil:
		return nil, translate(err, id)
	}

	e.logger.InfoContext(ctx, "alert status changed",
		"alert_id", id,
		"from", from,
		"to", updated.Status,
		"actor", actor,
	)
	e.recordTransition(ctx, updated, action, actor, from)
	return updated, nil
}

func (e *Engine) recordTransition(ctx context.Context, alert *models.Alert, action, actor string, from models.AlertStatus) {
	err := e.recorder.Record(ctx, &audit.Event{
		Timestamp:          e.now().UTC(),
		Action:             action,
		Status:             audit.StatusSuccess,
		PrincipalID:        actor,
		OrganizationID:     alert.OrganizationID,
		TargetResourceType: "Alert",
		TargetResourceID:   alert.ID,
		DataClassification: audit.ClassificationInternal,
		Details: audit.Details{
			"fromStatus": string(from),
			"toStatus":   string(alert.Status),
			"alertType":  alert.Type,
			"severity":   string(alert.Severity),
		},
	})
	if err != nil {
		e.logger.ErrorContext(ctx, "failed to record alert transition",
			"alert_id", alert.ID,
			"action", action,
			"error", err,
		)
	}
}

func (e *Engine) GetAlert(ctx context.Context, id string) (*models.Alert, error) {
	alert, err := e.alerts.GetAlert(ctx, id)
	if err != nil {
		return nil, translate(err, id)
	}
	return alert, nil
}

func (e *Engine) ListAlerts(ctx context.Context, filter models.AlertFilter) ([]*models.Alert, error) {
	if filter.Status != "" && !filter.Status.IsValid() {
		return nil, dErrors.Newf(dErrors.CodeInvalidInput, "invalid alert status %q", filter.Status)
	}
	if filter.Limit < 0 {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "limit must not be negative")
	}
	alerts, err := e.alerts.ListAlerts(ctx, filter)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "list alerts")
	}
	return alerts, nil
}

func translate(err error, id string) error {
	if errors.Is(err, sentinel.ErrNotFound) {
		return dErrors.Newf(dErrors.CodeNotFound, "alert %s not found", id)
	}
	return dErrors.Wrap(err, dErrors.CodeInternal, "alert store failure")
}
