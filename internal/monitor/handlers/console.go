package handlers

import (
	"context"
	"log/slog"

	"github.com/smedrec/smart-logs-sub000/internal/monitor/models"
)

// Console writes alerts to the structured log.
type Console struct {
	logger *slog.Logger
}

func NewConsole(logger *slog.Logger) *Console {
	return &Console{logger: logger}
}

func (c *Console) Name() string { return "console" }

func (c *Console) Send(ctx context.Context, alert *models.Alert) error {
	level := slog.LevelWarn
	if alert.Severity == models.SeverityCritical || alert.Severity == models.SeverityHigh {
		level = slog.LevelError
	}
	c.logger.Log(ctx, level, "ALERT: "+alert.Title,
		"alert_id", alert.ID,
		"organization_id", alert.OrganizationID,
		"severity", alert.Severity,
		"type", alert.Type,
		"source", alert.Source,
		"description", alert.Description,
	)
	return nil
}
