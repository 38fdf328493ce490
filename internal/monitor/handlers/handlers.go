// Package handlers delivers created alerts to notification channels. The
// engine calls every registered handler independently; a failing handler
// never blocks the others.
package handlers

import (
	"context"

	"github.com/smedrec/smart-logs-sub000/internal/monitor/models"
)

// Handler is one notification channel.
type Handler interface {
	Name() string
	Send(ctx context.Context, alert *models.Alert) error
}
