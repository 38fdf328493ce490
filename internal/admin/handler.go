// Package admin exposes event submission and the operator surface over HTTP:
// dead-letter handling, alert lifecycle and integrity verification.
package admin

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/smedrec/smart-logs-sub000/internal/audit"
	"github.com/smedrec/smart-logs-sub000/internal/audit/deadletter"
	"github.com/smedrec/smart-logs-sub000/internal/audit/service"
	"github.com/smedrec/smart-logs-sub000/internal/monitor/models"
	dErrors "github.com/smedrec/smart-logs-sub000/pkg/domain-errors"
	"github.com/smedrec/smart-logs-sub000/pkg/platform/httputil"
	"github.com/smedrec/smart-logs-sub000/pkg/requestcontext"
)

// EventService submits events and verifies stored ones.
type EventService interface {
	Submit(ctx context.Context, raw audit.Event) (*audit.Event, error)
	SubmitBatch(ctx context.Context, raws []audit.Event) ([]service.BatchResult, error)
	VerifyRange(ctx context.Context, organizationID string, start, end time.Time) (*service.IntegrityReport, error)
}

// DeadLetterManager is the operator view of the dead letter store.
type DeadLetterManager interface {
	List(ctx context.Context, filter deadletter.Filter) ([]*deadletter.Entry, error)
	Get(ctx context.Context, id string) (*deadletter.Entry, error)
	Replay(ctx context.Context, id, actor string) (*deadletter.Entry, error)
	Discard(ctx context.Context, id, actor, reason string) (*deadletter.Entry, error)
}

// AlertManager is the operator view of the monitor.
type AlertManager interface {
	ListAlerts(ctx context.Context, filter models.AlertFilter) ([]*models.Alert, error)
	GetAlert(ctx context.Context, id string) (*models.Alert, error)
	Acknowledge(ctx context.Context, id, actor string) (*models.Alert, error)
	Resolve(ctx context.Context, id, actor string) (*models.Alert, error)
	Dismiss(ctx context.Context, id, actor string) (*models.Alert, error)
}

type Handler struct {
	events      EventService
	deadLetters DeadLetterManager
	alerts      AlertManager
	logger      *slog.Logger
}

func New(events EventService, deadLetters DeadLetterManager, alerts AlertManager, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Handler{events: events, deadLetters: deadLetters, alerts: alerts, logger: logger}
}

// RegisterEvents mounts the submission endpoints.
func (h *Handler) RegisterEvents(r chi.Router) {
	r.Post("/v1/events", h.HandleSubmit)
	r.Post("/v1/events/batch", h.HandleSubmitBatch)
}

// RegisterOperator mounts the operator endpoints. Callers put them behind
// the admin token and operator identity middleware.
func (h *Handler) RegisterOperator(r chi.Router) {
	r.Get("/admin/dead-letters", h.HandleListDeadLetters)
	r.Get("/admin/dead-letters/{id}", h.HandleGetDeadLetter)
	r.Post("/admin/dead-letters/{id}/replay", h.HandleReplayDeadLetter)
	r.Post("/admin/dead-letters/{id}/discard", h.HandleDiscardDeadLetter)

	r.Get("/admin/alerts", h.HandleListAlerts)
	r.Get("/admin/alerts/{id}", h.HandleGetAlert)
	r.Post("/admin/alerts/{id}/acknowledge", h.HandleAlertTransition(AlertManager.Acknowledge, "acknowledged"))
	r.Post("/admin/alerts/{id}/resolve", h.HandleAlertTransition(AlertManager.Resolve, "resolved"))
	r.Post("/admin/alerts/{id}/dismiss", h.HandleAlertTransition(AlertManager.Dismiss, "dismissed"))

	r.Post("/admin/integrity/verify", h.HandleVerifyIntegrity)
}

// HandleSubmit handles POST /v1/events.
func (h *Handler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, ok := httputil.DecodeJSON[EventRequest](w, r)
	if !ok {
		return
	}
	sealed, err := h.events.Submit(ctx, req.ToEvent())
	if err != nil {
		h.logFailure(ctx, "event submission failed", err, "action", req.Action)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, FromSealed(sealed))
}

// HandleSubmitBatch handles POST /v1/events/batch. Item failures are
// reported per item; the request itself only fails for a malformed batch.
func (h *Handler) HandleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, ok := httputil.DecodeJSON[BatchRequest](w, r)
	if !ok {
		return
	}
	raws := make([]audit.Event, len(req.Events))
	for i := range req.Events {
		raws[i] = req.Events[i].ToEvent()
	}
	results, err := h.events.SubmitBatch(ctx, raws)
	if err != nil {
		h.logFailure(ctx, "batch submission failed", err, "size", len(raws))
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, FromBatch(results))
}

func (h *Handler) HandleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	q := r.URL.Query()
	entries, err := h.deadLetters.List(r.Context(), deadletter.Filter{
		OrganizationID: q.Get("organizationId"),
		Status:         deadletter.Status(q.Get("status")),
		Limit:          limit,
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, DeadLettersResponse{Entries: nonNil(entries), Total: len(entries)})
}

func (h *Handler) HandleGetDeadLetter(w http.ResponseWriter, r *http.Request) {
	entry, err := h.deadLetters.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, entry)
}

func (h *Handler) HandleReplayDeadLetter(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	entry, err := h.deadLetters.Replay(ctx, id, requestcontext.OperatorID(ctx))
	if err != nil {
		h.logFailure(ctx, "dead letter replay failed", err, "entry_id", id)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, entry)
}

func (h *Handler) HandleDiscardDeadLetter(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	req, ok := httputil.DecodeJSON[DiscardRequest](w, r)
	if !ok {
		return
	}
	entry, err := h.deadLetters.Discard(ctx, id, requestcontext.OperatorID(ctx), req.Reason)
	if err != nil {
		h.logFailure(ctx, "dead letter discard failed", err, "entry_id", id)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, entry)
}

func (h *Handler) HandleListAlerts(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	q := r.URL.Query()
	alerts, err := h.alerts.ListAlerts(r.Context(), models.AlertFilter{
		OrganizationID: q.Get("organizationId"),
		Status:         models.AlertStatus(q.Get("status")),
		Limit:          limit,
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, AlertsResponse{Alerts: nonNil(alerts), Total: len(alerts)})
}

func (h *Handler) HandleGetAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := h.alerts.GetAlert(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, alert)
}

type alertTransition func(m AlertManager, ctx context.Context, id, actor string) (*models.Alert, error)

// HandleAlertTransition builds the handler for one lifecycle move.
func (h *Handler) HandleAlertTransition(apply alertTransition, verb string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id := chi.URLParam(r, "id")
		alert, err := apply(h.alerts, ctx, id, requestcontext.OperatorID(ctx))
		if err != nil {
			h.logFailure(ctx, "alert transition failed", err, "alert_id", id, "transition", verb)
			httputil.WriteError(w, err)
			return
		}
		h.logger.InfoContext(ctx, "alert "+verb,
			"alert_id", id,
			"operator", requestcontext.OperatorID(ctx),
			"request_id", requestcontext.RequestID(ctx),
		)
		httputil.WriteJSON(w, http.StatusOK, alert)
	}
}

// HandleVerifyIntegrity handles POST /admin/integrity/verify. A missing end
// defaults to the request time.
func (h *Handler) HandleVerifyIntegrity(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, ok := httputil.DecodeJSON[VerifyRequest](w, r)
	if !ok {
		return
	}
	end := req.End
	if end.IsZero() {
		end = requestcontext.Now(ctx)
	}
	report, err := h.events.VerifyRange(ctx, req.OrganizationID, req.Start, end)
	if err != nil {
		h.logFailure(ctx, "integrity verification failed", err, "organization_id", req.OrganizationID)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, report)
}

func (h *Handler) logFailure(ctx context.Context, msg string, err error, args ...any) {
	status, _ := httputil.StatusFor(err)
	args = append(args, "error", err, "request_id", requestcontext.RequestID(ctx))
	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(ctx, msg, args...)
		return
	}
	h.logger.WarnContext(ctx, msg, args...)
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, dErrors.Newf(dErrors.CodeInvalidInput, "invalid limit %q", raw)
	}
	return limit, nil
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
