// Package monitor is the alert engine. It keeps a sliding window of stored
// events per organization, runs the detectors over it, suppresses repeated
// candidates through the cooldown cache, persists new alerts and fans them
// out to the notification handlers.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/smedrec/smart-logs-sub000/internal/audit"
	"github.com/smedrec/smart-logs-sub000/internal/audit/deadletter"
	"github.com/smedrec/smart-logs-sub000/internal/audit/integrity"
	"github.com/smedrec/smart-logs-sub000/internal/audit/store"
	"github.com/smedrec/smart-logs-sub000/internal/monitor/cooldown"
	"github.com/smedrec/smart-logs-sub000/internal/monitor/detector"
	"github.com/smedrec/smart-logs-sub000/internal/monitor/handlers"
	"github.com/smedrec/smart-logs-sub000/internal/monitor/models"
	dErrors "github.com/smedrec/smart-logs-sub000/pkg/domain-errors"
)

// System alert types.
const (
	TypeIntegrityViolation = "integrity-violation"
	TypeDeliveryDeadLetter = "delivery-dead-letter"
)

type Config struct {
	Rules       detector.Rules
	CooldownTTL time.Duration
	// WindowLimit caps the events held per organization.
	WindowLimit int
	// InboundBuffer is the capacity of the Publish channel.
	InboundBuffer int
}

func DefaultConfig() Config {
	return Config{
		Rules:         detector.DefaultRules(),
		CooldownTTL:   5 * time.Minute,
		WindowLimit:   10_000,
		InboundBuffer: 1024,
	}
}

type Engine struct {
	cfg       Config
	alerts    store.AlertStore
	cooldown  cooldown.Cache
	detectors []detector.Detector
	window    *detector.Window
	handlers  []handlers.Handler
	recorder  audit.Recorder
	inbound   chan *audit.StoredEvent
	logger    *slog.Logger
	metrics   *Metrics
	now       func() time.Time
}

type Option func(*Engine)

func WithConfig(cfg Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// WithDetectors adds detectors to the built-in set.
func WithDetectors(d ...detector.Detector) Option {
	return func(e *Engine) { e.detectors = append(e.detectors, d...) }
}

func WithHandlers(h ...handlers.Handler) Option {
	return func(e *Engine) { e.handlers = append(e.handlers, h...) }
}

// WithRecorder sets where alert transitions are recorded as audit events.
func WithRecorder(r audit.Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func New(alerts store.AlertStore, cache cooldown.Cache, opts ...Option) (*Engine, error) {
	if alerts == nil {
		return nil, dErrors.New(dErrors.CodeInternal, "alert store is required")
	}
	if cache == nil {
		return nil, dErrors.New(dErrors.CodeInternal, "cooldown cache is required")
	}
	e := &Engine{
		cfg:      DefaultConfig(),
		alerts:   alerts,
		cooldown: cache,
		recorder: audit.NopRecorder,
		logger:   slog.New(slog.DiscardHandler),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := e.cfg.Rules.Validate(); err != nil {
		return nil, err
	}
	if e.cfg.CooldownTTL <= 0 {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "cooldown ttl must be positive")
	}
	e.detectors = append(detector.Builtin(e.cfg.Rules), e.detectors...)
	e.window = detector.NewWindow(e.cfg.Rules.Window, e.cfg.WindowLimit)
	e.inbound = make(chan *audit.StoredEvent, max(e.cfg.InboundBuffer, 1))
	return e, nil
}

// =============================================================================
// Event stream
// =============================================================================

// Publish hands a stored event to Run. It blocks while the buffer is full.
func (e *Engine) Publish(ctx context.Context, event *audit.StoredEvent) error {
	select {
	case e.inbound <- event:
		return nil
	case <-ctx.Done():
		e.metrics.dropped()
		return dErrors.Wrap(ctx.Err(), dErrors.CodeTimeout, "monitor inbound channel full")
	}
}

// Run analyses published events until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case event := <-e.inbound:
			if _, err := e.Observe(ctx, event); err != nil {
				e.logger.ErrorContext(ctx, "failed to analyse audit event",
					"event_id", event.ID,
					"organization_id", event.OrganizationID,
					"error", err,
				)
			}
		}
	}
}

// Observe adds event to its organization's window, runs the detectors and
// raises every candidate. It returns the alerts that were created. An event
// already in the window was analysed when it first arrived and is skipped.
func (e *Engine) Observe(ctx context.Context, event *audit.StoredEvent) ([]*models.Alert, error) {
	window, added := e.window.Add(event, e.now())
	if !added {
		return nil, nil
	}
	candidates := detector.Run(e.detectors, window)

	var (
		created []*models.Alert
		errs    []error
	)
	for _, c := range candidates {
		alert, err := e.Raise(ctx, c)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if alert != nil {
			created = append(created, alert)
		}
	}
	return created, errors.Join(errs...)
}

// =============================================================================
// Alert generation
// =============================================================================

// Raise creates an alert for c unless an identical one was raised within the
// cooldown window, in which case it returns nil without error.
func (e *Engine) Raise(ctx context.Context, c detector.Candidate) (*models.Alert, error) {
	e.metrics.candidate(c.Type)
	hash := c.ContentHash()
	if duplicate := e.checkDuplicate(ctx, hash); duplicate {
		e.metrics.suppressed(c.Type)
		e.logger.DebugContext(ctx, "alert suppressed by cooldown",
			"type", c.Type,
			"organization_id", c.OrganizationID,
			"source", c.Source,
		)
		return nil, nil
	}
	return e.generateAlert(ctx, c, hash)
}

// checkDuplicate claims the cooldown key. A cache outage fails open: a
// duplicate alert is preferable to a lost one.
func (e *Engine) checkDuplicate(ctx context.Context, hash string) bool {
	claimed, err := e.cooldown.SetIfAbsent(ctx, hash, e.cfg.CooldownTTL)
	if err != nil {
		e.logger.WarnContext(ctx, "cooldown cache unavailable, alert not deduplicated", "error", err)
		return false
	}
	return !claimed
}

func (e *Engine) generateAlert(ctx context.Context, c detector.Candidate, hash string) (*models.Alert, error) {
	alert := &models.Alert{
		ID:             uuid.NewString(),
		OrganizationID: c.OrganizationID,
		Severity:       c.Severity,
		Type:           c.Type,
		Title:          c.Title,
		Description:    c.Description,
		Source:         c.Source,
		SourceEventIDs: c.SourceEventIDs,
		Status:         models.AlertStatusActive,
		CreatedAt:      e.now().UTC(),
		ContentHash:    hash,
	}
	if alert.SourceEventIDs == nil {
		alert.SourceEventIDs = []string{}
	}
	if err := alert.Validate(); err != nil {
		return nil, err
	}
	if err := e.alerts.AppendAlert(ctx, alert); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeTransient, "persist alert")
	}
	e.metrics.created(alert.Type, alert.Severity)
	e.logger.InfoContext(ctx, "alert created",
		"alert_id", alert.ID,
		"type", alert.Type,
		"severity", alert.Severity,
		"organization_id", alert.OrganizationID,
	)

	if err := e.notify(ctx, alert); err != nil {
		e.logger.ErrorContext(ctx, "alert notification failed", "alert_id", alert.ID, "error", err)
	}
	return alert, nil
}

// notify runs every handler concurrently. Handler errors are collected; none
// cancels its siblings.
func (e *Engine) notify(ctx context.Context, alert *models.Alert) error {
	if len(e.handlers) == 0 {
		return nil
	}
	errs := make([]error, len(e.handlers))
	var g errgroup.Group
	for i, h := range e.handlers {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("handler panicked: %v", r)
				}
				if err != nil {
					e.metrics.handlerFailed(h.Name())
					errs[i] = fmt.Errorf("%s: %w", h.Name(), err)
				}
			}()
			return h.Send(ctx, alert.Clone())
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// =============================================================================
// System alerts
// =============================================================================

// IntegrityViolation raises a CRITICAL alert for an event that failed
// verification.
func (e *Engine) IntegrityViolation(ctx context.Context, event *audit.Event, res integrity.Result) error {
	source := event.ID
	if source == "" {
		source = event.CorrelationID
	}
	_, err := e.Raise(ctx, detector.Candidate{
		OrganizationID: event.OrganizationID,
		Severity:       models.SeverityCritical,
		Type:           TypeIntegrityViolation,
		Title:          "Audit event failed integrity verification",
		Description: fmt.Sprintf("%s event by %s at %s: %s",
			event.Action, event.PrincipalID, event.Timestamp.UTC().Format(time.RFC3339), res.Reason),
		Source:         source,
		SourceEventIDs: nonEmpty(event.ID),
	})
	return err
}

// DeadLettered raises a HIGH alert for every dead-lettered delivery.
func (e *Engine) DeadLettered(ctx context.Context, entry *deadletter.Entry) {
	description := fmt.Sprintf("%s event by %s dead-lettered (%s) after %d attempts: %s",
		entry.Event.Action, entry.Event.PrincipalID, entry.Reason, entry.Attempts, entry.LastError)
	if !entry.Replayable() {
		description = fmt.Sprintf("undecodable queue payload of %d bytes dead-lettered: %s", len(entry.Payload), entry.LastError)
	}
	_, err := e.Raise(ctx, detector.Candidate{
		OrganizationID: entry.Event.OrganizationID,
		Severity:       models.SeverityHigh,
		Type:           TypeDeliveryDeadLetter,
		Title:          "Audit event moved to dead letter",
		Description:    description,
		Source:         entry.ID,
		SourceEventIDs: []string{},
	})
	if err != nil {
		e.logger.ErrorContext(ctx, "CRITICAL: failed to raise dead letter alert",
			"entry_id", entry.ID,
			"error", err,
		)
	}
}

func nonEmpty(id string) []string {
	if id == "" {
		return []string{}
	}
	return []string{id}
}
