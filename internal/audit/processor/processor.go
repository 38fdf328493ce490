// Package processor is the queue's worker callback: it re-verifies a sealed
// event, appends it idempotently to storage and forwards newly stored events
// to the monitor.
//
// Failures are classified, not retried here. Storage and KMS errors come back
// as transient, a failed verification as an integrity violation that the
// queue dead-letters without retrying.
package processor

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/smedrec/smart-logs-sub000/internal/audit"
	"github.com/smedrec/smart-logs-sub000/internal/audit/integrity"
	"github.com/smedrec/smart-logs-sub000/internal/audit/store"
	dErrors "github.com/smedrec/smart-logs-sub000/pkg/domain-errors"
)

var tracer = otel.Tracer("audit/processor")

// EventStore is the append half of the storage collaborator.
type EventStore interface {
	Append(ctx context.Context, event *audit.Event) (store.AppendResult, error)
}

// Verifier re-checks hash and signature.
type Verifier interface {
	Verify(ctx context.Context, event *audit.Event) (integrity.Result, error)
}

// Publisher is the monitor's inbound channel.
type Publisher interface {
	Publish(ctx context.Context, event *audit.StoredEvent) error
}

// ViolationAlerter raises operator-facing alerts for failed verifications.
type ViolationAlerter interface {
	IntegrityViolation(ctx context.Context, event *audit.Event, result integrity.Result) error
}

type Processor struct {
	store     EventStore
	verifier  Verifier
	recorder  audit.Recorder
	publisher Publisher
	alerter   ViolationAlerter
	logger    *slog.Logger
	metrics   *Metrics
	now       func() time.Time
}

type Option func(*Processor)

// WithRecorder sets where integrity violations are recorded as audit events.
func WithRecorder(r audit.Recorder) Option {
	return func(p *Processor) { p.recorder = r }
}

func WithPublisher(pub Publisher) Option {
	return func(p *Processor) { p.publisher = pub }
}

func WithAlerter(a ViolationAlerter) Option {
	return func(p *Processor) { p.alerter = a }
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Processor) { p.logger = logger }
}

func WithMetrics(m *Metrics) Option {
	return func(p *Processor) { p.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

func New(events EventStore, verifier Verifier, opts ...Option) (*Processor, error) {
	if events == nil {
		return nil, dErrors.New(dErrors.CodeInternal, "event store is required")
	}
	if verifier == nil {
		return nil, dErrors.New(dErrors.CodeInternal, "verifier is required")
	}
	p := &Processor{
		store:    events,
		verifier: verifier,
		recorder: audit.NopRecorder,
		logger:   slog.New(slog.DiscardHandler),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Process handles one delivery attempt of event.
func (p *Processor) Process(ctx context.Context, event *audit.Event) (_ *audit.StoredEvent, err error) {
	start := p.now()
	ctx, span := tracer.Start(ctx, "audit.process", trace.WithAttributes(
		attribute.String("audit.action", event.Action),
		attribute.String("audit.organization_id", event.OrganizationID),
		attribute.String("audit.correlation_id", event.CorrelationID),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		p.metrics.observe(p.now().Sub(start))
	}()

	res, err := p.verifier.Verify(ctx, event)
	if err != nil {
		p.metrics.outcome(outcomeFailed)
		return nil, classify(err, "verify audit event")
	}
	if !res.Valid {
		return nil, p.violation(ctx, event, res)
	}

	appended, err := p.store.Append(ctx, event)
	if err != nil {
		p.metrics.outcome(outcomeFailed)
		return nil, classify(err, "append audit event")
	}
	stored := appended.Event
	span.SetAttributes(attribute.String("audit.event_id", stored.ID), attribute.Bool("audit.created", appended.Created))
	if appended.Created {
		p.metrics.outcome(outcomeStored)
	} else {
		p.metrics.outcome(outcomeDuplicate)
		p.logger.DebugContext(ctx, "audit event already stored",
			"event_id", stored.ID,
			"correlation_id", event.CorrelationID,
		)
	}

	// Duplicates are forwarded too: the first attempt may have stored the
	// event and failed before publishing. The monitor drops ids it has seen.
	if p.publisher != nil {
		if err := p.publisher.Publish(ctx, stored); err != nil {
			p.logger.WarnContext(ctx, "failed to forward stored event to monitor",
				"event_id", stored.ID,
				"error", err,
			)
		}
	}
	return stored, nil
}

// violation records the failed check and raises an alert. The returned error
// is an integrity violation unless recording itself failed, in which case the
// attempt is retried so the violation is not lost.
func (p *Processor) violation(ctx context.Context, event *audit.Event, res integrity.Result) error {
	p.metrics.outcome(outcomeViolation)
	p.logger.ErrorContext(ctx, "CRITICAL: audit event failed integrity verification",
		"reason", res.Reason,
		"correlation_id", event.CorrelationID,
		"organization_id", event.OrganizationID,
		"action", event.Action,
	)

	if err := p.recorder.Record(ctx, integrity.ViolationEvent(event, res, "processor", p.now())); err != nil {
		return classify(err, "record integrity violation")
	}
	if p.alerter != nil {
		if err := p.alerter.IntegrityViolation(ctx, event, res); err != nil {
			p.logger.ErrorContext(ctx, "failed to raise integrity violation alert",
				"correlation_id", event.CorrelationID,
				"error", err,
			)
		}
	}
	return res.IntegrityViolation()
}

// classify keeps coded errors and marks everything else transient.
func classify(err error, message string) error {
	if dErrors.CodeOf(err) != "" {
		return dErrors.Wrap(err, dErrors.CodeOf(err), message)
	}
	return dErrors.Wrap(err, dErrors.CodeTransient, message)
}
