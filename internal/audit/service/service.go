// Package service is the submission pipeline of the audit engine:
// validate, seal (hash and sign) and enqueue. It also records the events the
// engine raises about itself and produces integrity reports over stored
// events.
package service

import (
	"context"
	"iter"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/smedrec/smart-logs-sub000/internal/audit"
	"github.com/smedrec/smart-logs-sub000/internal/audit/integrity"
	dErrors "github.com/smedrec/smart-logs-sub000/pkg/domain-errors"
)

// Validator normalises raw events. ValidateExternal additionally rejects
// events that impersonate the engine.
type Validator interface {
	Validate(raw audit.Event) (*audit.Event, error)
	ValidateExternal(raw audit.Event) (*audit.Event, error)
}

// Sealer hashes, signs and verifies events.
type Sealer interface {
	Seal(ctx context.Context, event *audit.Event) error
	Verify(ctx context.Context, event *audit.Event) (integrity.Result, error)
}

// Enqueuer hands sealed events to the delivery queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, event *audit.Event) error
}

// EventReader streams stored events.
type EventReader interface {
	QueryByTimeRange(ctx context.Context, organizationID string, start, end time.Time) iter.Seq2[*audit.StoredEvent, error]
}

// ViolationAlerter raises operator-facing alerts for failed verifications.
type ViolationAlerter interface {
	IntegrityViolation(ctx context.Context, event *audit.Event, result integrity.Result) error
}

const (
	defaultMaxBatch    = 500
	defaultConcurrency = 8
)

type Service struct {
	validator   Validator
	sealer      Sealer
	queue       Enqueuer
	events      EventReader
	alerter     ViolationAlerter
	logger      *slog.Logger
	now         func() time.Time
	maxBatch    int
	concurrency int
}

type Option func(*Service)

func WithAlerter(a ViolationAlerter) Option {
	return func(s *Service) { s.alerter = a }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithBatchLimits bounds SubmitBatch size and the number of events sealed
// concurrently.
func WithBatchLimits(maxBatch, concurrency int) Option {
	return func(s *Service) {
		if maxBatch > 0 {
			s.maxBatch = maxBatch
		}
		if concurrency > 0 {
			s.concurrency = concurrency
		}
	}
}

func New(validator Validator, sealer Sealer, queue Enqueuer, events EventReader, opts ...Option) (*Service, error) {
	if validator == nil {
		return nil, dErrors.New(dErrors.CodeInternal, "validator is required")
	}
	if sealer == nil {
		return nil, dErrors.New(dErrors.CodeInternal, "integrity unit is required")
	}
	if queue == nil {
		return nil, dErrors.New(dErrors.CodeInternal, "queue is required")
	}
	if events == nil {
		return nil, dErrors.New(dErrors.CodeInternal, "event reader is required")
	}
	s := &Service{
		validator:   validator,
		sealer:      sealer,
		queue:       queue,
		events:      events,
		logger:      slog.New(slog.DiscardHandler),
		now:         time.Now,
		maxBatch:    defaultMaxBatch,
		concurrency: defaultConcurrency,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Submit validates, seals and enqueues a producer event. The returned event
// carries its hash and signature; its id is assigned later by storage. Events
// without a correlation id get a generated one. The engine's own principal and
// actions are rejected here; they enter only through Record.
func (s *Service) Submit(ctx context.Context, raw audit.Event) (*audit.Event, error) {
	event, err := s.validator.ValidateExternal(raw)
	if err != nil {
		return nil, err
	}
	return s.sealAndEnqueue(ctx, event)
}

func (s *Service) sealAndEnqueue(ctx context.Context, event *audit.Event) (*audit.Event, error) {
	if event.CorrelationID == "" {
		event.CorrelationID = uuid.NewString()
	}
	if err := s.sealer.Seal(ctx, event); err != nil {
		if dErrors.CodeOf(err) == "" {
			err = dErrors.Wrap(err, dErrors.CodeTransient, "seal audit event")
		}
		return nil, err
	}
	if err := s.queue.Enqueue(ctx, event); err != nil {
		return nil, err
	}
	s.logger.DebugContext(ctx, "audit event submitted",
		"action", event.Action,
		"organization_id", event.OrganizationID,
		"correlation_id", event.CorrelationID,
	)
	return event, nil
}

// BatchResult is the outcome of one item of SubmitBatch.
type BatchResult struct {
	Index int
	Event *audit.Event
	Err   error
}

// SubmitBatch submits every item independently; one rejected item does not
// affect the others. Results are in input order.
func (s *Service) SubmitBatch(ctx context.Context, raws []audit.Event) ([]BatchResult, error) {
	if len(raws) == 0 {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "batch is empty")
	}
	if len(raws) > s.maxBatch {
		return nil, dErrors.Newf(dErrors.CodeInvalidInput, "batch of %d exceeds the limit of %d", len(raws), s.maxBatch)
	}

	results := make([]BatchResult, len(raws))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i := range raws {
		g.Go(func() error {
			event, err := s.Submit(gctx, raws[i])
			results[i] = BatchResult{Index: i, Event: event, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}

// Record implements audit.Recorder for events the engine emits itself.
func (s *Service) Record(ctx context.Context, event *audit.Event) error {
	validated, err := s.validator.Validate(*event)
	if err == nil {
		_, err = s.sealAndEnqueue(ctx, validated)
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to record engine audit event",
			"action", event.Action,
			"organization_id", event.OrganizationID,
			"error", err,
		)
		return err
	}
	return nil
}

var _ audit.Recorder = (*Service)(nil)
