// Package queue delivers sealed audit events to the processor at least once.
//
// The queue is the only component that decides between retry and dead letter:
// transient failures are nacked back to the broker with exponential backoff,
// permanent failures and exhausted retries are persisted to the dead-letter
// store and reported to every DeadLetterObserver. A shared circuit breaker
// guards the storage path; while it is open, Enqueue keeps publishing to the
// broker but workers stop consuming.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/smedrec/smart-logs-sub000/internal/audit"
	"github.com/smedrec/smart-logs-sub000/internal/audit/deadletter"
	dErrors "github.com/smedrec/smart-logs-sub000/pkg/domain-errors"
	"github.com/smedrec/smart-logs-sub000/pkg/platform/circuit"
	"github.com/smedrec/smart-logs-sub000/pkg/platform/sentinel"
)

// Processor handles one delivery attempt.
type Processor interface {
	Process(ctx context.Context, event *audit.Event) (*audit.StoredEvent, error)
}

// DeadLetterObserver is notified after an entry has been persisted.
type DeadLetterObserver interface {
	DeadLettered(ctx context.Context, entry *deadletter.Entry)
}

// Config tunes the consumption loop.
type Config struct {
	Workers           int
	BatchSize         int
	VisibilityTimeout time.Duration
	// AttemptTimeout is the hard wall-clock limit for one processing attempt.
	AttemptTimeout time.Duration
	// PollInterval is how long an idle worker waits before consuming again.
	PollInterval time.Duration
	Retry        RetryPolicy
}

var DefaultConfig = Config{
	Workers:           4,
	BatchSize:         16,
	VisibilityTimeout: 2 * time.Minute,
	AttemptTimeout:    30 * time.Second,
	PollInterval:      250 * time.Millisecond,
	Retry:             DefaultRetryPolicy,
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = DefaultConfig.Workers
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultConfig.BatchSize
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = DefaultConfig.VisibilityTimeout
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = DefaultConfig.AttemptTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultConfig.PollInterval
	}
	c.Retry = c.Retry.withDefaults()
	return c
}

// Stats are process-local delivery counters.
type Stats struct {
	Enqueued     int64
	Acked        int64
	Retried      int64
	DeadLettered int64
	InFlight     int64
}

type Queue struct {
	broker      Broker
	processor   Processor
	deadLetters deadletter.Store
	breaker     *circuit.Breaker
	observers   []DeadLetterObserver
	cfg         Config
	logger      *slog.Logger
	metrics     *Metrics
	now         func() time.Time
	random      func() float64

	enqueued     atomic.Int64
	acked        atomic.Int64
	retried      atomic.Int64
	deadLettered atomic.Int64
	inFlight     atomic.Int64
}

type Option func(*Queue)

func WithConfig(cfg Config) Option {
	return func(q *Queue) { q.cfg = cfg }
}

// WithBreaker shares a circuit breaker across queues. Without it the queue
// creates its own with default thresholds.
func WithBreaker(b *circuit.Breaker) Option {
	return func(q *Queue) { q.breaker = b }
}

func WithDeadLetterObserver(obs DeadLetterObserver) Option {
	return func(q *Queue) { q.observers = append(q.observers, obs) }
}

func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) { q.logger = logger }
}

func WithMetrics(m *Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithRandom replaces the jitter source; random must return values in [0, 1).
func WithRandom(random func() float64) Option {
	return func(q *Queue) { q.random = random }
}

func New(broker Broker, processor Processor, deadLetters deadletter.Store, opts ...Option) (*Queue, error) {
	if broker == nil {
		return nil, errors.New("broker is required")
	}
	if processor == nil {
		return nil, errors.New("processor is required")
	}
	if deadLetters == nil {
		return nil, errors.New("dead letter store is required")
	}
	q := &Queue{
		broker:      broker,
		processor:   processor,
		deadLetters: deadLetters,
		cfg:         DefaultConfig,
		logger:      slog.New(slog.DiscardHandler),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	q.cfg = q.cfg.withDefaults()
	if q.breaker == nil {
		q.breaker = circuit.New("audit-storage", circuit.WithClock(q.now))
	}
	return q, nil
}

// Breaker exposes the storage circuit breaker for health reporting.
func (q *Queue) Breaker() *circuit.Breaker { return q.breaker }

// Stats returns a snapshot of the delivery counters.
func (q *Queue) Stats() Stats {
	return Stats{
		Enqueued:     q.enqueued.Load(),
		Acked:        q.acked.Load(),
		Retried:      q.retried.Load(),
		DeadLettered: q.deadLettered.Load(),
		InFlight:     q.inFlight.Load(),
	}
}

// Enqueue publishes a sealed event. It returns as soon as the broker has
// accepted it, regardless of the breaker state.
func (q *Queue) Enqueue(ctx context.Context, event *audit.Event) error {
	if event == nil {
		return dErrors.New(dErrors.CodeInvalidInput, "event is required")
	}
	if !event.IsSealed() {
		return dErrors.New(dErrors.CodePermanent, "event must be sealed before it is enqueued")
	}
	env := Envelope{
		ID:         uuid.NewString(),
		Event:      event.Clone(),
		EnqueuedAt: q.now().UTC(),
	}
	if err := q.broker.Publish(ctx, env); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTransient, "failed to publish event")
	}
	q.enqueued.Add(1)
	q.metrics.incEnqueued()
	q.metrics.transition(StatePending)
	return nil
}

// Run starts the configured number of workers and blocks until ctx is done.
func (q *Queue) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := range q.cfg.Workers {
		g.Go(func() error {
			q.work(ctx, i)
			return nil
		})
	}
	return g.Wait()
}

func (q *Queue) work(ctx context.Context, worker int) {
	logger := q.logger.With("worker", worker)
	for ctx.Err() == nil {
		n, err := q.Poll(ctx)
		if err != nil && ctx.Err() == nil {
			logger.WarnContext(ctx, "failed to consume from broker", "error", err)
		}
		if n > 0 {
			continue
		}
		wait := q.cfg.PollInterval
		if q.breaker.State() == circuit.StateOpen {
			wait = min(max(q.breaker.RetryAfter(), time.Millisecond), q.cfg.PollInterval)
		}
		select {
		case <-ctx.Done():
		case <-time.After(wait):
		}
	}
}

// Poll runs one consumption cycle: it leases a batch and handles every lease.
// It returns the number of leases handled. Unless the breaker is closed, a
// worker leases at most one envelope and only after the breaker admitted it as
// the trial call; every other worker returns without touching the broker.
func (q *Queue) Poll(ctx context.Context) (int, error) {
	state := q.breaker.State()
	q.metrics.setBreakerState(state)

	batch, admitted := q.cfg.BatchSize, false
	if state != circuit.StateClosed {
		if !q.breaker.Allow() {
			return 0, nil
		}
		batch, admitted = 1, true
	}

	leases, err := q.broker.Consume(ctx, batch, q.cfg.VisibilityTimeout)
	if err != nil {
		if admitted {
			q.breaker.Release()
		}
		return 0, fmt.Errorf("consume: %w", err)
	}
	if admitted && len(leases) == 0 {
		q.breaker.Release()
	}
	for i, lease := range leases {
		if ctx.Err() != nil {
			if admitted {
				q.breaker.Release()
			}
			q.releaseAll(ctx, leases[i:])
			return i, ctx.Err()
		}
		q.handle(ctx, lease, admitted)
	}
	return len(leases), nil
}

// handle processes one lease. admitted means the caller already holds the
// breaker's permission for this call.
func (q *Queue) handle(ctx context.Context, lease Lease, admitted bool) {
	if lease.Undecodable() {
		if admitted {
			q.breaker.Release()
		}
		q.deadLetterPayload(ctx, lease)
		return
	}

	env := lease.Envelope
	if !admitted && q.breaker.State() != circuit.StateClosed {
		// The circuit opened mid-batch; only the admitted trial may proceed.
		q.release(ctx, lease)
		return
	}

	attempt := env.Attempts + 1
	q.inFlight.Add(1)
	q.metrics.addInFlight(1)
	q.metrics.transition(StateInFlight)

	start := time.Now()
	attemptCtx, cancel := context.WithTimeout(ctx, q.cfg.AttemptTimeout)
	_, err := q.processor.Process(attemptCtx, env.Event.Clone())
	if err != nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		err = dErrors.Wrap(err, dErrors.CodeTimeout, fmt.Sprintf("attempt exceeded %s", q.cfg.AttemptTimeout))
	}
	cancel()
	q.metrics.observeAttempt(start)
	q.inFlight.Add(-1)
	q.metrics.addInFlight(-1)

	logger := q.logger.With("envelope_id", env.ID, "correlation_id", env.Event.CorrelationID, "attempt", attempt)

	switch {
	case err == nil:
		if admitted {
			q.breaker.RecordSuccess()
		} else {
			q.breaker.RecordSuccessIfClosed()
		}
		if ackErr := q.broker.Ack(ctx, lease.ID); ackErr != nil {
			// The lease will expire and be redelivered; the idempotent store
			// write absorbs the duplicate.
			logger.WarnContext(ctx, "failed to ack lease", "error", ackErr)
			return
		}
		q.acked.Add(1)
		q.metrics.transition(StateAcked)

	case ctx.Err() != nil:
		if admitted {
			q.breaker.Release()
		}
		q.release(context.WithoutCancel(ctx), lease)

	case IsPermanent(err):
		if admitted {
			q.breaker.Release()
		}
		logger.ErrorContext(ctx, "permanent processing failure", "error", err)
		q.deadLetter(ctx, lease, attempt, deadletter.ReasonPermanent, err)

	default:
		if _, change := q.breaker.RecordFailure(); change.Opened {
			logger.WarnContext(ctx, "storage circuit opened", "from", change.From.String(), "cooldown", q.breaker.RetryAfter())
		}
		if q.cfg.Retry.Exhausted(attempt) {
			q.deadLetter(ctx, lease, attempt, deadletter.ReasonExhausted, err)
			return
		}
		next := q.now().Add(q.cfg.Retry.Delay(attempt, q.random))
		logger.WarnContext(ctx, "delivery attempt failed, retrying", "error", err, "next_retry_at", next)
		if nackErr := q.broker.Nack(ctx, lease.ID, DeliveryAttempt{
			EventRef:      env.ID,
			AttemptNumber: attempt,
			NextRetryAt:   next,
			LastError:     err.Error(),
		}); nackErr != nil {
			logger.WarnContext(ctx, "failed to nack lease", "error", nackErr)
			return
		}
		q.retried.Add(1)
		q.metrics.transition(StateRetrying)
	}
}

func (q *Queue) deadLetter(ctx context.Context, lease Lease, attempt int, reason deadletter.Reason, cause error) {
	env := lease.Envelope
	logger := q.logger.With("envelope_id", env.ID, "correlation_id", env.Event.CorrelationID)
	entry := &deadletter.Entry{
		ID:        env.ID,
		Event:     *env.Event.Clone(),
		Attempts:  attempt,
		LastError: cause.Error(),
		Reason:    reason,
		FailedAt:  q.now().UTC(),
		Status:    deadletter.StatusPending,
	}
	if q.storeDeadLetter(ctx, lease, entry, logger) {
		return
	}
	// Never drop: leave the event on the broker and try again later.
	if nackErr := q.broker.Nack(ctx, lease.ID, DeliveryAttempt{
		EventRef:      env.ID,
		AttemptNumber: attempt,
		NextRetryAt:   q.now().Add(q.cfg.Retry.Delay(attempt, q.random)),
		LastError:     cause.Error(),
	}); nackErr != nil {
		logger.WarnContext(ctx, "failed to nack lease", "error", nackErr)
	}
}

// deadLetterPayload moves an undecodable broker payload to the dead-letter
// store. The entry id is derived from the lease id, so a redelivery after a
// lost ack lands on the same entry. If the store is unavailable the lease is
// left to expire and is redelivered after the visibility timeout.
func (q *Queue) deadLetterPayload(ctx context.Context, lease Lease) {
	entry := &deadletter.Entry{
		ID:        uuid.NewSHA1(uuid.NameSpaceOID, []byte("undecodable:"+lease.ID)).String(),
		Event:     audit.Event{OrganizationID: audit.SystemOrganization},
		Payload:   lease.Payload,
		LastError: lease.DecodeErr.Error(),
		Reason:    deadletter.ReasonUndecodable,
		FailedAt:  q.now().UTC(),
		Status:    deadletter.StatusPending,
	}
	q.storeDeadLetter(ctx, lease, entry, q.logger.With("lease_id", lease.ID))
}

// storeDeadLetter persists entry, acks the lease and notifies observers. It
// reports false when the entry could not be persisted and the lease is still
// held by the caller.
func (q *Queue) storeDeadLetter(ctx context.Context, lease Lease, entry *deadletter.Entry, logger *slog.Logger) bool {
	err := q.deadLetters.Put(ctx, entry)
	duplicate := errors.Is(err, sentinel.ErrConflict)
	if err != nil && !duplicate {
		logger.ErrorContext(ctx, "CRITICAL: failed to persist dead letter", "error", err)
		return false
	}

	if ackErr := q.broker.Ack(ctx, lease.ID); ackErr != nil {
		logger.WarnContext(ctx, "failed to ack dead-lettered lease", "error", ackErr)
	}
	if duplicate {
		return true
	}
	q.deadLettered.Add(1)
	q.metrics.transition(StateDeadLettered)
	logger.ErrorContext(ctx, "CRITICAL: event dead-lettered",
		"entry_id", entry.ID,
		"reason", string(entry.Reason),
		"attempts", entry.Attempts,
		"organization_id", entry.Event.OrganizationID,
		"error", entry.LastError,
	)
	for _, obs := range q.observers {
		obs.DeadLettered(ctx, entry)
	}
	return true
}

// release hands a lease back without consuming an attempt. It stays invisible
// for at least one poll interval.
func (q *Queue) release(ctx context.Context, lease Lease) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := q.broker.Nack(ctx, lease.ID, DeliveryAttempt{
		EventRef:      lease.Envelope.ID,
		AttemptNumber: lease.Envelope.Attempts,
		NextRetryAt:   q.now().Add(max(q.breaker.RetryAfter(), q.cfg.PollInterval)),
		LastError:     lease.Envelope.LastError,
	})
	if err != nil {
		q.logger.WarnContext(ctx, "failed to release lease", "envelope_id", lease.Envelope.ID, "error", err)
	}
}

// releaseAll hands back leases left unhandled at shutdown. Undecodable leases
// are skipped; they are redelivered once their visibility timeout elapses.
func (q *Queue) releaseAll(ctx context.Context, leases []Lease) {
	ctx = context.WithoutCancel(ctx)
	for _, lease := range leases {
		if lease.Undecodable() {
			continue
		}
		q.release(ctx, lease)
	}
}

// IsPermanent reports whether err must bypass retries.
func IsPermanent(err error) bool {
	return dErrors.HasCode(err, dErrors.CodePermanent) ||
		dErrors.HasCode(err, dErrors.CodeIntegrityViolation) ||
		dErrors.HasCode(err, dErrors.CodeValidation) ||
		dErrors.HasCode(err, dErrors.CodeUnauthorized)
}
