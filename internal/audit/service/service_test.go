package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/smedrec/smart-logs-sub000/internal/audit"
	"github.com/smedrec/smart-logs-sub000/internal/audit/integrity"
	"github.com/smedrec/smart-logs-sub000/internal/audit/store/memory"
	"github.com/smedrec/smart-logs-sub000/internal/audit/validator"
	dErrors "github.com/smedrec/smart-logs-sub000/pkg/domain-errors"
)

type fakeQueue struct {
	mu     sync.Mutex
	events []*audit.Event
	err    error
}

func (q *fakeQueue) Enqueue(_ context.Context, e *audit.Event) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.events = append(q.events, e.Clone())
	return nil
}

func (q *fakeQueue) byAction(action string) []*audit.Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*audit.Event
	for _, e := range q.events {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

type fakeAlerter struct {
	mu      sync.Mutex
	reasons []integrity.Reason
}

func (a *fakeAlerter) IntegrityViolation(_ context.Context, _ *audit.Event, res integrity.Result) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reasons = append(a.reasons, res.Reason)
	return nil
}

type ServiceSuite struct {
	suite.Suite
	now     time.Time
	unit    *integrity.Unit
	queue   *fakeQueue
	store   *memory.Store
	alerter *fakeAlerter
	service *Service
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return s.now }

	signer, err := integrity.NewHMACSigner([]byte("0123456789abcdef0123456789abcdef"), integrity.HMACSHA256)
	s.Require().NoError(err)
	s.unit, err = integrity.New(integrity.WithSigner(signer))
	s.Require().NoError(err)

	s.queue = &fakeQueue{}
	s.store = memory.New(memory.WithClock(clock))
	s.alerter = &fakeAlerter{}
	s.service, err = New(validator.New(validator.WithClock(clock)), s.unit, s.queue, s.store,
		WithAlerter(s.alerter),
		WithClock(clock),
		WithBatchLimits(3, 2),
	)
	s.Require().NoError(err)
}

func (s *ServiceSuite) raw() audit.Event {
	return audit.Event{
		Action:         "user.login",
		Status:         audit.StatusFailure,
		PrincipalID:    "u1",
		OrganizationID: "o1",
	}
}

// =============================================================================
// Submit
// =============================================================================

func (s *ServiceSuite) TestSubmitSealsAndEnqueues() {
	event, err := s.service.Submit(context.Background(), s.raw())
	s.Require().NoError(err)

	s.NotEmpty(event.Hash)
	s.Equal(string(integrity.SHA256), event.HashAlgorithm)
	s.Equal(integrity.HMACSHA256, event.SigningAlgorithm)
	s.NotEmpty(event.CorrelationID)
	s.Equal(s.now, event.Timestamp)

	res, err := s.unit.Verify(context.Background(), event)
	s.Require().NoError(err)
	s.True(res.Valid)
	s.Len(s.queue.events, 1)
}

func (s *ServiceSuite) TestSubmitKeepsCorrelationID() {
	raw := s.raw()
	raw.CorrelationID = "req-42"
	event, err := s.service.Submit(context.Background(), raw)
	s.Require().NoError(err)
	s.Equal("req-42", event.CorrelationID)
}

func (s *ServiceSuite) TestSubmitFailures() {
	s.Run("validation errors are returned and nothing is enqueued", func() {
		raw := s.raw()
		raw.PrincipalID = ""
		_, err := s.service.Submit(context.Background(), raw)

		var verr *validator.ValidationError
		s.Require().ErrorAs(err, &verr)
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
		s.Empty(s.queue.events)
	})

	s.Run("producers cannot forge engine events", func() {
		raw := s.raw()
		raw.Action = audit.ActionAlertAcknowledged
		_, err := s.service.Submit(context.Background(), raw)
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))

		raw = s.raw()
		raw.PrincipalID = audit.SystemPrincipal
		_, err = s.service.Submit(context.Background(), raw)
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
		s.Empty(s.queue.events)
	})

	s.Run("enqueue failures propagate", func() {
		s.queue.err = dErrors.New(dErrors.CodeTransient, "broker down")
		defer func() { s.queue.err = nil }()

		_, err := s.service.Submit(context.Background(), s.raw())
		s.True(dErrors.HasCode(err, dErrors.CodeTransient))
	})
}

func (s *ServiceSuite) TestSubmitBatch() {
	s.Run("each item succeeds or fails on its own", func() {
		bad := s.raw()
		bad.Status = "unknown"

		results, err := s.service.SubmitBatch(context.Background(), []audit.Event{s.raw(), bad, s.raw()})
		s.Require().NoError(err)
		s.Require().Len(results, 3)
		for i, r := range results {
			s.Equal(i, r.Index)
		}
		s.NoError(results[0].Err)
		s.True(dErrors.HasCode(results[1].Err, dErrors.CodeValidation))
		s.Nil(results[1].Event)
		s.NoError(results[2].Err)
	})

	s.Run("rejects empty and oversized batches", func() {
		_, err := s.service.SubmitBatch(context.Background(), nil)
		s.True(dErrors.Is(err, dErrors.CodeInvalidInput))

		_, err = s.service.SubmitBatch(context.Background(), make([]audit.Event, 4))
		s.True(dErrors.Is(err, dErrors.CodeInvalidInput))
	})
}

func (s *ServiceSuite) TestRecordSubmitsEngineEvents() {
	err := s.service.Record(context.Background(), &audit.Event{
		Action:         audit.ActionAlertAcknowledged,
		Status:         audit.StatusSuccess,
		PrincipalID:    "op-1",
		OrganizationID: "o1",
	})
	s.Require().NoError(err)
	recorded := s.queue.byAction(audit.ActionAlertAcknowledged)
	s.Require().Len(recorded, 1)
	s.NotEmpty(recorded[0].Hash)

	s.Run("system principal is accepted from the engine", func() {
		err := s.service.Record(context.Background(), &audit.Event{
			Action:         audit.ActionIntegrityViolation,
			Status:         audit.StatusFailure,
			PrincipalID:    audit.SystemPrincipal,
			OrganizationID: "o1",
		})
		s.Require().NoError(err)
		s.Len(s.queue.byAction(audit.ActionIntegrityViolation), 1)
	})

	s.Run("invalid engine events are still rejected", func() {
		err := s.service.Record(context.Background(), &audit.Event{Action: audit.ActionAlertResolved})
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})
}

// =============================================================================
// Integrity report
// =============================================================================

func (s *ServiceSuite) store3() []string {
	var ids []string
	for i := range 3 {
		raw := s.raw()
		raw.Timestamp = s.now.Add(-time.Duration(3-i) * time.Minute)
		event, err := s.service.Submit(context.Background(), raw)
		s.Require().NoError(err)
		res, err := s.store.Append(context.Background(), event)
		s.Require().NoError(err)
		ids = append(ids, res.Event.ID)
	}
	return ids
}

func (s *ServiceSuite) TestVerifyRangeAllValid() {
	s.store3()

	report, err := s.service.VerifyRange(context.Background(), "o1", s.now.Add(-time.Hour), s.now)
	s.Require().NoError(err)
	s.Equal(3, report.Checked)
	s.Equal(3, report.Valid)
	s.Empty(report.Violations)
	s.Empty(s.alerter.reasons)
}

func (s *ServiceSuite) TestVerifyRangeFindsTampering() {
	ids := s.store3()
	s.True(s.store.Tamper(ids[1], func(e *audit.Event) { e.PrincipalID = "mallory" }))
	s.True(s.store.Tamper(ids[2], func(e *audit.Event) { e.Signature = "AAAA" }))

	report, err := s.service.VerifyRange(context.Background(), "o1", s.now.Add(-time.Hour), s.now)
	s.Require().NoError(err)
	s.Equal(3, report.Checked)
	s.Equal(1, report.Valid)
	s.Require().Len(report.Violations, 2)
	s.Equal(ids[1], report.Violations[0].EventID)
	s.Equal(integrity.ReasonHashMismatch, report.Violations[0].Reason)
	s.Equal(integrity.ReasonSignatureInvalid, report.Violations[1].Reason)

	s.Run("every violation is recorded and alerted", func() {
		recorded := s.queue.byAction(audit.ActionIntegrityViolation)
		s.Require().Len(recorded, 2)
		s.Equal("integrity-report", recorded[0].Details["detectedBy"])
		s.Equal(ids[1], recorded[0].TargetResourceID)
		s.Equal([]integrity.Reason{integrity.ReasonHashMismatch, integrity.ReasonSignatureInvalid}, s.alerter.reasons)
	})
}

func (s *ServiceSuite) TestVerifyRangeInput() {
	_, err := s.service.VerifyRange(context.Background(), "", s.now.Add(-time.Hour), s.now)
	s.True(dErrors.Is(err, dErrors.CodeInvalidInput))

	_, err = s.service.VerifyRange(context.Background(), "o1", s.now, s.now)
	s.True(dErrors.Is(err, dErrors.CodeInvalidInput))
}

func TestNew_RequiresCollaborators(t *testing.T) {
	unit, _ := integrity.New()
	v := validator.New()
	q := &fakeQueue{}
	events := memory.New()

	for name, build := range map[string]func() (*Service, error){
		"validator": func() (*Service, error) { return New(nil, unit, q, events) },
		"sealer":    func() (*Service, error) { return New(v, nil, q, events) },
		"queue":     func() (*Service, error) { return New(v, unit, nil, events) },
		"events":    func() (*Service, error) { return New(v, unit, q, nil) },
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := build(); err == nil {
				t.Fatal("expected constructor error")
			}
		})
	}
}
