package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"github.com/smedrec/smart-logs-sub000/internal/audit"
	"github.com/smedrec/smart-logs-sub000/internal/audit/deadletter"
	"github.com/smedrec/smart-logs-sub000/internal/audit/integrity"
	"github.com/smedrec/smart-logs-sub000/internal/audit/store/memory"
	"github.com/smedrec/smart-logs-sub000/internal/monitor/cooldown"
	"github.com/smedrec/smart-logs-sub000/internal/monitor/detector"
	"github.com/smedrec/smart-logs-sub000/internal/monitor/handlers/mocks"
	"github.com/smedrec/smart-logs-sub000/internal/monitor/models"
	dErrors "github.com/smedrec/smart-logs-sub000/pkg/domain-errors"
)

type recorded struct {
	mu     sync.Mutex
	events []*audit.Event
}

func (r *recorded) Record(_ context.Context, e *audit.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

type failingCache struct{}

func (failingCache) SetIfAbsent(context.Context, string, time.Duration) (bool, error) {
	return false, errors.New("redis: connection refused")
}

// =============================================================================
// Engine Test Suite
// =============================================================================

type EngineSuite struct {
	suite.Suite
	ctrl     *gomock.Controller
	now      time.Time
	store    *memory.Store
	cache    *cooldown.Memory
	handler  *mocks.MockHandler
	recorder *recorded
	metrics  *Metrics
	engine   *Engine
	seq      int
}

func TestEngineSuite(t *testing.T) {
	suite.Run(t, new(EngineSuite))
}

func (s *EngineSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.now = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return s.now }
	s.store = memory.New(memory.WithClock(clock))
	s.cache = cooldown.NewMemory(cooldown.WithClock(clock))
	s.handler = mocks.NewMockHandler(s.ctrl)
	s.handler.EXPECT().Name().Return("mock").AnyTimes()
	s.recorder = &recorded{}
	s.metrics = NewMetrics(prometheus.NewRegistry())

	var err error
	s.engine, err = New(s.store, s.cache,
		WithHandlers(s.handler),
		WithRecorder(s.recorder),
		WithMetrics(s.metrics),
		WithClock(clock),
	)
	s.Require().NoError(err)
}

func (s *EngineSuite) TearDownTest() {
	s.ctrl.Finish()
}

func (s *EngineSuite) loginFailure() *audit.StoredEvent {
	s.seq++
	e := &audit.StoredEvent{Event: audit.Event{
		ID:                 fmt.Sprintf("e%d", s.seq),
		Timestamp:          s.now,
		Action:             "user.login",
		Status:             audit.StatusFailure,
		PrincipalID:        "u1",
		OrganizationID:     "o1",
		DataClassification: audit.ClassificationInternal,
	}}
	return e
}

func (s *EngineSuite) observe(e *audit.StoredEvent) []*models.Alert {
	created, err := s.engine.Observe(context.Background(), e)
	s.Require().NoError(err)
	return created
}

func (s *EngineSuite) listAll() []*models.Alert {
	alerts, err := s.engine.ListAlerts(context.Background(), models.AlertFilter{})
	s.Require().NoError(err)
	return alerts
}

// =============================================================================
// Detection and deduplication
// =============================================================================

func (s *EngineSuite) TestRepeatedLoginFailuresRaiseOneAlert() {
	s.handler.EXPECT().Send(gomock.Any(), gomock.Any()).Return(nil).Times(1)

	for i := range 4 {
		s.Empty(s.observe(s.loginFailure()), "failure %d", i+1)
		s.now = s.now.Add(10 * time.Second)
	}
	created := s.observe(s.loginFailure())
	s.Require().Len(created, 1)
	alert := created[0]
	s.Equal(detector.TypeRepeatedAuthFailure, alert.Type)
	s.Equal(models.SeverityHigh, alert.Severity)
	s.Equal(models.AlertStatusActive, alert.Status)
	s.Equal("u1", alert.Source)
	s.Len(alert.SourceEventIDs, 5)
	s.Equal(models.ContentHash("o1", "u1", detector.TypeRepeatedAuthFailure, models.SeverityHigh), alert.ContentHash)

	s.now = s.now.Add(10 * time.Second)
	s.Empty(s.observe(s.loginFailure()), "sixth failure within cooldown")
	s.Len(s.listAll(), 1)
	s.Equal(1.0, testutil.ToFloat64(s.metrics.Suppressed.WithLabelValues(detector.TypeRepeatedAuthFailure)))
}

func (s *EngineSuite) TestRedeliveredEventIsCountedOnce() {
	var last *audit.StoredEvent
	for range 4 {
		last = s.loginFailure()
		s.Empty(s.observe(last))
	}
	for range 3 {
		s.Empty(s.observe(last), "same stored event seen again")
	}
	s.Empty(s.listAll())

	s.handler.EXPECT().Send(gomock.Any(), gomock.Any()).Return(nil)
	s.Len(s.observe(s.loginFailure()), 1, "a fifth distinct failure crosses the threshold")
}

func (s *EngineSuite) TestCooldownExpiryAllowsNewAlert() {
	s.handler.EXPECT().Send(gomock.Any(), gomock.Any()).Return(nil).Times(2)

	candidate := detector.Candidate{
		OrganizationID: "o1",
		Severity:       models.SeverityMedium,
		Type:           "custom",
		Title:          "t",
		Source:         "u1",
	}
	first, err := s.engine.Raise(context.Background(), candidate)
	s.Require().NoError(err)
	s.NotNil(first)

	second, err := s.engine.Raise(context.Background(), candidate)
	s.Require().NoError(err)
	s.Nil(second)

	s.now = s.now.Add(5*time.Minute + time.Second)
	third, err := s.engine.Raise(context.Background(), candidate)
	s.Require().NoError(err)
	s.Require().NotNil(third)
	s.NotEqual(first.ID, third.ID)
	s.Len(s.listAll(), 2)
}

func (s *EngineSuite) TestDifferentOrganizationsAreNotDeduplicated() {
	s.handler.EXPECT().Send(gomock.Any(), gomock.Any()).Return(nil).Times(2)

	for _, org := range []string{"o1", "o2"} {
		alert, err := s.engine.Raise(context.Background(), detector.Candidate{
			OrganizationID: org, Severity: models.SeverityLow, Type: "custom", Source: "u1",
		})
		s.Require().NoError(err)
		s.NotNil(alert)
	}
}

func (s *EngineSuite) TestCacheOutageFailsOpen() {
	s.handler.EXPECT().Send(gomock.Any(), gomock.Any()).Return(nil).Times(2)
	engine, err := New(s.store, failingCache{}, WithHandlers(s.handler), WithClock(func() time.Time { return s.now }))
	s.Require().NoError(err)

	c := detector.Candidate{OrganizationID: "o1", Severity: models.SeverityLow, Type: "custom", Source: "u1"}
	for range 2 {
		alert, err := engine.Raise(context.Background(), c)
		s.Require().NoError(err)
		s.NotNil(alert)
	}
}

// =============================================================================
// Handler fan-out
// =============================================================================

func (s *EngineSuite) TestHandlerFailuresAreIsolated() {
	second := mocks.NewMockHandler(s.ctrl)
	second.EXPECT().Name().Return("second").AnyTimes()
	third := mocks.NewMockHandler(s.ctrl)
	third.EXPECT().Name().Return("third").AnyTimes()

	s.handler.EXPECT().Send(gomock.Any(), gomock.Any()).Return(errors.New("webhook down"))
	second.EXPECT().Send(gomock.Any(), gomock.Any()).DoAndReturn(func(context.Context, *models.Alert) error {
		panic("boom")
	})
	var delivered *models.Alert
	third.EXPECT().Send(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, a *models.Alert) error {
		delivered = a
		return nil
	})

	engine, err := New(s.store, s.cache,
		WithHandlers(s.handler, second, third),
		WithMetrics(s.metrics),
		WithClock(func() time.Time { return s.now }),
	)
	s.Require().NoError(err)

	alert, err := engine.Raise(context.Background(), detector.Candidate{
		OrganizationID: "o1", Severity: models.SeverityHigh, Type: "custom", Source: "u1",
	})
	s.Require().NoError(err)
	s.Require().NotNil(alert)
	s.Require().NotNil(delivered)
	s.Equal(alert.ID, delivered.ID)
	s.Len(s.listAll(), 1)
	s.Equal(1.0, testutil.ToFloat64(s.metrics.HandlerFailures.WithLabelValues("mock")))
	s.Equal(1.0, testutil.ToFloat64(s.metrics.HandlerFailures.WithLabelValues("second")))
}

// =============================================================================
// System alerts
// =============================================================================

func (s *EngineSuite) TestIntegrityViolationRaisesCriticalAlert() {
	s.handler.EXPECT().Send(gomock.Any(), gomock.Any()).Return(nil)

	event := &audit.Event{ID: "e9", Action: "record.read", PrincipalID: "u1", OrganizationID: "o1", Timestamp: s.now}
	s.Require().NoError(s.engine.IntegrityViolation(context.Background(), event, integrity.Result{Reason: integrity.ReasonHashMismatch}))

	alerts := s.listAll()
	s.Require().Len(alerts, 1)
	s.Equal(TypeIntegrityViolation, alerts[0].Type)
	s.Equal(models.SeverityCritical, alerts[0].Severity)
	s.Equal([]string{"e9"}, alerts[0].SourceEventIDs)
	s.Contains(alerts[0].Description, "hash_mismatch")
}

func (s *EngineSuite) TestDeadLetteredRaisesHighAlert() {
	s.handler.EXPECT().Send(gomock.Any(), gomock.Any()).Return(nil)

	s.engine.DeadLettered(context.Background(), &deadletter.Entry{
		ID:        "dl-1",
		Event:     audit.Event{Action: "record.read", PrincipalID: "u1", OrganizationID: "o1"},
		Attempts:  5,
		LastError: "storage timeout",
		Reason:    deadletter.ReasonExhausted,
	})

	alerts := s.listAll()
	s.Require().Len(alerts, 1)
	s.Equal(TypeDeliveryDeadLetter, alerts[0].Type)
	s.Equal(models.SeverityHigh, alerts[0].Severity)
	s.Equal("dl-1", alerts[0].Source)
	s.Contains(alerts[0].Description, "after 5 attempts")
}

func (s *EngineSuite) TestUndecodablePayloadAlertsUnderSystemOrganization() {
	s.handler.EXPECT().Send(gomock.Any(), gomock.Any()).Return(nil)

	s.engine.DeadLettered(context.Background(), &deadletter.Entry{
		ID:        "dl-raw",
		Event:     audit.Event{OrganizationID: audit.SystemOrganization},
		Payload:   []byte("{not json"),
		LastError: "invalid character 'n'",
		Reason:    deadletter.ReasonUndecodable,
	})

	alerts := s.listAll()
	s.Require().Len(alerts, 1)
	s.Equal(audit.SystemOrganization, alerts[0].OrganizationID)
	s.Contains(alerts[0].Description, "undecodable queue payload of 9 bytes")
}

// =============================================================================
// Lifecycle
// =============================================================================

func (s *EngineSuite) raise() *models.Alert {
	s.handler.EXPECT().Send(gomock.Any(), gomock.Any()).Return(nil)
	alert, err := s.engine.Raise(context.Background(), detector.Candidate{
		OrganizationID: "o1", Severity: models.SeverityHigh, Type: "custom", Title: "t", Source: fmt.Sprint(s.seq),
	})
	s.seq++
	s.Require().NoError(err)
	return alert
}

func (s *EngineSuite) TestAcknowledgeThenResolve() {
	alert := s.raise()

	acked, err := s.engine.Acknowledge(context.Background(), alert.ID, "op-1")
	s.Require().NoError(err)
	s.Equal(models.AlertStatusAcknowledged, acked.Status)
	s.Equal("op-1", acked.AcknowledgedBy)
	s.Require().NotNil(acked.AcknowledgedAt)

	resolved, err := s.engine.Resolve(context.Background(), alert.ID, "op-2")
	s.Require().NoError(err)
	s.Equal(models.AlertStatusResolved, resolved.Status)
	s.Equal("op-2", resolved.ResolvedBy)

	s.Run("every transition is audited", func() {
		s.Require().Len(s.recorder.events, 2)
		first := s.recorder.events[0]
		s.Equal(audit.ActionAlertAcknowledged, first.Action)
		s.Equal("op-1", first.PrincipalID)
		s.Equal("Alert", first.TargetResourceType)
		s.Equal(alert.ID, first.TargetResourceID)
		s.Equal("ACTIVE", first.Details["fromStatus"])
		s.Equal(audit.ActionAlertResolved, s.recorder.events[1].Action)
	})
}

func (s *EngineSuite) TestIllegalTransitionsAreTypedErrors() {
	s.Run("acknowledge after resolve", func() {
		alert := s.raise()
		_, err := s.engine.Resolve(context.Background(), alert.ID, "op")
		s.Require().NoError(err)

		_, err = s.engine.Acknowledge(context.Background(), alert.ID, "op")
		s.True(dErrors.Is(err, dErrors.CodeInvariantViolation))
	})

	s.Run("acknowledge twice", func() {
		alert := s.raise()
		_, err := s.engine.Acknowledge(context.Background(), alert.ID, "op")
		s.Require().NoError(err)
		_, err = s.engine.Acknowledge(context.Background(), alert.ID, "op")
		s.True(dErrors.Is(err, dErrors.CodeInvariantViolation))
	})

	s.Run("dismiss after dismiss", func() {
		alert := s.raise()
		dismissed, err := s.engine.Dismiss(context.Background(), alert.ID, "op")
		s.Require().NoError(err)
		s.Equal(models.AlertStatusDismissed, dismissed.Status)
		_, err = s.engine.Dismiss(context.Background(), alert.ID, "op")
		s.True(dErrors.Is(err, dErrors.CodeInvariantViolation))
	})

	s.Run("unknown alert", func() {
		_, err := s.engine.Resolve(context.Background(), "missing", "op")
		s.True(dErrors.Is(err, dErrors.CodeNotFound))
	})

	s.Run("operator required", func() {
		_, err := s.engine.Resolve(context.Background(), "missing", "")
		s.True(dErrors.Is(err, dErrors.CodeUnauthorized))
	})
}

func (s *EngineSuite) TestListAlertsValidatesFilter() {
	_, err := s.engine.ListAlerts(context.Background(), models.AlertFilter{Status: "OPEN"})
	s.True(dErrors.Is(err, dErrors.CodeInvalidInput))
}

// =============================================================================
// Inbound channel
// =============================================================================

func (s *EngineSuite) TestRunAnalysesPublishedEvents() {
	s.handler.EXPECT().Send(gomock.Any(), gomock.Any()).Return(nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.engine.Run(ctx) }()

	for range 5 {
		s.Require().NoError(s.engine.Publish(ctx, s.loginFailure()))
	}
	s.Eventually(func() bool {
		return testutil.ToFloat64(s.metrics.AlertsCreated.WithLabelValues(detector.TypeRepeatedAuthFailure, "HIGH")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	s.NoError(<-done)
}

func (s *EngineSuite) TestPublishHonoursContextWhenFull() {
	engine, err := New(s.store, s.cache, WithConfig(Config{
		Rules: detector.DefaultRules(), CooldownTTL: time.Minute, InboundBuffer: 1,
	}), WithMetrics(s.metrics))
	s.Require().NoError(err)

	s.Require().NoError(engine.Publish(context.Background(), s.loginFailure()))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = engine.Publish(ctx, s.loginFailure())
	s.True(dErrors.Is(err, dErrors.CodeTimeout))
	s.Equal(1.0, testutil.ToFloat64(s.metrics.InboundDropped))
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(nil, cooldown.NewMemory()); err == nil {
		t.Fatal("expected alert store error")
	}
	if _, err := New(memory.New(), nil); err == nil {
		t.Fatal("expected cooldown cache error")
	}
	cfg := DefaultConfig()
	cfg.CooldownTTL = 0
	if _, err := New(memory.New(), cooldown.NewMemory(), WithConfig(cfg)); err == nil {
		t.Fatal("expected ttl error")
	}
}
