package service_test

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/suite"

	"github.com/smedrec/smart-logs-sub000/internal/audit"
	"github.com/smedrec/smart-logs-sub000/internal/audit/deadletter"
	"github.com/smedrec/smart-logs-sub000/internal/audit/integrity"
	"github.com/smedrec/smart-logs-sub000/internal/audit/processor"
	"github.com/smedrec/smart-logs-sub000/internal/audit/queue"
	"github.com/smedrec/smart-logs-sub000/internal/audit/queue/broker/memory"
	"github.com/smedrec/smart-logs-sub000/internal/audit/service"
	memorystore "github.com/smedrec/smart-logs-sub000/internal/audit/store/memory"
	"github.com/smedrec/smart-logs-sub000/internal/audit/validator"
	"github.com/smedrec/smart-logs-sub000/internal/monitor"
	"github.com/smedrec/smart-logs-sub000/internal/monitor/cooldown"
	"github.com/smedrec/smart-logs-sub000/internal/monitor/detector"
	"github.com/smedrec/smart-logs-sub000/internal/monitor/models"
)

// =============================================================================
// Wiring
// =============================================================================

// tamperingBroker rewrites the principal of one correlation id in transit,
// after the event was sealed.
type tamperingBroker struct {
	*memory.Broker
	correlationID string
}

func (b *tamperingBroker) Publish(ctx context.Context, env queue.Envelope) error {
	if env.Event.CorrelationID == b.correlationID {
		env.Event.PrincipalID = "mallory"
	}
	return b.Broker.Publish(ctx, env)
}

// observer feeds stored events to the monitor on the delivering goroutine so
// detection has finished by the time a lease is acked.
type observer struct {
	engine *monitor.Engine
}

func (o observer) Publish(ctx context.Context, e *audit.StoredEvent) error {
	_, err := o.engine.Observe(ctx, e)
	return err
}

// PipelineSuite runs submissions through the same components main wires:
// validator, integrity unit, queue, processor, storage and monitor.
type PipelineSuite struct {
	suite.Suite
	broker      *memory.Broker
	events      *memorystore.Store
	deadLetters *deadletter.InMemoryStore
	engine      *monitor.Engine
	queue       *queue.Queue
	svc         *service.Service
	submitted   int
}

func TestPipelineSuite(t *testing.T) {
	suite.Run(t, new(PipelineSuite))
}

func (s *PipelineSuite) SetupTest() {
	s.broker = memory.New()
	s.events = memorystore.New()
	s.deadLetters = deadletter.NewInMemoryStore()
	s.submitted = 0

	signer, err := integrity.NewHMACSigner([]byte("0123456789abcdef0123456789abcdef"), integrity.HMACSHA256)
	s.Require().NoError(err)
	unit, err := integrity.New(integrity.WithSigner(signer))
	s.Require().NoError(err)

	var svc *service.Service
	recorder := audit.RecorderFunc(func(ctx context.Context, e *audit.Event) error {
		return svc.Record(ctx, e)
	})

	s.engine, err = monitor.New(s.events, cooldown.NewMemory(),
		monitor.WithRecorder(recorder),
		monitor.WithMetrics(monitor.NewMetrics(prometheus.NewRegistry())),
	)
	s.Require().NoError(err)

	proc, err := processor.New(s.events, unit,
		processor.WithRecorder(recorder),
		processor.WithPublisher(observer{engine: s.engine}),
		processor.WithAlerter(s.engine),
	)
	s.Require().NoError(err)

	s.queue, err = queue.New(&tamperingBroker{Broker: s.broker, correlationID: "tampered"}, proc, s.deadLetters,
		queue.WithDeadLetterObserver(s.engine),
	)
	s.Require().NoError(err)

	svc, err = service.New(validator.New(), unit, s.queue, s.events, service.WithAlerter(s.engine))
	s.Require().NoError(err)
	s.svc = svc
}

func (s *PipelineSuite) submit(raw audit.Event) {
	_, err := s.svc.Submit(context.Background(), raw)
	s.Require().NoError(err)
	s.submitted++
}

// deliver polls until nothing is queued, including events the engine records
// about itself while delivering.
func (s *PipelineSuite) deliver() {
	for range 100 {
		if s.broker.Depth() == 0 {
			return
		}
		_, err := s.queue.Poll(context.Background())
		s.Require().NoError(err)
	}
	s.FailNow("queue did not drain")
}

func (s *PipelineSuite) alerts(alertType string) []*models.Alert {
	alerts, err := s.engine.ListAlerts(context.Background(), models.AlertFilter{OrganizationID: "o1"})
	s.Require().NoError(err)
	var out []*models.Alert
	for _, a := range alerts {
		if a.Type == alertType {
			out = append(out, a)
		}
	}
	return out
}

func (s *PipelineSuite) stored(action string) []*audit.StoredEvent {
	var out []*audit.StoredEvent
	for _, e := range s.events.Events() {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

func loginFailure() audit.Event {
	return audit.Event{Action: "user.login", Status: audit.StatusFailure, PrincipalID: "u1", OrganizationID: "o1"}
}

// =============================================================================
// Scenarios
// =============================================================================

func (s *PipelineSuite) TestRepeatedLoginFailuresRaiseOneAlert() {
	for range 5 {
		s.submit(loginFailure())
	}
	s.deliver()

	s.Len(s.stored("user.login"), 5)
	raised := s.alerts(detector.TypeRepeatedAuthFailure)
	s.Require().Len(raised, 1)
	s.Equal(models.SeverityHigh, raised[0].Severity)
	s.Equal(models.AlertStatusActive, raised[0].Status)

	s.Run("sixth failure within the cooldown adds no alert", func() {
		s.submit(loginFailure())
		s.deliver()
		s.Len(s.stored("user.login"), 6)
		s.Len(s.alerts(detector.TypeRepeatedAuthFailure), 1)
	})

	s.Run("acknowledging records an engine event", func() {
		_, err := s.engine.Acknowledge(context.Background(), raised[0].ID, "ops")
		s.Require().NoError(err)
		s.deliver()

		acked := s.stored(audit.ActionAlertAcknowledged)
		s.Require().Len(acked, 1)
		s.Equal("o1", acked[0].OrganizationID)
		s.Equal("ops", acked[0].PrincipalID)
		s.Equal(raised[0].ID, acked[0].TargetResourceID)
	})
}

func (s *PipelineSuite) TestTamperedEventIsDeadLetteredAndReported() {
	ctx := context.Background()
	s.submit(audit.Event{Action: "record.read", Status: audit.StatusSuccess, PrincipalID: "u1", OrganizationID: "o1", CorrelationID: "tampered"})
	s.submit(audit.Event{Action: "record.read", Status: audit.StatusSuccess, PrincipalID: "u2", OrganizationID: "o1"})
	s.deliver()

	s.Require().Len(s.stored("record.read"), 1, "only the untouched event is stored")
	s.Equal("u2", s.stored("record.read")[0].PrincipalID)

	entries, err := s.deadLetters.List(ctx, deadletter.Filter{})
	s.Require().NoError(err)
	s.Require().Len(entries, 1)
	s.Equal(deadletter.ReasonPermanent, entries[0].Reason)
	s.Equal("mallory", entries[0].Event.PrincipalID)

	violations := s.stored(audit.ActionIntegrityViolation)
	s.Require().Len(violations, 1)
	s.Equal("tampered", violations[0].CorrelationID)
	s.Equal(audit.SystemPrincipal, violations[0].PrincipalID)

	critical := s.alerts(monitor.TypeIntegrityViolation)
	s.Require().Len(critical, 1)
	s.Equal(models.SeverityCritical, critical[0].Severity)
	s.Len(s.alerts(monitor.TypeDeliveryDeadLetter), 1)
}

func (s *PipelineSuite) TestEverySubmittedEventIsAccountedFor() {
	for range 5 {
		s.submit(loginFailure())
	}
	s.submit(audit.Event{Action: "record.read", Status: audit.StatusSuccess, PrincipalID: "u1", OrganizationID: "o1", CorrelationID: "tampered"})
	s.submit(audit.Event{Action: "record.update", Status: audit.StatusSuccess, PrincipalID: "u3", OrganizationID: "o2"})
	s.deliver()

	var producers int
	for _, e := range s.events.Events() {
		if !audit.IsEngineAction(e.Action) {
			producers++
		}
	}
	stats := s.queue.Stats()
	s.Equal(s.submitted, producers+s.deadLetters.Len()+s.broker.Depth()+int(stats.InFlight))
	s.Equal(int(stats.Enqueued), len(s.events.Events())+s.deadLetters.Len()+s.broker.Depth(),
		"engine events travel the same queue and are counted too")
}
