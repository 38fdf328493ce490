package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/smedrec/smart-logs-sub000/internal/monitor/models"
)

type Metrics struct {
	Candidates      *prometheus.CounterVec
	Suppressed      *prometheus.CounterVec
	AlertsCreated   *prometheus.CounterVec
	HandlerFailures *prometheus.CounterVec
	InboundDropped  prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Candidates: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_monitor_candidates_total",
			Help: "Candidate alerts produced by detectors and system signals",
		}, []string{"type"}),
		Suppressed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_monitor_suppressed_total",
			Help: "Candidate alerts suppressed by the cooldown cache",
		}, []string{"type"}),
		AlertsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_monitor_alerts_created_total",
			Help: "Alerts persisted",
		}, []string{"type", "severity"}),
		HandlerFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_monitor_handler_failures_total",
			Help: "Alert notification failures by handler",
		}, []string{"handler"}),
		InboundDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "audit_monitor_inbound_dropped_total",
			Help: "Stored events not analysed because the inbound buffer stayed full",
		}),
	}
}

func (m *Metrics) candidate(alertType string) {
	if m == nil {
		return
	}
	m.Candidates.WithLabelValues(alertType).Inc()
}

func (m *Metrics) suppressed(alertType string) {
	if m == nil {
		return
	}
	m.Suppressed.WithLabelValues(alertType).Inc()
}

func (m *Metrics) created(alertType string, severity models.Severity) {
	if m == nil {
		return
	}
	m.AlertsCreated.WithLabelValues(alertType, string(severity)).Inc()
}

func (m *Metrics) handlerFailed(name string) {
	if m == nil {
		return
	}
	m.HandlerFailures.WithLabelValues(name).Inc()
}

func (m *Metrics) dropped() {
	if m == nil {
		return
	}
	m.InboundDropped.Inc()
}
