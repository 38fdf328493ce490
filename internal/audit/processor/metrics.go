package processor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeStored    = "stored"
	outcomeDuplicate = "duplicate"
	outcomeViolation = "integrity_violation"
	outcomeFailed    = "failed"
)

type Metrics struct {
	Events   *prometheus.CounterVec
	Duration prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Events: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_processor_events_total",
			Help: "Processed audit events by outcome",
		}, []string{"outcome"}),
		Duration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "audit_processor_duration_seconds",
			Help:    "Time spent verifying and storing one audit event",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

func (m *Metrics) outcome(outcome string) {
	if m == nil {
		return
	}
	m.Events.WithLabelValues(outcome).Inc()
}

func (m *Metrics) observe(d time.Duration) {
	if m == nil {
		return
	}
	m.Duration.Observe(d.Seconds())
}
