package queue

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/smedrec/smart-logs-sub000/pkg/platform/circuit"
)

// Metrics provides observability for the delivery queue.
type Metrics struct {
	Enqueued        prometheus.Counter
	Transitions     *prometheus.CounterVec
	InFlight        prometheus.Gauge
	BreakerState    prometheus.Gauge
	AttemptDuration prometheus.Histogram
}

// NewMetrics registers queue metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Enqueued: factory.NewCounter(prometheus.CounterOpts{
			Name: "audit_queue_enqueued_total",
			Help: "Total number of events published to the broker",
		}),
		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_queue_transitions_total",
			Help: "Delivery state transitions by target state",
		}, []string{"state"}),
		InFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "audit_queue_in_flight",
			Help: "Events currently being processed",
		}),
		BreakerState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "audit_queue_breaker_state",
			Help: "Storage circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		AttemptDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "audit_queue_attempt_duration_seconds",
			Help:    "Duration of processing attempts",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
	}
}

func (m *Metrics) incEnqueued() {
	if m == nil {
		return
	}
	m.Enqueued.Inc()
}

func (m *Metrics) transition(state DeliveryState) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(string(state)).Inc()
}

func (m *Metrics) addInFlight(delta float64) {
	if m == nil {
		return
	}
	m.InFlight.Add(delta)
}

func (m *Metrics) setBreakerState(state circuit.State) {
	if m == nil {
		return
	}
	m.BreakerState.Set(float64(state))
}

// observeAttempt records the duration of an attempt.
// Call with time.Now() at the start of the attempt.
func (m *Metrics) observeAttempt(start time.Time) {
	if m == nil {
		return
	}
	m.AttemptDuration.Observe(time.Since(start).Seconds())
}
