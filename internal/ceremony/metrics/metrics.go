package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the ceremony module.
// Tracks ceremony lifecycle counts, witness verification outcomes and
// execution durations.
type Metrics struct {
	CeremoniesStarted   prometheus.Counter
	CeremoniesCompleted prometheus.Counter
	CeremoniesFailed    prometheus.Counter
	CeremoniesExpired   prometheus.Counter
	WitnessesAccepted   *prometheus.CounterVec
	WitnessesRejected   *prometheus.CounterVec
	EmergencyRevokes    prometheus.Counter
	ExecuteDuration     prometheus.Histogram
	SweepDuration       prometheus.Histogram
}

// New creates a new Metrics instance with all ceremony module metrics registered.
func New() *Metrics {
	return &Metrics{
		CeremoniesStarted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "conclave_ceremonies_started_total",
			Help: "Total number of key generation ceremonies started",
		}),
		CeremoniesCompleted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "conclave_ceremonies_completed_total",
			Help: "Total number of ceremonies that completed successfully",
		}),
		CeremoniesFailed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "conclave_ceremonies_failed_total",
			Help: "Total number of ceremonies that failed during execution",
		}),
		CeremoniesExpired: promauto.NewCounter(prometheus.CounterOpts{
			Name: "conclave_ceremonies_expired_total",
			Help: "Total number of ceremonies expired by the timeout sweep",
		}),
		WitnessesAccepted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "conclave_witnesses_accepted_total",
			Help: "Total number of witness attestations accepted, by verification outcome",
		}, []string{"verified"}),
		WitnessesRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "conclave_witnesses_rejected_total",
			Help: "Total number of witness attestations rejected, by reason",
		}, []string{"reason"}),
		EmergencyRevokes: promauto.NewCounter(prometheus.CounterOpts{
			Name: "conclave_emergency_revokes_total",
			Help: "Total number of emergency key revocations",
		}),
		ExecuteDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "conclave_ceremony_execute_duration_seconds",
			Help:    "Duration of ceremony execution (HSM keygen plus registry update)",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		SweepDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "conclave_ceremony_sweep_duration_seconds",
			Help:    "Duration of timeout sweep runs",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
	}
}

// IncrementStarted records a successfully started ceremony.
func (m *Metrics) IncrementStarted() {
	m.CeremoniesStarted.Inc()
}

// IncrementCompleted records a successfully completed ceremony.
func (m *Metrics) IncrementCompleted() {
	m.CeremoniesCompleted.Inc()
}

// IncrementFailed records a ceremony that failed during execution.
func (m *Metrics) IncrementFailed() {
	m.CeremoniesFailed.Inc()
}

// IncrementExpired records a ceremony expired by the sweep.
func (m *Metrics) IncrementExpired() {
	m.CeremoniesExpired.Inc()
}

// IncrementWitnessAccepted records an accepted witness attestation.
// verified is "true" for signature-verified witnesses, "false" for
// bootstrap-mode acceptances.
func (m *Metrics) IncrementWitnessAccepted(verified bool) {
	label := "false"
	if verified {
		label = "true"
	}
	m.WitnessesAccepted.WithLabelValues(label).Inc()
}

// IncrementWitnessRejected records a rejected witness attestation.
func (m *Metrics) IncrementWitnessRejected(reason string) {
	m.WitnessesRejected.WithLabelValues(reason).Inc()
}

// IncrementEmergencyRevoke records an emergency key revocation.
func (m *Metrics) IncrementEmergencyRevoke() {
	m.EmergencyRevokes.Inc()
}

// ObserveExecute records the duration of a ceremony execution.
// Call with time.Now() at the start of the operation.
func (m *Metrics) ObserveExecute(start time.Time) {
	m.ExecuteDuration.Observe(time.Since(start).Seconds())
}

// ObserveSweep records the duration of a sweep run.
// Call with time.Now() at the start of the operation.
func (m *Metrics) ObserveSweep(start time.Time) {
	m.SweepDuration.Observe(time.Since(start).Seconds())
}
