package httpsig

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics publishes verification pipeline measurements to Prometheus.
type Metrics struct {
	verificationsTotal *prometheus.CounterVec
	stageDuration      *prometheus.HistogramVec
	verifyDuration     prometheus.Histogram
}

// NewMetrics creates a metrics instance on the default registry.
func NewMetrics() *Metrics {
	return newMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// newMetricsWithRegistry creates a metrics instance on a custom registry
// (for testing).
func newMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	// Buckets sized for the single-digit-millisecond verification budget.
	stageBuckets := []float64{0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025}

	return &Metrics{
		verificationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "httpsig_verifications_total",
				Help: "Verification decisions by outcome and deciding stage",
			},
			[]string{"outcome", "stage"},
		),
		stageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "httpsig_verify_stage_duration_seconds",
				Help:    "Verification pipeline stage duration in seconds",
				Buckets: stageBuckets,
			},
			[]string{"stage"},
		),
		verifyDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "httpsig_verify_duration_seconds",
				Help:    "Total verification duration in seconds",
				Buckets: stageBuckets,
			},
		),
	}
}

// ObserveVerification records one verification result.
func (m *Metrics) ObserveVerification(res *Result) {
	outcome := "invalid"
	if res.Valid {
		outcome = "valid"
	}

	m.verificationsTotal.WithLabelValues(outcome, string(res.Stage)).Inc()

	for _, t := range res.Timings {
		m.stageDuration.WithLabelValues(string(t.Stage)).Observe(t.Duration.Seconds())
	}

	m.verifyDuration.Observe(res.Elapsed.Seconds())
}
