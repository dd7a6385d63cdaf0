package broker

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metric names as constants for consistency.
const (
	MetricIngestEventsTotal     = "ingest_events_total"
	MetricIngestDurationSeconds = "ingest_duration_seconds"
)

// Ingest outcome labels.
const (
	OutcomeOK       = "ok"
	OutcomeBuffered = "buffered"
	OutcomeError    = "error"
)

// Metrics contains Prometheus metrics for the ingestion path.
// All operations are thread-safe.
type Metrics struct {
	ingestTotal    *prometheus.CounterVec
	ingestDuration *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance with all collectors
// initialized. The metrics are not registered; call Register to register
// them with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		ingestTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricIngestEventsTotal,
				Help: "Total number of ingested events by region and outcome",
			},
			[]string{"region", "outcome"},
		),
		ingestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    MetricIngestDurationSeconds,
				Help:    "Histogram of end-to-end ingest duration in seconds by region",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
			},
			[]string{"region"},
		),
	}
}

// Register registers all metrics with the given registry.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.ingestTotal, m.ingestDuration} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// ObserveIngest records one ingest attempt.
func (m *Metrics) ObserveIngest(region, outcome string, seconds float64) {
	m.ingestTotal.WithLabelValues(region, outcome).Inc()
	m.ingestDuration.WithLabelValues(region).Observe(seconds)
}
