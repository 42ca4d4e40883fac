package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus counters, histograms, and gauges for the
// weather risk pipeline.
type Metrics struct {
	RunsTotal     *prometheus.CounterVec   // labels: outcome={succeeded,failed}
	StageDuration *prometheus.HistogramVec // labels: stage
	FetchRetries  prometheus.Counter

	SnapshotsWritten    prometheus.Counter
	SnapshotsSuperseded prometheus.Counter
	BatchesRejected     prometheus.Counter

	FindingsTotal prometheus.Counter
	IssuesCreated prometheus.Counter
	IssuesUpdated prometheus.Counter

	AlertPublishErrors prometheus.Counter
	SchedulerRunning   prometheus.Gauge
}

// NewMetrics creates and registers all pipeline metrics with the default
// Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()

	prometheus.MustRegister(
		m.RunsTotal,
		m.StageDuration,
		m.FetchRetries,
		m.SnapshotsWritten,
		m.SnapshotsSuperseded,
		m.BatchesRejected,
		m.FindingsTotal,
		m.IssuesCreated,
		m.IssuesUpdated,
		m.AlertPublishErrors,
		m.SchedulerRunning,
	)

	return m
}

// NewMetricsForTesting creates Metrics without registering them, so tests can
// construct metrics repeatedly without "already registered" panics.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "weather_risk",
			Name:      "pipeline_runs_total",
			Help:      "Completed pipeline runs by outcome.",
		}, []string{"outcome"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "weather_risk",
			Name:      "stage_duration_seconds",
			Help:      "Duration of each pipeline stage.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
		}, []string{"stage"}),
		FetchRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "weather_risk",
			Name:      "fetch_retries_total",
			Help:      "Forecast fetch attempts retried after a transient failure.",
		}),
		SnapshotsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "weather_risk",
			Name:      "snapshots_written_total",
			Help:      "Snapshots inserted into the store.",
		}),
		SnapshotsSuperseded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "weather_risk",
			Name:      "snapshots_superseded_total",
			Help:      "Existing snapshots replaced by a newer batch.",
		}),
		BatchesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "weather_risk",
			Name:      "batches_rejected_total",
			Help:      "Batches rejected during normalization.",
		}),
		FindingsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "weather_risk",
			Name:      "findings_total",
			Help:      "Risk findings emitted by rule evaluation.",
		}),
		IssuesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "weather_risk",
			Name:      "issues_created_total",
			Help:      "Weather-origin issues created.",
		}),
		IssuesUpdated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "weather_risk",
			Name:      "issues_updated_total",
			Help:      "Weather-origin issues extended or escalated.",
		}),
		AlertPublishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "weather_risk",
			Name:      "alert_publish_errors_total",
			Help:      "Failed attempts to publish issue events to the alert bus.",
		}),
		SchedulerRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "weather_risk",
			Name:      "scheduler_running",
			Help:      "1 when the capture scheduler is active, 0 when shut down.",
		}),
	}
}
