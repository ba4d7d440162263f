// Package metrics exposes Prometheus instrumentation for detection runs.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Registry holds every ballotguard collector. It is separate from the
// default registry so a batch run pushes only its own series.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	RunsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ballotguard_runs_total",
			Help: "Total number of detection runs by pipeline and outcome",
		},
		[]string{"pipeline", "status"}, // status: ok/skipped/error
	)

	RunDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ballotguard_run_duration_seconds",
			Help:    "Detection run duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
		[]string{"pipeline"},
	)

	EventsLoaded = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ballotguard_events_loaded",
			Help: "Audit events in the snapshot of the last run",
		},
		[]string{"pipeline"},
	)

	AnomaliesFlagged = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ballotguard_anomalies_flagged_total",
			Help: "Total number of anomaly records produced by detection method",
		},
		[]string{"method"},
	)

	AnomaliesWritten = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ballotguard_anomalies_written_total",
			Help: "Total number of anomaly records acknowledged by the sink",
		},
		[]string{"pipeline"},
	)
)

// Push sends the current values to a Prometheus pushgateway.
func Push(url, job string) error {
	if url == "" {
		return nil
	}
	if err := push.New(url, job).Gatherer(Registry).Push(); err != nil {
		return fmt.Errorf("push metrics to %s: %w", url, err)
	}
	return nil
}
