// Package telemetry records provisioning runs as Prometheus metrics and
// OpenTelemetry spans.
package telemetry

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every metric name
const Namespace = "envprov"

// Outcome label values
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Metrics holds the run metrics on a private registry
type Metrics struct {
	registry *prometheus.Registry

	runsCompleted   *prometheus.CounterVec
	runDuration     *prometheus.HistogramVec
	stageDuration   *prometheus.HistogramVec
	installAttempts *prometheus.CounterVec
	toolOutcomes    *prometheus.CounterVec
}

// NewMetrics creates and registers the run metrics
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of runs by terminal kind",
			},
			[]string{"kind"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of a run in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "stage_duration_seconds",
				Help:      "Duration of a run stage in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"stage", "outcome"},
		),
		installAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "install_attempts_total",
				Help:      "Total number of backend install attempts",
			},
			[]string{"tool", "outcome"},
		),
		toolOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "tool_outcomes_total",
				Help:      "Total number of requirements by install status",
			},
			[]string{"status"},
		),
	}

	registry.MustRegister(
		m.runsCompleted,
		m.runDuration,
		m.stageDuration,
		m.installAttempts,
		m.toolOutcomes,
	)

	return m
}

// Registry returns the registry the metrics live on
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordRunCompleted counts a terminal run
func (m *Metrics) RecordRunCompleted(kind string, duration time.Duration) {
	m.runsCompleted.WithLabelValues(kind).Inc()
	m.runDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordStage observes how long a stage took
func (m *Metrics) RecordStage(stage string, err error, duration time.Duration) {
	m.stageDuration.WithLabelValues(stage, outcome(err)).Observe(duration.Seconds())
}

// RecordInstallAttempt counts one backend install call
func (m *Metrics) RecordInstallAttempt(tool string, err error) {
	m.installAttempts.WithLabelValues(tool, outcome(err)).Inc()
}

// RecordToolOutcome counts a requirement's final status
func (m *Metrics) RecordToolOutcome(status string) {
	m.toolOutcomes.WithLabelValues(status).Inc()
}

// WriteToFile writes the registry in the text exposition format, for the
// node exporter textfile collector
func (m *Metrics) WriteToFile(path string) error {
	// #nosec G301 -- metrics directory permissions 0755 are acceptable
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics file: %w", err)
	}
	return nil
}

func outcome(err error) string {
	if err != nil {
		return OutcomeFailure
	}
	return OutcomeSuccess
}
