// Package metrics provides Prometheus metrics for analysis runs, answers
// and background re-embedding.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RunsTotal counts finished orchestration runs.
	// Labels: status (ok, failed, error, rejected)
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dawn",
			Subsystem: "orchestrator",
			Name:      "runs_total",
			Help:      "Total number of orchestration runs by outcome",
		},
		[]string{"status"},
	)

	// StageDuration tracks how long each orchestrator stage takes.
	// Labels: stage
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dawn",
			Subsystem: "orchestrator",
			Name:      "stage_duration_seconds",
			Help:      "Duration of orchestrator stages in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	// WarningsTotal counts warnings recorded on runs.
	// Labels: kind, severity
	WarningsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dawn",
			Subsystem: "orchestrator",
			Name:      "warnings_total",
			Help:      "Total number of run warnings by kind and severity",
		},
		[]string{"kind", "severity"},
	)

	// AnswersTotal counts resolved questions.
	// Labels: method (direct, rag, context_only, no_context)
	AnswersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dawn",
			Subsystem: "answer",
			Name:      "answers_total",
			Help:      "Total number of answered questions by resolution method",
		},
		[]string{"method"},
	)

	// ActiveRuns is the number of runs currently holding a source lock.
	ActiveRuns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "dawn",
			Subsystem: "orchestrator",
			Name:      "active_runs",
			Help:      "Number of orchestration runs in progress",
		},
	)

	// ReembedJobsTotal counts processed embed_note jobs.
	// Labels: result (success, error)
	ReembedJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dawn",
			Subsystem: "reindex",
			Name:      "jobs_total",
			Help:      "Total number of re-embedding jobs processed",
		},
		[]string{"result"},
	)

	// VersionsTotal counts ingestions by drift status.
	// Labels: status (new, no_change, changed)
	VersionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dawn",
			Subsystem: "feeds",
			Name:      "ingestions_total",
			Help:      "Total number of feed ingestions by drift status",
		},
		[]string{"status"},
	)
)

// RecordRun records the outcome of one orchestration run.
func RecordRun(status string) {
	RunsTotal.WithLabelValues(status).Inc()
}

// ObserveStage records the duration of one orchestrator stage.
func ObserveStage(stage string, d time.Duration) {
	StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordWarning counts one run warning.
func RecordWarning(kind, severity string) {
	WarningsTotal.WithLabelValues(kind, severity).Inc()
}

// RecordAnswer counts one answered question.
func RecordAnswer(method string) {
	AnswersTotal.WithLabelValues(method).Inc()
}

// RecordReembed records the outcome of a re-embedding job.
func RecordReembed(success bool) {
	if success {
		ReembedJobsTotal.WithLabelValues("success").Inc()
	} else {
		ReembedJobsTotal.WithLabelValues("error").Inc()
	}
}

// RecordIngestion counts one feed ingestion by drift status.
func RecordIngestion(status string) {
	VersionsTotal.WithLabelValues(status).Inc()
}
