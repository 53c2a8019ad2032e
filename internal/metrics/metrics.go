package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Model call metrics
	modelRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "distillforge_model_request_duration_seconds",
			Help:    "Model backend call duration in seconds by model",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 0.1s to ~100s
		},
		[]string{"model", "status"},
	)

	rateLimiterWaitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "distillforge_rate_limiter_wait_duration_seconds",
			Help:    "Admission gate wait duration in seconds by model",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~32s
		},
		[]string{"model"},
	)

	retryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "distillforge_retry_attempts_total",
			Help: "Retries scheduled after a failed or empty model call",
		},
		[]string{"model", "reason"}, // reason: "error", "empty", "rate_limited", "invalid_label"
	)

	// Pipeline metrics
	generationThroughput = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "distillforge_generation_total",
			Help: "Generation units completed by outcome",
		},
		[]string{"strategy", "status"}, // status: "success", "error", "paused"
	)

	qualityOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "distillforge_quality_records_total",
			Help: "Generated records by quality gate outcome",
		},
		[]string{"strategy", "outcome"}, // outcome: "passed", "failed"
	)

	inflightUnits = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "distillforge_inflight_units",
			Help: "Generation units submitted but not yet committed",
		},
		[]string{"task_id"},
	)

	pendingCommits = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "distillforge_pending_commits",
			Help: "Completed units waiting for an earlier line in ordered mode",
		},
		[]string{"task_id"},
	)

	taskProgress = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "distillforge_task_progress_percent",
			Help: "Committed input progress by task",
		},
		[]string{"task_id"},
	)

	durabilityFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "distillforge_durability_failures_total",
			Help: "Swallowed checkpoint and fsync failures",
		},
		[]string{"kind"}, // "checkpoint", "fsync"
	)
)

// Collector provides convenience methods for recording metrics.
// A nil *Collector is valid and records nothing.
type Collector struct{}

// NewCollector creates a new metrics collector
func NewCollector() *Collector {
	return &Collector{}
}

// RecordModelRequest records a model call duration
func (c *Collector) RecordModelRequest(model string, duration time.Duration, success bool) {
	if c == nil {
		return
	}
	modelRequestDuration.WithLabelValues(model, status(success)).Observe(duration.Seconds())
}

// RecordRateLimiterWait records admission gate wait time
func (c *Collector) RecordRateLimiterWait(model string, duration time.Duration) {
	if c == nil {
		return
	}
	rateLimiterWaitDuration.WithLabelValues(model).Observe(duration.Seconds())
}

// IncrementRetry counts a scheduled retry
func (c *Collector) IncrementRetry(model, reason string) {
	if c == nil {
		return
	}
	retryAttempts.WithLabelValues(model, reason).Inc()
}

// IncrementGeneration counts a completed generation unit
func (c *Collector) IncrementGeneration(strategy, outcome string) {
	if c == nil {
		return
	}
	generationThroughput.WithLabelValues(strategy, outcome).Inc()
}

// RecordQuality counts a quality gate decision
func (c *Collector) RecordQuality(strategy string, passed bool) {
	if c == nil {
		return
	}
	outcome := "passed"
	if !passed {
		outcome = "failed"
	}
	qualityOutcomes.WithLabelValues(strategy, outcome).Inc()
}

// SetInflight sets the number of in-flight units for a task
func (c *Collector) SetInflight(taskID string, n int) {
	if c == nil {
		return
	}
	inflightUnits.WithLabelValues(taskID).Set(float64(n))
}

// SetPendingCommits sets the ordered-commit buffer size for a task
func (c *Collector) SetPendingCommits(taskID string, n int) {
	if c == nil {
		return
	}
	pendingCommits.WithLabelValues(taskID).Set(float64(n))
}

// SetProgress sets the progress percentage of a task
func (c *Collector) SetProgress(taskID string, pct float64) {
	if c == nil {
		return
	}
	taskProgress.WithLabelValues(taskID).Set(pct)
}

// IncrementDurabilityFailure counts a swallowed checkpoint or fsync error
func (c *Collector) IncrementDurabilityFailure(kind string) {
	if c == nil {
		return
	}
	durabilityFailures.WithLabelValues(kind).Inc()
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
