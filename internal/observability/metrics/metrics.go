// Package metrics exposes prometheus collectors for the pipeline, the
// confirmation loop, the scheduler and the HTTP API.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "reward_accumulator_build_info",
			Help: "Build information of the reward accumulator",
		},
		[]string{"version", "commit"},
	)

	// Pipeline metrics
	PipelineRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reward_accumulator_pipeline_runs_total",
			Help: "Total number of pipeline runs by outcome",
		},
		[]string{"outcome"}, // "success", "failure", "skipped"
	)

	PipelineRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "reward_accumulator_pipeline_run_duration_seconds",
			Help:    "Duration of complete pipeline runs in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~34 minutes
		},
	)

	PipelineStepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reward_accumulator_pipeline_steps_total",
			Help: "Total number of pipeline steps by step and status",
		},
		[]string{"step", "status"},
	)

	PipelineStepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reward_accumulator_pipeline_step_duration_seconds",
			Help:    "Duration of pipeline steps in seconds, including confirmation",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		},
		[]string{"step"},
	)

	DepositedAmount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "reward_accumulator_last_deposit_amount",
			Help: "Amount deposited by the last successful run, in base units of the deposit asset",
		},
	)

	// Transaction metrics
	TransactionsSubmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reward_accumulator_transactions_submitted_total",
			Help: "Total number of signed transactions submitted by kind and status",
		},
		[]string{"kind", "status"},
	)

	ReceiptPollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reward_accumulator_receipt_polls_total",
			Help: "Total number of receipt polls by result",
		},
		[]string{"result"}, // "absent", "found", "error"
	)

	ConfirmationLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reward_accumulator_confirmation_latency_seconds",
			Help:    "Time between submission and observed receipt in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		},
		[]string{"kind"},
	)

	GasPriceGwei = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "reward_accumulator_gas_price_gwei",
			Help: "Last observed gas price in gwei",
		},
	)

	CostGuardRejectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reward_accumulator_cost_guard_rejections_total",
			Help: "Total number of submissions rejected by the gas price ceiling",
		},
	)

	AuditFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reward_accumulator_audit_failures_total",
			Help: "Total number of audit records that could not be appended",
		},
	)

	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reward_accumulator_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reward_accumulator_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// RecordRun records the outcome of a pipeline run.
func RecordRun(outcome string, seconds float64) {
	PipelineRunsTotal.WithLabelValues(outcome).Inc()
	if seconds > 0 {
		PipelineRunDuration.Observe(seconds)
	}
}

// RecordStep records a pipeline step result.
func RecordStep(step string, seconds float64, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	PipelineStepsTotal.WithLabelValues(step, status).Inc()
	PipelineStepDuration.WithLabelValues(step).Observe(seconds)
}
