// Package metrics provides Prometheus instrumentation for the transfer
// engine and the job-state resolver.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Transfer metrics
	transfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ferry_transfers_total",
			Help: "Total number of transferred items",
		},
		[]string{"direction", "strategy", "status"},
	)

	transferBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ferry_transfer_bytes_total",
			Help: "Total bytes moved between local and remote",
		},
		[]string{"direction"},
	)

	transferDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ferry_transfer_duration_seconds",
			Help:    "Wall time of one public transfer operation",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"direction"},
	)

	planDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ferry_plan_decisions_total",
			Help: "Strategy decisions made by the transfer planner",
		},
		[]string{"strategy"},
	)

	retriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ferry_remote_retries_total",
			Help: "Retries of transient remote failures",
		},
	)

	checksumMismatches = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ferry_checksum_mismatches_total",
			Help: "Checksum disagreements detected after a transfer",
		},
	)

	// Scheduler metrics
	jobPollsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ferry_job_polls_total",
			Help: "Job listing pages fetched from the remote scheduler",
		},
	)

	jobStatesObserved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ferry_job_states_observed_total",
			Help: "Canonical job states observed in poll results",
		},
		[]string{"state"},
	)
)

// RecordTransfer counts one transferred item.
func RecordTransfer(direction, strategy, status string) {
	transfersTotal.WithLabelValues(direction, strategy, status).Inc()
}

// RecordBytes counts moved payload bytes.
func RecordBytes(direction string, n int64) {
	if n > 0 {
		transferBytes.WithLabelValues(direction).Add(float64(n))
	}
}

// ObserveOperation records the wall time of one public operation.
func ObserveOperation(direction string, seconds float64) {
	transferDuration.WithLabelValues(direction).Observe(seconds)
}

// RecordPlan counts a planner decision.
func RecordPlan(strategy string) {
	planDecisions.WithLabelValues(strategy).Inc()
}

// RecordRetry counts one retried transient failure.
func RecordRetry() {
	retriesTotal.Inc()
}

// RecordChecksumMismatch counts one detected digest disagreement.
func RecordChecksumMismatch() {
	checksumMismatches.Inc()
}

// RecordJobPoll counts one fetched listing page.
func RecordJobPoll() {
	jobPollsTotal.Inc()
}

// RecordJobState counts one observed canonical state.
func RecordJobState(state string) {
	jobStatesObserved.WithLabelValues(state).Inc()
}
