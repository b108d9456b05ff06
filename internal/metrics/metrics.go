package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Counters
	PollsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "node_polls_total",
			Help: "Total number of unclaimed-job polls against the backend",
		},
	)

	PollErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "node_poll_errors_total",
			Help: "Total number of failed unclaimed-job polls",
		},
	)

	JobsSkippedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "node_jobs_skipped_total",
			Help: "Total number of discovered jobs skipped before or at claim time",
		},
		[]string{"reason"}, // no_chain_id, out_of_range, read_error, not_submitted, race_lost, claim_error, duplicate
	)

	JobsClaimedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "node_jobs_claimed_total",
			Help: "Total number of jobs claimed on-chain by this node",
		},
	)

	JobsCompletedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "node_jobs_completed_total",
			Help: "Total number of jobs finalized on-chain by this node",
		},
	)

	JobsFailedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "node_jobs_failed_total",
			Help: "Total number of claimed jobs that ended in a fail report",
		},
		[]string{"code"},
	)

	BackendWriteFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "node_backend_write_failures_total",
			Help: "Total number of backend mirror writes abandoned after retries",
		},
		[]string{"endpoint"},
	)

	HeartbeatFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "node_heartbeat_failures_total",
			Help: "Total number of heartbeats that could not be delivered",
		},
	)

	WithdrawalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "node_withdrawals_total",
			Help: "Total number of reward withdrawal outcomes",
		},
		[]string{"result"}, // succeeded, failed, ineligible
	)

	ArtifactFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "node_artifact_fetches_total",
			Help: "Total number of IPFS artifact downloads by result",
		},
		[]string{"result"}, // ok, not_found, error
	)

	// Histogram for model execution duration
	// Buckets: 0.5s .. ~1024s, covering the default 900s timeout.
	ExecutionDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "node_execution_duration_seconds",
			Help:    "Model program wall-clock duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		},
	)
)
