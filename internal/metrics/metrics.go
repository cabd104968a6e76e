package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Orchestrator metrics for production monitoring
var (
	// Investigation metrics
	InvestigationsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kubilitics_rca_investigations_started_total",
			Help: "Total number of investigations created from alarms",
		},
	)

	InvestigationsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_rca_investigations_finished_total",
			Help: "Investigations that reached a terminal state",
		},
		[]string{"status"}, // CONCLUDED, FAILED
	)

	InvestigationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kubilitics_rca_investigation_duration_seconds",
			Help:    "Wall time from alarm to terminal state",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68min
		},
	)

	InvestigationRounds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kubilitics_rca_investigation_rounds",
			Help:    "Rounds used by concluded investigations",
			Buckets: prometheus.LinearBuckets(0, 1, 11),
		},
	)

	TerminationsForced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_rca_terminations_forced_total",
			Help: "Conclusions imposed by engine policy",
		},
		[]string{"reason"},
	)

	ActiveInvestigations = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kubilitics_rca_active_investigations",
			Help: "Investigations started by this process and not yet terminal",
		},
	)

	// Task metrics
	TasksExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_rca_tasks_executed_total",
			Help: "Tool invocations by agent kind and result",
		},
		[]string{"agent_kind", "result"}, // result: success, retry, failed
	)

	ToolDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kubilitics_rca_tool_duration_seconds",
			Help:    "Tool gateway call duration",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"agent_kind"},
	)

	// Oracle metrics
	OracleCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_rca_oracle_calls_total",
			Help: "Oracle calls by operation and result",
		},
		[]string{"operation", "result"},
	)

	OracleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kubilitics_rca_oracle_duration_seconds",
			Help:    "Oracle call duration including retries",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"operation"},
	)

	// Queue and storage metrics
	EnvelopesHandled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_rca_envelopes_handled_total",
			Help: "Queue envelopes by type and outcome",
		},
		[]string{"type", "outcome"}, // outcome: ack, nak, term
	)

	StorageConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_rca_storage_conflicts_total",
			Help: "Conditional writes that lost a race and were skipped",
		},
		[]string{"operation"},
	)

	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_rca_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)
)
