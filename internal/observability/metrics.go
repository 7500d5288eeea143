// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Session metrics
	SessionsStarted  prometheus.Counter
	SessionsFinished *prometheus.CounterVec
	ActiveSessions   prometheus.Gauge
	PhaseTransitions *prometheus.CounterVec
	PhaseDuration    *prometheus.HistogramVec

	// Swap metrics
	SwapOutcomes      *prometheus.CounterVec
	SwapDuration      prometheus.Histogram
	PreflightFailures *prometheus.CounterVec
	WalletOutcomes    *prometheus.CounterVec

	// Collection metrics
	CollectionsFired   *prometheus.CounterVec
	PendingTimers      prometheus.Gauge
	CollectedLamports  prometheus.Counter
	ReconcileFailures  prometheus.Counter
	DistributionsTotal *prometheus.CounterVec

	// Submission metrics
	SubmissionWait     prometheus.Histogram
	SubmissionsLimited prometheus.Counter
	LedgerAppends      *prometheus.CounterVec

	// Latency metrics
	RPCCallLatency    *prometheus.HistogramVec
	AggregatorLatency *prometheus.HistogramVec

	// Database metrics
	DBQueryDuration *prometheus.HistogramVec
	DBQueryErrors   *prometheus.CounterVec

	// Health metrics
	LastCompletedSession prometheus.Gauge
}

// NewMetrics creates a new Metrics instance registered with reg.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "solana_settlement"
	}
	factory := promauto.With(reg)

	return &Metrics{
		// Session metrics
		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "started_total",
			Help:      "Total number of sessions started",
		}),
		SessionsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "finished_total",
			Help:      "Total number of sessions finished by terminal status",
		}, []string{"status"}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "active",
			Help:      "Number of sessions currently running",
		}),
		PhaseTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "phase_transitions_total",
			Help:      "Total number of phase transitions",
		}, []string{"from", "to"}),
		PhaseDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "phase_duration_seconds",
			Help:      "Time spent in each phase in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"phase"}),

		// Swap metrics
		SwapOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "swap",
			Name:      "outcomes_total",
			Help:      "Total number of swap executions by terminal outcome",
		}, []string{"outcome"}),
		SwapDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "swap",
			Name:      "duration_seconds",
			Help:      "Swap execution duration including rollback check",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 90, 120},
		}),
		PreflightFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "swap",
			Name:      "preflight_failures_total",
			Help:      "Total number of preflight failures by first failing check",
		}, []string{"check"}),
		WalletOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "swap",
			Name:      "wallet_outcomes_total",
			Help:      "Total number of trading wallets by final status",
		}, []string{"status"}),

		// Collection metrics
		CollectionsFired: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collection",
			Name:      "fired_total",
			Help:      "Total number of collection timers fired by result",
		}, []string{"result"}),
		PendingTimers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "collection",
			Name:      "pending_timers",
			Help:      "Number of collection timers waiting to fire",
		}),
		CollectedLamports: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collection",
			Name:      "swept_lamports_total",
			Help:      "Total lamports swept from trading wallets",
		}),
		ReconcileFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collection",
			Name:      "reconciliation_mismatches_total",
			Help:      "Total number of ledger/timer reconciliation mismatches",
		}),
		DistributionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collection",
			Name:      "distributions_total",
			Help:      "Total number of final distributions by status",
		}, []string{"status"}),

		// Submission metrics
		SubmissionWait: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "submitter",
			Name:      "wait_seconds",
			Help:      "Time a submission waited for the rate limiter",
			Buckets:   []float64{0, 0.1, 1, 5, 10, 20, 30, 60, 120},
		}),
		SubmissionsLimited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "submitter",
			Name:      "rate_limited_total",
			Help:      "Total number of non-blocking submissions refused by the limiter",
		}),
		LedgerAppends: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "appends_total",
			Help:      "Total number of ledger records appended by type",
		}, []string{"type"}),

		// Latency metrics
		RPCCallLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "solana",
			Name:      "rpc_call_latency_seconds",
			Help:      "Solana RPC call latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		AggregatorLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "aggregator",
			Name:      "call_latency_seconds",
			Help:      "Swap aggregator call latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		// Database metrics
		DBQueryDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"database", "operation"}),
		DBQueryErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_errors_total",
			Help:      "Total number of database query errors",
		}, []string{"database", "operation"}),

		// Health metrics
		LastCompletedSession: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_completed_session_timestamp",
			Help:      "Unix timestamp of the last session that completed",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("", prometheus.DefaultRegisterer)

// RecordSessionStarted counts a new session.
func RecordSessionStarted() {
	DefaultMetrics.SessionsStarted.Inc()
	DefaultMetrics.ActiveSessions.Inc()
}

// RecordSessionFinished counts a session reaching a terminal status.
func RecordSessionFinished(status string, unixTime int64) {
	DefaultMetrics.SessionsFinished.WithLabelValues(status).Inc()
	DefaultMetrics.ActiveSessions.Dec()
	if status == "completed" {
		DefaultMetrics.LastCompletedSession.Set(float64(unixTime))
	}
}

// RecordPhaseTransition records a phase change and the time spent in the previous phase.
func RecordPhaseTransition(from, to string, seconds float64) {
	DefaultMetrics.PhaseTransitions.WithLabelValues(from, to).Inc()
	DefaultMetrics.PhaseDuration.WithLabelValues(from).Observe(seconds)
}

// RecordSwap records a swap execution outcome.
func RecordSwap(outcome string, seconds float64) {
	DefaultMetrics.SwapOutcomes.WithLabelValues(outcome).Inc()
	DefaultMetrics.SwapDuration.Observe(seconds)
}

// RecordPreflightFailure records the first failing preflight check.
func RecordPreflightFailure(check string) {
	DefaultMetrics.PreflightFailures.WithLabelValues(check).Inc()
}

// RecordWalletOutcome records a trading wallet's final status.
func RecordWalletOutcome(status string) {
	DefaultMetrics.WalletOutcomes.WithLabelValues(status).Inc()
}

// RecordCollection records a fired collection timer.
func RecordCollection(result string, sweptLamports uint64) {
	DefaultMetrics.CollectionsFired.WithLabelValues(result).Inc()
	DefaultMetrics.CollectedLamports.Add(float64(sweptLamports))
}

// AddPendingTimers adjusts the pending timer gauge.
func AddPendingTimers(delta int) {
	DefaultMetrics.PendingTimers.Add(float64(delta))
}

// RecordReconciliationMismatch counts a ledger/timer mismatch.
func RecordReconciliationMismatch() {
	DefaultMetrics.ReconcileFailures.Inc()
}

// RecordDistribution records a final distribution attempt.
func RecordDistribution(status string) {
	DefaultMetrics.DistributionsTotal.WithLabelValues(status).Inc()
}

// RecordSubmissionWait records time spent waiting on the rate limiter.
func RecordSubmissionWait(seconds float64) {
	DefaultMetrics.SubmissionWait.Observe(seconds)
}

// RecordRateLimited counts a refused non-blocking submission.
func RecordRateLimited() {
	DefaultMetrics.SubmissionsLimited.Inc()
}

// RecordLedgerAppend counts an appended ledger record.
func RecordLedgerAppend(recordType string) {
	DefaultMetrics.LedgerAppends.WithLabelValues(recordType).Inc()
}

// RecordRPCLatency records RPC call latency.
func RecordRPCLatency(method string, seconds float64) {
	DefaultMetrics.RPCCallLatency.WithLabelValues(method).Observe(seconds)
}

// RecordAggregatorLatency records swap aggregator call latency.
func RecordAggregatorLatency(operation string, seconds float64) {
	DefaultMetrics.AggregatorLatency.WithLabelValues(operation).Observe(seconds)
}

// RecordDBQuery records database query metrics.
func RecordDBQuery(database, operation string, seconds float64, err error) {
	DefaultMetrics.DBQueryDuration.WithLabelValues(database, operation).Observe(seconds)
	if err != nil {
		DefaultMetrics.DBQueryErrors.WithLabelValues(database, operation).Inc()
	}
}
