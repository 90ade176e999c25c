package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Admin HTTP metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fedwatch_http_requests_total",
		Help: "Total admin HTTP requests",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fedwatch_http_request_duration_seconds",
		Help:    "Admin HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// NormalizePath collapses per-entity path segments so metric
// cardinality stays bounded.
func NormalizePath(path string) string {
	parts := strings.Split(path, "/")
	// /api/<resource>/<id...> -> /api/<resource>/:id
	if len(parts) > 3 && parts[1] == "api" {
		return "/" + parts[1] + "/" + parts[2] + "/:id"
	}
	return path
}

// Propagation metrics
var (
	PropagationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fedwatch_propagations_total",
		Help: "Total number of propagation calls",
	}, []string{"action"})

	PropagationDomainOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fedwatch_propagation_domain_outcomes_total",
		Help: "Per-domain fan-out outcomes",
	}, []string{"action", "result"})

	PropagationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fedwatch_propagation_duration_seconds",
		Help:    "Wall time of one full propagation fan-out",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"action"})

	LedgerSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fedwatch_ledger_size",
		Help: "Number of identities currently on the block ledger",
	})
)

// Screening metrics
var (
	ScreeningChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fedwatch_screening_checks_total",
		Help: "Total screening checks performed",
	}, []string{"kind"})

	ScreeningHitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fedwatch_screening_hits_total",
		Help: "Screening checks that triggered at least one rule",
	}, []string{"kind"})

	FloodVerdictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fedwatch_flood_verdicts_total",
		Help: "Flood detector verdicts emitted",
	})
)

// Pending-action metrics
var (
	PendingActionsScheduled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fedwatch_pending_actions_scheduled_total",
		Help: "Delayed automated actions scheduled",
	})

	PendingActionsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fedwatch_pending_actions_resolved_total",
		Help: "Delayed automated actions by final state",
	}, []string{"state"})
)

// Event stream metrics
var (
	StreamEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fedwatch_stream_events_total",
		Help: "Gateway stream events received by kind",
	}, []string{"kind"})

	StreamErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fedwatch_stream_errors_total",
		Help: "Gateway stream frames that failed to process",
	})

	StreamConnectionState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fedwatch_stream_connection_state",
		Help: "1 when connected to the gateway event stream, 0 otherwise",
	})
)

// Batch operation metrics
var (
	ReconcileOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fedwatch_reconcile_operations_total",
		Help: "Onboarding, repair and backfill runs",
	}, []string{"operation", "status"})

	ScanMembersChecked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fedwatch_scan_members_checked_total",
		Help: "Members checked by full-member scans",
	})
)
