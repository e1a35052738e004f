// SPDX-License-Identifier: AGPL-3.0-or-later

// Package metrics exposes Prometheus collectors for provisioning, validation
// and state persistence.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "edgefleet"

// Store operations recorded in metrics.
const (
	StoreOperationRecordAppend = "record_append"
	StoreOperationRecordRead   = "record_read"
	StoreOperationNodeSave     = "node_save"
	StoreOperationNodeLoad     = "node_load"
)

// Store outcomes used to categorize latency observations.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
	OutcomeQuota = "quota_exceeded"
)

var (
	storeLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "operation_duration_seconds",
			Help:      "Latency of state store operations in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
		[]string{"operation", "outcome"},
	)

	outputEvictedBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "record_output_evicted_bytes_total",
			Help:      "Captured command output dropped to stay within the output budget",
		},
	)

	phaseExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "phase_executions_total",
			Help:      "Executor invocations by phase and outcome",
		},
		[]string{"phase", "outcome"},
	)

	phaseDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "phase_duration_seconds",
			Help:      "Duration of a single phase attempt in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		},
		[]string{"phase"},
	)

	phaseRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "phase_retries_total",
			Help:      "Transient phase failures that were retried",
		},
		[]string{"phase"},
	)

	nodesBlocked = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "nodes_blocked_total",
			Help:      "Nodes placed in the blocked run state by failure class",
		},
		[]string{"class"},
	)

	nodesByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "fleet",
			Name:      "nodes",
			Help:      "Fleet nodes by role and lifecycle state",
		},
		[]string{"role", "state"},
	)

	checkResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "validator",
			Name:      "checks_total",
			Help:      "Validation check results by category and verdict",
		},
		[]string{"category", "verdict"},
	)

	lastVerdict = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "validator",
			Name:      "last_verdict",
			Help:      "Overall verdict of the latest validation run (0 pass, 1 warn, 2 fail)",
		},
	)

	httpRequests = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Latency of serve-mode HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"route", "method", "code"},
	)
)

// Registry holds every edgefleet collector plus the Go runtime collectors.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		storeLatency,
		outputEvictedBytes,
		phaseExecutions,
		phaseDuration,
		phaseRetries,
		nodesBlocked,
		nodesByState,
		checkResults,
		lastVerdict,
		httpRequests,
	)
}

// Handler returns the Prometheus exposition handler for Registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// StoreTimer records elapsed time for a store operation.
type StoreTimer struct {
	operation string
	start     time.Time
	recorded  bool
}

// StartStoreTimer returns a timer for the supplied operation.
func StartStoreTimer(operation string) *StoreTimer {
	op := sanitize(operation)
	if op == "" {
		return nil
	}
	return &StoreTimer{operation: op, start: time.Now()}
}

// Observe records the latency using the provided outcome. Only the first
// call has an effect.
func (t *StoreTimer) Observe(outcome string) {
	if t == nil || t.recorded {
		return
	}
	t.recorded = true
	o := sanitize(outcome)
	if o == "" {
		o = OutcomeOK
	}
	storeLatency.WithLabelValues(t.operation, o).Observe(time.Since(t.start).Seconds())
}

// RecordOutputEviction counts output bytes dropped from old records.
func RecordOutputEviction(bytes int64) {
	if bytes > 0 {
		outputEvictedBytes.Add(float64(bytes))
	}
}

// RecordPhase records one executor invocation for a phase.
func RecordPhase(phase, outcome string, duration time.Duration) {
	phaseExecutions.WithLabelValues(sanitize(phase), sanitize(outcome)).Inc()
	phaseDuration.WithLabelValues(sanitize(phase)).Observe(duration.Seconds())
}

// RecordPhaseRetry counts a transient failure that will be retried.
func RecordPhaseRetry(phase string) {
	phaseRetries.WithLabelValues(sanitize(phase)).Inc()
}

// RecordBlocked counts a node entering the blocked state.
func RecordBlocked(class string) {
	nodesBlocked.WithLabelValues(sanitize(class)).Inc()
}

// SetNodeCounts replaces the node gauge with counts keyed by role and state.
func SetNodeCounts(counts map[[2]string]int) {
	nodesByState.Reset()
	for key, n := range counts {
		nodesByState.WithLabelValues(key[0], key[1]).Set(float64(n))
	}
}

// RecordCheck counts one validation check result.
func RecordCheck(category, verdict string) {
	checkResults.WithLabelValues(sanitize(category), sanitize(verdict)).Inc()
}

// SetLastVerdict exposes the overall verdict of the latest validation run.
func SetLastVerdict(verdict string) {
	switch sanitize(verdict) {
	case "pass":
		lastVerdict.Set(0)
	case "warn":
		lastVerdict.Set(1)
	default:
		lastVerdict.Set(2)
	}
}

// RecordHTTP observes one served request. route is the templated pattern.
func RecordHTTP(route, method string, status int, duration time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	httpRequests.WithLabelValues(route, strings.ToUpper(method), strconv.Itoa(status)).Observe(duration.Seconds())
}

func sanitize(v string) string {
	return strings.TrimSpace(strings.ToLower(v))
}
