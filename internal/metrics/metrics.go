// Package metrics provides Prometheus metrics for the emulator.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lambdev_http_requests_total",
			Help: "Total number of ingress HTTP requests",
		},
		[]string{"method", "status"},
	)

	invocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lambdev_invocations_total",
			Help: "Total number of function invocations by outcome",
		},
		[]string{"function", "outcome"},
	)

	invocationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lambdev_invocation_duration_seconds",
			Help:    "End-to-end invocation latency in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"function"},
	)

	coldStartsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lambdev_cold_starts_total",
			Help: "Total number of worker processes spawned",
		},
		[]string{"function"},
	)

	workerRestartsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lambdev_worker_restarts_total",
			Help: "Total number of generation-bumping restarts",
		},
		[]string{"function"},
	)

	workersBusy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lambdev_workers_busy",
			Help: "Number of workers currently executing an invocation",
		},
		[]string{"function"},
	)

	backlogDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lambdev_backlog_depth",
			Help: "Number of invocations queued behind saturated pools",
		},
		[]string{"function"},
	)

	protocolAnomaliesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lambdev_protocol_anomalies_total",
			Help: "Runtime-surface messages referencing stale or unknown invocations",
		},
		[]string{"reason"},
	)
)

// RecordHTTPRequest records one completed ingress request.
func RecordHTTPRequest(method string, status int) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
}

// RecordInvocation records one resolved invocation.
func RecordInvocation(function, outcome string, duration time.Duration) {
	invocationsTotal.WithLabelValues(function, outcome).Inc()
	invocationDuration.WithLabelValues(function).Observe(duration.Seconds())
}

// RecordColdStart records a worker process spawn.
func RecordColdStart(function string) {
	coldStartsTotal.WithLabelValues(function).Inc()
}

// RecordRestart records a generation-bumping restart of a function's pool.
func RecordRestart(function string) {
	workerRestartsTotal.WithLabelValues(function).Inc()
}

// SetWorkersBusy updates the busy-worker gauge for a function.
func SetWorkersBusy(function string, n int) {
	workersBusy.WithLabelValues(function).Set(float64(n))
}

// SetBacklogDepth updates the backlog gauge for a function.
func SetBacklogDepth(function string, n int) {
	backlogDepth.WithLabelValues(function).Set(float64(n))
}

// RecordProtocolAnomaly counts an absorbed runtime-surface anomaly.
func RecordProtocolAnomaly(reason string) {
	protocolAnomaliesTotal.WithLabelValues(reason).Inc()
}

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
