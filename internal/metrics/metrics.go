// Package metrics exposes Prometheus collectors for the transcript service.
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
	stageAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transcriptd_stage_attempts_total",
			Help: "Total extraction stage attempts, labeled by stage and outcome.",
		},
		[]string{"stage", "outcome"},
	)

	breakerTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transcriptd_breaker_transitions_total",
			Help: "Total circuit breaker state transitions, labeled by target state.",
		},
		[]string{"to"},
	)

	preflightProbesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transcriptd_preflight_probes_total",
			Help: "Total proxy preflight probes actually issued, labeled by result.",
		},
		[]string{"result"},
	)

	sessionRotationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "transcriptd_session_rotations_total",
			Help: "Total proxy session tokens blacklisted after auth failures.",
		},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 60},
		},
		[]string{"method", "route"},
	)
)

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveStage increments the stage attempt counter.
func ObserveStage(stage, outcome string) {
	stageAttemptsTotal.WithLabelValues(stage, outcome).Inc()
}

// ObserveBreakerTransition records a circuit breaker state change.
func ObserveBreakerTransition(to string) {
	breakerTransitionsTotal.WithLabelValues(to).Inc()
}

// ObservePreflightProbe records an issued preflight probe.
func ObservePreflightProbe(result string) {
	preflightProbesTotal.WithLabelValues(result).Inc()
}

// ObserveSessionRotation increments the blacklisted-session counter.
func ObserveSessionRotation() {
	sessionRotationsTotal.Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
