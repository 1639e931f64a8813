// Package telemetry exposes Prometheus collectors for the scraper control
// layer.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	rateLimitDelaySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scraper_rate_limit_delay_seconds",
			Help:    "Histogram of rate limiter wait durations, labeled by limiter.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"limiter"},
	)

	retryAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_retry_attempts_total",
			Help: "Total operation attempts, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	breakerTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_breaker_transitions_total",
			Help: "Total circuit breaker state transitions, labeled by target state.",
		},
		[]string{"state"},
	)

	breakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "scraper_breaker_state",
			Help: "Current circuit breaker state (0=closed, 1=open, 2=half-open).",
		},
	)

	dedupChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_dedup_checks_total",
			Help: "Total duplicate checks, labeled by result.",
		},
		[]string{"result"},
	)

	imagesStoredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scraper_images_stored_total",
			Help: "Total image artifacts persisted to the blob store.",
		},
	)
)

// Handler returns an http.Handler exposing the Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRateLimitDelay records one limiter wait.
func ObserveRateLimitDelay(limiter string, d time.Duration) {
	rateLimitDelaySeconds.WithLabelValues(limiter).Observe(d.Seconds())
}

// ObserveAttempt counts one operation attempt with its outcome
// ("success", "retry", or "failure").
func ObserveAttempt(outcome string) {
	retryAttemptsTotal.WithLabelValues(outcome).Inc()
}

// ObserveBreakerTransition records a breaker state change.
func ObserveBreakerTransition(state string, value int) {
	breakerTransitionsTotal.WithLabelValues(state).Inc()
	breakerState.Set(float64(value))
}

// ObserveDedupCheck counts one duplicate check with its result
// ("unique", "exact", or "perceptual").
func ObserveDedupCheck(result string) {
	dedupChecksTotal.WithLabelValues(result).Inc()
}

// ObserveImageStored counts one persisted image artifact.
func ObserveImageStored() {
	imagesStoredTotal.Inc()
}
