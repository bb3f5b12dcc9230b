// Package telemetry exposes Prometheus metrics for the crawl engine.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	pagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_pages_total",
			Help: "Terminal per-URL outcomes, labeled by domain and outcome.",
		},
		[]string{"domain", "outcome"},
	)

	bytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_bytes_total",
			Help: "Total bytes fetched, labeled by domain.",
		},
		[]string{"domain"},
	)

	retriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_retries_total",
			Help: "Retry attempts performed, labeled by domain.",
		},
		[]string{"domain"},
	)

	jobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_jobs_total",
			Help: "Jobs processed, labeled by final status.",
		},
		[]string{"status"},
	)

	activeWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "harvester_active_workers",
			Help: "Workers currently processing a job.",
		},
	)

	rateLimitDelaySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harvester_rate_limit_delay_seconds",
			Help:    "Time spent waiting on per-domain rate limit permits.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"domain"},
	)

	breakerTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_breaker_transitions_total",
			Help: "Circuit breaker state transitions, labeled by domain and new state.",
		},
		[]string{"domain", "state"},
	)

	fetchDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harvester_fetch_duration_seconds",
			Help:    "Fetch latency, labeled by domain.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15},
		},
		[]string{"domain"},
	)
)

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePage records one terminal outcome for a URL.
func ObservePage(domain, outcome string, bytesFetched int) {
	pagesTotal.WithLabelValues(domain, outcome).Inc()
	if bytesFetched > 0 {
		bytesTotal.WithLabelValues(domain).Add(float64(bytesFetched))
	}
}

// ObserveRetry records one retry attempt against a domain.
func ObserveRetry(domain string) {
	retriesTotal.WithLabelValues(domain).Inc()
}

// ObserveJob records a job reaching a final status.
func ObserveJob(status string) {
	jobsTotal.WithLabelValues(status).Inc()
}

// IncActiveWorkers increments the active worker gauge.
func IncActiveWorkers() { activeWorkers.Inc() }

// DecActiveWorkers decrements the active worker gauge.
func DecActiveWorkers() { activeWorkers.Dec() }

// ObserveRateLimitDelay records how long an acquire waited for a permit.
func ObserveRateLimitDelay(domain string, d time.Duration) {
	rateLimitDelaySeconds.WithLabelValues(domain).Observe(d.Seconds())
}

// ObserveBreakerTransition records a circuit state change.
func ObserveBreakerTransition(domain, state string) {
	breakerTransitionsTotal.WithLabelValues(domain, state).Inc()
}

// ObserveFetchDuration records the latency of one fetch attempt.
func ObserveFetchDuration(domain string, d time.Duration) {
	fetchDurationSeconds.WithLabelValues(domain).Observe(d.Seconds())
}
