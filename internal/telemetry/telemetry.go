// Package telemetry exposes Prometheus metrics for the fetch pipeline.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scrapecore_fetches_total",
			Help: "Total fetches, labeled by target and outcome classification.",
		},
		[]string{"target", "class"},
	)

	fetchDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scrapecore_fetch_duration_seconds",
			Help:    "Histogram of fetch latencies, labeled by target.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"target"},
	)

	admissionDelaySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scrapecore_admission_delay_seconds",
			Help:    "Histogram of rate-limit admission wait durations.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 300},
		},
		[]string{"target"},
	)

	inflightFetches = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "scrapecore_inflight_fetches",
			Help: "Number of fetches currently holding an admission slot.",
		},
	)

	loginAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scrapecore_login_attempts_total",
			Help: "Total login negotiations, labeled by outcome.",
		},
		[]string{"outcome"},
	)
)

// ObserveFetch records one completed fetch.
func ObserveFetch(target, class string, duration time.Duration) {
	fetchesTotal.WithLabelValues(target, class).Inc()
	fetchDurationSeconds.WithLabelValues(target).Observe(duration.Seconds())
}

// ObserveAdmissionDelay records how long admission stalled a fetch.
func ObserveAdmissionDelay(target string, delay time.Duration) {
	if delay <= 0 {
		return
	}
	admissionDelaySeconds.WithLabelValues(target).Observe(delay.Seconds())
}

// FetchStarted and FetchFinished bracket the in-flight gauge.
func FetchStarted() { inflightFetches.Inc() }
func FetchFinished() { inflightFetches.Dec() }

// ObserveLogin records a login negotiation outcome.
func ObserveLogin(outcome string) {
	loginAttemptsTotal.WithLabelValues(outcome).Inc()
}

// Handler returns the standard Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
