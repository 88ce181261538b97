// Package metrics exposes Prometheus collectors for the scrape service.
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
	scrapeRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagecache_scrape_requests_total",
			Help: "Scrape submissions, labeled by outcome (created, cached, conflict, invalid, error).",
		},
		[]string{"outcome"},
	)

	jobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagecache_jobs_total",
			Help: "Jobs that reached a terminal status, labeled by status and error code.",
		},
		[]string{"status", "code"},
	)

	blobsOffloadedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagecache_blobs_offloaded_total",
			Help: "Content fields written to the blob store, labeled by field.",
		},
		[]string{"field"},
	)

	blobBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pagecache_blob_bytes_total",
			Help: "Bytes written to the blob store.",
		},
	)

	providerDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pagecache_provider_duration_seconds",
			Help:    "Latency of provider scrape calls, labeled by outcome.",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"outcome"},
	)

	sweepJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagecache_sweep_jobs_total",
			Help: "Jobs handled by sweeps, labeled by sweep and result.",
		},
		[]string{"sweep", "result"},
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
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)

	activeWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pagecache_active_workers",
			Help: "Number of workers currently executing a job.",
		},
	)

	rateLimitedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagecache_rate_limited_total",
			Help: "Provider calls made while the target domain was over its advisory budget.",
		},
		[]string{"domain"},
	)
)

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveScrapeRequest counts a scrape submission.
func ObserveScrapeRequest(outcome string) {
	scrapeRequestsTotal.WithLabelValues(outcome).Inc()
}

// ObserveJob counts a terminal transition.
func ObserveJob(status, code string) {
	jobsTotal.WithLabelValues(status, code).Inc()
}

// ObserveOffload counts one field written to the blob store.
func ObserveOffload(field string, size int) {
	blobsOffloadedTotal.WithLabelValues(field).Inc()
	if size > 0 {
		blobBytesTotal.Add(float64(size))
	}
}

// ObserveProviderCall records a provider round trip.
func ObserveProviderCall(outcome string, duration time.Duration) {
	providerDurationSeconds.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ObserveSweep adds n jobs to a sweep result counter.
func ObserveSweep(sweep, result string, n int) {
	if n <= 0 {
		return
	}
	sweepJobsTotal.WithLabelValues(sweep, result).Add(float64(n))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	activeWorkers.Dec()
}

// ObserveRateLimited counts a call made over the advisory budget.
func ObserveRateLimited(domain string) {
	rateLimitedTotal.WithLabelValues(domain).Inc()
}
