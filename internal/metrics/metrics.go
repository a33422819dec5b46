// Package metrics exposes Prometheus collectors for the scanner service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Strategy labels the acquisition strategy of a fetch.
type Strategy string

const (
	// StrategyRendered labels headless browser fetches.
	StrategyRendered Strategy = "rendered"
	// StrategySimple labels plain HTTP fetches.
	StrategySimple Strategy = "simple"
)

var (
	scansTotal                 *prometheus.CounterVec
	scanScore                  prometheus.Histogram
	fetchTotal                 *prometheus.CounterVec
	blockedRequestsTotal       *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	jobsTotal                  *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	rateLimitDelaySeconds      *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		scansTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagerisk_scans_total",
				Help: "Total number of completed scans, labeled by verdict.",
			},
			[]string{"verdict"},
		)

		scanScore = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pagerisk_scan_score",
				Help:    "Distribution of final risk scores.",
				Buckets: []float64{0, 10, 20, 35, 50, 70, 85, 100},
			},
		)

		fetchTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagerisk_fetch_total",
				Help: "Total number of fetch attempts, labeled by method and outcome.",
			},
			[]string{"method", "outcome"},
		)

		blockedRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagerisk_blocked_requests_total",
				Help: "Requests refused by the target policy during acquisition, labeled by method.",
			},
			[]string{"method"},
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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 30},
			},
			[]string{"method", "route"},
		)

		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagerisk_jobs_total",
				Help: "Total number of jobs processed, labeled by status.",
			},
			[]string{"status"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "pagerisk_active_workers",
				Help: "Number of workers currently processing a job.",
			},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pagerisk_rate_limit_delay_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveScan records a completed analysis.
func ObserveScan(verdict string, score int) {
	Init()
	scansTotal.WithLabelValues(verdict).Inc()
	scanScore.Observe(float64(score))
}

// ObserveFetch records the outcome of one acquisition strategy attempt.
func ObserveFetch(method Strategy, outcome string) {
	Init()
	fetchTotal.WithLabelValues(string(method), outcome).Inc()
}

// ObserveBlockedRequest records a redirect, dial or browser request refused
// by the target policy.
func ObserveBlockedRequest(method Strategy) {
	Init()
	blockedRequestsTotal.WithLabelValues(string(method)).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveJob increments the job counter for the given status.
func ObserveJob(status string) {
	Init()
	jobsTotal.WithLabelValues(status).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(domain).Observe(duration.Seconds())
}
