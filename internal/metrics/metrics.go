// Package metrics exposes Prometheus collectors for the catalog crawler.
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

var (
	acquisitionsTotal          *prometheus.CounterVec
	navigationAttemptsTotal    *prometheus.CounterVec
	robotsVerdictsTotal        *prometheus.CounterVec
	pagesTotal                 *prometheus.CounterVec
	productsTotal              *prometheus.CounterVec
	imagesTotal                *prometheus.CounterVec
	runsTotal                  *prometheus.CounterVec
	runDurationSeconds         prometheus.Histogram
	quotaRemaining             prometheus.Gauge
	activeWorkers              prometheus.Gauge
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		acquisitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_acquisitions_total",
				Help: "Page acquisitions per egress configuration, labeled by site, egress and outcome.",
			},
			[]string{"site", "egress", "outcome"},
		)

		navigationAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_navigation_attempts_total",
				Help: "Navigation attempts, labeled by egress and outcome.",
			},
			[]string{"egress", "outcome"},
		)

		robotsVerdictsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_robots_verdicts_total",
				Help: "Robots evaluations, labeled by site and verdict.",
			},
			[]string{"site", "verdict"},
		)

		pagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_pages_total",
				Help: "Catalog pages processed, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		productsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_products_total",
				Help: "Products extracted, labeled by site.",
			},
			[]string{"site"},
		)

		imagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_images_total",
				Help: "Product images processed, labeled by status.",
			},
			[]string{"status"},
		)

		runsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_runs_total",
				Help: "Scrape runs, labeled by status.",
			},
			[]string{"status"},
		)

		runDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "catalog_run_duration_seconds",
				Help:    "Histogram of scrape run durations.",
				Buckets: []float64{30, 60, 300, 600, 1800, 3600, 7200},
			},
		)

		quotaRemaining = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "catalog_quota_remaining",
				Help: "Products remaining in the monthly extraction quota.",
			},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "catalog_active_workers",
				Help: "Number of workers currently processing a page.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "catalog_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_http_requests_total",
				Help: "Ops API requests, labeled by method, route and status code.",
			},
			[]string{"method", "route", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "catalog_http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
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
	return promhttp.Handler()
}

// ObserveAcquisition counts one egress configuration attempt for site.
func ObserveAcquisition(site, egress, outcome string) {
	Init()
	acquisitionsTotal.WithLabelValues(SanitizeSite(site), egress, outcome).Inc()
}

// ObserveNavigationAttempt counts one navigation attempt.
func ObserveNavigationAttempt(egress, outcome string) {
	Init()
	navigationAttemptsTotal.WithLabelValues(egress, outcome).Inc()
}

// ObserveRobotsVerdict counts one robots evaluation.
func ObserveRobotsVerdict(site string, disallowed bool) {
	Init()
	verdict := "allowed"
	if disallowed {
		verdict = "disallowed"
	}
	robotsVerdictsTotal.WithLabelValues(SanitizeSite(site), verdict).Inc()
}

// ObservePage counts a processed page and the products it produced.
func ObservePage(site, status string, products int) {
	Init()
	pagesTotal.WithLabelValues(site, status).Inc()
	if products > 0 {
		productsTotal.WithLabelValues(site).Add(float64(products))
	}
}

// ObserveImage counts one image download.
func ObserveImage(status string) {
	Init()
	imagesTotal.WithLabelValues(status).Inc()
}

// ObserveRun records a finished run.
func ObserveRun(status string, duration time.Duration) {
	Init()
	runsTotal.WithLabelValues(status).Inc()
	runDurationSeconds.Observe(duration.Seconds())
}

// SetQuotaRemaining publishes the remaining monthly quota.
func SetQuotaRemaining(remaining int) {
	Init()
	quotaRemaining.Set(float64(remaining))
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
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
