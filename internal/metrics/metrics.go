// Package metrics exposes Prometheus collectors for the acquisition service.
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
	pagesTotal                 *prometheus.CounterVec
	jobsTotal                  *prometheus.CounterVec
	stageDurationSeconds       *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	browserTabsInUse           prometheus.Gauge
	browserTabWaitSeconds      prometheus.Histogram
	activeWorkers              prometheus.Gauge
	queueRedeliveriesTotal     *prometheus.CounterVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	robotsFetchTotal           *prometheus.CounterVec
	billingUnitsTotal          *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		pagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pageacq_pages_total",
				Help: "Total number of pages acquired, labeled by site and outcome code.",
			},
			[]string{"site", "code"},
		)

		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pageacq_jobs_total",
				Help: "Total number of jobs reaching a terminal status, labeled by kind and status.",
			},
			[]string{"kind", "status"},
		)

		stageDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pageacq_stage_duration_seconds",
				Help:    "Histogram of page pipeline stage durations, labeled by stage and outcome.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"stage", "outcome"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pageacq_http_requests_total",
				Help: "Total number of HTTP requests, labeled by method, route pattern and code.",
			},
			[]string{"method", "route", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pageacq_http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		browserTabsInUse = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "pageacq_browser_leases_in_use",
				Help: "Number of browser leases currently held.",
			},
		)

		browserTabWaitSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pageacq_browser_tab_wait_seconds",
				Help:    "Histogram of time spent waiting for a free browser tab.",
				Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 60},
			},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "pageacq_active_workers",
				Help: "Number of workers currently processing a queue item.",
			},
		)

		queueRedeliveriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pageacq_queue_redeliveries_total",
				Help: "Total number of queue items returned for redelivery, labeled by kind.",
			},
			[]string{"kind"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pageacq_rate_limit_delays_seconds",
				Help:    "Histogram of per-host politeness wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		robotsFetchTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pageacq_robots_fetch_total",
				Help: "Total robots.txt fetches, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		billingUnitsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pageacq_billing_units_total",
				Help: "Total quota units moved through the ledger, labeled by operation.",
			},
			[]string{"operation"},
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

// ObservePage counts one acquired page. An empty code means success.
func ObservePage(site, code string) {
	Init()
	if code == "" {
		code = "ok"
	}
	pagesTotal.WithLabelValues(SanitizeSite(site), code).Inc()
}

// ObserveJob counts a job reaching a terminal status.
func ObserveJob(kind, status string) {
	Init()
	jobsTotal.WithLabelValues(kind, status).Inc()
}

// ObserveStage records the duration of one pipeline stage.
func ObserveStage(stage string, duration time.Duration, err error) {
	Init()
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	stageDurationSeconds.WithLabelValues(stage, outcome).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveTabLease records a tab lease and how long the caller waited for it.
func ObserveTabLease(wait time.Duration) {
	Init()
	browserTabsInUse.Inc()
	browserTabWaitSeconds.Observe(wait.Seconds())
}

// ObserveTabRelease records a tab returning to the pool.
func ObserveTabRelease() {
	Init()
	browserTabsInUse.Dec()
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

// ObserveRedelivery counts a queue item handed back for retry.
func ObserveRedelivery(kind string) {
	Init()
	queueRedeliveriesTotal.WithLabelValues(kind).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveRobotsFetch counts a robots.txt fetch outcome.
func ObserveRobotsFetch(outcome string) {
	Init()
	robotsFetchTotal.WithLabelValues(outcome).Inc()
}

// ObserveBilling records units deducted or refunded.
func ObserveBilling(operation string, units int64) {
	Init()
	if units <= 0 {
		return
	}
	billingUnitsTotal.WithLabelValues(operation).Add(float64(units))
}
