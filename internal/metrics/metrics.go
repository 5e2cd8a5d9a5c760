// Package metrics exposes Prometheus collectors for the artifact service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JakeFAU/webchain-artifacts/internal/artifact"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	cacheLookupsTotal          *prometheus.CounterVec
	produceTotal               *prometheus.CounterVec
	produceDurationSeconds     *prometheus.HistogramVec
	policyRejectionsTotal      *prometheus.CounterVec
	limiterInUse               prometheus.Gauge
	vacuumRemovedTotal         *prometheus.CounterVec
	cacheEntries               *prometheus.GaugeVec
	allowListRefreshTotal      *prometheus.CounterVec
	browserLaunchesTotal       *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
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

		cacheLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "artifact_cache_lookups_total",
				Help: "Cache lookups, labeled by artifact kind and HIT/STALE/MISS status.",
			},
			[]string{"kind", "status"},
		)

		produceTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "artifact_produce_total",
				Help: "Producer executions, labeled by artifact kind and outcome.",
			},
			[]string{"kind", "outcome"},
		)

		produceDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "artifact_produce_duration_seconds",
				Help:    "Histogram of producer latencies, labeled by artifact kind.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30},
			},
			[]string{"kind"},
		)

		policyRejectionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "artifact_policy_rejections_total",
				Help: "Requests rejected by the allow-list or robots policy.",
			},
			[]string{"kind", "reason"},
		)

		limiterInUse = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "artifact_screenshot_slots_in_use",
				Help: "Number of screenshot permits currently held.",
			},
		)

		vacuumRemovedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "artifact_vacuum_removed_total",
				Help: "Cache files removed by the janitor, labeled by kind and reason.",
			},
			[]string{"kind", "reason"},
		)

		cacheEntries = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "artifact_cache_entries",
				Help: "Number of index entries per cache after the last vacuum.",
			},
			[]string{"kind"},
		)

		allowListRefreshTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "artifact_allowlist_refresh_total",
				Help: "Allow-list refresh attempts, labeled by result.",
			},
			[]string{"result"},
		)

		browserLaunchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "artifact_browser_launches_total",
				Help: "Headless browser launches, labeled by result.",
			},
			[]string{"result"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// SetSlotsInUse reports the number of held screenshot permits.
func SetSlotsInUse(n int64) {
	limiterInUse.Set(float64(n))
}

// ObserveVacuum records one janitor pass over a cache.
func ObserveVacuum(kind artifact.Kind, expired, orphans, remaining int) {
	vacuumRemovedTotal.WithLabelValues(string(kind), "expired").Add(float64(expired))
	vacuumRemovedTotal.WithLabelValues(string(kind), "orphan").Add(float64(orphans))
	cacheEntries.WithLabelValues(string(kind)).Set(float64(remaining))
}

// ObserveAllowListRefresh counts an allow-list refresh attempt.
func ObserveAllowListRefresh(result string) {
	allowListRefreshTotal.WithLabelValues(result).Inc()
}

// ObserveBrowserLaunch counts a browser launch attempt.
func ObserveBrowserLaunch(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	browserLaunchesTotal.WithLabelValues(result).Inc()
}

// Recorder implements artifact.Recorder on top of the package collectors.
type Recorder struct{}

// NewRecorder initializes the collectors and returns a Recorder.
func NewRecorder() Recorder {
	Init()
	return Recorder{}
}

// CacheLookup implements artifact.Recorder.
func (Recorder) CacheLookup(kind artifact.Kind, status artifact.CacheStatus) {
	cacheLookupsTotal.WithLabelValues(string(kind), string(status)).Inc()
}

// ProduceOutcome implements artifact.Recorder.
func (Recorder) ProduceOutcome(kind artifact.Kind, outcome string, elapsed time.Duration) {
	produceTotal.WithLabelValues(string(kind), outcome).Inc()
	produceDurationSeconds.WithLabelValues(string(kind)).Observe(elapsed.Seconds())
}

// PolicyRejection implements artifact.Recorder.
func (Recorder) PolicyRejection(kind artifact.Kind, reason string) {
	policyRejectionsTotal.WithLabelValues(string(kind), reason).Inc()
}
