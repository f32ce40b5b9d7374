// Package metrics exposes Prometheus collectors for the scheduling engine.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	schedulerJobsTotal         *prometheus.CounterVec
	schedulerRunSeconds        *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	admissionPushesTotal       *prometheus.CounterVec
	slotDenialsTotal           *prometheus.CounterVec
	heartbeatFailuresTotal     prometheus.Counter
	breakerDisablesTotal       prometheus.Counter
	schedulerActiveWorkers     prometheus.Gauge

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		schedulerJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scheduler_jobs_total",
				Help: "Total number of crawl jobs finished, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		schedulerRunSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scheduler_run_duration_seconds",
				Help:    "Histogram of crawl run durations, labeled by site.",
				Buckets: []float64{1, 5, 15, 60, 300, 900, 3600},
			},
			[]string{"site"},
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

		admissionPushesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scheduler_admission_pushes_total",
				Help: "Total number of jobs pushed into the admission buffer, labeled by result.",
			},
			[]string{"result"},
		)

		slotDenialsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scheduler_slot_denials_total",
				Help: "Total number of tenant concurrency slot denials.",
			},
			[]string{"tenant"},
		)

		heartbeatFailuresTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "scheduler_heartbeat_failures_total",
				Help: "Total number of jobs abandoned after heartbeat failure.",
			},
		)

		breakerDisablesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "scheduler_breaker_disables_total",
				Help: "Total number of targets disabled by the failure breaker.",
			},
		)

		schedulerActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scheduler_active_workers",
				Help: "Number of workers currently processing a job.",
			},
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

// Middleware records request counts and latencies for every routed request.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		ObserveHTTPRequest(r.Method, route, rec.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveJob increments the job counter for the given outcome.
func ObserveJob(outcome string) {
	schedulerJobsTotal.WithLabelValues(outcome).Inc()
}

// ObserveRunDuration records how long a crawl run took end to end.
func ObserveRunDuration(site string, duration time.Duration) {
	schedulerRunSeconds.WithLabelValues(SanitizeSite(site)).Observe(duration.Seconds())
}

// ObserveAdmissionPush increments the admission buffer counter.
func ObserveAdmissionPush(result string) {
	admissionPushesTotal.WithLabelValues(result).Inc()
}

// ObserveSlotDenial increments the per-tenant slot denial counter.
func ObserveSlotDenial(tenantID string) {
	slotDenialsTotal.WithLabelValues(tenantID).Inc()
}

// ObserveHeartbeatFailure increments the heartbeat failure counter.
func ObserveHeartbeatFailure() {
	heartbeatFailuresTotal.Inc()
}

// ObserveBreakerDisable increments the breaker disable counter.
func ObserveBreakerDisable() {
	breakerDisablesTotal.Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	schedulerActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	schedulerActiveWorkers.Dec()
}
