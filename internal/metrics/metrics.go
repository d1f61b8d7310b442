// Package metrics exposes Prometheus collectors for the worker and controller.
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
	tasksTotal                 *prometheus.CounterVec
	queueDepth                 prometheus.Gauge
	queueActive                prometheus.Gauge
	scrapeJobsTotal            *prometheus.CounterVec
	relaxationsTotal           *prometheus.CounterVec
	callbackAttemptsTotal      *prometheus.CounterVec
	deadLettersTotal           *prometheus.CounterVec
	reconcilerCallbacksTotal   *prometheus.CounterVec
	autoscoreTotal             *prometheus.CounterVec
	executorPagesTotal         *prometheus.CounterVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		tasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobscout_tasks_total",
				Help: "Task queue events, labeled by outcome (enqueued, rejected, completed, failed, timed_out).",
			},
			[]string{"outcome"},
		)

		queueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "jobscout_queue_depth",
				Help: "Number of tasks waiting for a free slot.",
			},
		)

		queueActive = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "jobscout_queue_active",
				Help: "Number of tasks currently running.",
			},
		)

		scrapeJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobscout_scrape_jobs_total",
				Help: "Finished scrape jobs, labeled by terminal status and failure type.",
			},
			[]string{"status", "failure_type"},
		)

		relaxationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobscout_relaxations_total",
				Help: "Query relaxation steps applied, labeled by source.",
			},
			[]string{"source"},
		)

		callbackAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobscout_callback_attempts_total",
				Help: "Callback delivery attempts, labeled by result.",
			},
			[]string{"result"},
		)

		deadLettersTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobscout_dead_letters_total",
				Help: "Dead-letter events, labeled by event (written, write_failed, replayed, replay_failed).",
			},
			[]string{"event"},
		)

		reconcilerCallbacksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobscout_reconciler_callbacks_total",
				Help: "Callbacks processed by the controller, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		autoscoreTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobscout_autoscore_total",
				Help: "Auto-score submissions, labeled by result.",
			},
			[]string{"result"},
		)

		executorPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobscout_executor_pages_total",
				Help: "Listing pages fetched by the crawl executor, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "jobscout_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
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

// ObserveTask increments the task queue counter for outcome.
func ObserveTask(outcome string) {
	Init()
	tasksTotal.WithLabelValues(outcome).Inc()
}

// SetQueueState publishes the current queue depth and active count.
func SetQueueState(queued, active int) {
	Init()
	queueDepth.Set(float64(queued))
	queueActive.Set(float64(active))
}

// ObserveScrapeJob records a finished job.
func ObserveScrapeJob(status, failureType string) {
	Init()
	if failureType == "" {
		failureType = "none"
	}
	scrapeJobsTotal.WithLabelValues(status, failureType).Inc()
}

// ObserveRelaxation records one relaxation step for source.
func ObserveRelaxation(source string) {
	Init()
	relaxationsTotal.WithLabelValues(strings.ToLower(source)).Inc()
}

// ObserveCallbackAttempt records one callback delivery attempt.
func ObserveCallbackAttempt(result string) {
	Init()
	callbackAttemptsTotal.WithLabelValues(result).Inc()
}

// ObserveDeadLetter records a dead-letter event.
func ObserveDeadLetter(event string) {
	Init()
	deadLettersTotal.WithLabelValues(event).Inc()
}

// ObserveReconcile records how the controller handled a callback.
func ObserveReconcile(outcome string) {
	Init()
	reconcilerCallbacksTotal.WithLabelValues(outcome).Inc()
}

// ObserveAutoscore records an auto-score result.
func ObserveAutoscore(result string) {
	Init()
	autoscoreTotal.WithLabelValues(result).Inc()
}

// ObservePage records one listing page fetch.
func ObservePage(site string, status string) {
	Init()
	executorPagesTotal.WithLabelValues(SanitizeSite(site), status).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
