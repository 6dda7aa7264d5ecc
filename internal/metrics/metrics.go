// Package metrics exposes Prometheus collectors for the SOV service.
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
	runsTotal                  *prometheus.CounterVec
	extractionsTotal           *prometheus.CounterVec
	extractionDurationSeconds  *prometheus.HistogramVec
	embeddingRequestsTotal     *prometheus.CounterVec
	visionRequestsTotal        *prometheus.CounterVec
	visionTokensTotal          prometheus.Counter
	browserRecyclesTotal       prometheus.Counter
	browserLaunchFailuresTotal prometheus.Counter
	activeExtractions          prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus collectors. Safe to call multiple times.
func Init() {
	once.Do(func() {
		runsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sov_runs_total",
				Help: "Total number of analysis runs, labeled by terminal status.",
			},
			[]string{"status"},
		)

		extractionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sov_extractions_total",
				Help: "Total number of content extractions, labeled by category and outcome.",
			},
			[]string{"category", "outcome"},
		)

		extractionDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sov_extraction_duration_seconds",
				Help:    "Histogram of per-exposure extraction latencies by category.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 45},
			},
			[]string{"category"},
		)

		embeddingRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sov_embedding_requests_total",
				Help: "Total embedding API calls, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		visionRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sov_vision_requests_total",
				Help: "Total vision transcription calls, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		visionTokensTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "sov_vision_tokens_total",
				Help: "Total tokens consumed by vision transcription calls.",
			},
		)

		browserRecyclesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "sov_browser_recycles_total",
				Help: "Times the shared browser process was recycled after hitting its usage ceiling.",
			},
		)

		browserLaunchFailuresTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "sov_browser_launch_failures_total",
				Help: "Times the headless browser failed to launch.",
			},
		)

		activeExtractions = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "sov_active_extractions",
				Help: "Number of exposures currently in the extraction stage.",
			},
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

// SanitizeSite extracts a lowercase hostname for use as a label value.
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

// ObserveRun increments the run counter for the given terminal status.
func ObserveRun(status string) {
	if runsTotal == nil {
		return
	}
	runsTotal.WithLabelValues(status).Inc()
}

// ObserveExtraction records one extraction attempt outcome and latency.
func ObserveExtraction(category, outcome string, duration time.Duration) {
	if extractionsTotal == nil {
		return
	}
	extractionsTotal.WithLabelValues(category, outcome).Inc()
	extractionDurationSeconds.WithLabelValues(category).Observe(duration.Seconds())
}

// ObserveEmbedding increments the embedding call counter.
func ObserveEmbedding(outcome string) {
	if embeddingRequestsTotal == nil {
		return
	}
	embeddingRequestsTotal.WithLabelValues(outcome).Inc()
}

// ObserveVision records one vision transcription call and its token usage.
func ObserveVision(outcome string, tokens int) {
	if visionRequestsTotal == nil {
		return
	}
	visionRequestsTotal.WithLabelValues(outcome).Inc()
	if tokens > 0 {
		visionTokensTotal.Add(float64(tokens))
	}
}

// IncBrowserRecycles increments the browser recycle counter.
func IncBrowserRecycles() {
	if browserRecyclesTotal == nil {
		return
	}
	browserRecyclesTotal.Inc()
}

// IncBrowserLaunchFailures increments the browser launch failure counter.
func IncBrowserLaunchFailures() {
	if browserLaunchFailuresTotal == nil {
		return
	}
	browserLaunchFailuresTotal.Inc()
}

// IncActiveExtractions increments the in-flight extraction gauge.
func IncActiveExtractions() {
	if activeExtractions == nil {
		return
	}
	activeExtractions.Inc()
}

// DecActiveExtractions decrements the in-flight extraction gauge.
func DecActiveExtractions() {
	if activeExtractions == nil {
		return
	}
	activeExtractions.Dec()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
