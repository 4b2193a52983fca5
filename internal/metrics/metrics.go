// Package metrics provides Prometheus metrics for the review server.
package metrics

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ReviewMetrics contains all Prometheus metrics of the review server.
type ReviewMetrics struct {
	registry *prometheus.Registry

	savesTotal    *prometheus.CounterVec
	saveDuration  *prometheus.HistogramVec
	findingsTotal *prometheus.CounterVec

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	activeSessions   prometheus.Gauge
	eventStreams     prometheus.Gauge
	imageFetchTotal  *prometheus.CounterVec
	submissionsTotal prometheus.Counter
}

// NewReviewMetrics creates and registers the review metrics.
func NewReviewMetrics(registry *prometheus.Registry) (*ReviewMetrics, error) {
	m := &ReviewMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register review metrics: %w", err)
	}
	return m, nil
}

func (m *ReviewMetrics) initMetrics() {
	m.savesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "review_saves_total",
		Help: "Total number of review save attempts by outcome and failing stage.",
	}, []string{"outcome", "stage"})

	m.saveDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "review_save_duration_seconds",
		Help:    "Duration of review saves in seconds.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"outcome"})

	m.findingsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "review_findings_total",
		Help: "Total number of findings produced by the notes classifier.",
	}, []string{"kind"})

	m.httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "route", "status"})

	m.httpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	m.activeSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "review_sessions_active",
		Help: "Number of open annotation sessions.",
	})

	m.eventStreams = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "review_event_streams_active",
		Help: "Number of connected surface event streams.",
	})

	m.imageFetchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "image_fetch_total",
		Help: "Total number of background image loads by result.",
	}, []string{"result"})

	m.submissionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "submissions_created_total",
		Help: "Total number of submissions created.",
	})
}

// ObserveSave records one save attempt.
func (m *ReviewMetrics) ObserveSave(outcome string, stage string, duration time.Duration) {
	if stage == "" {
		stage = "none"
	}
	m.savesTotal.WithLabelValues(outcome, stage).Inc()
	m.saveDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ObserveFindings records classifier output sizes.
func (m *ReviewMetrics) ObserveFindings(general, recommendations int) {
	m.findingsTotal.WithLabelValues("general").Add(float64(general))
	m.findingsTotal.WithLabelValues("recommendation").Add(float64(recommendations))
}

// ObserveHTTPRequest records one HTTP request.
func (m *ReviewMetrics) ObserveHTTPRequest(method, route string, status int, duration time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	m.httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// SetActiveSessions updates the open session gauge.
func (m *ReviewMetrics) SetActiveSessions(n int) {
	m.activeSessions.Set(float64(n))
}

// EventStreamOpened increments the connected event stream gauge.
func (m *ReviewMetrics) EventStreamOpened() {
	m.eventStreams.Inc()
}

// EventStreamClosed decrements the connected event stream gauge.
func (m *ReviewMetrics) EventStreamClosed() {
	m.eventStreams.Dec()
}

// ObserveImageFetch records a background image load result.
func (m *ReviewMetrics) ObserveImageFetch(err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	m.imageFetchTotal.WithLabelValues(result).Inc()
}

// IncrementSubmissions increments the created submission counter.
func (m *ReviewMetrics) IncrementSubmissions() {
	m.submissionsTotal.Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *ReviewMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Describe implements the prometheus.Collector interface.
func (m *ReviewMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.savesTotal.Describe(ch)
	m.saveDuration.Describe(ch)
	m.findingsTotal.Describe(ch)
	m.httpRequestsTotal.Describe(ch)
	m.httpRequestDuration.Describe(ch)
	m.activeSessions.Describe(ch)
	m.eventStreams.Describe(ch)
	m.imageFetchTotal.Describe(ch)
	m.submissionsTotal.Describe(ch)
}

// Collect implements the prometheus.Collector interface.
func (m *ReviewMetrics) Collect(ch chan<- prometheus.Metric) {
	m.savesTotal.Collect(ch)
	m.saveDuration.Collect(ch)
	m.findingsTotal.Collect(ch)
	m.httpRequestsTotal.Collect(ch)
	m.httpRequestDuration.Collect(ch)
	m.activeSessions.Collect(ch)
	m.eventStreams.Collect(ch)
	m.imageFetchTotal.Collect(ch)
	m.submissionsTotal.Collect(ch)
}
