package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMetrics(t *testing.T) *ReviewMetrics {
	t.Helper()
	m, err := NewReviewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	return m
}

func TestNewReviewMetrics_DoubleRegistration(t *testing.T) {
	registry := prometheus.NewRegistry()
	_, err := NewReviewMetrics(registry)
	require.NoError(t, err)

	_, err = NewReviewMetrics(registry)
	assert.Error(t, err)
}

func TestReviewMetrics_ObserveSave(t *testing.T) {
	m := newTestMetrics(t)

	m.ObserveSave("success", "", 120*time.Millisecond)
	m.ObserveSave("failure", "compose", 40*time.Millisecond)
	m.ObserveSave("failure", "compose", 30*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.savesTotal.WithLabelValues("success", "none")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.savesTotal.WithLabelValues("failure", "compose")))
}

func TestReviewMetrics_Gauges(t *testing.T) {
	m := newTestMetrics(t)

	m.SetActiveSessions(3)
	m.EventStreamOpened()
	m.EventStreamOpened()
	m.EventStreamClosed()
	m.ObserveImageFetch(nil)
	m.ObserveImageFetch(errors.New("timeout"))
	m.IncrementSubmissions()
	m.ObserveFindings(2, 1)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.activeSessions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.eventStreams))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.imageFetchTotal.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.submissionsTotal))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.findingsTotal.WithLabelValues("general")))
}

func TestReviewMetrics_Handler(t *testing.T) {
	m := newTestMetrics(t)
	m.ObserveHTTPRequest(http.MethodGet, "/health", http.StatusOK, time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `http_requests_total{method="GET",route="/health",status="200"} 1`)
}
