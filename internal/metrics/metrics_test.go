package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_New(t *testing.T) {
	m := New()
	assert.NotNil(t, m.SubmissionsTotal)
	assert.NotNil(t, m.WebhooksTotal)
	assert.NotNil(t, m.PushesTotal)
	assert.NotNil(t, m.PendingWaiters)
	assert.NotNil(t, m.LiveConnections)
}

func TestMetrics_RecordSubmission(t *testing.T) {
	m := New()
	m.RecordSubmission("ok")
	m.RecordSubmission("ok")
	m.RecordSubmission("upstream_error")

	body := getMetricsBody(t, m)
	assert.Contains(t, body, `relay_submissions_total{status="ok"} 2`)
	assert.Contains(t, body, `relay_submissions_total{status="upstream_error"} 1`)
}

func TestMetrics_RecordWebhook(t *testing.T) {
	m := New()
	m.RecordWebhook("resolved")
	m.RecordWebhook("routing_miss")

	body := getMetricsBody(t, m)
	assert.Contains(t, body, `relay_webhooks_total{outcome="resolved"} 1`)
	assert.Contains(t, body, `relay_webhooks_total{outcome="routing_miss"} 1`)
}

func TestMetrics_RecordPush(t *testing.T) {
	m := New()
	m.RecordPush("acked")
	m.RecordPush("acked")
	m.RecordPush("timeout")

	body := getMetricsBody(t, m)
	assert.Contains(t, body, `relay_pushes_total{result="acked"} 2`)
	assert.Contains(t, body, `relay_pushes_total{result="timeout"} 1`)
}

func TestMetrics_Gauges(t *testing.T) {
	m := New()
	m.PendingWaiters.Set(4)
	m.LiveConnections.Inc()
	m.LiveConnections.Inc()

	body := getMetricsBody(t, m)
	assert.Contains(t, body, "relay_pending_waiters 4")
	assert.Contains(t, body, "relay_live_connections 2")
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	handler := m.Handler()
	assert.NotNil(t, handler)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func getMetricsBody(t *testing.T, m *Metrics) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	body, _ := io.ReadAll(rr.Body)
	return strings.TrimSpace(string(body))
}
