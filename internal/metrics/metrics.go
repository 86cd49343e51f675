// Package metrics provides Prometheus metrics for the chat relay.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the relay.
type Metrics struct {
	SubmissionsTotal  *prometheus.CounterVec
	SubmitDuration    prometheus.Histogram
	WebhooksTotal     *prometheus.CounterVec
	PushesTotal       *prometheus.CounterVec
	TokenRefreshTotal *prometheus.CounterVec
	PendingWaiters    prometheus.Gauge
	LiveConnections   prometheus.Gauge

	registry *prometheus.Registry
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		SubmissionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_submissions_total",
				Help: "Total message submissions to the provider by status.",
			},
			[]string{"status"},
		),
		SubmitDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "relay_submit_duration_seconds",
				Help:    "Provider submission round-trip duration.",
				Buckets: prometheus.DefBuckets,
			},
		),
		WebhooksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_webhooks_total",
				Help: "Total inbound provider webhooks by outcome.",
			},
			[]string{"outcome"},
		),
		PushesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_pushes_total",
				Help: "Total realtime pushes by result.",
			},
			[]string{"result"},
		),
		TokenRefreshTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_token_refresh_total",
				Help: "Total provider token refreshes by trigger.",
			},
			[]string{"trigger"},
		),
		PendingWaiters: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_pending_waiters",
				Help: "Number of registered pending webhook waiters.",
			},
		),
		LiveConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_live_connections",
				Help: "Number of live realtime connections.",
			},
		),
		registry: reg,
	}

	reg.MustRegister(m.SubmissionsTotal)
	reg.MustRegister(m.SubmitDuration)
	reg.MustRegister(m.WebhooksTotal)
	reg.MustRegister(m.PushesTotal)
	reg.MustRegister(m.TokenRefreshTotal)
	reg.MustRegister(m.PendingWaiters)
	reg.MustRegister(m.LiveConnections)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordSubmission increments the submission counter.
func (m *Metrics) RecordSubmission(status string) {
	m.SubmissionsTotal.WithLabelValues(status).Inc()
}

// RecordWebhook increments the webhook counter.
func (m *Metrics) RecordWebhook(outcome string) {
	m.WebhooksTotal.WithLabelValues(outcome).Inc()
}

// RecordPush increments the push counter.
func (m *Metrics) RecordPush(result string) {
	m.PushesTotal.WithLabelValues(result).Inc()
}

// RecordTokenRefresh increments the token refresh counter.
func (m *Metrics) RecordTokenRefresh(trigger string) {
	m.TokenRefreshTotal.WithLabelValues(trigger).Inc()
}

// ObserveSubmitDuration records a provider round-trip duration.
func (m *Metrics) ObserveSubmitDuration(seconds float64) {
	m.SubmitDuration.Observe(seconds)
}
