// Package metrics provides Prometheus metrics for the session lifecycle.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nextkey/keyadmin/pkg/constants"
)

// Refresh triggers.
const (
	TriggerProactive = "proactive"
	TriggerReactive  = "reactive"
	TriggerManual    = "manual"
)

// Request outcomes.
const (
	OutcomeSuccess   = "success"
	OutcomeBusiness  = "business_error"
	OutcomeTransport = "transport_error"
	OutcomeAuth      = "auth_error"
)

// Metrics holds all Prometheus metrics for the client. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	RefreshesTotal      *prometheus.CounterVec
	RefreshDuration     prometheus.Histogram
	RefreshWaitersTotal prometheus.Counter
	RequestsTotal       *prometheus.CounterVec
	RetriesTotal        prometheus.Counter
	SessionsEnded       *prometheus.CounterVec
	Authenticated       prometheus.Gauge

	registry *prometheus.Registry
}

// New creates and registers all metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		RefreshesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: constants.MetricsNamespace,
				Name:      "token_refreshes_total",
				Help:      "Refresh network calls by trigger and result.",
			},
			[]string{"trigger", "result"},
		),
		RefreshDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: constants.MetricsNamespace,
				Name:      "token_refresh_duration_seconds",
				Help:      "Duration of refresh network calls.",
				Buckets:   prometheus.DefBuckets,
			},
		),
		RefreshWaitersTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: constants.MetricsNamespace,
				Name:      "token_refresh_waiters_total",
				Help:      "Callers that joined an in-flight refresh instead of starting one.",
			},
		),
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: constants.MetricsNamespace,
				Name:      "requests_total",
				Help:      "Gateway requests by outcome.",
			},
			[]string{"outcome"},
		),
		RetriesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: constants.MetricsNamespace,
				Name:      "request_retries_total",
				Help:      "Requests redispatched after a refresh.",
			},
		),
		SessionsEnded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: constants.MetricsNamespace,
				Name:      "sessions_ended_total",
				Help:      "Session terminations by reason.",
			},
			[]string{"reason"},
		),
		Authenticated: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: constants.MetricsNamespace,
				Name:      "authenticated",
				Help:      "1 while a session is held.",
			},
		),
		registry: reg,
	}

	reg.MustRegister(m.RefreshesTotal)
	reg.MustRegister(m.RefreshDuration)
	reg.MustRegister(m.RefreshWaitersTotal)
	reg.MustRegister(m.RequestsTotal)
	reg.MustRegister(m.RetriesTotal)
	reg.MustRegister(m.SessionsEnded)
	reg.MustRegister(m.Authenticated)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordRefresh counts one refresh call and its duration.
func (m *Metrics) RecordRefresh(trigger string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.RefreshesTotal.WithLabelValues(trigger, result).Inc()
	m.RefreshDuration.Observe(elapsed.Seconds())
}

// RecordWaiter counts a caller queued behind an in-flight refresh.
func (m *Metrics) RecordWaiter() {
	if m == nil {
		return
	}
	m.RefreshWaitersTotal.Inc()
}

// RecordRequest counts a gateway request outcome.
func (m *Metrics) RecordRequest(outcome string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(outcome).Inc()
}

// RecordRetry counts a redispatch after refresh.
func (m *Metrics) RecordRetry() {
	if m == nil {
		return
	}
	m.RetriesTotal.Inc()
}

// RecordSessionEnded counts a session termination.
func (m *Metrics) RecordSessionEnded(reason string) {
	if m == nil {
		return
	}
	m.SessionsEnded.WithLabelValues(reason).Inc()
}

// SetAuthenticated tracks whether a session is held.
func (m *Metrics) SetAuthenticated(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.Authenticated.Set(1)
	} else {
		m.Authenticated.Set(0)
	}
}
