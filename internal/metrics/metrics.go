// Package metrics exposes Prometheus collectors for the pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry        *prometheus.Registry
	attempts        *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
	submitted       prometheus.Counter
	notifications   *prometheus.CounterVec
	recovered       prometheus.Counter
	statusQueries   *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docworker",
			Name:      "attempts_total",
			Help:      "Processing attempts by outcome.",
		}, []string{"outcome", "kind"}),
		attemptDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "docworker",
			Name:      "attempt_duration_seconds",
			Help:      "Wall time of a processing attempt.",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"outcome"}),
		submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "docworker",
			Name:      "jobs_submitted_total",
			Help:      "Jobs created and enqueued.",
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docworker",
			Name:      "notifications_total",
			Help:      "Notifications published by status and result.",
		}, []string{"status", "result"}),
		recovered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "docworker",
			Name:      "jobs_recovered_total",
			Help:      "Stale jobs re-enqueued by the recovery sweep.",
		}),
		statusQueries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docworker",
			Name:      "status_queries_total",
			Help:      "Status queries by returned status.",
		}, []string{"status"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.attempts,
		m.attemptDuration,
		m.submitted,
		m.notifications,
		m.recovered,
		m.statusQueries,
	)
	return m
}

// Nil-safe recorders so callers can pass a nil *Metrics in tests.

func (m *Metrics) ObserveAttempt(outcome, kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(outcome, kind).Inc()
	m.attemptDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (m *Metrics) Submitted() {
	if m == nil {
		return
	}
	m.submitted.Inc()
}

func (m *Metrics) Notification(status string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.notifications.WithLabelValues(status, result).Inc()
}

func (m *Metrics) Recovered(n int) {
	if m == nil {
		return
	}
	m.recovered.Add(float64(n))
}

func (m *Metrics) StatusQuery(status string) {
	if m == nil {
		return
	}
	m.statusQueries.WithLabelValues(status).Inc()
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
