// Package metrics exposes Prometheus instrumentation for the coordinator.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/bhandras/dumiverse/internal/session"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dumiverse"

// Metrics owns a private registry and the coordinator's collectors. It
// implements session.Recorder.
type Metrics struct {
	registry *prometheus.Registry

	sessionOpen    prometheus.Gauge
	sessionsOpened prometheus.Counter
	sessionsClosed prometheus.Counter
	renders        *prometheus.CounterVec
	renderSeconds  prometheus.Histogram
	requests       *prometheus.CounterVec
	requestSeconds *prometheus.HistogramVec
}

// New builds and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sessionOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_open",
			Help:      "Whether a client currently holds the connection.",
		}),
		sessionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_opened_total",
			Help:      "Connections admitted.",
		}),
		sessionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_closed_total",
			Help:      "Connections torn down.",
		}),
		renders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "renders_total",
			Help:      "Render jobs by final status.",
		}, []string{"status"}),
		renderSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "render_duration_seconds",
			Help:      "Time from dispatch to completion marker.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		requestSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.sessionOpen,
		m.sessionsOpened,
		m.sessionsClosed,
		m.renders,
		m.renderSeconds,
		m.requests,
		m.requestSeconds,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SessionOpened implements session.Recorder.
func (m *Metrics) SessionOpened() {
	m.sessionOpen.Set(1)
	m.sessionsOpened.Inc()
}

// SessionClosed implements session.Recorder.
func (m *Metrics) SessionClosed() {
	m.sessionOpen.Set(0)
	m.sessionsClosed.Inc()
}

// RenderFinished implements session.Recorder.
func (m *Metrics) RenderFinished(status session.JobStatus, elapsed time.Duration) {
	m.renders.WithLabelValues(string(status)).Inc()
	if status != session.JobDispatchFailed {
		m.renderSeconds.Observe(elapsed.Seconds())
	}
}

// Middleware records request counts and latencies. Unmatched routes are
// grouped under a single label.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.requests.WithLabelValues(route, strconv.Itoa(c.Writer.Status())).Inc()
		m.requestSeconds.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}
