// Package metrics exposes Prometheus instrumentation for the engine.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nodeflow-io/nodeflow/internal/engine"
	"github.com/nodeflow-io/nodeflow/internal/workflow/model"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Execution metrics
	ExecutionsTotal      *prometheus.CounterVec
	ExecutionDuration    *prometheus.HistogramVec
	ExecutionsInProgress prometheus.Gauge

	// Node execution metrics
	NodeExecutionsTotal   *prometheus.CounterVec
	NodeExecutionDuration *prometheus.HistogramVec
	NodeItemsEmitted      *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics on a private
// registry.
func NewMetrics(namespace string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),

		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_total",
				Help:      "Total number of workflow executions by final status",
			},
			[]string{"status", "mode"},
		),
		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "execution_duration_seconds",
				Help:      "Workflow execution duration in seconds",
				Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"mode"},
		),
		ExecutionsInProgress: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "executions_in_progress",
				Help:      "Number of executions currently running",
			},
		),

		NodeExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "node_executions_total",
				Help:      "Total number of node executions by type and outcome",
			},
			[]string{"node_type", "outcome"},
		),
		NodeExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "node_execution_duration_seconds",
				Help:      "Node execution duration in seconds",
				Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 30},
			},
			[]string{"node_type"},
		),
		NodeItemsEmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "node_items_emitted_total",
				Help:      "Total number of items emitted by completed nodes",
			},
			[]string{"node_type"},
		),
	}

	m.registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.ExecutionsInProgress,
		m.NodeExecutionsTotal,
		m.NodeExecutionDuration,
		m.NodeItemsEmitted,
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordHTTPRequest records a completed HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// Sink adapts Metrics to the engine's event stream.
type Sink struct {
	metrics *Metrics

	mu       sync.Mutex
	nodeType map[string]string
}

// NewSink creates an engine event sink feeding these metrics.
func NewSink(m *Metrics) *Sink {
	return &Sink{metrics: m, nodeType: make(map[string]string)}
}

// ExecutionStarted marks an execution as in progress.
func (s *Sink) ExecutionStarted(ec *engine.ExecutionContext) {
	s.metrics.ExecutionsInProgress.Inc()
}

// NodeStarted remembers the node's type for the completion events.
func (s *Sink) NodeStarted(ec *engine.ExecutionContext, nodeName, nodeType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodeType[ec.ExecutionID+"/"+nodeName] = nodeType
}

// NodeCompleted records a successful node run.
func (s *Sink) NodeCompleted(ec *engine.ExecutionContext, nodeName string, items []model.Item, duration time.Duration) {
	nodeType := s.typeOf(ec, nodeName)
	s.metrics.NodeExecutionsTotal.WithLabelValues(nodeType, "success").Inc()
	s.metrics.NodeExecutionDuration.WithLabelValues(nodeType).Observe(duration.Seconds())
	s.metrics.NodeItemsEmitted.WithLabelValues(nodeType).Add(float64(len(items)))
}

// NodeFailed records a failed node run.
func (s *Sink) NodeFailed(ec *engine.ExecutionContext, nodeName string, err error) {
	s.metrics.NodeExecutionsTotal.WithLabelValues(s.typeOf(ec, nodeName), "error").Inc()
}

// ExecutionCompleted records the final status and duration.
func (s *Sink) ExecutionCompleted(ec *engine.ExecutionContext) {
	s.metrics.ExecutionsInProgress.Dec()
	s.metrics.ExecutionsTotal.WithLabelValues(string(ec.Status), ec.Mode).Inc()
	if !ec.EndTime.IsZero() {
		s.metrics.ExecutionDuration.WithLabelValues(ec.Mode).Observe(ec.EndTime.Sub(ec.StartTime).Seconds())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for name := range s.nodeType {
		if strings.HasPrefix(name, ec.ExecutionID+"/") {
			delete(s.nodeType, name)
		}
	}
}

func (s *Sink) typeOf(ec *engine.ExecutionContext, nodeName string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.nodeType[ec.ExecutionID+"/"+nodeName]; ok {
		return t
	}
	return "unknown"
}
