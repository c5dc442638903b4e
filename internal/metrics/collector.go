// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Collector owns the engine's prometheus metrics on a private registry.
type Collector struct {
	registry *prometheus.Registry

	tasksTotal    *prometheus.CounterVec
	taskDuration  *prometheus.HistogramVec
	retriesTotal  prometheus.Counter
	runsTotal     *prometheus.CounterVec
	runDuration   prometheus.Histogram
	poolActive    prometheus.Gauge
	spilledOutput prometheus.Counter

	logger *zap.Logger
}

// NewCollector creates a collector with all engine metrics registered.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		logger:   logger.With(zap.String("component", "metrics")),
	}

	c.tasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Total tasks reaching a terminal state",
		},
		[]string{"status", "target"},
	)
	reg.MustRegister(c.tasksTotal)

	c.taskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Task dispatch duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"target"},
	)
	reg.MustRegister(c.taskDuration)

	c.retriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "task_retries_total",
		Help:      "Total task re-dispatch attempts",
	})
	reg.MustRegister(c.retriesTotal)

	c.runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Total workflow runs by terminal status",
		},
		[]string{"status"},
	)
	reg.MustRegister(c.runsTotal)

	c.runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "run_duration_seconds",
		Help:      "Workflow run duration in seconds",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	})
	reg.MustRegister(c.runDuration)

	c.poolActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "parallel_workers_active",
		Help:      "Workers currently executing parallel block members",
	})
	reg.MustRegister(c.poolActive)

	c.spilledOutput = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "output_spills_total",
		Help:      "Task outputs spilled to temporary files",
	})
	reg.MustRegister(c.spilledOutput)

	return c
}

// RecordTask records one terminal task outcome.
func (c *Collector) RecordTask(status, target string, duration time.Duration) {
	c.tasksTotal.WithLabelValues(status, target).Inc()
	c.taskDuration.WithLabelValues(target).Observe(duration.Seconds())
}

// RecordRetry counts one re-dispatch.
func (c *Collector) RecordRetry() {
	c.retriesTotal.Inc()
}

// RecordRun records a completed run.
func (c *Collector) RecordRun(status string, duration time.Duration) {
	c.runsTotal.WithLabelValues(status).Inc()
	c.runDuration.Observe(duration.Seconds())
}

// WorkerStarted / WorkerDone track parallel pool occupancy.
func (c *Collector) WorkerStarted() { c.poolActive.Inc() }
func (c *Collector) WorkerDone()    { c.poolActive.Dec() }

// RecordSpill counts one output spill.
func (c *Collector) RecordSpill() {
	c.spilledOutput.Inc()
}

// Handler returns an HTTP handler exposing the private registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until the server fails. Intended to run on
// its own goroutine; errors are logged, never fatal to the run.
func (c *Collector) Serve(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	c.logger.Info("metrics listener starting", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		c.logger.Warn("metrics listener stopped", zap.Error(err))
	}
}
