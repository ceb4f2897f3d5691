// Package observability provides Prometheus metrics and OpenTelemetry
// tracing for sandpool. All components are optional and nil-safe: when
// disabled, callers skip recording with a single nil check.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for sandpool.
// Uses a custom registry, no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Task execution metrics.
	TasksTotal    *prometheus.CounterVec
	TaskDuration  *prometheus.HistogramVec
	TaskTimeouts  prometheus.Counter
	ActiveTasks   prometheus.Gauge
	WorkflowSteps prometheus.Counter

	// Session pool metrics.
	SessionsActive    prometheus.Gauge
	SessionsCreated   prometheus.Counter
	SessionsEvicted   *prometheus.CounterVec
	SessionsPoisoned  prometheus.Counter
	ConstructDuration prometheus.Histogram

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	ActiveRequests      prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics
// registered on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		TasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sandpool",
			Subsystem: "executor",
			Name:      "tasks_total",
			Help:      "Total tasks executed, by final state.",
		}, []string{"state"}),

		TaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sandpool",
			Subsystem: "executor",
			Name:      "task_duration_seconds",
			Help:      "Task execution duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"state"}),

		TaskTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sandpool",
			Subsystem: "executor",
			Name:      "task_timeouts_total",
			Help:      "Total tasks force-cancelled at the deadline.",
		}),

		ActiveTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sandpool",
			Subsystem: "executor",
			Name:      "active_tasks",
			Help:      "Tasks currently in flight.",
		}),

		WorkflowSteps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sandpool",
			Subsystem: "executor",
			Name:      "workflow_steps_total",
			Help:      "Total workflow steps executed.",
		}),

		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sandpool",
			Subsystem: "pool",
			Name:      "sessions_active",
			Help:      "Sessions currently registered in the pool.",
		}),

		SessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sandpool",
			Subsystem: "pool",
			Name:      "sessions_created_total",
			Help:      "Total sessions created.",
		}),

		SessionsEvicted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sandpool",
			Subsystem: "pool",
			Name:      "sessions_evicted_total",
			Help:      "Total sessions removed, by reason.",
		}, []string{"reason"}),

		SessionsPoisoned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sandpool",
			Subsystem: "pool",
			Name:      "sessions_poisoned_total",
			Help:      "Total sessions marked unsafe after a forced cancellation.",
		}),

		ConstructDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sandpool",
			Subsystem: "pool",
			Name:      "runtime_construct_duration_seconds",
			Help:      "Runtime handle construction duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sandpool",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sandpool",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sandpool",
			Subsystem: "http",
			Name:      "active_requests",
			Help:      "HTTP requests currently being served.",
		}),
	}

	reg.MustRegister(
		m.TasksTotal,
		m.TaskDuration,
		m.TaskTimeouts,
		m.ActiveTasks,
		m.WorkflowSteps,
		m.SessionsActive,
		m.SessionsCreated,
		m.SessionsEvicted,
		m.SessionsPoisoned,
		m.ConstructDuration,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}
