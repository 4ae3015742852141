package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the convergence engine.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	// Plan item metrics
	planItemsExecuted *prometheus.CounterVec
	planItemDuration  *prometheus.HistogramVec

	// Controller API metrics
	apiCalls    *prometheus.CounterVec
	apiDuration *prometheus.HistogramVec
	apiRetries  *prometheus.CounterVec

	// Task polling metrics
	taskPolls        *prometheus.CounterVec
	taskWaitDuration *prometheus.HistogramVec

	// Error metrics
	errorsByClass *prometheus.CounterVec

	registry *prometheus.Registry
	server   *http.Server
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// No-op instance; all record methods nil-check.
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "converge"
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsStarted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of convergence runs started",
			},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of convergence runs completed",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of convergence runs in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"status"},
		),

		planItemsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plan_items_executed_total",
				Help:      "Total number of plan items executed",
			},
			[]string{"family", "action", "status"},
		),
		planItemDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "plan_item_duration_seconds",
				Help:      "Duration of plan item execution in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"family", "action"},
		),

		apiCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "controller_api_calls_total",
				Help:      "Total number of controller API calls",
			},
			[]string{"family", "operation", "result"},
		),
		apiDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "controller_api_duration_seconds",
				Help:      "Duration of controller API calls in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"family", "operation"},
		),
		apiRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "controller_api_retries_total",
				Help:      "Total number of retried controller API calls",
			},
			[]string{"family", "operation"},
		),

		taskPolls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "task_polls_total",
				Help:      "Total number of task status polls",
			},
			[]string{"terminal_state"},
		),
		taskWaitDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_wait_duration_seconds",
				Help:      "Wall-clock time waiting for controller tasks",
				Buckets:   []float64{1, 5, 15, 60, 300, 1200},
			},
			[]string{"terminal_state"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of classified errors",
			},
			[]string{"class"},
		),
	}

	collectors := []prometheus.Collector{
		m.runsStarted, m.runsCompleted, m.runDuration,
		m.planItemsExecuted, m.planItemDuration,
		m.apiCalls, m.apiDuration, m.apiRetries,
		m.taskPolls, m.taskWaitDuration,
		m.errorsByClass,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register collector: %w", err)
		}
	}

	return m, nil
}

// RecordRunStarted increments the started-runs counter.
func (m *Metrics) RecordRunStarted() {
	if m.runsStarted == nil {
		return
	}
	m.runsStarted.Inc()
}

// RecordRunCompleted records a finished run with its status and duration.
func (m *Metrics) RecordRunCompleted(status string, d time.Duration) {
	if m.runsCompleted == nil {
		return
	}
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(d.Seconds())
}

// RecordPlanItem records a single executed plan item.
func (m *Metrics) RecordPlanItem(family, action, status string, d time.Duration) {
	if m.planItemsExecuted == nil {
		return
	}
	m.planItemsExecuted.WithLabelValues(family, action, status).Inc()
	m.planItemDuration.WithLabelValues(family, action).Observe(d.Seconds())
}

// RecordAPICall records one controller API call.
func (m *Metrics) RecordAPICall(family, operation, result string, d time.Duration) {
	if m.apiCalls == nil {
		return
	}
	m.apiCalls.WithLabelValues(family, operation, result).Inc()
	m.apiDuration.WithLabelValues(family, operation).Observe(d.Seconds())
}

// RecordAPIRetry records a retried controller API call.
func (m *Metrics) RecordAPIRetry(family, operation string) {
	if m.apiRetries == nil {
		return
	}
	m.apiRetries.WithLabelValues(family, operation).Inc()
}

// RecordTaskWait records a completed task wait with its terminal state.
func (m *Metrics) RecordTaskWait(terminalState string, polls int, d time.Duration) {
	if m.taskPolls == nil {
		return
	}
	m.taskPolls.WithLabelValues(terminalState).Add(float64(polls))
	m.taskWaitDuration.WithLabelValues(terminalState).Observe(d.Seconds())
}

// RecordError records a classified error.
func (m *Metrics) RecordError(class string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(class).Inc()
}

// Registry returns the Prometheus registry backing this collector.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Serve starts the metrics HTTP endpoint if a listen address is configured.
// It returns immediately; the server runs until Shutdown is called.
func (m *Metrics) Serve() error {
	if m.registry == nil || m.config.ListenAddress == "" {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	m.server = &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// Metric serving is best-effort; failures surface via logs only.
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}

// Shutdown stops the metrics HTTP endpoint.
func (m *Metrics) Shutdown() error {
	if m.server == nil {
		return nil
	}
	return m.server.Close()
}
