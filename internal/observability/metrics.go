package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jkaninda/toolgate/internal/audit"
)

const namespace = "toolgate"

// MetricsCollector holds all Prometheus metrics for toolgate.
// Uses a custom registry, no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Pipeline metrics.
	InvocationsTotal   *prometheus.CounterVec
	InvocationDuration *prometheus.HistogramVec
	DenialsTotal       *prometheus.CounterVec
	InFlight           prometheus.Gauge

	// Audit metrics.
	AuditEventsTotal     *prometheus.CounterVec
	AuditSinkErrorsTotal *prometheus.CounterVec
	AnomaliesTotal       *prometheus.CounterVec

	// Sandbox metrics.
	SandboxExecutionsTotal   *prometheus.CounterVec
	SandboxExecutionDuration *prometheus.HistogramVec

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		InvocationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "invocations_total",
			Help:      "Tool invocations by terminal outcome.",
		}, []string{"tool", "outcome"}),

		InvocationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "invocation_duration_seconds",
			Help:      "End-to-end pipeline duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}, []string{"tool"}),

		DenialsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "denials_total",
			Help:      "Denied invocations by error code.",
		}, []string{"tool", "code"}),

		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "in_flight",
			Help:      "Invocations currently inside the pipeline.",
		}),

		AuditEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "events_total",
			Help:      "Audit events emitted by type and risk level.",
		}, []string{"type", "risk"}),

		AuditSinkErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "sink_errors_total",
			Help:      "Failed audit deliveries per sink.",
		}, []string{"sink"}),

		AnomaliesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "security",
			Name:      "anomalies_total",
			Help:      "Anomalies detected by kind.",
		}, []string{"kind"}),

		SandboxExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "executions_total",
			Help:      "Total sandbox executions.",
		}, []string{"type", "status"}),

		SandboxExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "execution_duration_seconds",
			Help:      "Sandbox execution duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"type"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}

	reg.MustRegister(
		m.InvocationsTotal,
		m.InvocationDuration,
		m.DenialsTotal,
		m.InFlight,
		m.AuditEventsTotal,
		m.AuditSinkErrorsTotal,
		m.AnomaliesTotal,
		m.SandboxExecutionsTotal,
		m.SandboxExecutionDuration,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
	)

	return m
}

// ObserveInvocation records one finished pipeline run.
func (m *MetricsCollector) ObserveInvocation(tool, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.InvocationsTotal.WithLabelValues(tool, outcome).Inc()
	m.InvocationDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// RecordDenial counts a denial by its error code.
func (m *MetricsCollector) RecordDenial(tool, code string) {
	if m == nil {
		return
	}
	m.DenialsTotal.WithLabelValues(tool, code).Inc()
}

// RecordAnomaly counts a detected anomaly.
func (m *MetricsCollector) RecordAnomaly(kind string) {
	if m == nil {
		return
	}
	m.AnomaliesTotal.WithLabelValues(kind).Inc()
}

// Enter marks an invocation as in flight and returns the matching exit func.
func (m *MetricsCollector) Enter() func() {
	if m == nil {
		return func() {}
	}
	m.InFlight.Inc()
	return m.InFlight.Dec
}

// AuditObserver returns an audit.Logger observer counting every event.
func (m *MetricsCollector) AuditObserver() func(audit.Event) {
	return func(ev audit.Event) {
		if m == nil {
			return
		}
		m.AuditEventsTotal.WithLabelValues(string(ev.Type), ev.Risk.String()).Inc()
	}
}

// SinkErrorHook returns an audit.Logger hook counting sink failures.
func (m *MetricsCollector) SinkErrorHook() func(sink string, err error) {
	return func(sink string, _ error) {
		if m == nil {
			return
		}
		m.AuditSinkErrorsTotal.WithLabelValues(sink).Inc()
	}
}
