package scheduler

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for maintenance jobs.
type Metrics struct {
	Runs        *prometheus.CounterVec
	Removed     *prometheus.CounterVec
	RunDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers scheduler metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "toolgate",
			Subsystem: "scheduler",
			Name:      "job_runs_total",
			Help:      "Maintenance job runs by job and status.",
		}, []string{"job", "status"}),
		Removed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "toolgate",
			Subsystem: "scheduler",
			Name:      "removed_total",
			Help:      "Items removed by maintenance jobs.",
		}, []string{"job"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "toolgate",
			Subsystem: "scheduler",
			Name:      "job_duration_seconds",
			Help:      "Duration of each maintenance job run.",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30},
		}, []string{"job"}),
	}

	reg.MustRegister(m.Runs, m.Removed, m.RunDuration)
	return m
}

func (m *Metrics) observe(job string, removed int64, d time.Duration, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.Runs.WithLabelValues(job, status).Inc()
	m.RunDuration.WithLabelValues(job).Observe(d.Seconds())
	if removed > 0 {
		m.Removed.WithLabelValues(job).Add(float64(removed))
	}
}
