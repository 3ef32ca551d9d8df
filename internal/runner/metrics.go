package runner

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tendant/tom-education/internal/process"
)

type Metrics struct {
	submittedTotal *prometheus.CounterVec
	finishedTotal  *prometheus.CounterVec
	duration       *prometheus.HistogramVec
}

// NewMetrics registers the runner collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		submittedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tomedu",
			Name:      "processes_submitted_total",
			Help:      "Process records created, by job type.",
		}, []string{"job_type"}),
		finishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tomedu",
			Name:      "processes_finished_total",
			Help:      "Process records that reached a terminal state.",
		}, []string{"job_type", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tomedu",
			Name:      "process_duration_seconds",
			Help:      "Time from claim to terminal state.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"job_type"}),
	}
	if reg != nil {
		reg.MustRegister(m.submittedTotal, m.finishedTotal, m.duration)
	}
	return m
}

func (m *Metrics) submitted(jobType string) {
	if m == nil {
		return
	}
	m.submittedTotal.WithLabelValues(jobType).Inc()
}

func (m *Metrics) finished(jobType string, status process.Status, d time.Duration) {
	if m == nil {
		return
	}
	m.finishedTotal.WithLabelValues(jobType, string(status)).Inc()
	m.duration.WithLabelValues(jobType).Observe(d.Seconds())
}
