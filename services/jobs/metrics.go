package jobs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"quantlab_backend/models"
)

// Metrics records job lifecycle counters. It is an Observer.
type Metrics struct {
	submitted *prometheus.CounterVec
	rejected  *prometheus.CounterVec
	finished  *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	active    *prometheus.GaugeVec
}

// NewMetrics registers job metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		submitted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "jobs_submitted_total",
			Help: "The total number of admitted jobs",
		}, []string{"kind"}),
		rejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "jobs_rejected_total",
			Help: "The total number of submissions rejected at admission",
		}, []string{"kind", "reason"}),
		finished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "jobs_finished_total",
			Help: "The total number of jobs reaching a terminal status",
		}, []string{"kind", "status"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "job_duration_seconds",
			Help:    "Wall time from start (or admission) to terminal status.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 14),
		}, []string{"kind"}),
		active: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "jobs_active",
			Help: "Jobs admitted and not yet terminal",
		}, []string{"kind"}),
	}
}

func (m *Metrics) Admitted(job models.Job) {
	m.submitted.WithLabelValues(string(job.Kind)).Inc()
	m.active.WithLabelValues(string(job.Kind)).Inc()
}

func (m *Metrics) Rejected(kind models.JobKind, reason string) {
	m.rejected.WithLabelValues(string(kind), reason).Inc()
}

func (m *Metrics) Finished(job models.Job) {
	kind := string(job.Kind)
	m.finished.WithLabelValues(kind, string(job.Status())).Inc()
	m.active.WithLabelValues(kind).Dec()

	if job.CompletedAt == nil {
		return
	}
	start := job.CreatedAt
	if job.StartedAt != nil {
		start = *job.StartedAt
	}
	m.duration.WithLabelValues(kind).Observe(job.CompletedAt.Sub(start).Seconds())
}
