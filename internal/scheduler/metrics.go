package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/anvil/internal/model"
)

var (
	queueDepthGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "anvil_scheduler_queue_depth",
			Help: "Number of jobs waiting for an engine.",
		},
	)

	boundJobsGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "anvil_scheduler_bound_jobs",
			Help: "Number of jobs currently running on an engine.",
		},
	)

	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anvil_scheduler_jobs_total",
			Help: "Total number of jobs resolved, by outcome.",
		},
		[]string{"outcome"},
	)

	queueWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "anvil_scheduler_queue_wait_seconds",
			Help:    "Time jobs spent queued before binding to an engine, in seconds.",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		},
	)

	jobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "anvil_scheduler_job_duration_seconds",
			Help:    "Time from submission to resolution, in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
	)
)

func init() {
	prometheus.MustRegister(queueDepthGauge)
	prometheus.MustRegister(boundJobsGauge)
	prometheus.MustRegister(jobsTotal)
	prometheus.MustRegister(queueWaitDuration)
	prometheus.MustRegister(jobDuration)

	// Pre-initialize every outcome so rates work from startup.
	for _, o := range model.Outcomes {
		jobsTotal.WithLabelValues(string(o))
	}
}
