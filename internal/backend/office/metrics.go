package office

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for engine request status.
const (
	statusError = "error"
)

// requestOps lists the operations tracked by requestsTotal.
var requestOps = []string{OpPing, OpConvert, OpCollectGarbage}

var (
	engineLaunchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "anvil_engine_launch_seconds",
			Help:    "Duration from worker spawn to an accepted connection, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	activeEngines = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "anvil_engine_processes",
			Help: "Number of engine worker processes currently running.",
		},
	)

	engineRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "anvil_engine_request_seconds",
			Help:    "Round-trip time of requests to engine workers, in seconds.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"op"},
	)

	engineTerminateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "anvil_engine_terminate_seconds",
			Help:    "Duration of worker kill and scratch cleanup, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anvil_engine_requests_total",
			Help: "Total number of requests sent to engine workers.",
		},
		[]string{"op", "status"},
	)
)

func init() {
	prometheus.MustRegister(engineLaunchDuration)
	prometheus.MustRegister(activeEngines)
	prometheus.MustRegister(engineRequestDuration)
	prometheus.MustRegister(engineTerminateDuration)
	prometheus.MustRegister(requestsTotal)

	// Pre-initialize counter label combinations so they appear in /metrics
	// with value 0 from startup, rather than only after first observation.
	for _, op := range requestOps {
		requestsTotal.WithLabelValues(op, StatusOK)
		requestsTotal.WithLabelValues(op, StatusRejected)
		requestsTotal.WithLabelValues(op, StatusFailed)
		requestsTotal.WithLabelValues(op, statusError)
	}
}
