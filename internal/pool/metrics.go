package pool

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/anvil/internal/model"
)

// replacementReasons label anvil_pool_replacements_total.
var replacementReasons = []string{
	model.EventCrashed,
	model.EventTimedOut,
	model.EventInterrupted,
	model.EventRecycled,
	model.EventProbeFailed,
}

var (
	handlesGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "anvil_pool_handles",
			Help: "Number of engine handles by state.",
		},
		[]string{"state"},
	)

	capacityGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "anvil_pool_capacity",
			Help: "Configured number of engine slots.",
		},
	)

	degradedGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "anvil_pool_degraded_slots",
			Help: "Engine slots permanently lost after exhausting startup attempts.",
		},
	)

	replacementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anvil_pool_replacements_total",
			Help: "Total number of engine handles replaced, by reason.",
		},
		[]string{"reason"},
	)

	engineStartDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "anvil_pool_engine_start_seconds",
			Help:    "Duration from launch to a successful readiness probe, in seconds.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
	)
)

func init() {
	prometheus.MustRegister(handlesGauge)
	prometheus.MustRegister(capacityGauge)
	prometheus.MustRegister(degradedGauge)
	prometheus.MustRegister(replacementsTotal)
	prometheus.MustRegister(engineStartDuration)

	for _, s := range model.HandleStates {
		handlesGauge.WithLabelValues(string(s))
	}
	for _, r := range replacementReasons {
		replacementsTotal.WithLabelValues(r)
	}
}
