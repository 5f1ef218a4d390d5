package harvest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	harvestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "undertow_harvests_total",
		Help: "Completed harvest attempts by render mode and outcome.",
	}, []string{"mode", "outcome"})

	harvestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "undertow_harvest_duration_seconds",
		Help:    "End-to-end harvest latency by render mode.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	}, []string{"mode"})

	promotionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "undertow_harvest_promotions_total",
		Help: "HTTP fetches escalated to the browser backend.",
	})
)
