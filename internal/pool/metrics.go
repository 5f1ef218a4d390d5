package pool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// poolInUseGauge tracks resources currently owned by guards.
	poolInUseGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "undertow_pool_in_use",
		Help: "Resources currently checked out, labeled by backend.",
	}, []string{"backend"})
	// poolIdleGauge tracks resources parked in the idle queue.
	poolIdleGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "undertow_pool_idle",
		Help: "Resources currently idle, labeled by backend.",
	}, []string{"backend"})
	// poolCreatedTotal counts resources created by the factory.
	poolCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "undertow_pool_created_total",
		Help: "Total resources created, labeled by backend.",
	}, []string{"backend"})
	// poolDestroyedTotal counts resources disposed, by reason.
	poolDestroyedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "undertow_pool_destroyed_total",
		Help: "Total resources destroyed, labeled by backend and reason.",
	}, []string{"backend", "reason"})
	// poolExhaustedTotal counts checkouts that timed out waiting for a slot.
	poolExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "undertow_pool_exhausted_total",
		Help: "Total checkouts rejected because the pool was at capacity.",
	}, []string{"backend"})
)
