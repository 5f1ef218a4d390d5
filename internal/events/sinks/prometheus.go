package sinks

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/quayside/undertow/internal/events"
)

// breaker state gauge values; kept in sync with breaker.State labels.
var stateValues = map[string]float64{
	"closed":    0,
	"open":      1,
	"half_open": 2,
}

// PrometheusSink exports reliability metrics derived from the event stream.
// It owns the breaker-level collectors; pool-level gauges live in the pool
// package itself because they track counts rather than events.
type PrometheusSink struct {
	breakerState      *prometheus.GaugeVec
	breakerTrips      *prometheus.CounterVec
	breakerRecoveries *prometheus.CounterVec
	admissionDenied   *prometheus.CounterVec
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "undertow_breaker_state",
			Help: "Current breaker state per backend (0 closed, 1 open, 2 half-open).",
		}, []string{"backend"}),
		breakerTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "undertow_breaker_trips_total",
			Help: "Total transitions into the open state, per backend.",
		}, []string{"backend"}),
		breakerRecoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "undertow_breaker_recoveries_total",
			Help: "Total transitions from half-open back to closed, per backend.",
		}, []string{"backend"}),
		admissionDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "undertow_admission_denied_total",
			Help: "Total calls denied at admission, per backend.",
		}, []string{"backend"}),
	}
	var err error
	if s.breakerState, err = register(reg, s.breakerState); err != nil {
		return nil, err
	}
	if s.breakerTrips, err = register(reg, s.breakerTrips); err != nil {
		return nil, err
	}
	if s.breakerRecoveries, err = register(reg, s.breakerRecoveries); err != nil {
		return nil, err
	}
	if s.admissionDenied, err = register(reg, s.admissionDenied); err != nil {
		return nil, err
	}
	return s, nil
}

// register adds c to reg, adopting the existing collector when an identical
// one was registered earlier in the process.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	err := reg.Register(c)
	if err == nil {
		return c, nil
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(C); ok {
			return existing, nil
		}
	}
	var zero C
	return zero, fmt.Errorf("register reliability collector: %w", err)
}

// Consume updates the collectors using the provided batch. It is safe for
// concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt events.Event) {
	switch evt.Kind {
	case events.KindBreakerStateChange:
		if v, ok := stateValues[evt.To]; ok {
			s.breakerState.WithLabelValues(evt.Backend).Set(v)
		}
		if evt.To == "open" {
			s.breakerTrips.WithLabelValues(evt.Backend).Inc()
		}
		if evt.From == "half_open" && evt.To == "closed" {
			s.breakerRecoveries.WithLabelValues(evt.Backend).Inc()
		}
	case events.KindAdmissionDenied:
		s.admissionDenied.WithLabelValues(evt.Backend).Inc()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
