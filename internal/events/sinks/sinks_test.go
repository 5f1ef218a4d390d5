package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/quayside/undertow/internal/events"
)

func TestPrometheusSinkTracksBreakerLifecycle(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	ts := time.Now()
	require.NoError(t, sink.Consume(context.Background(), []events.Event{
		{TS: ts, Kind: events.KindBreakerStateChange, Backend: "browser", From: "closed", To: "open"},
		{TS: ts, Kind: events.KindAdmissionDenied, Backend: "browser"},
		{TS: ts, Kind: events.KindAdmissionDenied, Backend: "browser"},
		{TS: ts, Kind: events.KindBreakerStateChange, Backend: "browser", From: "open", To: "half_open"},
		{TS: ts, Kind: events.KindBreakerStateChange, Backend: "browser", From: "half_open", To: "closed"},
	}))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.breakerTrips.WithLabelValues("browser")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.breakerRecoveries.WithLabelValues("browser")))
	require.Equal(t, 2.0, testutil.ToFloat64(sink.admissionDenied.WithLabelValues("browser")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.breakerState.WithLabelValues("browser")))
}

func TestPrometheusSinkAdoptsExistingCollectors(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	first, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	second, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	ts := time.Now()
	require.NoError(t, first.Consume(context.Background(), []events.Event{
		{TS: ts, Kind: events.KindAdmissionDenied, Backend: "http"},
	}))
	require.NoError(t, second.Consume(context.Background(), []events.Event{
		{TS: ts, Kind: events.KindAdmissionDenied, Backend: "http"},
	}))
	require.Equal(t, 2.0, testutil.ToFloat64(second.admissionDenied.WithLabelValues("http")))
}

func TestLogSinkLogsStructuredFields(t *testing.T) {
	t.Parallel()
	core, logs := observer.New(zap.InfoLevel)
	sink := NewLogSink(zap.New(core))

	require.NoError(t, sink.Consume(context.Background(), []events.Event{
		{
			TS:      time.Now(),
			Kind:    events.KindBreakerStateChange,
			Backend: "browser",
			From:    "closed",
			To:      "open",
		},
	}))

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	require.Equal(t, "BREAKER_STATE_CHANGE", fields["kind"])
	require.Equal(t, "browser", fields["backend"])
	require.Equal(t, "open", fields["to"])
}
