// Package sinks contains Sink implementations for the reliability event hub.
package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/quayside/undertow/internal/events"
)

// LogSink emits structured logs for reliability events. Useful during
// development and incident audits where a metrics backend is unavailable.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.Time("ts", evt.TS),
			zap.String("kind", string(evt.Kind)),
			zap.String("backend", evt.Backend),
		}
		if evt.ResourceID != "" {
			fields = append(fields, zap.String("resource_id", evt.ResourceID))
		}
		if evt.Kind == events.KindBreakerStateChange {
			fields = append(fields,
				zap.String("from", evt.From),
				zap.String("to", evt.To),
			)
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		s.logger.Info("reliability event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
