// Package pubsub announces harvested pages on a Google Cloud Pub/Sub topic.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"

	"github.com/quayside/undertow/internal/harvest"
)

// Publisher wraps a Pub/Sub topic.
type Publisher struct {
	topic *pubsub.Topic
}

// New creates a Publisher for the provided topic.
func New(topic *pubsub.Topic) (*Publisher, error) {
	if topic == nil {
		return nil, fmt.Errorf("pubsub topic is required")
	}
	return &Publisher{topic: topic}, nil
}

// Publish marshals the record to JSON and publishes it, blocking until the
// server acknowledges the message.
func (p *Publisher) Publish(ctx context.Context, record harvest.PageRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal page record: %w", err)
	}
	result := p.topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"record_id":   record.ID,
			"render_mode": string(record.RenderMode),
		},
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish page record %s: %w", record.ID, err)
	}
	return nil
}

// Stop flushes outstanding messages and releases topic resources.
func (p *Publisher) Stop() {
	p.topic.Stop()
}
