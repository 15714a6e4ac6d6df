package sinks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"

	"github.com/JakeFAU/gridcrawler/internal/event"
)

// PubSubSink publishes every event as a JSON message.
type PubSubSink struct {
	topic *pubsub.Topic
}

// NewPubSubSink publishes to topic. The sink stops the topic on Close.
func NewPubSubSink(topic *pubsub.Topic) (*PubSubSink, error) {
	if topic == nil {
		return nil, fmt.Errorf("pubsub topic is required")
	}
	return &PubSubSink{topic: topic}, nil
}

// Consume publishes the batch and waits for the server to accept it.
func (s *PubSubSink) Consume(ctx context.Context, batch []event.Event) error {
	results := make([]*pubsub.PublishResult, 0, len(batch))
	for _, evt := range batch {
		data, err := json.Marshal(evt)
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		results = append(results, s.topic.Publish(ctx, &pubsub.Message{
			Data: data,
			Attributes: map[string]string{
				"event": string(evt.Name),
				"node":  evt.Node,
			},
		}))
	}
	var errs []error
	for _, r := range results {
		if _, err := r.Get(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("publish %d of %d events: %w", len(errs), len(batch), errors.Join(errs...))
	}
	return nil
}

// Close flushes outstanding publishes.
func (s *PubSubSink) Close(context.Context) error {
	s.topic.Stop()
	return nil
}
