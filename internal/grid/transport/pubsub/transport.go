// Package pubsub carries grid envelopes over Google Cloud Pub/Sub. All nodes
// publish to one topic; each node reads from its own subscription and keeps
// messages addressed to it or broadcast by others.
package pubsub

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"cloud.google.com/go/pubsub"
)

const (
	attrFrom = "from"
	attrTo   = "to"

	defaultSubscriptionPrefix = "grid"
	defaultAckDeadline        = 20 * time.Second
)

var invalidSubscriptionChars = regexp.MustCompile(`[^A-Za-z0-9\-_.~+%]`)

// Config names the topic and subscription used by a node.
type Config struct {
	TopicID            string
	SubscriptionPrefix string
	// CreateIfMissing creates the topic and subscription on first use.
	CreateIfMissing bool
}

// Transport implements messenger.Transport on Pub/Sub.
type Transport struct {
	self  string
	topic *pubsub.Topic
	sub   *pubsub.Subscription
}

// New resolves the grid topic and the node subscription on client.
func New(ctx context.Context, client *pubsub.Client, self string, cfg Config) (*Transport, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client is required")
	}
	if cfg.TopicID == "" {
		return nil, fmt.Errorf("grid.pubsub.topic is required")
	}
	prefix := cfg.SubscriptionPrefix
	if prefix == "" {
		prefix = defaultSubscriptionPrefix
	}

	topic := client.Topic(cfg.TopicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check topic %q: %w", cfg.TopicID, err)
	}
	if !exists {
		if !cfg.CreateIfMissing {
			return nil, fmt.Errorf("pubsub topic %q does not exist", cfg.TopicID)
		}
		if topic, err = client.CreateTopic(ctx, cfg.TopicID); err != nil {
			return nil, fmt.Errorf("create topic %q: %w", cfg.TopicID, err)
		}
	}

	subID := SubscriptionID(prefix, self)
	sub := client.Subscription(subID)
	exists, err = sub.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check subscription %q: %w", subID, err)
	}
	if !exists {
		if !cfg.CreateIfMissing {
			topic.Stop()
			return nil, fmt.Errorf("pubsub subscription %q does not exist", subID)
		}
		sub, err = client.CreateSubscription(ctx, subID, pubsub.SubscriptionConfig{
			Topic:       topic,
			AckDeadline: defaultAckDeadline,
		})
		if err != nil {
			topic.Stop()
			return nil, fmt.Errorf("create subscription %q: %w", subID, err)
		}
	}
	return &Transport{self: self, topic: topic, sub: sub}, nil
}

// SubscriptionID derives a valid subscription name for a node.
func SubscriptionID(prefix, node string) string {
	return invalidSubscriptionChars.ReplaceAllString(prefix+"-"+node, "-")
}

// Send publishes data and waits for the server to accept it.
func (t *Transport) Send(ctx context.Context, to string, data []byte) error {
	result := t.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{attrFrom: t.self, attrTo: to},
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish envelope: %w", err)
	}
	return nil
}

// Receive pulls from the node subscription until ctx ends. Delivery order is
// not guaranteed across messages.
func (t *Transport) Receive(ctx context.Context, fn func(data []byte)) error {
	err := t.sub.Receive(ctx, func(_ context.Context, msg *pubsub.Message) {
		msg.Ack()
		from := msg.Attributes[attrFrom]
		to := msg.Attributes[attrTo]
		if from == t.self || (to != "" && to != t.self) {
			return
		}
		fn(msg.Data)
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("receive %s: %w", t.sub.ID(), err)
	}
	return nil
}

// Close flushes pending publishes. The client stays owned by the caller.
func (t *Transport) Close() error {
	t.topic.Stop()
	return nil
}
