package routing

import (
	"context"
	"fmt"
	"log/slog"

	"cloud.google.com/go/pubsub"

	"github.com/izavyalov-dev/delta-report/internal/observability"
)

// PubSubConfig names the Cloud Pub/Sub resources of the reporting stream.
type PubSubConfig struct {
	ProjectID    string
	Topic        string
	Subscription string
	// MaxOutstanding bounds the messages handled concurrently across all
	// ordering keys.
	MaxOutstanding int
}

// PubSubBroker publishes events with HASH_ON as the ordering key, so Pub/Sub
// delivers the events of one launch in publish order.
type PubSubBroker struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	logger *slog.Logger
}

// NewPubSubBroker connects to Pub/Sub and creates the topic and the ordered
// subscription when they do not exist yet.
func NewPubSubBroker(ctx context.Context, cfg PubSubConfig, logger *slog.Logger) (*PubSubBroker, error) {
	if cfg.ProjectID == "" || cfg.Topic == "" || cfg.Subscription == "" {
		return nil, fmt.Errorf("pubsub project, topic and subscription are required")
	}
	if logger == nil {
		logger = observability.NewLogger("pubsub")
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	b := &PubSubBroker{client: client, logger: logger}
	if err := b.setupTopicSub(ctx, cfg); err != nil {
		_ = client.Close()
		return nil, err
	}
	return b, nil
}

func (b *PubSubBroker) setupTopicSub(ctx context.Context, cfg PubSubConfig) error {
	b.topic = b.client.Topic(cfg.Topic)
	exists, err := b.topic.Exists(ctx)
	if err != nil {
		return fmt.Errorf("check topic %s: %w", cfg.Topic, err)
	}
	if !exists {
		if b.topic, err = b.client.CreateTopic(ctx, cfg.Topic); err != nil {
			return fmt.Errorf("create topic %s: %w", cfg.Topic, err)
		}
	}
	b.topic.EnableMessageOrdering = true

	b.sub = b.client.Subscription(cfg.Subscription)
	exists, err = b.sub.Exists(ctx)
	if err != nil {
		return fmt.Errorf("check subscription %s: %w", cfg.Subscription, err)
	}
	if !exists {
		b.sub, err = b.client.CreateSubscription(ctx, cfg.Subscription, pubsub.SubscriptionConfig{
			Topic:                 b.topic,
			EnableMessageOrdering: true,
		})
		if err != nil {
			return fmt.Errorf("create subscription %s: %w", cfg.Subscription, err)
		}
	}
	if cfg.MaxOutstanding > 0 {
		b.sub.ReceiveSettings.MaxOutstandingMessages = cfg.MaxOutstanding
	}
	return nil
}

// Publish waits for the server acknowledgement. After a failure publishing
// for the key is resumed so later events of the launch are not blocked.
func (b *PubSubBroker) Publish(ctx context.Context, msg Message) error {
	key := msg.HashKey()
	if key == "" {
		return ErrMissingHashOn
	}
	result := b.topic.Publish(ctx, &pubsub.Message{
		Data:        msg.Body,
		Attributes:  msg.Headers,
		OrderingKey: key,
	})
	if _, err := result.Get(ctx); err != nil {
		b.topic.ResumePublish(key)
		return fmt.Errorf("publish to %s: %w", b.topic.ID(), err)
	}
	return nil
}

// Receive feeds subscription messages to the consumer until ctx is done.
// Handled and permanently rejected messages are acked; the rest are nacked
// for redelivery.
func (b *PubSubBroker) Receive(ctx context.Context, consumer *Consumer) error {
	b.logger.Info("pubsub receiver started", "event", "pubsub_receiver_started", "subscription", b.sub.ID())
	return b.sub.Receive(ctx, func(ctx context.Context, m *pubsub.Message) {
		err := consumer.Dispatch(ctx, Message{Headers: m.Attributes, Body: m.Data})
		if err != nil && !IsPermanent(err) {
			m.Nack()
			return
		}
		m.Ack()
	})
}

func (b *PubSubBroker) Close() error {
	b.topic.Stop()
	return b.client.Close()
}
