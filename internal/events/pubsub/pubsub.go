// Package pubsub carries event messages over Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/JakeFAU/scrapeq/internal/events"
)

const kindAttribute = "kind"

// Config selects the topic and subscription.
type Config struct {
	ProjectID    string
	Topic        string
	Subscription string
}

// Transport publishes to a topic and receives from a subscription.
type Transport struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	logger *zap.Logger
	owned  bool
}

// New dials Pub/Sub and verifies the topic exists.
func New(ctx context.Context, cfg Config, logger *zap.Logger, opts ...option.ClientOption) (*Transport, error) {
	if cfg.ProjectID == "" || cfg.Topic == "" {
		return nil, errors.New("pubsub project_id and topic are required")
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	topic := client.Topic(cfg.Topic)
	exists, err := topic.Exists(ctx)
	if err == nil && !exists {
		err = fmt.Errorf("pubsub topic %q does not exist in project %q", cfg.Topic, cfg.ProjectID)
	}
	if err != nil {
		if closeErr := client.Close(); closeErr != nil && logger != nil {
			logger.Warn("close pubsub client after topic check failure", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("check pubsub topic: %w", err)
	}
	t := NewWithClient(client, cfg, logger)
	t.owned = true
	return t, nil
}

// NewWithClient wraps an existing client. Close does not close client.
func NewWithClient(client *pubsub.Client, cfg Config, logger *zap.Logger) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Transport{
		client: client,
		topic:  client.Topic(cfg.Topic),
		logger: logger.Named("pubsub"),
	}
	if cfg.Subscription != "" {
		t.sub = client.Subscription(cfg.Subscription)
	}
	return t
}

// Publish encodes m and waits for the server to acknowledge it.
func (t *Transport) Publish(ctx context.Context, m events.Message) error {
	data, err := events.Encode(m)
	if err != nil {
		return err
	}
	msg := &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{kindAttribute: string(m.Kind)},
	}
	otel.GetTextMapPropagator().Inject(ctx, &carrier{attrs: msg.Attributes})

	id, err := t.topic.Publish(ctx, msg).Get(ctx)
	if err != nil {
		return fmt.Errorf("publish %s message: %w", m.Kind, err)
	}
	t.logger.Debug("published message", zap.String("id", id), zap.String("kind", string(m.Kind)), zap.String("job_id", m.JobID()))
	return nil
}

// Subscribe receives until ctx ends. Undecodable messages are acked and
// dropped; handler errors nack for redelivery.
func (t *Transport) Subscribe(ctx context.Context, h events.Handler) error {
	if t.sub == nil {
		return errors.New("pubsub subscription is not configured")
	}
	err := t.sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		ctx = otel.GetTextMapPropagator().Extract(ctx, &carrier{attrs: msg.Attributes})
		m, err := events.Decode(msg.Data)
		if err != nil {
			t.logger.Error("dropping malformed message", zap.String("id", msg.ID), zap.Error(err))
			msg.Ack()
			return
		}
		if err := h(ctx, m); err != nil {
			t.logger.Warn("message handler failed", zap.String("id", msg.ID), zap.String("kind", string(m.Kind)), zap.Error(err))
			msg.Nack()
			return
		}
		msg.Ack()
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("pubsub receive: %w", err)
	}
	return nil
}

// Close flushes pending publishes and closes the client when owned.
func (t *Transport) Close() error {
	t.topic.Stop()
	if !t.owned {
		return nil
	}
	if err := t.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}

// carrier implements propagation.TextMapCarrier over message attributes.
type carrier struct {
	attrs map[string]string
}

func (c *carrier) Get(key string) string {
	return c.attrs[key]
}

func (c *carrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *carrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
