// Package amqp carries event messages over RabbitMQ.
package amqp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrapeq/internal/events"
)

// Config selects the broker, exchange, and queue.
type Config struct {
	URL        string
	Exchange   string
	Queue      string
	RoutingKey string
	Prefetch   int
}

// Channel is the subset of *amqp.Channel the transport uses.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// Transport publishes to an exchange and consumes from a bound queue.
type Transport struct {
	cfg    Config
	conn   *amqp.Connection
	ch     Channel
	logger *zap.Logger
	mu     sync.Mutex
	closed bool
}

// Dial connects, declares a durable direct exchange and queue, and binds them.
func Dial(cfg Config, logger *zap.Logger) (*Transport, error) {
	if cfg.URL == "" || cfg.Queue == "" {
		return nil, errors.New("amqp url and queue are required")
	}
	if cfg.RoutingKey == "" {
		cfg.RoutingKey = cfg.Queue
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 16
	}
	conn, err := amqp.DialConfig(cfg.URL, amqp.Config{Heartbeat: 10 * time.Second, Locale: "en_US"})
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if err := declare(ch, cfg); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	t := NewWithChannel(ch, cfg, logger)
	t.conn = conn
	return t, nil
}

func declare(ch *amqp.Channel, cfg Config) error {
	if cfg.Exchange != "" {
		if err := ch.ExchangeDeclare(cfg.Exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange: %w", err)
		}
	}
	if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	if cfg.Exchange != "" {
		if err := ch.QueueBind(cfg.Queue, cfg.RoutingKey, cfg.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue: %w", err)
		}
	}
	if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	return nil
}

// NewWithChannel wraps an already configured channel.
func NewWithChannel(ch Channel, cfg Config, logger *zap.Logger) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RoutingKey == "" {
		cfg.RoutingKey = cfg.Queue
	}
	return &Transport{cfg: cfg, ch: ch, logger: logger.Named("amqp")}
}

// Publish sends m as a persistent message.
func (t *Transport) Publish(ctx context.Context, m events.Message) error {
	data, err := events.Encode(m)
	if err != nil {
		return err
	}
	err = t.ch.PublishWithContext(ctx, t.cfg.Exchange, t.cfg.RoutingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Type:         string(m.Kind),
		Body:         data,
	})
	if err != nil {
		return fmt.Errorf("publish %s message: %w", m.Kind, err)
	}
	return nil
}

// Subscribe consumes until ctx ends or the delivery channel closes. Malformed
// messages are rejected without requeue; handler errors requeue.
func (t *Transport) Subscribe(ctx context.Context, h events.Handler) error {
	deliveries, err := t.ch.Consume(t.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", t.cfg.Queue, err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			t.handle(ctx, d, h)
		}
	}
}

func (t *Transport) handle(ctx context.Context, d amqp.Delivery, h events.Handler) {
	m, err := events.Decode(d.Body)
	if err != nil {
		t.logger.Error("rejecting malformed message", zap.Uint64("delivery_tag", d.DeliveryTag), zap.Error(err))
		if nackErr := d.Nack(false, false); nackErr != nil {
			t.logger.Warn("nack malformed message", zap.Error(nackErr))
		}
		return
	}
	if err := h(ctx, m); err != nil {
		t.logger.Warn("message handler failed", zap.String("kind", string(m.Kind)), zap.Error(err))
		if nackErr := d.Nack(false, true); nackErr != nil {
			t.logger.Warn("nack message", zap.Error(nackErr))
		}
		return
	}
	if ackErr := d.Ack(false); ackErr != nil {
		t.logger.Warn("ack message", zap.Error(ackErr))
	}
}

// Close closes the channel and, when dialed, the connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	var errs []error
	if err := t.ch.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close amqp channel: %w", err))
	}
	if t.conn != nil {
		if err := t.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close amqp connection: %w", err))
		}
	}
	return errors.Join(errs...)
}
