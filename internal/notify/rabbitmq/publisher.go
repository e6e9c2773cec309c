// Package rabbitmq publishes read-model update notifications to an AMQP
// topic exchange, routing key "<slot>.<consumer>".
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"projector/internal/notify"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
)

type Config struct {
	URL      string
	Exchange string
}

func (c Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("rabbitmq url is required")
	}
	if c.Exchange == "" {
		return fmt.Errorf("rabbitmq exchange is required")
	}
	return nil
}

// Publisher sends notifications over one AMQP channel. Publish failures
// are counted and logged, never propagated.
type Publisher struct {
	cfg    Config
	conn   *amqp091.Connection
	ch     *amqp091.Channel
	logger *slog.Logger

	dropped atomic.Int64
	closed  atomic.Bool

	publish func(ctx context.Context, routingKey string, body []byte) error
}

func NewPublisher(cfg Config, logger *slog.Logger) (*Publisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := amqp091.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	p := &Publisher{
		cfg:    cfg,
		conn:   conn,
		ch:     ch,
		logger: logger.With("component", "notify-rabbitmq"),
	}
	p.publish = func(ctx context.Context, routingKey string, body []byte) error {
		return ch.PublishWithContext(ctx, cfg.Exchange, routingKey, false, false, amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Transient,
			Body:         body,
		})
	}
	return p, nil
}

func (p *Publisher) Publish(ctx context.Context, n notify.ReadModelUpdated) error {
	if p.closed.Load() {
		return nil
	}
	if n.NotificationID == "" {
		n.NotificationID = uuid.NewString()
	}
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := p.publish(ctx, n.Slot+"."+n.Consumer, body); err != nil {
		p.dropped.Add(1)
		p.logger.Warn("notification publish failed", "consumer", n.Consumer, "err", err)
	}
	return nil
}

// Dropped is how many notifications failed to publish since startup.
func (p *Publisher) Dropped() int64 { return p.dropped.Load() }

func (p *Publisher) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	var errs []error
	if p.ch != nil {
		if err := p.ch.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
