package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/platinummonkey/opnet-plugins/pkg/admission"
	"github.com/platinummonkey/opnet-plugins/pkg/observability"
)

const publisherAMQP = "amqp"

// AMQPConfig describes the broker connection
type AMQPConfig struct {
	URL string
	// Exchange is declared as a topic exchange and events are routed by type.
	// When empty, events go to Queue on the default exchange.
	Exchange string
	Queue    string
	Durable  bool
}

// DefaultQueue is used when neither an exchange nor a queue is configured
const DefaultQueue = "opnetplg.decisions"

// amqpChannel is the subset of *amqp.Channel used for publishing
type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPublisher publishes decision events to RabbitMQ
type AMQPPublisher struct {
	conn     *amqp.Connection
	ch       amqpChannel
	exchange string
	queue    string
	metrics  *observability.Metrics
}

var _ admission.Publisher = (*AMQPPublisher)(nil)

// NewAMQPPublisher dials the broker and declares the exchange or queue
func NewAMQPPublisher(cfg AMQPConfig, metrics *observability.Metrics) (*AMQPPublisher, error) {
	if cfg.URL == "" {
		return nil, errors.New("AMQP URL is required")
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to AMQP broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open AMQP channel: %w", err)
	}

	queue := cfg.Queue
	if cfg.Exchange != "" {
		err = ch.ExchangeDeclare(cfg.Exchange, "topic", cfg.Durable, false, false, false, nil)
	} else {
		if queue == "" {
			queue = DefaultQueue
		}
		_, err = ch.QueueDeclare(queue, cfg.Durable, false, false, false, nil)
	}
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare AMQP destination: %w", err)
	}

	p := newAMQPPublisher(ch, cfg.Exchange, queue, metrics)
	p.conn = conn
	return p, nil
}

func newAMQPPublisher(ch amqpChannel, exchange, queue string, metrics *observability.Metrics) *AMQPPublisher {
	return &AMQPPublisher{ch: ch, exchange: exchange, queue: queue, metrics: metrics}
}

// Publish implements admission.Publisher
func (p *AMQPPublisher) Publish(ctx context.Context, d *admission.Decision) (err error) {
	defer func() { observe(p.metrics, publisherAMQP, err) }()

	if p == nil || p.ch == nil {
		return errors.New("AMQP publisher is not initialised")
	}
	e := NewEvent(d)
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	key := p.queue
	if p.exchange != "" {
		key = string(e.Type)
	}
	err = p.ch.PublishWithContext(ctx, p.exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    e.ID,
		Timestamp:    e.Timestamp,
		Type:         string(e.Type),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Close closes the channel and the connection
func (p *AMQPPublisher) Close() error {
	if p == nil {
		return nil
	}
	var errs []error
	if p.ch != nil {
		errs = append(errs, p.ch.Close())
	}
	if p.conn != nil {
		errs = append(errs, p.conn.Close())
	}
	return errors.Join(errs...)
}
