// Package broker manages the RabbitMQ connection and topic-exchange
// topology shared by the outbox publisher and the event processor. Both
// publish and consume against the same durable topic exchange; this package
// owns connecting and declaring, leaving message-shape concerns to its
// callers. A dropped connection is not re-established here.
package broker

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RoutingKeys is the fixed set of topic-exchange routing keys this system
// ever publishes or binds queues for.
var RoutingKeys = []string{"raw", "geo", "license", "session", "screen", "ui", "system", "dlq"}

// Conn wraps a long-lived AMQP connection plus the exchange it was declared
// against. Channels are opened per-use by callers (publisher workers each
// keep their own channel; the processor keeps one channel per consumer).
type Conn struct {
	amqpConn *amqp.Connection
	Exchange string
}

// Dial connects to RabbitMQ and declares the durable topic exchange. It does
// not declare any queues; queue topology is declared by whichever side
// (publisher vs. consumer) needs a particular queue to exist, matching the
// idempotent "declare on first use" convention of amqp091-go clients.
func Dial(ctx context.Context, url, exchange string) (*Conn, error) {
	amqpConn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("broker: dial: %w", err)
	}

	ch, err := amqpConn.Channel()
	if err != nil {
		amqpConn.Close()
		return nil, fmt.Errorf("broker: channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		amqpConn.Close()
		return nil, fmt.Errorf("broker: declare exchange %s: %w", exchange, err)
	}

	return &Conn{amqpConn: amqpConn, Exchange: exchange}, nil
}

// Channel opens a new AMQP channel on the shared connection.
func (c *Conn) Channel() (*amqp.Channel, error) {
	return c.amqpConn.Channel()
}

// Close tears down the underlying connection.
func (c *Conn) Close() error {
	return c.amqpConn.Close()
}

// DeclareQueue declares a durable queue bound to the exchange under the
// given routing key. Consumers call this before consuming; it is a no-op if
// the queue already exists with matching arguments.
func DeclareQueue(ch *amqp.Channel, exchange, queueName, routingKey string) error {
	if _, err := ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		return fmt.Errorf("broker: declare queue %s: %w", queueName, err)
	}
	if err := ch.QueueBind(queueName, routingKey, exchange, false, nil); err != nil {
		return fmt.Errorf("broker: bind queue %s to %s: %w", queueName, routingKey, err)
	}
	return nil
}

// Publish sends a persistent, JSON-content-typed message to the exchange
// under routingKey. headers, if non-nil, are attached as AMQP message
// headers (used for the sb_retry/sb_retry_at republish markers).
func Publish(ctx context.Context, ch *amqp.Channel, exchange, routingKey string, body []byte, headers amqp.Table) error {
	pubCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return ch.PublishWithContext(pubCtx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Headers:      headers,
		Body:         body,
	})
}
