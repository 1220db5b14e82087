// Package broker implements ports.Publisher against the shared RabbitMQ
// topic exchange.
package broker

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"sbanalytics/internal/platform/broker"
)

// Publisher publishes leased outbox rows to the topic exchange under their
// routing key, with persistent delivery. A single channel is reused across
// publishes; amqp091-go channels are not safe for concurrent use, so
// Publisher serializes publishes with a mutex (one Publisher is meant to be
// owned by one publisher worker goroutine, but the mutex keeps it safe if
// that assumption ever changes).
type Publisher struct {
	conn *broker.Conn
	mu   sync.Mutex
	ch   *amqp.Channel
}

func NewPublisher(conn *broker.Conn) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("outbox broker: open channel: %w", err)
	}
	return &Publisher{conn: conn, ch: ch}, nil
}

func (p *Publisher) Publish(ctx context.Context, routingKey string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return broker.Publish(ctx, p.ch, p.conn.Exchange, routingKey, payload, nil)
}

func (p *Publisher) Close() error {
	return p.ch.Close()
}
