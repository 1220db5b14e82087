// Package broker implements the processor's broker-facing ports: consuming
// the geo/license queues, republishing transient failures with an
// incremented retry header, and emitting DLQ envelopes.
package broker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"sbanalytics/internal/platform/broker"
	"sbanalytics/internal/processor/application"
)

const (
	headerRetry   = "sb_retry"
	headerRetryAt = "sb_retry_at"
)

// Consumer runs one worker goroutine per subscribed queue, handing each
// delivery to an application.EventProcessor and acking or nacking per its
// returned Outcome.
type Consumer struct {
	conn      *broker.Conn
	processor *application.EventProcessor
	logger    *slog.Logger
	prefetch  int
}

func NewConsumer(conn *broker.Conn, processor *application.EventProcessor, logger *slog.Logger, prefetch int) *Consumer {
	return &Consumer{conn: conn, processor: processor, logger: logger, prefetch: prefetch}
}

// Run declares and consumes queueName bound to routingKey until ctx is
// cancelled, blocking the calling goroutine. Callers run one Run per queue.
func (c *Consumer) Run(ctx context.Context, queueName, routingKey string) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("processor broker: open channel: %w", err)
	}
	defer ch.Close()

	if err := broker.DeclareQueue(ch, c.conn.Exchange, queueName, routingKey); err != nil {
		return err
	}
	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("processor broker: set qos: %w", err)
	}

	deliveries, err := ch.Consume(queueName, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("processor broker: consume %s: %w", queueName, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			c.handle(ctx, d)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	retry := 0
	if v, ok := d.Headers[headerRetry]; ok {
		retry = headerToInt(v)
	}

	outcome := c.processor.Handle(ctx, application.Delivery{
		RoutingKey: d.RoutingKey,
		Body:       d.Body,
		Retry:      retry,
	})

	switch outcome {
	case application.OutcomeAck:
		if err := d.Ack(false); err != nil {
			c.logger.Warn("processor.ack_failed", "error", err.Error())
		}
	case application.OutcomeRequeue:
		if err := d.Nack(false, true); err != nil {
			c.logger.Warn("processor.nack_failed", "error", err.Error())
		}
	}
}

func headerToInt(v any) int {
	switch n := v.(type) {
	case int32:
		return int(n)
	case int64:
		return int(n)
	case int:
		return n
	case string:
		i, _ := strconv.Atoi(n)
		return i
	default:
		return 0
	}
}

// Republisher reuses the consumer's connection to republish a delivery's
// body to its original routing key with incremented retry headers.
type Republisher struct {
	conn *broker.Conn
	mu   sync.Mutex
	ch   *amqp.Channel
}

func NewRepublisher(conn *broker.Conn) (*Republisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("processor broker: open republish channel: %w", err)
	}
	return &Republisher{conn: conn, ch: ch}, nil
}

func (r *Republisher) Republish(ctx context.Context, routingKey string, body []byte, retry int, retryAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	headers := amqp.Table{
		headerRetry:   int32(retry),
		headerRetryAt: retryAt.UTC().Format(time.RFC3339Nano),
	}
	return broker.Publish(ctx, r.ch, r.conn.Exchange, routingKey, body, headers)
}

func (r *Republisher) Close() error { return r.ch.Close() }

// DLQPublisher emits the fixed dead-letter envelope shape to the "dlq"
// routing key. Publish failures are logged, never propagated, so the
// original delivery can still be acked.
type DLQPublisher struct {
	conn *broker.Conn
	mu   sync.Mutex
	ch   *amqp.Channel
	log  *slog.Logger
}

// NewDLQPublisher opens a channel and declares+binds the durable dlq queue
// so that published dead-letters have somewhere to land; this queue is
// never consumed by this process, only inspected operationally.
func NewDLQPublisher(conn *broker.Conn, logger *slog.Logger, queueName string) (*DLQPublisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("processor broker: open dlq channel: %w", err)
	}
	if err := broker.DeclareQueue(ch, conn.Exchange, queueName, "dlq"); err != nil {
		ch.Close()
		return nil, err
	}
	return &DLQPublisher{conn: conn, ch: ch, log: logger}, nil
}

func (d *DLQPublisher) PublishDLQ(ctx context.Context, reason string, rawBody []byte, decoded any, errType, errMsg string) {
	envelope := map[string]any{
		"failed_at": time.Now().UTC().Format(time.RFC3339Nano),
		"reason":    reason,
		"source":    map[string]any{"broker": "rabbitmq"},
		"payload": map[string]any{
			"raw_value_b64": base64.StdEncoding.EncodeToString(rawBody),
			"decoded":       decoded,
		},
	}
	if errType != "" || errMsg != "" {
		envelope["error"] = map[string]any{"type": errType, "message": errMsg}
	}

	body, err := json.Marshal(envelope)
	if err != nil {
		d.log.Warn("processor.dlq_marshal_failed", "error", err.Error(), "reason", reason)
		return
	}

	d.mu.Lock()
	publishErr := broker.Publish(ctx, d.ch, d.conn.Exchange, "dlq", body, nil)
	d.mu.Unlock()
	if publishErr != nil {
		d.log.Warn("processor.dlq_publish_failed", "error", publishErr.Error(), "reason", reason)
	}
}

func (d *DLQPublisher) Close() error { return d.ch.Close() }
