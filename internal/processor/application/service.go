// Package application implements the processor bounded context: the
// EventProcessor dispatch state machine plus the GeoEnricher,
// PresenceMaterializer, and LicenseMaterializer it delegates to.
package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	procerrors "sbanalytics/internal/processor/domain/errors"
	"sbanalytics/internal/processor/ports"
	"sbanalytics/internal/privacy"
	privacyports "sbanalytics/internal/privacy/ports"
	"sbanalytics/internal/shared/clock"
	"sbanalytics/internal/shared/events"
)

// ConsumerName identifies this processing path in the processed-events
// dedupe ledger; geo and license deliveries share one consumer identity
// since they're deduped by (app_uuid, event_id) regardless of queue.
const ConsumerName = "event-processor"

// Delivery is everything EventProcessor needs about one broker message; the
// broker adapter is responsible for extracting these from the AMQP
// delivery's body/headers.
type Delivery struct {
	RoutingKey string
	Body       []byte
	Retry      int
}

// Outcome tells the broker adapter what to do with the delivery: ack it, or
// nack-with-requeue because even the transient-retry republish failed.
type Outcome int

const (
	OutcomeAck Outcome = iota
	OutcomeRequeue
)

// EventProcessor implements the per-delivery state machine described for
// the geo/license consumer: decode, dedupe, privacy check, dispatch,
// transient-retry-or-DLQ.
type EventProcessor struct {
	UoW             ports.UnitOfWork
	Presence        *PresenceMaterializer
	License         *LicenseMaterializer
	Privacy         *privacy.ProcessCache
	DLQ             ports.DLQPublisher
	Republisher     ports.Republisher
	Clock           clock.Clock
	Logger          *slog.Logger
	MaxRetries       int
	RetryBaseSeconds float64
	RetryMaxSeconds  float64

	// Sleep blocks for the backoff delay before republishing a transient
	// failure. Defaults to time.Sleep; tests override it to avoid actually
	// waiting out the backoff.
	Sleep func(time.Duration)
}

func NewEventProcessor(
	uow ports.UnitOfWork,
	presence *PresenceMaterializer,
	license *LicenseMaterializer,
	gate privacyports.Gate,
	dlq ports.DLQPublisher,
	republisher ports.Republisher,
	clk clock.Clock,
	logger *slog.Logger,
	maxRetries int,
	retryBaseSeconds, retryMaxSeconds float64,
) *EventProcessor {
	return &EventProcessor{
		UoW:              uow,
		Presence:         presence,
		License:          license,
		Privacy:          privacy.NewProcessCache(gate),
		DLQ:              dlq,
		Republisher:      republisher,
		Clock:            clk,
		Logger:           logger,
		MaxRetries:       maxRetries,
		RetryBaseSeconds: retryBaseSeconds,
		RetryMaxSeconds:  retryMaxSeconds,
		Sleep:            time.Sleep,
	}
}

// Handle processes one delivery end to end and returns the outcome the
// broker adapter should apply (ack in almost every case; requeue only when
// a transient-error republish itself failed).
func (p *EventProcessor) Handle(ctx context.Context, d Delivery) Outcome {
	var decoded any
	if err := json.Unmarshal(d.Body, &decoded); err != nil {
		p.DLQ.PublishDLQ(ctx, "json_decode", d.Body, nil, "DecodeError", err.Error())
		return OutcomeAck
	}
	doc, ok := decoded.(map[string]any)
	if !ok {
		p.DLQ.PublishDLQ(ctx, "invalid_document_type", d.Body, decoded, "DecodeError", "document is not a JSON object")
		return OutcomeAck
	}

	evt, err := buildCanonicalEvent(doc)
	if err != nil {
		p.DLQ.PublishDLQ(ctx, "invalid_document_type", d.Body, doc, "DecodeError", err.Error())
		return OutcomeAck
	}

	err = p.UoW.Execute(ctx, func(ctx context.Context, store ports.Store) error {
		if evt.AppUUID != "" && evt.EventID != "" {
			inserted, err := store.MarkProcessed(ctx, ConsumerName, evt.AppUUID, evt.EventID)
			if err != nil {
				return procerrors.Transient(err)
			}
			if !inserted {
				return nil
			}
		}

		optedOut, err := p.Privacy.IsOptedOut(ctx, evt.AppUUID, evt.AnonUserID)
		if err != nil {
			return procerrors.Transient(err)
		}
		if optedOut {
			return nil
		}

		return p.dispatch(ctx, store, d.RoutingKey, evt)
	})

	if err == nil {
		return OutcomeAck
	}

	if errors.Is(err, procerrors.ErrInvalidEnvelope) {
		p.DLQ.PublishDLQ(ctx, "minimal_event", d.Body, doc, "InvalidEnvelope", err.Error())
		return OutcomeAck
	}

	if errors.Is(err, procerrors.ErrTransient) && d.Retry < p.MaxRetries {
		nextRetry := d.Retry + 1
		delay := p.backoff(d.Retry)
		p.Sleep(delay)
		nextAttempt := p.Clock.Now().Add(delay)
		if repubErr := p.Republisher.Republish(ctx, d.RoutingKey, d.Body, nextRetry, nextAttempt); repubErr != nil {
			p.Logger.Warn("processor.republish_failed", "error", repubErr.Error(), "routing_key", d.RoutingKey)
			return OutcomeRequeue
		}
		p.Logger.Warn("processor.transient_retry", "error", err.Error(), "retry", nextRetry, "routing_key", d.RoutingKey)
		return OutcomeAck
	}

	p.DLQ.PublishDLQ(ctx, "unhandled", d.Body, doc, fmt.Sprintf("%T", err), err.Error())
	return OutcomeAck
}

func (p *EventProcessor) dispatch(ctx context.Context, store ports.Store, routingKey string, evt events.CanonicalEvent) error {
	switch {
	case routingKey == "license" || strings.HasPrefix(evt.EventType, "license."):
		return p.License.Materialize(ctx, store, evt)
	case evt.EventType == "geo.ping":
		return p.Presence.Materialize(ctx, store, evt)
	default:
		return nil
	}
}

// backoff implements min(retryMaxSeconds, retryBaseSeconds * 2^retries).
func (p *EventProcessor) backoff(retries int) time.Duration {
	seconds := p.RetryBaseSeconds * math.Pow(2, float64(retries))
	if seconds > p.RetryMaxSeconds {
		seconds = p.RetryMaxSeconds
	}
	return time.Duration(seconds * float64(time.Second))
}

// buildCanonicalEvent reconstructs a CanonicalEvent from the wire envelope
// the outbox published. The envelope was already normalized by
// EnvelopeParser at ingest time, so this is a direct field read, not a
// re-validation -- materialization itself reports ErrInvalidEnvelope for
// fields it specifically requires (device_id_hash, anon_user_id, and so
// on), per component.
func buildCanonicalEvent(doc events.Document) (events.CanonicalEvent, error) {
	tsStr, _ := doc["timestamp"].(string)
	ts, err := time.Parse(time.RFC3339Nano, tsStr)
	if err != nil {
		ts, err = time.Parse(time.RFC3339, tsStr)
		if err != nil {
			return events.CanonicalEvent{}, fmt.Errorf("invalid timestamp: %q", tsStr)
		}
	}

	payload, _ := doc["payload"].(map[string]any)
	context, _ := doc["context"].(map[string]any)

	return events.CanonicalEvent{
		EventID:      asString(doc["event_id"]),
		TraceID:      asString(doc["trace_id"]),
		Producer:     asString(doc["producer"]),
		Actor:        asString(doc["actor"]),
		AppUUID:      asString(doc["app_uuid"]),
		EventType:    asString(doc["event_type"]),
		Timestamp:    ts.UTC(),
		AnonUserID:   asString(doc["anon_user_id"]),
		DeviceIDHash: asString(doc["device_id_hash"]),
		SessionID:    asString(doc["session_id"]),
		SDKVersion:   asString(doc["sdk_version"]),
		EventVersion: asString(doc["event_version"]),
		Payload:      payload,
		Context:      context,
		Raw:          doc,
	}, nil
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}
