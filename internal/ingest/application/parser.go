package application

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"sbanalytics/internal/ingest/domain/errors"
	"sbanalytics/internal/shared/events"
	"sbanalytics/internal/shared/idgen"
)

// validateUUID parses and re-canonicalizes a UUID string, rejecting
// malformed values the same way the reference parser's _coerce_uuid does.
func validateUUID(s string) (string, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// requiredFields are present in every CanonicalEvent regardless of strict
// mode; event_type/timestamp are resolved separately because they accept
// legacy aliases.
var requiredFields = []string{
	"app_uuid", "anon_user_id", "device_id_hash", "session_id",
	"sdk_version", "event_version", "payload", "context",
}

var strictEnvelopeFields = []string{"event_name", "occurred_at", "event_id", "trace_id", "producer", "actor"}

// Parser validates and normalizes a raw Document into a CanonicalEvent.
type Parser struct {
	Strict bool
	IDs    idgen.Generator
}

func NewParser(strict bool, ids idgen.Generator) *Parser {
	return &Parser{Strict: strict, IDs: ids}
}

// Parse implements EnvelopeParser. It never mutates doc.
func (p *Parser) Parse(doc events.Document) (events.CanonicalEvent, error) {
	work := make(events.Document, len(doc))
	for k, v := range doc {
		work[k] = v
	}

	if p.Strict {
		var missing []string
		for _, f := range strictEnvelopeFields {
			if !nonEmpty(work[f]) {
				missing = append(missing, f)
			}
		}
		if len(missing) > 0 {
			return events.CanonicalEvent{}, fmt.Errorf("%w: missing required envelope fields: %v", errors.ErrInvalidEnvelope, missing)
		}
		work["event_type"] = work["event_name"]
		work["timestamp"] = work["occurred_at"]
	} else {
		if !nonEmpty(work["event_type"]) && nonEmpty(work["event_name"]) {
			work["event_type"] = work["event_name"]
		}
		if !nonEmpty(work["timestamp"]) && nonEmpty(work["occurred_at"]) {
			work["timestamp"] = work["occurred_at"]
		}
	}

	var missing []string
	for _, f := range requiredFields {
		if _, ok := work[f]; !ok {
			missing = append(missing, f)
		}
	}
	if _, ok := work["event_type"]; !ok {
		missing = append(missing, "event_type")
	}
	if _, ok := work["timestamp"]; !ok {
		missing = append(missing, "timestamp")
	}
	if len(missing) > 0 {
		return events.CanonicalEvent{}, fmt.Errorf("%w: missing required fields: %v", errors.ErrInvalidEnvelope, missing)
	}

	tsStr, ok := work["timestamp"].(string)
	if !ok {
		return events.CanonicalEvent{}, fmt.Errorf("%w: timestamp must be ISO-8601 string", errors.ErrInvalidEnvelope)
	}
	ts, err := parseTimestamp(tsStr)
	if err != nil {
		return events.CanonicalEvent{}, fmt.Errorf("%w: invalid timestamp", errors.ErrInvalidEnvelope)
	}

	payload, ok := work["payload"].(map[string]any)
	if !ok {
		return events.CanonicalEvent{}, fmt.Errorf("%w: payload must be object", errors.ErrInvalidEnvelope)
	}
	context, ok := work["context"].(map[string]any)
	if !ok {
		return events.CanonicalEvent{}, fmt.Errorf("%w: context must be object", errors.ErrInvalidEnvelope)
	}

	eventID, err := p.resolveID(work["event_id"], "event_id")
	if err != nil {
		return events.CanonicalEvent{}, fmt.Errorf("%w: invalid event_id", errors.ErrInvalidEnvelope)
	}
	traceID, err := p.resolveID(work["trace_id"], "trace_id")
	if err != nil {
		return events.CanonicalEvent{}, fmt.Errorf("%w: invalid trace_id", errors.ErrInvalidEnvelope)
	}

	producer, _ := work["producer"].(string)
	actor, _ := work["actor"].(string)
	if p.Strict {
		if strings.TrimSpace(producer) == "" {
			return events.CanonicalEvent{}, fmt.Errorf("%w: missing producer", errors.ErrInvalidEnvelope)
		}
		if strings.TrimSpace(actor) == "" {
			return events.CanonicalEvent{}, fmt.Errorf("%w: missing actor", errors.ErrInvalidEnvelope)
		}
	} else {
		if producer == "" {
			producer = "smartbuket-sdk"
		}
		if actor == "" {
			actor = "anonymous"
		}
	}

	appUUID, _ := work["app_uuid"].(string)

	return events.CanonicalEvent{
		EventID:      eventID,
		TraceID:      traceID,
		Producer:     producer,
		Actor:        actor,
		AppUUID:      appUUID,
		EventType:    toString(work["event_type"]),
		Timestamp:    ts,
		AnonUserID:   toString(work["anon_user_id"]),
		DeviceIDHash: toString(work["device_id_hash"]),
		SessionID:    toString(work["session_id"]),
		SDKVersion:   toString(work["sdk_version"]),
		EventVersion: toString(work["event_version"]),
		Payload:      payload,
		Context:      context,
		Raw:          doc,
	}, nil
}

// resolveID validates a supplied UUID string, or -- in lenient mode when the
// field is absent -- generates a fresh one.
func (p *Parser) resolveID(v any, field string) (string, error) {
	if v == nil || v == "" {
		if p.Strict {
			return "", fmt.Errorf("missing %s", field)
		}
		return p.IDs.NewUUID(), nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%s must be a string", field)
	}
	return validateUUID(s)
}

func nonEmpty(v any) bool {
	if v == nil {
		return false
	}
	s, ok := v.(string)
	if ok {
		return strings.TrimSpace(s) != ""
	}
	return true
}

func toString(v any) string {
	s, _ := v.(string)
	return s
}

// parseTimestamp accepts RFC3339 with a trailing "Z" or an explicit offset;
// naive (no offset) values are reinterpreted as UTC.
func parseTimestamp(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if strings.HasSuffix(v, "Z") {
		v = strings.TrimSuffix(v, "Z") + "+00:00"
	}
	layouts := []string{
		"2006-01-02T15:04:05.999999999Z07:00",
		"2006-01-02T15:04:05Z07:00",
		"2006-01-02T15:04:05.999999999",
		"2006-01-02T15:04:05",
	}
	var lastErr error
	for _, layout := range layouts {
		t, err := time.Parse(layout, v)
		if err == nil {
			if t.Location() == time.UTC || strings.Contains(layout, "Z07:00") {
				return t.UTC(), nil
			}
			return t.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
