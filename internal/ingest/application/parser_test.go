package application

import (
	"errors"
	"testing"

	domainerrors "sbanalytics/internal/ingest/domain/errors"
	"sbanalytics/internal/shared/events"
	"sbanalytics/internal/shared/idgen"
)

func docFixture(overrides map[string]any) events.Document {
	doc := events.Document{
		"app_uuid":       "00000000-0000-0000-0000-000000000001",
		"event_type":     "geo.ping",
		"timestamp":      "2024-01-01T12:30:00Z",
		"anon_user_id":   "u1",
		"device_id_hash": "d1",
		"session_id":     "s1",
		"sdk_version":    "1",
		"event_version":  "1",
		"payload":        map[string]any{},
		"context": map[string]any{
			"geo": map[string]any{"lat": 18.4861, "lon": -69.9312, "accuracy_m": 25.0, "source": "gps"},
		},
	}
	for k, v := range overrides {
		doc[k] = v
	}
	return doc
}

func TestParserLenientAcceptsLegacyAliases(t *testing.T) {
	ids := []string{"11111111-1111-1111-1111-111111111111", "22222222-2222-2222-2222-222222222222"}
	p := NewParser(false, &idgen.Sequence{IDs: ids})

	modern, err := p.Parse(docFixture(nil))
	if err != nil {
		t.Fatalf("modern doc: unexpected error: %v", err)
	}

	legacy := docFixture(map[string]any{
		"event_name":  "geo.ping",
		"occurred_at": "2024-01-01T12:30:00Z",
	})
	delete(legacy, "event_type")
	delete(legacy, "timestamp")

	p2 := NewParser(false, &idgen.Sequence{IDs: ids})
	legacyEvt, err := p2.Parse(legacy)
	if err != nil {
		t.Fatalf("legacy doc: unexpected error: %v", err)
	}

	if modern.EventType != legacyEvt.EventType || !modern.Timestamp.Equal(legacyEvt.Timestamp) {
		t.Fatalf("legacy and modern envelopes diverged: %+v vs %+v", modern, legacyEvt)
	}
	if modern.Producer != "smartbuket-sdk" || modern.Actor != "anonymous" {
		t.Fatalf("unexpected defaults: producer=%s actor=%s", modern.Producer, modern.Actor)
	}
}

func TestParserStrictRejectsMissingEnvelopeFields(t *testing.T) {
	p := NewParser(true, idgen.UUIDGenerator{})
	_, err := p.Parse(docFixture(nil))
	if !errors.Is(err, domainerrors.ErrInvalidEnvelope) {
		t.Fatalf("expected ErrInvalidEnvelope, got %v", err)
	}
}

func TestParserStrictAcceptsFullEnvelope(t *testing.T) {
	p := NewParser(true, idgen.UUIDGenerator{})
	doc := docFixture(map[string]any{
		"event_name":  "geo.ping",
		"occurred_at": "2024-01-01T12:30:00Z",
		"event_id":    "33333333-3333-3333-3333-333333333333",
		"trace_id":    "44444444-4444-4444-4444-444444444444",
		"producer":    "sdk",
		"actor":       "user-1",
	})
	evt, err := p.Parse(doc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if evt.EventID != "33333333-3333-3333-3333-333333333333" {
		t.Fatalf("event id not preserved: %s", evt.EventID)
	}
}

func TestParserRejectsNonObjectPayload(t *testing.T) {
	p := NewParser(false, idgen.UUIDGenerator{})
	doc := docFixture(map[string]any{"payload": "not-an-object"})
	if _, err := p.Parse(doc); !errors.Is(err, domainerrors.ErrInvalidEnvelope) {
		t.Fatalf("expected ErrInvalidEnvelope, got %v", err)
	}
}

func TestParserGeneratesMissingIDsInLenientMode(t *testing.T) {
	p := NewParser(false, idgen.UUIDGenerator{})
	evt, err := p.Parse(docFixture(nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if evt.EventID == "" || evt.TraceID == "" {
		t.Fatalf("expected generated ids, got empty: %+v", evt)
	}
}
