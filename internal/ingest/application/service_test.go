package application

import (
	"context"
	"testing"

	"sbanalytics/internal/ingest/adapters/memory"
	"sbanalytics/internal/platform/logging"
	"sbanalytics/internal/shared/events"
	"sbanalytics/internal/shared/idgen"
)

func newService() (*Service, *memory.Store) {
	store := memory.New()
	parser := NewParser(false, idgen.UUIDGenerator{})
	svc := NewService(store, parser, logging.Discard())
	return svc, store
}

func geoPingDoc() events.Document {
	return events.Document{
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
}

func TestIngestHappyGeoPing(t *testing.T) {
	svc, store := newService()
	result, err := svc.Ingest(context.Background(), []events.Document{geoPingDoc()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Accepted != 1 || result.Deduped != 0 || len(result.Rejected) != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if store.RawEventCount() != 1 {
		t.Fatalf("expected 1 raw row, got %d", store.RawEventCount())
	}
	rows := store.OutboxRows()
	if len(rows) != 2 {
		t.Fatalf("expected 2 outbox rows (raw, geo), got %d", len(rows))
	}
}

func TestIngestDedupOnResubmit(t *testing.T) {
	svc, store := newService()
	ctx := context.Background()
	// Dedupe is keyed on (app_uuid, event_id), so the resubmitted document
	// carries a fixed event_id instead of one the lenient parser generates.
	doc := geoPingDoc()
	doc["event_id"] = "55555555-5555-4555-8555-555555555555"
	if _, err := svc.Ingest(ctx, []events.Document{doc}); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	second, err := svc.Ingest(ctx, []events.Document{doc})
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if second.Accepted != 0 || second.Deduped != 1 {
		t.Fatalf("expected pure dedupe, got %+v", second)
	}
	if len(store.OutboxRows()) != 2 {
		t.Fatalf("outbox rows should not grow on dedupe, got %d", len(store.OutboxRows()))
	}
}

func TestIngestOptOutBlocks(t *testing.T) {
	svc, store := newService()
	ctx := context.Background()
	if err := svc.RecordOptOut(ctx, "00000000-0000-0000-0000-000000000001", "u1"); err != nil {
		t.Fatalf("record opt out: %v", err)
	}

	result, err := svc.Ingest(ctx, []events.Document{geoPingDoc()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Rejected) != 1 || result.Rejected[0].Error != "opt_out" {
		t.Fatalf("expected opt_out rejection, got %+v", result)
	}
	if store.RawEventCount() != 0 || len(store.OutboxRows()) != 0 {
		t.Fatalf("opted-out submission must not write any row")
	}
}

func TestIngestRejectsInvalidDocumentWithoutAbortingBatch(t *testing.T) {
	svc, store := newService()
	bad := geoPingDoc()
	delete(bad, "device_id_hash")

	result, err := svc.Ingest(context.Background(), []events.Document{bad, geoPingDoc()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Accepted != 1 || len(result.Rejected) != 1 || result.Rejected[0].Index != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if store.RawEventCount() != 1 {
		t.Fatalf("expected the valid doc to still be admitted")
	}
}

func TestIngestEmptyBatchRejected(t *testing.T) {
	svc, _ := newService()
	if _, err := svc.Ingest(context.Background(), nil); err == nil {
		t.Fatalf("expected error for empty batch")
	}
}
