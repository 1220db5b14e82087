package application

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"sbanalytics/internal/platform/logging"
	"sbanalytics/internal/processor/adapters/memory"
	"sbanalytics/internal/processor/ports"
	"sbanalytics/internal/shared/clock"
)

type memoryGate struct{ optedOut map[string]bool }

func newMemoryGate() *memoryGate { return &memoryGate{optedOut: make(map[string]bool)} }

func (g *memoryGate) IsOptedOut(ctx context.Context, appUUID, anonUserID string) (bool, error) {
	return g.optedOut[appUUID+"|"+anonUserID], nil
}

func newProcessor(store *memory.Store, gate *memoryGate, dlq *memory.DLQPublisher, repub *memory.Republisher, fixed *clock.Fixed, maxRetries int) *EventProcessor {
	enricher := NewGeoEnricher([]int{7, 9, 11})
	presence := NewPresenceMaterializer(enricher)
	license := NewLicenseMaterializer()
	proc := NewEventProcessor(store, presence, license, gate, dlq, repub, fixed, logging.Discard(), maxRetries, 0.5, 300)
	proc.Sleep = func(time.Duration) {}
	return proc
}

func geoDelivery(appUUID, eventID, deviceHash, anonUser string, ts time.Time) Delivery {
	body, _ := json.Marshal(map[string]any{
		"app_uuid":       appUUID,
		"event_id":       eventID,
		"event_type":     "geo.ping",
		"timestamp":      ts.UTC().Format(time.RFC3339Nano),
		"anon_user_id":   anonUser,
		"device_id_hash": deviceHash,
		"session_id":     "sess-1",
		"sdk_version":    "1.0.0",
		"event_version":  "1",
		"payload":        map[string]any{},
		"context": map[string]any{
			"geo": map[string]any{"lat": 1.0, "lon": 2.0, "accuracy_m": 20.0},
		},
	})
	return Delivery{RoutingKey: "geo", Body: body}
}

func TestEventProcessorGeoHappyPath(t *testing.T) {
	fixed := &clock.Fixed{At: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	store := memory.NewStore()
	store.SetFixedLookup("place-1", ports.AdminCodes{"country": "US"})
	dlq := memory.NewDLQPublisher()
	repub := memory.NewRepublisher()
	proc := newProcessor(store, newMemoryGate(), dlq, repub, fixed, 3)

	outcome := proc.Handle(context.Background(), geoDelivery("app-1", "evt-1", "dev-1", "user-1", fixed.At))
	if outcome != OutcomeAck {
		t.Fatalf("expected ack, got %v", outcome)
	}
	if len(dlq.Records) != 0 {
		t.Fatalf("expected no DLQ records, got %+v", dlq.Records)
	}
	row, ok := store.Customer360("app-1", "user-1")
	if !ok || row.GeoEventsCount != 1 {
		t.Fatalf("expected geo_events_count=1, got %+v (ok=%v)", row, ok)
	}
}

func TestEventProcessorDedupesRedeliveryWithoutDoubleCounting(t *testing.T) {
	fixed := &clock.Fixed{At: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	store := memory.NewStore()
	store.SetFixedLookup("place-1", ports.AdminCodes{"country": "US"})
	dlq := memory.NewDLQPublisher()
	repub := memory.NewRepublisher()
	proc := newProcessor(store, newMemoryGate(), dlq, repub, fixed, 3)

	d := geoDelivery("app-1", "evt-dup", "dev-1", "user-1", fixed.At)
	proc.Handle(context.Background(), d)
	proc.Handle(context.Background(), d)

	row, _ := store.Customer360("app-1", "user-1")
	if row.GeoEventsCount != 1 {
		t.Fatalf("expected geo_events_count to stay 1 after redelivery, got %d", row.GeoEventsCount)
	}

	hourBucket := time.Date(fixed.At.Year(), fixed.At.Month(), fixed.At.Day(), fixed.At.Hour(), 0, 0, 0, time.UTC)
	devices, _ := store.AggregateCount("app-1", hourBucket, "place", "place-1")
	if devices != 1 {
		t.Fatalf("expected place aggregate devices_count to stay 1 after redelivery, got %d", devices)
	}
}

func TestEventProcessorOptOutBlocksMaterialization(t *testing.T) {
	fixed := &clock.Fixed{At: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	store := memory.NewStore()
	gate := newMemoryGate()
	gate.optedOut["app-1|user-1"] = true
	dlq := memory.NewDLQPublisher()
	repub := memory.NewRepublisher()
	proc := newProcessor(store, gate, dlq, repub, fixed, 3)

	outcome := proc.Handle(context.Background(), geoDelivery("app-1", "evt-1", "dev-1", "user-1", fixed.At))
	if outcome != OutcomeAck {
		t.Fatalf("expected ack, got %v", outcome)
	}
	if _, ok := store.Customer360("app-1", "user-1"); ok {
		t.Fatalf("expected no customer_360 row for an opted-out user")
	}
}

func TestEventProcessorMalformedJSONGoesToDLQ(t *testing.T) {
	fixed := &clock.Fixed{At: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	store := memory.NewStore()
	dlq := memory.NewDLQPublisher()
	repub := memory.NewRepublisher()
	proc := newProcessor(store, newMemoryGate(), dlq, repub, fixed, 3)

	outcome := proc.Handle(context.Background(), Delivery{RoutingKey: "geo", Body: []byte("not json")})
	if outcome != OutcomeAck {
		t.Fatalf("expected ack even on malformed json, got %v", outcome)
	}
	if len(dlq.Records) != 1 || dlq.Records[0].Reason != "json_decode" {
		t.Fatalf("expected one json_decode DLQ record, got %+v", dlq.Records)
	}
}

// failingStore wraps a *memory.Store and fails the first failNext calls to
// InsertDevicePresence with a plain (non-transient-marked) error, letting
// the test observe the processor's own transient classification (the
// presence materializer wraps store errors as transient) rather than
// relying on the store to pre-wrap it.
type failingStore struct {
	*memory.Store
	failNext int
}

func (s *failingStore) InsertDevicePresence(ctx context.Context, p ports.PresenceRow) (bool, error) {
	if s.failNext > 0 {
		s.failNext--
		return false, errSimulatedDB
	}
	return s.Store.InsertDevicePresence(ctx, p)
}

type failingUoW struct{ store *failingStore }

func (u *failingUoW) Execute(ctx context.Context, fn func(ctx context.Context, store ports.Store) error) error {
	return fn(ctx, u.store)
}

var errSimulatedDB = errors.New("simulated db outage")

func TestEventProcessorTransientErrorRepublishesWithBackoff(t *testing.T) {
	fixed := &clock.Fixed{At: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	inner := memory.NewStore()
	inner.SetFixedLookup("place-1", ports.AdminCodes{"country": "US"})
	store := &failingStore{Store: inner, failNext: 1}
	uow := &failingUoW{store: store}
	dlq := memory.NewDLQPublisher()
	repub := memory.NewRepublisher()

	enricher := NewGeoEnricher([]int{7, 9, 11})
	presence := NewPresenceMaterializer(enricher)
	license := NewLicenseMaterializer()
	proc := NewEventProcessor(uow, presence, license, newMemoryGate(), dlq, repub, fixed, logging.Discard(), 3, 0.5, 300)
	proc.Sleep = func(time.Duration) {}

	outcome := proc.Handle(context.Background(), geoDelivery("app-1", "evt-1", "dev-1", "user-1", fixed.At))
	if outcome != OutcomeAck {
		t.Fatalf("expected ack after successful republish, got %v", outcome)
	}
	if len(dlq.Records) != 0 {
		t.Fatalf("expected no DLQ records on first transient failure, got %+v", dlq.Records)
	}
	if len(repub.Records) != 1 || repub.Records[0].Retry != 1 {
		t.Fatalf("expected one republish with retry=1, got %+v", repub.Records)
	}
}

func TestEventProcessorRepublishFailureRequeues(t *testing.T) {
	fixed := &clock.Fixed{At: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	inner := memory.NewStore()
	inner.SetFixedLookup("place-1", ports.AdminCodes{"country": "US"})
	store := &failingStore{Store: inner, failNext: 1}
	uow := &failingUoW{store: store}
	dlq := memory.NewDLQPublisher()
	repub := memory.NewRepublisher()
	repub.FailNext = 1

	enricher := NewGeoEnricher([]int{7, 9, 11})
	presence := NewPresenceMaterializer(enricher)
	license := NewLicenseMaterializer()
	proc := NewEventProcessor(uow, presence, license, newMemoryGate(), dlq, repub, fixed, logging.Discard(), 3, 0.5, 300)
	proc.Sleep = func(time.Duration) {}

	outcome := proc.Handle(context.Background(), geoDelivery("app-1", "evt-1", "dev-1", "user-1", fixed.At))
	if outcome != OutcomeRequeue {
		t.Fatalf("expected requeue when republish itself fails, got %v", outcome)
	}
}

func TestEventProcessorLicenseEventUpdatesState(t *testing.T) {
	fixed := &clock.Fixed{At: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	store := memory.NewStore()
	dlq := memory.NewDLQPublisher()
	repub := memory.NewRepublisher()
	proc := newProcessor(store, newMemoryGate(), dlq, repub, fixed, 3)

	body, _ := json.Marshal(map[string]any{
		"app_uuid":       "app-1",
		"event_id":       "evt-lic-1",
		"event_type":     "license.renewed",
		"timestamp":      fixed.At.Format(time.RFC3339Nano),
		"anon_user_id":   "user-1",
		"device_id_hash": "dev-1",
		"session_id":     "sess-1",
		"sdk_version":    "1.0.0",
		"event_version":  "1",
		"payload": map[string]any{
			"plan_type":      "pro",
			"license_status": "active",
			"expires_at":     "2025-01-01T00:00:00Z",
		},
		"context": map[string]any{},
	})

	outcome := proc.Handle(context.Background(), Delivery{RoutingKey: "license", Body: body})
	if outcome != OutcomeAck {
		t.Fatalf("expected ack, got %v", outcome)
	}
	if len(dlq.Records) != 0 {
		t.Fatalf("expected no DLQ records, got %+v", dlq.Records)
	}
	row, ok := store.Customer360("app-1", "user-1")
	if !ok || row.PlanType != "pro" || row.LicenseEventsCount != 1 {
		t.Fatalf("expected license customer_360 row, got %+v (ok=%v)", row, ok)
	}
}
