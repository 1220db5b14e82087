// Package ports defines the interfaces IngestService depends on.
package ports

import (
	"context"
	"encoding/json"

	"sbanalytics/internal/shared/events"
)

// Parser normalizes a raw document into a CanonicalEvent.
type Parser interface {
	Parse(doc events.Document) (events.CanonicalEvent, error)
}

// PrivacyGate reports whether an entity has opted out.
type PrivacyGate interface {
	IsOptedOut(ctx context.Context, appUUID, anonUserID string) (bool, error)
}

// PrivacyRecorder records a new opt-out.
type PrivacyRecorder interface {
	RecordOptOut(ctx context.Context, appUUID, anonUserID string) error
}

// DeleteCounts reports how many rows privacy-delete removed per table.
type DeleteCounts struct {
	RawEvents      int64 `json:"raw_events"`
	DevicePresence int64 `json:"device_hourly_presence"`
	UserPresence   int64 `json:"user_hourly_presence"`
	Customer360    int64 `json:"customer_360"`
	LicenseState   int64 `json:"license_state"`
	OptOut         int64 `json:"opt_out"`
}

// Store is the transactional persistence boundary IngestService uses. A
// single Store value is scoped to one open transaction; Admit and Stage
// calls within it are part of that transaction.
type Store interface {
	// IsOptedOut checks opt-out status within the current transaction (so it
	// observes opt-outs recorded earlier in the same batch).
	IsOptedOut(ctx context.Context, appUUID, anonUserID string) (bool, error)

	// AdmitRawEvent inserts into raw_events with ON CONFLICT DO NOTHING,
	// plus the derived geo columns when present. Returns false if the row
	// already existed (the admission-side idempotency fence).
	AdmitRawEvent(ctx context.Context, evt events.CanonicalEvent) (inserted bool, err error)

	// StageOutbox inserts one outbox row per routing key with ON CONFLICT
	// DO NOTHING, keyed by (app_uuid, event_id, routing_key).
	StageOutbox(ctx context.Context, evt events.CanonicalEvent, routingKey string, payload json.RawMessage) (inserted bool, err error)

	// RecordOptOut inserts the opt-out row.
	RecordOptOut(ctx context.Context, appUUID, anonUserID string) error

	// DeletePersonalData removes the entity's rows across the tables named
	// in DeleteCounts.
	DeletePersonalData(ctx context.Context, appUUID, anonUserID string, deleteOptOut bool) (DeleteCounts, error)
}

// UnitOfWork runs fn inside a single database transaction, providing it a
// Store scoped to that transaction. A non-nil error rolls back.
type UnitOfWork interface {
	Execute(ctx context.Context, fn func(ctx context.Context, store Store) error) error
}
