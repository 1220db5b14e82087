// Package ports defines every dependency the processor's application layer
// needs: dedupe ledger, geo enrichment, presence/aggregate/Customer-360
// writes, license state, H3 cell registration, and the DLQ/republish
// boundary into the broker.
package ports

import (
	"context"
	"time"
)

// UnitOfWork runs fn inside one database transaction, handing it a Store
// scoped to that transaction -- mirroring IngestService's UnitOfWork, since
// the processor also needs the dedupe insert, the materialization writes,
// and the Customer-360 upsert to land atomically per delivery.
type UnitOfWork interface {
	Execute(ctx context.Context, fn func(ctx context.Context, store Store) error) error
}

// GeoDims is the H3 + precision information derived from a geo-ping event.
type GeoDims struct {
	H3ByResolution map[int]string
	PrecisionClass string
}

// H3Cell is a single resolution's computed cell plus its polygon boundary,
// used to lazily register H3CellGeometry rows.
type H3Cell struct {
	Cell       string
	Resolution int
	Boundary   [][2]float64 // [lon, lat] vertices
	CentroidLon float64
	CentroidLat float64
}

// AdminCodes maps admin level (country/province/municipality/sector) to its
// containing polygon's stable code.
type AdminCodes map[string]string

// Store is the transactional persistence boundary the processor uses while
// handling one delivery.
type Store interface {
	// MarkProcessed inserts into processed_events with ON CONFLICT DO
	// NOTHING. inserted=false means this (consumer, app_uuid, event_id) was
	// already processed -- the dedupe fence.
	MarkProcessed(ctx context.Context, consumer, appUUID, eventID string) (inserted bool, err error)

	// EnsureH3Cell idempotently registers a cell's geometry. Called only
	// for cells not already in the per-process seen-set.
	EnsureH3Cell(ctx context.Context, cell H3Cell) error

	// LookupPlace returns the first place polygon containing (lon, lat)
	// whose validity window covers at.
	LookupPlace(ctx context.Context, lon, lat float64, at time.Time) (placeID string, found bool, err error)

	// LookupAdminCodes returns one code per admin level whose polygon
	// contains (lon, lat) and whose validity window covers at.
	LookupAdminCodes(ctx context.Context, lon, lat float64, at time.Time) (AdminCodes, error)

	// InsertDevicePresence / InsertUserPresence perform the
	// ON CONFLICT DO NOTHING RETURNING 1 hourly presence insert. inserted
	// drives every downstream counter increment -- it must never be
	// derived any other way.
	InsertDevicePresence(ctx context.Context, p PresenceRow) (inserted bool, err error)
	InsertUserPresence(ctx context.Context, p PresenceRow) (inserted bool, err error)

	// IncrementAggregates applies the H3/place/admin counter increments.
	// Implementations skip any dimension whose key is empty; callers skip
	// the whole call when both increments are zero.
	IncrementAggregates(ctx context.Context, incs AggregateIncrements) error

	// UpsertCustomer360Geo applies the geo-path Customer-360 upsert.
	// geoEventsCountInc is 0 or 1, decided by the caller from whether the
	// device-presence insert produced a new row (the counter-consistency
	// resolution recorded in DESIGN.md).
	UpsertCustomer360Geo(ctx context.Context, u Customer360GeoUpdate) error

	// UpsertLicenseState and UpsertCustomer360License implement
	// LicenseMaterializer.
	UpsertLicenseState(ctx context.Context, l LicenseUpdate) error
	UpsertCustomer360License(ctx context.Context, u Customer360LicenseUpdate) error
}

// PresenceRow is the hourly presence row shape common to device and user
// presence; EntityID is device_id_hash or anon_user_id depending on table.
type PresenceRow struct {
	AppUUID      string
	HourBucket   time.Time
	EntityID     string
	H3ByRes      map[int]string
	PlaceID      string
	AdminCodes   AdminCodes
	AccuracyM    *float64
	Precision    string
	FirstEventTS time.Time
}

// AggregateIncrements bundles the conditional counter increments derived
// from whether the device/user presence inserts were new rows.
type AggregateIncrements struct {
	AppUUID      string
	HourBucket   time.Time
	H3R9         string
	PlaceID      string
	AdminCodes   AdminCodes
	DevicesInc   int
	UsersInc     int
}

// Customer360GeoUpdate carries the fields the geo-path upsert writes.
type Customer360GeoUpdate struct {
	AppUUID           string
	AnonUserID        string
	DeviceIDHash      string
	EventTS           time.Time
	EventType         string
	SessionID         string
	SDKVersion        string
	EventVersion      string
	H3R9              string
	PlaceID           string
	AdminCodes        AdminCodes
	GeoEventsCountInc int
}

// LicenseUpdate carries the fields LicenseMaterializer extracts from a
// license event's payload.
type LicenseUpdate struct {
	AppUUID      string
	AnonUserID   string
	PlanType     string
	Status       string
	StartedAt    *time.Time
	RenewedAt    *time.Time
	ExpiresAt    *time.Time
}

// Customer360LicenseUpdate carries the license-path Customer-360 columns.
type Customer360LicenseUpdate struct {
	AppUUID    string
	AnonUserID string
	PlanType   string
	Status     string
	StartedAt  *time.Time
	RenewedAt  *time.Time
	ExpiresAt  *time.Time
}

// DLQPublisher emits a structured failure record to the dead-letter routing
// key. Publish failures must never propagate to the caller.
type DLQPublisher interface {
	PublishDLQ(ctx context.Context, reason string, rawBody []byte, decoded any, errType, errMsg string)
}

// Republisher resends a delivery's body to the same routing key with an
// incremented sb_retry header, for bounded in-band transient retry.
type Republisher interface {
	Republish(ctx context.Context, routingKey string, body []byte, retry int, retryAt time.Time) error
}
