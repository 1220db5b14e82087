package application

import (
	"context"

	"sbanalytics/internal/processor/domain/errors"
	"sbanalytics/internal/processor/ports"
	"sbanalytics/internal/shared/events"
)

// PresenceMaterializer implements the geo-ping processing path: H3/place/
// admin enrichment, hourly device+user presence, aggregate counters, and
// the geo columns of Customer-360. It holds no transaction state; the
// Store for a given delivery is supplied by the caller.
type PresenceMaterializer struct {
	Enricher *GeoEnricher
}

func NewPresenceMaterializer(enricher *GeoEnricher) *PresenceMaterializer {
	return &PresenceMaterializer{Enricher: enricher}
}

// Materialize runs the full presence pipeline for one canonical event. It
// exits silently (no error, no writes) when the event carries no usable
// geo context, matching the spec's "missing lat/lon exits silently" rule.
func (m *PresenceMaterializer) Materialize(ctx context.Context, store ports.Store, evt events.CanonicalEvent) error {
	geo, ok := evt.Geo()
	if !ok || !geo.HasLatLon {
		return nil
	}
	if evt.DeviceIDHash == "" || evt.AnonUserID == "" {
		return errors.ErrInvalidEnvelope
	}

	hourBucket := evt.HourBucket()

	dims, err := m.Enricher.Enrich(ctx, store, geo.Lat, geo.Lon, geo.AccuracyM, evt.Timestamp)
	if err != nil {
		return errors.Transient(err)
	}

	devicePresence := ports.PresenceRow{
		AppUUID:      evt.AppUUID,
		HourBucket:   hourBucket,
		EntityID:     evt.DeviceIDHash,
		H3ByRes:      dims.H3ByRes,
		PlaceID:      dims.PlaceID,
		AdminCodes:   dims.AdminCodes,
		AccuracyM:    geo.AccuracyM,
		Precision:    string(dims.Precision),
		FirstEventTS: evt.Timestamp,
	}
	deviceNew, err := store.InsertDevicePresence(ctx, devicePresence)
	if err != nil {
		return errors.Transient(err)
	}

	userPresence := devicePresence
	userPresence.EntityID = evt.AnonUserID
	userNew, err := store.InsertUserPresence(ctx, userPresence)
	if err != nil {
		return errors.Transient(err)
	}

	devicesInc, usersInc := 0, 0
	if deviceNew {
		devicesInc = 1
	}
	if userNew {
		usersInc = 1
	}
	if devicesInc != 0 || usersInc != 0 {
		if err := store.IncrementAggregates(ctx, ports.AggregateIncrements{
			AppUUID:    evt.AppUUID,
			HourBucket: hourBucket,
			H3R9:       dims.H3ByRes[9],
			PlaceID:    dims.PlaceID,
			AdminCodes: dims.AdminCodes,
			DevicesInc: devicesInc,
			UsersInc:   usersInc,
		}); err != nil {
			return errors.Transient(err)
		}
	}

	geoEventsCountInc := 0
	// Counter-consistency resolution: the geo event counter only advances
	// when the device-presence insert produced a new row, so a retried or
	// re-delivered event never double-counts. See DESIGN.md.
	if deviceNew {
		geoEventsCountInc = 1
	}
	if err := store.UpsertCustomer360Geo(ctx, ports.Customer360GeoUpdate{
		AppUUID:           evt.AppUUID,
		AnonUserID:        evt.AnonUserID,
		DeviceIDHash:      evt.DeviceIDHash,
		EventTS:           evt.Timestamp,
		EventType:         evt.EventType,
		SessionID:         evt.SessionID,
		SDKVersion:        evt.SDKVersion,
		EventVersion:      evt.EventVersion,
		H3R9:              dims.H3ByRes[9],
		PlaceID:           dims.PlaceID,
		AdminCodes:        dims.AdminCodes,
		GeoEventsCountInc: geoEventsCountInc,
	}); err != nil {
		return errors.Transient(err)
	}

	return nil
}
