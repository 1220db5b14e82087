package application

import (
	"context"
	"time"

	"sbanalytics/internal/processor/domain/errors"
	"sbanalytics/internal/processor/ports"
	"sbanalytics/internal/shared/events"
)

// LicenseMaterializer implements the license-event processing path:
// LicenseState upsert plus the license columns of Customer-360. License
// events carry no presence row, so there's no analogous over-counting
// hazard once a delivery has passed the processed-events dedupe fence. It
// holds no transaction state; the Store is supplied by the caller.
type LicenseMaterializer struct{}

func NewLicenseMaterializer() *LicenseMaterializer {
	return &LicenseMaterializer{}
}

func (m *LicenseMaterializer) Materialize(ctx context.Context, store ports.Store, evt events.CanonicalEvent) error {
	if evt.AnonUserID == "" {
		return errors.ErrInvalidEnvelope
	}

	planType, _ := evt.Payload["plan_type"].(string)
	if planType == "" {
		planType = "unknown"
	}
	status, _ := evt.Payload["license_status"].(string)
	if status == "" {
		status = "unknown"
	}

	startedAt := optionalTime(evt.Payload["started_at"])
	renewedAt := optionalTime(evt.Payload["renewed_at"])
	expiresAt := optionalTime(evt.Payload["expires_at"])

	if err := store.UpsertLicenseState(ctx, ports.LicenseUpdate{
		AppUUID:    evt.AppUUID,
		AnonUserID: evt.AnonUserID,
		PlanType:   planType,
		Status:     status,
		StartedAt:  startedAt,
		RenewedAt:  renewedAt,
		ExpiresAt:  expiresAt,
	}); err != nil {
		return errors.Transient(err)
	}

	if err := store.UpsertCustomer360License(ctx, ports.Customer360LicenseUpdate{
		AppUUID:    evt.AppUUID,
		AnonUserID: evt.AnonUserID,
		PlanType:   planType,
		Status:     status,
		StartedAt:  startedAt,
		RenewedAt:  renewedAt,
		ExpiresAt:  expiresAt,
	}); err != nil {
		return errors.Transient(err)
	}

	return nil
}

func optionalTime(v any) *time.Time {
	s, ok := v.(string)
	if !ok || s == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}
