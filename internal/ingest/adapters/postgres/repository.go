// Package postgres implements the ingest ports against raw_events,
// outbox_events, and opt_out using GORM.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"sbanalytics/internal/ingest/ports"
	"sbanalytics/internal/shared/events"
)

type rawEventModel struct {
	AppUUID      string          `gorm:"column:app_uuid;primaryKey"`
	EventID      string          `gorm:"column:event_id;primaryKey"`
	TraceID      string          `gorm:"column:trace_id"`
	Producer     string          `gorm:"column:producer"`
	Actor        string          `gorm:"column:actor"`
	EventType    string          `gorm:"column:event_type"`
	OccurredAt   time.Time       `gorm:"column:occurred_at"`
	AnonUserID   string          `gorm:"column:anon_user_id"`
	DeviceIDHash string          `gorm:"column:device_id_hash"`
	SessionID    string          `gorm:"column:session_id"`
	SDKVersion   string          `gorm:"column:sdk_version"`
	EventVersion string          `gorm:"column:event_version"`
	Payload      json.RawMessage `gorm:"column:payload;type:jsonb"`
	Context      json.RawMessage `gorm:"column:context;type:jsonb"`
	GeoLon       *float64        `gorm:"column:geo_lon"`
	GeoLat       *float64        `gorm:"column:geo_lat"`
	GeoAccuracyM *float64        `gorm:"column:geo_accuracy_m"`
	GeoSource    string          `gorm:"column:geo_source"`
	Doc          json.RawMessage `gorm:"column:doc;type:jsonb"`
}

func (rawEventModel) TableName() string { return "raw_events" }

type outboxModel struct {
	ID            int64           `gorm:"column:id;primaryKey;autoIncrement"`
	CreatedAt     time.Time       `gorm:"column:created_at"`
	AppUUID       string          `gorm:"column:app_uuid"`
	EventID       string          `gorm:"column:event_id"`
	TraceID       string          `gorm:"column:trace_id"`
	OccurredAt    time.Time       `gorm:"column:occurred_at"`
	RoutingKey    string          `gorm:"column:routing_key"`
	Payload       json.RawMessage `gorm:"column:payload;type:jsonb"`
	Status        string          `gorm:"column:status"`
	Retries       int             `gorm:"column:retries"`
	NextAttemptAt time.Time       `gorm:"column:next_attempt_at"`
}

func (outboxModel) TableName() string { return "outbox_events" }

type optOutModel struct {
	AppUUID    string `gorm:"column:app_uuid;primaryKey"`
	AnonUserID string `gorm:"column:anon_user_id;primaryKey"`
}

func (optOutModel) TableName() string { return "opt_out" }

type devicePresenceModel struct {
	AppUUID      string    `gorm:"column:app_uuid;primaryKey"`
	HourBucket   time.Time `gorm:"column:hour_bucket;primaryKey"`
	DeviceIDHash string    `gorm:"column:device_id_hash;primaryKey"`
}

func (devicePresenceModel) TableName() string { return "device_hourly_presence" }

type userPresenceModel struct {
	AppUUID    string    `gorm:"column:app_uuid;primaryKey"`
	HourBucket time.Time `gorm:"column:hour_bucket;primaryKey"`
	AnonUserID string    `gorm:"column:anon_user_id;primaryKey"`
}

func (userPresenceModel) TableName() string { return "user_hourly_presence" }

type customer360Model struct {
	AppUUID    string `gorm:"column:app_uuid;primaryKey"`
	AnonUserID string `gorm:"column:anon_user_id;primaryKey"`
}

func (customer360Model) TableName() string { return "customer_360" }

type licenseStateModel struct {
	AppUUID    string `gorm:"column:app_uuid;primaryKey"`
	AnonUserID string `gorm:"column:anon_user_id;primaryKey"`
}

func (licenseStateModel) TableName() string { return "license_state" }

// UnitOfWork runs ingest operations inside a GORM transaction.
type UnitOfWork struct {
	db *gorm.DB
}

func NewUnitOfWork(db *gorm.DB) *UnitOfWork {
	return &UnitOfWork{db: db}
}

func (u *UnitOfWork) Execute(ctx context.Context, fn func(ctx context.Context, store ports.Store) error) error {
	return u.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(ctx, &Store{tx: tx})
	})
}

// Store implements ports.Store against a single *gorm.DB transaction handle.
type Store struct {
	tx *gorm.DB
}

func (s *Store) IsOptedOut(ctx context.Context, appUUID, anonUserID string) (bool, error) {
	var count int64
	err := s.tx.WithContext(ctx).Model(&optOutModel{}).
		Where("app_uuid = ? AND anon_user_id = ?", appUUID, anonUserID).
		Limit(1).Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("ingest postgres: is opted out: %w", err)
	}
	return count > 0, nil
}

func (s *Store) AdmitRawEvent(ctx context.Context, evt events.CanonicalEvent) (bool, error) {
	row := rawEventModel{
		AppUUID:      evt.AppUUID,
		EventID:      evt.EventID,
		TraceID:      evt.TraceID,
		Producer:     evt.Producer,
		Actor:        evt.Actor,
		EventType:    evt.EventType,
		OccurredAt:   evt.Timestamp,
		AnonUserID:   evt.AnonUserID,
		DeviceIDHash: evt.DeviceIDHash,
		SessionID:    evt.SessionID,
		SDKVersion:   evt.SDKVersion,
		EventVersion: evt.EventVersion,
		GeoSource:    "",
	}
	if payload, err := json.Marshal(evt.Payload); err == nil {
		row.Payload = payload
	}
	if ctxDoc, err := json.Marshal(evt.Context); err == nil {
		row.Context = ctxDoc
	}
	if doc, err := json.Marshal(evt.Raw); err == nil {
		row.Doc = doc
	}
	if geo, ok := evt.Geo(); ok {
		lon, lat := geo.Lon, geo.Lat
		row.GeoLon, row.GeoLat = &lon, &lat
		row.GeoAccuracyM = geo.AccuracyM
		row.GeoSource = geo.Source
	}

	res := s.tx.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "app_uuid"}, {Name: "event_id"}}, DoNothing: true}).
		Create(&row)
	if res.Error != nil {
		return false, fmt.Errorf("ingest postgres: admit raw event: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (s *Store) StageOutbox(ctx context.Context, evt events.CanonicalEvent, routingKey string, payload json.RawMessage) (bool, error) {
	row := outboxModel{
		CreatedAt:     evt.Timestamp,
		AppUUID:       evt.AppUUID,
		EventID:       evt.EventID,
		TraceID:       evt.TraceID,
		OccurredAt:    evt.Timestamp,
		RoutingKey:    routingKey,
		Payload:       payload,
		Status:        "pending",
		Retries:       0,
		NextAttemptAt: evt.Timestamp,
	}
	res := s.tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "app_uuid"}, {Name: "event_id"}, {Name: "routing_key"}},
			DoNothing: true,
		}).
		Create(&row)
	if res.Error != nil {
		return false, fmt.Errorf("ingest postgres: stage outbox: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (s *Store) RecordOptOut(ctx context.Context, appUUID, anonUserID string) error {
	row := optOutModel{AppUUID: appUUID, AnonUserID: anonUserID}
	err := s.tx.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "app_uuid"}, {Name: "anon_user_id"}}, DoNothing: true}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("ingest postgres: record opt out: %w", err)
	}
	return nil
}

func (s *Store) DeletePersonalData(ctx context.Context, appUUID, anonUserID string, deleteOptOut bool) (ports.DeleteCounts, error) {
	var counts ports.DeleteCounts

	// Resolve device hashes before the raw_events rows that carry the
	// mapping are deleted below.
	var deviceHashes []string
	if err := s.tx.WithContext(ctx).Model(&rawEventModel{}).
		Where("app_uuid = ? AND anon_user_id = ?", appUUID, anonUserID).
		Distinct("device_id_hash").Pluck("device_id_hash", &deviceHashes).Error; err != nil {
		return counts, fmt.Errorf("ingest postgres: resolve device hashes: %w", err)
	}

	if len(deviceHashes) > 0 {
		dev := s.tx.WithContext(ctx).Where("app_uuid = ? AND device_id_hash IN ?", appUUID, deviceHashes).Delete(&devicePresenceModel{})
		if dev.Error != nil {
			return counts, fmt.Errorf("ingest postgres: delete device presence: %w", dev.Error)
		}
		counts.DevicePresence = dev.RowsAffected
	}

	raw := s.tx.WithContext(ctx).Where("app_uuid = ? AND anon_user_id = ?", appUUID, anonUserID).Delete(&rawEventModel{})
	if raw.Error != nil {
		return counts, fmt.Errorf("ingest postgres: delete raw events: %w", raw.Error)
	}
	counts.RawEvents = raw.RowsAffected

	usr := s.tx.WithContext(ctx).Where("app_uuid = ? AND anon_user_id = ?", appUUID, anonUserID).Delete(&userPresenceModel{})
	if usr.Error != nil {
		return counts, fmt.Errorf("ingest postgres: delete user presence: %w", usr.Error)
	}
	counts.UserPresence = usr.RowsAffected

	c360 := s.tx.WithContext(ctx).Where("app_uuid = ? AND anon_user_id = ?", appUUID, anonUserID).Delete(&customer360Model{})
	if c360.Error != nil {
		return counts, fmt.Errorf("ingest postgres: delete customer 360: %w", c360.Error)
	}
	counts.Customer360 = c360.RowsAffected

	lic := s.tx.WithContext(ctx).Where("app_uuid = ? AND anon_user_id = ?", appUUID, anonUserID).Delete(&licenseStateModel{})
	if lic.Error != nil {
		return counts, fmt.Errorf("ingest postgres: delete license state: %w", lic.Error)
	}
	counts.LicenseState = lic.RowsAffected

	if deleteOptOut {
		opt := s.tx.WithContext(ctx).Where("app_uuid = ? AND anon_user_id = ?", appUUID, anonUserID).Delete(&optOutModel{})
		if opt.Error != nil {
			return counts, fmt.Errorf("ingest postgres: delete opt out: %w", opt.Error)
		}
		counts.OptOut = opt.RowsAffected
	}

	return counts, nil
}
