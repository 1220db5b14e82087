// Package postgres implements the processor's ports.Store against
// processed_events, h3_cells, the read-only places/admin_areas reference
// tables, the hourly presence/aggregate tables, customer_360, and
// license_state. Every lookup and write, including point-in-polygon
// containment and the counter-increment upserts, is raw SQL executed
// through the GORM transaction handle.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"

	"sbanalytics/internal/processor/ports"
)

// UnitOfWork runs processor operations inside a GORM transaction.
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

func (s *Store) MarkProcessed(ctx context.Context, consumer, appUUID, eventID string) (bool, error) {
	res := s.tx.WithContext(ctx).Exec(
		`INSERT INTO processed_events (consumer, app_uuid, event_id, processed_at)
		 VALUES (?, ?, ?, now())
		 ON CONFLICT (consumer, app_uuid, event_id) DO NOTHING`,
		consumer, appUUID, eventID,
	)
	if res.Error != nil {
		return false, fmt.Errorf("processor postgres: mark processed: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (s *Store) EnsureH3Cell(ctx context.Context, cell ports.H3Cell) error {
	boundary, err := json.Marshal(cell.Boundary)
	if err != nil {
		return fmt.Errorf("processor postgres: marshal h3 boundary: %w", err)
	}
	ringWKT := ringFromBoundary(cell.Boundary)
	err = s.tx.WithContext(ctx).Exec(
		`INSERT INTO h3_cells (h3_cell, resolution, boundary, polygon, centroid, centroid_lat, centroid_lon)
		 VALUES (?, ?, ?, ST_GeomFromText(?, 4326), ST_SetSRID(ST_MakePoint(?, ?), 4326), ?, ?)
		 ON CONFLICT (h3_cell) DO NOTHING`,
		cell.Cell, cell.Resolution, boundary, ringWKT, cell.CentroidLon, cell.CentroidLat,
		cell.CentroidLat, cell.CentroidLon,
	).Error
	if err != nil {
		return fmt.Errorf("processor postgres: ensure h3 cell: %w", err)
	}
	return nil
}

func ringFromBoundary(verts [][2]float64) string {
	if len(verts) == 0 {
		return "POLYGON EMPTY"
	}
	wkt := "POLYGON(("
	for i, v := range verts {
		if i > 0 {
			wkt += ", "
		}
		wkt += fmt.Sprintf("%f %f", v[0], v[1])
	}
	wkt += fmt.Sprintf(", %f %f))", verts[0][0], verts[0][1])
	return wkt
}

// placeLookupSQL finds the first place polygon containing the point whose
// validity window covers at (null valid_from/valid_to treated as ±∞).
const placeLookupSQL = `
SELECT place_id FROM places
WHERE ST_Contains(geom, ST_SetSRID(ST_MakePoint(?, ?), 4326))
  AND (valid_from IS NULL OR valid_from <= ?)
  AND (valid_to IS NULL OR valid_to >= ?)
ORDER BY place_id
LIMIT 1`

func (s *Store) LookupPlace(ctx context.Context, lon, lat float64, at time.Time) (string, bool, error) {
	var placeID string
	err := s.tx.WithContext(ctx).Raw(placeLookupSQL, lon, lat, at, at).Scan(&placeID).Error
	if err != nil {
		return "", false, fmt.Errorf("processor postgres: lookup place: %w", err)
	}
	return placeID, placeID != "", nil
}

// adminLookupSQL returns every admin polygon containing the point whose
// validity window covers at; the caller keeps the first code per level.
const adminLookupSQL = `
SELECT level, code FROM admin_areas
WHERE ST_Contains(geom, ST_SetSRID(ST_MakePoint(?, ?), 4326))
  AND (valid_from IS NULL OR valid_from <= ?)
  AND (valid_to IS NULL OR valid_to >= ?)
ORDER BY level, code`

func (s *Store) LookupAdminCodes(ctx context.Context, lon, lat float64, at time.Time) (ports.AdminCodes, error) {
	rows, err := s.tx.WithContext(ctx).Raw(adminLookupSQL, lon, lat, at, at).Rows()
	if err != nil {
		return nil, fmt.Errorf("processor postgres: lookup admin codes: %w", err)
	}
	defer rows.Close()

	codes := make(ports.AdminCodes)
	for rows.Next() {
		var level, code string
		if err := rows.Scan(&level, &code); err != nil {
			return nil, fmt.Errorf("processor postgres: scan admin code: %w", err)
		}
		if _, already := codes[level]; !already {
			codes[level] = code
		}
	}
	return codes, rows.Err()
}

func (s *Store) InsertDevicePresence(ctx context.Context, p ports.PresenceRow) (bool, error) {
	return s.insertPresence(ctx, "device_hourly_presence", "device_id_hash", p)
}

func (s *Store) InsertUserPresence(ctx context.Context, p ports.PresenceRow) (bool, error) {
	return s.insertPresence(ctx, "user_hourly_presence", "anon_user_id", p)
}

func (s *Store) insertPresence(ctx context.Context, table, entityColumn string, p ports.PresenceRow) (bool, error) {
	h3r7, h3r9, h3r11 := p.H3ByRes[7], p.H3ByRes[9], p.H3ByRes[11]
	sql := fmt.Sprintf(`
		INSERT INTO %s (app_uuid, hour_bucket, %s, h3_r7, h3_r9, h3_r11, place_id,
			admin_country_code, admin_province_code, admin_municipality_code, admin_sector_code,
			geo_accuracy_m, geo_precision_class, first_event_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (app_uuid, hour_bucket, %s) DO NOTHING`, table, entityColumn, entityColumn)

	res := s.tx.WithContext(ctx).Exec(sql,
		p.AppUUID, p.HourBucket, p.EntityID, h3r7, h3r9, h3r11, nullableString(p.PlaceID),
		nullableString(p.AdminCodes["country"]), nullableString(p.AdminCodes["province"]),
		nullableString(p.AdminCodes["municipality"]), nullableString(p.AdminCodes["sector"]),
		p.AccuracyM, p.Precision, p.FirstEventTS,
	)
	if res.Error != nil {
		return false, fmt.Errorf("processor postgres: insert %s presence: %w", table, res.Error)
	}
	return res.RowsAffected > 0, nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (s *Store) IncrementAggregates(ctx context.Context, incs ports.AggregateIncrements) error {
	if incs.H3R9 != "" {
		if err := s.upsertCounter(ctx, "agg_h3_r9_hourly", "h3_r9", incs.H3R9, incs); err != nil {
			return err
		}
	}
	if incs.PlaceID != "" {
		if err := s.upsertCounter(ctx, "agg_place_hourly", "place_id", incs.PlaceID, incs); err != nil {
			return err
		}
	}
	for _, level := range []string{"country", "province", "municipality", "sector"} {
		code := incs.AdminCodes[level]
		if code == "" {
			continue
		}
		if err := s.upsertAdminCounter(ctx, level, code, incs); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) upsertCounter(ctx context.Context, table, keyColumn, keyValue string, incs ports.AggregateIncrements) error {
	sql := fmt.Sprintf(`
		INSERT INTO %s (app_uuid, hour_bucket, %s, devices_count, users_count, updated_at)
		VALUES (?, ?, ?, ?, ?, now())
		ON CONFLICT (app_uuid, hour_bucket, %s) DO UPDATE SET
			devices_count = %s.devices_count + EXCLUDED.devices_count,
			users_count = %s.users_count + EXCLUDED.users_count,
			updated_at = now()`, table, keyColumn, keyColumn, table, table)
	err := s.tx.WithContext(ctx).Exec(sql, incs.AppUUID, incs.HourBucket, keyValue, incs.DevicesInc, incs.UsersInc).Error
	if err != nil {
		return fmt.Errorf("processor postgres: upsert %s counter: %w", table, err)
	}
	return nil
}

func (s *Store) upsertAdminCounter(ctx context.Context, level, code string, incs ports.AggregateIncrements) error {
	err := s.tx.WithContext(ctx).Exec(`
		INSERT INTO agg_admin_hourly (app_uuid, hour_bucket, admin_level, admin_code, devices_count, users_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, now())
		ON CONFLICT (app_uuid, hour_bucket, admin_level, admin_code) DO UPDATE SET
			devices_count = agg_admin_hourly.devices_count + EXCLUDED.devices_count,
			users_count = agg_admin_hourly.users_count + EXCLUDED.users_count,
			updated_at = now()`,
		incs.AppUUID, incs.HourBucket, level, code, incs.DevicesInc, incs.UsersInc,
	).Error
	if err != nil {
		return fmt.Errorf("processor postgres: upsert admin counter: %w", err)
	}
	return nil
}

// upsertCustomer360GeoSQL recomputes active_device_hours_count and
// active_user_hours_count as COUNT(*) subqueries over the presence truth
// tables on every upsert, so the running total self-heals under delivery
// reordering instead of drifting from hand-rolled increments.
const upsertCustomer360GeoSQL = `
INSERT INTO customer_360 (
	app_uuid, anon_user_id, first_seen_at, last_seen_at,
	last_event_type, last_device_id_hash, last_session_id, last_sdk_version, last_event_version,
	last_h3_r9, last_place_id,
	last_country_code, last_province_code, last_municipality_code, last_sector_code,
	geo_events_count, active_device_hours_count, active_user_hours_count, updated_at
)
VALUES (
	?, ?, ?, ?,
	?, ?, ?, ?, ?,
	?, ?,
	?, ?, ?, ?,
	?,
	(SELECT COUNT(*) FROM device_hourly_presence WHERE app_uuid = ? AND device_id_hash = ?),
	(SELECT COUNT(*) FROM user_hourly_presence WHERE app_uuid = ? AND anon_user_id = ?),
	now()
)
ON CONFLICT (app_uuid, anon_user_id) DO UPDATE SET
	first_seen_at = LEAST(customer_360.first_seen_at, EXCLUDED.first_seen_at),
	last_seen_at = GREATEST(customer_360.last_seen_at, EXCLUDED.last_seen_at),
	last_event_type = EXCLUDED.last_event_type,
	last_device_id_hash = EXCLUDED.last_device_id_hash,
	last_session_id = EXCLUDED.last_session_id,
	last_sdk_version = EXCLUDED.last_sdk_version,
	last_event_version = EXCLUDED.last_event_version,
	last_h3_r9 = EXCLUDED.last_h3_r9,
	last_place_id = EXCLUDED.last_place_id,
	last_country_code = EXCLUDED.last_country_code,
	last_province_code = EXCLUDED.last_province_code,
	last_municipality_code = EXCLUDED.last_municipality_code,
	last_sector_code = EXCLUDED.last_sector_code,
	geo_events_count = customer_360.geo_events_count + EXCLUDED.geo_events_count,
	active_device_hours_count = EXCLUDED.active_device_hours_count,
	active_user_hours_count = EXCLUDED.active_user_hours_count,
	updated_at = now()`

func (s *Store) UpsertCustomer360Geo(ctx context.Context, u ports.Customer360GeoUpdate) error {
	err := s.tx.WithContext(ctx).Exec(upsertCustomer360GeoSQL,
		u.AppUUID, u.AnonUserID, u.EventTS, u.EventTS,
		u.EventType, u.DeviceIDHash, u.SessionID, u.SDKVersion, u.EventVersion,
		nullableString(u.H3R9), nullableString(u.PlaceID),
		nullableString(u.AdminCodes["country"]), nullableString(u.AdminCodes["province"]),
		nullableString(u.AdminCodes["municipality"]), nullableString(u.AdminCodes["sector"]),
		u.GeoEventsCountInc,
		u.AppUUID, u.DeviceIDHash,
		u.AppUUID, u.AnonUserID,
	).Error
	if err != nil {
		return fmt.Errorf("processor postgres: upsert customer 360 geo: %w", err)
	}
	return nil
}

func (s *Store) UpsertLicenseState(ctx context.Context, l ports.LicenseUpdate) error {
	err := s.tx.WithContext(ctx).Exec(`
		INSERT INTO license_state (app_uuid, anon_user_id, plan_type, license_status, started_at, renewed_at, expires_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, now())
		ON CONFLICT (app_uuid, anon_user_id) DO UPDATE SET
			plan_type = EXCLUDED.plan_type,
			license_status = EXCLUDED.license_status,
			started_at = EXCLUDED.started_at,
			renewed_at = EXCLUDED.renewed_at,
			expires_at = EXCLUDED.expires_at,
			updated_at = now()`,
		l.AppUUID, l.AnonUserID, l.PlanType, l.Status, l.StartedAt, l.RenewedAt, l.ExpiresAt,
	).Error
	if err != nil {
		return fmt.Errorf("processor postgres: upsert license state: %w", err)
	}
	return nil
}

func (s *Store) UpsertCustomer360License(ctx context.Context, u ports.Customer360LicenseUpdate) error {
	err := s.tx.WithContext(ctx).Exec(`
		INSERT INTO customer_360 (
			app_uuid, anon_user_id, first_seen_at, last_seen_at,
			last_plan_type, last_license_status,
			license_started_at, license_renewed_at, license_expires_at,
			license_events_count, updated_at
		)
		VALUES (?, ?, now(), now(), ?, ?, ?, ?, ?, 1, now())
		ON CONFLICT (app_uuid, anon_user_id) DO UPDATE SET
			last_seen_at = GREATEST(customer_360.last_seen_at, EXCLUDED.last_seen_at),
			last_plan_type = EXCLUDED.last_plan_type,
			last_license_status = EXCLUDED.last_license_status,
			license_started_at = EXCLUDED.license_started_at,
			license_renewed_at = EXCLUDED.license_renewed_at,
			license_expires_at = EXCLUDED.license_expires_at,
			license_events_count = customer_360.license_events_count + 1,
			updated_at = now()`,
		u.AppUUID, u.AnonUserID, u.PlanType, u.Status, u.StartedAt, u.RenewedAt, u.ExpiresAt,
	).Error
	if err != nil {
		return fmt.Errorf("processor postgres: upsert customer 360 license: %w", err)
	}
	return nil
}
