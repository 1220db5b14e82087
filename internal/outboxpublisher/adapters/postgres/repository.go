// Package postgres implements ports.Repository against outbox_events. The
// lease statement is the load-bearing piece of this whole component: it
// must select and lock eligible rows and stamp locked_at in a single SQL
// round trip so two concurrent workers can never return the same row.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"

	"sbanalytics/internal/outboxpublisher/ports"
)

// Repository implements ports.Repository with raw SQL for the lease CTE
// (GORM cannot express SELECT ... FOR UPDATE SKIP LOCKED + UPDATE ...
// RETURNING as one declarative statement) and GORM calls for the simpler
// terminal updates.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

const leaseSQL = `
WITH eligible AS (
	SELECT id
	FROM outbox_events
	WHERE status = 'pending'
	  AND next_attempt_at <= now()
	  AND (locked_at IS NULL OR locked_at < now() - ($2 * interval '1 second'))
	ORDER BY id
	LIMIT $1
	FOR UPDATE SKIP LOCKED
)
UPDATE outbox_events o
SET locked_at = now()
FROM eligible
WHERE o.id = eligible.id
RETURNING o.id, o.app_uuid, o.event_id, o.trace_id, o.routing_key, o.payload, o.retries
`

// leasedRowScan mirrors the row shape scanned out of leaseSQL.
type leasedRowScan struct {
	ID         int64
	AppUUID    string
	EventID    *string
	TraceID    *string
	RoutingKey string
	Payload    json.RawMessage
	Retries    int
}

func (leasedRowScan) TableName() string { return "outbox_events" }

// LeaseBatch runs the compound SKIP LOCKED lease in its own transaction,
// which is committed before the caller publishes -- the lease's exclusivity
// does not depend on holding the transaction open during publish.
func (r *Repository) LeaseBatch(ctx context.Context, batchSize int, leaseTTL time.Duration) ([]ports.LeasedRow, error) {
	var scanned []leasedRowScan
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Raw(leaseSQL, batchSize, leaseTTL.Seconds()).Scan(&scanned).Error
	})
	if err != nil {
		return nil, fmt.Errorf("outbox postgres: lease batch: %w", err)
	}

	out := make([]ports.LeasedRow, 0, len(scanned))
	for _, s := range scanned {
		row := ports.LeasedRow{
			ID:         s.ID,
			AppUUID:    s.AppUUID,
			RoutingKey: s.RoutingKey,
			Payload:    s.Payload,
			Retries:    s.Retries,
		}
		if s.EventID != nil {
			row.EventID = *s.EventID
		}
		if s.TraceID != nil {
			row.TraceID = *s.TraceID
		}
		out = append(out, row)
	}
	return out, nil
}

func (r *Repository) MarkSent(ctx context.Context, id int64) error {
	err := r.db.WithContext(ctx).Exec(
		`UPDATE outbox_events SET status = 'sent', locked_at = NULL WHERE id = ?`, id,
	).Error
	if err != nil {
		return fmt.Errorf("outbox postgres: mark sent: %w", err)
	}
	return nil
}

func (r *Repository) MarkFailed(ctx context.Context, id int64, retries int, lastError string, nextAttemptAt time.Time, terminal bool) error {
	status := "pending"
	if terminal {
		status = "failed"
	}
	err := r.db.WithContext(ctx).Exec(
		`UPDATE outbox_events
		 SET retries = ?, last_error = ?, next_attempt_at = ?, locked_at = NULL, status = ?
		 WHERE id = ?`,
		retries, lastError, nextAttemptAt, status, id,
	).Error
	if err != nil {
		return fmt.Errorf("outbox postgres: mark failed: %w", err)
	}
	return nil
}
