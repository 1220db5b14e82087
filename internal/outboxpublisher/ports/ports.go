// Package ports defines the OutboxPublisher's dependencies.
package ports

import (
	"context"
	"encoding/json"
	"time"
)

// LeasedRow is one outbox row returned by a successful lease.
type LeasedRow struct {
	ID         int64
	AppUUID    string
	EventID    string
	TraceID    string
	RoutingKey string
	Payload    json.RawMessage
	Retries    int
}

// Repository is the outbox table's persistence boundary. LeaseBatch is the
// single atomic operation this whole component exists to get right: select
// eligible rows FOR UPDATE SKIP LOCKED and stamp locked_at in one round
// trip, so no two concurrent publisher workers can ever lease the same row.
type Repository interface {
	LeaseBatch(ctx context.Context, batchSize int, leaseTTL time.Duration) ([]LeasedRow, error)
	MarkSent(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, retries int, lastError string, nextAttemptAt time.Time, terminal bool) error
}

// Publisher sends a leased row's payload to the broker under its routing
// key, with persistent delivery.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, payload []byte) error
}
