// Package application implements OutboxPublisher: the lease-publish-mark
// loop that drains outbox_events onto the broker exactly-once-per-lease.
package application

import (
	"context"
	"log/slog"
	"math"
	"time"

	"sbanalytics/internal/outboxpublisher/ports"
	"sbanalytics/internal/shared/clock"
)

const backoffCapSeconds = 300

// Publisher leases batches of pending outbox rows, publishes each to the
// broker, and marks them sent or retried-with-backoff. A process typically
// runs one Publisher per outbox-publisher replica; any number of replicas
// may run concurrently against the same table, serialized by SKIP LOCKED.
type Publisher struct {
	Repo       ports.Repository
	Broker     ports.Publisher
	Clock      clock.Clock
	Logger     *slog.Logger
	BatchSize  int
	MaxRetries int
	LeaseTTL   time.Duration
	IdleSleep  time.Duration
}

func New(repo ports.Repository, broker ports.Publisher, clk clock.Clock, logger *slog.Logger, batchSize, maxRetries int, leaseTTL time.Duration) *Publisher {
	return &Publisher{
		Repo:       repo,
		Broker:     broker,
		Clock:      clk,
		Logger:     logger,
		BatchSize:  batchSize,
		MaxRetries: maxRetries,
		LeaseTTL:   leaseTTL,
		IdleSleep:  time.Second,
	}
}

// Run loops until ctx is cancelled, calling RunOnce and sleeping when a
// batch comes back empty.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		leased, err := p.RunOnce(ctx)
		if err != nil {
			p.Logger.Error("outbox publisher iteration failed", "event", "outbox.iteration_failed", "error", err)
		}
		if leased == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.IdleSleep):
			}
		}
	}
}

// RunOnce leases one batch and publishes it, returning how many rows were
// leased (0 means the caller should idle-sleep before trying again).
func (p *Publisher) RunOnce(ctx context.Context) (int, error) {
	rows, err := p.Repo.LeaseBatch(ctx, p.BatchSize, p.LeaseTTL)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	for _, row := range rows {
		p.publishOne(ctx, row)
	}
	return len(rows), nil
}

func (p *Publisher) publishOne(ctx context.Context, row ports.LeasedRow) {
	err := p.Broker.Publish(ctx, row.RoutingKey, row.Payload)
	if err == nil {
		if markErr := p.Repo.MarkSent(ctx, row.ID); markErr != nil {
			p.Logger.Error("failed to mark outbox row sent", "event", "outbox.mark_sent_failed",
				"outbox_id", row.ID, "error", markErr)
		}
		return
	}

	nextAttempt := p.Clock.Now().Add(backoff(row.Retries))
	retries := row.Retries + 1
	terminal := retries >= p.MaxRetries
	if markErr := p.Repo.MarkFailed(ctx, row.ID, retries, err.Error(), nextAttempt, terminal); markErr != nil {
		p.Logger.Error("failed to mark outbox row failed", "event", "outbox.mark_failed_failed",
			"outbox_id", row.ID, "error", markErr)
		return
	}

	p.Logger.Warn("outbox publish failed", "event", "outbox.publish_failed",
		"outbox_id", row.ID, "routing_key", row.RoutingKey, "retries", retries, "terminal", terminal, "error", err)
}

// backoff implements min(cap, 2^(retries+1)) seconds.
func backoff(retries int) time.Duration {
	seconds := math.Pow(2, float64(retries+1))
	if seconds > backoffCapSeconds {
		seconds = backoffCapSeconds
	}
	return time.Duration(seconds) * time.Second
}
