package application

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"sbanalytics/internal/outboxpublisher/adapters/memory"
	"sbanalytics/internal/platform/logging"
	"sbanalytics/internal/shared/clock"
)

func TestPublisherHappyPath(t *testing.T) {
	fixed := &clock.Fixed{At: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	repo := memory.NewRepository(fixed.Now)
	id := repo.Stage("app-1", "evt-1", "trace-1", "geo", json.RawMessage(`{"a":1}`))
	pub := &memory.RecordingPublisher{}

	publisher := New(repo, pub, fixed, logging.Discard(), 50, 10, 5*time.Minute)
	leased, err := publisher.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if leased != 1 {
		t.Fatalf("expected 1 leased row, got %d", leased)
	}
	if repo.Status(id) != "sent" {
		t.Fatalf("expected sent status, got %s", repo.Status(id))
	}
	if len(pub.Published) != 1 || pub.Published[0].RoutingKey != "geo" {
		t.Fatalf("unexpected published messages: %+v", pub.Published)
	}
}

func TestPublisherCrashMidPublishAllowsRelease(t *testing.T) {
	fixed := &clock.Fixed{At: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	repo := memory.NewRepository(fixed.Now)
	id := repo.Stage("app-1", "evt-1", "trace-1", "geo", json.RawMessage(`{}`))

	leased, err := repo.LeaseBatch(context.Background(), 50, 5*time.Minute)
	if err != nil || len(leased) != 1 {
		t.Fatalf("expected to lease the row before simulated crash: %v %v", leased, err)
	}
	// Simulate a publisher crash: the row stays locked, nothing marks it
	// sent. A concurrent re-lease attempt within the TTL must see nothing.
	reLeaseWithinTTL, err := repo.LeaseBatch(context.Background(), 50, 5*time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(reLeaseWithinTTL) != 0 {
		t.Fatalf("expected no re-lease within the TTL, got %d rows", len(reLeaseWithinTTL))
	}

	// After the lease TTL elapses, the row becomes eligible again.
	fixed.Advance(6 * time.Minute)
	reLeaseAfterTTL, err := repo.LeaseBatch(context.Background(), 50, 5*time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(reLeaseAfterTTL) != 1 || reLeaseAfterTTL[0].ID != id {
		t.Fatalf("expected row %d to be re-leasable after TTL, got %+v", id, reLeaseAfterTTL)
	}
}

func TestPublisherBackoffAndTerminalFailure(t *testing.T) {
	fixed := &clock.Fixed{At: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	repo := memory.NewRepository(fixed.Now)
	id := repo.Stage("app-1", "evt-1", "trace-1", "geo", json.RawMessage(`{}`))
	pub := &memory.RecordingPublisher{FailFirst: 100}

	publisher := New(repo, pub, fixed, logging.Discard(), 50, 2, 5*time.Minute)

	if _, err := publisher.RunOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if repo.Status(id) != "pending" {
		t.Fatalf("expected pending after first failed attempt, got %s", repo.Status(id))
	}

	fixed.Advance(time.Hour)
	if _, err := publisher.RunOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if repo.Status(id) != "failed" {
		t.Fatalf("expected terminal failed status after exhausting retries, got %s", repo.Status(id))
	}
}

func TestBackoffIsCapped(t *testing.T) {
	if got := backoff(20); got != backoffCapSeconds*time.Second {
		t.Fatalf("expected backoff to cap at %ds, got %s", backoffCapSeconds, got)
	}
	if got := backoff(1); got != 4*time.Second {
		t.Fatalf("expected 2^(1+1)=4s, got %s", got)
	}
}
