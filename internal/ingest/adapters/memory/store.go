// Package memory implements the ingest ports in-process, for unit tests.
package memory

import (
	"context"
	"encoding/json"
	"sync"

	"sbanalytics/internal/ingest/ports"
	"sbanalytics/internal/shared/events"
)

type rawKey struct{ appUUID, eventID string }
type outboxKey struct{ appUUID, eventID, routingKey string }

// Store is a mutex-guarded in-memory Store + UnitOfWork. Execute does not
// provide real transactional isolation (there is only one in-process
// writer in tests), but it does hold the lock for the whole callback so
// concurrent ingest calls still serialize like a real transaction would.
type Store struct {
	mu     sync.Mutex
	raw    map[rawKey]events.CanonicalEvent
	outbox map[outboxKey]json.RawMessage
	optOut map[string]struct{}
}

func New() *Store {
	return &Store{
		raw:    make(map[rawKey]events.CanonicalEvent),
		outbox: make(map[outboxKey]json.RawMessage),
		optOut: make(map[string]struct{}),
	}
}

func (s *Store) Execute(ctx context.Context, fn func(ctx context.Context, store ports.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(ctx, s)
}

func optKey(appUUID, anonUserID string) string { return appUUID + "|" + anonUserID }

func (s *Store) IsOptedOut(_ context.Context, appUUID, anonUserID string) (bool, error) {
	_, ok := s.optOut[optKey(appUUID, anonUserID)]
	return ok, nil
}

func (s *Store) AdmitRawEvent(_ context.Context, evt events.CanonicalEvent) (bool, error) {
	k := rawKey{evt.AppUUID, evt.EventID}
	if _, exists := s.raw[k]; exists {
		return false, nil
	}
	s.raw[k] = evt
	return true, nil
}

func (s *Store) StageOutbox(_ context.Context, evt events.CanonicalEvent, routingKey string, payload json.RawMessage) (bool, error) {
	k := outboxKey{evt.AppUUID, evt.EventID, routingKey}
	if _, exists := s.outbox[k]; exists {
		return false, nil
	}
	s.outbox[k] = payload
	return true, nil
}

func (s *Store) RecordOptOut(_ context.Context, appUUID, anonUserID string) error {
	s.optOut[optKey(appUUID, anonUserID)] = struct{}{}
	return nil
}

func (s *Store) DeletePersonalData(_ context.Context, appUUID, anonUserID string, deleteOptOut bool) (ports.DeleteCounts, error) {
	var counts ports.DeleteCounts
	for k := range s.raw {
		if k.appUUID == appUUID {
			if evt := s.raw[k]; evt.AnonUserID == anonUserID {
				delete(s.raw, k)
				counts.RawEvents++
			}
		}
	}
	if deleteOptOut {
		k := optKey(appUUID, anonUserID)
		if _, ok := s.optOut[k]; ok {
			delete(s.optOut, k)
			counts.OptOut++
		}
	}
	return counts, nil
}

// OutboxRows exposes staged rows for test assertions.
func (s *Store) OutboxRows() map[string]json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]json.RawMessage, len(s.outbox))
	for k, v := range s.outbox {
		out[k.appUUID+"|"+k.eventID+"|"+k.routingKey] = v
	}
	return out
}

// RawEventCount exposes the raw table size for test assertions.
func (s *Store) RawEventCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.raw)
}
