// Package memory implements the privacy ports in-process, for unit tests.
package memory

import (
	"context"
	"sync"
)

// Gate is a map-backed PrivacyGate/Recorder, safe for concurrent use.
type Gate struct {
	mu      sync.Mutex
	optedOut map[string]struct{}
}

func New() *Gate {
	return &Gate{optedOut: make(map[string]struct{})}
}

func key(appUUID, anonUserID string) string { return appUUID + "|" + anonUserID }

func (g *Gate) IsOptedOut(_ context.Context, appUUID, anonUserID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.optedOut[key(appUUID, anonUserID)]
	return ok, nil
}

func (g *Gate) RecordOptOut(_ context.Context, appUUID, anonUserID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.optedOut[key(appUUID, anonUserID)] = struct{}{}
	return nil
}
