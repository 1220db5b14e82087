package privacy

import (
	"context"
	"sync"

	"sbanalytics/internal/privacy/ports"
)

// processCacheSoftCap bounds the per-process opt-out cache; once reached the
// whole set is cleared, matching the H3-seen-cache's "soft LRU" convention
// elsewhere in this system. Losing the cache only causes an extra DB lookup,
// never a correctness loss, because only positive (opted-out) results are
// ever cached. Entries are never invalidated: an opt-out later removed by a
// privacy delete with delete_opt_out still reads as opted out here until the
// soft cap clears the set or the process restarts.
const processCacheSoftCap = 20000

// ProcessCache wraps a Gate with a mutex-guarded, process-wide cache of
// known opt-outs. It is meant to be constructed once per processor and
// shared across consumer goroutines.
type ProcessCache struct {
	inner ports.Gate
	mu    sync.Mutex
	seen  map[string]struct{}
}

func NewProcessCache(inner ports.Gate) *ProcessCache {
	return &ProcessCache{inner: inner, seen: make(map[string]struct{})}
}

func (c *ProcessCache) IsOptedOut(ctx context.Context, appUUID, anonUserID string) (bool, error) {
	k := appUUID + "|" + anonUserID
	c.mu.Lock()
	if _, ok := c.seen[k]; ok {
		c.mu.Unlock()
		return true, nil
	}
	c.mu.Unlock()

	optedOut, err := c.inner.IsOptedOut(ctx, appUUID, anonUserID)
	if err != nil || !optedOut {
		return optedOut, err
	}

	c.mu.Lock()
	if len(c.seen) >= processCacheSoftCap {
		c.seen = make(map[string]struct{})
	}
	c.seen[k] = struct{}{}
	c.mu.Unlock()
	return true, nil
}

// TxCache wraps a Gate with a per-transaction cache, sized to a single
// ingest batch. Callers construct a fresh TxCache per transaction.
type TxCache struct {
	inner ports.Gate
	seen  map[string]bool
}

func NewTxCache(inner ports.Gate) *TxCache {
	return &TxCache{inner: inner, seen: make(map[string]bool)}
}

func (c *TxCache) IsOptedOut(ctx context.Context, appUUID, anonUserID string) (bool, error) {
	k := appUUID + "|" + anonUserID
	if v, ok := c.seen[k]; ok {
		return v, nil
	}
	v, err := c.inner.IsOptedOut(ctx, appUUID, anonUserID)
	if err != nil {
		return false, err
	}
	c.seen[k] = v
	return v, nil
}
