package store

import (
	"context"
	"encoding/json"
	"log/slog"
)

// Cache is the read-side view of a Store used by the read hooks. Storage
// failures (disk full, locked database, corrupt rows) are logged and reported
// as a cache miss, never returned to the caller.
type Cache struct {
	store  *Store
	logger *slog.Logger
}

// NewCache wraps s. A nil logger falls back to the store's logger.
func NewCache(s *Store, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = s.logger
	}
	return &Cache{store: s, logger: logger}
}

// Get loads one record; false on miss or failure.
func (c *Cache) Get(ctx context.Context, collection, id string, out any) bool {
	ok, err := c.store.Get(ctx, collection, id, out)
	if err != nil {
		c.logger.Warn("local cache read failed", "collection", collection, "id", id, "error", err)
		return false
	}
	return ok
}

// List returns a tenant's raw records; nil on failure.
func (c *Cache) List(ctx context.Context, collection, tenantID string) []json.RawMessage {
	raws, err := c.store.GetByTenant(ctx, collection, tenantID)
	if err != nil {
		c.logger.Warn("local cache list failed", "collection", collection, "tenant_id", tenantID, "error", err)
		return nil
	}
	return raws
}

// Merge re-caches remote records. A failure only costs the cache refresh.
func (c *Cache) Merge(ctx context.Context, collection, tenantID string, recs []Keyed, prune bool) bool {
	if err := c.store.MergeRemote(ctx, collection, tenantID, recs, prune); err != nil {
		c.logger.Warn("local cache merge failed", "collection", collection, "tenant_id", tenantID, "error", err)
		return false
	}
	return true
}

// ListCached decodes a tenant's cached records as T, skipping rows that no
// longer decode.
func ListCached[T any](ctx context.Context, c *Cache, collection, tenantID string) []T {
	raws := c.List(ctx, collection, tenantID)
	out := make([]T, 0, len(raws))
	for _, raw := range raws {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			c.logger.Warn("skipping undecodable cached record", "collection", collection, "error", err)
			continue
		}
		out = append(out, v)
	}
	return out
}
