// Package recency keeps a small most-recently-used list in a key-value store.
package recency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/example/ride-composer/internal/logging"
	"github.com/example/ride-composer/internal/models"
	"github.com/example/ride-composer/internal/observability"
	"github.com/example/ride-composer/internal/storage"
)

const DefaultLimit = 3

// Cache is a bounded MRU list persisted as a JSON array, newest first. It is
// meant to be written by a single composer; it does not guard against
// concurrent writers of the same key.
type Cache[T any] struct {
	store storage.Store
	key   string
	limit int
	valid func(T) bool
	log   *slog.Logger
}

// New builds a cache over key. valid may be nil; limit <= 0 uses DefaultLimit.
func New[T any](store storage.Store, key string, limit int, valid func(T) bool, log *slog.Logger) *Cache[T] {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Cache[T]{store: store, key: key, limit: limit, valid: valid, log: logging.OrDefault(log)}
}

// LoadAll returns the persisted entries. Corrupt data never surfaces as an
// error: an unreadable blob yields an empty list and individual entries that do
// not decode or fail validation are skipped. Only store failures are returned.
func (c *Cache[T]) LoadAll(ctx context.Context) ([]T, error) {
	raw, err := c.store.Get(ctx, c.key)
	if errors.Is(err, storage.ErrNotFound) {
		return []T{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("recency: load %s: %w", c.key, err)
	}

	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		c.log.Warn("discarding malformed recency list", "key", c.key, "error", err)
		observability.RecencyEntriesDropped.Inc()
		return []T{}, nil
	}

	out := make([]T, 0, len(elems))
	for _, e := range elems {
		var item T
		if err := json.Unmarshal(e, &item); err != nil || (c.valid != nil && !c.valid(item)) {
			observability.RecencyEntriesDropped.Inc()
			continue
		}
		out = append(out, item)
	}
	if dropped := len(elems) - len(out); dropped > 0 {
		c.log.Warn("dropped malformed recency entries", "key", c.key, "dropped", dropped)
	}
	if len(out) > c.limit {
		out = out[:c.limit]
	}
	return out, nil
}

// Insert moves item to the front, removing any entry with the same key, trims
// the list to the limit and persists it. The resulting list is returned.
func (c *Cache[T]) Insert(ctx context.Context, item T, keyFn func(T) string) ([]T, error) {
	current, err := c.LoadAll(ctx)
	if err != nil {
		return nil, err
	}

	k := keyFn(item)
	next := make([]T, 0, c.limit)
	next = append(next, item)
	for _, existing := range current {
		if len(next) == c.limit {
			break
		}
		if keyFn(existing) == k {
			continue
		}
		next = append(next, existing)
	}

	b, err := json.Marshal(next)
	if err != nil {
		return nil, fmt.Errorf("recency: encode %s: %w", c.key, err)
	}
	if err := c.store.Set(ctx, c.key, b); err != nil {
		return nil, fmt.Errorf("recency: persist %s: %w", c.key, err)
	}
	return next, nil
}

func (c *Cache[T]) Clear(ctx context.Context) error {
	return c.store.Delete(ctx, c.key)
}

// RoutesKey is the store key holding a user's recent routes.
func RoutesKey(userID int64) string {
	return "recency:routes:" + strconv.FormatInt(userID, 10)
}

// NewRoutes returns the recent-route cache for userID.
func NewRoutes(store storage.Store, userID int64, limit int, log *slog.Logger) *Cache[models.SearchEntry] {
	return New(store, RoutesKey(userID), limit, models.ValidSearchEntry, log)
}

// InsertRoute records e as the most recent route, deduplicated by its address pair.
func InsertRoute(ctx context.Context, c *Cache[models.SearchEntry], e models.SearchEntry) ([]models.SearchEntry, error) {
	return c.Insert(ctx, e, models.SearchEntryKey)
}
