package util

import (
	"context"
	"sync"
	"time"
)

// FetchFunc loads the values for keys a cache does not hold.
type FetchFunc[V any] func(ctx context.Context, keys []string) ([]V, error)

// TTLCache holds values by key until they expire. Expired entries are
// dropped before every lookup and fetched again, never served stale.
type TTLCache[V any] struct {
	mu    sync.Mutex
	ttl   time.Duration
	key   func(V) string
	now   func() time.Time
	items map[string]cacheEntry[V]
}

type cacheEntry[V any] struct {
	value     V
	expiresAt time.Time
}

// NewTTLCache creates a cache whose entries live for ttl. key extracts the
// cache key from a fetched value.
func NewTTLCache[V any](ttl time.Duration, key func(V) string) *TTLCache[V] {
	return &TTLCache[V]{
		ttl:   ttl,
		key:   key,
		now:   time.Now,
		items: make(map[string]cacheEntry[V]),
	}
}

// SetClock replaces the cache's time source.
func (c *TTLCache[V]) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Lookup returns the values for keys in order, fetching the missing ones in
// a single call. Repeated keys are returned once. Keys the fetch did not
// return are left out.
func (c *TTLCache[V]) Lookup(ctx context.Context, keys []string, fetch FetchFunc[V]) ([]V, error) {
	unique := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		unique = append(unique, k)
	}

	c.mu.Lock()
	now := c.now()
	for k, e := range c.items {
		if !now.Before(e.expiresAt) {
			delete(c.items, k)
		}
	}
	var missing []string
	for _, k := range unique {
		if _, ok := c.items[k]; !ok {
			missing = append(missing, k)
		}
	}
	c.mu.Unlock()

	if len(missing) > 0 {
		fetched, err := fetch(ctx, missing)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		expires := c.now().Add(c.ttl)
		for _, v := range fetched {
			c.items[c.key(v)] = cacheEntry[V]{value: v, expiresAt: expires}
		}
		c.mu.Unlock()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]V, 0, len(unique))
	for _, k := range unique {
		if e, ok := c.items[k]; ok {
			out = append(out, e.value)
		}
	}
	return out, nil
}
