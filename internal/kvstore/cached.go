package kvstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/dgraph-io/ristretto"

	"github.com/onnwee/offline-sync/internal/metrics"
)

// Cached is a write-through, size-bounded read layer in front of another Store.
// Values are held verbatim so expiry decisions made by callers are unaffected.
type Cached struct {
	inner Store
	cache *ristretto.Cache

	// mu serializes writes with miss fills so a fill can never resurrect a
	// value that a concurrent write already replaced.
	mu sync.Mutex
}

var _ Store = (*Cached)(nil)

// NewCached wraps inner with a ristretto cache of at most maxSizeMB megabytes.
func NewCached(inner Store, maxSizeMB int64) (*Cached, error) {
	if maxSizeMB <= 0 {
		return nil, fmt.Errorf("hot cache size must be positive, got %d", maxSizeMB)
	}
	// NumCounters should be ~10x the number of entries; assume ~1KB values
	numCounters := maxSizeMB * 1024 * 10
	if numCounters < 1000 {
		numCounters = 1000
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: numCounters,
		MaxCost:     maxSizeMB * 1024 * 1024,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Cached{inner: inner, cache: cache}, nil
}

func (c *Cached) GetItem(ctx context.Context, key string) (string, bool, error) {
	if v, found := c.cache.Get(key); found {
		if s, ok := v.(string); ok {
			metrics.HotCacheRequests.WithLabelValues("hit").Inc()
			return s, true, nil
		}
		c.cache.Del(key)
	}
	metrics.HotCacheRequests.WithLabelValues("miss").Inc()

	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok, err := c.inner.GetItem(ctx, key)
	if err != nil || !ok {
		return v, ok, err
	}
	c.cache.Set(key, v, int64(len(v)))
	c.cache.Wait()
	return v, true, nil
}

func (c *Cached) SetItem(ctx context.Context, key, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Del(key)
	if err := c.inner.SetItem(ctx, key, value); err != nil {
		return err
	}
	c.cache.Set(key, value, int64(len(value)))
	c.cache.Wait()
	return nil
}

func (c *Cached) RemoveItem(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Del(key)
	return c.inner.RemoveItem(ctx, key)
}

// GetAllKeys always asks the inner store; the cache may hold a partial view.
func (c *Cached) GetAllKeys(ctx context.Context) ([]string, error) {
	return c.inner.GetAllKeys(ctx)
}

func (c *Cached) MultiRemove(ctx context.Context, keys []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		c.cache.Del(k)
	}
	return c.inner.MultiRemove(ctx, keys)
}

// Close closes the cache and the inner store.
func (c *Cached) Close() error {
	c.cache.Close()
	return c.inner.Close()
}
