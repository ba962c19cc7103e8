package cache

import (
	"context"
	"time"

	"github.com/maypok86/otter/v2"
	"golang.org/x/sync/singleflight"
)

// entry wraps a cached value with its expiration time. The otter-level TTL
// is pinned at the class maximum; the adaptive per-entry expiry is checked
// on read, following the same pattern as variable-TTL response caching.
type entry[V any] struct {
	val       V
	expiresAt time.Time
}

// Class is one cache class: an otter W-TinyLFU map, an adaptive TTL
// controller, and a single-flight group collapsing concurrent misses.
type Class[V any] struct {
	name  string
	cache *otter.Cache[string, entry[V]]
	ctrl  *controller
	group singleflight.Group
}

// NewClass creates a cache class with the given entry budget and TTL bounds.
func NewClass[V any](name string, maxSize int, cfg TTLConfig) *Class[V] {
	cfg = cfg.withDefaults()
	c := otter.Must(&otter.Options[string, entry[V]]{
		MaximumSize:      maxSize,
		ExpiryCalculator: otter.ExpiryWriting[string, entry[V]](cfg.Max),
	})
	return &Class[V]{name: name, cache: c, ctrl: newController(cfg)}
}

// Get returns the cached value for key, loading it through load on a miss.
// Concurrent misses for the same key collapse to a single backing load;
// waiters observe the freshly populated entry.
func (c *Class[V]) Get(ctx context.Context, key string, load func(context.Context) (V, error)) (V, error) {
	if e, ok := c.cache.GetIfPresent(key); ok && time.Now().Before(e.expiresAt) {
		c.ctrl.recordHit()
		return e.val, nil
	}
	c.ctrl.recordMiss()

	v, err, _ := c.group.Do(key, func() (any, error) {
		// A concurrent flight may have populated the entry already.
		if e, ok := c.cache.GetIfPresent(key); ok && time.Now().Before(e.expiresAt) {
			return e.val, nil
		}
		val, err := load(ctx)
		if err != nil {
			return nil, err
		}
		c.cache.Set(key, entry[V]{val: val, expiresAt: time.Now().Add(c.ctrl.TTL())})
		return val, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return v.(V), nil
}

// Invalidate removes one key.
func (c *Class[V]) Invalidate(key string) {
	c.cache.Invalidate(key)
}

// Purge removes all entries of the class.
func (c *Class[V]) Purge() {
	c.cache.InvalidateAll()
}

// Adjust runs one adaptive TTL adjustment cycle.
func (c *Class[V]) Adjust(now time.Time) {
	c.ctrl.adjust(now)
}

// Stats returns a snapshot of the class counters and current TTL.
func (c *Class[V]) Stats() Stats {
	return c.ctrl.stats()
}
