// Package cache provides a small TTL cache for values that are expensive to
// recompute, such as backend intent classifications.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/ZanzyTHEbar/errbuilder-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InMemoryCache provides a simple thread-safe in-memory cache.
type InMemoryCache struct {
	store  map[string]cacheItem
	mutex  sync.RWMutex
	ttl    time.Duration
	now    func() time.Time
	logger zerolog.Logger

	stop     chan struct{}
	stopOnce sync.Once
}

type cacheItem struct {
	value      any
	expiration int64
}

// Option configures an InMemoryCache.
type Option func(*InMemoryCache)

// WithLogger sets the cache logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *InMemoryCache) {
		c.logger = logger
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *InMemoryCache) {
		c.now = now
	}
}

// WithCleanupInterval starts a background sweep of expired items. Call
// Close to stop it.
func WithCleanupInterval(interval time.Duration) Option {
	return func(c *InMemoryCache) {
		if interval > 0 {
			go c.cleanupLoop(interval)
		}
	}
}

// NewInMemoryCache creates a new in-memory cache with a default TTL.
func NewInMemoryCache(defaultTTL time.Duration, opts ...Option) *InMemoryCache {
	c := &InMemoryCache{
		store:  make(map[string]cacheItem),
		ttl:    defaultTTL,
		now:    time.Now,
		logger: log.Logger,
		stop:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get retrieves an item from the cache. Missing and expired items return a
// not-found error.
func (c *InMemoryCache) Get(ctx context.Context, key string) (any, error) {
	if err := errbuilder.WrapIfContextDone(ctx, nil); err != nil {
		return nil, err
	}

	c.mutex.RLock()
	defer c.mutex.RUnlock()

	item, found := c.store[key]
	if !found {
		return nil, errbuilder.NotFoundErr(errbuilder.GenericErr("cache item not found", nil))
	}

	if c.now().UnixNano() > item.expiration {
		// Lazy expiry; the sweep removes it later
		c.logger.Trace().Str("key", key).Msg("cache item expired")
		return nil, errbuilder.NotFoundErr(errbuilder.GenericErr("cache item expired", nil))
	}

	return item.value, nil
}

// Set adds or updates an item in the cache.
func (c *InMemoryCache) Set(ctx context.Context, key string, value any) error {
	if err := errbuilder.WrapIfContextDone(ctx, nil); err != nil {
		return err
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.store[key] = cacheItem{
		value:      value,
		expiration: c.now().Add(c.ttl).UnixNano(),
	}
	c.logger.Trace().Str("key", key).Msg("cache item set")
	return nil
}

// Len returns the number of stored items, expired or not.
func (c *InMemoryCache) Len() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.store)
}

// Sweep removes expired items and returns how many were dropped.
func (c *InMemoryCache) Sweep() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	now := c.now().UnixNano()
	removed := 0
	for key, item := range c.store {
		if now > item.expiration {
			delete(c.store, key)
			removed++
		}
	}
	return removed
}

// Close stops the background sweep, if any.
func (c *InMemoryCache) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *InMemoryCache) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				c.logger.Debug().Int("removed", n).Msg("swept expired cache items")
			}
		}
	}
}
