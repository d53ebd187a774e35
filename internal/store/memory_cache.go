package store

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// InMemoryCache implements Cache using an in-memory map
type InMemoryCache struct {
	data     map[string]*cacheItem
	mu       sync.RWMutex
	maxSize  int
	logger   *zap.Logger
	stopCh   chan struct{}
	stopOnce sync.Once
}

type cacheItem struct {
	value     []byte
	expiresAt time.Time
}

// NewInMemoryCache creates a new in-memory cache
func NewInMemoryCache(maxSize int, logger *zap.Logger) *InMemoryCache {
	if maxSize <= 0 {
		maxSize = 10000
	}

	cache := &InMemoryCache{
		data:    make(map[string]*cacheItem),
		maxSize: maxSize,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}

	// Start cleanup goroutine
	go cache.cleanup(time.Minute)

	return cache
}

// Get retrieves a value from cache
func (c *InMemoryCache) Get(ctx context.Context, key string) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	item, exists := c.data[key]
	if !exists || time.Now().After(item.expiresAt) {
		return nil, ErrNotFound
	}

	return item.value, nil
}

// Set stores a value in cache with TTL
func (c *InMemoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.data[key]; !exists && len(c.data) >= c.maxSize {
		c.evictLocked()
	}

	c.data[key] = &cacheItem{
		value:     value,
		expiresAt: time.Now().Add(ttl),
	}

	return nil
}

// evictLocked drops expired items, or the item closest to expiry when none are
func (c *InMemoryCache) evictLocked() {
	now := time.Now()
	var victim string
	var earliest time.Time
	for k, v := range c.data {
		if now.After(v.expiresAt) {
			delete(c.data, k)
			continue
		}
		if victim == "" || v.expiresAt.Before(earliest) {
			victim, earliest = k, v.expiresAt
		}
	}
	if len(c.data) >= c.maxSize && victim != "" {
		delete(c.data, victim)
	}
}

// Delete removes a value from cache
func (c *InMemoryCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.data, key)
	return nil
}

// Ping always succeeds for the in-memory cache
func (c *InMemoryCache) Ping(ctx context.Context) error {
	return nil
}

// Stop ends the cleanup goroutine
func (c *InMemoryCache) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// cleanup periodically removes expired entries
func (c *InMemoryCache) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.mu.Lock()
			now := time.Now()
			removed := 0
			for key, item := range c.data {
				if now.After(item.expiresAt) {
					delete(c.data, key)
					removed++
				}
			}
			c.mu.Unlock()
			if removed > 0 {
				c.logger.Debug("Evicted expired cache entries", zap.Int("count", removed))
			}
		}
	}
}

// Size returns the number of items in cache
func (c *InMemoryCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}
