package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const cacheKeyPrefix = "provisioner:cache:"

// NewRedisClient creates a Redis client and verifies the connection
func NewRedisClient(addr, password string, db, poolSize int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
		PoolSize: poolSize,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return client, nil
}

// RedisCache implements Cache on Redis so snapshots are shared between processes
type RedisCache struct {
	client redis.UniversalClient
	logger *zap.Logger
}

// NewRedisCache creates a cache over an existing client
func NewRedisCache(client redis.UniversalClient, logger *zap.Logger) *RedisCache {
	return &RedisCache{client: client, logger: logger}
}

// Get retrieves a snapshot
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := c.client.Get(ctx, cacheKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cache: %w", err)
	}
	return data, nil
}

// Set stores a snapshot with TTL
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.client.Set(ctx, cacheKeyPrefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to write cache: %w", err)
	}
	return nil
}

// Delete removes a snapshot
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, cacheKeyPrefix+key).Err()
}

// Ping checks the Redis connection
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
