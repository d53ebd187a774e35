package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// LocalNameLock implements NameLock within one process
type LocalNameLock struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocalNameLock creates an in-process name lock
func NewLocalNameLock() *LocalNameLock {
	return &LocalNameLock{held: make(map[string]struct{})}
}

// TryLock acquires name or returns ErrLockHeld
func (l *LocalNameLock) TryLock(ctx context.Context, name string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, busy := l.held[name]; busy {
		return nil, ErrLockHeld
	}
	l.held[name] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, name)
			l.mu.Unlock()
		})
	}, nil
}

const lockKeyPrefix = "provisioner:lock:"

// releaseScript deletes the key only while it still carries our token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisNameLock implements NameLock across processes with SET NX and a TTL.
// The TTL bounds how long a crashed holder blocks the name.
type RedisNameLock struct {
	client redis.UniversalClient
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisNameLock creates a distributed name lock
func NewRedisNameLock(client redis.UniversalClient, ttl time.Duration, logger *zap.Logger) *RedisNameLock {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &RedisNameLock{client: client, ttl: ttl, logger: logger}
}

// TryLock acquires name or returns ErrLockHeld
func (l *RedisNameLock) TryLock(ctx context.Context, name string) (func(), error) {
	key := lockKeyPrefix + name
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock for %s: %w", name, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(releaseCtx, l.client, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
				l.logger.Warn("Failed to release name lock",
					zap.String("stack", name),
					zap.Error(err))
			}
		})
	}, nil
}
