package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestInMemoryCache_SetGetExpire(t *testing.T) {
	ctx := context.Background()
	cache := NewInMemoryCache(10, zap.NewNop())
	defer cache.Stop()

	require.NoError(t, cache.Set(ctx, "stats:acme", []byte(`{"name":"acme"}`), time.Minute))
	got, err := cache.Get(ctx, "stats:acme")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"acme"}`, string(got))

	require.NoError(t, cache.Set(ctx, "stats:old", []byte("x"), -time.Second))
	_, err = cache.Get(ctx, "stats:old")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, cache.Delete(ctx, "stats:acme"))
	_, err = cache.Get(ctx, "stats:acme")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInMemoryCache_EvictsAtCapacity(t *testing.T) {
	ctx := context.Background()
	cache := NewInMemoryCache(3, zap.NewNop())
	defer cache.Stop()

	for i := 0; i < 5; i++ {
		require.NoError(t, cache.Set(ctx, fmt.Sprintf("k%d", i), []byte("v"), time.Duration(i+1)*time.Minute))
	}
	assert.Equal(t, 3, cache.Size())

	// Newest entries survive; the entry closest to expiry goes first
	_, err := cache.Get(ctx, "k4")
	assert.NoError(t, err)
	_, err = cache.Get(ctx, "k0")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalNameLock_TryLock(t *testing.T) {
	ctx := context.Background()
	lock := NewLocalNameLock()

	release, err := lock.TryLock(ctx, "acme")
	require.NoError(t, err)

	_, err = lock.TryLock(ctx, "acme")
	assert.ErrorIs(t, err, ErrLockHeld)

	other, err := lock.TryLock(ctx, "globex")
	require.NoError(t, err)
	other()

	release()
	release()

	again, err := lock.TryLock(ctx, "acme")
	require.NoError(t, err)
	again()
}
