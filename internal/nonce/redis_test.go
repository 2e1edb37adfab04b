package nonce

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magabrotheeeer/paykit-subscriptions/internal/models"
)

func setupRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := NewRedisStore(client)
	store.now = func() time.Time { return time.Unix(1_700_000_000, 0) }
	return store, mr
}

func TestRedisStore_CheckAndMark(t *testing.T) {
	store, mr := setupRedisStore(t)
	ctx := context.Background()
	n := models.Nonce{5}

	fresh, err := store.CheckAndMark(ctx, n, 1_700_003_600)
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, err = store.CheckAndMark(ctx, n, 1_700_003_600)
	require.NoError(t, err)
	assert.False(t, fresh)

	has, err := store.HasNonce(ctx, n)
	require.NoError(t, err)
	assert.True(t, has)

	assert.Equal(t, time.Hour+time.Second+minTTL, mr.TTL(store.key(n)))
}

func TestRedisStore_ReplayDuringExpirySecond(t *testing.T) {
	store, mr := setupRedisStore(t)
	ctx := context.Background()
	n := models.Nonce{9}
	const expiresAt = 1_700_003_600

	fresh, err := store.CheckAndMark(ctx, n, expiresAt)
	require.NoError(t, err)
	require.True(t, fresh)

	// Подпись ещё действительна: now.Unix() == expiresAt.
	mr.FastForward(time.Hour + 500*time.Millisecond)
	store.now = func() time.Time { return time.Unix(expiresAt, 500_000_000) }

	fresh, err = store.CheckAndMark(ctx, n, expiresAt)
	require.NoError(t, err)
	assert.False(t, fresh, "nonce must stay marked while the signature is valid")

	has, err := store.HasNonce(ctx, n)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestRedisStore_ExpiredEntryUsesMinimumTTL(t *testing.T) {
	store, mr := setupRedisStore(t)
	n := models.Nonce{6}

	_, err := store.CheckAndMark(context.Background(), n, 1_600_000_000)
	require.NoError(t, err)
	assert.Equal(t, minTTL, mr.TTL(store.key(n)))

	mr.FastForward(2 * time.Minute)
	has, err := store.HasNonce(context.Background(), n)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestRedisStore_ConcurrentSingleWinner(t *testing.T) {
	store, _ := setupRedisStore(t)
	nonce := models.Nonce{42, 42, 42}

	const workers = 16
	var winners atomic.Int32
	var wg sync.WaitGroup
	wg.Add(workers)
	for range workers {
		go func() {
			defer wg.Done()
			fresh, err := store.CheckAndMark(context.Background(), nonce, 1_700_003_600)
			assert.NoError(t, err)
			if fresh {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load())
}

func TestRedisStore_CleanupExpired(t *testing.T) {
	store, _ := setupRedisStore(t)
	ctx := context.Background()

	for i, exp := range []int64{1_700_000_010, 1_700_000_020, 1_700_000_030} {
		fresh, err := store.CheckAndMark(ctx, models.Nonce{byte(i)}, exp)
		require.NoError(t, err)
		require.True(t, fresh)
	}
	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	removed, err := store.CleanupExpired(ctx, 1_700_000_020)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	count, err = store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count, "entry expiring exactly at the cutoff is kept")
}
