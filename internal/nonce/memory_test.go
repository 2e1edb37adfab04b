package nonce

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/errs"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/models"
)

func TestStore_CheckAndMark(t *testing.T) {
	s := New()
	ctx := context.Background()
	n := models.Nonce{1, 2, 3}

	fresh, err := s.CheckAndMark(ctx, n, 100)
	require.NoError(t, err)
	assert.True(t, fresh)

	for range 3 {
		fresh, err = s.CheckAndMark(ctx, n, 100)
		require.NoError(t, err)
		assert.False(t, fresh)
	}

	has, err := s.HasNonce(n)
	require.NoError(t, err)
	assert.True(t, has)

	count, err := s.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestStore_ConcurrentSingleWinner(t *testing.T) {
	s := New()
	var nonce models.Nonce
	for i := range nonce {
		nonce[i] = 42
	}

	const workers = 64
	var winners atomic.Int32
	var wg sync.WaitGroup
	wg.Add(workers)
	for range workers {
		go func() {
			defer wg.Done()
			fresh, err := s.CheckAndMark(context.Background(), nonce, 1000)
			assert.NoError(t, err)
			if fresh {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load())
}

func TestStore_CleanupExpired(t *testing.T) {
	s := New()
	ctx := context.Background()

	for i, exp := range []int64{10, 20, 30} {
		_, err := s.CheckAndMark(ctx, models.Nonce{byte(i)}, exp)
		require.NoError(t, err)
	}

	removed, err := s.CleanupExpired(ctx, 20)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	has, err := s.HasNonce(models.Nonce{0})
	require.NoError(t, err)
	assert.False(t, has)

	has, err = s.HasNonce(models.Nonce{1})
	require.NoError(t, err)
	assert.True(t, has, "entry expiring exactly at the cutoff is kept")
}

func TestStore_PoisonedLockSurfacesError(t *testing.T) {
	s := New()

	assert.Panics(t, func() {
		_ = s.write(func() { panic("boom") })
	})

	_, err := s.CheckAndMark(context.Background(), models.Nonce{9}, 100)
	assert.ErrorIs(t, err, errs.ErrLockPoisoned)

	_, err = s.HasNonce(models.Nonce{9})
	assert.ErrorIs(t, err, errs.ErrLockPoisoned)

	_, err = s.CleanupExpired(context.Background(), 0)
	assert.ErrorIs(t, err, errs.ErrLockPoisoned)
}

func TestStore_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New().CheckAndMark(ctx, models.Nonce{1}, 100)
	assert.ErrorIs(t, err, context.Canceled)
}
