package bootstrap

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magabrotheeeer/paykit-subscriptions/internal/config"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/discovery/transport"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/models"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/nonce"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/storage/file"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/storage/memory"
)

const seedHex = "0101010101010101010101010101010101010101010101010101010101010101"

func newNoopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestStorage(t *testing.T) {
	ctx := context.Background()

	st, err := Storage(ctx, config.Storage{Driver: config.StorageMemory}, newNoopLogger())
	require.NoError(t, err)
	assert.IsType(t, &memory.Storage{}, st)

	st, err = Storage(ctx, config.Storage{Driver: config.StorageFile, FileDir: t.TempDir()}, newNoopLogger())
	require.NoError(t, err)
	assert.IsType(t, &file.Storage{}, st)
	require.NoError(t, st.Close())

	_, err = Storage(ctx, config.Storage{Driver: "sqlite"}, newNoopLogger())
	assert.Error(t, err)
}

func TestIdentity(t *testing.T) {
	kp, err := Identity(config.Identity{SeedHex: seedHex}, newNoopLogger())
	require.NoError(t, err)
	again, err := Identity(config.Identity{SeedHex: seedHex}, newNoopLogger())
	require.NoError(t, err)
	assert.Equal(t, kp.PublicKey(), again.PublicKey())

	ephemeral, err := Identity(config.Identity{}, newNoopLogger())
	require.NoError(t, err)
	assert.NotEqual(t, kp.PublicKey(), ephemeral.PublicKey())

	_, err = Identity(config.Identity{SeedHex: "zz"}, newNoopLogger())
	assert.Error(t, err)
}

func TestSealingKeys_Stable(t *testing.T) {
	kp, err := Identity(config.Identity{SeedHex: seedHex}, newNoopLogger())
	require.NoError(t, err)

	a, err := SealingKeys(kp)
	require.NoError(t, err)
	b, err := SealingKeys(kp)
	require.NoError(t, err)
	assert.Equal(t, a.Public, b.Public)
}

func TestNonces(t *testing.T) {
	ctx := context.Background()

	mem, err := Nonces(config.Nonce{Driver: config.NonceMemory}, nil)
	require.NoError(t, err)
	assert.IsType(t, &nonce.Store{}, mem)

	_, err = Nonces(config.Nonce{Driver: config.NonceRedis}, nil)
	assert.Error(t, err)

	shared, err := Nonces(config.Nonce{Driver: config.NonceRedis}, newRedisClient(t))
	require.NoError(t, err)
	assert.IsType(t, &nonce.RedisStore{}, shared)

	exp := time.Now().Add(time.Hour).Unix()
	fresh, err := shared.CheckAndMark(ctx, models.Nonce{1}, exp)
	require.NoError(t, err)
	assert.True(t, fresh)
	fresh, err = shared.CheckAndMark(ctx, models.Nonce{1}, exp)
	require.NoError(t, err)
	assert.False(t, fresh)
}

func TestDiscoveryTransport(t *testing.T) {
	ctx := context.Background()

	tr, err := DiscoveryTransport(ctx, config.Discovery{Driver: config.DiscoveryRedis}, newRedisClient(t))
	require.NoError(t, err)
	assert.IsType(t, &transport.Redis{}, tr)

	_, err = DiscoveryTransport(ctx, config.Discovery{Driver: config.DiscoveryRedis}, nil)
	assert.Error(t, err)

	_, err = DiscoveryTransport(ctx, config.Discovery{Driver: "ipfs"}, nil)
	assert.Error(t, err)
}

func TestFallbackPolicy(t *testing.T) {
	p := FallbackPolicy(config.Fallback{
		Methods:     map[string]uint32{"card": 3},
		MaxRetries:  5,
		GracePeriod: 48 * time.Hour,
		Notify:      true,
	})

	assert.Equal(t, []string{"lightning", "onchain", "card"}, p.OrderedMethods())
	assert.Equal(t, 5, p.MaxRetriesPerMethod)
	assert.Equal(t, 3, p.MaxMethods, "default kept")
	assert.Equal(t, 60*time.Second, p.RetryDelay, "default kept")
	assert.Equal(t, 48*time.Hour, p.GracePeriod)
	assert.True(t, p.NotifyOnFallback)
}
