package signing

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/amount"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/errs"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/identity"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/models"
)

type memoryNonces struct {
	mu   sync.Mutex
	seen map[models.Nonce]int64
}

func (m *memoryNonces) CheckAndMark(_ context.Context, nonce models.Nonce, expiresAt int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen == nil {
		m.seen = make(map[models.Nonce]int64)
	}
	if _, ok := m.seen[nonce]; ok {
		return false, nil
	}
	m.seen[nonce] = expiresAt
	return true, nil
}

func keypair(t *testing.T, fill byte) *identity.Keypair {
	t.Helper()
	kp, err := identity.KeypairFromSeed(bytes.Repeat([]byte{fill}, 32))
	require.NoError(t, err)
	return kp
}

func fixture(t *testing.T) (*models.Subscription, *identity.Keypair, *identity.Keypair) {
	t.Helper()
	subscriber, provider := keypair(t, 1), keypair(t, 2)
	terms := models.NewSubscriptionTerms(amount.FromSats(1000), "SAT", models.Monthly(1), "lightning", "Premium")
	sub := models.NewSubscriptionWithID("sub_1", subscriber.PublicKey(), provider.PublicKey(), terms).
		WithStartsAt(1_700_000_000).
		WithMetadata("tier", "gold").
		WithMetadata("region", "eu")
	return sub, subscriber, provider
}

func TestRFC8032Vector(t *testing.T) {
	seed, _ := hex.DecodeString("9d61b19deffd5a60ba844af492ec2cc44449c5697b326919703bac031cae7f60")
	wantPub, _ := hex.DecodeString("d75a980182b10ab7d54bfed3c964073a0ee172f3daa62325af021a68f707511a")
	wantSig, _ := hex.DecodeString("e5564300c360ac729086e2cc806e828a84877f1eb8e5d974d873e065224901555fb8821590a33bacc61e39701cf9b46bd25bf5f0595bbe24655141438e7a100b")

	kp, err := identity.KeypairFromSeed(seed)
	require.NoError(t, err)

	pub, err := kp.PublicKey().Ed25519()
	require.NoError(t, err)
	assert.Equal(t, wantPub, []byte(pub))
	assert.Equal(t, wantSig, kp.Sign(nil))
	assert.True(t, ed25519.Verify(pub, nil, wantSig))
}

func TestEncodeSubscriptionDeterministic(t *testing.T) {
	sub, _, _ := fixture(t)

	first := EncodeSubscription(sub)
	for range 20 {
		assert.Equal(t, first, EncodeSubscription(sub.Clone()))
	}

	reordered := sub.Clone()
	reordered.Metadata = map[string]string{"region": "eu", "tier": "gold"}
	assert.Equal(t, first, EncodeSubscription(reordered))

	scaled := sub.Clone()
	scaled.Terms.Amount = amount.MustParse("1000.000")
	assert.Equal(t, first, EncodeSubscription(scaled))

	changed := sub.WithMetadata("tier", "silver")
	assert.NotEqual(t, first, EncodeSubscription(changed))
}

func TestSignVerifyRoundTrip(t *testing.T) {
	sub, subscriber, _ := fixture(t)
	now := time.Unix(1_700_000_000, 0)
	nonce := models.Nonce{7}

	sig, err := SignAt(sub, subscriber, nonce, time.Hour, now)
	require.NoError(t, err)
	assert.Len(t, sig.Signature, ed25519.SignatureSize)
	assert.Equal(t, now.Unix()+3600, sig.ExpiresAt)

	ok, err := VerifyAt(sub, sig, subscriber.PublicKey(), now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyAt(sub, sig, subscriber.PublicKey(), now.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, ok, "valid at exactly expires_at")

	ok, err = VerifyAt(sub, sig, subscriber.PublicKey(), now.Add(time.Hour+time.Second))
	require.NoError(t, err)
	assert.False(t, ok, "expired")
}

func TestVerifyRejectsTampering(t *testing.T) {
	sub, subscriber, provider := fixture(t)
	now := time.Unix(1_700_000_000, 0)

	sig, err := SignAt(sub, subscriber, models.Nonce{1}, time.Hour, now)
	require.NoError(t, err)

	mutations := map[string]func(s *models.Subscription){
		"amount":      func(s *models.Subscription) { s.Terms.Amount = amount.FromSats(1001) },
		"method":      func(s *models.Subscription) { s.Terms.Method = "onchain" },
		"metadata":    func(s *models.Subscription) { s.Metadata["tier"] = "bronze" },
		"ends_at":     func(s *models.Subscription) { end := int64(1_800_000_000); s.EndsAt = &end },
		"version":     func(s *models.Subscription) { s.Version = 2 },
		"description": func(s *models.Subscription) { s.Terms.Description = "Basic" },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			tampered := sub.Clone()
			mutate(tampered)
			ok, err := VerifyAt(tampered, sig, subscriber.PublicKey(), now)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}

	t.Run("substituted nonce", func(t *testing.T) {
		forged := sig
		forged.Nonce = models.Nonce{2}
		ok, err := VerifyAt(sub, forged, subscriber.PublicKey(), now)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("extended expiry", func(t *testing.T) {
		forged := sig
		forged.ExpiresAt += 3600
		ok, err := VerifyAt(sub, forged, subscriber.PublicKey(), now)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("wrong expected key", func(t *testing.T) {
		ok, err := VerifyAt(sub, sig, provider.PublicKey(), now)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("truncated signature", func(t *testing.T) {
		forged := sig
		forged.Signature = sig.Signature[:10]
		_, err := VerifyAt(sub, forged, subscriber.PublicKey(), now)
		assert.ErrorIs(t, err, errs.ErrCrypto)
	})
}

func TestSignRejectsInvalidSubscription(t *testing.T) {
	sub, subscriber, _ := fixture(t)
	sub.SubscriptionID = ""

	_, err := Sign(sub, subscriber, models.Nonce{}, time.Hour)
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)

	valid, _, _ := fixture(t)
	_, err = Sign(valid, subscriber, models.Nonce{}, 0)
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)
}

func TestVerifyAndConsume(t *testing.T) {
	sub, subscriber, _ := fixture(t)
	now := time.Unix(1_700_000_000, 0)
	store := &memoryNonces{}
	ctx := context.Background()

	sig, err := SignAt(sub, subscriber, models.Nonce{42}, time.Hour, now)
	require.NoError(t, err)

	require.NoError(t, VerifyAndConsume(ctx, sub, sig, subscriber.PublicKey(), store, now))

	err = VerifyAndConsume(ctx, sub, sig, subscriber.PublicKey(), store, now)
	assert.ErrorIs(t, err, errs.ErrCrypto, "replay must be rejected")

	expired, err := SignAt(sub, subscriber, models.Nonce{43}, time.Hour, now)
	require.NoError(t, err)
	err = VerifyAndConsume(ctx, sub, expired, subscriber.PublicKey(), store, now.Add(2*time.Hour))
	assert.ErrorIs(t, err, errs.ErrCrypto)

	fresh, err := store.CheckAndMark(ctx, models.Nonce{43}, 0)
	require.NoError(t, err)
	assert.True(t, fresh, "rejected signatures must not consume their nonce")
}

func TestVerifySigned(t *testing.T) {
	sub, subscriber, provider := fixture(t)
	now := time.Unix(1_700_000_000, 0)

	subSig, err := SignAt(sub, subscriber, models.Nonce{1}, time.Hour, now)
	require.NoError(t, err)
	provSig, err := SignAt(sub, provider, models.Nonce{2}, time.Hour, now)
	require.NoError(t, err)

	signed := models.NewSignedSubscription(sub, subSig, provSig)
	ok, err := VerifySigned(signed, now)
	require.NoError(t, err)
	assert.True(t, ok)

	swapped := models.NewSignedSubscription(sub, provSig, subSig)
	ok, err = VerifySigned(swapped, now)
	require.NoError(t, err)
	assert.False(t, ok)

	store := &memoryNonces{}
	require.NoError(t, VerifySignedAndConsume(context.Background(), signed, store, now))
	assert.ErrorIs(t, VerifySignedAndConsume(context.Background(), signed, store, now), errs.ErrCrypto)
}
