package subscription

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magabrotheeeer/paykit-subscriptions/internal/discovery/transport"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/sealed"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/models"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/services/discovery"
)

func withDiscovery(t *testing.T, p *peer, tr discovery.Transport) *discovery.Service {
	t.Helper()
	keys, err := sealed.GenerateKeypair()
	require.NoError(t, err)
	svc := discovery.New(tr, p.key, keys, newNoopLogger())
	require.NoError(t, svc.PublishSealingKey(context.Background()))
	p.mgr.WithPublisher(svc)
	return svc
}

func newRedisTransport(t *testing.T) *transport.Redis {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return transport.NewRedis(client)
}

func TestManager_SyncThroughDiscovery(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	tr := newRedisTransport(t)
	providerDisc := withDiscovery(t, f.provider, tr)
	subscriberDisc := withDiscovery(t, f.subscriber, tr)

	_, err := f.provider.mgr.Propose(ctx, f.sub)
	require.NoError(t, err)

	n, err := f.subscriber.mgr.Sync(ctx, subscriberDisc)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	state, err := f.subscriber.mgr.State(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, models.StatePending, state)

	_, err = f.subscriber.mgr.Accept(ctx, "sub_1")
	require.NoError(t, err)

	n, err = f.provider.mgr.Sync(ctx, providerDisc)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	signed, err := f.provider.storage.GetSignedSubscription(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, f.subscriber.key.PublicKey(), signed.SubscriberSignature.PublicKey)

	n, err = f.subscriber.mgr.Sync(ctx, subscriberDisc)
	require.NoError(t, err)
	assert.Zero(t, n, "documents are acknowledged after handling")
}

func TestManager_SyncDropsRejectedDocuments(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	tr := newRedisTransport(t)
	providerDisc := withDiscovery(t, f.provider, tr)
	subscriberDisc := withDiscovery(t, f.subscriber, tr)

	p, err := f.provider.mgr.Propose(ctx, f.sub)
	require.NoError(t, err)

	tampered := *p.Subscription
	tampered.Terms.Description = "Premium, now free"
	require.NoError(t, providerDisc.PublishProposal(ctx, &models.Proposal{Subscription: &tampered, Signature: p.Signature}))

	n, err := f.subscriber.mgr.Sync(ctx, subscriberDisc)
	require.NoError(t, err)
	assert.Zero(t, n)

	dir, err := discovery.Dir(discovery.KindProposal, f.subscriber.key.PublicKey())
	require.NoError(t, err)
	left, err := tr.List(ctx, dir)
	require.NoError(t, err)
	assert.Empty(t, left)

	_, err = f.subscriber.mgr.Accept(ctx, "sub_1")
	assert.Error(t, err)
}
