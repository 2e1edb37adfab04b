// Package storagetest — общий набор тестов контракта storage.SubscriptionStorage.
package storagetest

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/amount"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/errs"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/identity"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/models"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/storage"
)

// Start — момент, от которого отсчитывают часы в тестах.
var Start = time.Unix(1_700_000_000, 0)

// Clock — управляемый источник времени.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock создаёт часы, показывающие Start.
func NewClock() *Clock {
	return &Clock{now: Start}
}

// Now возвращает текущее показание.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance переводит часы вперёд.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Factory создаёт пустое хранилище, использующее часы clock.
type Factory func(t *testing.T, clock *Clock) storage.SubscriptionStorage

// Peer возвращает детерминированный ключ.
func Peer(t *testing.T, fill byte) identity.PublicKey {
	t.Helper()
	kp, err := identity.KeypairFromSeed(bytes.Repeat([]byte{fill}, 32))
	require.NoError(t, err)
	return kp.PublicKey()
}

// Subscription возвращает первую версию подписки id между сторонами 1 и 2.
func Subscription(t *testing.T, id string) *models.Subscription {
	t.Helper()
	terms := models.NewSubscriptionTerms(amount.FromSats(1000), "SAT", models.Monthly(1), "lightning", "Premium")
	sub := models.NewSubscriptionWithID(id, Peer(t, 1), Peer(t, 2), terms).WithStartsAt(Start.Unix())
	sub.CreatedAt = Start.Unix()
	return sub
}

// AssertSameSubscription сравнивает подписки по значению полей.
func AssertSameSubscription(t *testing.T, want, got *models.Subscription) {
	t.Helper()
	assert.Equal(t, want.SubscriptionID, got.SubscriptionID)
	assert.Equal(t, want.Version, got.Version)
	assert.Equal(t, want.Subscriber, got.Subscriber)
	assert.Equal(t, want.Provider, got.Provider)
	assert.True(t, want.Terms.Amount.Equal(got.Terms.Amount), "amount %s != %s", want.Terms.Amount, got.Terms.Amount)
	assert.Equal(t, want.Terms.Currency, got.Terms.Currency)
	assert.Equal(t, want.Terms.Frequency, got.Terms.Frequency)
	assert.Equal(t, want.Terms.Method, got.Terms.Method)
	assert.Equal(t, want.Terms.Description, got.Terms.Description)
	assert.Equal(t, len(want.Metadata), len(got.Metadata))
	for k, v := range want.Metadata {
		assert.Equal(t, v, got.Metadata[k])
	}
	assert.Equal(t, want.CreatedAt, got.CreatedAt)
	assert.Equal(t, want.StartsAt, got.StartsAt)
	assert.Equal(t, want.EndsAt, got.EndsAt)
}

// Run прогоняет набор тестов контракта.
func Run(t *testing.T, factory Factory) {
	t.Run("SubscriptionVersions", func(t *testing.T) { testSubscriptionVersions(t, factory) })
	t.Run("SignedAndActive", func(t *testing.T) { testSignedAndActive(t, factory) })
	t.Run("ModificationRecords", func(t *testing.T) { testModificationRecords(t, factory) })
	t.Run("AutoPayRules", func(t *testing.T) { testAutoPayRules(t, factory) })
	t.Run("ReserveCommitRollback", func(t *testing.T) { testReserveCommitRollback(t, factory) })
	t.Run("ConcurrentReservations", func(t *testing.T) { testConcurrentReservations(t, factory) })
	t.Run("PeriodReset", func(t *testing.T) { testPeriodReset(t, factory) })
	t.Run("FallbackRecords", func(t *testing.T) { testFallbackRecords(t, factory) })
	t.Run("FallbackClaims", func(t *testing.T) { testFallbackClaims(t, factory) })
	t.Run("ConcurrentFallbackClaims", func(t *testing.T) { testConcurrentFallbackClaims(t, factory) })
}

func testSubscriptionVersions(t *testing.T, factory Factory) {
	ctx := context.Background()
	s := factory(t, NewClock())

	_, err := s.GetSubscription(ctx, "sub_missing")
	assert.ErrorIs(t, err, errs.ErrNotFound)

	v1 := Subscription(t, "sub_a")
	require.NoError(t, s.SaveSubscription(ctx, v1))

	v2 := v1.Clone()
	v2.Version = 2
	v2.Terms.Amount = amount.FromSats(2000)
	require.NoError(t, s.SaveSubscription(ctx, v2))

	latest, err := s.GetSubscription(ctx, "sub_a")
	require.NoError(t, err)
	assert.Equal(t, uint32(2), latest.Version)
	assert.Equal(t, "2000", latest.Terms.Amount.String())

	first, err := s.GetSubscriptionVersion(ctx, "sub_a", 1)
	require.NoError(t, err)
	AssertSameSubscription(t, v1, first)

	_, err = s.GetSubscriptionVersion(ctx, "sub_a", 3)
	assert.ErrorIs(t, err, errs.ErrNotFound)

	versions, err := s.ListSubscriptionVersions(ctx, "sub_a")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, uint32(1), versions[0].Version)
	assert.Equal(t, uint32(2), versions[1].Version)

	other := models.NewSubscriptionWithID("sub_b", Peer(t, 3), Peer(t, 4), v1.Terms).WithStartsAt(Start.Unix())
	require.NoError(t, s.SaveSubscription(ctx, other))

	withPeer, err := s.ListSubscriptionsWithPeer(ctx, Peer(t, 2))
	require.NoError(t, err)
	require.Len(t, withPeer, 1)
	assert.Equal(t, "sub_a", withPeer[0].SubscriptionID)
	assert.Equal(t, uint32(2), withPeer[0].Version)

	invalid := Subscription(t, "")
	assert.ErrorIs(t, s.SaveSubscription(ctx, invalid), errs.ErrInvalidArgument)
}

// Signed возвращает подписку id с фиктивными подписями сторон.
func Signed(t *testing.T, id string) *models.SignedSubscription {
	t.Helper()
	sub := Subscription(t, id)
	sig := func(pk identity.PublicKey, n byte) models.Signature {
		return models.Signature{
			Signature: bytes.Repeat([]byte{n}, 64),
			PublicKey: pk,
			Nonce:     models.Nonce{n},
			Timestamp: Start.Unix(),
			ExpiresAt: Start.Add(time.Hour).Unix(),
		}
	}
	return models.NewSignedSubscription(sub, sig(sub.Subscriber, 1), sig(sub.Provider, 2))
}

func testSignedAndActive(t *testing.T, factory Factory) {
	ctx := context.Background()
	s := factory(t, NewClock())

	active := Signed(t, "sub_active")
	require.NoError(t, s.SaveSignedSubscription(ctx, active))

	ended := Signed(t, "sub_ended")
	ended.Subscription = ended.Subscription.WithEndsAt(Start.Add(time.Hour).Unix())
	require.NoError(t, s.SaveSignedSubscription(ctx, ended))

	future := Signed(t, "sub_future")
	future.Subscription = future.Subscription.WithStartsAt(Start.Add(48 * time.Hour).Unix())
	require.NoError(t, s.SaveSignedSubscription(ctx, future))

	got, err := s.GetSignedSubscription(ctx, "sub_active")
	require.NoError(t, err)
	assert.Equal(t, active.SubscriberSignature, got.SubscriberSignature)
	assert.Equal(t, active.ProviderSignature, got.ProviderSignature)
	AssertSameSubscription(t, active.Subscription, got.Subscription)

	latest, err := s.GetSubscription(ctx, "sub_active")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), latest.Version, "signing stores the version too")

	now := Start.Add(2 * time.Hour).Unix()
	list, err := s.ListActiveSubscriptions(ctx, now)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "sub_active", list[0].Subscription.SubscriptionID)

	// Неподписанная новая версия не подменяет подписанные условия.
	repriced := active.Subscription.Clone()
	repriced.Version = 2
	repriced.Terms.Amount = amount.FromSats(50000)
	require.NoError(t, s.SaveSubscription(ctx, repriced))

	list, err = s.ListActiveSubscriptions(ctx, now)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, uint32(1), list[0].Subscription.Version)
	assert.Equal(t, "1000", list[0].Subscription.Terms.Amount.String())

	// Отмена в новой версии исключает соглашение из активных.
	cancelled := active.Subscription.Clone()
	cancelled.Version = 3
	end := Start.Add(time.Hour).Unix()
	cancelled.EndsAt = &end
	require.NoError(t, s.SaveSubscription(ctx, cancelled))

	list, err = s.ListActiveSubscriptions(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = s.GetSignedSubscription(ctx, "sub_missing")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func testModificationRecords(t *testing.T, factory Factory) {
	ctx := context.Background()
	s := factory(t, NewClock())

	records, err := s.ListModificationRecords(ctx, "sub_a")
	require.NoError(t, err)
	assert.Empty(t, records)

	for i, kind := range []models.ModificationType{
		models.ChangeMethod("onchain"),
		models.Cancel(Start.Unix(), "moving"),
	} {
		req := models.NewModificationRequest("sub_a", models.RequestedBySubscriber, kind, Start.Add(time.Duration(i)*time.Second))
		require.NoError(t, s.SaveModificationRecord(ctx, models.ModificationRecord{
			Request:         req,
			PreviousVersion: uint32(i + 1),
			NewVersion:      uint32(i + 2),
			Success:         true,
			RecordedAt:      req.RequestedAt,
		}))
	}

	records, err = s.ListModificationRecords(ctx, "sub_a")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, models.ModChangeMethod, records[0].Request.Type.Kind)
	assert.Equal(t, models.ModCancel, records[1].Request.Type.Kind)
	assert.Equal(t, "moving", records[1].Request.Type.Reason)
}

func testAutoPayRules(t *testing.T, factory Factory) {
	ctx := context.Background()
	s := factory(t, NewClock())

	_, err := s.GetAutoPayRule(ctx, "sub_a")
	assert.ErrorIs(t, err, errs.ErrNotFound)

	rule := models.NewAutoPayRule("sub_a", Peer(t, 2), "lightning").
		WithMaxPaymentAmount(amount.FromSats(5000)).
		WithMaxPeriodAmount(amount.FromSats(20000), models.PeriodMonthly)
	require.NoError(t, s.SaveAutoPayRule(ctx, rule))

	got, err := s.GetAutoPayRule(ctx, "sub_a")
	require.NoError(t, err)
	assert.Equal(t, rule.Peer, got.Peer)
	assert.Equal(t, rule.MethodID, got.MethodID)
	assert.True(t, got.Enabled)
	assert.Equal(t, models.PeriodMonthly, got.Period)
	require.NotNil(t, got.MaxAmountPerPayment)
	assert.Equal(t, "5000", got.MaxAmountPerPayment.String())
	require.NotNil(t, got.MaxTotalAmountPerPeriod)
	assert.Equal(t, "20000", got.MaxTotalAmountPerPeriod.String())
	assert.Equal(t, rule.NotifyBefore, got.NotifyBefore)

	rule.Enabled = false
	require.NoError(t, s.SaveAutoPayRule(ctx, rule))
	got, err = s.GetAutoPayRule(ctx, "sub_a")
	require.NoError(t, err)
	assert.False(t, got.Enabled)

	require.NoError(t, s.DeleteAutoPayRule(ctx, "sub_a"))
	_, err = s.GetAutoPayRule(ctx, "sub_a")
	assert.ErrorIs(t, err, errs.ErrNotFound)
	assert.ErrorIs(t, s.DeleteAutoPayRule(ctx, "sub_a"), errs.ErrNotFound)
}

func testReserveCommitRollback(t *testing.T, factory Factory) {
	ctx := context.Background()
	clock := NewClock()
	s := factory(t, clock)
	peer := Peer(t, 2)

	_, err := s.ReserveSpending(ctx, peer, amount.FromSats(1))
	assert.ErrorIs(t, err, errs.ErrNotFound)

	require.NoError(t, s.SavePeerSpendingLimit(ctx, models.NewPeerSpendingLimit(peer, amount.FromSats(1000), models.PeriodMonthly, clock.Now())))

	first, err := s.ReserveSpending(ctx, peer, amount.FromSats(300))
	require.NoError(t, err)
	require.NoError(t, s.CommitSpending(ctx, first))
	assert.ErrorIs(t, s.CommitSpending(ctx, first), errs.ErrNotFound)

	limit, err := s.GetPeerSpendingLimit(ctx, peer)
	require.NoError(t, err)
	assert.Equal(t, "300", limit.CurrentSpent.String())
	before := limit.CurrentSpent

	second, err := s.ReserveSpending(ctx, peer, amount.MustParse("250.5"))
	require.NoError(t, err)
	require.NoError(t, s.RollbackSpending(ctx, second))
	assert.ErrorIs(t, s.RollbackSpending(ctx, second), errs.ErrNotFound)

	limit, err = s.GetPeerSpendingLimit(ctx, peer)
	require.NoError(t, err)
	assert.True(t, before.Equal(limit.CurrentSpent), "rollback restores spent exactly")

	_, err = s.ReserveSpending(ctx, peer, amount.FromSats(701))
	assert.ErrorIs(t, err, errs.ErrLimitExceeded)

	last, err := s.ReserveSpending(ctx, peer, amount.FromSats(700))
	require.NoError(t, err)
	require.NoError(t, s.CommitSpending(ctx, last))

	limit, err = s.GetPeerSpendingLimit(ctx, peer)
	require.NoError(t, err)
	assert.True(t, limit.RemainingLimit().IsZero())
}

func testConcurrentReservations(t *testing.T, factory Factory) {
	ctx := context.Background()
	clock := NewClock()
	s := factory(t, clock)
	peer := Peer(t, 2)
	require.NoError(t, s.SavePeerSpendingLimit(ctx, models.NewPeerSpendingLimit(peer, amount.FromSats(500), models.PeriodMonthly, clock.Now())))

	const workers = 20
	var ok, exceeded atomic.Int32
	var wg sync.WaitGroup
	wg.Add(workers)
	for range workers {
		go func() {
			defer wg.Done()
			_, err := s.ReserveSpending(ctx, peer, amount.FromSats(100))
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, errs.ErrLimitExceeded):
				exceeded.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(5), ok.Load())
	assert.Equal(t, int32(workers-5), exceeded.Load())

	limit, err := s.GetPeerSpendingLimit(ctx, peer)
	require.NoError(t, err)
	assert.False(t, limit.CurrentSpent.GreaterThan(limit.TotalAmountLimit))
}

func testPeriodReset(t *testing.T, factory Factory) {
	ctx := context.Background()
	clock := NewClock()
	s := factory(t, clock)
	peer := Peer(t, 2)
	require.NoError(t, s.SavePeerSpendingLimit(ctx, models.NewPeerSpendingLimit(peer, amount.FromSats(1000), models.PeriodDaily, clock.Now())))

	stale, err := s.ReserveSpending(ctx, peer, amount.FromSats(900))
	require.NoError(t, err)

	clock.Advance(25 * time.Hour)

	fresh, err := s.ReserveSpending(ctx, peer, amount.FromSats(600))
	require.NoError(t, err)
	require.NoError(t, s.CommitSpending(ctx, fresh))

	require.NoError(t, s.RollbackSpending(ctx, stale))

	limit, err := s.GetPeerSpendingLimit(ctx, peer)
	require.NoError(t, err)
	assert.Equal(t, "600", limit.CurrentSpent.String())
	assert.Equal(t, clock.Now().Unix(), limit.LastReset)
}

func testFallbackRecords(t *testing.T, factory Factory) {
	ctx := context.Background()
	s := factory(t, NewClock())

	_, err := s.GetFallbackRecord(ctx, "sub_a", 100)
	assert.ErrorIs(t, err, errs.ErrNotFound)

	rec := models.NewFallbackRecord("sub_a", 100, amount.FromSats(1000), Start)
	rec.RecordAttempt("lightning", errors.New("no route"), Start, time.Second)
	require.NoError(t, s.SaveFallbackRecord(ctx, rec))

	rec.RecordAttempt("onchain", nil, Start.Add(time.Minute), 2*time.Second)
	require.NoError(t, s.SaveFallbackRecord(ctx, rec))

	got, err := s.GetFallbackRecord(ctx, "sub_a", 100)
	require.NoError(t, err)
	assert.Equal(t, models.FallbackSucceeded, got.Status)
	assert.Equal(t, "onchain", got.SuccessfulMethod)
	require.Len(t, got.Attempts, 2)
	assert.Equal(t, "no route", got.Attempts[0].Error)

	assert.Equal(t, int64(2), got.Revision)
	assert.Equal(t, int64(2), rec.Revision)

	_, err = s.GetFallbackRecord(ctx, "sub_a", 200)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func testFallbackClaims(t *testing.T, factory Factory) {
	ctx := context.Background()
	s := factory(t, NewClock())

	first := models.NewFallbackRecord("sub_a", 100, amount.FromSats(1000), Start)
	ok, err := s.ClaimFallbackRecord(ctx, first)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1), first.Revision)

	// Второй обработчик открывает тот же период.
	second := models.NewFallbackRecord("sub_a", 100, amount.FromSats(1000), Start)
	ok, err = s.ClaimFallbackRecord(ctx, second)
	require.NoError(t, err)
	assert.False(t, ok)

	// Два обработчика прочитали одну и ту же версию записи.
	a, err := s.GetFallbackRecord(ctx, "sub_a", 100)
	require.NoError(t, err)
	b, err := s.GetFallbackRecord(ctx, "sub_a", 100)
	require.NoError(t, err)

	a.MarkGracePeriod(Start.Add(time.Hour).Unix())
	ok, err = s.ClaimFallbackRecord(ctx, a)
	require.NoError(t, err)
	require.True(t, ok)

	b.MarkFailed()
	ok, err = s.ClaimFallbackRecord(ctx, b)
	require.NoError(t, err)
	assert.False(t, ok)

	// Безусловная запись меняет версию: устаревшая копия больше не пройдёт.
	stale, err := s.GetFallbackRecord(ctx, "sub_a", 100)
	require.NoError(t, err)
	a.RecordAttempt("lightning", nil, Start, time.Second)
	require.NoError(t, s.SaveFallbackRecord(ctx, a))

	stale.MarkFailed()
	ok, err = s.ClaimFallbackRecord(ctx, stale)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.GetFallbackRecord(ctx, "sub_a", 100)
	require.NoError(t, err)
	assert.Equal(t, models.FallbackSucceeded, got.Status)
	assert.Equal(t, int64(3), got.Revision)

	missing := models.NewFallbackRecord("sub_a", 200, amount.FromSats(1000), Start)
	missing.Revision = 1
	ok, err = s.ClaimFallbackRecord(ctx, missing)
	require.NoError(t, err)
	assert.False(t, ok, "a read revision cannot resurrect a missing record")
}

func testConcurrentFallbackClaims(t *testing.T, factory Factory) {
	ctx := context.Background()
	s := factory(t, NewClock())

	var won atomic.Int32
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := models.NewFallbackRecord("sub_a", 100, amount.FromSats(1000), Start)
			if ok, err := s.ClaimFallbackRecord(ctx, rec); err == nil && ok {
				won.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), won.Load())
}
