// Package memory — хранилище в памяти процесса. Резервирование расходов
// делегируется spending.Tracker.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/amount"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/errs"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/identity"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/models"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/spending"
)

type fallbackKey struct {
	subscriptionID string
	periodStart    int64
}

// Storage хранит копии объектов; изменения снаружи не влияют на сохранённое.
type Storage struct {
	mu            sync.RWMutex
	versions      map[string][]*models.Subscription
	signed        map[string]*models.SignedSubscription
	modifications map[string][]models.ModificationRecord
	rules         map[string]models.AutoPayRule
	fallbacks     map[fallbackKey]models.FallbackRecord

	limits *spending.Tracker
}

// New создаёт пустое хранилище.
func New() *Storage {
	return NewWithClock(time.Now)
}

// NewWithClock создаёт хранилище с заданным источником времени для лимитов.
func NewWithClock(now func() time.Time) *Storage {
	return &Storage{
		versions:      make(map[string][]*models.Subscription),
		signed:        make(map[string]*models.SignedSubscription),
		modifications: make(map[string][]models.ModificationRecord),
		rules:         make(map[string]models.AutoPayRule),
		fallbacks:     make(map[fallbackKey]models.FallbackRecord),
		limits:        spending.NewTracker().WithClock(now),
	}
}

func checkCtx(ctx context.Context, op string) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", op, ctx.Err())
	default:
		return nil
	}
}

// SaveSubscription сохраняет версию подписки.
func (s *Storage) SaveSubscription(ctx context.Context, sub *models.Subscription) error {
	const op = "storage.memory.SaveSubscription"
	if err := checkCtx(ctx, op); err != nil {
		return err
	}
	if err := sub.Validate(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.putVersion(sub.Clone())
	return nil
}

func (s *Storage) putVersion(sub *models.Subscription) {
	versions := s.versions[sub.SubscriptionID]
	idx, found := slices.BinarySearchFunc(versions, sub.Version, func(v *models.Subscription, target uint32) int {
		return cmp.Compare(v.Version, target)
	})
	if found {
		versions[idx] = sub
		return
	}
	s.versions[sub.SubscriptionID] = slices.Insert(versions, idx, sub)
}

// GetSubscription возвращает последнюю версию подписки.
func (s *Storage) GetSubscription(ctx context.Context, id string) (*models.Subscription, error) {
	const op = "storage.memory.GetSubscription"
	if err := checkCtx(ctx, op); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	versions := s.versions[id]
	if len(versions) == 0 {
		return nil, fmt.Errorf("%s: %w", op, errs.NotFound("subscription", id))
	}
	return versions[len(versions)-1].Clone(), nil
}

// GetSubscriptionVersion возвращает конкретную версию подписки.
func (s *Storage) GetSubscriptionVersion(ctx context.Context, id string, version uint32) (*models.Subscription, error) {
	const op = "storage.memory.GetSubscriptionVersion"
	if err := checkCtx(ctx, op); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, v := range s.versions[id] {
		if v.Version == version {
			return v.Clone(), nil
		}
	}
	return nil, fmt.Errorf("%s: %w", op, errs.NotFound("subscription version", fmt.Sprintf("%s@%d", id, version)))
}

// ListSubscriptionVersions возвращает все версии подписки.
func (s *Storage) ListSubscriptionVersions(ctx context.Context, id string) ([]*models.Subscription, error) {
	const op = "storage.memory.ListSubscriptionVersions"
	if err := checkCtx(ctx, op); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Subscription, 0, len(s.versions[id]))
	for _, v := range s.versions[id] {
		out = append(out, v.Clone())
	}
	return out, nil
}

// ListSubscriptionsWithPeer возвращает последние версии подписок с участием peer.
func (s *Storage) ListSubscriptionsWithPeer(ctx context.Context, peer identity.PublicKey) ([]*models.Subscription, error) {
	const op = "storage.memory.ListSubscriptionsWithPeer"
	if err := checkCtx(ctx, op); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Subscription
	for _, versions := range s.versions {
		latest := versions[len(versions)-1]
		if latest.Subscriber == peer || latest.Provider == peer {
			out = append(out, latest.Clone())
		}
	}
	slices.SortFunc(out, bySubscriptionID)
	return out, nil
}

// SaveSignedSubscription сохраняет соглашение и его версию.
func (s *Storage) SaveSignedSubscription(ctx context.Context, signed *models.SignedSubscription) error {
	const op = "storage.memory.SaveSignedSubscription"
	if err := checkCtx(ctx, op); err != nil {
		return err
	}
	if err := signed.Subscription.Validate(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	cp := *signed
	cp.Subscription = signed.Subscription.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.signed[cp.Subscription.SubscriptionID] = &cp
	s.putVersion(cp.Subscription.Clone())
	return nil
}

// GetSignedSubscription возвращает соглашение.
func (s *Storage) GetSignedSubscription(ctx context.Context, id string) (*models.SignedSubscription, error) {
	const op = "storage.memory.GetSignedSubscription"
	if err := checkCtx(ctx, op); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	signed, ok := s.signed[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", op, errs.NotFound("signed subscription", id))
	}
	return cloneSigned(signed), nil
}

// ListActiveSubscriptions возвращает соглашения, активные в момент now.
func (s *Storage) ListActiveSubscriptions(ctx context.Context, now int64) ([]*models.SignedSubscription, error) {
	const op = "storage.memory.ListActiveSubscriptions"
	if err := checkCtx(ctx, op); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.SignedSubscription
	for id, signed := range s.signed {
		var latest *models.Subscription
		if versions := s.versions[id]; len(versions) > 0 {
			latest = versions[len(versions)-1]
		}
		if !signed.ActiveAt(latest, now) {
			continue
		}
		out = append(out, cloneSigned(signed))
	}
	slices.SortFunc(out, func(a, b *models.SignedSubscription) int {
		return bySubscriptionID(a.Subscription, b.Subscription)
	})
	return out, nil
}

// SaveModificationRecord добавляет запись в журнал изменений.
func (s *Storage) SaveModificationRecord(ctx context.Context, rec models.ModificationRecord) error {
	const op = "storage.memory.SaveModificationRecord"
	if err := checkCtx(ctx, op); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	id := rec.Request.SubscriptionID
	s.modifications[id] = append(s.modifications[id], rec)
	return nil
}

// ListModificationRecords возвращает журнал изменений.
func (s *Storage) ListModificationRecords(ctx context.Context, subscriptionID string) ([]models.ModificationRecord, error) {
	const op = "storage.memory.ListModificationRecords"
	if err := checkCtx(ctx, op); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.modifications[subscriptionID]), nil
}

// SaveAutoPayRule сохраняет правило автоплатежа.
func (s *Storage) SaveAutoPayRule(ctx context.Context, rule models.AutoPayRule) error {
	const op = "storage.memory.SaveAutoPayRule"
	if err := checkCtx(ctx, op); err != nil {
		return err
	}
	if err := rule.Validate(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[rule.SubscriptionID] = rule
	return nil
}

// GetAutoPayRule возвращает правило автоплатежа.
func (s *Storage) GetAutoPayRule(ctx context.Context, subscriptionID string) (*models.AutoPayRule, error) {
	const op = "storage.memory.GetAutoPayRule"
	if err := checkCtx(ctx, op); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	rule, ok := s.rules[subscriptionID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", op, errs.NotFound("auto-pay rule", subscriptionID))
	}
	return &rule, nil
}

// DeleteAutoPayRule удаляет правило автоплатежа.
func (s *Storage) DeleteAutoPayRule(ctx context.Context, subscriptionID string) error {
	const op = "storage.memory.DeleteAutoPayRule"
	if err := checkCtx(ctx, op); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[subscriptionID]; !ok {
		return fmt.Errorf("%s: %w", op, errs.NotFound("auto-pay rule", subscriptionID))
	}
	delete(s.rules, subscriptionID)
	return nil
}

// SavePeerSpendingLimit задаёт лимит контрагента.
func (s *Storage) SavePeerSpendingLimit(ctx context.Context, limit models.PeerSpendingLimit) error {
	return s.limits.SetLimit(ctx, limit)
}

// GetPeerSpendingLimit возвращает лимит контрагента.
func (s *Storage) GetPeerSpendingLimit(ctx context.Context, peer identity.PublicKey) (*models.PeerSpendingLimit, error) {
	limit, err := s.limits.Limit(ctx, peer)
	if err != nil {
		return nil, err
	}
	return &limit, nil
}

// ReserveSpending резервирует amt в лимите peer.
func (s *Storage) ReserveSpending(ctx context.Context, peer identity.PublicKey, amt amount.Amount) (models.ReservationToken, error) {
	return s.limits.TryReserve(ctx, peer, amt)
}

// CommitSpending завершает резервирование.
func (s *Storage) CommitSpending(ctx context.Context, token models.ReservationToken) error {
	return s.limits.Commit(ctx, token)
}

// RollbackSpending откатывает резервирование.
func (s *Storage) RollbackSpending(ctx context.Context, token models.ReservationToken) error {
	return s.limits.Rollback(ctx, token)
}

// SaveFallbackRecord сохраняет запись о попытках оплаты периода.
func (s *Storage) SaveFallbackRecord(ctx context.Context, rec *models.FallbackRecord) error {
	const op = "storage.memory.SaveFallbackRecord"
	if err := checkCtx(ctx, op); err != nil {
		return err
	}

	key := fallbackKey{rec.SubscriptionID, rec.PeriodStart}

	s.mu.Lock()
	defer s.mu.Unlock()
	rec.Revision = s.fallbacks[key].Revision + 1
	s.putFallback(key, rec)
	return nil
}

// ClaimFallbackRecord сохраняет запись, если её не изменили с момента чтения.
func (s *Storage) ClaimFallbackRecord(ctx context.Context, rec *models.FallbackRecord) (bool, error) {
	const op = "storage.memory.ClaimFallbackRecord"
	if err := checkCtx(ctx, op); err != nil {
		return false, err
	}
	key := fallbackKey{rec.SubscriptionID, rec.PeriodStart}

	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.fallbacks[key]
	if ok != (rec.Revision != 0) || stored.Revision != rec.Revision {
		return false, nil
	}
	rec.Revision++
	s.putFallback(key, rec)
	return true, nil
}

func (s *Storage) putFallback(key fallbackKey, rec *models.FallbackRecord) {
	cp := *rec
	cp.Attempts = slices.Clone(rec.Attempts)
	s.fallbacks[key] = cp
}

// GetFallbackRecord возвращает запись о попытках оплаты периода.
func (s *Storage) GetFallbackRecord(ctx context.Context, subscriptionID string, periodStart int64) (*models.FallbackRecord, error) {
	const op = "storage.memory.GetFallbackRecord"
	if err := checkCtx(ctx, op); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.fallbacks[fallbackKey{subscriptionID, periodStart}]
	if !ok {
		return nil, fmt.Errorf("%s: %w", op, errs.NotFound("fallback record", fmt.Sprintf("%s@%d", subscriptionID, periodStart)))
	}
	rec.Attempts = slices.Clone(rec.Attempts)
	return &rec, nil
}

// Close ничего не делает.
func (s *Storage) Close() error {
	return nil
}

func cloneSigned(signed *models.SignedSubscription) *models.SignedSubscription {
	cp := *signed
	cp.Subscription = signed.Subscription.Clone()
	return &cp
}

func bySubscriptionID(a, b *models.Subscription) int {
	return strings.Compare(a.SubscriptionID, b.SubscriptionID)
}
