// Package subscription ведёт жизненный цикл подписок участника: предложение,
// принятие, изменение и отмену, а также чтение с кэшированием.
package subscription

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/magabrotheeeer/paykit-subscriptions/internal/cache"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/errs"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/identity"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/proration"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/signing"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/sl"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/metrics"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/models"
)

const pendingSize = 1024

// Storage — операции хранилища, нужные менеджеру.
type Storage interface {
	SaveSubscription(ctx context.Context, sub *models.Subscription) error
	GetSubscription(ctx context.Context, id string) (*models.Subscription, error)
	ListSubscriptionVersions(ctx context.Context, id string) ([]*models.Subscription, error)
	ListSubscriptionsWithPeer(ctx context.Context, peer identity.PublicKey) ([]*models.Subscription, error)
	SaveSignedSubscription(ctx context.Context, signed *models.SignedSubscription) error
	GetSignedSubscription(ctx context.Context, id string) (*models.SignedSubscription, error)
	ListActiveSubscriptions(ctx context.Context, now int64) ([]*models.SignedSubscription, error)
	SaveModificationRecord(ctx context.Context, rec models.ModificationRecord) error
	ListModificationRecords(ctx context.Context, subscriptionID string) ([]models.ModificationRecord, error)
	SaveAutoPayRule(ctx context.Context, rule models.AutoPayRule) error
	GetAutoPayRule(ctx context.Context, subscriptionID string) (*models.AutoPayRule, error)
}

// Cache описывает методы для кэширования данных.
type Cache interface {
	// Get пытается получить значение из кэша по ключу.
	Get(ctx context.Context, key string, result any) (bool, error)
	// Set сохраняет значение в кэш; нулевой expiration означает TTL по умолчанию.
	Set(ctx context.Context, key string, value any, expiration time.Duration) error
	// Invalidate удаляет значения из кэша.
	Invalidate(ctx context.Context, keys ...string) error
}

// Publisher доставляет документы контрагенту через обнаружение.
type Publisher interface {
	PublishProposal(ctx context.Context, p *models.Proposal) error
	PublishAgreement(ctx context.Context, signed *models.SignedSubscription) error
	PublishCancellation(ctx context.Context, c *models.Cancellation) error
}

// Manager реализует операции над подписками от имени одного участника.
type Manager struct {
	self       *identity.Keypair
	storage    Storage
	nonces     signing.NonceStore
	cache      Cache
	publisher  Publisher
	calculator *proration.Calculator
	metrics    *metrics.Metrics
	log        *slog.Logger
	now        func() time.Time
	ttl        time.Duration

	// outgoing — свои предложения, ждущие подписи контрагента;
	// incoming — проверенные предложения контрагентов.
	outgoing *expirable.LRU[string, *models.Proposal]
	incoming *expirable.LRU[string, *models.Proposal]
}

// NewManager создаёт менеджер участника self. cache может быть nil.
func NewManager(self *identity.Keypair, storage Storage, nonces signing.NonceStore, c Cache, log *slog.Logger) *Manager {
	return &Manager{
		self:       self,
		storage:    storage,
		nonces:     nonces,
		cache:      c,
		calculator: proration.NewCalculator(),
		log:        log,
		now:        time.Now,
		ttl:        signing.DefaultLifetime,
		outgoing:   expirable.NewLRU[string, *models.Proposal](pendingSize, nil, signing.DefaultLifetime),
		incoming:   expirable.NewLRU[string, *models.Proposal](pendingSize, nil, signing.DefaultLifetime),
	}
}

// WithPublisher включает публикацию документов через обнаружение.
func (m *Manager) WithPublisher(p Publisher) *Manager {
	m.publisher = p
	return m
}

// WithMetrics включает учёт проверок подписей.
func (m *Manager) WithMetrics(mt *metrics.Metrics) *Manager {
	m.metrics = mt
	return m
}

// WithSignatureTTL задаёт срок действия подписей и ожидающих предложений.
func (m *Manager) WithSignatureTTL(ttl time.Duration) *Manager {
	if ttl > 0 {
		m.ttl = ttl
		m.outgoing = expirable.NewLRU[string, *models.Proposal](pendingSize, nil, ttl)
		m.incoming = expirable.NewLRU[string, *models.Proposal](pendingSize, nil, ttl)
	}
	return m
}

// WithClock подменяет источник времени.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Self возвращает ключ участника.
func (m *Manager) Self() identity.PublicKey {
	return m.self.PublicKey()
}

func (m *Manager) sign(sub *models.Subscription) (models.Signature, error) {
	nonce, err := models.NewNonce()
	if err != nil {
		return models.Signature{}, err
	}
	return signing.SignAt(sub, m.self, nonce, m.ttl, m.now())
}

// verify проверяет подпись signer и помечает её nonce использованным.
func (m *Manager) verify(ctx context.Context, sub *models.Subscription, sig models.Signature, signer identity.PublicKey) error {
	err := signing.VerifyAndConsume(ctx, sub, sig, signer, m.nonces, m.now())
	m.metrics.SignatureVerified(err == nil)
	return err
}

// Propose подписывает условия и сохраняет их как ожидающее предложение.
func (m *Manager) Propose(ctx context.Context, sub *models.Subscription) (*models.Proposal, error) {
	const op = "subscription.Propose"

	if err := sub.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if _, ok := sub.Counterparty(m.Self()); !ok {
		return nil, fmt.Errorf("%s: %w", op, errs.InvalidArgument("not a party of subscription %q", sub.SubscriptionID))
	}
	if err := m.checkVersion(ctx, sub); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	sig, err := m.sign(sub)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := m.storage.SaveSubscription(ctx, sub); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	m.invalidate(ctx, sub.SubscriptionID)

	p := &models.Proposal{Subscription: sub, Signature: sig}
	m.outgoing.Add(sub.SubscriptionID, p)
	m.log.Info("subscription proposed",
		slog.String("subscription_id", sub.SubscriptionID),
		slog.Uint64("version", uint64(sub.Version)),
	)

	if m.publisher != nil {
		if err := m.publisher.PublishProposal(ctx, p); err != nil {
			return p, fmt.Errorf("%s: %w", op, err)
		}
	}
	return p, nil
}

// HandleProposal проверяет предложение контрагента и сохраняет его до принятия.
func (m *Manager) HandleProposal(ctx context.Context, p *models.Proposal) error {
	const op = "subscription.HandleProposal"

	if p.Subscription == nil {
		return fmt.Errorf("%s: %w", op, errs.InvalidArgument("proposal has no subscription"))
	}
	if err := p.Subscription.Validate(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	recipient, ok := p.Recipient()
	if !ok || recipient != m.Self() {
		return fmt.Errorf("%s: %w", op, errs.InvalidArgument("proposal %q is not addressed to this peer", p.Subscription.SubscriptionID))
	}
	if err := m.checkVersion(ctx, p.Subscription); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := m.verify(ctx, p.Subscription, p.Signature, p.Proposer()); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := m.storage.SaveSubscription(ctx, p.Subscription); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	m.invalidate(ctx, p.Subscription.SubscriptionID)
	m.incoming.Add(p.Subscription.SubscriptionID, p)

	m.log.Info("proposal received",
		slog.String("subscription_id", p.Subscription.SubscriptionID),
		slog.String("amount", p.Subscription.Terms.Amount.String()),
	)
	return nil
}

// checkVersion не даёт предложению откатить подписку к более старой версии
// или заменить уже подписанную.
func (m *Manager) checkVersion(ctx context.Context, sub *models.Subscription) error {
	current, err := m.storage.GetSubscription(ctx, sub.SubscriptionID)
	if errors.Is(err, errs.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if sub.Version < current.Version {
		return errs.InvalidArgument("version %d is older than current version %d", sub.Version, current.Version)
	}
	if current.Subscriber != sub.Subscriber || current.Provider != sub.Provider {
		return errs.InvalidArgument("subscription %q parties cannot change", sub.SubscriptionID)
	}

	signed, err := m.storage.GetSignedSubscription(ctx, sub.SubscriptionID)
	if errors.Is(err, errs.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if sub.Version <= signed.Subscription.Version {
		return errs.InvalidArgument("version %d is already signed as %d", sub.Version, signed.Subscription.Version)
	}
	return nil
}

// Accept подписывает ожидающее предложение контрагента и сохраняет соглашение.
func (m *Manager) Accept(ctx context.Context, subscriptionID string) (*models.SignedSubscription, error) {
	const op = "subscription.Accept"

	p, ok := m.incoming.Get(subscriptionID)
	if !ok {
		return nil, fmt.Errorf("%s: %w", op, errs.NotFound("proposal", subscriptionID))
	}
	sig, err := m.sign(p.Subscription)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	var signed *models.SignedSubscription
	if p.Subscription.Subscriber == m.Self() {
		signed = models.NewSignedSubscription(p.Subscription, sig, p.Signature)
	} else {
		signed = models.NewSignedSubscription(p.Subscription, p.Signature, sig)
	}
	if err := m.storage.SaveSignedSubscription(ctx, signed); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	m.incoming.Remove(subscriptionID)
	m.invalidate(ctx, subscriptionID)

	m.log.Info("subscription accepted",
		slog.String("subscription_id", subscriptionID),
		slog.Uint64("version", uint64(p.Subscription.Version)),
	)
	if m.publisher != nil {
		if err := m.publisher.PublishAgreement(ctx, signed); err != nil {
			return signed, fmt.Errorf("%s: %w", op, err)
		}
	}
	return signed, nil
}

// HandleAcceptance принимает соглашение, подписанное контрагентом поверх
// своего предложения.
func (m *Manager) HandleAcceptance(ctx context.Context, signed *models.SignedSubscription) error {
	const op = "subscription.HandleAcceptance"

	if signed.Subscription == nil {
		return fmt.Errorf("%s: %w", op, errs.InvalidArgument("agreement has no subscription"))
	}
	id := signed.Subscription.SubscriptionID
	p, ok := m.outgoing.Get(id)
	if !ok {
		return fmt.Errorf("%s: %w", op, errs.NotFound("proposal", id))
	}
	if !bytes.Equal(signing.EncodeSubscription(p.Subscription), signing.EncodeSubscription(signed.Subscription)) {
		return fmt.Errorf("%s: %w", op, errs.Crypto("agreement does not match proposal %q", id))
	}

	own, counter := signed.SubscriberSignature, signed.ProviderSignature
	if p.Subscription.Provider == m.Self() {
		own, counter = counter, own
	}
	if !bytes.Equal(own.Signature, p.Signature.Signature) || own.Nonce != p.Signature.Nonce {
		return fmt.Errorf("%s: %w", op, errs.Crypto("agreement carries a foreign signature for this peer"))
	}
	counterparty, _ := p.Subscription.Counterparty(m.Self())
	if err := m.verify(ctx, signed.Subscription, counter, counterparty); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := m.storage.SaveSignedSubscription(ctx, signed); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	m.outgoing.Remove(id)
	m.invalidate(ctx, id)
	m.log.Info("agreement received", slog.String("subscription_id", id))
	return nil
}

// Read возвращает последнюю версию подписки, сначала из кэша.
func (m *Manager) Read(ctx context.Context, id string) (*models.Subscription, error) {
	const op = "subscription.Read"

	key := cache.SubscriptionKey(id)
	if m.cache != nil {
		var cached models.Subscription
		found, err := m.cache.Get(ctx, key, &cached)
		if err != nil {
			m.log.Warn("failed to read from cache", slog.String("key", key), sl.Err(err))
		}
		if found {
			return &cached, nil
		}
	}

	sub, err := m.storage.GetSubscription(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if m.cache != nil {
		if err := m.cache.Set(ctx, key, sub, 0); err != nil {
			m.log.Warn("failed to add to cache", slog.String("key", key), sl.Err(err))
		}
	}
	return sub, nil
}

// ReadSigned возвращает подписанное соглашение, сначала из кэша.
func (m *Manager) ReadSigned(ctx context.Context, id string) (*models.SignedSubscription, error) {
	const op = "subscription.ReadSigned"

	key := cache.SignedKey(id)
	if m.cache != nil {
		var cached models.SignedSubscription
		found, err := m.cache.Get(ctx, key, &cached)
		if err != nil {
			m.log.Warn("failed to read from cache", slog.String("key", key), sl.Err(err))
		}
		if found {
			return &cached, nil
		}
	}

	signed, err := m.storage.GetSignedSubscription(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if m.cache != nil {
		if err := m.cache.Set(ctx, key, signed, 0); err != nil {
			m.log.Warn("failed to add to cache", slog.String("key", key), sl.Err(err))
		}
	}
	return signed, nil
}

func (m *Manager) invalidate(ctx context.Context, id string) {
	if m.cache == nil {
		return
	}
	if err := m.cache.Invalidate(ctx, cache.SubscriptionKey(id), cache.SignedKey(id)); err != nil {
		m.log.Warn("failed to remove from cache", slog.String("subscription_id", id), sl.Err(err))
	}
}

// ListActive возвращает соглашения, активные в текущий момент.
func (m *Manager) ListActive(ctx context.Context) ([]*models.SignedSubscription, error) {
	const op = "subscription.ListActive"

	active, err := m.storage.ListActiveSubscriptions(ctx, m.now().Unix())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return active, nil
}

// ListWithPeer возвращает подписки, где peer — одна из сторон.
func (m *Manager) ListWithPeer(ctx context.Context, peer identity.PublicKey) ([]*models.Subscription, error) {
	const op = "subscription.ListWithPeer"

	subs, err := m.storage.ListSubscriptionsWithPeer(ctx, peer)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return subs, nil
}

// GetOrCreateAutoPayRule возвращает правило автоплатежа подписки, создавая
// правило по умолчанию для оплаты провайдеру методом из условий.
func (m *Manager) GetOrCreateAutoPayRule(ctx context.Context, subscriptionID string) (*models.AutoPayRule, error) {
	const op = "subscription.GetOrCreateAutoPayRule"

	rule, err := m.storage.GetAutoPayRule(ctx, subscriptionID)
	if err == nil {
		return rule, nil
	}
	if !errors.Is(err, errs.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	sub, err := m.storage.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	created := models.NewAutoPayRule(subscriptionID, sub.Provider, sub.Terms.Method)
	if err := m.storage.SaveAutoPayRule(ctx, created); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &created, nil
}

// SaveAutoPayRule проверяет и сохраняет правило автоплатежа.
func (m *Manager) SaveAutoPayRule(ctx context.Context, rule models.AutoPayRule) error {
	const op = "subscription.SaveAutoPayRule"

	if err := rule.Validate(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	sub, err := m.storage.GetSubscription(ctx, rule.SubscriptionID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if _, ok := sub.Counterparty(rule.Peer); !ok {
		return fmt.Errorf("%s: %w", op, errs.InvalidArgument("peer is not a party of subscription %q", rule.SubscriptionID))
	}
	if err := m.storage.SaveAutoPayRule(ctx, rule); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
