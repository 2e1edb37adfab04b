// Package discovery публикует и находит предложения, соглашения и отмены
// подписок через общее хранилище ключ-значение.
//
// Документы лежат по путям вида
// /pub/paykit.app/v0/subscriptions/{proposals|agreements|cancellations}/{scope}/{id},
// где scope — непрозрачный идентификатор получателя. Содержимое зашифровано
// для получателя (sealed blob v1) и привязано к пути через AAD.
package discovery

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/errs"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/identity"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/sealed"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/sl"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/models"
)

const (
	subscriptionsPath = "/pub/paykit.app/v0/subscriptions"
	noisePath         = "/pub/paykit.app/v0/noise"
	aadPrefix         = "paykit:v0"
	keyDomain         = "paykit:v0:noise:x25519:"

	defaultSeenSize = 4096
	defaultSeenTTL  = 24 * time.Hour
)

// Kind — вид документа обнаружения.
type Kind string

// Виды документов.
const (
	KindProposal     Kind = "proposals"
	KindAgreement    Kind = "agreements"
	KindCancellation Kind = "cancellations"
)

// Purpose возвращает назначение документа для AAD.
func (k Kind) Purpose() string {
	switch k {
	case KindProposal:
		return "subscription_proposal"
	case KindAgreement:
		return "subscription_agreement"
	case KindCancellation:
		return "subscription_cancellation"
	default:
		return string(k)
	}
}

// Transport — хранилище ключ-значение, общее для участников.
type Transport interface {
	Put(ctx context.Context, p string, data []byte) error
	Get(ctx context.Context, p string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, p string) error
}

// Path возвращает путь документа вида kind для получателя recipient.
func Path(kind Kind, recipient identity.PublicKey, id string) (string, error) {
	dir, err := Dir(kind, recipient)
	if err != nil {
		return "", err
	}
	if id == "" || path.Base(id) != id || id == "." || id == ".." {
		return "", errs.InvalidArgument("invalid document id %q", id)
	}
	return dir + "/" + id, nil
}

// Dir возвращает каталог документов вида kind для получателя.
func Dir(kind Kind, recipient identity.PublicKey) (string, error) {
	scope, err := recipient.Scope()
	if err != nil {
		return "", err
	}
	return subscriptionsPath + "/" + string(kind) + "/" + scope, nil
}

// AAD связывает шифртекст с назначением, путём и идентификатором документа.
func AAD(kind Kind, p, id string) string {
	return fmt.Sprintf("%s:%s:%s:%s", aadPrefix, kind.Purpose(), p, id)
}

// KeyPath возвращает путь опубликованного ключа шифрования участника.
func KeyPath(peer identity.PublicKey) (string, error) {
	scope, err := peer.Scope()
	if err != nil {
		return "", err
	}
	return noisePath + "/" + scope, nil
}

// SealingKeyRecord — ключ X25519 участника, подписанный его ключом Ed25519.
type SealingKeyRecord struct {
	Peer      identity.PublicKey `json:"peer"`
	Key       string             `json:"x25519"`
	Signature string             `json:"signature"`
}

// Service публикует документы для контрагентов и читает адресованные себе.
type Service struct {
	transport Transport
	identity  *identity.Keypair
	keys      *sealed.Keypair
	seen      *expirable.LRU[string, struct{}]
	log       *slog.Logger
}

// New создаёт сервис участника id с ключами шифрования keys.
func New(transport Transport, id *identity.Keypair, keys *sealed.Keypair, log *slog.Logger) *Service {
	return &Service{
		transport: transport,
		identity:  id,
		keys:      keys,
		seen:      expirable.NewLRU[string, struct{}](defaultSeenSize, nil, defaultSeenTTL),
		log:       log,
	}
}

// Self возвращает ключ участника.
func (s *Service) Self() identity.PublicKey {
	return s.identity.PublicKey()
}

// PublishSealingKey публикует свой ключ X25519, подписанный ключом Ed25519.
func (s *Service) PublishSealingKey(ctx context.Context) error {
	const op = "discovery.PublishSealingKey"

	self := s.Self()
	p, err := KeyPath(self)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	rec := SealingKeyRecord{
		Peer:      self,
		Key:       encodeKey(s.keys.Public),
		Signature: base64.RawURLEncoding.EncodeToString(s.identity.Sign(keyMessage(s.keys.Public))),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%s: %w", op, errs.ErrSerialization)
	}
	if err := s.transport.Put(ctx, p, data); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// SealingKey читает и проверяет опубликованный ключ X25519 участника peer.
func (s *Service) SealingKey(ctx context.Context, peer identity.PublicKey) ([sealed.KeySize]byte, error) {
	const op = "discovery.SealingKey"

	var key [sealed.KeySize]byte
	p, err := KeyPath(peer)
	if err != nil {
		return key, fmt.Errorf("%s: %w", op, err)
	}
	data, err := s.transport.Get(ctx, p)
	if err != nil {
		return key, fmt.Errorf("%s: %w", op, err)
	}
	var rec SealingKeyRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return key, fmt.Errorf("%s: %w", op, errs.ErrSerialization)
	}
	if rec.Peer != peer {
		return key, fmt.Errorf("%s: %w", op, errs.Crypto("sealing key published for another peer"))
	}
	raw, err := base64.RawURLEncoding.DecodeString(rec.Key)
	if err != nil || len(raw) != sealed.KeySize {
		return key, fmt.Errorf("%s: %w", op, errs.Crypto("malformed sealing key"))
	}
	copy(key[:], raw)

	sig, err := base64.RawURLEncoding.DecodeString(rec.Signature)
	if err != nil {
		return key, fmt.Errorf("%s: %w", op, errs.Crypto("malformed sealing key signature"))
	}
	pub, err := peer.Ed25519()
	if err != nil {
		return key, fmt.Errorf("%s: %w", op, err)
	}
	if !ed25519.Verify(pub, keyMessage(key), sig) {
		return key, fmt.Errorf("%s: %w", op, errs.Crypto("sealing key signature mismatch"))
	}
	return key, nil
}

func encodeKey(key [sealed.KeySize]byte) string {
	return base64.RawURLEncoding.EncodeToString(key[:])
}

func keyMessage(key [sealed.KeySize]byte) []byte {
	return append([]byte(keyDomain), key[:]...)
}

// PublishProposal публикует предложение для второй стороны подписки.
func (s *Service) PublishProposal(ctx context.Context, p *models.Proposal) error {
	const op = "discovery.PublishProposal"

	recipient, ok := p.Recipient()
	if !ok {
		return fmt.Errorf("%s: %w", op, errs.InvalidArgument("proposer is not a party of the subscription"))
	}
	if err := s.publish(ctx, KindProposal, recipient, p.Subscription.SubscriptionID, p); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// PublishAgreement публикует подписанное соглашение для контрагента.
func (s *Service) PublishAgreement(ctx context.Context, signed *models.SignedSubscription) error {
	const op = "discovery.PublishAgreement"

	recipient, ok := signed.Subscription.Counterparty(s.Self())
	if !ok {
		return fmt.Errorf("%s: %w", op, errs.InvalidArgument("not a party of subscription %q", signed.Subscription.SubscriptionID))
	}
	if err := s.publish(ctx, KindAgreement, recipient, signed.Subscription.SubscriptionID, signed); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// PublishCancellation публикует отмену для контрагента.
func (s *Service) PublishCancellation(ctx context.Context, c *models.Cancellation) error {
	const op = "discovery.PublishCancellation"

	recipient, ok := c.Subscription.Counterparty(c.Canceller())
	if !ok {
		return fmt.Errorf("%s: %w", op, errs.InvalidArgument("canceller is not a party of the subscription"))
	}
	if err := s.publish(ctx, KindCancellation, recipient, c.Subscription.SubscriptionID, c); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Service) publish(ctx context.Context, kind Kind, recipient identity.PublicKey, id string, doc any) error {
	p, err := Path(kind, recipient, id)
	if err != nil {
		return err
	}
	key, err := s.SealingKey(ctx, recipient)
	if err != nil {
		return err
	}
	plaintext, err := json.Marshal(doc)
	if err != nil {
		return errs.ErrSerialization
	}
	blob, err := sealed.Seal(key, plaintext, AAD(kind, p, id), kind.Purpose())
	if err != nil {
		return err
	}
	if err := s.transport.Put(ctx, p, blob); err != nil {
		return err
	}
	s.log.Debug("document published", slog.String("kind", string(kind)), slog.String("path", p))
	return nil
}

// DiscoverProposals возвращает новые предложения, адресованные участнику.
func (s *Service) DiscoverProposals(ctx context.Context) ([]*models.Proposal, error) {
	const op = "discovery.DiscoverProposals"

	out, err := discover[models.Proposal](ctx, s, KindProposal)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

// DiscoverAgreements возвращает новые соглашения, адресованные участнику.
func (s *Service) DiscoverAgreements(ctx context.Context) ([]*models.SignedSubscription, error) {
	const op = "discovery.DiscoverAgreements"

	out, err := discover[models.SignedSubscription](ctx, s, KindAgreement)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

// DiscoverCancellations возвращает новые отмены, адресованные участнику.
func (s *Service) DiscoverCancellations(ctx context.Context) ([]*models.Cancellation, error) {
	const op = "discovery.DiscoverCancellations"

	out, err := discover[models.Cancellation](ctx, s, KindCancellation)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

// discover читает каталог участника. Уже выданные документы пропускаются,
// документы, которые не удалось расшифровать, пишутся в лог и пропускаются.
func discover[T any](ctx context.Context, s *Service, kind Kind) ([]*T, error) {
	dir, err := Dir(kind, s.Self())
	if err != nil {
		return nil, err
	}
	paths, err := s.transport.List(ctx, dir)
	if err != nil {
		return nil, err
	}

	var out []*T
	for _, p := range paths {
		if s.seen.Contains(p) {
			continue
		}
		doc, err := open[T](ctx, s, kind, p)
		if errors.Is(err, errs.ErrNotFound) {
			continue
		}
		if err != nil {
			s.log.Warn("skipping undecodable document", slog.String("path", p), sl.Err(err))
			continue
		}
		s.seen.Add(p, struct{}{})
		out = append(out, doc)
	}
	return out, nil
}

func open[T any](ctx context.Context, s *Service, kind Kind, p string) (*T, error) {
	blob, err := s.transport.Get(ctx, p)
	if err != nil {
		return nil, err
	}
	if !sealed.IsSealed(blob) {
		return nil, errs.Crypto("document is not sealed")
	}
	plaintext, err := sealed.Open(s.keys, blob, AAD(kind, p, path.Base(p)))
	if err != nil {
		return nil, err
	}
	var doc T
	if err := json.Unmarshal(plaintext, &doc); err != nil {
		return nil, errs.ErrSerialization
	}
	return &doc, nil
}

// Acknowledge удаляет обработанный документ из своего каталога.
func (s *Service) Acknowledge(ctx context.Context, kind Kind, id string) error {
	const op = "discovery.Acknowledge"

	p, err := Path(kind, s.Self(), id)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := s.transport.Delete(ctx, p); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	s.seen.Remove(p)
	return nil
}
