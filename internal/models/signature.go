package models

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/errs"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/identity"
)

// NonceSize — размер одноразового значения в байтах.
const NonceSize = 32

// Nonce — одноразовое значение, привязывающее подпись к конкретному обмену.
type Nonce [NonceSize]byte

// NewNonce возвращает криптографически случайный nonce.
func NewNonce() (Nonce, error) {
	var n Nonce
	if _, err := rand.Read(n[:]); err != nil {
		return Nonce{}, fmt.Errorf("models.NewNonce: %w", err)
	}
	return n, nil
}

// String возвращает nonce в hex.
func (n Nonce) String() string {
	return hex.EncodeToString(n[:])
}

// MarshalText кодирует nonce в hex.
func (n Nonce) MarshalText() ([]byte, error) {
	return []byte(n.String()), nil
}

// UnmarshalText разбирает nonce из hex.
func (n *Nonce) UnmarshalText(text []byte) error {
	raw, err := hex.DecodeString(string(text))
	if err != nil || len(raw) != NonceSize {
		return fmt.Errorf("%w: nonce must be %d hex-encoded bytes", errs.ErrSerialization, NonceSize)
	}
	copy(n[:], raw)
	return nil
}

// Signature — подпись одной стороны над канонической кодировкой подписки.
type Signature struct {
	Signature []byte             `json:"signature"`
	PublicKey identity.PublicKey `json:"public_key"`
	Nonce     Nonce              `json:"nonce"`
	Timestamp int64              `json:"timestamp"`
	ExpiresAt int64              `json:"expires_at"`
}

// IsExpired сообщает, что срок действия подписи истёк к моменту now.
func (s Signature) IsExpired(now int64) bool {
	return now > s.ExpiresAt
}

// SignedSubscription — подписка с подписями обеих сторон.
type SignedSubscription struct {
	Subscription        *Subscription `json:"subscription"`
	SubscriberSignature Signature     `json:"subscriber_signature"`
	ProviderSignature   Signature     `json:"provider_signature"`
}

// NewSignedSubscription связывает подписку с подписями сторон.
func NewSignedSubscription(sub *Subscription, subscriberSig, providerSig Signature) *SignedSubscription {
	return &SignedSubscription{
		Subscription:        sub,
		SubscriberSignature: subscriberSig,
		ProviderSignature:   providerSig,
	}
}

// IsActive делегирует проверку активности подписке.
func (s *SignedSubscription) IsActive(now int64) bool {
	return s.Subscription.IsActive(now)
}

// ActiveAt сообщает, действуют ли подписанные условия в момент at.
// Более новая версия latest, например отмена, может только прекратить
// соглашение раньше срока, но не продлить или изменить его.
func (s *SignedSubscription) ActiveAt(latest *Subscription, at int64) bool {
	if !s.Subscription.IsActive(at) {
		return false
	}
	if latest == nil || latest.Version <= s.Subscription.Version {
		return true
	}
	return latest.EndsAt == nil || at < *latest.EndsAt
}

// Proposal — условия подписки, подписанные инициатором.
type Proposal struct {
	Subscription *Subscription `json:"subscription"`
	Signature    Signature     `json:"signature"`
}

// Proposer возвращает ключ инициатора.
func (p *Proposal) Proposer() identity.PublicKey {
	return p.Signature.PublicKey
}

// Recipient возвращает вторую сторону подписки.
func (p *Proposal) Recipient() (identity.PublicKey, bool) {
	return p.Subscription.Counterparty(p.Signature.PublicKey)
}

// Cancellation — отменённая версия подписки с подписью отменившей стороны.
type Cancellation struct {
	Subscription *Subscription `json:"subscription"`
	Signature    Signature     `json:"signature"`
	Reason       string        `json:"reason,omitempty"`
}

// Canceller возвращает ключ стороны, отменившей подписку.
func (c *Cancellation) Canceller() identity.PublicKey {
	return c.Signature.PublicKey
}
