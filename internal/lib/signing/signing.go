// Package signing строит и проверяет подписи сторон над подпиской.
//
// Подписывается SHA-256 от доменного разделителя, канонической кодировки
// подписки, nonce, времени создания и срока действия. Nonce и срок входят
// в подписанные байты, поэтому их нельзя убрать или подменить.
//
// Успешный Verify сам по себе не защищает от повтора: перед принятием
// подписи вызывающий обязан отметить nonce через NonceStore.
// VerifyAndConsume делает обе проверки.
package signing

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/errs"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/identity"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/models"
)

// DomainSeparator отделяет подписи подписок от других подписей тем же ключом.
const DomainSeparator = "PAYKIT_SUBSCRIPTION_V2"

// DefaultLifetime — срок действия подписи по умолчанию.
const DefaultLifetime = 7 * 24 * time.Hour

// NonceStore отмечает nonce использованным. Возвращает true ровно один раз на nonce.
type NonceStore interface {
	CheckAndMark(ctx context.Context, nonce models.Nonce, expiresAt int64) (bool, error)
}

// Sign подписывает подписку с текущим временем.
func Sign(sub *models.Subscription, key *identity.Keypair, nonce models.Nonce, lifetime time.Duration) (models.Signature, error) {
	return SignAt(sub, key, nonce, lifetime, time.Now())
}

// SignAt подписывает подписку от имени key с моментом создания now.
func SignAt(sub *models.Subscription, key *identity.Keypair, nonce models.Nonce, lifetime time.Duration, now time.Time) (models.Signature, error) {
	const op = "signing.Sign"

	if err := sub.Validate(); err != nil {
		return models.Signature{}, fmt.Errorf("%s: %w", op, err)
	}
	if lifetime <= 0 {
		return models.Signature{}, fmt.Errorf("%s: %w", op, errs.InvalidArgument("signature lifetime must be positive"))
	}

	timestamp := now.Unix()
	expiresAt := timestamp + int64(lifetime/time.Second)
	digest := sha256.Sum256(signingPayload(sub, nonce, timestamp, expiresAt))

	return models.Signature{
		Signature: key.Sign(digest[:]),
		PublicKey: key.PublicKey(),
		Nonce:     nonce,
		Timestamp: timestamp,
		ExpiresAt: expiresAt,
	}, nil
}

// Verify проверяет подпись на текущий момент.
func Verify(sub *models.Subscription, sig models.Signature, expected identity.PublicKey) (bool, error) {
	return VerifyAt(sub, sig, expected, time.Now())
}

// VerifyAt проверяет подпись на момент now.
//
// false без ошибки означает неверную, истёкшую или чужую подпись.
// Ошибка ErrCrypto возвращается для некорректного ключа или длины подписи.
func VerifyAt(sub *models.Subscription, sig models.Signature, expected identity.PublicKey, now time.Time) (bool, error) {
	const op = "signing.Verify"

	if sig.PublicKey != expected {
		return false, nil
	}
	if sig.IsExpired(now.Unix()) {
		return false, nil
	}
	if len(sig.Signature) != ed25519.SignatureSize {
		return false, fmt.Errorf("%s: %w", op, errs.Crypto("signature must be %d bytes, got %d", ed25519.SignatureSize, len(sig.Signature)))
	}
	pub, err := sig.PublicKey.Ed25519()
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}

	digest := sha256.Sum256(signingPayload(sub, sig.Nonce, sig.Timestamp, sig.ExpiresAt))
	return ed25519.Verify(pub, digest[:], sig.Signature), nil
}

// VerifyAndConsume проверяет подпись и отмечает её nonce.
//
// Любой отказ (неверная подпись, истёкший срок, повтор nonce) возвращается
// как ErrCrypto. Ошибка хранилища nonce возвращается как есть.
func VerifyAndConsume(ctx context.Context, sub *models.Subscription, sig models.Signature, expected identity.PublicKey, store NonceStore, now time.Time) error {
	const op = "signing.VerifyAndConsume"

	ok, err := VerifyAt(sub, sig, expected, now)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if !ok {
		if sig.IsExpired(now.Unix()) {
			return fmt.Errorf("%s: %w", op, errs.Crypto("signature expired at %d", sig.ExpiresAt))
		}
		return fmt.Errorf("%s: %w", op, errs.Crypto("invalid signature"))
	}

	fresh, err := store.CheckAndMark(ctx, sig.Nonce, sig.ExpiresAt)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if !fresh {
		return fmt.Errorf("%s: %w", op, errs.Crypto("nonce %s already used", sig.Nonce))
	}
	return nil
}

// VerifySigned проверяет обе подписи подписанной подписки без отметки nonce.
func VerifySigned(signed *models.SignedSubscription, now time.Time) (bool, error) {
	sub := signed.Subscription
	ok, err := VerifyAt(sub, signed.SubscriberSignature, sub.Subscriber, now)
	if err != nil || !ok {
		return false, err
	}
	return VerifyAt(sub, signed.ProviderSignature, sub.Provider, now)
}

// VerifySignedAndConsume проверяет обе подписи и отмечает оба nonce.
func VerifySignedAndConsume(ctx context.Context, signed *models.SignedSubscription, store NonceStore, now time.Time) error {
	sub := signed.Subscription
	if err := VerifyAndConsume(ctx, sub, signed.SubscriberSignature, sub.Subscriber, store, now); err != nil {
		return err
	}
	return VerifyAndConsume(ctx, sub, signed.ProviderSignature, sub.Provider, store, now)
}
