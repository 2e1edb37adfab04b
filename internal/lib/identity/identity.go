// Package identity описывает криптографические идентичности участников подписки.
//
// Публичный ключ Ed25519 представлен строкой z-base-32 (52 символа).
// Scope вычисляет непрозрачный идентификатор получателя для путей
// обнаружения, чтобы листинги каталогов не раскрывали сам ключ.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/errs"
)

const (
	// Alphabet — алфавит z-base-32.
	Alphabet = "ybndrfg8ejkmcpqxot1uwisza345h769"
	// EncodedLen — длина закодированного 32-байтного ключа.
	EncodedLen = 52

	prefix = "pk:"
)

var z32 = base32.NewEncoding(Alphabet).WithPadding(base32.NoPadding)

// PublicKey — публичный ключ участника в нормализованной форме z-base-32.
type PublicKey string

// FromEd25519 кодирует публичный ключ Ed25519.
func FromEd25519(pub ed25519.PublicKey) PublicKey {
	return PublicKey(z32.EncodeToString(pub))
}

// ParsePublicKey нормализует и проверяет строковое представление ключа.
func ParsePublicKey(s string) (PublicKey, error) {
	const op = "identity.ParsePublicKey"

	normalized, err := Normalize(s)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	pk := PublicKey(normalized)
	if _, err := pk.Ed25519(); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return pk, nil
}

// Ed25519 декодирует ключ в байтовую форму.
func (p PublicKey) Ed25519() (ed25519.PublicKey, error) {
	raw, err := z32.DecodeString(string(p))
	if err != nil {
		return nil, errs.Crypto("malformed public key: %v", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, errs.Crypto("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// String возвращает ключ в форме z-base-32.
func (p PublicKey) String() string {
	return string(p)
}

// Scope возвращает hex(sha256(normalize(key))).
func (p PublicKey) Scope() (string, error) {
	return Scope(string(p))
}

// Normalize обрезает пробелы, убирает префикс "pk:" и приводит ключ к нижнему регистру.
func Normalize(s string) (string, error) {
	s = strings.TrimSpace(s)
	if len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix) {
		s = s[len(prefix):]
	}
	s = strings.ToLower(s)

	if len(s) != EncodedLen {
		return "", errs.InvalidArgument("public key must be %d characters, got %d", EncodedLen, len(s))
	}
	for _, c := range s {
		if !strings.ContainsRune(Alphabet, c) {
			return "", errs.InvalidArgument("public key contains invalid character %q", c)
		}
	}
	return s, nil
}

// Scope возвращает идентификатор области получателя для путей обнаружения.
func Scope(pubkey string) (string, error) {
	const op = "identity.Scope"

	normalized, err := Normalize(pubkey)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:]), nil
}

// Keypair — ключевая пара Ed25519 участника.
type Keypair struct {
	private ed25519.PrivateKey
}

// GenerateKeypair создаёт случайную ключевую пару.
func GenerateKeypair() (*Keypair, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity.GenerateKeypair: %w", err)
	}
	return &Keypair{private: priv}, nil
}

// KeypairFromSeed восстанавливает ключевую пару из 32-байтного seed.
func KeypairFromSeed(seed []byte) (*Keypair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, errs.InvalidArgument("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return &Keypair{private: ed25519.NewKeyFromSeed(seed)}, nil
}

// KeypairFromHex восстанавливает ключевую пару из seed в hex.
func KeypairFromHex(seedHex string) (*Keypair, error) {
	seed, err := hex.DecodeString(strings.TrimSpace(seedHex))
	if err != nil {
		return nil, errs.InvalidArgument("seed is not valid hex")
	}
	return KeypairFromSeed(seed)
}

// PublicKey возвращает публичный ключ пары.
func (k *Keypair) PublicKey() PublicKey {
	return FromEd25519(k.private.Public().(ed25519.PublicKey))
}

// Sign подписывает сообщение.
func (k *Keypair) Sign(message []byte) []byte {
	return ed25519.Sign(k.private, message)
}

// PrivateKey возвращает закрытый ключ. Используется для подписи JWT.
func (k *Keypair) PrivateKey() ed25519.PrivateKey {
	return k.private
}
