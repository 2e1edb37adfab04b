// Package sealed шифрует документы обнаружения для одного получателя.
//
// Формат v1: JSON {"v":1,"epk","nonce","ct"} с полями в base64url.
// Ключ получается из X25519(эфемерный ключ, ключ получателя) через
// HKDF-SHA256, шифрование ChaCha20-Poly1305 с AAD, привязывающим blob
// к пути хранения.
package sealed

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/errs"
)

// Version — версия формата.
const Version = 1

// KeySize — размер ключей X25519.
const KeySize = curve25519.ScalarSize

const (
	hkdfInfo       = "paykit-sealed-blob-v1"
	hkdfDeriveInfo = "paykit-sealing-key-v1"
)

var b64 = base64.RawURLEncoding

// Envelope — сериализованная форма blob.
type Envelope struct {
	V       int    `json:"v"`
	EPK     string `json:"epk"`
	Nonce   string `json:"nonce"`
	CT      string `json:"ct"`
	Purpose string `json:"purpose,omitempty"`
}

// Keypair — ключи X25519 получателя.
type Keypair struct {
	Secret [KeySize]byte
	Public [KeySize]byte
}

// GenerateKeypair создаёт случайную пару.
func GenerateKeypair() (*Keypair, error) {
	var sk [KeySize]byte
	if _, err := io.ReadFull(rand.Reader, sk[:]); err != nil {
		return nil, fmt.Errorf("sealed.GenerateKeypair: %w", err)
	}
	return KeypairFromSecret(sk)
}

// KeypairFromSecret восстанавливает пару из секретного ключа.
func KeypairFromSecret(sk [KeySize]byte) (*Keypair, error) {
	pub, err := curve25519.X25519(sk[:], curve25519.Basepoint)
	if err != nil {
		return nil, errs.Crypto("derive public key: %v", err)
	}
	kp := &Keypair{Secret: sk}
	copy(kp.Public[:], pub)
	return kp, nil
}

// DeriveKeypair выводит пару X25519 из секрета узла, чтобы ключ шифрования
// переживал перезапуск без отдельного хранения.
func DeriveKeypair(secret []byte) (*Keypair, error) {
	if len(secret) < KeySize {
		return nil, errs.InvalidArgument("sealing secret must be at least %d bytes", KeySize)
	}
	var sk [KeySize]byte
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(hkdfDeriveInfo)), sk[:]); err != nil {
		return nil, errs.Crypto("derive sealing key: %v", err)
	}
	return KeypairFromSecret(sk)
}

func deriveKey(shared, epk, rpk []byte) ([]byte, error) {
	salt := make([]byte, 0, len(epk)+len(rpk))
	salt = append(append(salt, epk...), rpk...)
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, salt, []byte(hkdfInfo)), key); err != nil {
		return nil, err
	}
	return key, nil
}

// Seal шифрует plaintext для получателя recipient с AAD aad.
func Seal(recipient [KeySize]byte, plaintext []byte, aad, purpose string) ([]byte, error) {
	const op = "sealed.Seal"

	eph, err := GenerateKeypair()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	shared, err := curve25519.X25519(eph.Secret[:], recipient[:])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, errs.Crypto("key agreement: %v", err))
	}
	key, err := deriveKey(shared, eph.Public[:], recipient[:])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	env := Envelope{
		V:       Version,
		EPK:     b64.EncodeToString(eph.Public[:]),
		Nonce:   b64.EncodeToString(nonce),
		CT:      b64.EncodeToString(aead.Seal(nil, nonce, plaintext, []byte(aad))),
		Purpose: purpose,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, errs.ErrSerialization)
	}
	return data, nil
}

// Open расшифровывает blob секретным ключом получателя. Неверный ключ,
// AAD или повреждённый blob возвращают ErrCrypto.
func Open(kp *Keypair, blob []byte, aad string) ([]byte, error) {
	const op = "sealed.Open"

	env, err := parse(blob)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	epk, err := b64.DecodeString(env.EPK)
	if err != nil || len(epk) != KeySize {
		return nil, fmt.Errorf("%s: %w", op, errs.Crypto("malformed ephemeral key"))
	}
	nonce, err := b64.DecodeString(env.Nonce)
	if err != nil || len(nonce) != chacha20poly1305.NonceSize {
		return nil, fmt.Errorf("%s: %w", op, errs.Crypto("malformed nonce"))
	}
	ct, err := b64.DecodeString(env.CT)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, errs.Crypto("malformed ciphertext"))
	}

	shared, err := curve25519.X25519(kp.Secret[:], epk)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, errs.Crypto("key agreement: %v", err))
	}
	key, err := deriveKey(shared, epk, kp.Public[:])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	plaintext, err := aead.Open(nil, nonce, ct, []byte(aad))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, errs.Crypto("decryption failed"))
	}
	return plaintext, nil
}

func parse(blob []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(blob, &env); err != nil {
		return env, fmt.Errorf("%w: %v", errs.ErrSerialization, err)
	}
	if env.V != Version {
		return env, errs.Crypto("unsupported sealed blob version %d", env.V)
	}
	return env, nil
}

// IsSealed сообщает, похожи ли данные на blob v1.
func IsSealed(data []byte) bool {
	env, err := parse(data)
	return err == nil && env.EPK != "" && env.Nonce != "" && env.CT != ""
}
