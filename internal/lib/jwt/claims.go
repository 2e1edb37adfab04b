package jwt

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/identity"
)

// ErrPeerNotAllowed — подпись верна, но участник не допущен.
var ErrPeerNotAllowed = errors.New("peer is not allowed")

// PeerClaims — claims токена участника.
type PeerClaims struct {
	jwt.RegisteredClaims
}

// Peer возвращает ключ участника из claim sub.
func (c *PeerClaims) Peer() (identity.PublicKey, error) {
	return identity.ParsePublicKey(c.Subject)
}

// GenerateToken создаёт токен, подписанный ключом узла.
func (j *MakerImpl) GenerateToken() (string, error) {
	const op = "jwt.GenerateToken"
	now := j.now()
	claims := PeerClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   j.key.PublicKey().String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(j.tokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(j.key.PrivateKey())
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return signed, nil
}

// ParseToken проверяет подпись ключом из sub, срок действия и допуск участника.
func (j *MakerImpl) ParseToken(tokenStr string) (*PeerClaims, error) {
	const op = "jwt.ParseToken"

	token, err := jwt.ParseWithClaims(tokenStr, &PeerClaims{}, func(t *jwt.Token) (any, error) {
		claims, ok := t.Claims.(*PeerClaims)
		if !ok {
			return nil, errors.New("unexpected claims type")
		}
		peer, err := claims.Peer()
		if err != nil {
			return nil, err
		}
		if !j.IsAllowed(peer) {
			return nil, ErrPeerNotAllowed
		}
		return peer.Ed25519()
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(j.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	claims, ok := token.Claims.(*PeerClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("%s: invalid token", op)
	}
	return claims, nil
}
