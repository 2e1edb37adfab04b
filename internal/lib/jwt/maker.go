// Package jwt выпускает и проверяет токены доступа участников.
//
// Токен подписывается EdDSA ключом участника, claim sub содержит его
// публичный ключ. Проверяющая сторона берёт ключ из sub и сверяет его
// со списком допущенных участников.
package jwt

import (
	"time"

	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/identity"
)

// Maker выпускает и разбирает токены.
type Maker interface {
	GenerateToken() (string, error)
	ParseToken(tokenStr string) (*PeerClaims, error)
}

// MakerImpl выпускает токены от имени key и принимает токены участников из allowed.
type MakerImpl struct {
	key      *identity.Keypair
	tokenTTL time.Duration
	allowed  map[identity.PublicKey]struct{}
	now      func() time.Time
}

// NewJWTMaker создаёт Maker. Пустой allowed допускает любого участника
// с корректной подписью.
func NewJWTMaker(key *identity.Keypair, ttl time.Duration, allowed ...identity.PublicKey) *MakerImpl {
	set := make(map[identity.PublicKey]struct{}, len(allowed))
	for _, pk := range allowed {
		set[pk] = struct{}{}
	}
	return &MakerImpl{
		key:      key,
		tokenTTL: ttl,
		allowed:  set,
		now:      time.Now,
	}
}

// IsAllowed сообщает, допущен ли участник.
func (j *MakerImpl) IsAllowed(pk identity.PublicKey) bool {
	if len(j.allowed) == 0 {
		return true
	}
	_, ok := j.allowed[pk]
	return ok
}
