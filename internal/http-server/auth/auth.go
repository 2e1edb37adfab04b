// Package auth проверяет токены участников и передаёт ключ
// аутентифицированного участника обработчикам через контекст запроса.
package auth

import (
	"context"

	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/identity"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/jwt"
)

// TokenParser разбирает и проверяет токен участника.
type TokenParser interface {
	ParseToken(tokenStr string) (*jwt.PeerClaims, error)
}

type ctxKey struct{}

// WithPeer кладёт ключ участника в контекст.
func WithPeer(ctx context.Context, peer identity.PublicKey) context.Context {
	return context.WithValue(ctx, ctxKey{}, peer)
}

// PeerFromContext возвращает ключ участника, установленный JWTMiddleware.
func PeerFromContext(ctx context.Context) (identity.PublicKey, bool) {
	peer, ok := ctx.Value(ctxKey{}).(identity.PublicKey)
	return peer, ok
}

// CanAccess сообщает, что участник из контекста — сам узел или одна из
// сторон parties. Без участника в контексте доступ запрещён.
func CanAccess(ctx context.Context, self identity.PublicKey, parties ...identity.PublicKey) bool {
	peer, ok := PeerFromContext(ctx)
	if !ok {
		return false
	}
	if peer == self {
		return true
	}
	for _, p := range parties {
		if p == peer {
			return true
		}
	}
	return false
}
