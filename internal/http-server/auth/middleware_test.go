package auth_test

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magabrotheeeer/paykit-subscriptions/internal/http-server/auth"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/identity"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/jwt"
)

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (discardHandler) WithAttrs([]slog.Attr) slog.Handler        { return discardHandler{} }
func (discardHandler) WithGroup(string) slog.Handler             { return discardHandler{} }

func makeLogger() *slog.Logger {
	return slog.New(discardHandler{})
}

func keypair(t *testing.T, fill byte) *identity.Keypair {
	t.Helper()
	kp, err := identity.KeypairFromSeed(bytes.Repeat([]byte{fill}, 32))
	require.NoError(t, err)
	return kp
}

func TestJWTMiddleware(t *testing.T) {
	alice := keypair(t, 1)
	node := jwt.NewJWTMaker(keypair(t, 9), time.Minute, alice.PublicKey())

	var seen identity.PublicKey
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		peer, ok := auth.PeerFromContext(r.Context())
		require.True(t, ok)
		seen = peer
		w.WriteHeader(http.StatusOK)
	})
	handler := auth.JWTMiddleware(node, makeLogger())(next)

	token := func(kp *identity.Keypair) string {
		tok, err := jwt.NewJWTMaker(kp, time.Minute).GenerateToken()
		require.NoError(t, err)
		return tok
	}

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{name: "allowed peer", header: "Bearer " + token(alice), want: http.StatusOK},
		{name: "peer not allowed", header: "Bearer " + token(keypair(t, 2)), want: http.StatusUnauthorized},
		{name: "missing header", header: "", want: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic abc", want: http.StatusUnauthorized},
		{name: "garbage token", header: "Bearer not-a-token", want: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = ""
			req := httptest.NewRequest(http.MethodGet, "/api/v1/subscriptions/active", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			assert.Equal(t, tt.want, w.Code)
			if tt.want == http.StatusOK {
				assert.Equal(t, alice.PublicKey(), seen)
			} else {
				assert.Contains(t, w.Body.String(), "Error")
			}
		})
	}
}

func TestPeerFromContext_Empty(t *testing.T) {
	_, ok := auth.PeerFromContext(context.Background())
	assert.False(t, ok)
}
