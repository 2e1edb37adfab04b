package active_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magabrotheeeer/paykit-subscriptions/internal/http-server/auth"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/http-server/handlers/active"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/identity"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/models"
)

type mockLister struct {
	self     identity.PublicKey
	ListFunc func(ctx context.Context) ([]*models.SignedSubscription, error)
}

func (m *mockLister) Self() identity.PublicKey { return m.self }

func (m *mockLister) ListActive(ctx context.Context) ([]*models.SignedSubscription, error) {
	return m.ListFunc(ctx)
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (discardHandler) WithAttrs([]slog.Attr) slog.Handler        { return discardHandler{} }
func (discardHandler) WithGroup(string) slog.Handler             { return discardHandler{} }

func peer(t *testing.T, fill byte) identity.PublicKey {
	t.Helper()
	kp, err := identity.KeypairFromSeed(bytes.Repeat([]byte{fill}, 32))
	require.NoError(t, err)
	return kp.PublicKey()
}

func TestActiveHandler(t *testing.T) {
	self, alice, bob := peer(t, 1), peer(t, 2), peer(t, 3)
	agreement := func(id string, subscriber identity.PublicKey) *models.SignedSubscription {
		return &models.SignedSubscription{Subscription: &models.Subscription{SubscriptionID: id, Subscriber: subscriber, Provider: self}}
	}
	lister := &mockLister{
		self: self,
		ListFunc: func(context.Context) ([]*models.SignedSubscription, error) {
			return []*models.SignedSubscription{agreement("sub_a", alice), agreement("sub_b", bob)}, nil
		},
	}
	handler := active.New(slog.New(discardHandler{}), lister)

	list := func(caller identity.PublicKey) []string {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/subscriptions/active", nil)
		req = req.WithContext(auth.WithPeer(req.Context(), caller))
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code)

		var resp struct {
			Data []*models.SignedSubscription `json:"data"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		ids := make([]string, 0, len(resp.Data))
		for _, s := range resp.Data {
			ids = append(ids, s.Subscription.SubscriptionID)
		}
		return ids
	}

	assert.Equal(t, []string{"sub_a", "sub_b"}, list(self))
	assert.Equal(t, []string{"sub_a"}, list(alice))
	assert.Equal(t, []string{"sub_b"}, list(bob))

	t.Run("storage error", func(t *testing.T) {
		failing := &mockLister{self: self, ListFunc: func(context.Context) ([]*models.SignedSubscription, error) {
			return nil, errors.New("connection refused")
		}}
		req := httptest.NewRequest(http.MethodGet, "/api/v1/subscriptions/active", nil)
		req = req.WithContext(auth.WithPeer(req.Context(), self))
		w := httptest.NewRecorder()
		active.New(slog.New(discardHandler{}), failing).ServeHTTP(w, req)
		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})
}
