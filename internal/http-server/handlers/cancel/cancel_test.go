package cancel_test

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magabrotheeeer/paykit-subscriptions/internal/http-server/auth"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/http-server/handlers/cancel"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/identity"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/models"
)

type mockCanceller struct {
	self       identity.PublicKey
	CancelFunc func(ctx context.Context, id string, effective int64, reason string) (*models.Cancellation, error)
}

func (m *mockCanceller) Self() identity.PublicKey { return m.self }

func (m *mockCanceller) Cancel(ctx context.Context, id string, effective int64, reason string) (*models.Cancellation, error) {
	return m.CancelFunc(ctx, id, effective, reason)
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

func newRequest(body string, caller identity.PublicKey) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("id", "sub_1")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/subscriptions/sub_1/cancel", strings.NewReader(body))
	ctx := context.WithValue(req.Context(), chi.RouteCtxKey, rctx)
	return req.WithContext(auth.WithPeer(ctx, caller))
}

func TestCancelHandler(t *testing.T) {
	self := peer(t, 1)

	t.Run("explicit date and reason", func(t *testing.T) {
		c := &mockCanceller{self: self, CancelFunc: func(_ context.Context, id string, effective int64, reason string) (*models.Cancellation, error) {
			assert.Equal(t, "sub_1", id)
			assert.Equal(t, int64(1_700_003_600), effective)
			assert.Equal(t, "too expensive", reason)
			return &models.Cancellation{Reason: reason}, nil
		}}
		w := httptest.NewRecorder()
		cancel.New(slog.New(discardHandler{}), c).ServeHTTP(w, newRequest(`{"effective_date":1700003600,"reason":"too expensive"}`, self))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "too expensive")
	})

	t.Run("empty body cancels now", func(t *testing.T) {
		before := time.Now().Unix()
		c := &mockCanceller{self: self, CancelFunc: func(_ context.Context, _ string, effective int64, _ string) (*models.Cancellation, error) {
			assert.GreaterOrEqual(t, effective, before)
			return &models.Cancellation{}, nil
		}}
		w := httptest.NewRecorder()
		cancel.New(slog.New(discardHandler{}), c).ServeHTTP(w, newRequest("", self))
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("counterparty is forbidden", func(t *testing.T) {
		c := &mockCanceller{self: self}
		w := httptest.NewRecorder()
		cancel.New(slog.New(discardHandler{}), c).ServeHTTP(w, newRequest("", peer(t, 2)))
		assert.Equal(t, http.StatusForbidden, w.Code)
	})
}
