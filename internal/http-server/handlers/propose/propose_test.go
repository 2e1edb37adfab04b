package propose_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magabrotheeeer/paykit-subscriptions/internal/http-server/handlers/propose"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/http-server/response"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/identity"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/models"
)

type mockProposer struct {
	self        identity.PublicKey
	ProposeFunc func(ctx context.Context, sub *models.Subscription) (*models.Proposal, error)
}

func (m *mockProposer) Self() identity.PublicKey { return m.self }

func (m *mockProposer) Propose(ctx context.Context, sub *models.Subscription) (*models.Proposal, error) {
	return m.ProposeFunc(ctx, sub)
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (discardHandler) WithAttrs([]slog.Attr) slog.Handler        { return discardHandler{} }
func (discardHandler) WithGroup(string) slog.Handler             { return discardHandler{} }

func makeLogger() *slog.Logger {
	return slog.New(discardHandler{})
}

func peer(t *testing.T, fill byte) identity.PublicKey {
	t.Helper()
	kp, err := identity.KeypairFromSeed(bytes.Repeat([]byte{fill}, 32))
	require.NoError(t, err)
	return kp.PublicKey()
}

func body(role string, counterparty identity.PublicKey) string {
	return `{"role":"` + role + `","counterparty":"` + counterparty.String() + `",` +
		`"amount":"1000","currency":"SAT","frequency":{"kind":"monthly","day_of_month":1},` +
		`"method":"lightning","description":"Premium","metadata":{"plan":"gold"}}`
}

func TestProposeHandler(t *testing.T) {
	self, other := peer(t, 1), peer(t, 2)

	t.Run("provider proposes", func(t *testing.T) {
		var got *models.Subscription
		proposer := &mockProposer{
			self: self,
			ProposeFunc: func(_ context.Context, sub *models.Subscription) (*models.Proposal, error) {
				got = sub
				return &models.Proposal{Subscription: sub}, nil
			},
		}

		req := httptest.NewRequest(http.MethodPost, "/api/v1/subscriptions", strings.NewReader(body("provider", other)))
		w := httptest.NewRecorder()
		propose.New(makeLogger(), proposer).ServeHTTP(w, req)

		require.Equal(t, http.StatusCreated, w.Code)
		require.NotNil(t, got)
		assert.Equal(t, self, got.Provider)
		assert.Equal(t, other, got.Subscriber)
		assert.Equal(t, "1000", got.Terms.Amount.String())
		assert.Equal(t, "gold", got.Metadata["plan"])

		var resp response.Response
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, response.StatusOK, resp.Status)
	})

	t.Run("subscriber proposes", func(t *testing.T) {
		proposer := &mockProposer{
			self: self,
			ProposeFunc: func(_ context.Context, sub *models.Subscription) (*models.Proposal, error) {
				assert.Equal(t, self, sub.Subscriber)
				assert.Equal(t, other, sub.Provider)
				return &models.Proposal{Subscription: sub}, nil
			},
		}
		req := httptest.NewRequest(http.MethodPost, "/api/v1/subscriptions", strings.NewReader(body("subscriber", other)))
		w := httptest.NewRecorder()
		propose.New(makeLogger(), proposer).ServeHTTP(w, req)
		assert.Equal(t, http.StatusCreated, w.Code)
	})

	t.Run("validation error", func(t *testing.T) {
		proposer := &mockProposer{self: self}
		req := httptest.NewRequest(http.MethodPost, "/api/v1/subscriptions", strings.NewReader(`{"role":"owner"}`))
		w := httptest.NewRecorder()
		propose.New(makeLogger(), proposer).ServeHTTP(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "field Role must be one of")
		assert.Contains(t, w.Body.String(), "field Counterparty is a required field")
	})

	t.Run("malformed json", func(t *testing.T) {
		proposer := &mockProposer{self: self}
		req := httptest.NewRequest(http.MethodPost, "/api/v1/subscriptions", strings.NewReader(`{`))
		w := httptest.NewRecorder()
		propose.New(makeLogger(), proposer).ServeHTTP(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "failed to decode request")
	})

	t.Run("storage error is hidden", func(t *testing.T) {
		proposer := &mockProposer{
			self: self,
			ProposeFunc: func(context.Context, *models.Subscription) (*models.Proposal, error) {
				return nil, errors.New("disk full")
			},
		}
		req := httptest.NewRequest(http.MethodPost, "/api/v1/subscriptions", strings.NewReader(body("provider", other)))
		w := httptest.NewRecorder()
		propose.New(makeLogger(), proposer).ServeHTTP(w, req)

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Contains(t, w.Body.String(), "failed to propose subscription")
		assert.NotContains(t, w.Body.String(), "disk full")
	})
}
