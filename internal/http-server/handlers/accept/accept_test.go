package accept_test

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi"
	"github.com/stretchr/testify/assert"

	"github.com/magabrotheeeer/paykit-subscriptions/internal/http-server/handlers/accept"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/errs"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/models"
)

type mockAccepter struct {
	AcceptFunc func(ctx context.Context, id string) (*models.SignedSubscription, error)
}

func (m *mockAccepter) Accept(ctx context.Context, id string) (*models.SignedSubscription, error) {
	return m.AcceptFunc(ctx, id)
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (discardHandler) WithAttrs([]slog.Attr) slog.Handler        { return discardHandler{} }
func (discardHandler) WithGroup(string) slog.Handler             { return discardHandler{} }

func newRequest(id string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("id", id)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/subscriptions/"+id+"/accept", nil)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func TestAcceptHandler(t *testing.T) {
	tests := []struct {
		name     string
		accept   func(ctx context.Context, id string) (*models.SignedSubscription, error)
		wantCode int
	}{
		{
			name: "success",
			accept: func(_ context.Context, id string) (*models.SignedSubscription, error) {
				return &models.SignedSubscription{Subscription: &models.Subscription{SubscriptionID: id}}, nil
			},
			wantCode: http.StatusOK,
		},
		{
			name: "published with error",
			accept: func(_ context.Context, id string) (*models.SignedSubscription, error) {
				return &models.SignedSubscription{Subscription: &models.Subscription{SubscriptionID: id}}, fmt.Errorf("publish: broker down")
			},
			wantCode: http.StatusOK,
		},
		{
			name: "no pending proposal",
			accept: func(_ context.Context, id string) (*models.SignedSubscription, error) {
				return nil, fmt.Errorf("subscription.Accept: %w", errs.NotFound("proposal", id))
			},
			wantCode: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			accept.New(slog.New(discardHandler{}), &mockAccepter{AcceptFunc: tt.accept}).ServeHTTP(w, newRequest("sub_1"))
			assert.Equal(t, tt.wantCode, w.Code)
			if tt.wantCode == http.StatusOK {
				assert.Contains(t, w.Body.String(), "sub_1")
			}
		})
	}
}
