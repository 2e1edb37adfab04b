package modify_test

import (
	"bytes"
	"context"
	"fmt"
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
	"github.com/magabrotheeeer/paykit-subscriptions/internal/http-server/handlers/modify"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/errs"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/identity"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/models"
)

type mockModifier struct {
	self       identity.PublicKey
	ModifyFunc func(ctx context.Context, req models.ModificationRequest) (*models.ModificationRecord, *models.Proposal, error)
}

func (m *mockModifier) Self() identity.PublicKey { return m.self }

func (m *mockModifier) NewRequest(_ context.Context, id string, typ models.ModificationType) (models.ModificationRequest, error) {
	if id != "sub_1" {
		return models.ModificationRequest{}, errs.NotFound("subscription", id)
	}
	return models.NewModificationRequest(id, models.RequestedByProvider, typ, time.Unix(1_700_000_000, 0)), nil
}

func (m *mockModifier) Modify(ctx context.Context, req models.ModificationRequest) (*models.ModificationRecord, *models.Proposal, error) {
	return m.ModifyFunc(ctx, req)
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

func newRequest(id, body string, caller identity.PublicKey) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("id", id)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/subscriptions/"+id+"/modifications", strings.NewReader(body))
	ctx := context.WithValue(req.Context(), chi.RouteCtxKey, rctx)
	return req.WithContext(auth.WithPeer(ctx, caller))
}

func TestModifyHandler(t *testing.T) {
	self := peer(t, 1)

	succeed := func(_ context.Context, req models.ModificationRequest) (*models.ModificationRecord, *models.Proposal, error) {
		return &models.ModificationRecord{Request: req, Success: true, PreviousVersion: 1, NewVersion: 2}, &models.Proposal{}, nil
	}
	reject := func(_ context.Context, req models.ModificationRequest) (*models.ModificationRecord, *models.Proposal, error) {
		return &models.ModificationRecord{Request: req, Error: "bad"}, nil, fmt.Errorf("subscription.Modify: %w", errs.InvalidArgument("new amount must be greater"))
	}

	tests := []struct {
		name     string
		id       string
		body     string
		caller   identity.PublicKey
		modify   func(context.Context, models.ModificationRequest) (*models.ModificationRecord, *models.Proposal, error)
		wantCode int
		wantBody string
	}{
		{
			name:     "upgrade",
			id:       "sub_1",
			body:     `{"type":{"kind":"upgrade","new_amount":"2000","effective_date":1700000000},"note":"more seats"}`,
			caller:   self,
			modify:   succeed,
			wantCode: http.StatusOK,
			wantBody: `"new_version":2`,
		},
		{
			name:     "rejected by model",
			id:       "sub_1",
			body:     `{"type":{"kind":"upgrade","new_amount":"1"}}`,
			caller:   self,
			modify:   reject,
			wantCode: http.StatusBadRequest,
			wantBody: "new amount must be greater",
		},
		{
			name:     "cancel goes through its own endpoint",
			id:       "sub_1",
			body:     `{"type":{"kind":"cancel"}}`,
			caller:   self,
			wantCode: http.StatusBadRequest,
			wantBody: "field Kind must be one of",
		},
		{
			name:     "unknown subscription",
			id:       "sub_x",
			body:     `{"type":{"kind":"resume"}}`,
			caller:   self,
			wantCode: http.StatusNotFound,
		},
		{
			name:     "counterparty cannot modify",
			id:       "sub_1",
			body:     `{"type":{"kind":"resume"}}`,
			caller:   peer(t, 2),
			wantCode: http.StatusForbidden,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &mockModifier{self: self, ModifyFunc: tt.modify}
			w := httptest.NewRecorder()
			modify.New(slog.New(discardHandler{}), m).ServeHTTP(w, newRequest(tt.id, tt.body, tt.caller))

			assert.Equal(t, tt.wantCode, w.Code)
			if tt.wantBody != "" {
				assert.Contains(t, w.Body.String(), tt.wantBody)
			}
		})
	}
}
