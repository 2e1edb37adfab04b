package inbox_test

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/magabrotheeeer/paykit-subscriptions/internal/http-server/handlers/inbox"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/errs"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/services/subscription"
)

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (discardHandler) WithAttrs([]slog.Attr) slog.Handler        { return discardHandler{} }
func (discardHandler) WithGroup(string) slog.Handler             { return discardHandler{} }

type handlerMock struct {
	HandleMessageFunc func(ctx context.Context, data []byte) (subscription.MessageType, error)
}

func (m *handlerMock) HandleMessage(ctx context.Context, data []byte) (subscription.MessageType, error) {
	return m.HandleMessageFunc(ctx, data)
}

func TestInboxHandler(t *testing.T) {
	tests := []struct {
		name     string
		result   func([]byte) (subscription.MessageType, error)
		wantCode int
		wantBody string
	}{
		{
			name: "proposal accepted",
			result: func(data []byte) (subscription.MessageType, error) {
				assert.Equal(t, `{"type":"proposal"}`, string(data))
				return subscription.MsgProposal, nil
			},
			wantCode: http.StatusAccepted,
			wantBody: string(subscription.MsgProposal),
		},
		{
			name: "bad signature",
			result: func([]byte) (subscription.MessageType, error) {
				return subscription.MsgAcceptance, fmt.Errorf("subscription.HandleMessage: %w", errs.Crypto("signature mismatch"))
			},
			wantCode: http.StatusUnprocessableEntity,
			wantBody: "signature mismatch",
		},
		{
			name: "malformed envelope",
			result: func([]byte) (subscription.MessageType, error) {
				return "", fmt.Errorf("subscription.HandleMessage: %w", errs.ErrSerialization)
			},
			wantCode: http.StatusBadRequest,
		},
		{
			name: "storage failure is hidden",
			result: func([]byte) (subscription.MessageType, error) {
				return subscription.MsgCancellation, fmt.Errorf("save: %w", context.DeadlineExceeded)
			},
			wantCode: http.StatusInternalServerError,
			wantBody: "failed to handle message",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &handlerMock{HandleMessageFunc: func(_ context.Context, data []byte) (subscription.MessageType, error) {
				return tt.result(data)
			}}
			req := httptest.NewRequest(http.MethodPost, "/api/v1/messages", strings.NewReader(`{"type":"proposal"}`))
			w := httptest.NewRecorder()
			inbox.New(slog.New(discardHandler{}), h).ServeHTTP(w, req)

			assert.Equal(t, tt.wantCode, w.Code)
			if tt.wantBody != "" {
				assert.Contains(t, w.Body.String(), tt.wantBody)
			}
		})
	}
}
