package wallet

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/amount"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/models"
)

func order() models.PaymentOrder {
	return models.PaymentOrder{
		RequestID: "req_sub_1_100",
		Method:    "lightning",
		Payee:     "payee",
		Amount:    amount.FromSats(1000),
		Currency:  "SAT",
		Memo:      "Premium",
	}
}

func TestClient_Execute(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantErr   bool
		rejected  bool
		wantReply models.PaymentReceipt
	}{
		{
			name:      "success",
			status:    http.StatusCreated,
			body:      `{"payment_id":"pay_1","method":"lightning","paid_at":100}`,
			wantReply: models.PaymentReceipt{PaymentID: "pay_1", Method: "lightning", PaidAt: 100},
		},
		{
			name:      "method defaults to order",
			status:    http.StatusOK,
			body:      `{"payment_id":"pay_2","paid_at":5}`,
			wantReply: models.PaymentReceipt{PaymentID: "pay_2", Method: "lightning", PaidAt: 5},
		},
		{
			name:     "rejected",
			status:   http.StatusUnprocessableEntity,
			body:     `{"error":"insufficient funds"}`,
			wantErr:  true,
			rejected: true,
		},
		{
			name:    "server error",
			status:  http.StatusBadGateway,
			body:    `oops`,
			wantErr: true,
		},
		{
			name:    "bad json",
			status:  http.StatusOK,
			body:    `{`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, "/v1/payments", r.URL.Path)
				assert.Equal(t, "req_sub_1_100:lightning", r.Header.Get("Idempotency-Key"))

				var got models.PaymentOrder
				assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
				assert.Equal(t, "1000", got.Amount.String())

				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			receipt, err := NewClient(srv.URL+"/", 0).Execute(context.Background(), order())
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, tt.rejected, IsRejected(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantReply, receipt)
		})
	}
}

func TestClient_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewClient(srv.URL, 0).Execute(ctx, order())
	assert.ErrorIs(t, err, context.Canceled)
}
