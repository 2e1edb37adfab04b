package paymentprocessor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/errs"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/models"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/services/billing"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/storage/storagetest"
)

type BillerMock struct{ mock.Mock }

func (m *BillerMock) BillSubscription(ctx context.Context, subscriptionID string, periodStart int64) (*billing.Result, error) {
	args := m.Called(ctx, subscriptionID, periodStart)
	res, _ := args.Get(0).(*billing.Result)
	return res, args.Error(1)
}

func newNoopLogger() *slog.Logger {
	h := slog.NewTextHandler(io.Discard, &slog.HandlerOptions{})
	return slog.New(h)
}

func body(t *testing.T) []byte {
	t.Helper()
	sub := storagetest.Subscription(t, "sub_1")
	req := models.NewPaymentRequest(sub, sub.StartsAt, storagetest.Start)
	data, err := json.Marshal(req)
	require.NoError(t, err)
	return data
}

func TestPaymentService_ProcessSubscriptionPayment(t *testing.T) {
	start := storagetest.Start.Unix()

	tests := []struct {
		name       string
		body       func(*testing.T) []byte
		setupMocks func(*BillerMock)
		now        time.Time
		wantErr    bool
	}{
		{
			name: "paid",
			body: body,
			setupMocks: func(b *BillerMock) {
				b.On("BillSubscription", mock.Anything, "sub_1", start).Return(&billing.Result{}, nil).Once()
			},
		},
		{
			name: "already billed is acked",
			body: body,
			setupMocks: func(b *BillerMock) {
				b.On("BillSubscription", mock.Anything, "sub_1", start).
					Return(nil, fmt.Errorf("billing.BillSubscription: %w", billing.ErrAlreadyBilled)).Once()
			},
		},
		{
			name: "limit exceeded is acked",
			body: body,
			setupMocks: func(b *BillerMock) {
				b.On("BillSubscription", mock.Anything, "sub_1", start).
					Return(nil, fmt.Errorf("reserve: %w", errs.ErrLimitExceeded)).Once()
			},
		},
		{
			name: "exhausted methods are acked",
			body: body,
			setupMocks: func(b *BillerMock) {
				b.On("BillSubscription", mock.Anything, "sub_1", start).
					Return(&billing.Result{}, fmt.Errorf("%w: no route", billing.ErrPaymentFailed)).Once()
			},
		},
		{
			name: "transient error is requeued",
			body: body,
			setupMocks: func(b *BillerMock) {
				b.On("BillSubscription", mock.Anything, "sub_1", start).
					Return(nil, errors.New("connection refused")).Once()
			},
			wantErr: true,
		},
		{
			name:       "malformed body is dropped",
			body:       func(*testing.T) []byte { return []byte("{not json") },
			setupMocks: func(*BillerMock) {},
		},
		{
			name:       "missing subscription id is dropped",
			body:       func(*testing.T) []byte { return []byte(`{"request_id":"req_x"}`) },
			setupMocks: func(*BillerMock) {},
		},
		{
			name:       "expired request is dropped",
			body:       body,
			setupMocks: func(*BillerMock) {},
			now:        storagetest.Start.Add(60 * 24 * time.Hour),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			biller := &BillerMock{}
			tt.setupMocks(biller)

			now := tt.now
			if now.IsZero() {
				now = storagetest.Start.Add(time.Hour)
			}
			svc := NewPaymentService(biller, newNoopLogger()).WithClock(func() time.Time { return now })

			err := svc.Handler(context.Background())(tt.body(t))
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			biller.AssertExpectations(t)
		})
	}
}
