package billing

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/amount"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/errs"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/metrics"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/models"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/services/fallback"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/storage/memory"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/storage/storagetest"
)

type ExecutorMock struct{ mock.Mock }

func (m *ExecutorMock) Execute(ctx context.Context, order models.PaymentOrder) (models.PaymentReceipt, error) {
	args := m.Called(ctx, order)
	return args.Get(0).(models.PaymentReceipt), args.Error(1)
}

func newNoopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func method(name string) any {
	return mock.MatchedBy(func(o models.PaymentOrder) bool { return o.Method == name })
}

type fixture struct {
	svc     *Service
	storage *memory.Storage
	exec    *ExecutorMock
	clock   *storagetest.Clock
	metrics *metrics.Metrics
	sub     *models.Subscription
}

func setup(t *testing.T, rule func(models.AutoPayRule) models.AutoPayRule) *fixture {
	t.Helper()
	ctx := context.Background()
	clock := storagetest.NewClock()
	st := memory.NewWithClock(clock.Now)

	signed := storagetest.Signed(t, "sub_1")
	require.NoError(t, st.SaveSignedSubscription(ctx, signed))
	if rule != nil {
		r := models.NewAutoPayRule("sub_1", signed.Subscription.Provider, "lightning").
			WithMaxPeriodAmount(amount.FromSats(5000), models.PeriodMonthly)
		require.NoError(t, st.SaveAutoPayRule(ctx, rule(r)))
	}

	policy := fallback.DefaultPolicy()
	policy.RetryDelay = 0
	policy.MaxRetriesPerMethod = 1
	fb := fallback.NewHandler(policy, nil, newNoopLogger()).WithClock(clock.Now)

	m := metrics.New(prometheus.NewRegistry())
	exec := &ExecutorMock{}
	svc := NewService(st, exec, fb, m, newNoopLogger()).WithClock(clock.Now)
	return &fixture{svc: svc, storage: st, exec: exec, clock: clock, metrics: m, sub: signed.Subscription}
}

func identityRule(r models.AutoPayRule) models.AutoPayRule { return r }

func (f *fixture) spent(t *testing.T) string {
	t.Helper()
	limit, err := f.storage.GetPeerSpendingLimit(context.Background(), f.sub.Provider)
	require.NoError(t, err)
	return limit.CurrentSpent.String()
}

func TestBillSubscription_Success(t *testing.T) {
	f := setup(t, identityRule)
	ctx := context.Background()
	period := storagetest.Start.Unix()

	f.exec.On("Execute", mock.Anything, method("lightning")).
		Return(models.PaymentReceipt{PaymentID: "pay_1", Method: "lightning", PaidAt: period}, nil).Once()

	res, err := f.svc.BillSubscription(ctx, "sub_1", period)
	require.NoError(t, err)
	assert.Equal(t, "pay_1", res.Receipt.PaymentID)
	assert.Equal(t, models.FallbackSucceeded, res.Record.Status)
	assert.Equal(t, "1000", f.spent(t))

	saved, err := f.storage.GetFallbackRecord(ctx, "sub_1", period)
	require.NoError(t, err)
	assert.Equal(t, models.FallbackSucceeded, saved.Status)

	_, err = f.svc.BillSubscription(ctx, "sub_1", period)
	assert.ErrorIs(t, err, ErrAlreadyBilled)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.BillingCycles.WithLabelValues(ResultPaid)))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ReservationsTotal.WithLabelValues(metrics.ReservationCommitted)))
	f.exec.AssertExpectations(t)
}

func TestBillSubscription_OrderFields(t *testing.T) {
	f := setup(t, identityRule)
	period := storagetest.Start.Unix()

	f.exec.On("Execute", mock.Anything, mock.MatchedBy(func(o models.PaymentOrder) bool {
		return o.RequestID == "req_sub_1_"+strconv.FormatInt(period, 10) &&
			o.Payee == f.sub.Provider &&
			o.Amount.Equal(amount.FromSats(1000)) &&
			o.Currency == "SAT"
	})).Return(models.PaymentReceipt{PaymentID: "pay"}, nil).Once()

	_, err := f.svc.BillSubscription(context.Background(), "sub_1", period)
	require.NoError(t, err)
	f.exec.AssertExpectations(t)
}

func TestBillSubscription_FallsBack(t *testing.T) {
	f := setup(t, identityRule)
	period := storagetest.Start.Unix()

	f.exec.On("Execute", mock.Anything, method("lightning")).
		Return(models.PaymentReceipt{}, errors.New("no route")).Once()
	f.exec.On("Execute", mock.Anything, method("onchain")).
		Return(models.PaymentReceipt{PaymentID: "tx_1", Method: "onchain"}, nil).Once()

	res, err := f.svc.BillSubscription(context.Background(), "sub_1", period)
	require.NoError(t, err)
	assert.Equal(t, "onchain", res.Record.SuccessfulMethod)
	assert.Equal(t, []string{"lightning", "onchain"}, res.Record.MethodsTried())
	assert.Equal(t, "1000", f.spent(t))
	f.exec.AssertExpectations(t)
}

func TestBillSubscription_AllMethodsFail(t *testing.T) {
	f := setup(t, identityRule)
	ctx := context.Background()
	period := storagetest.Start.Unix()

	f.exec.On("Execute", mock.Anything, mock.Anything).
		Return(models.PaymentReceipt{}, errors.New("wallet offline")).Twice()

	res, err := f.svc.BillSubscription(ctx, "sub_1", period)
	assert.ErrorIs(t, err, ErrPaymentFailed)
	require.NotNil(t, res)
	assert.Equal(t, models.FallbackGracePeriod, res.Record.Status)
	assert.Equal(t, "0", f.spent(t), "reservation rolled back")

	graceUntil := res.Record.GraceUntil
	f.clock.Advance(time.Hour)
	f.exec.On("Execute", mock.Anything, method("lightning")).
		Return(models.PaymentReceipt{PaymentID: "pay_2"}, nil).Once()

	res, err = f.svc.BillSubscription(ctx, "sub_1", period)
	require.NoError(t, err)
	assert.Equal(t, models.FallbackSucceeded, res.Record.Status)
	assert.Len(t, res.Record.Attempts, 3)
	assert.Equal(t, graceUntil, res.Record.GraceUntil)
	assert.Equal(t, "1000", f.spent(t))
}

func TestBillSubscription_GraceOver(t *testing.T) {
	f := setup(t, identityRule)
	period := storagetest.Start.Unix()

	f.exec.On("Execute", mock.Anything, mock.Anything).
		Return(models.PaymentReceipt{}, errors.New("wallet offline"))

	_, err := f.svc.BillSubscription(context.Background(), "sub_1", period)
	require.ErrorIs(t, err, ErrPaymentFailed)

	f.clock.Advance(25 * time.Hour)
	_, err = f.svc.BillSubscription(context.Background(), "sub_1", period)
	assert.ErrorIs(t, err, ErrAlreadyBilled)
}

func TestBillSubscription_Rejected(t *testing.T) {
	tests := []struct {
		name    string
		rule    func(models.AutoPayRule) models.AutoPayRule
		prepare func(t *testing.T, f *fixture)
		wantErr error
	}{
		{
			name:    "no rule",
			wantErr: ErrAutoPayDisabled,
		},
		{
			name: "disabled",
			rule: func(r models.AutoPayRule) models.AutoPayRule {
				r.Enabled = false
				return r
			},
			wantErr: ErrAutoPayDisabled,
		},
		{
			name: "confirmation required",
			rule: func(r models.AutoPayRule) models.AutoPayRule {
				return r.WithConfirmation(true)
			},
			wantErr: ErrConfirmationRequired,
		},
		{
			name: "per-payment cap",
			rule: func(r models.AutoPayRule) models.AutoPayRule {
				return r.WithMaxPaymentAmount(amount.FromSats(500))
			},
			wantErr: errs.ErrLimitExceeded,
		},
		{
			name: "period cap",
			rule: func(r models.AutoPayRule) models.AutoPayRule {
				return r.WithMaxPeriodAmount(amount.FromSats(500), models.PeriodMonthly)
			},
			wantErr: errs.ErrLimitExceeded,
		},
		{
			name: "paused",
			rule: identityRule,
			prepare: func(t *testing.T, f *fixture) {
				signed := storagetest.Signed(t, "sub_1")
				signed.Subscription = f.sub.WithMetadata(models.MetaPausedAt, "1")
				signed.Subscription.Version = 2
				require.NoError(t, f.storage.SaveSignedSubscription(context.Background(), signed))
			},
			wantErr: ErrNotBillable,
		},
		{
			name:    "unknown subscription",
			rule:    identityRule,
			prepare: func(t *testing.T, f *fixture) { f.sub = nil },
			wantErr: errs.ErrNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t, tt.rule)
			id := "sub_1"
			if tt.prepare != nil {
				tt.prepare(t, f)
			}
			if f.sub == nil {
				id = "sub_missing"
			}

			_, err := f.svc.BillSubscription(context.Background(), id, storagetest.Start.Unix())
			assert.ErrorIs(t, err, tt.wantErr)
			f.exec.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything)
		})
	}
}

func TestBillSubscription_ChargesSignedTerms(t *testing.T) {
	f := setup(t, identityRule)
	ctx := context.Background()
	period := storagetest.Start.Unix()

	// Неподписанное предложение той же версии с другой суммой.
	same := f.sub.Clone()
	same.Terms.Amount = amount.FromSats(50000)
	require.NoError(t, f.storage.SaveSubscription(ctx, same))

	// Неподписанная следующая версия.
	next := f.sub.Clone()
	next.Version = 2
	next.Terms.Amount = amount.FromSats(50000)
	require.NoError(t, f.storage.SaveSubscription(ctx, next))

	f.exec.On("Execute", mock.Anything, mock.MatchedBy(func(o models.PaymentOrder) bool {
		return o.Amount.Equal(amount.FromSats(1000))
	})).Return(models.PaymentReceipt{PaymentID: "pay_1", Method: "lightning", PaidAt: period}, nil).Once()

	res, err := f.svc.BillSubscription(ctx, "sub_1", period)
	require.NoError(t, err)
	assert.Equal(t, "1000", res.Record.Amount.String())
	assert.Equal(t, "1000", f.spent(t))
	f.exec.AssertExpectations(t)
}

func TestBillSubscription_UnsignedCancellationStopsBilling(t *testing.T) {
	f := setup(t, identityRule)
	ctx := context.Background()

	cancelled := f.sub.WithEndsAt(storagetest.Start.Add(time.Hour).Unix())
	cancelled.Version = 2
	require.NoError(t, f.storage.SaveSubscription(ctx, cancelled))

	_, err := f.svc.BillSubscription(ctx, "sub_1", storagetest.Start.Add(2*time.Hour).Unix())
	assert.ErrorIs(t, err, ErrNotBillable)
	f.exec.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything)
}

func TestBillSubscription_SecondWorkerSkipsClaimedPeriod(t *testing.T) {
	f := setup(t, identityRule)
	ctx := context.Background()
	period := storagetest.Start.Unix()

	// Второй процесс со своим исполнителем поверх того же хранилища.
	otherExec := &ExecutorMock{}
	fb := fallback.NewHandler(fallback.DefaultPolicy(), nil, newNoopLogger()).WithClock(f.clock.Now)
	other := NewService(f.storage, otherExec, fb, nil, newNoopLogger()).WithClock(f.clock.Now)

	started := make(chan struct{})
	release := make(chan struct{})
	f.exec.On("Execute", mock.Anything, method("lightning")).
		Run(func(mock.Arguments) {
			close(started)
			<-release
		}).
		Return(models.PaymentReceipt{PaymentID: "pay_1", Method: "lightning", PaidAt: period}, nil).Once()

	done := make(chan error, 1)
	go func() {
		_, err := f.svc.BillSubscription(ctx, "sub_1", period)
		done <- err
	}()
	<-started

	_, err := other.BillSubscription(ctx, "sub_1", period)
	assert.ErrorIs(t, err, ErrAlreadyBilled)
	assert.Equal(t, "1000", f.spent(t), "the losing worker reserves nothing")

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, "1000", f.spent(t))
	otherExec.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything)
	f.exec.AssertExpectations(t)
}

func TestBillSubscription_ReclaimsStalePeriod(t *testing.T) {
	f := setup(t, identityRule)
	ctx := context.Background()
	period := storagetest.Start.Unix()

	// Запись брошена упавшим обработчиком.
	abandoned := models.NewFallbackRecord("sub_1", period, amount.FromSats(1000), f.clock.Now())
	ok, err := f.storage.ClaimFallbackRecord(ctx, abandoned)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.svc.BillSubscription(ctx, "sub_1", period)
	assert.ErrorIs(t, err, ErrAlreadyBilled)

	f.clock.Advance(staleAfter)
	f.exec.On("Execute", mock.Anything, method("lightning")).
		Return(models.PaymentReceipt{PaymentID: "pay_1", Method: "lightning", PaidAt: period}, nil).Once()

	res, err := f.svc.BillSubscription(ctx, "sub_1", period)
	require.NoError(t, err)
	assert.Equal(t, models.FallbackSucceeded, res.Record.Status)
	assert.Zero(t, res.Record.ClaimedAt)
	f.exec.AssertExpectations(t)
}

func TestBillSubscription_LimitExceededReleasesPeriod(t *testing.T) {
	f := setup(t, func(r models.AutoPayRule) models.AutoPayRule {
		return r.WithMaxPeriodAmount(amount.FromSats(500), models.PeriodMonthly)
	})
	ctx := context.Background()
	period := storagetest.Start.Unix()

	_, err := f.svc.BillSubscription(ctx, "sub_1", period)
	require.ErrorIs(t, err, errs.ErrLimitExceeded)

	rec, err := f.storage.GetFallbackRecord(ctx, "sub_1", period)
	require.NoError(t, err)
	assert.Zero(t, rec.ClaimedAt)
	assert.Empty(t, rec.Attempts)

	limit, err := f.storage.GetPeerSpendingLimit(ctx, f.sub.Provider)
	require.NoError(t, err)
	limit.TotalAmountLimit = amount.FromSats(5000)
	require.NoError(t, f.storage.SavePeerSpendingLimit(ctx, *limit))

	f.exec.On("Execute", mock.Anything, method("lightning")).
		Return(models.PaymentReceipt{PaymentID: "pay_1", Method: "lightning", PaidAt: period}, nil).Once()
	_, err = f.svc.BillSubscription(ctx, "sub_1", period)
	require.NoError(t, err)
	f.exec.AssertExpectations(t)
}

func TestBillSubscription_CancelledDuringPayment(t *testing.T) {
	f := setup(t, identityRule)
	period := storagetest.Start.Unix()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.exec.On("Execute", mock.Anything, method("lightning")).
		Run(func(mock.Arguments) { cancel() }).
		Return(models.PaymentReceipt{}, context.Canceled).Once()

	_, err := f.svc.BillSubscription(ctx, "sub_1", period)
	assert.ErrorIs(t, err, ErrPaymentFailed)
	assert.Equal(t, "0", f.spent(t))

	rec, err := f.storage.GetFallbackRecord(context.Background(), "sub_1", period)
	require.NoError(t, err)
	assert.Len(t, rec.Attempts, 1)
	f.exec.AssertExpectations(t)
}

func TestShouldAutoPay(t *testing.T) {
	tests := []struct {
		name   string
		rule   func(models.AutoPayRule) models.AutoPayRule
		amount int64
		spend  int64
		want   bool
	}{
		{name: "no rule", amount: 100},
		{name: "within limits", rule: identityRule, amount: 1000, want: true},
		{name: "above period cap", rule: identityRule, amount: 6000},
		{
			name:   "above payment cap",
			rule:   func(r models.AutoPayRule) models.AutoPayRule { return r.WithMaxPaymentAmount(amount.FromSats(10)) },
			amount: 100,
		},
		{
			name:   "confirmation",
			rule:   func(r models.AutoPayRule) models.AutoPayRule { return r.WithConfirmation(true) },
			amount: 100,
		},
		{name: "limit partly spent", rule: identityRule, amount: 1000, spend: 4500},
		{name: "limit fits", rule: identityRule, amount: 500, spend: 4500, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t, tt.rule)
			ctx := context.Background()
			if tt.spend > 0 {
				limit := models.NewPeerSpendingLimit(f.sub.Provider, amount.FromSats(5000), models.PeriodMonthly, f.clock.Now())
				require.NoError(t, f.storage.SavePeerSpendingLimit(ctx, limit))
				_, err := f.storage.ReserveSpending(ctx, f.sub.Provider, amount.FromSats(tt.spend))
				require.NoError(t, err)
			}

			got, err := f.svc.ShouldAutoPay(ctx, "sub_1", amount.FromSats(tt.amount))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPaymentRequest(t *testing.T) {
	f := setup(t, nil)
	req, err := f.svc.PaymentRequest(context.Background(), "sub_1", 42)
	require.NoError(t, err)
	assert.Equal(t, "req_sub_1_42", req.RequestID)
	assert.Equal(t, f.sub.Subscriber, req.From)
	assert.Equal(t, f.sub.Provider, req.To)
}
