package paymentprocessor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/errs"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/sl"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/models"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/services/billing"
)

// Biller оплачивает период подписки.
type Biller interface {
	BillSubscription(ctx context.Context, subscriptionID string, periodStart int64) (*billing.Result, error)
}

// PaymentService обрабатывает сообщения payment.due.
type PaymentService struct {
	biller Biller
	log    *slog.Logger
	now    func() time.Time
}

// NewPaymentService создаёт обработчик.
func NewPaymentService(biller Biller, logger *slog.Logger) *PaymentService {
	return &PaymentService{
		biller: biller,
		log:    logger,
		now:    time.Now,
	}
}

// WithClock подменяет источник времени.
func (s *PaymentService) WithClock(now func() time.Time) *PaymentService {
	s.now = now
	return s
}

// ProcessSubscriptionPayment оплачивает период из PaymentRequest в body.
//
// Возвращённая ошибка означает временный сбой: сообщение нужно вернуть
// в очередь. Окончательные исходы (оплачено, отказ по правилам, исчерпаны
// методы) подтверждаются; повтор в льготный период инициирует планировщик.
func (s *PaymentService) ProcessSubscriptionPayment(ctx context.Context, body []byte) error {
	const op = "paymentprocessor.ProcessSubscriptionPayment"

	var req models.PaymentRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.log.Error("failed to unmarshal payment request, dropping", sl.Err(err))
		return nil
	}
	log := s.log.With(
		slog.String("request_id", req.RequestID),
		slog.String("subscription_id", req.SubscriptionID),
	)
	if req.SubscriptionID == "" {
		log.Error("payment request without subscription id, dropping")
		return nil
	}
	if req.ExpiresAt > 0 && s.now().Unix() >= req.ExpiresAt {
		log.Warn("payment request expired, dropping", slog.Int64("expires_at", req.ExpiresAt))
		return nil
	}

	_, err := s.biller.BillSubscription(ctx, req.SubscriptionID, req.PeriodStart)
	switch {
	case err == nil:
		return nil
	case isFinal(err):
		log.Info("payment request settled without charge", sl.Err(err))
		return nil
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

func isFinal(err error) bool {
	for _, target := range []error{
		billing.ErrAlreadyBilled,
		billing.ErrNotBillable,
		billing.ErrAutoPayDisabled,
		billing.ErrConfirmationRequired,
		billing.ErrNoMethods,
		billing.ErrPaymentFailed,
		errs.ErrLimitExceeded,
		errs.ErrNotFound,
		errs.ErrInvalidArgument,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Handler возвращает обработчик для rabbitmq.ConsumerMessage.
func (s *PaymentService) Handler(ctx context.Context) func([]byte) error {
	return func(body []byte) error {
		return s.ProcessSubscriptionPayment(ctx, body)
	}
}
