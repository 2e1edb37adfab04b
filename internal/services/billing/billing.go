// Package billing исполняет автоплатежи по подписанным подпискам.
//
// Каждый платёж проходит протокол резервирования лимита: сумма
// резервируется до обращения к исполнителю, фиксируется при успехе и
// откатывается при неуспехе или отмене контекста.
package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/amount"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/errs"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/identity"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/sl"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/metrics"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/models"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/services/fallback"
)

var (
	ErrAutoPayDisabled      = errors.New("auto-pay is disabled")
	ErrConfirmationRequired = errors.New("payment requires confirmation")
	ErrAlreadyBilled        = errors.New("period is already billed")
	ErrNoMethods            = errors.New("no payment methods available")
	ErrPaymentFailed        = errors.New("all payment attempts failed")
	ErrNotBillable          = errors.New("subscription is not billable")
)

// Результаты цикла биллинга для метрик.
const (
	ResultPaid          = "paid"
	ResultFailed        = "failed"
	ResultLimitExceeded = "limit_exceeded"
	ResultSkipped       = "skipped"
)

// staleAfter — после этого срока незавершённая запись считается брошенной.
const staleAfter = 15 * time.Minute

// Storage — операции хранилища, нужные биллингу.
type Storage interface {
	GetSubscription(ctx context.Context, id string) (*models.Subscription, error)
	GetSignedSubscription(ctx context.Context, id string) (*models.SignedSubscription, error)
	GetAutoPayRule(ctx context.Context, subscriptionID string) (*models.AutoPayRule, error)
	SavePeerSpendingLimit(ctx context.Context, limit models.PeerSpendingLimit) error
	GetPeerSpendingLimit(ctx context.Context, peer identity.PublicKey) (*models.PeerSpendingLimit, error)
	ReserveSpending(ctx context.Context, peer identity.PublicKey, amt amount.Amount) (models.ReservationToken, error)
	CommitSpending(ctx context.Context, token models.ReservationToken) error
	RollbackSpending(ctx context.Context, token models.ReservationToken) error
	SaveFallbackRecord(ctx context.Context, rec *models.FallbackRecord) error
	ClaimFallbackRecord(ctx context.Context, rec *models.FallbackRecord) (bool, error)
	GetFallbackRecord(ctx context.Context, subscriptionID string, periodStart int64) (*models.FallbackRecord, error)
}

// PaymentExecutor исполняет платёж выбранным методом.
type PaymentExecutor interface {
	Execute(ctx context.Context, order models.PaymentOrder) (models.PaymentReceipt, error)
}

// Result — итог оплаты периода.
type Result struct {
	Record  *models.FallbackRecord
	Receipt models.PaymentReceipt
}

// Service — оркестратор автоплатежей.
type Service struct {
	storage  Storage
	executor PaymentExecutor
	fallback *fallback.Handler
	metrics  *metrics.Metrics
	log      *slog.Logger
	now      func() time.Time
	inflight singleflight.Group
}

// NewService создаёт сервис биллинга. m может быть nil.
func NewService(storage Storage, executor PaymentExecutor, fb *fallback.Handler, m *metrics.Metrics, log *slog.Logger) *Service {
	return &Service{
		storage:  storage,
		executor: executor,
		fallback: fb,
		metrics:  m,
		log:      log,
		now:      time.Now,
	}
}

// WithClock подменяет источник времени.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// ShouldAutoPay сообщает, можно ли оплатить amt без участия пользователя:
// правило включено, сумма в пределах лимита платежа, подтверждение не
// требуется и лимит по контрагенту не будет превышен.
func (s *Service) ShouldAutoPay(ctx context.Context, subscriptionID string, amt amount.Amount) (bool, error) {
	const op = "billing.ShouldAutoPay"

	rule, err := s.rule(ctx, subscriptionID)
	if errors.Is(err, ErrAutoPayDisabled) || errors.Is(err, ErrConfirmationRequired) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	if !rule.IsAmountWithinLimit(amt) {
		return false, nil
	}

	limit, err := s.storage.GetPeerSpendingLimit(ctx, rule.Peer)
	switch {
	case errors.Is(err, errs.ErrNotFound):
		if rule.MaxTotalAmountPerPeriod == nil {
			return true, nil
		}
		return amt.IsWithinLimit(*rule.MaxTotalAmountPerPeriod), nil
	case err != nil:
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return !limit.WouldExceedLimit(amt), nil
}

func (s *Service) rule(ctx context.Context, subscriptionID string) (*models.AutoPayRule, error) {
	rule, err := s.storage.GetAutoPayRule(ctx, subscriptionID)
	if errors.Is(err, errs.ErrNotFound) {
		return nil, ErrAutoPayDisabled
	}
	if err != nil {
		return nil, err
	}
	if !rule.Enabled {
		return nil, ErrAutoPayDisabled
	}
	if rule.RequireConfirmation {
		return nil, ErrConfirmationRequired
	}
	return rule, nil
}

// BillSubscription оплачивает период подписки, начинающийся в periodStart.
//
// Одновременные вызовы для одного периода в процессе объединяются, а между
// процессами период достаётся тому, кто первым закрепил за собой запись о
// попытках. Успешно оплаченный период возвращает ErrAlreadyBilled. При неуспехе всех
// методов вместе с ErrPaymentFailed возвращается Result с записью о попытках.
func (s *Service) BillSubscription(ctx context.Context, subscriptionID string, periodStart int64) (*Result, error) {
	const op = "billing.BillSubscription"

	key := subscriptionID + "@" + strconv.FormatInt(periodStart, 10)
	v, err, _ := s.inflight.Do(key, func() (any, error) {
		return s.bill(ctx, subscriptionID, periodStart)
	})
	res, _ := v.(*Result)
	if err != nil {
		return res, fmt.Errorf("%s: %w", op, err)
	}
	return res, nil
}

func (s *Service) bill(ctx context.Context, subscriptionID string, periodStart int64) (*Result, error) {
	log := s.log.With(
		slog.String("subscription_id", subscriptionID),
		slog.Int64("period_start", periodStart),
	)

	sub, err := s.billable(ctx, subscriptionID, periodStart)
	if err != nil {
		s.metrics.BillingCycle(ResultSkipped)
		return nil, err
	}
	rec, err := s.openRecord(ctx, sub, periodStart)
	if err != nil {
		s.metrics.BillingCycle(ResultSkipped)
		return nil, err
	}
	rule, err := s.rule(ctx, subscriptionID)
	if err != nil {
		s.metrics.BillingCycle(ResultSkipped)
		return nil, err
	}
	amt := sub.Terms.Amount
	if !rule.IsAmountWithinLimit(amt) {
		s.metrics.BillingCycle(ResultLimitExceeded)
		return nil, fmt.Errorf("%w: amount %s exceeds per-payment cap", errs.ErrLimitExceeded, amt)
	}

	plan := s.fallback.AttemptPlan(sub)
	if len(plan) == 0 {
		s.metrics.BillingCycle(ResultSkipped)
		return nil, ErrNoMethods
	}

	// Период закрепляется до резервирования: проигравший обработчик не
	// трогает лимит и исполнителя.
	rec.Claim(s.now())
	claimed, err := s.storage.ClaimFallbackRecord(ctx, rec)
	if err != nil {
		return nil, err
	}
	if !claimed {
		s.metrics.BillingCycle(ResultSkipped)
		return nil, fmt.Errorf("%w: period claimed by another worker", ErrAlreadyBilled)
	}

	if err := s.ensureLimit(ctx, sub, rule); err != nil {
		s.release(ctx, log, rec)
		return nil, err
	}
	token, err := s.storage.ReserveSpending(ctx, rule.Peer, amt)
	if err != nil {
		if errors.Is(err, errs.ErrLimitExceeded) {
			s.metrics.Reservation(metrics.ReservationLimitExceeded)
			s.metrics.BillingCycle(ResultLimitExceeded)
		}
		s.release(ctx, log, rec)
		return nil, err
	}
	s.metrics.Reservation(metrics.ReservationReserved)

	receipt, payErr := s.attempt(ctx, log, sub, rec, plan, periodStart)
	if payErr == nil {
		if err := s.storage.CommitSpending(context.WithoutCancel(ctx), token); err != nil {
			log.Error("failed to commit reservation", sl.Err(err))
		} else {
			s.metrics.Reservation(metrics.ReservationCommitted)
		}
	} else {
		s.rollback(ctx, log, token)
	}

	s.fallback.Finish(context.WithoutCancel(ctx), rec, sub.Terms.Method)
	rec.Release()
	if err := s.storage.SaveFallbackRecord(context.WithoutCancel(ctx), rec); err != nil {
		log.Error("failed to save fallback record", sl.Err(err))
	}

	if payErr != nil {
		s.metrics.BillingCycle(ResultFailed)
		log.Warn("billing failed", slog.String("status", string(rec.Status)), sl.Err(payErr))
		return &Result{Record: rec}, fmt.Errorf("%w: %v", ErrPaymentFailed, payErr)
	}
	s.metrics.BillingCycle(ResultPaid)
	log.Info("subscription billed",
		slog.String("method", rec.SuccessfulMethod),
		slog.String("amount", amt.String()),
	)
	return &Result{Record: rec, Receipt: receipt}, nil
}

// billable возвращает подписанные условия подписки, если период можно
// оплачивать. Неподписанные версии на сумму не влияют, но более новая
// отмена прекращает оплату.
func (s *Service) billable(ctx context.Context, subscriptionID string, periodStart int64) (*models.Subscription, error) {
	signed, err := s.storage.GetSignedSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	latest, err := s.storage.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	sub := signed.Subscription
	switch {
	case !signed.ActiveAt(latest, periodStart):
		return nil, fmt.Errorf("%w: not active at %d", ErrNotBillable, periodStart)
	case sub.IsPaused():
		return nil, fmt.Errorf("%w: paused", ErrNotBillable)
	}
	return sub, nil
}

// openRecord возвращает запись о попытках для периода: продолжает льготный
// период или брошенную попытку, иначе открывает новую.
func (s *Service) openRecord(ctx context.Context, sub *models.Subscription, periodStart int64) (*models.FallbackRecord, error) {
	rec, err := s.storage.GetFallbackRecord(ctx, sub.SubscriptionID, periodStart)
	if errors.Is(err, errs.ErrNotFound) {
		return s.fallback.Begin(sub.SubscriptionID, periodStart, sub.Terms.Amount), nil
	}
	if err != nil {
		return nil, err
	}

	now := s.now()
	switch rec.Status {
	case models.FallbackGracePeriod:
		if now.Unix() >= rec.GraceUntil {
			return nil, fmt.Errorf("%w: grace period is over", ErrAlreadyBilled)
		}
		if rec.ClaimedWithin(now, staleAfter) {
			return nil, fmt.Errorf("%w: billing is in progress", ErrAlreadyBilled)
		}
		return rec, nil
	case models.FallbackInProgress:
		if rec.ClaimedWithin(now, staleAfter) {
			return nil, fmt.Errorf("%w: billing is in progress", ErrAlreadyBilled)
		}
		return rec, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrAlreadyBilled, rec.Status)
	}
}

// release снимает закрепление периода, если до попыток оплаты дело не дошло.
func (s *Service) release(ctx context.Context, log *slog.Logger, rec *models.FallbackRecord) {
	rec.Release()
	if _, err := s.storage.ClaimFallbackRecord(context.WithoutCancel(ctx), rec); err != nil {
		log.Error("failed to release fallback record", sl.Err(err))
	}
}

// ensureLimit создаёт лимит по контрагенту, если его ещё нет. Размер берётся
// из правила, затем из условий подписки, иначе равен сумме одного платежа.
func (s *Service) ensureLimit(ctx context.Context, sub *models.Subscription, rule *models.AutoPayRule) error {
	_, err := s.storage.GetPeerSpendingLimit(ctx, rule.Peer)
	if !errors.Is(err, errs.ErrNotFound) {
		return err
	}

	total := sub.Terms.Amount
	switch {
	case rule.MaxTotalAmountPerPeriod != nil:
		total = *rule.MaxTotalAmountPerPeriod
	case sub.Terms.MaxAmountPerPeriod != nil:
		total = *sub.Terms.MaxAmountPerPeriod
	}
	period := rule.Period
	if period == "" {
		period = models.PeriodMonthly
	}
	s.log.Info("provisioning spending limit",
		slog.String("subscription_id", sub.SubscriptionID),
		slog.String("limit", total.String()),
		slog.String("period", string(period)),
	)
	return s.storage.SavePeerSpendingLimit(ctx, models.NewPeerSpendingLimit(rule.Peer, total, period, s.now()))
}

// attempt перебирает методы плана, повторяя каждый до Attempts() раз.
func (s *Service) attempt(ctx context.Context, log *slog.Logger, sub *models.Subscription, rec *models.FallbackRecord, plan []string, periodStart int64) (models.PaymentReceipt, error) {
	req := models.NewPaymentRequest(sub, periodStart, s.now())
	attempts := s.fallback.Attempts()

	var lastErr error
	for i, method := range plan {
		next := ""
		if i+1 < len(plan) {
			next = plan[i+1]
		}
		for n := 1; n <= attempts; n++ {
			if err := ctx.Err(); err != nil {
				return models.PaymentReceipt{}, err
			}

			start := s.now()
			receipt, err := s.executor.Execute(ctx, models.PaymentOrder{
				RequestID: req.RequestID,
				Method:    method,
				Payee:     req.To,
				Amount:    req.Amount,
				Currency:  req.Currency,
				Memo:      req.Description,
			})
			s.metrics.PaymentAttempt(method, err)

			nextMethod := ""
			if n == attempts {
				nextMethod = next
			}
			s.fallback.RecordAttempt(ctx, rec, method, nextMethod, err, s.now().Sub(start))
			if err == nil {
				return receipt, nil
			}
			lastErr = err
			log.Debug("payment attempt failed",
				slog.String("method", method),
				slog.Int("attempt", n),
				sl.Err(err),
			)
			if n < attempts || next != "" {
				if err := s.fallback.WaitRetry(ctx); err != nil {
					return models.PaymentReceipt{}, err
				}
			}
		}
	}
	return models.PaymentReceipt{}, lastErr
}

func (s *Service) rollback(ctx context.Context, log *slog.Logger, token models.ReservationToken) {
	if err := s.storage.RollbackSpending(context.WithoutCancel(ctx), token); err != nil {
		log.Error("failed to roll back reservation", slog.String("token_id", token.TokenID), sl.Err(err))
		return
	}
	s.metrics.Reservation(metrics.ReservationRolledBack)
}

// PaymentRequest строит запрос на оплату периода, начинающегося в periodStart,
// по подписанным условиям.
func (s *Service) PaymentRequest(ctx context.Context, subscriptionID string, periodStart int64) (models.PaymentRequest, error) {
	const op = "billing.PaymentRequest"

	signed, err := s.storage.GetSignedSubscription(ctx, subscriptionID)
	if err != nil {
		return models.PaymentRequest{}, fmt.Errorf("%s: %w", op, err)
	}
	return models.NewPaymentRequest(signed.Subscription, periodStart, s.now()), nil
}
