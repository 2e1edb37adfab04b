// Package scheduler периодически просматривает действующие соглашения
// и ставит в очередь платежи, уведомления и обслуживание реестров.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/errs"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/proration"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/sl"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/models"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/rabbitmq"
)

// Storage — часть хранилища, нужная планировщику.
type Storage interface {
	ListActiveSubscriptions(ctx context.Context, now int64) ([]*models.SignedSubscription, error)
	GetAutoPayRule(ctx context.Context, subscriptionID string) (*models.AutoPayRule, error)
	GetFallbackRecord(ctx context.Context, subscriptionID string, periodStart int64) (*models.FallbackRecord, error)
	ClaimFallbackRecord(ctx context.Context, rec *models.FallbackRecord) (bool, error)
}

// Publisher публикует сообщение с ключом маршрутизации.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, message any) error
}

// NonceCleaner удаляет просроченные nonce.
type NonceCleaner interface {
	CleanupExpired(ctx context.Context, before int64) (int, error)
}

// GraceExpirer закрывает истёкшие льготные периоды.
type GraceExpirer interface {
	ExpireGrace(rec *models.FallbackRecord, now time.Time) bool
	NotifyExhausted(ctx context.Context, rec *models.FallbackRecord)
}

// Service выполняет задания планировщика. Каждое задание идемпотентно
// в пределах периода и может запускаться сколько угодно часто.
type Service struct {
	storage   Storage
	publisher Publisher
	nonces    NonceCleaner
	grace     GraceExpirer
	log       *slog.Logger
	notified  *expirable.LRU[string, struct{}]
}

// NewService создаёт планировщик.
func NewService(storage Storage, publisher Publisher, log *slog.Logger) *Service {
	return &Service{
		storage:   storage,
		publisher: publisher,
		log:       log,
		notified:  expirable.NewLRU[string, struct{}](4096, nil, 48*time.Hour),
	}
}

// WithNonceCleaner подключает очистку реестра nonce.
func (s *Service) WithNonceCleaner(n NonceCleaner) *Service {
	s.nonces = n
	return s
}

// WithGraceExpirer подключает закрытие льготных периодов.
func (s *Service) WithGraceExpirer(g GraceExpirer) *Service {
	s.grace = g
	return s
}

// CheckDuePayments публикует PaymentRequest для каждого соглашения,
// текущий период которого ещё не оплачен. Возвращает число
// опубликованных запросов.
func (s *Service) CheckDuePayments(ctx context.Context, now time.Time) (int, error) {
	const op = "scheduler.CheckDuePayments"

	active, err := s.storage.ListActiveSubscriptions(ctx, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	var (
		published int
		failed    []error
	)
	for _, signed := range active {
		sub := signed.Subscription
		if sub.IsPaused() {
			continue
		}
		start, _ := proration.CurrentBillingPeriod(sub, now.Unix())

		due, err := s.isDue(ctx, sub.SubscriptionID, start, now)
		if err != nil {
			s.log.Error("failed to check payment status",
				slog.String("subscription_id", sub.SubscriptionID),
				sl.Err(err),
			)
			failed = append(failed, err)
			continue
		}
		if !due {
			continue
		}

		req := models.NewPaymentRequest(sub, start, now)
		if err := s.publisher.Publish(ctx, rabbitmq.KeyPaymentDue, req); err != nil {
			s.log.Error("failed to publish payment request",
				slog.String("request_id", req.RequestID),
				sl.Err(err),
			)
			failed = append(failed, err)
			continue
		}
		published++
	}

	s.log.Info("due payments checked",
		slog.Int("active", len(active)),
		slog.Int("published", published),
	)
	if len(failed) > 0 {
		return published, fmt.Errorf("%s: %w", op, errors.Join(failed...))
	}
	return published, nil
}

func (s *Service) isDue(ctx context.Context, id string, periodStart int64, now time.Time) (bool, error) {
	rec, err := s.storage.GetFallbackRecord(ctx, id, periodStart)
	switch {
	case errors.Is(err, errs.ErrNotFound):
		return true, nil
	case err != nil:
		return false, err
	}
	switch rec.Status {
	case models.FallbackGracePeriod:
		return now.Unix() < rec.GraceUntil, nil
	default:
		return false, nil
	}
}

// NotifyUpcoming публикует UpcomingPayment для соглашений с автоплатежом,
// у которых следующее списание наступит в пределах NotifyBefore правила.
// Для одного периода уведомление отправляется один раз.
func (s *Service) NotifyUpcoming(ctx context.Context, now time.Time) (int, error) {
	const op = "scheduler.NotifyUpcoming"

	active, err := s.storage.ListActiveSubscriptions(ctx, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	var sent int
	for _, signed := range active {
		sub := signed.Subscription
		if sub.IsPaused() {
			continue
		}
		rule, err := s.storage.GetAutoPayRule(ctx, sub.SubscriptionID)
		if err != nil {
			if !errors.Is(err, errs.ErrNotFound) {
				s.log.Error("failed to get auto-pay rule",
					slog.String("subscription_id", sub.SubscriptionID),
					sl.Err(err),
				)
			}
			continue
		}
		if !rule.Enabled || rule.NotifyBefore == nil {
			continue
		}

		next := proration.NextBillingDate(sub, now.Unix())
		if sub.EndsAt != nil && next >= *sub.EndsAt {
			continue
		}
		if next <= now.Unix() || next-now.Unix() > int64(*rule.NotifyBefore) {
			continue
		}
		key := fmt.Sprintf("%s@%d", sub.SubscriptionID, next)
		if s.notified.Contains(key) {
			continue
		}

		msg := models.UpcomingPayment{
			SubscriptionID: sub.SubscriptionID,
			Subscriber:     sub.Subscriber,
			Amount:         sub.Terms.Amount,
			Currency:       sub.Terms.Currency,
			DueDate:        next,
		}
		if err := s.publisher.Publish(ctx, rabbitmq.KeyPaymentUpcoming, msg); err != nil {
			s.log.Error("failed to publish upcoming payment",
				slog.String("subscription_id", sub.SubscriptionID),
				sl.Err(err),
			)
			continue
		}
		s.notified.Add(key, struct{}{})
		sent++
	}
	return sent, nil
}

// CleanupNonces удаляет nonce, срок которых истёк к now.
func (s *Service) CleanupNonces(ctx context.Context, now time.Time) (int, error) {
	const op = "scheduler.CleanupNonces"
	if s.nonces == nil {
		return 0, nil
	}
	removed, err := s.nonces.CleanupExpired(ctx, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	if removed > 0 {
		s.log.Info("expired nonces removed", slog.Int("count", removed))
	}
	return removed, nil
}

// ExpireGrace закрывает неуспехом записи текущего и предыдущего периода,
// льготный период которых истёк. Запись сохраняется, только если её не
// изменил биллинг после чтения.
func (s *Service) ExpireGrace(ctx context.Context, now time.Time) (int, error) {
	const op = "scheduler.ExpireGrace"
	if s.grace == nil {
		return 0, nil
	}

	active, err := s.storage.ListActiveSubscriptions(ctx, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	var expired int
	for _, signed := range active {
		sub := signed.Subscription
		for _, start := range recentPeriods(sub, now.Unix()) {
			rec, err := s.storage.GetFallbackRecord(ctx, sub.SubscriptionID, start)
			if err != nil {
				continue
			}
			if !s.grace.ExpireGrace(rec, now) {
				continue
			}
			ok, err := s.storage.ClaimFallbackRecord(ctx, rec)
			if err != nil {
				s.log.Error("failed to save expired record",
					slog.String("subscription_id", sub.SubscriptionID),
					sl.Err(err),
				)
				continue
			}
			if !ok {
				s.log.Debug("fallback record changed concurrently, skipping",
					slog.String("subscription_id", sub.SubscriptionID),
					slog.Int64("period_start", start),
				)
				continue
			}
			s.grace.NotifyExhausted(ctx, rec)
			expired++
		}
	}
	return expired, nil
}

func recentPeriods(sub *models.Subscription, now int64) []int64 {
	start, _ := proration.CurrentBillingPeriod(sub, now)
	if start <= sub.StartsAt {
		return []int64{start}
	}
	prev, _ := proration.CurrentBillingPeriod(sub, start-1)
	return []int64{start, prev}
}
