// Package fallback упорядочивает методы оплаты для периода подписки
// и ведёт аудит попыток. Сама оплата выполняется снаружи.
package fallback

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/amount"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/sl"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/models"
)

// Методы оплаты по умолчанию.
const (
	MethodLightning = "lightning"
	MethodOnchain   = "onchain"
)

// Policy — приоритеты методов (меньше — раньше) и параметры повторов.
type Policy struct {
	Priorities          map[string]uint32
	MaxMethods          int
	MaxRetriesPerMethod int
	RetryDelay          time.Duration
	NotifyOnFallback    bool
	GracePeriod         time.Duration
}

// DefaultPolicy возвращает политику: lightning, затем onchain; до трёх
// методов, по две попытки на метод, пауза 60 секунд, льготный период сутки.
func DefaultPolicy() Policy {
	return Policy{
		Priorities: map[string]uint32{
			MethodLightning: 1,
			MethodOnchain:   2,
		},
		MaxMethods:          3,
		MaxRetriesPerMethod: 2,
		RetryDelay:          60 * time.Second,
		NotifyOnFallback:    true,
		GracePeriod:         24 * time.Hour,
	}
}

// WithMethod возвращает копию политики с методом method и приоритетом priority.
func (p Policy) WithMethod(method string, priority uint32) Policy {
	priorities := make(map[string]uint32, len(p.Priorities)+1)
	for k, v := range p.Priorities {
		priorities[k] = v
	}
	priorities[method] = priority
	p.Priorities = priorities
	return p
}

// Priority возвращает приоритет метода.
func (p Policy) Priority(method string) (uint32, bool) {
	v, ok := p.Priorities[method]
	return v, ok
}

// HasMethod сообщает, известен ли метод политике.
func (p Policy) HasMethod(method string) bool {
	_, ok := p.Priorities[method]
	return ok
}

// OrderedMethods возвращает методы по возрастанию приоритета,
// при равенстве по имени.
func (p Policy) OrderedMethods() []string {
	methods := make([]string, 0, len(p.Priorities))
	for m := range p.Priorities {
		methods = append(methods, m)
	}
	slices.SortFunc(methods, func(a, b string) int {
		if c := cmp.Compare(p.Priorities[a], p.Priorities[b]); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})
	return methods
}

// Notifier доставляет уведомления о ходе оплаты.
type Notifier interface {
	Notify(ctx context.Context, n models.FallbackNotification) error
}

// Handler применяет политику к конкретной подписке.
type Handler struct {
	policy   Policy
	notifier Notifier
	log      *slog.Logger
	now      func() time.Time
}

// NewHandler создаёт обработчик. notifier может быть nil.
func NewHandler(policy Policy, notifier Notifier, log *slog.Logger) *Handler {
	return &Handler{
		policy:   policy,
		notifier: notifier,
		log:      log,
		now:      time.Now,
	}
}

// WithDefaults создаёт обработчик с политикой по умолчанию и без уведомлений.
func WithDefaults(log *slog.Logger) *Handler {
	return NewHandler(DefaultPolicy(), nil, log)
}

// WithClock подменяет источник времени.
func (h *Handler) WithClock(now func() time.Time) *Handler {
	h.now = now
	return h
}

// Policy возвращает политику обработчика.
func (h *Handler) Policy() Policy {
	return h.policy
}

// AttemptPlan возвращает порядок методов для подписки: сначала метод
// из условий подписки, затем резервные. Длина ограничена MaxMethods.
func (h *Handler) AttemptPlan(sub *models.Subscription) []string {
	primary := sub.Terms.Method
	plan := append([]string{primary}, h.GetFallbackMethods(primary)...)
	if h.policy.MaxMethods > 0 && len(plan) > h.policy.MaxMethods {
		plan = plan[:h.policy.MaxMethods]
	}
	return plan
}

// GetFallbackMethods возвращает резервные методы для primary в порядке приоритета.
func (h *Handler) GetFallbackMethods(primary string) []string {
	ordered := h.policy.OrderedMethods()
	out := ordered[:0]
	for _, m := range ordered {
		if m != primary {
			out = append(out, m)
		}
	}
	return out
}

// HasFallbackFor сообщает, есть ли хотя бы один резервный метод.
func (h *Handler) HasFallbackFor(primary string) bool {
	return len(h.GetFallbackMethods(primary)) > 0
}

// Attempts возвращает число попыток одного метода.
func (h *Handler) Attempts() int {
	return max(h.policy.MaxRetriesPerMethod, 1)
}

// Begin открывает запись о попытках оплаты периода.
func (h *Handler) Begin(subscriptionID string, periodStart int64, amt amount.Amount) *models.FallbackRecord {
	return models.NewFallbackRecord(subscriptionID, periodStart, amt, h.now())
}

// WaitRetry ждёт RetryDelay перед повторной попыткой.
func (h *Handler) WaitRetry(ctx context.Context) error {
	if h.policy.RetryDelay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(h.policy.RetryDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RecordAttempt добавляет попытку в запись. Если метод исчерпан и в плане
// есть следующий, отправляет уведомление о переходе на резервный метод.
func (h *Handler) RecordAttempt(ctx context.Context, rec *models.FallbackRecord, method, next string, attemptErr error, duration time.Duration) {
	rec.RecordAttempt(method, attemptErr, h.now(), duration)
	if attemptErr == nil || next == "" {
		return
	}
	h.log.Warn("payment method failed, falling back",
		slog.String("subscription_id", rec.SubscriptionID),
		slog.String("method", method),
		slog.String("next_method", next),
		sl.Err(attemptErr),
	)
	h.notify(ctx, models.FallbackNotification{
		Kind:           models.NotifyFallbackActivated,
		SubscriptionID: rec.SubscriptionID,
		FailedMethod:   method,
		NextMethod:     next,
		Error:          attemptErr.Error(),
	})
}

// Finish закрывает запись после последней попытки.
//
// Успех резервным методом порождает уведомление об успехе. Неуспех при
// ненулевом GracePeriod переводит запись в льготный период, иначе
// запись помечается неуспешной. Запись, уже находящаяся в льготном
// периоде, остаётся в нём с прежним сроком.
func (h *Handler) Finish(ctx context.Context, rec *models.FallbackRecord, primary string) {
	switch {
	case rec.Status == models.FallbackSucceeded:
		if rec.SuccessfulMethod != primary {
			h.notify(ctx, models.FallbackNotification{
				Kind:           models.NotifyFallbackSucceeded,
				SubscriptionID: rec.SubscriptionID,
				Method:         rec.SuccessfulMethod,
				MethodsTried:   rec.MethodsTried(),
			})
		}
	case rec.Status == models.FallbackGracePeriod:
		// Повтор в льготный период не продлевает его.
	case h.policy.GracePeriod > 0:
		until := h.now().Add(h.policy.GracePeriod).Unix()
		rec.MarkGracePeriod(until)
		h.notify(ctx, models.FallbackNotification{
			Kind:           models.NotifyGracePeriodStarted,
			SubscriptionID: rec.SubscriptionID,
			MethodsTried:   rec.MethodsTried(),
			GraceUntil:     until,
		})
	default:
		rec.MarkFailed()
		h.notify(ctx, models.FallbackNotification{
			Kind:           models.NotifyFallbackExhausted,
			SubscriptionID: rec.SubscriptionID,
			MethodsTried:   rec.MethodsTried(),
		})
	}
}

func (h *Handler) notify(ctx context.Context, n models.FallbackNotification) {
	if h.notifier == nil || !h.policy.NotifyOnFallback {
		return
	}
	if err := h.notifier.Notify(ctx, n); err != nil {
		h.log.Error("failed to send fallback notification",
			slog.String("subscription_id", n.SubscriptionID),
			slog.String("kind", string(n.Kind)),
			sl.Err(err),
		)
	}
}

// ExpireGrace закрывает запись неуспехом, если льготный период истёк к now.
// Уведомление отправляет NotifyExhausted после сохранения записи.
func (h *Handler) ExpireGrace(rec *models.FallbackRecord, now time.Time) bool {
	if rec.Status != models.FallbackGracePeriod || now.Unix() < rec.GraceUntil {
		return false
	}
	rec.MarkFailed()
	return true
}

// NotifyExhausted сообщает, что все попытки оплаты периода исчерпаны.
func (h *Handler) NotifyExhausted(ctx context.Context, rec *models.FallbackRecord) {
	h.notify(ctx, models.FallbackNotification{
		Kind:           models.NotifyFallbackExhausted,
		SubscriptionID: rec.SubscriptionID,
		MethodsTried:   rec.MethodsTried(),
	})
}

// Publisher публикует сообщение с ключом маршрутизации.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, message any) error
}

type publisherNotifier struct {
	pub Publisher
	key string
}

// NewPublisherNotifier отправляет уведомления через брокер сообщений.
func NewPublisherNotifier(pub Publisher, routingKey string) Notifier {
	return &publisherNotifier{pub: pub, key: routingKey}
}

func (n *publisherNotifier) Notify(ctx context.Context, msg models.FallbackNotification) error {
	return n.pub.Publish(ctx, n.key, msg)
}
