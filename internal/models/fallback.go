package models

import (
	"time"

	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/amount"
)

// FallbackStatus — состояние попытки оплаты за период.
type FallbackStatus string

// Состояния записи о резервных методах.
const (
	FallbackInProgress  FallbackStatus = "in_progress"
	FallbackGracePeriod FallbackStatus = "grace_period"
	FallbackSucceeded   FallbackStatus = "succeeded"
	FallbackFailed      FallbackStatus = "failed"
)

// FallbackAttemptRecord — одна попытка оплаты конкретным методом.
type FallbackAttemptRecord struct {
	Method      string `json:"method"`
	Success     bool   `json:"success"`
	Error       string `json:"error,omitempty"`
	AttemptedAt int64  `json:"attempted_at"`
	DurationMs  int64  `json:"duration_ms"`
}

// FallbackRecord — аудит попыток оплаты за один период подписки.
type FallbackRecord struct {
	SubscriptionID   string                  `json:"subscription_id"`
	PeriodStart      int64                   `json:"period_start"`
	Amount           amount.Amount           `json:"amount"`
	InitiatedAt      int64                   `json:"initiated_at"`
	Attempts         []FallbackAttemptRecord `json:"attempts"`
	Status           FallbackStatus          `json:"status"`
	SuccessfulMethod string                  `json:"successful_method,omitempty"`
	GraceUntil       int64                   `json:"grace_until,omitempty"`
	// ClaimedAt — момент, когда обработчик взял период в работу; 0, если
	// период никем не обрабатывается.
	ClaimedAt int64 `json:"claimed_at,omitempty"`
	// Revision растёт с каждой записью в хранилище и служит для
	// условного обновления.
	Revision int64 `json:"revision"`
}

// NewFallbackRecord открывает запись для периода.
func NewFallbackRecord(subscriptionID string, periodStart int64, amt amount.Amount, now time.Time) *FallbackRecord {
	return &FallbackRecord{
		SubscriptionID: subscriptionID,
		PeriodStart:    periodStart,
		Amount:         amt,
		InitiatedAt:    now.Unix(),
		Status:         FallbackInProgress,
		ClaimedAt:      now.Unix(),
	}
}

// Claim отмечает, что период взят в работу в момент now.
func (r *FallbackRecord) Claim(now time.Time) {
	r.ClaimedAt = now.Unix()
}

// Release снимает отметку о работе над периодом.
func (r *FallbackRecord) Release() {
	r.ClaimedAt = 0
}

// ClaimedWithin сообщает, что период взят в работу менее d назад.
func (r *FallbackRecord) ClaimedWithin(now time.Time, d time.Duration) bool {
	return r.ClaimedAt != 0 && now.Sub(time.Unix(r.ClaimedAt, 0)) < d
}

// RecordAttempt добавляет попытку; успешная попытка закрывает запись.
func (r *FallbackRecord) RecordAttempt(method string, attemptErr error, attemptedAt time.Time, duration time.Duration) {
	attempt := FallbackAttemptRecord{
		Method:      method,
		Success:     attemptErr == nil,
		AttemptedAt: attemptedAt.Unix(),
		DurationMs:  duration.Milliseconds(),
	}
	if attemptErr != nil {
		attempt.Error = attemptErr.Error()
	}
	r.Attempts = append(r.Attempts, attempt)

	if attemptErr == nil {
		r.Status = FallbackSucceeded
		r.SuccessfulMethod = method
	}
}

// MarkFailed закрывает запись неуспехом.
func (r *FallbackRecord) MarkFailed() {
	r.Status = FallbackFailed
}

// MarkGracePeriod переводит запись в льготный период до until.
func (r *FallbackRecord) MarkGracePeriod(until int64) {
	r.Status = FallbackGracePeriod
	r.GraceUntil = until
}

// MethodsTried возвращает методы в порядке попыток без повторов.
func (r *FallbackRecord) MethodsTried() []string {
	seen := make(map[string]struct{}, len(r.Attempts))
	var out []string
	for _, a := range r.Attempts {
		if _, ok := seen[a.Method]; ok {
			continue
		}
		seen[a.Method] = struct{}{}
		out = append(out, a.Method)
	}
	return out
}

// NotificationKind — вид уведомления о резервных методах.
type NotificationKind string

// Виды уведомлений.
const (
	NotifyFallbackActivated  NotificationKind = "fallback_activated"
	NotifyFallbackSucceeded  NotificationKind = "fallback_succeeded"
	NotifyFallbackExhausted  NotificationKind = "fallback_exhausted"
	NotifyGracePeriodStarted NotificationKind = "grace_period_started"
)

// FallbackNotification — событие для подписчика о ходе оплаты.
type FallbackNotification struct {
	Kind           NotificationKind `json:"kind"`
	SubscriptionID string           `json:"subscription_id"`
	FailedMethod   string           `json:"failed_method,omitempty"`
	NextMethod     string           `json:"next_method,omitempty"`
	Method         string           `json:"method,omitempty"`
	MethodsTried   []string         `json:"methods_tried,omitempty"`
	GraceUntil     int64            `json:"grace_until,omitempty"`
	Error          string           `json:"error,omitempty"`
}
