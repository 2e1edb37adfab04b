package models

import (
	"time"

	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/amount"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/errs"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/identity"
)

// Period — метка периода лимита.
type Period string

// Известные периоды. Для прочих меток сброс не выполняется.
const (
	PeriodDaily   Period = "daily"
	PeriodWeekly  Period = "weekly"
	PeriodMonthly Period = "monthly"
)

// Duration возвращает длину периода; ok=false для неизвестной метки.
func (p Period) Duration() (time.Duration, bool) {
	switch p {
	case PeriodDaily:
		return 24 * time.Hour, true
	case PeriodWeekly:
		return 7 * 24 * time.Hour, true
	case PeriodMonthly:
		return 30 * 24 * time.Hour, true
	default:
		return 0, false
	}
}

const defaultNotifyBefore = 3600

// AutoPayRule — правило автоматической оплаты для одной подписки.
type AutoPayRule struct {
	SubscriptionID          string             `json:"subscription_id"`
	Peer                    identity.PublicKey `json:"peer"`
	MethodID                string             `json:"method_id"`
	Enabled                 bool               `json:"enabled"`
	MaxAmountPerPayment     *amount.Amount     `json:"max_amount_per_payment,omitempty"`
	MaxTotalAmountPerPeriod *amount.Amount     `json:"max_total_amount_per_period,omitempty"`
	Period                  Period             `json:"period"`
	RequireConfirmation     bool               `json:"require_confirmation"`
	NotifyBefore            *uint64            `json:"notify_before,omitempty"`
}

// NewAutoPayRule создаёт включённое правило с периодом "monthly" и уведомлением за час.
func NewAutoPayRule(subscriptionID string, peer identity.PublicKey, methodID string) AutoPayRule {
	notify := uint64(defaultNotifyBefore)
	return AutoPayRule{
		SubscriptionID: subscriptionID,
		Peer:           peer,
		MethodID:       methodID,
		Enabled:        true,
		Period:         PeriodMonthly,
		NotifyBefore:   &notify,
	}
}

// WithMaxPaymentAmount ограничивает сумму одного платежа.
func (r AutoPayRule) WithMaxPaymentAmount(limit amount.Amount) AutoPayRule {
	r.MaxAmountPerPayment = &limit
	return r
}

// WithMaxPeriodAmount ограничивает сумму за период.
func (r AutoPayRule) WithMaxPeriodAmount(limit amount.Amount, period Period) AutoPayRule {
	r.MaxTotalAmountPerPeriod = &limit
	r.Period = period
	return r
}

// WithConfirmation требует ручного подтверждения каждого платежа.
func (r AutoPayRule) WithConfirmation(required bool) AutoPayRule {
	r.RequireConfirmation = required
	return r
}

// WithNotification задаёт, за сколько секунд до платежа уведомлять.
func (r AutoPayRule) WithNotification(seconds uint64) AutoPayRule {
	r.NotifyBefore = &seconds
	return r
}

// Validate проверяет правило.
func (r AutoPayRule) Validate() error {
	if r.SubscriptionID == "" {
		return errs.InvalidArgument("subscription id cannot be empty")
	}
	if r.Peer == "" {
		return errs.InvalidArgument("peer cannot be empty")
	}
	if r.MethodID == "" {
		return errs.InvalidArgument("method id cannot be empty")
	}
	if r.MaxAmountPerPayment != nil && r.MaxAmountPerPayment.IsNegative() {
		return errs.InvalidArgument("max amount per payment cannot be negative")
	}
	if r.MaxTotalAmountPerPeriod != nil && r.MaxTotalAmountPerPeriod.IsNegative() {
		return errs.InvalidArgument("max amount per period cannot be negative")
	}
	return nil
}

// IsAmountWithinLimit проверяет лимит одного платежа. Без лимита — всегда true.
func (r AutoPayRule) IsAmountWithinLimit(a amount.Amount) bool {
	if r.MaxAmountPerPayment == nil {
		return true
	}
	return a.IsWithinLimit(*r.MaxAmountPerPayment)
}

// PeerSpendingLimit — лимит суммарных расходов по одному контрагенту.
//
// CurrentSpent меняется только через протокол резервирования
// (reserve/commit/rollback); прямые изменения из кода биллинга недопустимы.
type PeerSpendingLimit struct {
	Peer             identity.PublicKey `json:"peer"`
	TotalAmountLimit amount.Amount      `json:"total_amount_limit"`
	Period           Period             `json:"period"`
	CurrentSpent     amount.Amount      `json:"current_spent"`
	LastReset        int64              `json:"last_reset"`
}

// NewPeerSpendingLimit создаёт лимит с нулевыми расходами.
func NewPeerSpendingLimit(peer identity.PublicKey, total amount.Amount, period Period, now time.Time) PeerSpendingLimit {
	return PeerSpendingLimit{
		Peer:             peer,
		TotalAmountLimit: total,
		Period:           period,
		CurrentSpent:     amount.Zero(),
		LastReset:        now.Unix(),
	}
}

// WouldExceedLimit сообщает, превысит ли списание a лимит.
func (l *PeerSpendingLimit) WouldExceedLimit(a amount.Amount) bool {
	return l.CurrentSpent.WouldExceed(a, l.TotalAmountLimit)
}

// AddSpent увеличивает расходы. Переполнение возвращает ErrOverflow.
func (l *PeerSpendingLimit) AddSpent(a amount.Amount) error {
	sum, ok := l.CurrentSpent.CheckedAdd(a)
	if !ok {
		return errs.ErrOverflow
	}
	l.CurrentSpent = sum
	return nil
}

// RemainingLimit возвращает остаток лимита, не меньше нуля.
func (l *PeerSpendingLimit) RemainingLimit() amount.Amount {
	return l.TotalAmountLimit.Sub(l.CurrentSpent)
}

// ShouldReset сообщает, что с последнего сброса прошёл хотя бы один период.
func (l *PeerSpendingLimit) ShouldReset(now time.Time) bool {
	d, ok := l.Period.Duration()
	if !ok {
		return false
	}
	return now.Unix()-l.LastReset >= int64(d.Seconds())
}

// Reset обнуляет расходы и переносит момент сброса на now.
//
// Пропущенные периоды не накапливаются: после простоя лимит просто
// начинается заново с момента обращения.
func (l *PeerSpendingLimit) Reset(now time.Time) {
	l.CurrentSpent = amount.Zero()
	l.LastReset = now.Unix()
}

// ReservationToken — непрозрачный дескриптор предварительного списания.
//
// Epoch фиксирует LastReset лимита на момент резервирования: если период
// сбросился до отката, откат ничего не вычитает.
type ReservationToken struct {
	TokenID    string             `json:"token_id"`
	Peer       identity.PublicKey `json:"peer"`
	Amount     amount.Amount      `json:"amount"`
	ReservedAt int64              `json:"reserved_at"`
	Epoch      int64              `json:"epoch"`
}
