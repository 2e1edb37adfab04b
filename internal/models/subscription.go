// Package models содержит доменные сущности ядра подписок: условия,
// подписки и их подписанную форму, правила автоплатежей, лимиты
// расходов, модификации и записи о резервных методах оплаты.
package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/amount"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/errs"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/identity"
)

const (
	secondsPerDay = 24 * 60 * 60
)

// FrequencyKind — вид периодичности платежей.
type FrequencyKind string

// Поддерживаемые периодичности.
const (
	FrequencyDaily   FrequencyKind = "daily"
	FrequencyWeekly  FrequencyKind = "weekly"
	FrequencyMonthly FrequencyKind = "monthly"
	FrequencyYearly  FrequencyKind = "yearly"
	FrequencyCustom  FrequencyKind = "custom"
)

// PaymentFrequency описывает, как часто списывается платёж.
type PaymentFrequency struct {
	Kind            FrequencyKind `json:"kind"`
	DayOfMonth      uint8         `json:"day_of_month,omitempty"`
	Month           uint8         `json:"month,omitempty"`
	Day             uint8         `json:"day,omitempty"`
	IntervalSeconds uint64        `json:"interval_seconds,omitempty"`
}

// Daily — ежедневный платёж.
func Daily() PaymentFrequency { return PaymentFrequency{Kind: FrequencyDaily} }

// Weekly — еженедельный платёж.
func Weekly() PaymentFrequency { return PaymentFrequency{Kind: FrequencyWeekly} }

// Monthly — ежемесячный платёж в указанный день месяца.
func Monthly(dayOfMonth uint8) PaymentFrequency {
	return PaymentFrequency{Kind: FrequencyMonthly, DayOfMonth: dayOfMonth}
}

// Yearly — ежегодный платёж в указанную дату.
func Yearly(month, day uint8) PaymentFrequency {
	return PaymentFrequency{Kind: FrequencyYearly, Month: month, Day: day}
}

// Custom — платёж с произвольным интервалом в секундах.
func Custom(intervalSeconds uint64) PaymentFrequency {
	return PaymentFrequency{Kind: FrequencyCustom, IntervalSeconds: intervalSeconds}
}

// Seconds возвращает приблизительную длину периода в секундах.
func (f PaymentFrequency) Seconds() int64 {
	switch f.Kind {
	case FrequencyDaily:
		return secondsPerDay
	case FrequencyWeekly:
		return 7 * secondsPerDay
	case FrequencyMonthly:
		return 30 * secondsPerDay
	case FrequencyYearly:
		return 365 * secondsPerDay
	case FrequencyCustom:
		return int64(f.IntervalSeconds)
	default:
		return 0
	}
}

// Validate проверяет параметры периодичности.
func (f PaymentFrequency) Validate() error {
	switch f.Kind {
	case FrequencyDaily, FrequencyWeekly:
		return nil
	case FrequencyMonthly:
		if f.DayOfMonth < 1 || f.DayOfMonth > 31 {
			return errs.InvalidArgument("day_of_month must be within 1..31, got %d", f.DayOfMonth)
		}
	case FrequencyYearly:
		if f.Month < 1 || f.Month > 12 {
			return errs.InvalidArgument("month must be within 1..12, got %d", f.Month)
		}
		if f.Day < 1 || f.Day > 31 {
			return errs.InvalidArgument("day must be within 1..31, got %d", f.Day)
		}
	case FrequencyCustom:
		if f.IntervalSeconds == 0 {
			return errs.InvalidArgument("custom interval must be positive")
		}
	default:
		return errs.InvalidArgument("unknown frequency %q", f.Kind)
	}
	return nil
}

func (f PaymentFrequency) String() string {
	switch f.Kind {
	case FrequencyDaily:
		return "Daily"
	case FrequencyWeekly:
		return "Weekly"
	case FrequencyMonthly:
		return fmt.Sprintf("Monthly (day %d)", f.DayOfMonth)
	case FrequencyYearly:
		return fmt.Sprintf("Yearly (%d/%d)", f.Month, f.Day)
	case FrequencyCustom:
		return fmt.Sprintf("Every %d seconds", f.IntervalSeconds)
	default:
		return string(f.Kind)
	}
}

// SubscriptionTerms — условия подписки. Неизменяемы после встраивания в Subscription.
type SubscriptionTerms struct {
	Amount             amount.Amount    `json:"amount"`
	Currency           string           `json:"currency"`
	Frequency          PaymentFrequency `json:"frequency"`
	Method             string           `json:"method"`
	MaxAmountPerPeriod *amount.Amount   `json:"max_amount_per_period,omitempty"`
	Description        string           `json:"description"`
}

// NewSubscriptionTerms создаёт условия без ограничения суммы за период.
func NewSubscriptionTerms(amt amount.Amount, currency string, frequency PaymentFrequency, method, description string) SubscriptionTerms {
	return SubscriptionTerms{
		Amount:      amt,
		Currency:    currency,
		Frequency:   frequency,
		Method:      method,
		Description: description,
	}
}

// WithMaxAmount задаёт ограничение суммы за период.
func (t SubscriptionTerms) WithMaxAmount(limit amount.Amount) SubscriptionTerms {
	t.MaxAmountPerPeriod = &limit
	return t
}

// Validate проверяет условия.
func (t SubscriptionTerms) Validate() error {
	if t.Currency == "" {
		return errs.InvalidArgument("currency cannot be empty")
	}
	if t.Description == "" {
		return errs.InvalidArgument("description cannot be empty")
	}
	if t.Method == "" {
		return errs.InvalidArgument("payment method cannot be empty")
	}
	if !t.Amount.IsPositive() {
		return errs.InvalidArgument("amount must be positive")
	}
	if t.MaxAmountPerPeriod != nil && t.MaxAmountPerPeriod.LessThan(t.Amount) {
		return errs.InvalidArgument("max amount per period is below the payment amount")
	}
	return t.Frequency.Validate()
}

// Subscription — соглашение о регулярных платежах между подписчиком и провайдером.
//
// Версии неизменяемы: модификация создаёт новую версию с тем же SubscriptionID.
type Subscription struct {
	SubscriptionID string             `json:"subscription_id"`
	Version        uint32             `json:"version"`
	Subscriber     identity.PublicKey `json:"subscriber"`
	Provider       identity.PublicKey `json:"provider"`
	Terms          SubscriptionTerms  `json:"terms"`
	Metadata       map[string]string  `json:"metadata,omitempty"`
	CreatedAt      int64              `json:"created_at"`
	StartsAt       int64              `json:"starts_at"`
	EndsAt         *int64             `json:"ends_at,omitempty"`
}

// NewSubscription создаёт первую версию подписки со сгенерированным идентификатором.
func NewSubscription(subscriber, provider identity.PublicKey, terms SubscriptionTerms) *Subscription {
	return NewSubscriptionWithID("sub_"+uuid.NewString(), subscriber, provider, terms)
}

// NewSubscriptionWithID создаёт первую версию подписки с заданным идентификатором.
func NewSubscriptionWithID(id string, subscriber, provider identity.PublicKey, terms SubscriptionTerms) *Subscription {
	now := time.Now().Unix()
	return &Subscription{
		SubscriptionID: id,
		Version:        1,
		Subscriber:     subscriber,
		Provider:       provider,
		Terms:          terms,
		Metadata:       map[string]string{},
		CreatedAt:      now,
		StartsAt:       now,
	}
}

// WithMetadata возвращает копию с добавленным ключом метаданных.
func (s *Subscription) WithMetadata(key, value string) *Subscription {
	c := s.Clone()
	c.Metadata[key] = value
	return c
}

// WithStartsAt возвращает копию с новым временем начала.
func (s *Subscription) WithStartsAt(startsAt int64) *Subscription {
	c := s.Clone()
	c.StartsAt = startsAt
	return c
}

// WithEndsAt возвращает копию с временем окончания.
func (s *Subscription) WithEndsAt(endsAt int64) *Subscription {
	c := s.Clone()
	c.EndsAt = &endsAt
	return c
}

// Clone возвращает глубокую копию.
func (s *Subscription) Clone() *Subscription {
	c := *s
	c.Metadata = make(map[string]string, len(s.Metadata))
	for k, v := range s.Metadata {
		c.Metadata[k] = v
	}
	if s.EndsAt != nil {
		end := *s.EndsAt
		c.EndsAt = &end
	}
	if s.Terms.MaxAmountPerPeriod != nil {
		limit := *s.Terms.MaxAmountPerPeriod
		c.Terms.MaxAmountPerPeriod = &limit
	}
	return &c
}

// Validate проверяет подписку перед подписанием или сохранением.
func (s *Subscription) Validate() error {
	if s.SubscriptionID == "" {
		return errs.InvalidArgument("subscription id cannot be empty")
	}
	if s.Version == 0 {
		return errs.InvalidArgument("subscription version must start at 1")
	}
	if s.Subscriber == "" || s.Provider == "" {
		return errs.InvalidArgument("subscriber and provider are required")
	}
	if s.Subscriber == s.Provider {
		return errs.InvalidArgument("subscriber and provider must be different")
	}
	if s.StartsAt < 0 {
		return errs.InvalidArgument("starts_at cannot be negative")
	}
	if s.EndsAt != nil && *s.EndsAt <= s.StartsAt {
		return errs.InvalidArgument("ends_at must be after starts_at")
	}
	return s.Terms.Validate()
}

// IsActive сообщает, что момент now попадает в [starts_at, ends_at).
func (s *Subscription) IsActive(now int64) bool {
	if now < s.StartsAt {
		return false
	}
	return s.EndsAt == nil || now < *s.EndsAt
}

// IsExpired сообщает, что подписка закончилась к моменту now.
func (s *Subscription) IsExpired(now int64) bool {
	return s.EndsAt != nil && now >= *s.EndsAt
}

// Counterparty возвращает вторую сторону подписки относительно peer.
func (s *Subscription) Counterparty(peer identity.PublicKey) (identity.PublicKey, bool) {
	switch peer {
	case s.Subscriber:
		return s.Provider, true
	case s.Provider:
		return s.Subscriber, true
	default:
		return "", false
	}
}

// LifecycleState — состояние подписки в жизненном цикле.
type LifecycleState string

// Состояния жизненного цикла.
const (
	StatePending  LifecycleState = "pending"
	StateSigned   LifecycleState = "signed"
	StateActive   LifecycleState = "active"
	StateModified LifecycleState = "modified"
	StateEnded    LifecycleState = "ended"
)

// Lifecycle вычисляет состояние версии подписки.
//
// signed — для версии есть обе действительные подписи, superseded — существует
// более новая версия, cancelled — версия завершена отменой.
func Lifecycle(sub *Subscription, signed, superseded, cancelled bool, now int64) LifecycleState {
	switch {
	case cancelled || sub.IsExpired(now):
		return StateEnded
	case superseded:
		return StateModified
	case !signed:
		return StatePending
	case sub.IsActive(now):
		return StateActive
	default:
		return StateSigned
	}
}
