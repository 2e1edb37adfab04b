package models

import (
	"fmt"
	"strconv"
	"time"

	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/amount"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/errs"
)

// Ключи метаданных, которые выставляют модификации.
const (
	MetaCancelledAt  = "cancelled_at"
	MetaCancelReason = "cancel_reason"
	MetaPausedAt     = "paused_at"
	MetaPausedUntil  = "paused_until"
)

// ModificationKind — вид изменения подписки.
type ModificationKind string

// Поддерживаемые изменения.
const (
	ModUpgrade           ModificationKind = "upgrade"
	ModDowngrade         ModificationKind = "downgrade"
	ModChangeMethod      ModificationKind = "change_method"
	ModChangeBillingDate ModificationKind = "change_billing_date"
	ModChangeFrequency   ModificationKind = "change_frequency"
	ModCancel            ModificationKind = "cancel"
	ModPause             ModificationKind = "pause"
	ModResume            ModificationKind = "resume"
)

// ModificationType — изменение вместе с его параметрами.
type ModificationType struct {
	Kind          ModificationKind  `json:"kind"`
	NewAmount     *amount.Amount    `json:"new_amount,omitempty"`
	NewMethod     string            `json:"new_method,omitempty"`
	NewDay        uint8             `json:"new_day,omitempty"`
	NewFrequency  *PaymentFrequency `json:"new_frequency,omitempty"`
	EffectiveDate int64             `json:"effective_date,omitempty"`
	ResumeDate    *int64            `json:"resume_date,omitempty"`
	Reason        string            `json:"reason,omitempty"`
}

// Upgrade повышает сумму платежа с даты effective.
func Upgrade(newAmount amount.Amount, effective int64) ModificationType {
	return ModificationType{Kind: ModUpgrade, NewAmount: &newAmount, EffectiveDate: effective}
}

// Downgrade понижает сумму платежа с даты effective.
func Downgrade(newAmount amount.Amount, effective int64) ModificationType {
	return ModificationType{Kind: ModDowngrade, NewAmount: &newAmount, EffectiveDate: effective}
}

// ChangeMethod меняет метод оплаты.
func ChangeMethod(method string) ModificationType {
	return ModificationType{Kind: ModChangeMethod, NewMethod: method}
}

// ChangeBillingDate переносит день списания (1..28).
func ChangeBillingDate(day uint8) ModificationType {
	return ModificationType{Kind: ModChangeBillingDate, NewDay: day}
}

// ChangeFrequency меняет периодичность.
func ChangeFrequency(f PaymentFrequency) ModificationType {
	return ModificationType{Kind: ModChangeFrequency, NewFrequency: &f}
}

// Cancel завершает подписку с даты effective.
func Cancel(effective int64, reason string) ModificationType {
	return ModificationType{Kind: ModCancel, EffectiveDate: effective, Reason: reason}
}

// Pause приостанавливает подписку; resume — необязательная дата возобновления.
func Pause(resume *int64) ModificationType {
	return ModificationType{Kind: ModPause, ResumeDate: resume}
}

// Resume возобновляет приостановленную подписку.
func Resume() ModificationType {
	return ModificationType{Kind: ModResume}
}

// RequiresProration сообщает, меняет ли изменение сумму посреди периода.
func (m ModificationType) RequiresProration() bool {
	return m.Kind == ModUpgrade || m.Kind == ModDowngrade
}

// Effective возвращает дату вступления в силу; ok=false для немедленных изменений.
func (m ModificationType) Effective() (int64, bool) {
	switch m.Kind {
	case ModUpgrade, ModDowngrade, ModCancel:
		return m.EffectiveDate, true
	default:
		return 0, false
	}
}

// Description возвращает человекочитаемое описание изменения.
func (m ModificationType) Description() string {
	switch m.Kind {
	case ModUpgrade:
		return fmt.Sprintf("Upgrade to %s", m.NewAmount)
	case ModDowngrade:
		return fmt.Sprintf("Downgrade to %s", m.NewAmount)
	case ModChangeMethod:
		return fmt.Sprintf("Change payment method to %s", m.NewMethod)
	case ModChangeBillingDate:
		return fmt.Sprintf("Change billing date to day %d", m.NewDay)
	case ModChangeFrequency:
		return fmt.Sprintf("Change frequency to %s", m.NewFrequency)
	case ModCancel:
		if m.Reason != "" {
			return "Cancel: " + m.Reason
		}
		return "Cancel subscription"
	case ModPause:
		if m.ResumeDate != nil {
			return fmt.Sprintf("Pause until %d", *m.ResumeDate)
		}
		return "Pause indefinitely"
	case ModResume:
		return "Resume subscription"
	default:
		return string(m.Kind)
	}
}

// Requester — инициатор изменения.
type Requester string

// Возможные инициаторы.
const (
	RequestedBySubscriber Requester = "subscriber"
	RequestedByProvider   Requester = "provider"
	RequestedBySystem     Requester = "system"
)

// ModificationRequest — запрос на изменение подписки.
type ModificationRequest struct {
	RequestID      string           `json:"request_id"`
	SubscriptionID string           `json:"subscription_id"`
	RequestedBy    Requester        `json:"requested_by"`
	Type           ModificationType `json:"type"`
	RequestedAt    int64            `json:"requested_at"`
	Note           string           `json:"note,omitempty"`
}

// NewModificationRequest создаёт запрос с идентификатором "mod_<id>_<ts>".
func NewModificationRequest(subscriptionID string, by Requester, typ ModificationType, now time.Time) ModificationRequest {
	return ModificationRequest{
		RequestID:      fmt.Sprintf("mod_%s_%d", subscriptionID, now.UnixNano()),
		SubscriptionID: subscriptionID,
		RequestedBy:    by,
		Type:           typ,
		RequestedAt:    now.Unix(),
	}
}

// WithNote добавляет комментарий к запросу.
func (r ModificationRequest) WithNote(note string) ModificationRequest {
	r.Note = note
	return r
}

// Validate проверяет применимость запроса к текущей версии подписки.
func (r ModificationRequest) Validate(current *Subscription) error {
	if r.SubscriptionID == "" {
		return errs.InvalidArgument("subscription id cannot be empty")
	}
	if r.SubscriptionID != current.SubscriptionID {
		return errs.InvalidArgument("request targets %q, not %q", r.SubscriptionID, current.SubscriptionID)
	}
	if current.IsCancelled() {
		return errs.InvalidArgument("subscription %q is cancelled", current.SubscriptionID)
	}

	t := r.Type
	switch t.Kind {
	case ModUpgrade:
		if t.NewAmount == nil || !t.NewAmount.GreaterThan(current.Terms.Amount) {
			return errs.InvalidArgument("upgrade amount must be greater than current amount %s", current.Terms.Amount)
		}
	case ModDowngrade:
		if t.NewAmount == nil || !t.NewAmount.LessThan(current.Terms.Amount) {
			return errs.InvalidArgument("downgrade amount must be less than current amount %s", current.Terms.Amount)
		}
		if !t.NewAmount.IsPositive() {
			return errs.InvalidArgument("downgrade amount must be positive")
		}
	case ModChangeMethod:
		if t.NewMethod == "" {
			return errs.InvalidArgument("new payment method cannot be empty")
		}
		if t.NewMethod == current.Terms.Method {
			return errs.InvalidArgument("payment method is already %q", t.NewMethod)
		}
	case ModChangeBillingDate:
		if t.NewDay < 1 || t.NewDay > 28 {
			return errs.InvalidArgument("billing day must be within 1..28, got %d", t.NewDay)
		}
		if current.Terms.Frequency.Kind != FrequencyMonthly {
			return errs.InvalidArgument("billing date can only change for monthly subscriptions")
		}
	case ModChangeFrequency:
		if t.NewFrequency == nil {
			return errs.InvalidArgument("new frequency is required")
		}
		if err := t.NewFrequency.Validate(); err != nil {
			return err
		}
	case ModCancel:
	case ModPause:
		if current.IsPaused() {
			return errs.InvalidArgument("subscription %q is already paused", current.SubscriptionID)
		}
		if t.ResumeDate != nil && *t.ResumeDate <= r.RequestedAt {
			return errs.InvalidArgument("resume date must be in the future")
		}
	case ModResume:
		if !current.IsPaused() {
			return errs.InvalidArgument("subscription %q is not paused", current.SubscriptionID)
		}
	default:
		return errs.InvalidArgument("unknown modification %q", t.Kind)
	}
	return nil
}

// Apply создаёт следующую версию подписки. Текущая версия не изменяется.
func (r ModificationRequest) Apply(current *Subscription) (*Subscription, error) {
	const op = "models.ModificationRequest.Apply"

	if err := r.Validate(current); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	next := current.Clone()
	next.Version = current.Version + 1
	next.CreatedAt = r.RequestedAt

	t := r.Type
	switch t.Kind {
	case ModUpgrade, ModDowngrade:
		next.Terms.Amount = *t.NewAmount
		if periodCap := next.Terms.MaxAmountPerPeriod; periodCap != nil && periodCap.LessThan(*t.NewAmount) {
			raised := *t.NewAmount
			next.Terms.MaxAmountPerPeriod = &raised
		}
	case ModChangeMethod:
		next.Terms.Method = t.NewMethod
	case ModChangeBillingDate:
		next.Terms.Frequency.DayOfMonth = t.NewDay
	case ModChangeFrequency:
		next.Terms.Frequency = *t.NewFrequency
	case ModCancel:
		end := t.EffectiveDate
		if end <= next.StartsAt {
			end = next.StartsAt + 1
		}
		if next.EndsAt == nil || end < *next.EndsAt {
			next.EndsAt = &end
		}
		next.Metadata[MetaCancelledAt] = strconv.FormatInt(end, 10)
		if t.Reason != "" {
			next.Metadata[MetaCancelReason] = t.Reason
		}
	case ModPause:
		next.Metadata[MetaPausedAt] = strconv.FormatInt(r.RequestedAt, 10)
		if t.ResumeDate != nil {
			next.Metadata[MetaPausedUntil] = strconv.FormatInt(*t.ResumeDate, 10)
		}
	case ModResume:
		delete(next.Metadata, MetaPausedAt)
		delete(next.Metadata, MetaPausedUntil)
	}

	if err := next.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return next, nil
}

// IsCancelled сообщает, что версия создана отменой.
func (s *Subscription) IsCancelled() bool {
	return s.Metadata[MetaCancelledAt] != ""
}

// IsPaused сообщает, что подписка приостановлена.
func (s *Subscription) IsPaused() bool {
	return s.Metadata[MetaPausedAt] != ""
}

// PausedAt возвращает момент приостановки.
func (s *Subscription) PausedAt() (int64, bool) {
	v, err := strconv.ParseInt(s.Metadata[MetaPausedAt], 10, 64)
	return v, err == nil
}

// ModificationRecord — результат применения запроса.
type ModificationRecord struct {
	Request         ModificationRequest `json:"request"`
	PreviousVersion uint32              `json:"previous_version"`
	NewVersion      uint32              `json:"new_version,omitempty"`
	Success         bool                `json:"success"`
	Error           string              `json:"error,omitempty"`
	Proration       *ProratedAmount     `json:"proration,omitempty"`
	RecordedAt      int64               `json:"recorded_at"`
}

// ModificationHistory — журнал изменений одной подписки в порядке записи.
type ModificationHistory struct {
	SubscriptionID string               `json:"subscription_id"`
	Records        []ModificationRecord `json:"records"`
}

// NewModificationHistory создаёт пустой журнал.
func NewModificationHistory(subscriptionID string) *ModificationHistory {
	return &ModificationHistory{SubscriptionID: subscriptionID}
}

// Record добавляет запись в конец журнала.
func (h *ModificationHistory) Record(rec ModificationRecord) {
	h.Records = append(h.Records, rec)
}

// Latest возвращает последнюю запись.
func (h *ModificationHistory) Latest() (ModificationRecord, bool) {
	if len(h.Records) == 0 {
		return ModificationRecord{}, false
	}
	return h.Records[len(h.Records)-1], true
}

// Successful возвращает только успешно применённые изменения.
func (h *ModificationHistory) Successful() []ModificationRecord {
	var out []ModificationRecord
	for _, rec := range h.Records {
		if rec.Success {
			out = append(out, rec)
		}
	}
	return out
}
