package models

import "github.com/magabrotheeeer/paykit-subscriptions/internal/lib/amount"

// ProratedAmount — результат перерасчёта при смене суммы посреди периода.
//
// NetAmount = Charge - Credit; отрицательное значение означает возврат подписчику.
type ProratedAmount struct {
	Credit    amount.Amount    `json:"credit"`
	Charge    amount.Amount    `json:"charge"`
	NetAmount amount.Amount    `json:"net_amount"`
	Currency  string           `json:"currency"`
	Details   ProrationDetails `json:"details"`
}

// ProrationDetails — исходные данные перерасчёта для отображения.
type ProrationDetails struct {
	OldAmount         amount.Amount `json:"old_amount"`
	NewAmount         amount.Amount `json:"new_amount"`
	PeriodStart       int64         `json:"period_start"`
	PeriodEnd         int64         `json:"period_end"`
	ChangeTime        int64         `json:"change_time"`
	RemainingFraction string        `json:"remaining_fraction"`
	TotalDays         int64         `json:"total_days"`
	DaysRemaining     int64         `json:"days_remaining"`
}

// IsRefund сообщает, что подписчику причитается возврат.
func (p ProratedAmount) IsRefund() bool {
	return p.NetAmount.IsNegative()
}

// IsCharge сообщает, что подписчик должен доплатить.
func (p ProratedAmount) IsCharge() bool {
	return p.NetAmount.IsPositive()
}

// IsNeutral сообщает, что перерасчёт не требует движения средств.
func (p ProratedAmount) IsNeutral() bool {
	return p.NetAmount.IsZero()
}

// NetAbsolute возвращает модуль итоговой суммы.
func (p ProratedAmount) NetAbsolute() amount.Amount {
	return p.NetAmount.Abs()
}
