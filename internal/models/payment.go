package models

import (
	"fmt"
	"time"

	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/amount"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/identity"
)

// PaymentRequest — запрос на оплату очередного периода подписки.
type PaymentRequest struct {
	RequestID      string             `json:"request_id"`
	SubscriptionID string             `json:"subscription_id"`
	From           identity.PublicKey `json:"from"`
	To             identity.PublicKey `json:"to"`
	Amount         amount.Amount      `json:"amount"`
	Currency       string             `json:"currency"`
	Method         string             `json:"method"`
	Description    string             `json:"description"`
	PeriodStart    int64              `json:"period_start"`
	DueDate        int64              `json:"due_date"`
	CreatedAt      int64              `json:"created_at"`
	ExpiresAt      int64              `json:"expires_at"`
}

// NewPaymentRequest строит запрос на оплату периода, начинающегося в periodStart.
func NewPaymentRequest(sub *Subscription, periodStart int64, now time.Time) PaymentRequest {
	return PaymentRequest{
		RequestID:      fmt.Sprintf("req_%s_%d", sub.SubscriptionID, periodStart),
		SubscriptionID: sub.SubscriptionID,
		From:           sub.Subscriber,
		To:             sub.Provider,
		Amount:         sub.Terms.Amount,
		Currency:       sub.Terms.Currency,
		Method:         sub.Terms.Method,
		Description:    sub.Terms.Description,
		PeriodStart:    periodStart,
		DueDate:        periodStart,
		CreatedAt:      now.Unix(),
		ExpiresAt:      periodStart + sub.Terms.Frequency.Seconds(),
	}
}

// UpcomingPayment — уведомление о предстоящем автоплатеже.
type UpcomingPayment struct {
	SubscriptionID string             `json:"subscription_id"`
	Subscriber     identity.PublicKey `json:"subscriber"`
	Amount         amount.Amount      `json:"amount"`
	Currency       string             `json:"currency"`
	DueDate        int64              `json:"due_date"`
}

// PaymentOrder — поручение внешнему исполнителю платежа.
type PaymentOrder struct {
	RequestID string             `json:"request_id"`
	Method    string             `json:"method"`
	Payee     identity.PublicKey `json:"payee"`
	Amount    amount.Amount      `json:"amount"`
	Currency  string             `json:"currency"`
	Memo      string             `json:"memo"`
}

// PaymentReceipt — подтверждение исполненного платежа.
type PaymentReceipt struct {
	PaymentID string `json:"payment_id"`
	Method    string `json:"method"`
	PaidAt    int64  `json:"paid_at"`
}
