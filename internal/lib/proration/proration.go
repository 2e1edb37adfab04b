// Package proration считает перерасчёт при смене суммы подписки посреди
// расчётного периода и границы расчётных периодов.
//
// Все вычисления выполняются в десятичной арифметике; доля оставшегося
// периода ограничивается отрезком [0, 1].
package proration

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/amount"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/errs"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/models"
)

const (
	secondsPerDay = 86400

	defaultThreshold = 100
	// fractionalPlaces — точность, если округление до целых единиц отключено.
	fractionalPlaces = 8
	divisionPlaces   = 24
)

// RoundingMode определяет, как разрешаются дробные минимальные единицы.
type RoundingMode int

const (
	// RoundNearest — к ближайшему, середина к чётному.
	RoundNearest RoundingMode = iota
	// RoundUp — вверх (в пользу получателя).
	RoundUp
	// RoundDown — вниз (в пользу плательщика).
	RoundDown
)

// Calculator — настройки перерасчёта. Нулевое значение не используется, см. NewCalculator.
type Calculator struct {
	MinThreshold      amount.Amount
	RoundToWholeUnits bool
	Mode              RoundingMode
}

// NewCalculator возвращает калькулятор с порогом 100 и округлением до целых к ближайшему.
func NewCalculator() *Calculator {
	return &Calculator{
		MinThreshold:      amount.FromSats(defaultThreshold),
		RoundToWholeUnits: true,
		Mode:              RoundNearest,
	}
}

// WithRounding возвращает копию с другим режимом округления.
func (c *Calculator) WithRounding(mode RoundingMode) *Calculator {
	cp := *c
	cp.Mode = mode
	return &cp
}

// WithThreshold возвращает копию с другим порогом.
func (c *Calculator) WithThreshold(threshold amount.Amount) *Calculator {
	cp := *c
	cp.MinThreshold = threshold
	return &cp
}

// Calculate считает кредит за неиспользованную часть oldAmount, списание
// за остаток периода по newAmount и итог net = charge - credit.
func (c *Calculator) Calculate(oldAmount, newAmount amount.Amount, periodStart, periodEnd, changeTime int64, currency string) (models.ProratedAmount, error) {
	const op = "proration.Calculate"

	if periodEnd <= periodStart {
		return models.ProratedAmount{}, fmt.Errorf("%s: %w", op, errs.InvalidArgument("period end must be after period start"))
	}
	if oldAmount.IsNegative() || newAmount.IsNegative() {
		return models.ProratedAmount{}, fmt.Errorf("%s: %w", op, errs.InvalidArgument("amounts cannot be negative"))
	}

	change := min(max(changeTime, periodStart), periodEnd)
	total := periodEnd - periodStart
	remaining := periodEnd - change

	credit, err := c.portion(oldAmount, remaining, total)
	if err != nil {
		return models.ProratedAmount{}, fmt.Errorf("%s: %w", op, err)
	}
	charge, err := c.portion(newAmount, remaining, total)
	if err != nil {
		return models.ProratedAmount{}, fmt.Errorf("%s: %w", op, err)
	}
	net, ok := charge.CheckedSub(credit)
	if !ok {
		return models.ProratedAmount{}, fmt.Errorf("%s: %w", op, errs.ErrOverflow)
	}

	fraction := decimal.NewFromInt(remaining).DivRound(decimal.NewFromInt(total), 6)
	return models.ProratedAmount{
		Credit:    credit,
		Charge:    charge,
		NetAmount: net,
		Currency:  currency,
		Details: models.ProrationDetails{
			OldAmount:         oldAmount,
			NewAmount:         newAmount,
			PeriodStart:       periodStart,
			PeriodEnd:         periodEnd,
			ChangeTime:        changeTime,
			RemainingFraction: fraction.String(),
			TotalDays:         total / secondsPerDay,
			DaysRemaining:     remaining / secondsPerDay,
		},
	}, nil
}

func (c *Calculator) portion(a amount.Amount, remaining, total int64) (amount.Amount, error) {
	raw := a.Decimal().
		Mul(decimal.NewFromInt(remaining)).
		DivRound(decimal.NewFromInt(total), divisionPlaces)
	return amount.FromDecimal(c.round(raw))
}

func (c *Calculator) round(d decimal.Decimal) decimal.Decimal {
	places := int32(fractionalPlaces)
	if c.RoundToWholeUnits {
		places = 0
	}
	switch c.Mode {
	case RoundUp:
		return d.RoundCeil(places)
	case RoundDown:
		return d.RoundFloor(places)
	default:
		return d.RoundBank(places)
	}
}

// CalculateFromModification считает перерасчёт для повышения или понижения суммы.
func (c *Calculator) CalculateFromModification(current *models.Subscription, req models.ModificationRequest, periodStart, periodEnd int64) (models.ProratedAmount, error) {
	const op = "proration.CalculateFromModification"

	if !req.Type.RequiresProration() || req.Type.NewAmount == nil {
		return models.ProratedAmount{}, fmt.Errorf("%s: %w", op, errs.InvalidArgument("%s does not change the amount", req.Type.Kind))
	}
	effective, _ := req.Type.Effective()
	return c.Calculate(current.Terms.Amount, *req.Type.NewAmount, periodStart, periodEnd, effective, current.Terms.Currency)
}

// ShouldProrate сообщает, что модуль итоговой суммы не меньше порога.
func (c *Calculator) ShouldProrate(p models.ProratedAmount) bool {
	return !p.NetAbsolute().LessThan(c.MinThreshold)
}

// CurrentBillingPeriod возвращает границы периода, содержащего now.
//
// Ежемесячные и ежегодные периоды календарные (UTC), день списания
// ограничивается длиной месяца. До начала подписки возвращается первый период.
func CurrentBillingPeriod(sub *models.Subscription, now int64) (start, end int64) {
	if now < sub.StartsAt {
		now = sub.StartsAt
	}
	f := sub.Terms.Frequency

	switch f.Kind {
	case models.FrequencyMonthly:
		t := time.Unix(now, 0).UTC()
		anchor := monthlyAnchor(t.Year(), t.Month(), f.DayOfMonth)
		if anchor.After(t) {
			anchor = monthlyAnchor(t.Year(), t.Month()-1, f.DayOfMonth)
		}
		next := monthlyAnchor(anchor.Year(), anchor.Month()+1, f.DayOfMonth)
		start, end = anchor.Unix(), next.Unix()
	case models.FrequencyYearly:
		t := time.Unix(now, 0).UTC()
		anchor := yearlyAnchor(t.Year(), f.Month, f.Day)
		if anchor.After(t) {
			anchor = yearlyAnchor(t.Year()-1, f.Month, f.Day)
		}
		start, end = anchor.Unix(), yearlyAnchor(anchor.Year()+1, f.Month, f.Day).Unix()
	default:
		step := f.Seconds()
		if step <= 0 {
			return sub.StartsAt, sub.StartsAt
		}
		k := (now - sub.StartsAt) / step
		start = sub.StartsAt + k*step
		end = start + step
	}

	if start < sub.StartsAt {
		start = sub.StartsAt
	}
	return start, end
}

// NextBillingDate возвращает начало следующего периода после now.
func NextBillingDate(sub *models.Subscription, now int64) int64 {
	if now < sub.StartsAt {
		return sub.StartsAt
	}
	_, end := CurrentBillingPeriod(sub, now)
	return end
}

// DaysRemainingInPeriod возвращает число полных дней до конца текущего периода.
func DaysRemainingInPeriod(sub *models.Subscription, now int64) int64 {
	_, end := CurrentBillingPeriod(sub, now)
	if end <= now {
		return 0
	}
	return (end - now) / secondsPerDay
}

func monthlyAnchor(year int, month time.Month, day uint8) time.Time {
	first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	last := first.AddDate(0, 1, -1).Day()
	d := min(int(day), last)
	return time.Date(first.Year(), first.Month(), d, 0, 0, 0, 0, time.UTC)
}

func yearlyAnchor(year int, month, day uint8) time.Time {
	return monthlyAnchor(year, time.Month(month), day)
}
