// Package amount реализует денежную величину с фиксированной точкой.
//
// Amount хранит десятичное значение без двоичной плавающей точки. Вся
// арифметика либо проверяемая (Checked*), либо явно насыщающая
// (Saturating*). Диапазон значений ограничен ±MaxString.
package amount

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/errs"
)

// MaxString — максимальное представимое значение (2^96-1).
const MaxString = "79228162514264337593543950335"

var (
	maxValue = decimal.RequireFromString(MaxString)
	minValue = maxValue.Neg()

	maxInt64 = decimal.NewFromInt(math.MaxInt64)
	minInt64 = decimal.NewFromInt(math.MinInt64)
)

// Amount — неизменяемая денежная величина.
type Amount struct {
	value decimal.Decimal
}

// Zero возвращает нулевую сумму.
func Zero() Amount {
	return Amount{}
}

// Max возвращает максимальную представимую сумму.
func Max() Amount {
	return Amount{value: maxValue}
}

// FromSats создаёт сумму из целого числа минимальных единиц.
func FromSats(sats int64) Amount {
	return Amount{value: decimal.NewFromInt(sats)}
}

// FromDecimal создаёт сумму из decimal, проверяя диапазон.
func FromDecimal(d decimal.Decimal) (Amount, error) {
	if !inRange(d) {
		return Amount{}, errs.InvalidArgument("amount %s is out of range", d.String())
	}
	return Amount{value: d}, nil
}

// Parse разбирает десятичную строку. Экспоненциальная запись не допускается.
func Parse(s string) (Amount, error) {
	const op = "amount.Parse"

	s = strings.TrimSpace(s)
	if s == "" {
		return Amount{}, fmt.Errorf("%s: %w", op, errs.InvalidArgument("empty amount"))
	}
	if strings.ContainsAny(s, "eE") {
		return Amount{}, fmt.Errorf("%s: %w", op, errs.InvalidArgument("malformed amount %q", s))
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("%s: %w", op, errs.InvalidArgument("malformed amount %q", s))
	}
	a, err := FromDecimal(d)
	if err != nil {
		return Amount{}, fmt.Errorf("%s: %w", op, err)
	}
	return a, nil
}

// MustParse как Parse, но паникует при ошибке. Только для констант и тестов.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

func inRange(d decimal.Decimal) bool {
	return d.Cmp(maxValue) <= 0 && d.Cmp(minValue) >= 0
}

// Decimal возвращает внутреннее значение.
func (a Amount) Decimal() decimal.Decimal {
	return a.value
}

// Sats возвращает целую часть суммы, насыщая до границ int64.
func (a Amount) Sats() int64 {
	switch {
	case a.value.Cmp(maxInt64) > 0:
		return math.MaxInt64
	case a.value.Cmp(minInt64) < 0:
		return math.MinInt64
	}
	return a.value.Truncate(0).IntPart()
}

// CheckedAdd складывает суммы; ok=false при выходе за диапазон.
func (a Amount) CheckedAdd(b Amount) (Amount, bool) {
	sum := a.value.Add(b.value)
	if !inRange(sum) {
		return Amount{}, false
	}
	return Amount{value: sum}, true
}

// CheckedSub вычитает b; ok=false при выходе за диапазон.
func (a Amount) CheckedSub(b Amount) (Amount, bool) {
	diff := a.value.Sub(b.value)
	if !inRange(diff) {
		return Amount{}, false
	}
	return Amount{value: diff}, true
}

// SaturatingAdd складывает суммы, ограничивая результат диапазоном.
func (a Amount) SaturatingAdd(b Amount) Amount {
	return Amount{value: clamp(a.value.Add(b.value))}
}

// Sub вычитает b и ограничивает результат снизу нулём.
func (a Amount) Sub(b Amount) Amount {
	diff := a.value.Sub(b.value)
	if diff.Sign() < 0 {
		return Zero()
	}
	return Amount{value: clamp(diff)}
}

// MulInt умножает на целое, насыщая при переполнении.
func (a Amount) MulInt(n int64) Amount {
	return Amount{value: clamp(a.value.Mul(decimal.NewFromInt(n)))}
}

// Div делит на целое с округлением до целых единиц; ok=false при делении на ноль.
func (a Amount) Div(n int64) (Amount, bool) {
	if n == 0 {
		return Amount{}, false
	}
	return Amount{value: a.value.DivRound(decimal.NewFromInt(n), 0)}, true
}

// Percentage возвращает pct процентов от суммы, округлённые до целых единиц.
func (a Amount) Percentage(pct decimal.Decimal) Amount {
	return Amount{value: clamp(a.value.Mul(pct).Div(decimal.NewFromInt(100)).Round(0))}
}

// IsWithinLimit сообщает, что сумма не больше лимита.
func (a Amount) IsWithinLimit(limit Amount) bool {
	return a.value.Cmp(limit.value) <= 0
}

// WouldExceed сообщает, превысит ли a+delta лимит. Переполнение считается превышением.
func (a Amount) WouldExceed(delta, limit Amount) bool {
	sum, ok := a.CheckedAdd(delta)
	if !ok {
		return true
	}
	return !sum.IsWithinLimit(limit)
}

// IsZero сообщает, что сумма равна нулю.
func (a Amount) IsZero() bool {
	return a.value.IsZero()
}

// IsNegative сообщает, что сумма меньше нуля.
func (a Amount) IsNegative() bool {
	return a.value.Sign() < 0
}

// IsPositive сообщает, что сумма больше нуля.
func (a Amount) IsPositive() bool {
	return a.value.Sign() > 0
}

// Abs возвращает модуль суммы.
func (a Amount) Abs() Amount {
	return Amount{value: a.value.Abs()}
}

// Neg возвращает сумму с противоположным знаком.
func (a Amount) Neg() Amount {
	return Amount{value: a.value.Neg()}
}

// Cmp сравнивает суммы: -1, 0 или 1.
func (a Amount) Cmp(b Amount) int {
	return a.value.Cmp(b.value)
}

// Equal сообщает о численном равенстве (1.0 == 1).
func (a Amount) Equal(b Amount) bool {
	return a.value.Equal(b.value)
}

// LessThan сообщает, что a < b.
func (a Amount) LessThan(b Amount) bool {
	return a.value.LessThan(b.value)
}

// GreaterThan сообщает, что a > b.
func (a Amount) GreaterThan(b Amount) bool {
	return a.value.GreaterThan(b.value)
}

// String возвращает каноническую десятичную запись без лишних нулей.
func (a Amount) String() string {
	return a.value.String()
}

// MarshalText кодирует сумму канонической строкой.
func (a Amount) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText разбирает сумму из строки.
func (a *Amount) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// MarshalJSON кодирует сумму JSON-строкой.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON принимает JSON-строку или JSON-число.
func (a *Amount) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("%w: amount must be a string or number", errs.ErrSerialization)
		}
		s = n.String()
	}
	return a.UnmarshalText([]byte(s))
}

// Value реализует driver.Valuer; в БД сумма хранится строкой (NUMERIC).
func (a Amount) Value() (driver.Value, error) {
	return a.String(), nil
}

// Scan реализует sql.Scanner.
func (a *Amount) Scan(src any) error {
	switch v := src.(type) {
	case string:
		return a.UnmarshalText([]byte(v))
	case []byte:
		return a.UnmarshalText(v)
	case int64:
		*a = FromSats(v)
		return nil
	case nil:
		*a = Zero()
		return nil
	default:
		return fmt.Errorf("%w: cannot scan %T into amount", errs.ErrSerialization, src)
	}
}

func clamp(d decimal.Decimal) decimal.Decimal {
	if d.Cmp(maxValue) > 0 {
		return maxValue
	}
	if d.Cmp(minValue) < 0 {
		return minValue
	}
	return d
}
