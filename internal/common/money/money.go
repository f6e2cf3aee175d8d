package money

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Currency identifies the asset an amount is denominated in
type Currency string

const (
	SOL Currency = "SOL"
)

// CurrencyInfo contains metadata about a currency
type CurrencyInfo struct {
	Code       Currency
	MinorUnits int32 // Number of decimal places of the smallest indivisible unit
	MinorName  string
}

var currencies = map[Currency]CurrencyInfo{
	SOL: {Code: SOL, MinorUnits: 9, MinorName: "lamports"},
}

// Common errors
var (
	ErrUnknownCurrency = errors.New("unknown currency")
	ErrTooPrecise      = errors.New("amount has more decimal places than the currency supports")
	ErrOverflow        = errors.New("amount overflows minor units")
)

// Money represents an amount in the currency's smallest unit (lamports for SOL).
// Arithmetic never goes through floating point.
type Money struct {
	AmountMinor int64    `json:"amount_minor"`
	Currency    Currency `json:"currency"`
}

// New creates a new Money value from minor units
func New(amountMinor int64, currency Currency) Money {
	return Money{
		AmountMinor: amountMinor,
		Currency:    currency,
	}
}

// Lamports is shorthand for New(amount, SOL)
func Lamports(amount int64) Money {
	return New(amount, SOL)
}

// ParseMajor parses a decimal string in major units (e.g. "0.1" SOL).
// It fails rather than rounds when the value is finer than one minor unit.
func ParseMajor(s string, currency Currency) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, fmt.Errorf("parsing amount %q: %w", s, err)
	}
	return FromMajor(d, currency)
}

// FromMajor converts a decimal in major units to Money
func FromMajor(d decimal.Decimal, currency Currency) (Money, error) {
	info, ok := currencies[currency]
	if !ok {
		return Money{}, fmt.Errorf("%w: %s", ErrUnknownCurrency, currency)
	}
	minor := d.Shift(info.MinorUnits)
	if !minor.IsInteger() {
		return Money{}, fmt.Errorf("%w: %s", ErrTooPrecise, d.String())
	}
	if !minor.BigInt().IsInt64() {
		return Money{}, fmt.Errorf("%w: %s", ErrOverflow, d.String())
	}
	return Money{AmountMinor: minor.IntPart(), Currency: currency}, nil
}

// Major returns the amount in major units as an exact decimal
func (m Money) Major() decimal.Decimal {
	info, ok := currencies[m.Currency]
	if !ok {
		return decimal.NewFromInt(m.AmountMinor)
	}
	return decimal.New(m.AmountMinor, -info.MinorUnits)
}

// IsZero returns true if the amount is zero
func (m Money) IsZero() bool {
	return m.AmountMinor == 0
}

// IsPositive returns true if the amount is positive
func (m Money) IsPositive() bool {
	return m.AmountMinor > 0
}

// Multiply multiplies by an integer quantity
func (m Money) Multiply(factor int64) (Money, error) {
	if factor != 0 {
		product := m.AmountMinor * factor
		if product/factor != m.AmountMinor {
			return Money{}, fmt.Errorf("%w: %d x %d", ErrOverflow, m.AmountMinor, factor)
		}
	}
	return Money{
		AmountMinor: m.AmountMinor * factor,
		Currency:    m.Currency,
	}, nil
}

// String returns a human-readable representation, e.g. "0.1 SOL"
func (m Money) String() string {
	return fmt.Sprintf("%s %s", m.Major().String(), m.Currency)
}

// MarshalJSON implements json.Marshaler
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		AmountMinor int64  `json:"amount_minor"`
		Amount      string `json:"amount"`
		Currency    string `json:"currency"`
	}{
		AmountMinor: m.AmountMinor,
		Amount:      m.Major().String(),
		Currency:    string(m.Currency),
	})
}

// UnmarshalJSON implements json.Unmarshaler
func (m *Money) UnmarshalJSON(data []byte) error {
	var v struct {
		AmountMinor int64  `json:"amount_minor"`
		Currency    string `json:"currency"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	m.AmountMinor = v.AmountMinor
	m.Currency = Currency(v.Currency)
	return nil
}
