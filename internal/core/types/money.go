// Package types provides common value types.
package types

import (
	"github.com/shopspring/decimal"
)

// Money represents a monetary value with full precision.
// Uses decimal.Decimal to avoid floating-point errors.
type Money = decimal.Decimal

// MustMoney creates a Money value from a string, panics on error.
// Use only for constants.
func MustMoney(s string) Money {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// NewMoneyFromString creates a Money value from a string.
func NewMoneyFromString(s string) (Money, error) {
	return decimal.NewFromString(s)
}

// Zero returns zero Money value.
func Zero() Money {
	return decimal.Zero
}

// RoundCurrency rounds half away from zero to two fractional digits.
func RoundCurrency(m Money) Money {
	return m.Round(2)
}

// MinorUnits converts an amount to the smallest currency unit (cents).
func MinorUnits(m Money) int64 {
	return m.Shift(2).Round(0).IntPart()
}

// FromMinorUnits converts cents back to Money.
func FromMinorUnits(v int64) Money {
	return decimal.New(v, -2)
}
