// Package money provides exact, non-negative integer cent amounts.
//
// Amounts are arbitrary precision and never touch floating point. Subtraction
// below zero is a programming error and panics; guards that need to probe a
// subtraction use CheckedSub.
package money

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// ErrInvalidAmount is returned when a cent string cannot be parsed.
var ErrInvalidAmount = errors.New("money: amount must be a non-negative integer number of cents")

var hundred = big.NewInt(100)

// Money is an amount in cents. The zero value is 0 cents.
type Money struct {
	cents *big.Int
}

// Zero returns a zero amount.
func Zero() Money { return Money{} }

// Cents creates Money from an int64 cent count. Negative input panics.
func Cents(c int64) Money {
	if c < 0 {
		panic(fmt.Sprintf("money: negative cents %d", c))
	}
	return Money{cents: big.NewInt(c)}
}

// Parse reads a base-10 integer cent string such as "6000".
func Parse(s string) (Money, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Money{}, ErrInvalidAmount
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return Money{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
		}
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return Money{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return Money{cents: v}, nil
}

// MustParse is Parse for constants in tests and fixtures.
func MustParse(s string) Money {
	m, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return m
}

func (m Money) int() *big.Int {
	if m.cents == nil {
		return new(big.Int)
	}
	return m.cents
}

// Add returns m + other.
func (m Money) Add(other Money) Money {
	return Money{cents: new(big.Int).Add(m.int(), other.int())}
}

// Sub returns m - other. It panics when the result would be negative.
func (m Money) Sub(other Money) Money {
	out, ok := m.CheckedSub(other)
	if !ok {
		panic(fmt.Sprintf("money: %s - %s would be negative", m, other))
	}
	return out
}

// CheckedSub returns m - other and false instead of a negative result.
func (m Money) CheckedSub(other Money) (Money, bool) {
	if m.Cmp(other) < 0 {
		return Money{}, false
	}
	return Money{cents: new(big.Int).Sub(m.int(), other.int())}, true
}

// Cmp compares m and other: -1, 0 or +1.
func (m Money) Cmp(other Money) int { return m.int().Cmp(other.int()) }

// Equal reports whether both amounts hold the same number of cents.
func (m Money) Equal(other Money) bool { return m.Cmp(other) == 0 }

// GreaterOrEqual reports m >= other.
func (m Money) GreaterOrEqual(other Money) bool { return m.Cmp(other) >= 0 }

// IsZero reports whether the amount is 0.
func (m Money) IsZero() bool { return m.int().Sign() == 0 }

// IsPositive reports whether the amount is > 0.
func (m Money) IsPositive() bool { return m.int().Sign() > 0 }

// Min returns the lesser amount.
func Min(a, b Money) Money {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}

// Sum adds every amount.
func Sum(amounts ...Money) Money {
	total := new(big.Int)
	for _, a := range amounts {
		total.Add(total, a.int())
	}
	return Money{cents: total}
}

// String returns the integer cent string.
func (m Money) String() string { return m.int().String() }

// Format renders the amount as dollars, e.g. "$6,000.00".
func (m Money) Format() string {
	dollars, cents := new(big.Int).QuoRem(m.int(), hundred, new(big.Int))
	whole := dollars.String()
	if dollars.IsInt64() {
		whole = message.NewPrinter(language.AmericanEnglish).Sprintf("%d", dollars.Int64())
	}
	return fmt.Sprintf("$%s.%02d", whole, cents.Int64())
}

// MarshalJSON encodes the amount as a cent string.
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

// UnmarshalJSON accepts a cent string.
func (m *Money) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, string(data))
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
