package money

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Money is a monetary amount in atomic units of a specific currency.
// All arithmetic is int64 based to avoid floating-point drift.
//
// Examples:
//   - 2070 XAF   = Money{Currency: XAF, Atomic: 2070}    // XAF has no minor unit
//   - $4.00 USD  = Money{Currency: USD, Atomic: 400}     // cents
//   - 1.5 USDT   = Money{Currency: USDT-BSC, Atomic: 1500000}
type Money struct {
	Currency Currency
	Atomic   int64
}

var (
	// ErrOverflow occurs when an operation would exceed int64 capacity.
	ErrOverflow = errors.New("money: arithmetic overflow")

	// ErrCurrencyMismatch occurs when combining amounts of different currencies.
	ErrCurrencyMismatch = errors.New("money: currency mismatch")

	// ErrInvalidFormat occurs when parsing a major-unit string fails.
	ErrInvalidFormat = errors.New("money: invalid format")
)

// Zero returns a zero amount in the given currency.
func Zero(c Currency) Money {
	return Money{Currency: c}
}

// New creates a Money from atomic units.
func New(c Currency, atomic int64) Money {
	return Money{Currency: c, Atomic: atomic}
}

// FromMajor parses a major-unit decimal string ("10.50") into atomic units,
// rounding half-up beyond the currency's precision.
func FromMajor(c Currency, major string) (Money, error) {
	major = strings.TrimSpace(major)
	neg := strings.HasPrefix(major, "-")
	if neg {
		major = major[1:]
	}

	parts := strings.Split(major, ".")
	if len(parts) > 2 || parts[0] == "" && (len(parts) == 1 || parts[1] == "") {
		return Money{}, fmt.Errorf("%w: %q", ErrInvalidFormat, major)
	}

	intPart := parts[0]
	if intPart == "" {
		intPart = "0"
	}
	intVal, err := strconv.ParseInt(intPart, 10, 64)
	if err != nil {
		return Money{}, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}

	var fracVal int64
	if len(parts) == 2 && parts[1] != "" {
		frac := parts[1]
		if len(frac) > int(c.Decimals) {
			roundDigit := frac[c.Decimals] - '0'
			frac = frac[:c.Decimals]
			if frac != "" {
				fracVal, err = strconv.ParseInt(frac, 10, 64)
				if err != nil {
					return Money{}, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
				}
			}
			if roundDigit >= 5 {
				fracVal++
			}
		} else {
			for len(frac) < int(c.Decimals) {
				frac += "0"
			}
			fracVal, err = strconv.ParseInt(frac, 10, 64)
			if err != nil {
				return Money{}, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
			}
		}
	}

	scale := pow10(c.Decimals)
	if intVal > (math.MaxInt64-fracVal)/scale {
		return Money{}, ErrOverflow
	}
	atomic := intVal*scale + fracVal
	if neg {
		atomic = -atomic
	}
	return Money{Currency: c, Atomic: atomic}, nil
}

// ToMajor renders the amount as a major-unit decimal string.
func (m Money) ToMajor() string {
	if m.Currency.Decimals == 0 {
		return strconv.FormatInt(m.Atomic, 10)
	}
	scale := pow10(m.Currency.Decimals)
	neg := m.Atomic < 0
	abs := m.Atomic
	if neg {
		abs = -abs
	}
	intPart := abs / scale
	fracPart := abs % scale
	s := fmt.Sprintf("%d.%0*d", intPart, m.Currency.Decimals, fracPart)
	if neg {
		s = "-" + s
	}
	return s
}

// Float64 renders the amount as a major-unit float for provider APIs that
// only accept numbers. Precision loss is the provider's limitation.
func (m Money) Float64() float64 {
	return float64(m.Atomic) / float64(pow10(m.Currency.Decimals))
}

// Add returns m + other, failing on currency mismatch or overflow.
func (m Money) Add(other Money) (Money, error) {
	if m.Currency.Code != other.Currency.Code {
		return Money{}, ErrCurrencyMismatch
	}
	sum := m.Atomic + other.Atomic
	if (other.Atomic > 0 && sum < m.Atomic) || (other.Atomic < 0 && sum > m.Atomic) {
		return Money{}, ErrOverflow
	}
	return Money{Currency: m.Currency, Atomic: sum}, nil
}

// Sub returns m - other, failing on currency mismatch or overflow.
func (m Money) Sub(other Money) (Money, error) {
	return m.Add(Money{Currency: other.Currency, Atomic: -other.Atomic})
}

// Neg returns the negated amount.
func (m Money) Neg() Money {
	return Money{Currency: m.Currency, Atomic: -m.Atomic}
}

// IsZero reports whether the amount is zero.
func (m Money) IsZero() bool {
	return m.Atomic == 0
}

// IsNegative reports whether the amount is below zero.
func (m Money) IsNegative() bool {
	return m.Atomic < 0
}

// IsPositive reports whether the amount is above zero.
func (m Money) IsPositive() bool {
	return m.Atomic > 0
}

// String implements fmt.Stringer ("2070 XAF", "4.00 USD").
func (m Money) String() string {
	return m.ToMajor() + " " + m.Currency.Code
}

// moneyJSON is the persisted wire shape: currency code plus atomic units.
type moneyJSON struct {
	Currency string `json:"currency" bson:"currency"`
	Atomic   int64  `json:"atomic" bson:"atomic"`
}

// MarshalJSON serializes as {"currency": "XAF", "atomic": 2070}.
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(moneyJSON{Currency: m.Currency.Code, Atomic: m.Atomic})
}

// UnmarshalJSON restores a Money from its wire shape.
func (m *Money) UnmarshalJSON(data []byte) error {
	var raw moneyJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	c, err := GetCurrency(raw.Currency)
	if err != nil {
		return err
	}
	m.Currency = c
	m.Atomic = raw.Atomic
	return nil
}

func pow10(n uint8) int64 {
	result := int64(1)
	for i := uint8(0); i < n; i++ {
		result *= 10
	}
	return result
}
