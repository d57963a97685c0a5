package domain

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// minorUnits maps supported currency codes to their number of decimal places.
var minorUnits = map[string]int32{
	"USD": 2,
	"EUR": 2,
	"GBP": 2,
	"PLN": 2,
	"CHF": 2,
	"JPY": 0,
	"KRW": 0,
	"ETH": 24,
}

// Money is an immutable amount in a single currency.
// The zero value is not a valid Money; use NewMoney or ParseMoney.
type Money struct {
	amount   decimal.Decimal
	currency string
}

// NewMoney validates that amount is non-negative and exactly representable
// in the currency's minor units.
func NewMoney(amount decimal.Decimal, currency string) (Money, error) {
	code := strings.ToUpper(strings.TrimSpace(currency))
	places, ok := minorUnits[code]
	if !ok {
		return Money{}, fmt.Errorf("%w: %q", ErrUnsupportedCurrency, currency)
	}
	if amount.IsNegative() {
		return Money{}, fmt.Errorf("%w: %s %s", ErrInvalidAmount, amount.String(), code)
	}
	if !amount.Equal(amount.Truncate(places)) {
		return Money{}, fmt.Errorf("%w: %s %s", ErrInvalidAmount, amount.String(), code)
	}
	return Money{amount: amount, currency: code}, nil
}

// ParseMoney parses a decimal string such as "9.99".
func ParseMoney(amount, currency string) (Money, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return Money{}, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}
	return NewMoney(d, currency)
}

// MustParseMoney is like ParseMoney but panics on error. Intended for
// fixtures and package-level values.
func MustParseMoney(amount, currency string) Money {
	m, err := ParseMoney(amount, currency)
	if err != nil {
		panic(err)
	}
	return m
}

// ZeroMoney returns a zero amount in currency.
func ZeroMoney(currency string) (Money, error) {
	return NewMoney(decimal.Zero, currency)
}

// FromMinorUnits reconstructs Money from its integer minor-unit representation.
func FromMinorUnits(units *big.Int, currency string) (Money, error) {
	code := strings.ToUpper(strings.TrimSpace(currency))
	places, ok := minorUnits[code]
	if !ok {
		return Money{}, fmt.Errorf("%w: %q", ErrUnsupportedCurrency, currency)
	}
	if units == nil {
		return Money{}, fmt.Errorf("%w: nil minor units", ErrInvalidAmount)
	}
	return NewMoney(decimal.NewFromBigInt(units, -places), code)
}

func (m Money) Amount() decimal.Decimal { return m.amount }
func (m Money) Currency() string        { return m.currency }

// IsZero reports whether m is the zero value or a zero amount.
func (m Money) IsZero() bool { return m.amount.IsZero() }

// MinorUnits returns the amount in the currency's smallest unit, e.g. cents.
// ETH amounts overflow an int64 quickly, so the result is a big.Int.
func (m Money) MinorUnits() *big.Int {
	return m.amount.Shift(minorUnits[m.currency]).BigInt()
}

// MinorUnitsInt64 is MinorUnits for providers that take a 64-bit integer.
// It fails with ErrAmountOutOfRange instead of wrapping.
func (m Money) MinorUnitsInt64() (int64, error) {
	units := m.MinorUnits()
	if !units.IsInt64() {
		return 0, fmt.Errorf("%w: %s", ErrAmountOutOfRange, m.String())
	}
	return units.Int64(), nil
}

func (m Money) Add(other Money) (Money, error) {
	if m.currency != other.currency {
		return Money{}, &CurrencyMismatchError{Expected: m.currency, Got: other.currency}
	}
	return Money{amount: m.amount.Add(other.amount), currency: m.currency}, nil
}

// Multiply scales the amount by a non-negative integer factor.
func (m Money) Multiply(factor int64) (Money, error) {
	if factor < 0 {
		return Money{}, fmt.Errorf("%w: negative factor %d", ErrInvalidAmount, factor)
	}
	return Money{amount: m.amount.Mul(decimal.NewFromInt(factor)), currency: m.currency}, nil
}

// Cmp returns -1, 0 or +1 comparing m to other.
func (m Money) Cmp(other Money) (int, error) {
	if m.currency != other.currency {
		return 0, &CurrencyMismatchError{Expected: m.currency, Got: other.currency}
	}
	return m.amount.Cmp(other.amount), nil
}

func (m Money) GreaterThan(other Money) (bool, error) {
	c, err := m.Cmp(other)
	if err != nil {
		return false, err
	}
	return c > 0, nil
}

// Equal compares by value, so 1.0 USD equals 1.00 USD.
func (m Money) Equal(other Money) bool {
	return m.currency == other.currency && m.amount.Equal(other.amount)
}

func (m Money) String() string {
	return m.amount.StringFixed(minorUnits[m.currency]) + " " + m.currency
}

type moneyJSON struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(moneyJSON{
		Amount:   m.amount.StringFixed(minorUnits[m.currency]),
		Currency: m.currency,
	})
}

func (m *Money) UnmarshalJSON(data []byte) error {
	var raw moneyJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseMoney(raw.Amount, raw.Currency)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
