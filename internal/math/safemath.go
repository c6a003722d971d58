package math

import (
	"FinLedger/internal/fault"
	"strings"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// maxDigits is the number of base-10 digits of 2^256-1.
const maxDigits = 78

// Amount is a non-negative quantity in the smallest unit of account.
type Amount = uint256.Int

// Zero returns a fresh zero amount.
func Zero() *Amount {
	return new(uint256.Int)
}

// FromUint64 wraps a native integer.
func FromUint64(v uint64) *Amount {
	return uint256.NewInt(v)
}

// Add returns a + b, failing on 256-bit overflow.
func Add(a, b *Amount) (*Amount, error) {
	sum, overflow := new(uint256.Int).AddOverflow(a, b)
	if overflow {
		return nil, fault.ErrOverflow
	}
	return sum, nil
}

// Sub returns a - b, failing if b > a. No balance may go negative.
func Sub(a, b *Amount) (*Amount, error) {
	diff, underflow := new(uint256.Int).SubOverflow(a, b)
	if underflow {
		return nil, fault.ErrUnderflow
	}
	return diff, nil
}

// Gte reports a >= b.
func Gte(a, b *Amount) bool {
	return !a.Lt(b)
}

// Sum adds every amount in order, failing on the first overflow.
func Sum(amounts ...*Amount) (*Amount, error) {
	total := Zero()
	for _, a := range amounts {
		next, err := Add(total, a)
		if err != nil {
			return nil, err
		}
		total = next
	}
	return total, nil
}

// ParseAmount validates a decimal string and converts it to an Amount.
// Negative and malformed input is rejected as invalid, fractional input as a
// float. Exponent notation is accepted when it resolves to an integer.
func ParseAmount(s string) (*Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fault.ErrInvalidAmount
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fault.ErrInvalidAmount
	}
	if d.IsNegative() {
		return nil, fault.ErrInvalidAmount
	}
	if d.IsZero() {
		return Zero(), nil
	}

	// Bound the exponent before any arithmetic scales the coefficient.
	digits := int64(len(d.Coefficient().String()))
	exp := int64(d.Exponent())
	switch {
	case exp > 0 && digits+exp > maxDigits:
		return nil, fault.ErrOverflow
	case exp < 0 && -exp >= digits:
		// a nonzero coefficient below 10^-exp cannot be a whole number
		return nil, fault.ErrFloatsNotPermitted
	}

	if !d.Equal(d.Truncate(0)) {
		return nil, fault.ErrFloatsNotPermitted
	}

	v, overflow := uint256.FromBig(d.BigInt())
	if overflow {
		return nil, fault.ErrOverflow
	}
	return v, nil
}

// MustParseAmount is ParseAmount for constants and tests.
func MustParseAmount(s string) *Amount {
	v, err := ParseAmount(s)
	if err != nil {
		panic("math: invalid amount " + s + ": " + err.Error())
	}
	return v
}

// Format renders an amount in base 10.
func Format(a *Amount) string {
	if a == nil {
		return "0"
	}
	return a.ToBig().String()
}
