package math

import (
	"FinLedger/internal/fault"

	"github.com/holiman/uint256"
)

// MaxSupportedShift bounds the rate shift so that 100 * 10^shift fits in a uint64.
const MaxSupportedShift = 17

// Pow10 returns 10^n for n <= MaxSupportedShift.
func Pow10(n uint8) uint64 {
	v := uint64(1)
	for i := uint8(0); i < n; i++ {
		v *= 10
	}
	return v
}

// ComputeTax returns floor(amount * numerator / (100 * 10^shift)).
func ComputeTax(amount *Amount, numerator uint64, shift uint8) (*Amount, error) {
	if shift > MaxSupportedShift {
		return nil, fault.ErrTaxShiftAboveMax
	}
	if numerator == 0 || amount.IsZero() {
		return Zero(), nil
	}

	product, overflow := new(uint256.Int).MulOverflow(amount, uint256.NewInt(numerator))
	if overflow {
		return nil, fault.ErrOverflow
	}

	divisor := uint256.NewInt(100 * Pow10(shift))
	return product.Div(product, divisor), nil
}
