package ledger

import (
	"FinLedger/internal/fault"
	finmath "FinLedger/internal/math"
	"fmt"
)

// TaxLimits bound the configurable rate. A numerator is allowed when
// numerator <= MaxPercent * 10^shift and shift <= MaxShift.
type TaxLimits struct {
	MaxPercent uint64
	MaxShift   uint8
}

func DefaultTaxLimits() TaxLimits {
	return TaxLimits{MaxPercent: 3, MaxShift: 5}
}

// Check validates a candidate rate.
func (l TaxLimits) Check(numerator uint64, shift uint8) error {
	if shift > l.MaxShift {
		return fault.ErrTaxShiftAboveMax
	}
	if numerator > l.MaxPercent*finmath.Pow10(shift) {
		return fault.ErrTaxAboveMax
	}
	return nil
}

func (l TaxLimits) validate() error {
	if l.MaxShift > finmath.MaxSupportedShift {
		return fmt.Errorf("max tax shift %d exceeds %d", l.MaxShift, finmath.MaxSupportedShift)
	}
	if l.MaxPercent > 100 {
		return fmt.Errorf("max tax percent %d exceeds 100", l.MaxPercent)
	}
	return nil
}

// TaxConfig is the ledger-wide tax state.
type TaxConfig struct {
	Numerator uint64 `json:"numerator"`
	Shift     uint8  `json:"shift"`
	Recipient string `json:"recipient"`
}

// TaxPolicy computes proportional fees and knows where they go.
type TaxPolicy struct {
	limits TaxLimits
	cfg    TaxConfig
}

func NewTaxPolicy(limits TaxLimits, cfg TaxConfig) (*TaxPolicy, error) {
	if err := limits.validate(); err != nil {
		return nil, err
	}
	if cfg.Recipient == "" {
		return nil, fault.ErrRecipientRequired
	}
	if err := limits.Check(cfg.Numerator, cfg.Shift); err != nil {
		return nil, err
	}
	return &TaxPolicy{limits: limits, cfg: cfg}, nil
}

// Compute returns the tax owed on amount under the current rate.
func (p *TaxPolicy) Compute(amount *finmath.Amount) (*finmath.Amount, error) {
	return finmath.ComputeTax(amount, p.cfg.Numerator, p.cfg.Shift)
}

// Next returns the configuration with the rate replaced, leaving the
// policy untouched. Authorization is the caller's concern.
func (p *TaxPolicy) Next(numerator uint64, shift uint8) (TaxConfig, error) {
	if err := p.limits.Check(numerator, shift); err != nil {
		return p.cfg, err
	}
	next := p.cfg
	next.Numerator = numerator
	next.Shift = shift
	return next, nil
}

func (p *TaxPolicy) Config() TaxConfig        { return p.cfg }
func (p *TaxPolicy) Limits() TaxLimits        { return p.limits }
func (p *TaxPolicy) CurrentTaxAmount() uint64 { return p.cfg.Numerator }
func (p *TaxPolicy) CurrentTaxShift() uint8   { return p.cfg.Shift }
func (p *TaxPolicy) Recipient() string        { return p.cfg.Recipient }

// Restore installs a persisted configuration without limit checks, so a
// snapshot taken under wider limits still loads.
func (p *TaxPolicy) Restore(cfg TaxConfig) {
	if cfg.Recipient == "" {
		cfg.Recipient = p.cfg.Recipient
	}
	p.cfg = cfg
}
