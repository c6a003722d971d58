package ledger

import (
	finmath "FinLedger/internal/math"
	"fmt"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	book *Book
}

func NewInvariantValidator(book *Book) *InvariantValidator {
	return &InvariantValidator{
		book: book,
	}
}

// ValidateBatch verifies the batch is well-formed before it is applied.
func (v *InvariantValidator) ValidateBatch(batch *Batch) error {
	return batch.Validate()
}

// ValidateSupply verifies the book holds exactly the net value issued to it.
// Non-negativity holds by construction: balances are unsigned and every
// debit goes through checked subtraction.
func (v *InvariantValidator) ValidateSupply() error {
	total, err := v.book.Total()
	if err != nil {
		return fmt.Errorf("sum balances: %w", err)
	}
	issued := v.book.Issued()
	if !total.Eq(issued) {
		return fmt.Errorf("supply mismatch: accounts hold %s, issued %s", finmath.Format(total), finmath.Format(issued))
	}
	return nil
}

// ValidateTax verifies a tax configuration against its limits.
func (v *InvariantValidator) ValidateTax(p *TaxPolicy) error {
	cfg := p.Config()
	return p.Limits().Check(cfg.Numerator, cfg.Shift)
}
