package ledger

import (
	"FinLedger/internal/access"
	"FinLedger/internal/event"
	"FinLedger/internal/fault"
	finmath "FinLedger/internal/math"

	"github.com/holiman/uint256"
)

// Ledger is the account book behind its admin gate. Every mutating
// operation checks the caller, validates its inputs, builds one journal
// batch, applies it atomically and then emits its events.
// Not thread-safe: owned by the single-threaded sequencer.
type Ledger struct {
	book      *Book
	gate      *access.Gate
	tax       *TaxPolicy
	validator *InvariantValidator
	sink      event.Sink
}

// Receipt describes what a successful operation did.
type Receipt struct {
	Batch   *Batch
	Events  []event.LedgerEvent
	Touched []string
	Tax     *TaxConfig // set when the tax configuration changed
}

func New(gate *access.Gate, tax *TaxPolicy, sink event.Sink) *Ledger {
	if sink == nil {
		sink = event.Discard
	}
	book := NewBook()
	return &Ledger{
		book:      book,
		gate:      gate,
		tax:       tax,
		validator: NewInvariantValidator(book),
		sink:      sink,
	}
}

// Deposit credits value arriving from an external source.
func (l *Ledger) Deposit(call Call, req DepositRequest) (*Receipt, error) {
	if err := l.gate.RequireAdmin(call.Caller); err != nil {
		return nil, err
	}
	if err := requireAccounts(req.To); err != nil {
		return nil, err
	}
	amount, err := finmath.ParseAmount(req.Amount)
	if err != nil {
		return nil, err
	}

	ref := firstNonEmpty(req.TxnHash, call.CorrelationID)
	batch := NewBatch(call.Sequence, ref, call.Timestamp)
	batch.Add(JournalTypeDeposit, ExternalDeposits, UserBalance(req.To), amount)

	return l.commit(call, batch, event.LedgerEvent{
		Kind:          event.KindDeposit,
		To:            req.To,
		External:      req.ExternalFrom,
		Amount:        *amount,
		CorrelationID: ref,
	})
}

// Transfer moves amount between accounts and routes the tax to the
// recipient. The source pays amount + tax.
func (l *Ledger) Transfer(call Call, req TransferRequest) (*Receipt, error) {
	if err := l.gate.RequireAdmin(call.Caller); err != nil {
		return nil, err
	}
	if err := requireAccounts(req.From, req.To); err != nil {
		return nil, err
	}
	amount, tax, err := l.amountAndTax(req.Amount, req.TaxAmount)
	if err != nil {
		return nil, err
	}

	batch := NewBatch(call.Sequence, call.CorrelationID, call.Timestamp)
	l.addTransfer(batch, req.From, req.To, amount, tax)

	return l.commit(call, batch, event.LedgerEvent{
		Kind:          event.KindTransfer,
		From:          req.From,
		To:            req.To,
		Amount:        *amount,
		TaxAmount:     *tax,
		CorrelationID: call.CorrelationID,
	})
}

// OperatorTransfer moves value out of an account that allowed operator
// handling. The caller must be an operator. Unlike Transfer the tax comes
// out of amount: the source pays amount, the destination receives
// amount - tax.
func (l *Ledger) OperatorTransfer(call Call, req TransferRequest) (*Receipt, error) {
	if err := l.gate.Require(call.Caller, access.RoleOperator); err != nil {
		return nil, err
	}
	if err := requireAccounts(req.From, req.To); err != nil {
		return nil, err
	}
	if !l.gate.Holds(req.From, access.RoleHandled) {
		return nil, fault.ErrNotHandled
	}
	amount, tax, err := l.amountAndTax(req.Amount, req.TaxAmount)
	if err != nil {
		return nil, err
	}
	net, err := finmath.Sub(amount, tax)
	if err != nil {
		return nil, fault.ErrTaxExceedsAmount
	}

	batch := NewBatch(call.Sequence, call.CorrelationID, call.Timestamp)
	l.addTransfer(batch, req.From, req.To, net, tax)

	return l.commit(call, batch, event.LedgerEvent{
		Kind:          event.KindTransfer,
		From:          req.From,
		To:            req.To,
		Amount:        *net,
		TaxAmount:     *tax,
		CorrelationID: call.CorrelationID,
	})
}

// BatchTransfer performs several transfers from one source as a single
// operation. Destination and amount lists must line up.
func (l *Ledger) BatchTransfer(call Call, req BatchTransferRequest) (*Receipt, error) {
	if err := l.gate.RequireAdmin(call.Caller); err != nil {
		return nil, err
	}
	if len(req.To) != len(req.Amounts) {
		return nil, fault.ErrArrayLengthMismatch
	}
	if len(req.TaxAmounts) != 0 && len(req.TaxAmounts) != len(req.To) {
		return nil, fault.ErrArrayLengthMismatch
	}
	if len(req.To) == 0 {
		return nil, fault.ErrEmptyBatch
	}
	if err := requireAccounts(append([]string{req.From}, req.To...)...); err != nil {
		return nil, err
	}

	batch := NewBatch(call.Sequence, call.CorrelationID, call.Timestamp)
	events := make([]event.LedgerEvent, 0, len(req.To))
	for i, to := range req.To {
		explicitTax := ""
		if len(req.TaxAmounts) > 0 {
			explicitTax = req.TaxAmounts[i]
		}
		amount, tax, err := l.amountAndTax(req.Amounts[i], explicitTax)
		if err != nil {
			return nil, err
		}
		l.addTransfer(batch, req.From, to, amount, tax)
		events = append(events, event.LedgerEvent{
			Kind:          event.KindTransfer,
			From:          req.From,
			To:            to,
			Amount:        *amount,
			TaxAmount:     *tax,
			CorrelationID: call.CorrelationID,
		})
	}

	return l.commit(call, batch, events...)
}

// Withdrawal removes value to an external destination. The source pays
// amount + tax and the tax stays on the ledger with the recipient.
func (l *Ledger) Withdrawal(call Call, req WithdrawalRequest) (*Receipt, error) {
	if err := l.gate.RequireAdmin(call.Caller); err != nil {
		return nil, err
	}
	if err := requireAccounts(req.From); err != nil {
		return nil, err
	}
	amount, tax, err := l.amountAndTax(req.Amount, req.TaxAmount)
	if err != nil {
		return nil, err
	}

	ref := firstNonEmpty(req.JournalRef, call.CorrelationID)
	batch := NewBatch(call.Sequence, ref, call.Timestamp)
	batch.Add(JournalTypeWithdrawal, UserBalance(req.From), ExternalWithdrawals, amount)
	batch.Add(JournalTypeTax, UserBalance(req.From), UserBalance(l.tax.Recipient()), tax)

	return l.commit(call, batch, event.LedgerEvent{
		Kind:          event.KindWithdrawal,
		From:          req.From,
		External:      req.ExternalTo,
		Amount:        *amount,
		TaxAmount:     *tax,
		CorrelationID: ref,
	})
}

// Reserve sets funds aside for a later Settle or Cancel.
func (l *Ledger) Reserve(call Call, req ReserveRequest) (*Receipt, error) {
	if err := l.gate.RequireAdmin(call.Caller); err != nil {
		return nil, err
	}
	if err := requireAccounts(req.Account); err != nil {
		return nil, err
	}
	amount, err := finmath.ParseAmount(req.Amount)
	if err != nil {
		return nil, err
	}

	batch := NewBatch(call.Sequence, call.CorrelationID, call.Timestamp)
	batch.Add(JournalTypeReserve, UserBalance(req.Account), UserReserved(req.Account), amount)

	return l.commit(call, batch, event.LedgerEvent{
		Kind:          event.KindReservation,
		From:          req.Account,
		To:            req.Account,
		Amount:        *amount,
		CorrelationID: call.CorrelationID,
	})
}

// Settle completes a reservation: amount leaves the source's reservation,
// the destination receives amount - tax and the recipient receives tax.
func (l *Ledger) Settle(call Call, req SettleRequest) (*Receipt, error) {
	if err := l.gate.RequireAdmin(call.Caller); err != nil {
		return nil, err
	}
	if err := requireAccounts(req.From, req.To); err != nil {
		return nil, err
	}
	amount, tax, err := l.amountAndTax(req.Amount, req.TaxAmount)
	if err != nil {
		return nil, err
	}
	net, err := finmath.Sub(amount, tax)
	if err != nil {
		return nil, fault.ErrTaxExceedsAmount
	}

	batch := NewBatch(call.Sequence, call.CorrelationID, call.Timestamp)
	batch.Add(JournalTypeSettle, UserReserved(req.From), UserBalance(req.To), net)
	batch.Add(JournalTypeTax, UserReserved(req.From), UserBalance(l.tax.Recipient()), tax)

	return l.commit(call, batch, event.LedgerEvent{
		Kind:          event.KindSettlement,
		From:          req.From,
		To:            req.To,
		Amount:        *amount,
		TaxAmount:     *tax,
		CorrelationID: call.CorrelationID,
	})
}

// Cancel returns reserved funds to the account's own balance.
func (l *Ledger) Cancel(call Call, req CancelRequest) (*Receipt, error) {
	if err := l.gate.RequireAdmin(call.Caller); err != nil {
		return nil, err
	}
	if err := requireAccounts(req.Account); err != nil {
		return nil, err
	}
	amount, err := finmath.ParseAmount(req.Amount)
	if err != nil {
		return nil, err
	}

	batch := NewBatch(call.Sequence, call.CorrelationID, call.Timestamp)
	batch.Add(JournalTypeCancel, UserReserved(req.Account), UserBalance(req.Account), amount)

	return l.commit(call, batch, event.LedgerEvent{
		Kind:          event.KindCancelation,
		From:          req.Account,
		To:            req.Account,
		Amount:        *amount,
		CorrelationID: call.CorrelationID,
	})
}

// SetBalance overwrites the spendable balance. No event is emitted; the
// difference is journaled against system:adjustments.
func (l *Ledger) SetBalance(call Call, req SetBalanceRequest) (*Receipt, error) {
	return l.override(call, req.Account, req.Balance, UserBalance(req.Account))
}

// SetReservation overwrites the reservation counter.
func (l *Ledger) SetReservation(call Call, req SetReservationRequest) (*Receipt, error) {
	return l.override(call, req.Account, req.Reservation, UserReserved(req.Account))
}

func (l *Ledger) override(call Call, account, value string, key AccountKey) (*Receipt, error) {
	if err := l.gate.RequireAdmin(call.Caller); err != nil {
		return nil, err
	}
	if err := requireAccounts(account); err != nil {
		return nil, err
	}
	target, err := finmath.ParseAmount(value)
	if err != nil {
		return nil, err
	}

	current := l.book.GetBalance(key)
	batch := NewBatch(call.Sequence, call.CorrelationID, call.Timestamp)
	if target.Gt(current) {
		delta, _ := finmath.Sub(target, current)
		batch.Add(JournalTypeAdjustment, SystemAdjustments, key, delta)
	} else {
		delta, _ := finmath.Sub(current, target)
		batch.Add(JournalTypeAdjustment, key, SystemAdjustments, delta)
	}

	receipt, err := l.commit(call, batch)
	if err != nil {
		return nil, err
	}
	if len(receipt.Touched) == 0 {
		receipt.Touched = []string{account}
	}
	return receipt, nil
}

// ChangeTax replaces the tax rate and emits the old and new values. The
// new rate is installed only once the change has committed.
func (l *Ledger) ChangeTax(call Call, req ChangeTaxRequest) (*Receipt, error) {
	if err := l.gate.RequireAdmin(call.Caller); err != nil {
		return nil, err
	}
	old := l.tax.Config()
	next, err := l.tax.Next(req.Numerator, req.Shift)
	if err != nil {
		return nil, err
	}

	receipt, err := l.commit(call, NewBatch(call.Sequence, call.CorrelationID, call.Timestamp), event.LedgerEvent{
		Kind: event.KindTaxChange,
		Tax: &event.TaxChange{
			OldNumerator: old.Numerator,
			OldShift:     old.Shift,
			NewNumerator: next.Numerator,
			NewShift:     next.Shift,
		},
		CorrelationID: call.CorrelationID,
	})
	if err != nil {
		return nil, err
	}
	l.tax.Restore(next)
	receipt.Tax = &next
	return receipt, nil
}

// --- Queries ---

// BalanceOf returns the spendable balance of account. Never fails.
func (l *Ledger) BalanceOf(account string) *uint256.Int {
	return l.book.GetBalance(UserBalance(account))
}

// ReservationOf returns the reserved balance of account. Never fails.
func (l *Ledger) ReservationOf(account string) *uint256.Int {
	return l.book.GetBalance(UserReserved(account))
}

func (l *Ledger) CurrentTaxAmount() uint64 { return l.tax.CurrentTaxAmount() }
func (l *Ledger) CurrentTaxShift() uint8   { return l.tax.CurrentTaxShift() }
func (l *Ledger) TaxRecipient() string     { return l.tax.Recipient() }
func (l *Ledger) TaxConfig() TaxConfig     { return l.tax.Config() }
func (l *Ledger) TaxLimits() TaxLimits     { return l.tax.Limits() }

func (l *Ledger) Account(id string) Account { return l.book.Account(id) }
func (l *Ledger) Accounts() []Account       { return l.book.Accounts() }

// Issued returns the net value that entered the ledger from outside.
func (l *Ledger) Issued() *uint256.Int { return l.book.Issued() }

// Validator exposes the invariant checks over this ledger's book.
func (l *Ledger) Validator() *InvariantValidator { return l.validator }

// Restore loads persisted accounts and tax configuration.
func (l *Ledger) Restore(accounts []Account, tax TaxConfig) error {
	if err := l.book.Restore(accounts); err != nil {
		return err
	}
	l.tax.Restore(tax)
	return nil
}

// SetSink replaces the event sink.
func (l *Ledger) SetSink(sink event.Sink) {
	if sink == nil {
		sink = event.Discard
	}
	l.sink = sink
}

// --- helpers ---

func (l *Ledger) commit(call Call, batch *Batch, events ...event.LedgerEvent) (*Receipt, error) {
	if err := l.validator.ValidateBatch(batch); err != nil {
		return nil, err
	}
	touched, err := l.book.ApplyBatch(batch)
	if err != nil {
		return nil, err
	}

	for i := range events {
		events[i].ID = event.DeriveID(call.Sequence, i)
		events[i].Sequence = call.Sequence
		events[i].Index = i
		events[i].Timestamp = call.Timestamp
		l.sink.Emit(events[i])
	}

	return &Receipt{Batch: batch, Events: events, Touched: touched}, nil
}

func (l *Ledger) addTransfer(batch *Batch, from, to string, amount, tax *uint256.Int) {
	batch.Add(JournalTypeTransfer, UserBalance(from), UserBalance(to), amount)
	batch.Add(JournalTypeTax, UserBalance(from), UserBalance(l.tax.Recipient()), tax)
}

// amountAndTax parses an amount and its tax. An empty tax string means the
// policy computes it. The pair must not overflow when summed.
func (l *Ledger) amountAndTax(amountStr, taxStr string) (*uint256.Int, *uint256.Int, error) {
	amount, err := finmath.ParseAmount(amountStr)
	if err != nil {
		return nil, nil, err
	}

	var tax *uint256.Int
	if taxStr == "" {
		tax, err = l.tax.Compute(amount)
	} else {
		tax, err = finmath.ParseAmount(taxStr)
	}
	if err != nil {
		return nil, nil, err
	}

	if _, err := finmath.Add(amount, tax); err != nil {
		return nil, nil, err
	}
	return amount, tax, nil
}

func requireAccounts(ids ...string) error {
	for _, id := range ids {
		if id == "" {
			return fault.ErrAccountRequired
		}
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
