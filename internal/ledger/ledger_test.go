package ledger_test

import (
	"FinLedger/internal/access"
	"FinLedger/internal/event"
	"FinLedger/internal/fault"
	"FinLedger/internal/ledger"
	finmath "FinLedger/internal/math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	admin     = "admin"
	recipient = "treasury"
)

var t0 = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

type fixture struct {
	ledger *ledger.Ledger
	roles  *access.RoleSet
	events *event.Recorder
	seq    int64
}

// newFixture builds a ledger taxing at numerator/10^shift percent.
func newFixture(t *testing.T, numerator uint64, shift uint8) *fixture {
	t.Helper()
	roles := access.NewRoleSet(admin)
	policy, err := ledger.NewTaxPolicy(ledger.DefaultTaxLimits(), ledger.TaxConfig{
		Numerator: numerator,
		Shift:     shift,
		Recipient: recipient,
	})
	require.NoError(t, err)
	rec := event.NewRecorder()
	return &fixture{
		ledger: ledger.New(access.NewGate(roles), policy, rec),
		roles:  roles,
		events: rec,
	}
}

func (f *fixture) call(caller string) ledger.Call {
	f.seq++
	return ledger.Call{
		Caller:        caller,
		Sequence:      f.seq,
		CorrelationID: "corr",
		Timestamp:     t0.Add(time.Duration(f.seq) * time.Second),
	}
}

func (f *fixture) deposit(t *testing.T, to, amount string) {
	t.Helper()
	_, err := f.ledger.Deposit(f.call(admin), ledger.DepositRequest{
		ExternalFrom: "bank",
		To:           to,
		Amount:       amount,
		TxnHash:      "0xabc",
	})
	require.NoError(t, err)
}

func (f *fixture) assertBalances(t *testing.T, account, balance, reserved string) {
	t.Helper()
	assert.Equal(t, balance, finmath.Format(f.ledger.BalanceOf(account)), "balance of %s", account)
	assert.Equal(t, reserved, finmath.Format(f.ledger.ReservationOf(account)), "reservation of %s", account)
}

func (f *fixture) assertSupply(t *testing.T) {
	t.Helper()
	assert.NoError(t, f.ledger.Validator().ValidateSupply())
}

// ============================================================================
// Test: Deposit
// ============================================================================

func TestDeposit_CreditsAccountAndEmits(t *testing.T) {
	f := newFixture(t, 0, 0)

	r, err := f.ledger.Deposit(f.call(admin), ledger.DepositRequest{
		ExternalFrom: "bank",
		To:           "alice",
		Amount:       "100",
		TxnHash:      "0xfeed",
	})
	require.NoError(t, err)

	f.assertBalances(t, "alice", "100", "0")
	assert.Equal(t, []string{"alice"}, r.Touched)
	require.Len(t, f.events.Events(), 1)

	evt := f.events.Events()[0]
	assert.Equal(t, event.KindDeposit, evt.Kind)
	assert.Equal(t, "bank", evt.External)
	assert.Equal(t, "alice", evt.To)
	assert.Equal(t, "100", finmath.Format(&evt.Amount))
	assert.Equal(t, "0xfeed", evt.CorrelationID)
	assert.Equal(t, event.DeriveID(1, 0), evt.ID)
	assert.Equal(t, t0.Add(time.Second), evt.Timestamp)
	f.assertSupply(t)
}

func TestDeposit_ZeroAmountSucceedsWithoutJournal(t *testing.T) {
	f := newFixture(t, 0, 0)

	r, err := f.ledger.Deposit(f.call(admin), ledger.DepositRequest{To: "alice", Amount: "0"})
	require.NoError(t, err)
	assert.Empty(t, r.Batch.Journals)
	assert.Len(t, r.Events, 1)
	f.assertBalances(t, "alice", "0", "0")
}

func TestDeposit_Overflow(t *testing.T) {
	f := newFixture(t, 0, 0)
	max := "115792089237316195423570985008687907853269984665640564039457584007913129639935"
	f.deposit(t, "alice", max)

	_, err := f.ledger.Deposit(f.call(admin), ledger.DepositRequest{To: "alice", Amount: "1"})
	assert.True(t, fault.IsErrArithmetic(err))
	f.assertBalances(t, "alice", max, "0")
}

func TestDeposit_InvalidInputs(t *testing.T) {
	cases := []struct {
		name string
		req  ledger.DepositRequest
		want error
	}{
		{"missing account", ledger.DepositRequest{Amount: "1"}, fault.ErrAccountRequired},
		{"negative", ledger.DepositRequest{To: "a", Amount: "-1"}, fault.ErrInvalidAmount},
		{"fraction", ledger.DepositRequest{To: "a", Amount: "1.5"}, fault.ErrFloatsNotPermitted},
		{"garbage", ledger.DepositRequest{To: "a", Amount: "ten"}, fault.ErrInvalidAmount},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, 0, 0)
			_, err := f.ledger.Deposit(f.call(admin), tc.req)
			assert.ErrorIs(t, err, tc.want)
			assert.Empty(t, f.events.Events())
		})
	}
}

// ============================================================================
// Test: Access
// ============================================================================

func TestNonAdmin_RejectedWithoutStateChange(t *testing.T) {
	f := newFixture(t, 1, 0)
	f.deposit(t, "alice", "100")
	f.events.Reset()

	ops := map[string]func(ledger.Call) error{
		"deposit": func(c ledger.Call) error {
			_, err := f.ledger.Deposit(c, ledger.DepositRequest{To: "alice", Amount: "1"})
			return err
		},
		"transfer": func(c ledger.Call) error {
			_, err := f.ledger.Transfer(c, ledger.TransferRequest{From: "alice", To: "bob", Amount: "1"})
			return err
		},
		"withdrawal": func(c ledger.Call) error {
			_, err := f.ledger.Withdrawal(c, ledger.WithdrawalRequest{From: "alice", Amount: "1"})
			return err
		},
		"reserve": func(c ledger.Call) error {
			_, err := f.ledger.Reserve(c, ledger.ReserveRequest{Account: "alice", Amount: "1"})
			return err
		},
		"set balance": func(c ledger.Call) error {
			_, err := f.ledger.SetBalance(c, ledger.SetBalanceRequest{Account: "alice", Balance: "5"})
			return err
		},
		"change tax": func(c ledger.Call) error {
			_, err := f.ledger.ChangeTax(c, ledger.ChangeTaxRequest{Numerator: 2})
			return err
		},
	}

	for name, op := range ops {
		t.Run(name, func(t *testing.T) {
			for _, caller := range []string{"mallory", ""} {
				err := op(f.call(caller))
				assert.True(t, fault.IsErrNotAdmin(err))
			}
		})
	}

	f.assertBalances(t, "alice", "100", "0")
	f.assertBalances(t, "bob", "0", "0")
	assert.Equal(t, uint64(1), f.ledger.CurrentTaxAmount())
	assert.Empty(t, f.events.Events())
}

// ============================================================================
// Test: Transfer
// ============================================================================

func TestTransfer_WithComputedTax(t *testing.T) {
	// 1%
	f := newFixture(t, 1, 0)
	f.deposit(t, "alice", "1000")
	f.events.Reset()

	r, err := f.ledger.Transfer(f.call(admin), ledger.TransferRequest{From: "alice", To: "bob", Amount: "500"})
	require.NoError(t, err)

	f.assertBalances(t, "alice", "495", "0")
	f.assertBalances(t, "bob", "500", "0")
	f.assertBalances(t, recipient, "5", "0")
	assert.Equal(t, []string{"alice", "bob", recipient}, r.Touched)

	require.Len(t, r.Events, 1)
	assert.Equal(t, event.KindTransfer, r.Events[0].Kind)
	assert.Equal(t, "5", finmath.Format(&r.Events[0].TaxAmount))
	f.assertSupply(t)
}

func TestTransfer_ExplicitTaxOverridesPolicy(t *testing.T) {
	f := newFixture(t, 3, 0)
	f.deposit(t, "alice", "100")

	_, err := f.ledger.Transfer(f.call(admin), ledger.TransferRequest{From: "alice", To: "bob", Amount: "50", TaxAmount: "0"})
	require.NoError(t, err)

	f.assertBalances(t, "alice", "50", "0")
	f.assertBalances(t, "bob", "50", "0")
	f.assertBalances(t, recipient, "0", "0")
}

func TestTransfer_TaxFloorsToZero(t *testing.T) {
	// 0.5% of 100 is 0.5, floored to 0
	f := newFixture(t, 5, 1)
	f.deposit(t, "alice", "100")

	r, err := f.ledger.Transfer(f.call(admin), ledger.TransferRequest{From: "alice", To: "bob", Amount: "100"})
	require.NoError(t, err)
	assert.True(t, r.Events[0].TaxAmount.IsZero())
	f.assertBalances(t, "alice", "0", "0")
}

func TestTransfer_InsufficientFundsLeavesStateUnchanged(t *testing.T) {
	f := newFixture(t, 1, 0)
	f.deposit(t, "alice", "100")
	f.events.Reset()

	// 100 plus 1 tax exceeds the balance; the transfer leg alone would fit.
	_, err := f.ledger.Transfer(f.call(admin), ledger.TransferRequest{From: "alice", To: "bob", Amount: "100"})
	assert.ErrorIs(t, err, fault.ErrInsufficientFunds)

	f.assertBalances(t, "alice", "100", "0")
	f.assertBalances(t, "bob", "0", "0")
	f.assertBalances(t, recipient, "0", "0")
	assert.Empty(t, f.events.Events())
	f.assertSupply(t)
}

func TestTransfer_ToSelf(t *testing.T) {
	f := newFixture(t, 0, 0)
	f.deposit(t, "alice", "10")

	_, err := f.ledger.Transfer(f.call(admin), ledger.TransferRequest{From: "alice", To: "alice", Amount: "10"})
	require.NoError(t, err)
	f.assertBalances(t, "alice", "10", "0")
}

// ============================================================================
// Test: OperatorTransfer
// ============================================================================

func (f *fixture) grant(t *testing.T, member string, role access.Role) {
	t.Helper()
	_, err := f.roles.Grant(admin, member, role)
	require.NoError(t, err)
}

func TestOperatorTransfer_TaxComesOutOfAmount(t *testing.T) {
	// 1%
	f := newFixture(t, 1, 0)
	f.deposit(t, "alice", "1000")
	f.grant(t, "bot", access.RoleOperator)
	f.grant(t, "alice", access.RoleHandled)
	f.events.Reset()

	r, err := f.ledger.OperatorTransfer(f.call("bot"), ledger.TransferRequest{From: "alice", To: "bob", Amount: "500"})
	require.NoError(t, err)

	f.assertBalances(t, "alice", "500", "0")
	f.assertBalances(t, "bob", "495", "0")
	f.assertBalances(t, recipient, "5", "0")

	require.Len(t, r.Events, 1)
	assert.Equal(t, event.KindTransfer, r.Events[0].Kind)
	assert.Equal(t, "495", finmath.Format(&r.Events[0].Amount))
	assert.Equal(t, "5", finmath.Format(&r.Events[0].TaxAmount))
	f.assertSupply(t)
}

func TestOperatorTransfer_Authorization(t *testing.T) {
	f := newFixture(t, 0, 0)
	f.deposit(t, "alice", "100")
	f.events.Reset()

	req := ledger.TransferRequest{From: "alice", To: "bob", Amount: "10"}

	// admins are not operators
	_, err := f.ledger.OperatorTransfer(f.call(admin), req)
	assert.ErrorIs(t, err, fault.ErrNotOperator)

	f.grant(t, "bot", access.RoleOperator)
	_, err = f.ledger.OperatorTransfer(f.call("bot"), req)
	assert.ErrorIs(t, err, fault.ErrNotHandled)
	assert.True(t, fault.IsErrNotAdmin(err))

	f.grant(t, "alice", access.RoleHandled)
	_, err = f.ledger.OperatorTransfer(f.call("bot"), req)
	require.NoError(t, err)

	_, err = f.roles.Revoke(admin, "alice", access.RoleHandled)
	require.NoError(t, err)
	_, err = f.ledger.OperatorTransfer(f.call("bot"), req)
	assert.ErrorIs(t, err, fault.ErrNotHandled)

	f.assertBalances(t, "alice", "90", "0")
	f.assertBalances(t, "bob", "10", "0")
	assert.Len(t, f.events.Events(), 1)
}

func TestOperatorTransfer_TaxExceedsAmount(t *testing.T) {
	f := newFixture(t, 0, 0)
	f.deposit(t, "alice", "100")
	f.grant(t, "bot", access.RoleOperator)
	f.grant(t, "alice", access.RoleHandled)

	_, err := f.ledger.OperatorTransfer(f.call("bot"), ledger.TransferRequest{From: "alice", To: "bob", Amount: "5", TaxAmount: "6"})
	assert.ErrorIs(t, err, fault.ErrTaxExceedsAmount)
	f.assertBalances(t, "alice", "100", "0")
}

// ============================================================================
// Test: BatchTransfer
// ============================================================================

func TestBatchTransfer_AllLegs(t *testing.T) {
	f := newFixture(t, 1, 0)
	f.deposit(t, "alice", "1000")
	f.events.Reset()

	r, err := f.ledger.BatchTransfer(f.call(admin), ledger.BatchTransferRequest{
		From:    "alice",
		To:      []string{"bob", "carol"},
		Amounts: []string{"100", "200"},
	})
	require.NoError(t, err)

	f.assertBalances(t, "alice", "697", "0")
	f.assertBalances(t, "bob", "100", "0")
	f.assertBalances(t, "carol", "200", "0")
	f.assertBalances(t, recipient, "3", "0")

	require.Len(t, r.Events, 2)
	assert.Equal(t, 0, r.Events[0].Index)
	assert.Equal(t, 1, r.Events[1].Index)
	assert.NotEqual(t, r.Events[0].ID, r.Events[1].ID)
	f.assertSupply(t)
}

func TestBatchTransfer_LengthMismatch(t *testing.T) {
	f := newFixture(t, 0, 0)
	f.deposit(t, "alice", "1000")

	_, err := f.ledger.BatchTransfer(f.call(admin), ledger.BatchTransferRequest{
		From:    "alice",
		To:      []string{"bob", "carol"},
		Amounts: []string{"1"},
	})
	assert.ErrorIs(t, err, fault.ErrArrayLengthMismatch)

	_, err = f.ledger.BatchTransfer(f.call(admin), ledger.BatchTransferRequest{
		From:       "alice",
		To:         []string{"bob"},
		Amounts:    []string{"1"},
		TaxAmounts: []string{"0", "0"},
	})
	assert.ErrorIs(t, err, fault.ErrArrayLengthMismatch)

	_, err = f.ledger.BatchTransfer(f.call(admin), ledger.BatchTransferRequest{From: "alice"})
	assert.ErrorIs(t, err, fault.ErrEmptyBatch)
	f.assertBalances(t, "alice", "1000", "0")
}

func TestBatchTransfer_AtomicOnLateFailure(t *testing.T) {
	f := newFixture(t, 0, 0)
	f.deposit(t, "alice", "150")

	_, err := f.ledger.BatchTransfer(f.call(admin), ledger.BatchTransferRequest{
		From:    "alice",
		To:      []string{"bob", "carol"},
		Amounts: []string{"100", "100"},
	})
	assert.ErrorIs(t, err, fault.ErrInsufficientFunds)
	f.assertBalances(t, "alice", "150", "0")
	f.assertBalances(t, "bob", "0", "0")
}

// ============================================================================
// Test: Withdrawal
// ============================================================================

func TestWithdrawal_RemovesValueAndKeepsTax(t *testing.T) {
	f := newFixture(t, 2, 0)
	f.deposit(t, "alice", "1000")
	f.events.Reset()

	_, err := f.ledger.Withdrawal(f.call(admin), ledger.WithdrawalRequest{
		From:       "alice",
		ExternalTo: "bank",
		Amount:     "100",
		JournalRef: "wd-1",
	})
	require.NoError(t, err)

	f.assertBalances(t, "alice", "898", "0")
	f.assertBalances(t, recipient, "2", "0")
	assert.Equal(t, "900", finmath.Format(f.ledger.Issued()))

	evt := f.events.Events()[0]
	assert.Equal(t, event.KindWithdrawal, evt.Kind)
	assert.Equal(t, "wd-1", evt.CorrelationID)
	f.assertSupply(t)
}

// ============================================================================
// Test: Reserve / Settle / Cancel
// ============================================================================

func TestReserveThenCancel_RoundTrip(t *testing.T) {
	f := newFixture(t, 0, 0)
	f.deposit(t, "alice", "100")

	_, err := f.ledger.Reserve(f.call(admin), ledger.ReserveRequest{Account: "alice", Amount: "40"})
	require.NoError(t, err)
	f.assertBalances(t, "alice", "60", "40")

	_, err = f.ledger.Cancel(f.call(admin), ledger.CancelRequest{Account: "alice", Amount: "40"})
	require.NoError(t, err)
	f.assertBalances(t, "alice", "100", "0")
	f.assertSupply(t)
}

func TestReserveThenSettle(t *testing.T) {
	f := newFixture(t, 0, 0)
	f.deposit(t, "alice", "100")

	_, err := f.ledger.Reserve(f.call(admin), ledger.ReserveRequest{Account: "alice", Amount: "40"})
	require.NoError(t, err)

	r, err := f.ledger.Settle(f.call(admin), ledger.SettleRequest{From: "alice", To: "bob", Amount: "40", TaxAmount: "4"})
	require.NoError(t, err)

	f.assertBalances(t, "alice", "60", "0")
	f.assertBalances(t, "bob", "36", "0")
	f.assertBalances(t, recipient, "4", "0")
	assert.Equal(t, event.KindSettlement, r.Events[0].Kind)
	assert.Equal(t, "40", finmath.Format(&r.Events[0].Amount))
	f.assertSupply(t)
}

func TestSettle_TaxExceedsAmount(t *testing.T) {
	f := newFixture(t, 0, 0)
	f.deposit(t, "alice", "100")
	_, err := f.ledger.Reserve(f.call(admin), ledger.ReserveRequest{Account: "alice", Amount: "40"})
	require.NoError(t, err)

	_, err = f.ledger.Settle(f.call(admin), ledger.SettleRequest{From: "alice", To: "bob", Amount: "10", TaxAmount: "11"})
	assert.ErrorIs(t, err, fault.ErrTaxExceedsAmount)
	f.assertBalances(t, "alice", "60", "40")
}

func TestReservationLimits(t *testing.T) {
	f := newFixture(t, 0, 0)
	f.deposit(t, "alice", "100")

	_, err := f.ledger.Reserve(f.call(admin), ledger.ReserveRequest{Account: "alice", Amount: "101"})
	assert.ErrorIs(t, err, fault.ErrInsufficientFunds)

	_, err = f.ledger.Reserve(f.call(admin), ledger.ReserveRequest{Account: "alice", Amount: "10"})
	require.NoError(t, err)

	_, err = f.ledger.Cancel(f.call(admin), ledger.CancelRequest{Account: "alice", Amount: "11"})
	assert.ErrorIs(t, err, fault.ErrReservationTooLarge)
	assert.True(t, fault.IsErrInsufficientFunds(err))

	_, err = f.ledger.Settle(f.call(admin), ledger.SettleRequest{From: "alice", To: "bob", Amount: "11", TaxAmount: "0"})
	assert.ErrorIs(t, err, fault.ErrReservationTooLarge)
	f.assertBalances(t, "alice", "90", "10")
}

// ============================================================================
// Test: Overrides
// ============================================================================

func TestSetBalanceAndReservation(t *testing.T) {
	f := newFixture(t, 0, 0)
	f.deposit(t, "alice", "100")
	f.events.Reset()

	r, err := f.ledger.SetBalance(f.call(admin), ledger.SetBalanceRequest{Account: "alice", Balance: "30"})
	require.NoError(t, err)
	require.Len(t, r.Batch.Journals, 1)
	assert.Equal(t, ledger.SystemAdjustments, r.Batch.Journals[0].DebitAccount)

	_, err = f.ledger.SetReservation(f.call(admin), ledger.SetReservationRequest{Account: "alice", Reservation: "70"})
	require.NoError(t, err)

	f.assertBalances(t, "alice", "30", "70")
	assert.Empty(t, f.events.Events())
	f.assertSupply(t)

	// Same value: no journal, still reports the account.
	r, err = f.ledger.SetBalance(f.call(admin), ledger.SetBalanceRequest{Account: "alice", Balance: "30"})
	require.NoError(t, err)
	assert.Empty(t, r.Batch.Journals)
	assert.Equal(t, []string{"alice"}, r.Touched)
}

// ============================================================================
// Test: Tax
// ============================================================================

func TestChangeTax(t *testing.T) {
	f := newFixture(t, 1, 0)

	r, err := f.ledger.ChangeTax(f.call(admin), ledger.ChangeTaxRequest{Numerator: 250, Shift: 2})
	require.NoError(t, err)
	assert.Equal(t, uint64(250), f.ledger.CurrentTaxAmount())
	assert.Equal(t, uint8(2), f.ledger.CurrentTaxShift())
	require.NotNil(t, r.Tax)

	evt := f.events.Events()[0]
	assert.Equal(t, event.KindTaxChange, evt.Kind)
	assert.Equal(t, &event.TaxChange{OldNumerator: 1, OldShift: 0, NewNumerator: 250, NewShift: 2}, evt.Tax)
}

func TestChangeTax_AboveLimits(t *testing.T) {
	f := newFixture(t, 1, 0)

	_, err := f.ledger.ChangeTax(f.call(admin), ledger.ChangeTaxRequest{Numerator: 4})
	assert.ErrorIs(t, err, fault.ErrTaxAboveMax)

	_, err = f.ledger.ChangeTax(f.call(admin), ledger.ChangeTaxRequest{Numerator: 1, Shift: 6})
	assert.ErrorIs(t, err, fault.ErrTaxShiftAboveMax)

	assert.Equal(t, uint64(1), f.ledger.CurrentTaxAmount())
	assert.Equal(t, uint8(0), f.ledger.CurrentTaxShift())
	assert.Empty(t, f.events.Events())
}

func TestChangeTax_InstalledAfterCommit(t *testing.T) {
	f := newFixture(t, 1, 0)

	// The event is emitted inside the commit; the old rate must still be live.
	var seen []uint64
	f.ledger.SetSink(event.SinkFunc(func(evt event.LedgerEvent) {
		seen = append(seen, f.ledger.CurrentTaxAmount())
	}))

	r, err := f.ledger.ChangeTax(f.call(admin), ledger.ChangeTaxRequest{Numerator: 2})
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, seen)
	assert.Equal(t, uint64(2), f.ledger.CurrentTaxAmount())
	require.NotNil(t, r.Tax)
	assert.Equal(t, ledger.TaxConfig{Numerator: 2, Recipient: recipient}, *r.Tax)

	_, err = f.ledger.ChangeTax(f.call("mallory"), ledger.ChangeTaxRequest{Numerator: 3})
	assert.True(t, fault.IsErrNotAdmin(err))
	assert.Equal(t, uint64(2), f.ledger.CurrentTaxAmount())
	assert.Len(t, seen, 1)
}

// ============================================================================
// Test: Restore and queries
// ============================================================================

func TestRestore_RecomputesSupply(t *testing.T) {
	f := newFixture(t, 0, 0)
	accounts := []ledger.Account{
		{ID: "alice", Balance: *finmath.FromUint64(10), Reserved: *finmath.FromUint64(5)},
		{ID: "bob", Balance: *finmath.FromUint64(7)},
	}
	require.NoError(t, f.ledger.Restore(accounts, ledger.TaxConfig{Numerator: 2, Shift: 1}))

	f.assertBalances(t, "alice", "10", "5")
	assert.Equal(t, "22", finmath.Format(f.ledger.Issued()))
	assert.Equal(t, recipient, f.ledger.TaxRecipient())
	assert.Equal(t, uint64(2), f.ledger.CurrentTaxAmount())
	assert.Len(t, f.ledger.Accounts(), 2)
	f.assertSupply(t)
}

func TestUnknownAccountReadsZero(t *testing.T) {
	f := newFixture(t, 0, 0)
	f.assertBalances(t, "nobody", "0", "0")
	assert.Equal(t, "nobody", f.ledger.Account("nobody").ID)
}
