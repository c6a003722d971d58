package ledger

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeDeposit JournalType = iota
	JournalTypeWithdrawal
	JournalTypeTransfer
	JournalTypeTax
	JournalTypeReserve
	JournalTypeSettle
	JournalTypeCancel
	JournalTypeAdjustment
)

func (t JournalType) String() string {
	switch t {
	case JournalTypeDeposit:
		return "deposit"
	case JournalTypeWithdrawal:
		return "withdrawal"
	case JournalTypeTransfer:
		return "transfer"
	case JournalTypeTax:
		return "tax"
	case JournalTypeReserve:
		return "reserve"
	case JournalTypeSettle:
		return "settle"
	case JournalTypeCancel:
		return "cancel"
	case JournalTypeAdjustment:
		return "adjustment"
	default:
		return "unknown"
	}
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID
	BatchID       uuid.UUID
	EventRef      string     // correlation id of the source operation
	Sequence      int64      // global command sequence
	DebitAccount  AccountKey // balance increases
	CreditAccount AccountKey // balance decreases
	Amount        uint256.Int
	JournalType   JournalType
	Timestamp     time.Time
}

// Batch represents the journal entries of one operation. It is applied
// to the book all-or-nothing.
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp time.Time
	Journals  []Journal
}

var journalNamespace = uuid.MustParse("0b9d3a5e-51c4-4d0e-b7a1-5e2f6c8d9a14")

// NewBatch creates an empty batch whose IDs derive from sequence, so a
// replayed command produces the same batch and journal IDs.
func NewBatch(sequence int64, eventRef string, ts time.Time) *Batch {
	return &Batch{
		BatchID:   uuid.NewSHA1(journalNamespace, []byte(fmt.Sprintf("batch:%d", sequence))),
		EventRef:  eventRef,
		Sequence:  sequence,
		Timestamp: ts,
	}
}

// Add appends a journal moving amount from credit to debit.
// Zero amounts produce no entry.
func (b *Batch) Add(jt JournalType, credit, debit AccountKey, amount *uint256.Int) {
	if amount.IsZero() {
		return
	}
	b.Journals = append(b.Journals, Journal{
		JournalID:     uuid.NewSHA1(journalNamespace, []byte(fmt.Sprintf("journal:%d:%d", b.Sequence, len(b.Journals)))),
		BatchID:       b.BatchID,
		EventRef:      b.EventRef,
		Sequence:      b.Sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		Amount:        *amount,
		JournalType:   jt,
		Timestamp:     b.Timestamp,
	})
}

// Validate ensures the batch is well-formed. Each entry is a balanced
// transfer by construction: one positive amount leaves the credit account
// and enters the debit account.
func (b *Batch) Validate() error {
	for _, j := range b.Journals {
		if j.Amount.IsZero() {
			return fmt.Errorf("journal %s has zero amount", j.JournalID)
		}
		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}
		if !j.DebitAccount.Tracked() && !j.CreditAccount.Tracked() {
			return fmt.Errorf("journal %s moves value between boundary accounts", j.JournalID)
		}
	}
	return nil
}
