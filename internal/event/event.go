package event

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Kind discriminates ledger events
type Kind int32

const (
	KindUnknown Kind = iota
	KindDeposit
	KindWithdrawal
	KindTransfer
	KindReservation
	KindSettlement
	KindCancelation
	KindTaxChange
	KindIndicationCreated
	KindReferralCreated
	KindShareCreated
)

var kindNames = map[Kind]string{
	KindDeposit:           "Deposit",
	KindWithdrawal:        "Withdrawal",
	KindTransfer:          "Transfer",
	KindReservation:       "Reservation",
	KindSettlement:        "Settlement",
	KindCancelation:       "Cancelation",
	KindTaxChange:         "TaxChange",
	KindIndicationCreated: "IndicationCreated",
	KindReferralCreated:   "ReferralCreated",
	KindShareCreated:      "ShareCreated",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "Unknown"
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return KindUnknown, fmt.Errorf("unknown event kind: %s", s)
}

// TaxChange carries the configuration before and after a changeTax call.
type TaxChange struct {
	OldNumerator uint64 `json:"old_numerator"`
	OldShift     uint8  `json:"old_shift"`
	NewNumerator uint64 `json:"new_numerator"`
	NewShift     uint8  `json:"new_shift"`
}

// LedgerEvent is the immutable notification emitted after every successful
// state change. The ledger never reads events back.
type LedgerEvent struct {
	ID       uuid.UUID
	Kind     Kind
	Sequence int64
	Index    int // position within the command that produced it

	From     string
	To       string
	External string // off-ledger counterparty for deposits and withdrawals

	Amount    uint256.Int
	TaxAmount uint256.Int
	Tax       *TaxChange

	RecordID string // engagement record id for *Created kinds

	CorrelationID string
	Timestamp     time.Time
}

// eventNamespace roots the name-based UUIDs of ledger events.
var eventNamespace = uuid.MustParse("6f1c2a4e-8a57-4c55-9d57-2f0b8e3c1a90")

// DeriveID returns the stable ID of the index-th event produced at sequence.
// Replaying the command log yields identical IDs.
func DeriveID(sequence int64, index int) uuid.UUID {
	return uuid.NewSHA1(eventNamespace, []byte(fmt.Sprintf("event:%d:%d", sequence, index)))
}
