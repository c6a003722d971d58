package command

import (
	"FinLedger/internal/engagement"
	"FinLedger/internal/fault"
	"FinLedger/internal/ledger"
	"FinLedger/internal/vesting"
	"encoding/json"
	"fmt"
	"time"
)

// Type discriminator for command payloads
type Type int32

const (
	TypeUnknown Type = iota
	TypeDeposit
	TypeTransfer
	TypeBatchTransfer
	TypeWithdrawal
	TypeReserve
	TypeSettle
	TypeCancel
	TypeSetBalance
	TypeSetReservation
	TypeChangeTax
	TypeGrantRole
	TypeRevokeRole
	TypeAddIndication
	TypeAddReferral
	TypeAddShare
	TypeOperatorTransfer
	TypeAddVestingMember
	TypeWithdrawVesting
	TypeTerminateVesting
)

var typeNames = map[Type]string{
	TypeDeposit:        "deposit",
	TypeTransfer:       "transfer",
	TypeBatchTransfer:  "batch_transfer",
	TypeWithdrawal:     "withdrawal",
	TypeReserve:        "reserve",
	TypeSettle:         "settle",
	TypeCancel:         "cancel",
	TypeSetBalance:     "set_balance",
	TypeSetReservation: "set_reservation",
	TypeChangeTax:      "change_tax",
	TypeGrantRole:      "grant_role",
	TypeRevokeRole:     "revoke_role",
	TypeAddIndication:  "add_indication",
	TypeAddReferral:    "add_referral",
	TypeAddShare:       "add_share",

	TypeOperatorTransfer: "operator_transfer",
	TypeAddVestingMember: "add_vesting_member",
	TypeWithdrawVesting:  "withdraw_vesting",
	TypeTerminateVesting: "terminate_vesting",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return "unknown"
}

// ParseType maps a wire name (also the NATS subject suffix) to a Type.
func ParseType(s string) (Type, error) {
	for t, name := range typeNames {
		if name == s {
			return t, nil
		}
	}
	return TypeUnknown, fault.ErrUnknownCommand
}

// Types lists every known command type in declaration order.
func Types() []Type {
	out := make([]Type, 0, len(typeNames))
	for t := TypeDeposit; t <= TypeTerminateVesting; t++ {
		out = append(out, t)
	}
	return out
}

// Header is carried by every command.
type Header struct {
	// Stable dedup key from the submitter
	IdempotencyKey string `json:"idempotency_key"`

	// Authenticated identity. Never taken from the payload.
	Caller string `json:"-"`

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time `json:"timestamp"`
}

func (h *Header) Meta() *Header { return h }

// Validate checks the fields every command needs before sequencing.
func (h *Header) Validate() error {
	if h.IdempotencyKey == "" {
		return fault.ErrIdempotencyKeyNeeded
	}
	if h.Timestamp.IsZero() {
		return fault.ErrTimestampRequired
	}
	return nil
}

// Command is the interface all command payloads implement
type Command interface {
	Type() Type
	Meta() *Header
}

type Deposit struct {
	Header
	ledger.DepositRequest
}

type Transfer struct {
	Header
	ledger.TransferRequest
}

type BatchTransfer struct {
	Header
	ledger.BatchTransferRequest
}

type Withdrawal struct {
	Header
	ledger.WithdrawalRequest
}

type Reserve struct {
	Header
	ledger.ReserveRequest
}

type Settle struct {
	Header
	ledger.SettleRequest
}

type Cancel struct {
	Header
	ledger.CancelRequest
}

type SetBalance struct {
	Header
	ledger.SetBalanceRequest
}

type SetReservation struct {
	Header
	ledger.SetReservationRequest
}

type ChangeTax struct {
	Header
	ledger.ChangeTaxRequest
}

// GrantRole gives Member a role. Role defaults to admin.
type GrantRole struct {
	Header
	Member string `json:"member"`
	Role   string `json:"role,omitempty"`
}

type RevokeRole struct {
	Header
	Member string `json:"member"`
	Role   string `json:"role,omitempty"`
}

type AddIndication struct {
	Header
	engagement.Indication
}

type AddReferral struct {
	Header
	engagement.Referral
}

type AddShare struct {
	Header
	engagement.Share
}

// OperatorTransfer moves value out of a handled account on an operator's
// behalf. The tax is deducted from the amount.
type OperatorTransfer struct {
	Header
	ledger.TransferRequest
}

type AddVestingMember struct {
	Header
	vesting.AddMemberRequest
}

type WithdrawVesting struct {
	Header
	vesting.WithdrawRequest
}

type TerminateVesting struct {
	Header
}

func (*Deposit) Type() Type        { return TypeDeposit }
func (*Transfer) Type() Type       { return TypeTransfer }
func (*BatchTransfer) Type() Type  { return TypeBatchTransfer }
func (*Withdrawal) Type() Type     { return TypeWithdrawal }
func (*Reserve) Type() Type        { return TypeReserve }
func (*Settle) Type() Type         { return TypeSettle }
func (*Cancel) Type() Type         { return TypeCancel }
func (*SetBalance) Type() Type     { return TypeSetBalance }
func (*SetReservation) Type() Type { return TypeSetReservation }
func (*ChangeTax) Type() Type      { return TypeChangeTax }
func (*GrantRole) Type() Type      { return TypeGrantRole }
func (*RevokeRole) Type() Type     { return TypeRevokeRole }
func (*AddIndication) Type() Type  { return TypeAddIndication }
func (*AddReferral) Type() Type    { return TypeAddReferral }
func (*AddShare) Type() Type       { return TypeAddShare }

func (*OperatorTransfer) Type() Type { return TypeOperatorTransfer }
func (*AddVestingMember) Type() Type { return TypeAddVestingMember }
func (*WithdrawVesting) Type() Type  { return TypeWithdrawVesting }
func (*TerminateVesting) Type() Type { return TypeTerminateVesting }

// New returns an empty command of type t.
func New(t Type) (Command, error) {
	switch t {
	case TypeDeposit:
		return &Deposit{}, nil
	case TypeTransfer:
		return &Transfer{}, nil
	case TypeBatchTransfer:
		return &BatchTransfer{}, nil
	case TypeWithdrawal:
		return &Withdrawal{}, nil
	case TypeReserve:
		return &Reserve{}, nil
	case TypeSettle:
		return &Settle{}, nil
	case TypeCancel:
		return &Cancel{}, nil
	case TypeSetBalance:
		return &SetBalance{}, nil
	case TypeSetReservation:
		return &SetReservation{}, nil
	case TypeChangeTax:
		return &ChangeTax{}, nil
	case TypeGrantRole:
		return &GrantRole{}, nil
	case TypeRevokeRole:
		return &RevokeRole{}, nil
	case TypeAddIndication:
		return &AddIndication{}, nil
	case TypeAddReferral:
		return &AddReferral{}, nil
	case TypeAddShare:
		return &AddShare{}, nil
	case TypeOperatorTransfer:
		return &OperatorTransfer{}, nil
	case TypeAddVestingMember:
		return &AddVestingMember{}, nil
	case TypeWithdrawVesting:
		return &WithdrawVesting{}, nil
	case TypeTerminateVesting:
		return &TerminateVesting{}, nil
	default:
		return nil, fault.ErrUnknownCommand
	}
}

// Encode serializes cmd for the command log. The caller is stored in its
// own column and is not part of the payload.
func Encode(cmd Command) ([]byte, error) {
	b, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", cmd.Type(), err)
	}
	return b, nil
}

// Decode rebuilds a command from its logged form.
func Decode(t Type, caller string, payload []byte) (Command, error) {
	cmd, err := New(t)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, cmd); err != nil {
		return nil, fmt.Errorf("decode %s: %w", t, err)
	}
	cmd.Meta().Caller = caller
	return cmd, nil
}
