package server

import (
	"FinLedger/internal/core"
	"FinLedger/internal/ingestion"
	"FinLedger/internal/ledger"
	finmath "FinLedger/internal/math"
	"FinLedger/internal/query"
	"FinLedger/internal/vesting"
	"encoding/hex"
	"encoding/json"
)

// CommandResponse is returned by every mutating RPC.
type CommandResponse struct {
	Sequence  int64                        `json:"sequence"`
	StateHash string                       `json:"state_hash"`
	Duplicate bool                         `json:"duplicate,omitempty"`
	Events    []ingestion.PublishableEvent `json:"events,omitempty"`
	Accounts  []AccountResponse            `json:"accounts,omitempty"`
}

type GetAccountRequest struct {
	Account string `json:"account"`
}

// AccountResponse is the live state of one account as seen by the
// sequencer after Sequence-1 commands.
type AccountResponse struct {
	Account  string `json:"account"`
	Balance  string `json:"balance"`
	Reserved string `json:"reserved"`

	// Set when the account allows operator transfers out of it.
	OperatorHandled bool  `json:"operator_handled,omitempty"`
	Sequence        int64 `json:"sequence,omitempty"`
}

type GetTaxRequest struct{}

type TaxResponse struct {
	Numerator  uint64 `json:"numerator"`
	Shift      uint8  `json:"shift"`
	Recipient  string `json:"recipient"`
	MaxPercent uint64 `json:"max_percent"`
	MaxShift   uint8  `json:"max_shift"`
	Sequence   int64  `json:"sequence"`
}

type GetEngagementRequest struct {
	Kind  string `json:"kind"`
	Owner string `json:"owner"`
	ID    string `json:"id"`
}

type EngagementResponse struct {
	Kind   string          `json:"kind"`
	Record json.RawMessage `json:"record"`
}

type GetVestingRequest struct {
	Member string `json:"member,omitempty"`
}

type VestingResponse struct {
	Schedule  *vesting.Schedule `json:"schedule,omitempty"`
	Remaining string            `json:"remaining,omitempty"`
	Allocated string            `json:"allocated"`
	Closed    bool              `json:"closed,omitempty"`
	Sequence  int64             `json:"sequence"`
}

type ListEventsRequest struct {
	Account        string `json:"account"`
	Limit          int    `json:"limit,omitempty"`
	BeforeSequence int64  `json:"before_sequence,omitempty"`
}

type ListEventsResponse struct {
	Events []query.EventResponse `json:"events"`
}

type ListJournalResponse struct {
	Entries []query.JournalHistoryEntry `json:"entries"`
}

type VerifyIntegrityRequest struct{}

type GetStatusRequest struct{}

type StatusResponse struct {
	Sequence  int64    `json:"sequence"`
	StateHash string   `json:"state_hash"`
	Issued    string   `json:"issued"`
	Admins    []string `json:"admins"`
}

func toCommandResponse(res *core.Result) *CommandResponse {
	out := &CommandResponse{
		Sequence:  res.Sequence,
		StateHash: hex.EncodeToString(res.StateHash[:]),
		Duplicate: res.Duplicate,
	}
	for _, evt := range res.Events {
		out.Events = append(out.Events, ingestion.ToPublishable(evt))
	}
	for _, a := range res.Accounts {
		out.Accounts = append(out.Accounts, toAccountResponse(a))
	}
	return out
}

func toAccountResponse(a ledger.Account) AccountResponse {
	return AccountResponse{
		Account:  a.ID,
		Balance:  finmath.Format(&a.Balance),
		Reserved: finmath.Format(&a.Reserved),
	}
}
