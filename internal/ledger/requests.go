package ledger

import "time"

// Call carries who is invoking an operation and where it sits in the
// global order. Timestamps are inputs; the ledger never reads the clock.
type Call struct {
	Caller        string
	Sequence      int64
	CorrelationID string
	Timestamp     time.Time
}

// Amounts travel as base-10 strings and are validated inside each operation.
// An empty TaxAmount asks the TaxPolicy to compute it.

type DepositRequest struct {
	ExternalFrom string `json:"external_from"`
	To           string `json:"to"`
	Amount       string `json:"amount"`
	TxnHash      string `json:"txn_hash"`
}

type TransferRequest struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Amount    string `json:"amount"`
	TaxAmount string `json:"tax_amount,omitempty"`
}

type BatchTransferRequest struct {
	From       string   `json:"from"`
	To         []string `json:"to"`
	Amounts    []string `json:"amounts"`
	TaxAmounts []string `json:"tax_amounts,omitempty"`
}

type WithdrawalRequest struct {
	From       string `json:"from"`
	ExternalTo string `json:"external_to"`
	Amount     string `json:"amount"`
	TaxAmount  string `json:"tax_amount,omitempty"`
	JournalRef string `json:"journal_ref"`
}

type ReserveRequest struct {
	Account string `json:"account"`
	Amount  string `json:"amount"`
}

type SettleRequest struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Amount    string `json:"amount"`
	TaxAmount string `json:"tax_amount,omitempty"`
}

type CancelRequest struct {
	Account string `json:"account"`
	Amount  string `json:"amount"`
}

type SetBalanceRequest struct {
	Account string `json:"account"`
	Balance string `json:"balance"`
}

type SetReservationRequest struct {
	Account     string `json:"account"`
	Reservation string `json:"reservation"`
}

type ChangeTaxRequest struct {
	Numerator uint64 `json:"numerator"`
	Shift     uint8  `json:"shift"`
}
