package query

import "time"

// AccountResponse is the projected state of one account. Amounts are
// base-10 strings.
type AccountResponse struct {
	Account      string `json:"account"`
	Balance      string `json:"balance"`
	Reserved     string `json:"reserved"`
	LastSequence int64  `json:"last_sequence"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// TaxResponse is the projected tax configuration.
type TaxResponse struct {
	Numerator    uint64 `json:"numerator"`
	Shift        uint8  `json:"shift"`
	Recipient    string `json:"recipient"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// EventResponse is one ledger event from the event log.
type EventResponse struct {
	EventID       string    `json:"event_id"`
	Sequence      int64     `json:"sequence"`
	Index         int       `json:"index"`
	Kind          string    `json:"kind"`
	From          string    `json:"from,omitempty"`
	To            string    `json:"to,omitempty"`
	External      string    `json:"external,omitempty"`
	Amount        string    `json:"amount"`
	TaxAmount     string    `json:"tax_amount"`
	RecordID      string    `json:"record_id,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string    `json:"journal_id"`
	BatchID       string    `json:"batch_id"`
	CorrelationID string    `json:"correlation_id"`
	Sequence      int64     `json:"sequence"`
	DebitAccount  string    `json:"debit_account"`
	CreditAccount string    `json:"credit_account"`
	Amount        string    `json:"amount"`
	JournalType   int32     `json:"journal_type"`
	Timestamp     time.Time `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy       bool    `json:"is_healthy"`
	HashChainBreaks []int64 `json:"hash_chain_breaks,omitempty"`

	// Net value that crossed boundary accounts according to the journal,
	// and the sum of projected balances and reservations. They match once
	// the projection has caught up with the log.
	JournalIssued   string `json:"journal_issued"`
	ProjectedSupply string `json:"projected_supply"`
	LogSequence     int64  `json:"log_sequence"`
	ProjectionSeq   int64  `json:"projection_sequence"`
}
