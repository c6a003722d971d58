package query

import (
	"FinLedger/internal/fault"
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

// QueryService provides read-only access to the event log and projection
// tables. Live balances come from the sequencer; this service serves
// history and the eventually consistent projections. Responses carry
// as_of_sequence for freshness semantics.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// GetAccounts returns the projected state of the given accounts in one
// round trip. Unknown accounts are omitted.
func (qs *QueryService) GetAccounts(ctx context.Context, accounts []string) ([]AccountResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT account, balance::text, reserved::text, last_sequence
		FROM projections.accounts
		WHERE account = ANY($1)
		ORDER BY account
	`, pq.Array(accounts))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AccountResponse
	for rows.Next() {
		a := AccountResponse{AsOfSequence: asOfSeq}
		if err := rows.Scan(&a.Account, &a.Balance, &a.Reserved, &a.LastSequence); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// GetTax returns the projected tax configuration.
func (qs *QueryService) GetTax(ctx context.Context) (*TaxResponse, error) {
	var t TaxResponse
	var shift int16
	var numerator int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT numerator, shift, recipient, last_sequence
		FROM projections.tax_config WHERE id = 1
	`).Scan(&numerator, &shift, &t.Recipient, &t.AsOfSequence)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.NotFoundf("tax configuration not projected yet")
	}
	if err != nil {
		return nil, err
	}
	t.Numerator, t.Shift = uint64(numerator), uint8(shift)
	return &t, nil
}

// ListEvents returns ledger events where account is the source or the
// destination, newest first. beforeSequence > 0 pages backwards.
func (qs *QueryService) ListEvents(ctx context.Context, account string, limit int, beforeSequence int64) ([]EventResponse, error) {
	if account == "" {
		return nil, fault.ErrAccountRequired
	}

	query := `
		SELECT event_id, sequence, event_index, kind, from_account, to_account, external,
		       amount::text, tax_amount::text, record_id, correlation_id, timestamp
		FROM event_log.ledger_events
		WHERE (from_account = $1 OR to_account = $1)
	`
	args := []interface{}{account}
	argIdx := 2

	if beforeSequence > 0 {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC, event_index ASC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, pageSize(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventResponse
	for rows.Next() {
		var e EventResponse
		if err := rows.Scan(
			&e.EventID, &e.Sequence, &e.Index, &e.Kind, &e.From, &e.To, &e.External,
			&e.Amount, &e.TaxAmount, &e.RecordID, &e.CorrelationID, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

// GetJournalHistory returns journal entries touching account with pagination.
func (qs *QueryService) GetJournalHistory(ctx context.Context, account string, limit int, beforeSequence int64) ([]JournalHistoryEntry, error) {
	if account == "" {
		return nil, fault.ErrAccountRequired
	}
	paths := []string{
		fmt.Sprintf("user:%s:balance", account),
		fmt.Sprintf("user:%s:reserved", account),
	}

	query := `
		SELECT journal_id, batch_id, correlation_id, sequence,
		       debit_account, credit_account, amount::text, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account = ANY($1) OR credit_account = ANY($1))
	`
	args := []interface{}{pq.Array(paths)}
	argIdx := 2

	if beforeSequence > 0 {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, pageSize(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.CorrelationID, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.Amount, &e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks hash chain continuity of the command log and
// compares journal-derived supply with the projections.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT c1.sequence
		FROM event_log.commands c1
		LEFT JOIN event_log.commands c2 ON c2.sequence = c1.sequence - 1
		WHERE c1.sequence > 1
		  AND (c2.sequence IS NULL OR c1.prev_hash != c2.state_hash)
		ORDER BY c1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(CASE
			WHEN debit_account LIKE 'user:%' AND credit_account NOT LIKE 'user:%' THEN amount
			WHEN credit_account LIKE 'user:%' AND debit_account NOT LIKE 'user:%' THEN -amount
			ELSE 0 END), 0)::text,
		       COALESCE(MAX(sequence), 0)
		FROM event_log.journal
	`).Scan(&report.JournalIssued, &report.LogSequence); err != nil {
		return nil, fmt.Errorf("journal supply: %w", err)
	}

	if err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(balance + reserved), 0)::text FROM projections.accounts
	`).Scan(&report.ProjectedSupply); err != nil {
		return nil, fmt.Errorf("projected supply: %w", err)
	}

	report.ProjectionSeq, err = qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	caughtUp := report.ProjectionSeq >= report.LogSequence
	report.IsHealthy = len(report.HashChainBreaks) == 0 &&
		(!caughtUp || report.JournalIssued == report.ProjectedSupply)
	return report, nil
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE projection_name = 'accounts'
	`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}

func pageSize(limit int) int {
	switch {
	case limit <= 0:
		return defaultPageSize
	case limit > maxPageSize:
		return maxPageSize
	default:
		return limit
	}
}
