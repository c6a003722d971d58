package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Postgres caps a statement at 65535 bind parameters.
const maxBindParams = 65535

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// EventLogWriter writes the command log, ledger events and journals using
// multi-row INSERTs. Every insert is idempotent on its primary key so a
// retried batch is harmless.
type EventLogWriter struct{}

// CommandRow represents a row in event_log.commands
type CommandRow struct {
	Sequence       int64
	CommandType    string
	IdempotencyKey string
	Caller         string
	Payload        []byte // JSON-encoded command
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
}

// EventRow represents a row in event_log.ledger_events
type EventRow struct {
	EventID       string
	Sequence      int64
	EventIndex    int
	Kind          string
	FromAccount   string
	ToAccount     string
	External      string
	Amount        string // numeric(78,0) as base-10 text
	TaxAmount     string
	RecordID      string
	CorrelationID string
	Timestamp     time.Time
}

// JournalRow represents a row in event_log.journal
type JournalRow struct {
	JournalID     string
	BatchID       string
	CorrelationID string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	Amount        string
	JournalType   int32
	Timestamp     time.Time
}

func NewEventLogWriter() *EventLogWriter {
	return &EventLogWriter{}
}

// WriteCommandBatch appends commands to event_log.commands.
func (w *EventLogWriter) WriteCommandBatch(ctx context.Context, ex execer, rows []CommandRow) error {
	args := make([][]interface{}, len(rows))
	for i, c := range rows {
		args[i] = []interface{}{
			c.Sequence, c.CommandType, c.IdempotencyKey, c.Caller,
			c.Payload, c.StateHash, c.PrevHash, c.Timestamp,
		}
	}
	return insertRows(ctx, ex,
		`INSERT INTO event_log.commands
		(sequence, command_type, idempotency_key, caller, payload, state_hash, prev_hash, timestamp)
		VALUES `,
		" ON CONFLICT (sequence) DO NOTHING",
		8, args)
}

// WriteEventBatch writes ledger events to event_log.ledger_events.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, ex execer, rows []EventRow) error {
	args := make([][]interface{}, len(rows))
	for i, e := range rows {
		args[i] = []interface{}{
			e.EventID, e.Sequence, e.EventIndex, e.Kind,
			e.FromAccount, e.ToAccount, e.External,
			e.Amount, e.TaxAmount, e.RecordID, e.CorrelationID, e.Timestamp,
		}
	}
	return insertRows(ctx, ex,
		`INSERT INTO event_log.ledger_events
		(event_id, sequence, event_index, kind, from_account, to_account, external,
		 amount, tax_amount, record_id, correlation_id, timestamp)
		VALUES `,
		" ON CONFLICT (event_id) DO NOTHING",
		12, args)
}

// WriteJournalBatch writes journal entries to event_log.journal.
func (w *EventLogWriter) WriteJournalBatch(ctx context.Context, ex execer, rows []JournalRow) error {
	args := make([][]interface{}, len(rows))
	for i, j := range rows {
		args[i] = []interface{}{
			j.JournalID, j.BatchID, j.CorrelationID, j.Sequence,
			j.DebitAccount, j.CreditAccount, j.Amount, j.JournalType, j.Timestamp,
		}
	}
	return insertRows(ctx, ex,
		`INSERT INTO event_log.journal
		(journal_id, batch_id, correlation_id, sequence, debit_account, credit_account,
		 amount, journal_type, timestamp)
		VALUES `,
		" ON CONFLICT (journal_id) DO NOTHING",
		9, args)
}

// insertRows builds and executes multi-row INSERTs, splitting the rows so
// that no statement exceeds the bind parameter limit.
func insertRows(ctx context.Context, ex execer, prefix, suffix string, cols int, rows [][]interface{}) error {
	perStmt := maxBindParams / cols
	for start := 0; start < len(rows); start += perStmt {
		end := start + perStmt
		if end > len(rows) {
			end = len(rows)
		}
		query, args := buildInsert(prefix, suffix, cols, rows[start:end])
		if _, err := ex.ExecContext(ctx, query, args...); err != nil {
			return err
		}
	}
	return nil
}

func buildInsert(prefix, suffix string, cols int, rows [][]interface{}) (string, []interface{}) {
	var sb strings.Builder
	sb.WriteString(prefix)

	args := make([]interface{}, 0, len(rows)*cols)
	for i, row := range rows {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for c := 0; c < cols; c++ {
			if c > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", i*cols+c+1)
		}
		sb.WriteByte(')')
		args = append(args, row...)
	}

	sb.WriteString(suffix)
	return sb.String(), args
}
