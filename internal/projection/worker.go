package projection

import (
	"FinLedger/internal/observability"
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// watermarkName identifies this worker's row in projections.watermark.
const watermarkName = "accounts"

// ProjectionOutput mirrors the data needed by projection workers.
// The orchestrator bridges between core.CoreOutput and this.
type ProjectionOutput struct {
	Sequence int64
	Accounts []AccountState
	Tax      *TaxState // nil unless the command changed the tax
}

// AccountState is the post-command state of one account. Amounts are
// base-10 strings.
type AccountState struct {
	Account  string
	Balance  string
	Reserved string
}

type TaxState struct {
	Numerator uint64
	Shift     uint8
	Recipient string
}

// ProjectionWorker updates projection tables from applied commands.
// The projection channel is non-blocking with drop. Rows carry absolute
// post-command values, so a dropped update is healed by the next command
// touching the same account, and everything can be rebuilt from the
// journal.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan ProjectionOutput
	metrics   *observability.Metrics
	logger    zerolog.Logger
	lastSeq   int64
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan ProjectionOutput, metrics *observability.Metrics, logger zerolog.Logger) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			start := time.Now()
			if err := pw.processOutput(ctx, output); err != nil {
				// Continue: projections are eventually consistent
				// and can be rebuilt from the journal
				pw.logger.Warn().Err(err).Int64("sequence", output.Sequence).Msg("projection update failed")
				if pw.metrics != nil {
					pw.metrics.ProjectionErrors.Inc()
				}
				continue
			}
			if pw.metrics != nil {
				pw.metrics.ProjectionUpdateDur.Observe(time.Since(start).Seconds())
			}
			pw.lastSeq = output.Sequence
		}
	}
}

// LastSequence returns the last sequence projected by this worker.
func (pw *ProjectionWorker) LastSequence() int64 {
	return pw.lastSeq
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, output ProjectionOutput) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, a := range output.Accounts {
		// Never let an older sequence overwrite a newer row
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.accounts (account, balance, reserved, last_sequence, updated_at)
			VALUES ($1, $2, $3, $4, NOW())
			ON CONFLICT (account) DO UPDATE
			SET balance = EXCLUDED.balance, reserved = EXCLUDED.reserved,
			    last_sequence = EXCLUDED.last_sequence, updated_at = NOW()
			WHERE projections.accounts.last_sequence < EXCLUDED.last_sequence
		`, a.Account, a.Balance, a.Reserved, output.Sequence); err != nil {
			return fmt.Errorf("account projection %s: %w", a.Account, err)
		}
	}

	if output.Tax != nil {
		if err := upsertTax(ctx, tx, *output.Tax, output.Sequence); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (projection_name, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (projection_name) DO UPDATE SET last_sequence = $2, updated_at = NOW()
		WHERE projections.watermark.last_sequence < $2
	`, watermarkName, output.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

func upsertTax(ctx context.Context, ex interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
}, tax TaxState, sequence int64) error {
	if _, err := ex.ExecContext(ctx, `
		INSERT INTO projections.tax_config (id, numerator, shift, recipient, last_sequence, updated_at)
		VALUES (1, $1, $2, $3, $4, NOW())
		ON CONFLICT (id) DO UPDATE
		SET numerator = EXCLUDED.numerator, shift = EXCLUDED.shift, recipient = EXCLUDED.recipient,
		    last_sequence = EXCLUDED.last_sequence, updated_at = NOW()
		WHERE projections.tax_config.last_sequence <= EXCLUDED.last_sequence
	`, int64(tax.Numerator), int16(tax.Shift), tax.Recipient, sequence); err != nil {
		return fmt.Errorf("tax projection: %w", err)
	}
	return nil
}

// SeedTax writes the tax configuration the core starts with, so the
// projection is populated before the first change_tax command.
func SeedTax(ctx context.Context, db *sql.DB, tax TaxState, sequence int64) error {
	return upsertTax(ctx, db, tax, sequence)
}

// RebuildProjections rebuilds the account projection from the journal.
// Debit legs increase a balance, credit legs decrease it; only user-scope
// paths (user:<owner>:<bucket>) are projected.
func RebuildProjections(ctx context.Context, db *sql.DB, logger zerolog.Logger) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `TRUNCATE projections.accounts`); err != nil {
		return fmt.Errorf("truncate failed: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		WITH flows AS (
			SELECT debit_account AS path, amount, sequence FROM event_log.journal
			UNION ALL
			SELECT credit_account AS path, -amount, sequence FROM event_log.journal
		), per_path AS (
			SELECT regexp_replace(path, '^user:(.*):[a-z]+$', '\1') AS account,
			       regexp_replace(path, '^.*:', '') AS bucket,
			       SUM(amount) AS total,
			       MAX(sequence) AS last_sequence
			FROM flows
			WHERE path LIKE 'user:%'
			GROUP BY path
		)
		INSERT INTO projections.accounts (account, balance, reserved, last_sequence)
		SELECT account,
		       COALESCE(SUM(total) FILTER (WHERE bucket = 'balance'), 0),
		       COALESCE(SUM(total) FILTER (WHERE bucket = 'reserved'), 0),
		       MAX(last_sequence)
		FROM per_path
		GROUP BY account
	`); err != nil {
		return fmt.Errorf("rebuild balances: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (projection_name, last_sequence, updated_at)
		SELECT $1, COALESCE(MAX(sequence), 0), NOW() FROM event_log.commands
		ON CONFLICT (projection_name) DO UPDATE SET last_sequence = EXCLUDED.last_sequence, updated_at = NOW()
	`, watermarkName); err != nil {
		return fmt.Errorf("rebuild watermark: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	logger.Info().Msg("projection rebuild complete")
	return nil
}
