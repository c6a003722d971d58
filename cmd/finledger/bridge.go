package main

import (
	"FinLedger/internal/access"
	"FinLedger/internal/command"
	"FinLedger/internal/core"
	"FinLedger/internal/engagement"
	"FinLedger/internal/ledger"
	finmath "FinLedger/internal/math"
	"FinLedger/internal/observability"
	"FinLedger/internal/persistence"
	"FinLedger/internal/projection"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// replayBatchSize is the number of logged commands loaded per round trip.
const replayBatchSize = 1000

// --- Core output bridge ---

// toPersistence converts a core output into the rows the persistence
// worker writes. core cannot import persistence, so the orchestrator
// owns this mapping.
func toPersistence(out core.CoreOutput) persistence.CoreOutput {
	env := out.Envelope
	p := persistence.CoreOutput{
		Command: persistence.CommandRow{
			Sequence:       env.Sequence,
			CommandType:    env.Type.String(),
			IdempotencyKey: env.IdempotencyKey,
			Caller:         env.Caller,
			Payload:        env.Payload,
			StateHash:      append([]byte(nil), env.StateHash[:]...),
			PrevHash:       append([]byte(nil), env.PrevHash[:]...),
			Timestamp:      env.Timestamp,
		},
	}

	for _, evt := range out.Events {
		p.Events = append(p.Events, persistence.EventRow{
			EventID:       evt.ID.String(),
			Sequence:      evt.Sequence,
			EventIndex:    evt.Index,
			Kind:          evt.Kind.String(),
			FromAccount:   evt.From,
			ToAccount:     evt.To,
			External:      evt.External,
			Amount:        finmath.Format(&evt.Amount),
			TaxAmount:     finmath.Format(&evt.TaxAmount),
			RecordID:      evt.RecordID,
			CorrelationID: evt.CorrelationID,
			Timestamp:     evt.Timestamp,
		})
	}

	if out.Batch != nil {
		for _, j := range out.Batch.Journals {
			p.Journals = append(p.Journals, persistence.JournalRow{
				JournalID:     j.JournalID.String(),
				BatchID:       j.BatchID.String(),
				CorrelationID: j.EventRef,
				Sequence:      j.Sequence,
				DebitAccount:  j.DebitAccount.AccountPath(),
				CreditAccount: j.CreditAccount.AccountPath(),
				Amount:        finmath.Format(&j.Amount),
				JournalType:   int32(j.JournalType),
				Timestamp:     j.Timestamp,
			})
		}
	}
	return p
}

// toProjection converts a core output into absolute post-command values
// for the projection worker.
func toProjection(out core.CoreOutput) projection.ProjectionOutput {
	p := projection.ProjectionOutput{Sequence: out.Envelope.Sequence}
	for _, a := range out.Accounts {
		p.Accounts = append(p.Accounts, projection.AccountState{
			Account:  a.ID,
			Balance:  finmath.Format(&a.Balance),
			Reserved: finmath.Format(&a.Reserved),
		})
	}
	if out.Tax != nil {
		p.Tax = &projection.TaxState{
			Numerator: out.Tax.Numerator,
			Shift:     out.Tax.Shift,
			Recipient: out.Tax.Recipient,
		}
	}
	return p
}

// forwardPersist feeds the persistence worker until in is closed, then
// closes out. After workerDone closes, outputs are discarded so the core
// never blocks on a worker that has stopped.
func forwardPersist(in <-chan core.CoreOutput, out chan<- persistence.CoreOutput, workerDone <-chan struct{}) {
	defer close(out)
	for o := range in {
		select {
		case out <- toPersistence(o):
		case <-workerDone:
		}
	}
}

// forwardProjection feeds the projection worker until in is closed, then
// closes out. A full worker channel drops the update.
func forwardProjection(in <-chan core.CoreOutput, out chan<- projection.ProjectionOutput, metrics *observability.Metrics) {
	defer close(out)
	for o := range in {
		select {
		case out <- toProjection(o):
		default:
			if metrics != nil {
				metrics.ProjectionDrops.Inc()
			}
		}
	}
}

// --- Snapshots ---

// toSnapshotData converts captured core state into its stored form.
func toSnapshotData(s *core.SnapshotState, now time.Time) (*persistence.SnapshotData, error) {
	engagements, err := json.Marshal(s.Engagements)
	if err != nil {
		return nil, fmt.Errorf("marshal engagements: %w", err)
	}
	vest, err := json.Marshal(s.Vesting)
	if err != nil {
		return nil, fmt.Errorf("marshal vesting: %w", err)
	}

	data := &persistence.SnapshotData{
		Sequence:  s.Sequence,
		StateHash: append([]byte(nil), s.StateHash[:]...),
		Accounts:  make([]persistence.AccountSnap, 0, len(s.Accounts)),
		Tax: persistence.TaxSnap{
			Numerator: s.Tax.Numerator,
			Shift:     s.Tax.Shift,
			Recipient: s.Tax.Recipient,
		},
		Roles:           make(map[string][]string, len(s.Roles)),
		Engagements:     engagements,
		Vesting:         vest,
		IdempotencyKeys: s.IdempotencyKeys,
		CreatedAt:       now,
	}
	for _, a := range s.Accounts {
		data.Accounts = append(data.Accounts, persistence.AccountSnap{
			ID:       a.ID,
			Balance:  finmath.Format(&a.Balance),
			Reserved: finmath.Format(&a.Reserved),
		})
	}
	for role, members := range s.Roles {
		data.Roles[string(role)] = members
	}
	return data, nil
}

// fromSnapshotData is the inverse of toSnapshotData.
func fromSnapshotData(d *persistence.SnapshotData) (*core.SnapshotState, error) {
	s := &core.SnapshotState{
		Sequence: d.Sequence,
		Accounts: make([]ledger.Account, 0, len(d.Accounts)),
		Tax: ledger.TaxConfig{
			Numerator: d.Tax.Numerator,
			Shift:     d.Tax.Shift,
			Recipient: d.Tax.Recipient,
		},
		Roles:           make(map[access.Role][]string, len(d.Roles)),
		IdempotencyKeys: d.IdempotencyKeys,
	}

	if len(d.StateHash) != len(s.StateHash) {
		return nil, fmt.Errorf("snapshot %d: state hash has %d bytes", d.Sequence, len(d.StateHash))
	}
	copy(s.StateHash[:], d.StateHash)

	for _, a := range d.Accounts {
		balance, err := finmath.ParseAmount(a.Balance)
		if err != nil {
			return nil, fmt.Errorf("snapshot account %s balance: %w", a.ID, err)
		}
		reserved, err := finmath.ParseAmount(a.Reserved)
		if err != nil {
			return nil, fmt.Errorf("snapshot account %s reserved: %w", a.ID, err)
		}
		s.Accounts = append(s.Accounts, ledger.Account{ID: a.ID, Balance: *balance, Reserved: *reserved})
	}

	for name, members := range d.Roles {
		s.Roles[access.Role(name)] = members
	}

	if len(d.Engagements) > 0 {
		var eng engagement.Snapshot
		if err := json.Unmarshal(d.Engagements, &eng); err != nil {
			return nil, fmt.Errorf("snapshot engagements: %w", err)
		}
		s.Engagements = eng
	}
	if len(d.Vesting) > 0 {
		if err := json.Unmarshal(d.Vesting, &s.Vesting); err != nil {
			return nil, fmt.Errorf("snapshot vesting: %w", err)
		}
	}
	return s, nil
}

// --- Replay ---

// commandLog is the part of persistence.SnapshotManager replay reads.
type commandLog interface {
	LoadCommandsFrom(ctx context.Context, fromSequence int64, limit int) ([]persistence.CommandRow, error)
}

// envelopeFromRow rebuilds the envelope of a logged command.
func envelopeFromRow(row persistence.CommandRow) (*command.Envelope, error) {
	t, err := command.ParseType(row.CommandType)
	if err != nil {
		return nil, fmt.Errorf("command %d: %w", row.Sequence, err)
	}
	env := &command.Envelope{
		Sequence:       row.Sequence,
		IdempotencyKey: row.IdempotencyKey,
		Type:           t,
		Caller:         row.Caller,
		Timestamp:      row.Timestamp,
		Payload:        row.Payload,
	}
	if len(row.StateHash) != len(env.StateHash) || len(row.PrevHash) != len(env.PrevHash) {
		return nil, fmt.Errorf("command %d: malformed hash", row.Sequence)
	}
	copy(env.StateHash[:], row.StateHash)
	copy(env.PrevHash[:], row.PrevHash)
	return env, nil
}

// replayLog re-applies every logged command after the core's current
// sequence. Any gap, rejection or decode failure stops recovery.
func replayLog(ctx context.Context, log commandLog, c *core.DeterministicCore, logger zerolog.Logger) (int64, error) {
	var replayed int64
	from := c.GetSequence()

	for {
		rows, err := log.LoadCommandsFrom(ctx, from, replayBatchSize)
		if err != nil {
			return replayed, fmt.Errorf("load commands from seq %d: %w", from, err)
		}
		if len(rows) == 0 {
			return replayed, nil
		}

		for _, row := range rows {
			env, err := envelopeFromRow(row)
			if err != nil {
				return replayed, err
			}
			if err := c.Replay(env); err != nil {
				return replayed, err
			}
			replayed++
		}

		from = rows[len(rows)-1].Sequence + 1
		logger.Debug().Int64("next_sequence", from).Int64("replayed", replayed).Msg("replay progress")
	}
}
