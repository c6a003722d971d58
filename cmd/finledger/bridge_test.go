package main

import (
	"FinLedger/internal/command"
	"FinLedger/internal/core"
	"FinLedger/internal/engagement"
	"FinLedger/internal/ledger"
	finmath "FinLedger/internal/math"
	"FinLedger/internal/observability"
	"FinLedger/internal/persistence"
	"FinLedger/internal/projection"
	"FinLedger/internal/vesting"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func newCore(t *testing.T, persist chan core.CoreOutput) *core.DeterministicCore {
	t.Helper()
	c, err := core.NewDeterministicCore(core.Options{
		Admins: []string{"admin"},
		Tax:    ledger.TaxConfig{Numerator: 1, Shift: 0, Recipient: "treasury"},
	}, persist, nil)
	require.NoError(t, err)
	return c
}

func hdr(key string, n int) command.Header {
	return command.Header{IdempotencyKey: key, Caller: "admin", Timestamp: t0.Add(time.Duration(n) * time.Second)}
}

func commands() []command.Command {
	return []command.Command{
		&command.Deposit{Header: hdr("d1", 1), DepositRequest: ledger.DepositRequest{
			ExternalFrom: "bank", To: "alice", Amount: "1000", TxnHash: "0xd1",
		}},
		&command.Transfer{Header: hdr("t1", 2), TransferRequest: ledger.TransferRequest{
			From: "alice", To: "bob", Amount: "100",
		}},
		&command.Reserve{Header: hdr("r1", 3), ReserveRequest: ledger.ReserveRequest{Account: "bob", Amount: "40"}},
		&command.ChangeTax{Header: hdr("c1", 4), ChangeTaxRequest: ledger.ChangeTaxRequest{Numerator: 25, Shift: 1}},
		&command.GrantRole{Header: hdr("g1", 5), Member: "ops"},
		&command.AddShare{Header: hdr("s1", 6), Share: engagement.Share{
			To: "alice", ID: "share-1", CampaignID: "spring", Token: "FIN", Media: 1, Amount: "5", Status: 0, When: 6,
		}},
	}
}

// applyAll runs cmds through c and returns the persisted outputs.
func applyAll(t *testing.T, c *core.DeterministicCore, ch chan core.CoreOutput, cmds []command.Command) []core.CoreOutput {
	t.Helper()
	var outs []core.CoreOutput
	for _, cmd := range cmds {
		_, err := c.ProcessCommand(cmd)
		require.NoError(t, err, cmd.Meta().IdempotencyKey)
		outs = append(outs, <-ch)
	}
	return outs
}

func TestToPersistence(t *testing.T) {
	ch := make(chan core.CoreOutput, 16)
	c := newCore(t, ch)
	outs := applyAll(t, c, ch, commands()[:2])

	p := toPersistence(outs[1])
	assert.Equal(t, int64(2), p.Command.Sequence)
	assert.Equal(t, "transfer", p.Command.CommandType)
	assert.Equal(t, "t1", p.Command.IdempotencyKey)
	assert.Equal(t, "admin", p.Command.Caller)
	assert.Equal(t, outs[1].Envelope.StateHash[:], p.Command.StateHash)
	assert.Equal(t, outs[0].Envelope.StateHash[:], p.Command.PrevHash)
	assert.JSONEq(t, string(outs[1].Envelope.Payload), string(p.Command.Payload))

	require.Len(t, p.Events, 1)
	assert.Equal(t, "Transfer", p.Events[0].Kind)
	assert.Equal(t, "alice", p.Events[0].FromAccount)
	assert.Equal(t, "bob", p.Events[0].ToAccount)
	assert.Equal(t, "100", p.Events[0].Amount)
	assert.Equal(t, "1", p.Events[0].TaxAmount)

	require.NotEmpty(t, p.Journals)
	var total uint64
	for _, j := range p.Journals {
		assert.Equal(t, int64(2), j.Sequence)
		assert.NotEmpty(t, j.CorrelationID)
		amt, err := finmath.ParseAmount(j.Amount)
		require.NoError(t, err)
		total += amt.Uint64()
	}
	// user legs plus tax
	assert.GreaterOrEqual(t, total, uint64(101))
}

func TestToProjection(t *testing.T) {
	ch := make(chan core.CoreOutput, 16)
	c := newCore(t, ch)
	outs := applyAll(t, c, ch, commands()[:4])

	p := toProjection(outs[1])
	assert.Equal(t, int64(2), p.Sequence)
	assert.Nil(t, p.Tax)
	got := map[string]projection.AccountState{}
	for _, a := range p.Accounts {
		got[a.Account] = a
	}
	assert.Equal(t, "899", got["alice"].Balance)
	assert.Equal(t, "100", got["bob"].Balance)
	assert.Equal(t, "1", got["treasury"].Balance)

	p = toProjection(outs[3])
	require.NotNil(t, p.Tax)
	assert.Equal(t, projection.TaxState{Numerator: 25, Shift: 1, Recipient: "treasury"}, *p.Tax)
}

func TestForwardPersistDiscardsAfterWorkerStops(t *testing.T) {
	ch := make(chan core.CoreOutput, 16)
	c := newCore(t, ch)
	outs := applyAll(t, c, ch, commands()[:3])

	in := make(chan core.CoreOutput, len(outs))
	out := make(chan persistence.CoreOutput) // unbuffered: nobody reads
	workerDone := make(chan struct{})
	close(workerDone)
	for _, o := range outs {
		in <- o
	}
	close(in)

	done := make(chan struct{})
	go func() {
		forwardPersist(in, out, workerDone)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("forwardPersist blocked on a stopped worker")
	}
	_, ok := <-out
	assert.False(t, ok, "output channel closed")
}

func TestForwardProjectionDropsWhenFull(t *testing.T) {
	ch := make(chan core.CoreOutput, 16)
	c := newCore(t, ch)
	outs := applyAll(t, c, ch, commands()[:3])

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	in := make(chan core.CoreOutput, len(outs))
	out := make(chan projection.ProjectionOutput, 1)
	for _, o := range outs {
		in <- o
	}
	close(in)

	forwardProjection(in, out, metrics)

	first, ok := <-out
	require.True(t, ok)
	assert.Equal(t, int64(1), first.Sequence)
	_, ok = <-out
	assert.False(t, ok)
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.ProjectionDrops))
}

func TestSnapshotDataRoundTrip(t *testing.T) {
	ch := make(chan core.CoreOutput, 16)
	c := newCore(t, ch)
	applyAll(t, c, ch, commands())

	data, err := toSnapshotData(c.CreateSnapshotState(), t0)
	require.NoError(t, err)
	assert.Equal(t, int64(6), data.Sequence)
	assert.Equal(t, []string{"admin", "ops"}, data.Roles["admin"])

	// stored as JSON
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	var stored persistence.SnapshotData
	require.NoError(t, json.Unmarshal(raw, &stored))

	state, err := fromSnapshotData(&stored)
	require.NoError(t, err)

	restored := newCore(t, nil)
	require.NoError(t, restored.RestoreFromSnapshot(state))

	assert.Equal(t, c.GetSequence(), restored.GetSequence())
	assert.Equal(t, c.GetStateHash(), restored.GetStateHash())
	assert.Equal(t, c.Ledger().Accounts(), restored.Ledger().Accounts())
	assert.Equal(t, c.Ledger().TaxConfig(), restored.Ledger().TaxConfig())
	assert.True(t, restored.Roles().HasRole("ops", "admin"))

	rec, err := restored.Engagements().Lookup(engagement.KindShare, "alice", "share-1")
	require.NoError(t, err)
	assert.Equal(t, "5", rec.(engagement.Share).Amount)
}

func TestFromSnapshotDataRejectsCorruption(t *testing.T) {
	base := persistence.SnapshotData{Sequence: 3, StateHash: make([]byte, 32)}

	short := base
	short.StateHash = []byte{1, 2}
	_, err := fromSnapshotData(&short)
	assert.Error(t, err)

	badAmount := base
	badAmount.Accounts = []persistence.AccountSnap{{ID: "alice", Balance: "-5", Reserved: "0"}}
	_, err = fromSnapshotData(&badAmount)
	assert.Error(t, err)

	badEngagements := base
	badEngagements.Engagements = json.RawMessage(`{"shares":"nope"}`)
	_, err = fromSnapshotData(&badEngagements)
	assert.Error(t, err)

	badVesting := base
	badVesting.Vesting = json.RawMessage(`{"members":{}}`)
	_, err = fromSnapshotData(&badVesting)
	assert.Error(t, err)
}

func TestSnapshotDataCarriesVesting(t *testing.T) {
	ch := make(chan core.CoreOutput, 16)
	c := newCore(t, ch)
	cmds := append(commands(),
		&command.AddVestingMember{Header: hdr("v1", 7), AddMemberRequest: vesting.AddMemberRequest{
			Member: "dev1", Funder: "alice", Amount: "50",
		}},
		&command.WithdrawVesting{Header: hdr("v2", 8), WithdrawRequest: vesting.WithdrawRequest{Member: "dev1"}},
	)
	applyAll(t, c, ch, cmds)

	data, err := toSnapshotData(c.CreateSnapshotState(), t0)
	require.NoError(t, err)
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	var stored persistence.SnapshotData
	require.NoError(t, json.Unmarshal(raw, &stored))

	state, err := fromSnapshotData(&stored)
	require.NoError(t, err)
	restored := newCore(t, nil)
	require.NoError(t, restored.RestoreFromSnapshot(state))

	s, err := restored.Vesting().Member("dev1")
	require.NoError(t, err)
	assert.Equal(t, "10", s.Released)
	assert.True(t, s.Next.Equal(t0.Add(7*time.Second+vesting.DefaultPeriod)))
	assert.Equal(t, c.Vesting().Snapshot(), restored.Vesting().Snapshot())
}

// memLog serves persisted command rows the way SnapshotManager does.
type memLog struct {
	rows []persistence.CommandRow
	err  error
}

func (m *memLog) LoadCommandsFrom(_ context.Context, from int64, limit int) ([]persistence.CommandRow, error) {
	if m.err != nil {
		return nil, m.err
	}
	var out []persistence.CommandRow
	for _, r := range m.rows {
		if r.Sequence >= from && len(out) < limit {
			out = append(out, r)
		}
	}
	return out, nil
}

func TestReplayLogRebuildsState(t *testing.T) {
	ch := make(chan core.CoreOutput, 16)
	c := newCore(t, ch)
	outs := applyAll(t, c, ch, commands())

	log := &memLog{}
	for _, o := range outs {
		log.rows = append(log.rows, toPersistence(o).Command)
	}

	replica := newCore(t, nil)
	n, err := replayLog(context.Background(), log, replica, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, int64(len(outs)), n)
	assert.Equal(t, c.GetStateHash(), replica.GetStateHash())
	assert.Equal(t, c.Ledger().Accounts(), replica.Ledger().Accounts())
}

func TestReplayLogResumesAfterSnapshot(t *testing.T) {
	ch := make(chan core.CoreOutput, 16)
	c := newCore(t, ch)
	cmds := commands()
	outs := applyAll(t, c, ch, cmds[:3])
	data, err := toSnapshotData(c.CreateSnapshotState(), t0)
	require.NoError(t, err)
	outs = append(outs, applyAll(t, c, ch, cmds[3:])...)

	log := &memLog{}
	for _, o := range outs {
		log.rows = append(log.rows, toPersistence(o).Command)
	}

	state, err := fromSnapshotData(data)
	require.NoError(t, err)
	replica := newCore(t, nil)
	require.NoError(t, replica.RestoreFromSnapshot(state))

	n, err := replayLog(context.Background(), log, replica, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.Equal(t, c.GetStateHash(), replica.GetStateHash())
}

func TestReplayLogFailures(t *testing.T) {
	ch := make(chan core.CoreOutput, 16)
	c := newCore(t, ch)
	outs := applyAll(t, c, ch, commands()[:2])

	t.Run("load error", func(t *testing.T) {
		_, err := replayLog(context.Background(), &memLog{err: errors.New("db down")}, newCore(t, nil), zerolog.Nop())
		assert.ErrorContains(t, err, "db down")
	})

	t.Run("gap", func(t *testing.T) {
		log := &memLog{rows: []persistence.CommandRow{toPersistence(outs[1]).Command}}
		log.rows[0].Sequence = 1 // claims to be first but chains from seq 1
		_, err := replayLog(context.Background(), log, newCore(t, nil), zerolog.Nop())
		assert.Error(t, err)
	})

	t.Run("unknown type", func(t *testing.T) {
		row := toPersistence(outs[0]).Command
		row.CommandType = "mint"
		_, err := replayLog(context.Background(), &memLog{rows: []persistence.CommandRow{row}}, newCore(t, nil), zerolog.Nop())
		assert.Error(t, err)
	})

	t.Run("truncated hash", func(t *testing.T) {
		row := toPersistence(outs[0]).Command
		row.StateHash = row.StateHash[:8]
		_, err := replayLog(context.Background(), &memLog{rows: []persistence.CommandRow{row}}, newCore(t, nil), zerolog.Nop())
		assert.Error(t, err)
	})
}
