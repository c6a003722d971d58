package core

import (
	"FinLedger/internal/access"
	"FinLedger/internal/engagement"
	"FinLedger/internal/ledger"
	"FinLedger/internal/vesting"
	"fmt"
)

// SnapshotState holds the serializable in-memory state for restore.
// This mirrors persistence.SnapshotData but uses typed fields.
type SnapshotState struct {
	Sequence        int64 // last applied sequence
	StateHash       [32]byte
	Accounts        []ledger.Account
	Tax             ledger.TaxConfig
	Roles           map[access.Role][]string
	Engagements     engagement.Snapshot
	Vesting         vesting.Snapshot
	IdempotencyKeys []string
}

// CreateSnapshotState captures the current in-memory state for persistence.
func (c *DeterministicCore) CreateSnapshotState() *SnapshotState {
	return &SnapshotState{
		Sequence:        c.sequence - 1,
		StateHash:       c.hasher.GetPrevHash(),
		Accounts:        c.ledger.Accounts(),
		Tax:             c.ledger.TaxConfig(),
		Roles:           c.roles.Snapshot(),
		Engagements:     c.engagements.Snapshot(),
		Vesting:         c.vesting.Snapshot(),
		IdempotencyKeys: c.idempotency.Keys(),
	}
}

// RestoreFromSnapshot restores the core's in-memory state from a snapshot.
// On warm restart: load latest snapshot, then replay the log after it.
func (c *DeterministicCore) RestoreFromSnapshot(snap *SnapshotState) error {
	if err := c.ledger.Restore(snap.Accounts, snap.Tax); err != nil {
		return fmt.Errorf("restore accounts: %w", err)
	}
	if len(snap.Roles) > 0 {
		c.roles.Restore(snap.Roles)
	}
	c.engagements.Restore(snap.Engagements)
	c.vesting.Restore(snap.Vesting)
	c.idempotency.Warm(snap.IdempotencyKeys)

	c.sequence = snap.Sequence + 1 // Next sequence to assign
	c.hasher.SetPrevHash(snap.StateHash)
	return nil
}
