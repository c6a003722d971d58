package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SnapshotManager handles creating and loading state snapshots for recovery.
// A snapshot holds every account, the tax configuration, roles, engagement
// records, recent idempotency keys, the sequence and the chain tip.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData contains the full in-memory state at a point in time.
type SnapshotData struct {
	Sequence        int64               `json:"sequence"`
	StateHash       []byte              `json:"state_hash"`
	Accounts        []AccountSnap       `json:"accounts"`
	Tax             TaxSnap             `json:"tax"`
	Roles           map[string][]string `json:"roles"`       // role -> members
	Engagements     json.RawMessage     `json:"engagements"` // registry records, owned by the engagement package
	Vesting         json.RawMessage     `json:"vesting,omitempty"`
	IdempotencyKeys []string            `json:"idempotency_keys"`
	CreatedAt       time.Time           `json:"created_at"`
}

// AccountSnap is a serializable account. Amounts are base-10 strings.
type AccountSnap struct {
	ID       string `json:"id"`
	Balance  string `json:"balance"`
	Reserved string `json:"reserved"`
}

// TaxSnap is a serializable tax configuration.
type TaxSnap struct {
	Numerator uint64 `json:"numerator"`
	Shift     uint8  `json:"shift"`
	Recipient string `json:"recipient"`
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists a snapshot to Postgres and returns its encoded size.
// Snapshots start unverified; see VerifyPending.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) (int, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	snapshotID := uuid.New()
	formatVersion := int32(1) // v1: JSON-encoded SnapshotData

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6, verified = FALSE
	`, snapshotID, snap.Sequence, data, snap.StateHash, formatVersion, len(data), snap.CreatedAt)
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

// VerifyPending marks every unverified snapshot whose state hash matches
// the persisted command at the same sequence. Returns how many were marked.
func (sm *SnapshotManager) VerifyPending(ctx context.Context) (int64, error) {
	res, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots s
		SET verified = TRUE
		FROM event_log.commands c
		WHERE NOT s.verified
		  AND c.sequence = s.sequence
		  AND c.state_hash = s.state_hash
	`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// LoadLatestSnapshot loads the most recent verified snapshot. Returns
// (nil, nil) on a cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM event_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // No snapshot: cold start
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}

	return &snap, nil
}

// LoadCommandsFrom loads logged commands from a given sequence for replay.
func (sm *SnapshotManager) LoadCommandsFrom(ctx context.Context, fromSequence int64, limit int) ([]CommandRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, command_type, idempotency_key, caller, payload,
		       state_hash, prev_hash, timestamp
		FROM event_log.commands
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var commands []CommandRow
	for rows.Next() {
		var c CommandRow
		if err := rows.Scan(
			&c.Sequence, &c.CommandType, &c.IdempotencyKey, &c.Caller, &c.Payload,
			&c.StateHash, &c.PrevHash, &c.Timestamp,
		); err != nil {
			return nil, err
		}
		commands = append(commands, c)
	}

	return commands, rows.Err()
}

// GetLatestSequence returns the highest sequence in the command log and
// its state hash. An empty log returns (0, nil, nil).
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, []byte, error) {
	var seq int64
	var hash []byte
	err := sm.db.QueryRowContext(ctx, `
		SELECT sequence, state_hash FROM event_log.commands
		ORDER BY sequence DESC
		LIMIT 1
	`).Scan(&seq, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil, nil // Empty command log
	}
	if err != nil {
		return 0, nil, err
	}
	return seq, hash, nil
}
