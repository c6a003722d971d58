package main

import (
	"FinLedger/internal/core"
	"FinLedger/internal/observability"
	"FinLedger/internal/persistence"
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// snapshotCheckInterval is how often the snapshotter compares the core
// sequence with the last snapshot.
const snapshotCheckInterval = 10 * time.Second

// snapshotter writes a snapshot every interval applied commands. A snapshot
// is captured inside the sequencer goroutine and encoded outside it. It is
// marked verified once the persistence worker has flushed its sequence.
type snapshotter struct {
	seq      *core.Sequencer
	store    *persistence.SnapshotManager
	interval int64
	metrics  *observability.Metrics
	logger   zerolog.Logger

	persisted atomic.Int64 // last sequence committed to the command log
	lastSeq   int64        // sequence of the last snapshot written
}

func newSnapshotter(seq *core.Sequencer, store *persistence.SnapshotManager, interval, lastSeq int64, metrics *observability.Metrics, logger zerolog.Logger) *snapshotter {
	if interval <= 0 {
		interval = 100_000
	}
	s := &snapshotter{
		seq:      seq,
		store:    store,
		interval: interval,
		metrics:  metrics,
		logger:   logger,
		lastSeq:  lastSeq,
	}
	s.persisted.Store(lastSeq)
	return s
}

// onFlush is registered with the persistence worker.
func (s *snapshotter) onFlush(sequence int64) {
	s.persisted.Store(sequence)
}

// Run checks periodically until ctx is cancelled. Failures are logged; the
// command log stays the source of truth.
func (s *snapshotter) Run(ctx context.Context) error {
	ticker := time.NewTicker(snapshotCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			var state *core.SnapshotState
			err := s.seq.Read(ctx, func(c *core.DeterministicCore) {
				if c.GetSequence()-1-s.lastSeq >= s.interval {
					state = c.CreateSnapshotState()
				}
			})
			if err != nil {
				// sequencer stopping
				continue
			}
			if state != nil {
				if err := s.take(ctx, state); err != nil {
					s.logger.Warn().Err(err).Int64("sequence", state.Sequence).Msg("periodic snapshot failed")
				}
			}
			s.verify(ctx)
		}
	}
}

// take encodes and stores a captured state.
func (s *snapshotter) take(ctx context.Context, state *core.SnapshotState) error {
	if state.Sequence <= s.lastSeq {
		return nil
	}
	start := time.Now()

	data, err := toSnapshotData(state, start.UTC())
	if err != nil {
		return err
	}
	size, err := s.store.SaveSnapshot(ctx, data)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	s.lastSeq = state.Sequence

	if s.metrics != nil {
		s.metrics.SnapshotTaken.Inc()
		s.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		s.metrics.SnapshotSizeBytes.Set(float64(size))
		s.metrics.SnapshotLastSeq.Set(float64(state.Sequence))
	}
	s.logger.Info().Int64("sequence", state.Sequence).Int("bytes", size).Msg("snapshot saved")
	return nil
}

// verify marks stored snapshots verified once their sequence is durable.
func (s *snapshotter) verify(ctx context.Context) {
	if s.persisted.Load() < s.lastSeq {
		return
	}
	n, err := s.store.VerifyPending(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("snapshot verification failed")
		return
	}
	if n > 0 {
		s.logger.Debug().Int64("verified", n).Msg("snapshots verified")
	}
}
