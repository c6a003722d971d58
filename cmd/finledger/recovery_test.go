package main

import (
	"FinLedger/internal/query"
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticAudit struct {
	report *query.IntegrityReport
	err    error
}

func (a staticAudit) VerifyIntegrity(context.Context) (*query.IntegrityReport, error) {
	return a.report, a.err
}

func TestReconcileProjections(t *testing.T) {
	tests := []struct {
		name    string
		report  query.IntegrityReport
		rebuild bool
	}{
		{"fresh database", query.IntegrityReport{IsHealthy: true, JournalIssued: "0", ProjectedSupply: "0"}, false},
		{"caught up", query.IntegrityReport{IsHealthy: true, JournalIssued: "10", ProjectedSupply: "10", LogSequence: 4, ProjectionSeq: 4}, false},
		{"lagging", query.IntegrityReport{IsHealthy: true, JournalIssued: "10", ProjectedSupply: "7", LogSequence: 4, ProjectionSeq: 2}, true},
		{"diverged", query.IntegrityReport{JournalIssued: "10", ProjectedSupply: "7", LogSequence: 4, ProjectionSeq: 4}, true},
		{"chain break only", query.IntegrityReport{HashChainBreaks: []int64{3}, JournalIssued: "1", ProjectedSupply: "1", LogSequence: 4, ProjectionSeq: 4}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report := tt.report
			rebuilt := false
			err := reconcileProjections(context.Background(), staticAudit{report: &report}, func(context.Context) error {
				rebuilt = true
				return nil
			}, zerolog.Nop())
			require.NoError(t, err)
			assert.Equal(t, tt.rebuild, rebuilt)
		})
	}
}

func TestReconcileProjectionsErrors(t *testing.T) {
	err := reconcileProjections(context.Background(), staticAudit{err: errors.New("conn refused")}, func(context.Context) error {
		t.Fatal("rebuild after failed audit")
		return nil
	}, zerolog.Nop())
	assert.ErrorContains(t, err, "verify integrity")

	report := query.IntegrityReport{LogSequence: 2}
	err = reconcileProjections(context.Background(), staticAudit{report: &report}, func(context.Context) error {
		return errors.New("truncate failed")
	}, zerolog.Nop())
	assert.ErrorContains(t, err, "rebuild projections")
}
