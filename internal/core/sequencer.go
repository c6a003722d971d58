package core

import (
	"FinLedger/internal/command"
	"FinLedger/internal/observability"
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// ErrSequencerStopped is returned to submitters once Run has exited.
var ErrSequencerStopped = errors.New("sequencer stopped")

// Sequencer is the single goroutine that owns the DeterministicCore.
// Every ingestion surface (gRPC, HTTP gateway, NATS) submits through it,
// which gives the ledger one global order and lets reads observe a
// consistent post-command state.
type Sequencer struct {
	core     *DeterministicCore
	requests chan request
	stopped  chan struct{}
	metrics  *observability.Metrics
	logger   zerolog.Logger
}

type request struct {
	cmd      command.Command
	read     func(*DeterministicCore)
	source   string
	received time.Time
	done     chan response
}

type response struct {
	result *Result
	err    error
}

func NewSequencer(core *DeterministicCore, queueSize int, metrics *observability.Metrics, logger zerolog.Logger) *Sequencer {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Sequencer{
		core:     core,
		requests: make(chan request, queueSize),
		stopped:  make(chan struct{}),
		metrics:  metrics,
		logger:   logger,
	}
}

// Submit queues cmd for the core and waits for its result. source labels
// the ingestion surface for latency metrics.
func (s *Sequencer) Submit(ctx context.Context, source string, cmd command.Command) (*Result, error) {
	resp, err := s.do(ctx, request{cmd: cmd, source: source})
	if err != nil {
		return nil, err
	}
	return resp.result, resp.err
}

// Read runs fn on the sequencer goroutine, between two commands. fn must
// not retain references to core state after it returns.
func (s *Sequencer) Read(ctx context.Context, fn func(*DeterministicCore)) error {
	_, err := s.do(ctx, request{read: fn})
	return err
}

func (s *Sequencer) do(ctx context.Context, req request) (response, error) {
	req.received = time.Now()
	req.done = make(chan response, 1)

	select {
	case s.requests <- req:
	case <-s.stopped:
		return response{}, ErrSequencerStopped
	case <-ctx.Done():
		return response{}, ctx.Err()
	}

	select {
	case resp := <-req.done:
		return resp, nil
	case <-s.stopped:
		return response{}, ErrSequencerStopped
	case <-ctx.Done():
		// The command may still be applied; its idempotency key makes a
		// retry safe.
		return response{}, ctx.Err()
	}
}

// Run processes requests until ctx is cancelled. A panic from the core
// (invariant violation, hash divergence) is not recovered.
func (s *Sequencer) Run(ctx context.Context) error {
	defer close(s.stopped)
	s.logger.Info().Int64("next_sequence", s.core.GetSequence()).Msg("sequencer started")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Int64("next_sequence", s.core.GetSequence()).Msg("sequencer stopped")
			return ctx.Err()
		case req := <-s.requests:
			s.handle(req)
		}
	}
}

func (s *Sequencer) handle(req request) {
	if req.read != nil {
		req.read(s.core)
		req.done <- response{}
		return
	}

	if s.metrics != nil {
		s.metrics.IngestToApply.WithLabelValues(req.source).Observe(time.Since(req.received).Seconds())
		s.metrics.SetChannel("sequencer", len(s.requests), cap(s.requests))
	}

	result, err := s.core.ProcessCommand(req.cmd)
	if err != nil {
		s.logger.Debug().
			Err(err).
			Str("command_type", req.cmd.Type().String()).
			Str("idempotency_key", req.cmd.Meta().IdempotencyKey).
			Str("caller", req.cmd.Meta().Caller).
			Msg("command rejected")
	}
	req.done <- response{result: result, err: err}
}
