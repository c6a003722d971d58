package main

import (
	"FinLedger/internal/core"
	"FinLedger/internal/event"
	"FinLedger/internal/ingestion"
	"FinLedger/internal/observability"
	"FinLedger/internal/persistence"
	"FinLedger/internal/projection"
	"FinLedger/internal/query"
	"FinLedger/internal/server"
	"FinLedger/migrations"
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

func main() {
	logger := observability.NewLogger("finledger")

	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, stop, cfg, logger); err != nil {
		logger.Error().Err(err).Msg("FinLedger stopped with error")
		os.Exit(1)
	}
	logger.Info().Msg("FinLedger shutdown complete")
}

// run wires every component and blocks until ctx is cancelled or a
// component fails. stop cancels ctx.
func run(ctx context.Context, stop context.CancelFunc, cfg Config, logger zerolog.Logger) error {
	logger.Info().Msg("FinLedger starting")

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		return fmt.Errorf("postgres open: %w", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	logger.Info().Msg("Postgres connected")

	// --- Migrations ---
	var schema fs.FS = migrations.FS
	if cfg.MigrationsDir != "" {
		schema = os.DirFS(cfg.MigrationsDir)
	}
	if err := persistence.NewMigrator(db, schema, logger).Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	// --- Observability ---
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	healthChecker := observability.NewHealthChecker()
	healthChecker.AddCheck("postgres", db.PingContext)

	// --- Channels ---
	// The persist channel blocks (backpressure), the projection channel drops.
	persistCoreChan := make(chan core.CoreOutput, cfg.PersistChanSize)
	projectionCoreChan := make(chan core.CoreOutput, cfg.ProjectionChanSize)
	persistWorkerChan := make(chan persistence.CoreOutput, cfg.PersistChanSize)
	projectionWorkerChan := make(chan projection.ProjectionOutput, cfg.ProjectionChanSize)
	publishChan := make(chan event.LedgerEvent, cfg.PublishChanSize)

	var sink event.Sink = event.Discard
	if cfg.NATSURL != "" {
		sink = event.NewChannelSink(publishChan, func(evt event.LedgerEvent) {
			metrics.PublishDrops.Inc()
		})
	}

	// --- Deterministic core ---
	deterministicCore, err := core.NewDeterministicCore(core.Options{
		StartSequence: 1,
		Admins:        cfg.Admins,
		TaxLimits:     cfg.TaxLimits(),
		Tax:           cfg.Tax(),
		Vesting:       cfg.Vesting(),
		LRUCapacity:   cfg.IdempotencyLRUCapacity,
		DBChecker:     persistence.NewPostgresIdempotencyChecker(db),
		Metrics:       metrics,
		Sink:          sink,
	}, persistCoreChan, projectionCoreChan)
	if err != nil {
		return fmt.Errorf("core: %w", err)
	}

	// --- Recovery: snapshot, replay, verification ---
	snapMgr := persistence.NewSnapshotManager(db)
	if err := recoverCore(ctx, snapMgr, deterministicCore, metrics, logger); err != nil {
		return err
	}
	lastSeq := deterministicCore.GetSequence() - 1

	history := query.NewQueryService(db)
	if err := reconcileProjections(ctx, history, func(ctx context.Context) error {
		return projection.RebuildProjections(ctx, db, logger)
	}, logger); err != nil {
		return err
	}

	tax := deterministicCore.Ledger().TaxConfig()
	if err := projection.SeedTax(ctx, db, projection.TaxState{
		Numerator: tax.Numerator,
		Shift:     tax.Shift,
		Recipient: tax.Recipient,
	}, lastSeq); err != nil {
		return fmt.Errorf("seed tax projection: %w", err)
	}

	sequencer := core.NewSequencer(deterministicCore, cfg.PersistChanSize, metrics, logger.With().Str("component", "sequencer").Logger())

	// --- NATS ---
	var (
		natsConn   *nats.Conn
		subscriber *ingestion.NATSSubscriber
		publisher  *ingestion.OutboundPublisher
	)
	if cfg.NATSURL != "" {
		nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, logger)
		if err != nil {
			return err
		}
		natsConn = nc
		defer natsConn.Close()

		if err := ingestion.EnsureStreams(ctx, js, logger); err != nil {
			return fmt.Errorf("ensure NATS streams: %w", err)
		}
		healthChecker.AddCheck("nats", func(context.Context) error {
			if s := nc.Status(); s != nats.CONNECTED {
				return fmt.Errorf("nats %s", s)
			}
			return nil
		})

		subscriber = ingestion.NewNATSSubscriber(js, sequencer, cfg.NATSCaller, logger.With().Str("component", "nats-subscriber").Logger())
		publisher = ingestion.NewOutboundPublisher(js, publishChan, metrics, logger.With().Str("component", "publisher").Logger())
		logger.Info().Str("url", cfg.NATSURL).Msg("NATS connected")
	} else {
		logger.Warn().Msg("FIN_NATS_URL not set, NATS ingestion and publishing disabled")
	}

	// --- Pipeline workers ---
	// Workers run until their input channel closes, so every applied
	// command is flushed after the sequencer stops. A worker failure stops
	// the whole service.
	snaps := newSnapshotter(sequencer, snapMgr, cfg.SnapshotInterval, lastSeq, metrics, logger.With().Str("component", "snapshotter").Logger())

	persistWorker := persistence.NewPersistenceWorker(db, persistWorkerChan, cfg.PersistBatchSize, cfg.PersistFlushTimeout, metrics, logger.With().Str("component", "persistence").Logger())
	persistWorker.OnFlush(snaps.onFlush)
	projWorker := projection.NewProjectionWorker(db, projectionWorkerChan, metrics, logger.With().Str("component", "projection").Logger())

	persistDone := make(chan struct{})
	var pipeline errgroup.Group
	pipeline.Go(func() error {
		defer close(persistDone)
		err := persistWorker.Run(context.Background())
		if err != nil {
			stop()
		}
		return err
	})
	pipeline.Go(func() error {
		return projWorker.Run(context.Background())
	})
	pipeline.Go(func() error {
		forwardPersist(persistCoreChan, persistWorkerChan, persistDone)
		return nil
	})
	pipeline.Go(func() error {
		forwardProjection(projectionCoreChan, projectionWorkerChan, metrics)
		return nil
	})
	if publisher != nil {
		pipeline.Go(func() error {
			return publisher.Run(context.Background())
		})
	}

	// --- Servers ---
	grpcServer := server.NewGRPCServer(server.Config{
		GRPCAddr:  cfg.GRPCAddr,
		HTTPAddr:  cfg.HTTPAddr,
		JWTSecret: []byte(cfg.JWTSecret),
		RateLimit: rate.Limit(cfg.RateLimit),
		RateBurst: cfg.RateBurst,
	}, server.Deps{
		Ledger:        sequencer,
		History:       history,
		HealthChecker: healthChecker,
		Metrics:       metrics,
		Logger:        logger.With().Str("component", "api").Logger(),
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := sequencer.Run(gctx)
		// Only the sequencer goroutine writes to these.
		close(persistCoreChan)
		close(projectionCoreChan)
		close(publishChan)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error { return grpcServer.StartGRPC(gctx) })
	g.Go(func() error { return grpcServer.StartHTTPGateway(gctx) })
	g.Go(func() error { return serveMetrics(gctx, cfg.MetricsAddr, logger) })
	g.Go(func() error { return snaps.Run(gctx) })
	if subscriber != nil {
		g.Go(func() error {
			if err := subscriber.Subscribe(gctx); err != nil {
				return fmt.Errorf("nats subscribe: %w", err)
			}
			<-gctx.Done()
			subscriber.Stop()
			return nil
		})
	}

	healthChecker.SetReady(true)
	grpcServer.SetServing(true)
	logger.Info().
		Int64("sequence", lastSeq).
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Msg("FinLedger ready")

	// --- Shutdown ---
	serveErr := g.Wait()
	healthChecker.SetReady(false)
	logger.Info().Msg("draining pipeline")

	pipelineErr := pipeline.Wait()
	if pipelineErr != nil {
		logger.Error().Err(pipelineErr).Msg("pipeline stopped with error")
	} else {
		// The sequencer has stopped; the core is safe to read directly.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		snaps.onFlush(deterministicCore.GetSequence() - 1)
		if err := snaps.take(shutdownCtx, deterministicCore.CreateSnapshotState()); err != nil {
			logger.Error().Err(err).Msg("final snapshot failed")
		}
		snaps.verify(shutdownCtx)
	}

	return errors.Join(serveErr, pipelineErr)
}

type integrityChecker interface {
	VerifyIntegrity(ctx context.Context) (*query.IntegrityReport, error)
}

// reconcileProjections rebuilds the account projection when it lags the
// command log or disagrees with the journal. Hash chain breaks are only
// reported: replay has already checked the chain end to end.
func reconcileProjections(ctx context.Context, audit integrityChecker, rebuild func(context.Context) error, logger zerolog.Logger) error {
	report, err := audit.VerifyIntegrity(ctx)
	if err != nil {
		return fmt.Errorf("verify integrity: %w", err)
	}
	if len(report.HashChainBreaks) > 0 {
		logger.Warn().Ints64("sequences", report.HashChainBreaks).Msg("command log prev_hash links broken")
	}

	stale := report.ProjectionSeq < report.LogSequence
	if !stale && report.JournalIssued == report.ProjectedSupply {
		return nil
	}
	logger.Info().
		Int64("projection_sequence", report.ProjectionSeq).
		Int64("log_sequence", report.LogSequence).
		Str("journal_issued", report.JournalIssued).
		Str("projected_supply", report.ProjectedSupply).
		Msg("rebuilding projections")
	if err := rebuild(ctx); err != nil {
		return fmt.Errorf("rebuild projections: %w", err)
	}
	return nil
}

// recoverCore restores the latest verified snapshot, replays the command
// log after it and checks the result against the log's chain tip.
func recoverCore(ctx context.Context, snapMgr *persistence.SnapshotManager, c *core.DeterministicCore, metrics *observability.Metrics, logger zerolog.Logger) error {
	start := time.Now()

	if n, err := snapMgr.VerifyPending(ctx); err != nil {
		logger.Warn().Err(err).Msg("snapshot verification failed")
	} else if n > 0 {
		logger.Info().Int64("verified", n).Msg("verified pending snapshots")
	}

	snap, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	if snap != nil {
		state, err := fromSnapshotData(snap)
		if err != nil {
			return err
		}
		if err := c.RestoreFromSnapshot(state); err != nil {
			return fmt.Errorf("restore snapshot: %w", err)
		}
		logger.Info().Int64("sequence", snap.Sequence).Msg("restored snapshot")
	} else {
		logger.Info().Msg("no snapshot found, replaying full command log")
	}

	replayed, err := replayLog(ctx, snapMgr, c, logger)
	if err != nil {
		return fmt.Errorf("replay: %w", err)
	}

	latestSeq, latestHash, err := snapMgr.GetLatestSequence(ctx)
	if err != nil {
		return fmt.Errorf("latest sequence: %w", err)
	}
	if latestSeq != c.GetSequence()-1 {
		return fmt.Errorf("recovered sequence %d, command log ends at %d", c.GetSequence()-1, latestSeq)
	}
	if latestSeq > 0 {
		hash := c.GetStateHash()
		if !bytes.Equal(latestHash, hash[:]) {
			return fmt.Errorf("state hash mismatch at %d: log %x, state %x", latestSeq, latestHash, hash)
		}
	}

	if metrics != nil {
		metrics.ReplayDuration.Set(time.Since(start).Seconds())
		metrics.CoreSequence.Set(float64(latestSeq))
	}
	logger.Info().
		Int64("replayed", replayed).
		Int64("sequence", latestSeq).
		Dur("took", time.Since(start)).
		Msg("recovery complete")
	return nil
}

// serveMetrics serves the Prometheus endpoint until ctx is cancelled.
func serveMetrics(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
