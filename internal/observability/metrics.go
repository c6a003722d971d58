package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for FinLedger.
type Metrics struct {
	// --- Core Processing ---
	CoreCommandsApplied  *prometheus.CounterVec
	CoreCommandsRejected *prometheus.CounterVec
	CoreCommandDuration  *prometheus.HistogramVec
	CoreJournals         *prometheus.CounterVec
	CoreEventsEmitted    *prometheus.CounterVec
	CoreSequence         prometheus.Gauge
	LedgerIssued         prometheus.Gauge

	// --- Latency ---
	IngestToApply       *prometheus.HistogramVec
	PersistBatchDur     prometheus.Histogram
	ProjectionUpdateDur prometheus.Histogram

	// --- Channel & Backpressure ---
	ChannelSize     *prometheus.GaugeVec
	ChannelCapacity *prometheus.GaugeVec
	ProjectionDrops prometheus.Counter
	PublishDrops    prometheus.Counter
	PublishFailures *prometheus.CounterVec

	// --- Idempotency ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupLRUEvictions     prometheus.Counter
	DedupTier2Errors      prometheus.Counter

	// --- Persistence ---
	PersistCommandsWritten prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge
	ProjectionErrors       prometheus.Counter

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge
	ReplayCommands    prometheus.Counter
	ReplayDuration    prometheus.Gauge

	// --- API ---
	APIRequests  *prometheus.CounterVec
	APIDuration  *prometheus.HistogramVec
	APIThrottled prometheus.Counter
}

// NewMetrics creates all metrics and registers them with reg. Tests pass a
// fresh prometheus.NewRegistry() so repeated construction does not panic.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	ioBuckets := []float64{
		0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1,
	}

	return &Metrics{
		// Core Processing
		CoreCommandsApplied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fin_core_commands_applied_total",
			Help: "Commands successfully applied by core",
		}, []string{"command_type"}),

		CoreCommandsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fin_core_commands_rejected_total",
			Help: "Commands rejected (duplicate, validation, funds, access)",
		}, []string{"command_type", "reason"}),

		CoreCommandDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fin_core_command_apply_duration_seconds",
			Help:    "Time to apply a single command in core",
			Buckets: latencyBuckets,
		}, []string{"command_type"}),

		CoreJournals: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fin_core_journals_generated_total",
			Help: "Journal entries generated",
		}, []string{"journal_type"}),

		CoreEventsEmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fin_core_events_emitted_total",
			Help: "Ledger events emitted to the sink",
		}, []string{"kind"}),

		CoreSequence: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fin_core_sequence",
			Help: "Next sequence to be assigned",
		}),

		LedgerIssued: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fin_ledger_issued",
			Help: "Net value held by the ledger (approximate, float64)",
		}),

		// Latency
		IngestToApply: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fin_ingest_to_apply_seconds",
			Help:    "Time from submission to core apply",
			Buckets: ioBuckets,
		}, []string{"source"}),

		PersistBatchDur: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "fin_persist_batch_duration_seconds",
			Help:    "Time to write one persistence batch",
			Buckets: ioBuckets,
		}),

		ProjectionUpdateDur: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "fin_projection_update_duration_seconds",
			Help:    "Time to update projections for one output",
			Buckets: ioBuckets,
		}),

		// Channel & Backpressure
		ChannelSize: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fin_channel_size",
			Help: "Current channel occupancy",
		}, []string{"channel"}),

		ChannelCapacity: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fin_channel_capacity",
			Help: "Channel buffer capacity",
		}, []string{"channel"}),

		ProjectionDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "fin_projection_drops_total",
			Help: "Core outputs dropped because the projection channel was full",
		}),

		PublishDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "fin_publish_drops_total",
			Help: "Ledger events dropped because the publish channel was full",
		}),

		PublishFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fin_publish_failures_total",
			Help: "Ledger events the NATS publisher failed to deliver",
		}, []string{"kind"}),

		// Idempotency
		IdempotencyDuplicates: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fin_idempotency_duplicates_total",
			Help: "Duplicate commands detected",
		}, []string{"command_type", "tier"}),

		DedupLRUSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fin_dedup_lru_size",
			Help: "Idempotency keys held in the LRU",
		}),

		DedupLRUEvictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "fin_dedup_lru_evictions_total",
			Help: "Idempotency keys evicted from the LRU",
		}),

		DedupTier2Errors: factory.NewCounter(prometheus.CounterOpts{
			Name: "fin_dedup_tier2_errors_total",
			Help: "Postgres idempotency lookups that failed",
		}),

		// Persistence
		PersistCommandsWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "fin_persist_commands_written_total",
			Help: "Commands written to the command log",
		}),

		PersistJournalsWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "fin_persist_journals_written_total",
			Help: "Journal entries written",
		}),

		PersistBatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "fin_persist_batch_size",
			Help:    "Core outputs per persistence transaction",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),

		PersistErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fin_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: factory.NewCounter(prometheus.CounterOpts{
			Name: "fin_persist_retry_total",
			Help: "Persistence batch retries",
		}),

		PersistLastSequence: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fin_persist_last_sequence",
			Help: "Last sequence durably written",
		}),

		ProjectionErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "fin_projection_errors_total",
			Help: "Projection update failures",
		}),

		// Snapshot
		SnapshotTaken: factory.NewCounter(prometheus.CounterOpts{
			Name: "fin_snapshot_taken_total",
			Help: "Snapshots written",
		}),

		SnapshotDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "fin_snapshot_duration_seconds",
			Help:    "Time to capture and write a snapshot",
			Buckets: ioBuckets,
		}),

		SnapshotSizeBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fin_snapshot_size_bytes",
			Help: "Size of the last snapshot",
		}),

		SnapshotLastSeq: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fin_snapshot_last_sequence",
			Help: "Sequence of the last snapshot",
		}),

		ReplayCommands: factory.NewCounter(prometheus.CounterOpts{
			Name: "fin_replay_commands_total",
			Help: "Commands replayed at startup",
		}),

		ReplayDuration: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fin_replay_duration_seconds",
			Help: "Duration of the startup replay",
		}),

		// API
		APIRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fin_api_requests_total",
			Help: "Admin API requests",
		}, []string{"method", "code"}),

		APIDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fin_api_duration_seconds",
			Help:    "Admin API request duration",
			Buckets: ioBuckets,
		}, []string{"method"}),

		APIThrottled: factory.NewCounter(prometheus.CounterOpts{
			Name: "fin_api_throttled_total",
			Help: "Admin API requests rejected by the rate limiter",
		}),
	}
}

// SetChannel records a channel's current occupancy and capacity.
func (m *Metrics) SetChannel(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
}
