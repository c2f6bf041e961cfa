package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the kwrap ledger.
type Metrics struct {
	// --- Core ---
	CoreCommandsApplied  *prometheus.CounterVec
	CoreCommandsRejected *prometheus.CounterVec
	CoreCommandDuration  *prometheus.HistogramVec
	CoreInvariantPanics  *prometheus.CounterVec
	CoreSequence         prometheus.Gauge
	CoreAccounts         prometheus.Gauge
	LeaseWait            prometheus.Histogram

	// --- Positions ---
	PositionsActivated *prometheus.CounterVec
	UnsyncedAccrued    *prometheus.CounterVec
	BankSynced         *prometheus.CounterVec
	SlotsReleased      prometheus.Counter
	SlotsClosed        prometheus.Counter

	// --- Channel & Backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	ProjectionDrops     *prometheus.CounterVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency & Ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	SlotRegressions       *prometheus.CounterVec

	// --- Feed / Indexer ---
	FeedUpdates        *prometheus.CounterVec
	FeedParseErrors    *prometheus.CounterVec
	IndexerPending     prometheus.Gauge
	IndexerConfirmed   prometheus.Gauge
	IndexerDiscarded   prometheus.Counter
	IndexerLatestSlot  prometheus.Gauge
	IndexerPushes      *prometheus.CounterVec
	IndexerPushSeconds prometheus.Histogram

	// --- Persistence ---
	PersistRowsWritten  *prometheus.CounterVec
	PersistBatchDur     prometheus.Histogram
	PersistBatchSize    prometheus.Histogram
	PersistErrors       *prometheus.CounterVec
	PersistRetry        prometheus.Counter
	PersistLastSequence prometheus.Gauge

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers on reg. Tests pass a fresh prometheus.NewRegistry().
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000005, 0.00001, 0.000025, 0.00005, 0.0001,
		0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01, 0.05,
	}
	dbBuckets := []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}

	return &Metrics{
		CoreCommandsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kwrap_core_commands_applied_total",
			Help: "Commands applied by the core",
		}, []string{"command"}),

		CoreCommandsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kwrap_core_commands_rejected_total",
			Help: "Commands rejected (duplicate, validation, invariant)",
		}, []string{"command", "reason"}),

		CoreCommandDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kwrap_core_command_duration_seconds",
			Help:    "Time to apply one command, lease included",
			Buckets: latencyBuckets,
		}, []string{"command"}),

		CoreInvariantPanics: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kwrap_core_invariant_violations_total",
			Help: "Transitions aborted by an invariant violation",
		}, []string{"command"}),

		CoreSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "kwrap_core_sequence",
			Help: "Current output sequence number",
		}),

		CoreAccounts: f.NewGauge(prometheus.GaugeOpts{
			Name: "kwrap_core_accounts",
			Help: "User accounts held by the core",
		}),

		LeaseWait: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "kwrap_core_lease_wait_seconds",
			Help:    "Time spent waiting for an account lease",
			Buckets: latencyBuckets,
		}),

		PositionsActivated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kwrap_positions_activated_total",
			Help: "Positions collateralized into a bank",
		}, []string{"bank"}),

		UnsyncedAccrued: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kwrap_unsynced_accrued_tokens_total",
			Help: "Native tokens recorded as unsynced by accrual",
		}, []string{"obligation"}),

		BankSynced: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kwrap_bank_synced_tokens_total",
			Help: "Native tokens credited to banks by sync",
		}, []string{"bank"}),

		SlotsReleased: f.NewCounter(prometheus.CounterOpts{
			Name: "kwrap_slots_released_total",
			Help: "Market info slots returned to free-to-withdraw",
		}),

		SlotsClosed: f.NewCounter(prometheus.CounterOpts{
			Name: "kwrap_slots_closed_total",
			Help: "Market info slots cleared",
		}),

		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kwrap_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kwrap_channel_capacity",
			Help: "Channel capacity",
		}, []string{"name"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kwrap_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		ProjectionDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kwrap_projection_drops_total",
			Help: "Outputs dropped due to full projection channel",
		}, []string{"projection"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "kwrap_publish_drops_total",
			Help: "Outputs dropped due to full publish channel",
		}),

		PersistBackpressure: f.NewCounter(prometheus.CounterOpts{
			Name: "kwrap_persist_backpressure_total",
			Help: "Times the core blocked on the persist channel",
		}),

		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kwrap_idempotency_duplicates_total",
			Help: "Duplicate commands caught (lru/postgres)",
		}, []string{"command", "tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "kwrap_dedup_lru_size",
			Help: "Entries in the dedup LRU",
		}),

		SlotRegressions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kwrap_slot_regressions_total",
			Help: "Commands rejected for carrying an older slot than already applied",
		}, []string{"command"}),

		FeedUpdates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kwrap_feed_updates_total",
			Help: "Feed messages received",
		}, []string{"kind"}),

		FeedParseErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kwrap_feed_parse_errors_total",
			Help: "Feed messages that failed to parse",
		}, []string{"kind"}),

		IndexerPending: f.NewGauge(prometheus.GaugeOpts{
			Name: "kwrap_indexer_pending_updates",
			Help: "Account updates waiting for slot confirmation",
		}),

		IndexerConfirmed: f.NewGauge(prometheus.GaugeOpts{
			Name: "kwrap_indexer_confirmed_slots",
			Help: "Confirmed slots in the commitment window",
		}),

		IndexerDiscarded: f.NewCounter(prometheus.CounterOpts{
			Name: "kwrap_indexer_discarded_updates_total",
			Help: "Updates dropped below the commitment window",
		}),

		IndexerLatestSlot: f.NewGauge(prometheus.GaugeOpts{
			Name: "kwrap_indexer_latest_confirmed_slot",
			Help: "Newest confirmed slot",
		}),

		IndexerPushes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kwrap_indexer_pushes_total",
			Help: "Metric rows pushed",
		}, []string{"table"}),

		IndexerPushSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "kwrap_indexer_push_duration_seconds",
			Help:    "Time to compute and enqueue one metrics push",
			Buckets: dbBuckets,
		}),

		PersistRowsWritten: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kwrap_persist_rows_written_total",
			Help: "Rows written to Postgres",
		}, []string{"table"}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "kwrap_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: dbBuckets,
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "kwrap_persist_batch_size",
			Help:    "Outputs per persisted batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kwrap_persist_errors_total",
			Help: "Postgres write errors",
		}, []string{"operation"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "kwrap_persist_retries_total",
			Help: "Batch flush retries",
		}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "kwrap_persist_last_sequence",
			Help: "Last sequence committed to Postgres",
		}),

		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kwrap_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kwrap_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),

		QueryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kwrap_query_errors_total",
			Help: "Query errors",
		}, []string{"endpoint", "code"}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
