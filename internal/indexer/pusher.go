package indexer

import (
	"context"
	"errors"
	"sync"
	"time"

	"KwrapLedger/internal/observability"

	"github.com/rs/zerolog"
)

// Sink receives metric batches. Writes must be idempotent per row id.
type Sink interface {
	WriteMetrics(ctx context.Context, batch *MetricsBatch) error
}

// Config tunes the indexer loops.
type Config struct {
	CommitInterval time.Duration
	PushInterval   time.Duration
	Policy         PushPolicy
}

// DefaultConfig matches the production cadence: commit every 10ms, push every
// minute, force account re-push hourly.
func DefaultConfig() Config {
	return Config{
		CommitInterval: 10 * time.Millisecond,
		PushInterval:   time.Minute,
		Policy:         PushPolicy{ForceInterval: time.Hour},
	}
}

// Indexer moves committed account updates into the snapshot and periodically
// pushes metrics computed from it.
type Indexer struct {
	buffers  *Buffers
	snapshot *Snapshot
	sink     Sink
	cfg      Config
	metrics  *observability.Metrics
	logger   zerolog.Logger

	// OnCommit, when set, is called after each update lands in the snapshot.
	OnCommit func(u AccountUpdate, kind RecordKind)
	// OnTransactions, when set, receives transactions of committed slots.
	// Without it they stay buffered until their slot falls out of the ring.
	OnTransactions func(txs []Transaction)

	firstRun bool
	now      func() time.Time
}

func NewIndexer(
	buffers *Buffers,
	snapshot *Snapshot,
	sink Sink,
	cfg Config,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Indexer {
	return &Indexer{
		buffers:  buffers,
		snapshot: snapshot,
		sink:     sink,
		cfg:      cfg,
		metrics:  metrics,
		logger:   logger,
		firstRun: true,
		now:      time.Now,
	}
}

func (ix *Indexer) Buffers() *Buffers   { return ix.buffers }
func (ix *Indexer) Snapshot() *Snapshot { return ix.snapshot }

// Run starts the commit and push loops and blocks until ctx is cancelled.
func (ix *Indexer) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		ix.commitLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		ix.pushLoop(ctx)
	}()
	wg.Wait()
	return ctx.Err()
}

func (ix *Indexer) commitLoop(ctx context.Context) {
	ticker := time.NewTicker(ix.cfg.CommitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ix.Commit()
		}
	}
}

// Commit promotes every confirmed update into the snapshot and hands
// confirmed transactions to OnTransactions. Returns how many updates were
// applied.
func (ix *Indexer) Commit() int {
	if ix.OnTransactions != nil {
		if txs := ix.buffers.TakeConfirmedTransactions(); len(txs) > 0 {
			ix.OnTransactions(txs)
		}
	}

	updates := ix.buffers.TakeConfirmed()
	applied := 0
	for _, u := range updates {
		kind, err := ix.snapshot.Apply(u, ix.now())
		if err != nil {
			if !errors.Is(err, ErrUnroutable) {
				ix.logger.Warn().Err(err).Uint64("slot", u.Slot).Str("address", u.Address.String()).
					Msg("dropping unparseable account update")
			}
			continue
		}
		applied++
		if ix.OnCommit != nil {
			ix.OnCommit(u, kind)
		}
	}
	return applied
}

func (ix *Indexer) pushLoop(ctx context.Context) {
	// No block time means the snapshot cannot be stamped yet.
	wait := time.NewTicker(100 * time.Millisecond)
	for ix.buffers.BlockTime() == 0 {
		select {
		case <-ctx.Done():
			wait.Stop()
			return
		case <-wait.C:
		}
	}
	wait.Stop()
	ix.logger.Info().Int64("block_time", ix.buffers.BlockTime()).Msg("block time known, starting pushes")

	ticker := time.NewTicker(ix.cfg.PushInterval)
	defer ticker.Stop()
	for {
		if err := ix.Push(ctx); err != nil && ctx.Err() == nil {
			ix.logger.Error().Err(err).Msg("metrics push failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Push computes and writes one metrics batch. Accounts are marked pushed only
// after the sink accepts the batch.
func (ix *Indexer) Push(ctx context.Context) error {
	blockTime := ix.buffers.BlockTime()
	if blockTime == 0 {
		return errors.New("no block time yet")
	}
	start := time.Now()
	now := ix.now()

	policy := ix.cfg.Policy
	policy.FirstRun = ix.firstRun
	batch := ComputeMetrics(ix.snapshot, blockTime, policy, now)

	if err := ix.sink.WriteMetrics(ctx, batch); err != nil {
		return err
	}
	ix.snapshot.MarkPushed(batch.PushedKeys(), now)
	ix.firstRun = false

	if ix.metrics != nil {
		ix.metrics.IndexerPushes.WithLabelValues("metric_group").Inc()
		ix.metrics.IndexerPushes.WithLabelValues("metric_bank").Add(float64(len(batch.Banks)))
		ix.metrics.IndexerPushes.WithLabelValues("metric_account").Add(float64(len(batch.Accounts)))
		ix.metrics.IndexerPushSeconds.Observe(time.Since(start).Seconds())
	}
	ix.logger.Debug().Int("banks", len(batch.Banks)).Int("accounts", len(batch.Accounts)).
		Time("block_time", batch.Timestamp).Msg("metrics pushed")
	return nil
}
