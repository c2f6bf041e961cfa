package persistence

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	"KwrapLedger/internal/indexer"
	"KwrapLedger/internal/observability"

	"github.com/google/uuid"
)

// IndexerTables names the tables created with Migrator.CreateTable.
type IndexerTables struct {
	Transaction   string
	Account       string
	MetricGroup   string
	MetricBank    string
	MetricAccount string
}

func DefaultIndexerTables() IndexerTables {
	return IndexerTables{
		Transaction:   "indexer.transaction",
		Account:       "indexer.account",
		MetricGroup:   "indexer.metric_group",
		MetricBank:    "indexer.metric_bank",
		MetricAccount: "indexer.metric_account",
	}
}

// MetricsWriter stores indexer metric pushes. It implements indexer.Sink.
type MetricsWriter struct {
	db      *sql.DB
	tables  IndexerTables
	metrics *observability.Metrics
	now     func() time.Time
}

var _ indexer.Sink = (*MetricsWriter)(nil)

func NewMetricsWriter(db *sql.DB, tables IndexerTables, metrics *observability.Metrics) *MetricsWriter {
	return &MetricsWriter{db: db, tables: tables, metrics: metrics, now: time.Now}
}

// WriteMetrics writes the group, bank and account rows of one push in a
// single transaction.
func (mw *MetricsWriter) WriteMetrics(ctx context.Context, batch *indexer.MetricsBatch) error {
	createdAt := mw.now().UTC()

	tx, err := mw.db.BeginTx(ctx, nil)
	if err != nil {
		mw.countError("metrics_tx_begin")
		return err
	}
	defer tx.Rollback()

	g := batch.Group
	err = insertRows(ctx, tx,
		fmt.Sprintf(`INSERT INTO %s (id, created_at, timestamp, pubkey, accounts, active_slots,
			active_positions, obligations, reserves, total_usd, unsynced_usd)`, mw.tables.MetricGroup),
		11, [][]interface{}{{
			g.ID, createdAt, g.Timestamp, g.Group.String(), g.Accounts, g.ActiveSlots,
			g.ActivePositions, g.Obligations, g.Reserves, g.TotalUSD, g.UnsyncedUSD,
		}}, "")
	if err != nil {
		mw.countError("write_metric_group")
		return fmt.Errorf("write group metrics: %w", err)
	}

	bankRows := make([][]interface{}, 0, len(batch.Banks))
	for _, b := range batch.Banks {
		bankRows = append(bankRows, []interface{}{
			b.ID, createdAt, b.Timestamp, b.Bank.String(), b.Reserve.String(), b.Mint.String(),
			b.Positions, numeric(b.Amount), numeric(b.Unsynced), b.AmountUSD, b.UnsyncedUSD,
		})
	}
	err = insertRows(ctx, tx,
		fmt.Sprintf(`INSERT INTO %s (id, created_at, timestamp, pubkey, reserve, mint, positions,
			amount, unsynced, amount_usd, unsynced_usd)`, mw.tables.MetricBank),
		11, bankRows, "")
	if err != nil {
		mw.countError("write_metric_bank")
		return fmt.Errorf("write bank metrics: %w", err)
	}

	accountRows := make([][]interface{}, 0, len(batch.Accounts))
	for _, a := range batch.Accounts {
		positions := a.Positions
		if positions == nil {
			positions = []indexer.PositionMetric{}
		}
		raw, err := json.Marshal(positions)
		if err != nil {
			return fmt.Errorf("marshal positions of %s: %w", a.Account, err)
		}
		accountRows = append(accountRows, []interface{}{
			a.ID, createdAt, a.Timestamp, a.Account.String(), a.User.String(), a.BoundAccount.String(),
			int64(a.Slot), a.LastActivity, a.ActiveSlots, a.TotalUSD, string(raw),
		})
	}
	err = insertRows(ctx, tx,
		fmt.Sprintf(`INSERT INTO %s (id, created_at, timestamp, pubkey, user_pubkey, bound_account,
			slot, last_activity, active_slots, total_usd, positions)`, mw.tables.MetricAccount),
		11, accountRows, "")
	if err != nil {
		mw.countError("write_metric_account")
		return fmt.Errorf("write account metrics: %w", err)
	}

	if err := tx.Commit(); err != nil {
		mw.countError("metrics_tx_commit")
		return err
	}

	if mw.metrics != nil {
		mw.metrics.PersistRowsWritten.WithLabelValues("metric_group").Inc()
		mw.metrics.PersistRowsWritten.WithLabelValues("metric_bank").Add(float64(len(bankRows)))
		mw.metrics.PersistRowsWritten.WithLabelValues("metric_account").Add(float64(len(accountRows)))
	}
	return nil
}

func (mw *MetricsWriter) countError(op string) {
	if mw.metrics != nil {
		mw.metrics.PersistErrors.WithLabelValues(op).Inc()
	}
}

// numeric renders a native amount for a NUMERIC column; database/sql rejects
// uint64 values above MaxInt64.
func numeric(v uint64) string {
	return strconv.FormatUint(v, 10)
}

// AccountHistoryWriter appends every committed record version to the account
// table. Record never blocks the indexer: when the queue is full the update
// is dropped and counted.
type AccountHistoryWriter struct {
	db           *sql.DB
	table        string
	queue        chan indexer.AccountUpdate
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
}

func NewAccountHistoryWriter(db *sql.DB, table string, queueSize, batchSize int, flushTimeout time.Duration, metrics *observability.Metrics) *AccountHistoryWriter {
	return &AccountHistoryWriter{
		db:           db,
		table:        table,
		queue:        make(chan indexer.AccountUpdate, queueSize),
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
	}
}

// Record queues one committed update. Suitable as Indexer.OnCommit.
func (aw *AccountHistoryWriter) Record(u indexer.AccountUpdate, _ indexer.RecordKind) {
	select {
	case aw.queue <- u:
	default:
		if aw.metrics != nil {
			aw.metrics.PersistErrors.WithLabelValues("account_history_dropped").Inc()
		}
	}
}

// Run flushes queued updates until ctx is cancelled.
func (aw *AccountHistoryWriter) Run(ctx context.Context) error {
	return runBatches(ctx, aw.queue, aw.batchSize, aw.flushTimeout, aw.write, func(n int, err error) {
		log.Printf("ERROR: account history flush failed (%d rows dropped): %v", n, err)
		if aw.metrics != nil {
			aw.metrics.PersistErrors.WithLabelValues("write_account_history").Inc()
		}
	})
}

// runBatches drains queue in batches of up to batchSize, flushing at least
// every flushTimeout. A failed flush is reported and its rows dropped. The
// pending batch is flushed once more when ctx is cancelled.
func runBatches[T any](
	ctx context.Context,
	queue <-chan T,
	batchSize int,
	flushTimeout time.Duration,
	write func(context.Context, []T) error,
	onError func(n int, err error),
) error {
	batch := make([]T, 0, batchSize)
	ticker := time.NewTicker(flushTimeout)
	defer ticker.Stop()

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := write(ctx, batch); err != nil {
			onError(len(batch), err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush(context.Background())
			return ctx.Err()
		case v := <-queue:
			batch = append(batch, v)
			if len(batch) >= batchSize {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		}
	}
}

func (aw *AccountHistoryWriter) write(ctx context.Context, updates []indexer.AccountUpdate) error {
	createdAt := time.Now().UTC()
	rows := make([][]interface{}, 0, len(updates))
	for _, u := range updates {
		var sig interface{}
		if u.TxnSignature != nil {
			sig = u.TxnSignature.String()
		}
		rows = append(rows, []interface{}{
			uuid.New(), createdAt, u.ReceivedAt.UTC(), u.Owner.String(), int64(u.Slot), u.Address.String(),
			sig, int64(u.WriteVersion), base64.StdEncoding.EncodeToString(u.Data),
		})
	}
	err := insertRows(ctx, aw.db,
		fmt.Sprintf(`INSERT INTO %s (id, created_at, timestamp, owner, slot, pubkey, txn_signature,
			write_version, data)`, aw.table),
		9, rows, "")
	if err == nil && aw.metrics != nil {
		aw.metrics.PersistRowsWritten.WithLabelValues("account").Add(float64(len(rows)))
	}
	return err
}
