package persistence

import (
	"context"
	"database/sql"
	"encoding/base64"
	"fmt"
	"log"
	"time"

	"KwrapLedger/internal/indexer"
	"KwrapLedger/internal/observability"

	"github.com/google/uuid"
)

// TransactionWriter appends committed program transactions to the
// transaction table. A signature is stored once; redelivered transactions
// are skipped.
type TransactionWriter struct {
	db           *sql.DB
	table        string
	queue        chan indexer.Transaction
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	now          func() time.Time
}

func NewTransactionWriter(db *sql.DB, table string, queueSize, batchSize int, flushTimeout time.Duration, metrics *observability.Metrics) *TransactionWriter {
	return &TransactionWriter{
		db:           db,
		table:        table,
		queue:        make(chan indexer.Transaction, queueSize),
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		now:          time.Now,
	}
}

// Record queues the transactions of committed slots. Suitable as
// Indexer.OnTransactions. Transactions that do not fit the queue are dropped
// and counted.
func (tw *TransactionWriter) Record(txs []indexer.Transaction) {
	for _, tx := range txs {
		select {
		case tw.queue <- tx:
		default:
			if tw.metrics != nil {
				tw.metrics.PersistErrors.WithLabelValues("transaction_dropped").Inc()
			}
		}
	}
}

// Run flushes queued transactions until ctx is cancelled.
func (tw *TransactionWriter) Run(ctx context.Context) error {
	return runBatches(ctx, tw.queue, tw.batchSize, tw.flushTimeout, tw.Write, func(n int, err error) {
		log.Printf("ERROR: transaction flush failed (%d rows dropped): %v", n, err)
		if tw.metrics != nil {
			tw.metrics.PersistErrors.WithLabelValues("write_transaction").Inc()
		}
	})
}

// Write inserts txs in one statement.
func (tw *TransactionWriter) Write(ctx context.Context, txs []indexer.Transaction) error {
	createdAt := tw.now().UTC()
	rows := make([][]interface{}, 0, len(txs))
	for _, tx := range txs {
		meta := string(tx.Meta)
		if meta == "" {
			meta = "{}"
		}
		rows = append(rows, []interface{}{
			uuid.New(), createdAt, tx.ReceivedAt.UTC(), tx.Signature.String(), int64(tx.Slot),
			tx.Signer.String(), tx.Success, tx.Version, int64(tx.Fee), meta,
			base64.StdEncoding.EncodeToString(tx.Message),
		})
	}
	err := insertRows(ctx, tw.db,
		fmt.Sprintf(`INSERT INTO %s (id, created_at, timestamp, signature, slot, signer,
			success, version, fee, meta, message)`, tw.table),
		11, rows, "ON CONFLICT (signature) DO NOTHING")
	if err == nil && tw.metrics != nil {
		tw.metrics.PersistRowsWritten.WithLabelValues("transaction").Add(float64(len(rows)))
	}
	return err
}
