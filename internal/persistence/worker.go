package persistence

import (
	"context"
	"database/sql"
	"log"
	"time"

	"KwrapLedger/internal/observability"
)

// PersistenceWorker drains the persist channel and batch-writes to Postgres.
// The core sends on the persist channel with a blocking send, so a worker
// that falls behind stalls the core and no output is lost.
type PersistenceWorker struct {
	db           *sql.DB
	writer       *LedgerWriter
	inputChan    <-chan CoreOutput
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
}

// pending is what one flush writes.
type pending struct {
	events   []EventRow
	journals []JournalRow
	accounts []UserAccountRow
	hosts    []HostAccountRow
	banks    []BankRow
}

func (p *pending) add(out CoreOutput) {
	p.events = append(p.events, out.EventRow)
	p.journals = append(p.journals, out.JournalRows...)
	if out.UserAccount != nil {
		p.accounts = append(p.accounts, *out.UserAccount)
	}
	if out.HostAccount != nil {
		p.hosts = append(p.hosts, *out.HostAccount)
	}
	if out.Bank != nil {
		p.banks = append(p.banks, *out.Bank)
	}
}

func (p *pending) reset() {
	p.events = p.events[:0]
	p.journals = p.journals[:0]
	p.accounts = p.accounts[:0]
	p.hosts = p.hosts[:0]
	p.banks = p.banks[:0]
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan CoreOutput,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
) *PersistenceWorker {
	return &PersistenceWorker{
		db:           db,
		writer:       NewLedgerWriter(db),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
	}
}

// Run batches incoming outputs and flushes when the batch is full or the
// flush timeout expires. Blocks until ctx is cancelled or the channel closes.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	batch := &pending{
		events:   make([]EventRow, 0, pw.batchSize),
		journals: make([]JournalRow, 0, pw.batchSize*2),
	}

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if len(batch.events) > 0 {
				if err := pw.flush(context.Background(), batch); err != nil {
					log.Printf("ERROR: final flush failed: %v", err)
				}
			}
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				if len(batch.events) > 0 {
					if err := pw.flush(context.Background(), batch); err != nil {
						log.Printf("ERROR: final flush failed: %v", err)
					}
				}
				return nil
			}

			batch.add(output)
			if len(batch.events) >= pw.batchSize {
				if err := pw.flushWithRetry(ctx, batch); err != nil {
					log.Printf("ERROR: batch flush failed after retries: %v", err)
				}
				batch.reset()
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			if len(batch.events) > 0 {
				if err := pw.flushWithRetry(ctx, batch); err != nil {
					log.Printf("ERROR: timeout flush failed after retries: %v", err)
				}
				batch.reset()
			}
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds.
// On shutdown it makes one last attempt without the cancelled context.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, batch *pending) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			log.Printf("WARN: persistence retry attempt %d (backoff=%v, events=%d)",
				attempt, backoff, len(batch.events))
			if pw.metrics != nil {
				pw.metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				return pw.flush(context.Background(), batch)
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := pw.flush(ctx, batch)
		if err == nil {
			if attempt > 0 {
				log.Printf("INFO: persistence flush succeeded after %d retries", attempt)
			}
			return nil
		}
		log.Printf("WARN: persistence flush failed: %v", err)
	}
}

func (pw *PersistenceWorker) flush(ctx context.Context, batch *pending) error {
	start := time.Now()

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		pw.countError("tx_begin")
		return err
	}
	defer tx.Rollback()

	steps := []struct {
		op  string
		run func() error
	}{
		{"write_events", func() error { return pw.writer.WriteEventBatch(ctx, tx, batch.events) }},
		{"write_journals", func() error { return pw.writer.WriteJournalBatch(ctx, tx, batch.journals) }},
		{"upsert_user_accounts", func() error { return pw.writer.UpsertUserAccounts(ctx, tx, batch.accounts) }},
		{"upsert_host_accounts", func() error { return pw.writer.UpsertHostAccounts(ctx, tx, batch.hosts) }},
		{"upsert_banks", func() error { return pw.writer.UpsertBanks(ctx, tx, batch.banks) }},
	}
	for _, s := range steps {
		if err := s.run(); err != nil {
			pw.countError(s.op)
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		pw.countError("tx_commit")
		return err
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(batch.events)))
		pw.metrics.PersistRowsWritten.WithLabelValues("event_log").Add(float64(len(batch.events)))
		pw.metrics.PersistRowsWritten.WithLabelValues("journals").Add(float64(len(batch.journals)))
		pw.metrics.PersistRowsWritten.WithLabelValues("user_accounts").Add(float64(len(batch.accounts)))
		pw.metrics.PersistRowsWritten.WithLabelValues("host_accounts").Add(float64(len(batch.hosts)))
		pw.metrics.PersistRowsWritten.WithLabelValues("banks").Add(float64(len(batch.banks)))
		if n := len(batch.events); n > 0 {
			pw.metrics.PersistLastSequence.Set(float64(batch.events[n-1].Sequence))
		}
	}
	return nil
}

func (pw *PersistenceWorker) countError(op string) {
	if pw.metrics != nil {
		pw.metrics.PersistErrors.WithLabelValues(op).Inc()
	}
}
