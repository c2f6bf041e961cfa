package projection

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strconv"
	"time"

	"KwrapLedger/internal/event"
	"KwrapLedger/internal/ledger"
	"KwrapLedger/internal/observability"
	"KwrapLedger/internal/persistence"
	"KwrapLedger/internal/state"
)

const watermarkID = "main"

// ProjectionOutput is what projection workers need from one applied command.
// The orchestrator builds it with NewProjectionOutput.
type ProjectionOutput struct {
	Sequence  int64
	EventType string
	Account   string
	Slot      uint64
	Timestamp time.Time
	Positions []PositionRow
	Journals  []JournalEntry
	Sync      *SyncEntry
}

// PositionRow is one position as it stands after the command. Removed rows
// belong to slots that were cleared.
type PositionRow struct {
	Account    string
	Obligation string
	Index      int
	Bank       string
	State      string
	Amount     uint64
	Unsynced   uint64
	SyncedSlot uint64
	Removed    bool
}

// JournalEntry is a journal as projections consume it.
type JournalEntry struct {
	DebitAccount  string
	CreditAccount string
	Amount        int64
}

// NewProjectionOutput converts an envelope, its delta and its journals.
func NewProjectionOutput(env *event.EventEnvelope, delta *event.Delta, journals *ledger.Batch) ProjectionOutput {
	out := ProjectionOutput{
		Sequence:  env.Sequence,
		EventType: env.EventType.String(),
		Account:   env.Account.String(),
		Slot:      env.Slot,
		Timestamp: env.Timestamp,
	}
	for _, p := range delta.Positions {
		out.Positions = append(out.Positions, positionRow(delta.Account.String(), p.Obligation.String(), p.Position, &p.After))
	}
	if journals != nil {
		for _, j := range journals.Journals {
			out.Journals = append(out.Journals, JournalEntry{
				DebitAccount:  j.DebitAccount.AccountPath(),
				CreditAccount: j.CreditAccount.AccountPath(),
				Amount:        j.Amount,
			})
		}
	}
	if b := delta.Bank; b != nil && (b.Credited > 0 || b.Debited > 0) {
		out.Sync = &SyncEntry{
			Sequence:  env.Sequence,
			Account:   delta.Account.String(),
			Bank:      b.Bank.String(),
			Credited:  b.Credited,
			Debited:   b.Debited,
			Slot:      env.Slot,
			Timestamp: env.Timestamp,
		}
	}
	return out
}

func positionRow(account, obligation string, index int, p *state.CollateralizedPosition) PositionRow {
	return PositionRow{
		Account:    account,
		Obligation: obligation,
		Index:      index,
		Bank:       p.Bank.String(),
		State:      p.State.String(),
		Amount:     p.Amount,
		Unsynced:   p.Unsynced,
		SyncedSlot: p.SyncedSlot,
		Removed:    p.IsEmpty(),
	}
}

// ProjectionWorker updates projection tables from applied commands. The
// projection channel drops on full, so projections may fall behind; they can
// be rebuilt with RebuildProjections.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan ProjectionOutput
	history   *SyncHistoryProjection
	metrics   *observability.Metrics
	lastSeq   int64
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan ProjectionOutput, history *SyncHistoryProjection, metrics *observability.Metrics) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		history:   history,
		metrics:   metrics,
		lastSeq:   -1,
	}
}

// LoadWatermark resumes from the last projected sequence.
func (pw *ProjectionWorker) LoadWatermark(ctx context.Context) error {
	var seq int64
	err := pw.db.QueryRowContext(ctx,
		`SELECT last_sequence FROM projections.watermark WHERE worker_id = $1`, watermarkID,
	).Scan(&seq)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}
	pw.lastSeq = seq
	return nil
}

// Run applies outputs until ctx is cancelled or the channel closes.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			if output.Sequence <= pw.lastSeq {
				continue
			}

			if err := pw.processOutput(ctx, output); err != nil {
				// eventually consistent; a rebuild repairs gaps
				log.Printf("WARN: projection update failed at seq=%d: %v", output.Sequence, err)
				if pw.metrics != nil {
					pw.metrics.PersistErrors.WithLabelValues("projection").Inc()
				}
				continue
			}
			if pw.history != nil && output.Sync != nil {
				pw.history.AddEntry(*output.Sync)
			}
			pw.lastSeq = output.Sequence
		}
	}
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, output ProjectionOutput) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, p := range output.Positions {
		if err := upsertPosition(ctx, tx, p, output.Sequence); err != nil {
			return fmt.Errorf("position projection: %w", err)
		}
	}
	for _, j := range output.Journals {
		if err := updateBalance(ctx, tx, j, output.Sequence); err != nil {
			return fmt.Errorf("balance projection: %w", err)
		}
	}
	if s := output.Sync; s != nil {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.sync_history (sequence, account, bank, credited, debited, slot, timestamp)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (sequence, bank) DO NOTHING
		`, s.Sequence, s.Account, s.Bank, strconv.FormatUint(s.Credited, 10), strconv.FormatUint(s.Debited, 10),
			int64(s.Slot), s.Timestamp); err != nil {
			return fmt.Errorf("sync history: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $2, updated_at = NOW()
	`, watermarkID, output.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

func upsertPosition(ctx context.Context, tx *sql.Tx, p PositionRow, seq int64) error {
	if p.Removed {
		_, err := tx.ExecContext(ctx, `
			DELETE FROM projections.positions
			WHERE account = $1 AND obligation = $2 AND position_index = $3
		`, p.Account, p.Obligation, p.Index)
		return err
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.positions
			(account, obligation, position_index, bank, state, amount, unsynced, synced_slot, last_sequence, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (account, obligation, position_index) DO UPDATE SET
			bank = EXCLUDED.bank, state = EXCLUDED.state, amount = EXCLUDED.amount,
			unsynced = EXCLUDED.unsynced, synced_slot = EXCLUDED.synced_slot,
			last_sequence = EXCLUDED.last_sequence, updated_at = NOW()
	`, p.Account, p.Obligation, p.Index, p.Bank, p.State,
		strconv.FormatUint(p.Amount, 10), strconv.FormatUint(p.Unsynced, 10), int64(p.SyncedSlot), seq)
	return err
}

// updateBalance moves Amount from the credit account to the debit account.
func updateBalance(ctx context.Context, tx *sql.Tx, j JournalEntry, seq int64) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, balance, last_sequence)
		VALUES ($1, $2, $3)
		ON CONFLICT (account_path)
		DO UPDATE SET balance = projections.balances.balance + $2, last_sequence = $3
	`, j.DebitAccount, j.Amount, seq); err != nil {
		return err
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, balance, last_sequence)
		VALUES ($1, -$2::BIGINT, $3)
		ON CONFLICT (account_path)
		DO UPDATE SET balance = projections.balances.balance - $2, last_sequence = $3
	`, j.CreditAccount, j.Amount, seq)
	return err
}

// RebuildProjections rebuilds every projection table from the ledger tables.
func RebuildProjections(ctx context.Context, db *sql.DB) error {
	store := persistence.NewRecordStore(db)
	accounts, err := store.LoadUserAccounts(ctx)
	if err != nil {
		return fmt.Errorf("load user accounts: %w", err)
	}
	latest, err := store.GetLatestSequence(ctx)
	if err != nil {
		return fmt.Errorf("latest sequence: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`TRUNCATE projections.balances`,
		`TRUNCATE projections.positions`,
		`TRUNCATE projections.sync_history`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	// debits add, credits subtract
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, balance, last_sequence)
		SELECT account_path, SUM(delta), MAX(sequence)
		FROM (
			SELECT debit_account AS account_path, amount AS delta, sequence FROM ledger.journals
			UNION ALL
			SELECT credit_account, -amount, sequence FROM ledger.journals
		) moves
		GROUP BY account_path
	`); err != nil {
		return fmt.Errorf("rebuild balances: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.sync_history (sequence, account, bank, credited, debited, slot, timestamp)
		SELECT sequence, account, payload->'bank'->>'bank',
		       COALESCE((payload->'bank'->>'credited')::NUMERIC, 0),
		       COALESCE((payload->'bank'->>'debited')::NUMERIC, 0),
		       slot, timestamp
		FROM ledger.event_log
		WHERE payload ? 'bank'
		  AND (COALESCE((payload->'bank'->>'credited')::NUMERIC, 0) > 0
		    OR COALESCE((payload->'bank'->>'debited')::NUMERIC, 0) > 0)
	`); err != nil {
		return fmt.Errorf("rebuild sync history: %w", err)
	}

	seqs, err := accountSequences(ctx, tx)
	if err != nil {
		return err
	}
	positions := 0
	for _, acct := range accounts {
		key := acct.Key.String()
		for _, info := range acct.MarketInfo {
			if info.IsEmpty() {
				continue
			}
			for i := range info.Positions {
				p := &info.Positions[i]
				if p.IsEmpty() {
					continue
				}
				if err := upsertPosition(ctx, tx, positionRow(key, info.Obligation.String(), i, p), seqs[key]); err != nil {
					return fmt.Errorf("rebuild position %s/%d: %w", key, i, err)
				}
				positions++
			}
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $2, updated_at = NOW()
	`, watermarkID, latest); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	log.Printf("INFO: projection rebuild complete (accounts=%d positions=%d watermark=%d)", len(accounts), positions, latest)
	return nil
}

func accountSequences(ctx context.Context, tx *sql.Tx) (map[string]int64, error) {
	rows, err := tx.QueryContext(ctx, `SELECT address, sequence FROM ledger.user_accounts`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]int64)
	for rows.Next() {
		var (
			addr string
			seq  int64
		)
		if err := rows.Scan(&addr, &seq); err != nil {
			return nil, err
		}
		out[addr] = seq
	}
	return out, rows.Err()
}
