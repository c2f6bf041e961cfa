package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// LedgerWriter writes the event log, journals and the latest state of every
// touched record using multi-row INSERTs.
type LedgerWriter struct {
	db *sql.DB
}

// EventRow represents a row in ledger.event_log
type EventRow struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	Account        string
	Slot           uint64
	Payload        []byte // JSON-encoded delta
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
}

// JournalRow represents a row in ledger.journals
type JournalRow struct {
	JournalID     string
	BatchID       string
	EventRef      string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	Amount        int64
	JournalType   string
	Timestamp     int64
}

// UserAccountRow is the encoded record as it stands after Sequence.
type UserAccountRow struct {
	Address      string
	Owner        string
	BoundAccount string
	Data         []byte
	Sequence     int64
	Slot         uint64
}

// HostAccountRow is a host lending account, JSON encoded.
type HostAccountRow struct {
	Address  string
	Data     []byte
	Sequence int64
}

// BankRow is a host bank, JSON encoded.
type BankRow struct {
	Address  string
	Group    string
	Mint     string
	Data     []byte
	Sequence int64
}

func NewLedgerWriter(db *sql.DB) *LedgerWriter {
	return &LedgerWriter{db: db}
}

// insertRows builds "prefix VALUES (...), (...) suffix" with numbered
// placeholders and runs it on ex.
func insertRows(ctx context.Context, ex execer, prefix string, width int, rows [][]interface{}, suffix string) error {
	if len(rows) == 0 {
		return nil
	}

	var b strings.Builder
	b.WriteString(prefix)
	b.WriteString(" VALUES ")
	args := make([]interface{}, 0, len(rows)*width)
	for i, row := range rows {
		if len(row) != width {
			return fmt.Errorf("row %d has %d columns, want %d", i, len(row), width)
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for c := 0; c < width; c++ {
			if c > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", i*width+c+1)
		}
		b.WriteByte(')')
		args = append(args, row...)
	}
	if suffix != "" {
		b.WriteByte(' ')
		b.WriteString(suffix)
	}

	_, err := ex.ExecContext(ctx, b.String(), args...)
	return err
}

// WriteEventBatch writes envelopes to ledger.event_log. Replays of an already
// written sequence are ignored.
func (w *LedgerWriter) WriteEventBatch(ctx context.Context, ex execer, events []EventRow) error {
	rows := make([][]interface{}, 0, len(events))
	for _, e := range events {
		rows = append(rows, []interface{}{
			e.Sequence, e.EventType, e.IdempotencyKey, e.Account, int64(e.Slot),
			string(e.Payload), e.StateHash, e.PrevHash, e.Timestamp,
		})
	}
	return insertRows(ctx, ex,
		`INSERT INTO ledger.event_log
		(sequence, event_type, idempotency_key, account, slot, payload, state_hash, prev_hash, timestamp)`,
		9, rows, "ON CONFLICT (sequence) DO NOTHING")
}

// WriteJournalBatch writes journal entries to ledger.journals.
func (w *LedgerWriter) WriteJournalBatch(ctx context.Context, ex execer, journals []JournalRow) error {
	rows := make([][]interface{}, 0, len(journals))
	for _, j := range journals {
		rows = append(rows, []interface{}{
			j.JournalID, j.BatchID, j.EventRef, j.Sequence,
			j.DebitAccount, j.CreditAccount, j.Amount, j.JournalType, j.Timestamp,
		})
	}
	return insertRows(ctx, ex,
		`INSERT INTO ledger.journals
		(journal_id, batch_id, event_ref, sequence, debit_account, credit_account, amount, journal_type, timestamp)`,
		9, rows, "ON CONFLICT (journal_id) DO NOTHING")
}

// UpsertUserAccounts stores the latest version of each account. A row is
// only replaced by a higher sequence.
func (w *LedgerWriter) UpsertUserAccounts(ctx context.Context, ex execer, accounts []UserAccountRow) error {
	latest := make(map[string]int, len(accounts))
	rows := make([][]interface{}, 0, len(accounts))
	for _, a := range accounts {
		row := []interface{}{a.Address, a.Owner, a.BoundAccount, a.Data, a.Sequence, int64(a.Slot)}
		// one statement cannot update the same row twice
		if i, ok := latest[a.Address]; ok {
			if rows[i][4].(int64) < a.Sequence {
				rows[i] = row
			}
			continue
		}
		latest[a.Address] = len(rows)
		rows = append(rows, row)
	}
	return insertRows(ctx, ex,
		`INSERT INTO ledger.user_accounts (address, owner, bound_account, data, sequence, slot)`,
		6, rows,
		`ON CONFLICT (address) DO UPDATE SET
			data = EXCLUDED.data, sequence = EXCLUDED.sequence, slot = EXCLUDED.slot, updated_at = NOW()
		WHERE ledger.user_accounts.sequence < EXCLUDED.sequence`)
}

// UpsertHostAccounts stores the latest version of each host account.
func (w *LedgerWriter) UpsertHostAccounts(ctx context.Context, ex execer, hosts []HostAccountRow) error {
	latest := make(map[string]int, len(hosts))
	rows := make([][]interface{}, 0, len(hosts))
	for _, h := range hosts {
		row := []interface{}{h.Address, string(h.Data), h.Sequence}
		if i, ok := latest[h.Address]; ok {
			if rows[i][2].(int64) < h.Sequence {
				rows[i] = row
			}
			continue
		}
		latest[h.Address] = len(rows)
		rows = append(rows, row)
	}
	return insertRows(ctx, ex,
		`INSERT INTO ledger.host_accounts (address, data, sequence)`,
		3, rows,
		`ON CONFLICT (address) DO UPDATE SET
			data = EXCLUDED.data, sequence = EXCLUDED.sequence, updated_at = NOW()
		WHERE ledger.host_accounts.sequence < EXCLUDED.sequence`)
}

// UpsertBanks stores the latest version of each bank.
func (w *LedgerWriter) UpsertBanks(ctx context.Context, ex execer, banks []BankRow) error {
	latest := make(map[string]int, len(banks))
	rows := make([][]interface{}, 0, len(banks))
	for _, b := range banks {
		row := []interface{}{b.Address, b.Group, b.Mint, string(b.Data), b.Sequence}
		if i, ok := latest[b.Address]; ok {
			if rows[i][4].(int64) < b.Sequence {
				rows[i] = row
			}
			continue
		}
		latest[b.Address] = len(rows)
		rows = append(rows, row)
	}
	return insertRows(ctx, ex,
		`INSERT INTO ledger.banks (address, group_key, mint, data, sequence)`,
		5, rows,
		`ON CONFLICT (address) DO UPDATE SET
			data = EXCLUDED.data, sequence = EXCLUDED.sequence, updated_at = NOW()
		WHERE ledger.banks.sequence < EXCLUDED.sequence`)
}
