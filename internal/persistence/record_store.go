package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"KwrapLedger/internal/bank"
	"KwrapLedger/internal/codec"
	"KwrapLedger/internal/state"
)

// RecordStore reads persisted state back for recovery and queries.
// The latest version of every record is kept in its own table, so a restart
// loads records directly instead of replaying the event log.
type RecordStore struct {
	db *sql.DB
}

// ChainTip is where the output log stopped.
type ChainTip struct {
	NextSequence int64
	StateHash    [32]byte
}

func NewRecordStore(db *sql.DB) *RecordStore {
	return &RecordStore{db: db}
}

// LoadChainTip returns the sequence to resume from and the last state hash.
// An empty event log starts at sequence 0 with a zero hash.
func (rs *RecordStore) LoadChainTip(ctx context.Context) (ChainTip, error) {
	var (
		seq  int64
		hash []byte
	)
	err := rs.db.QueryRowContext(ctx, `
		SELECT sequence, state_hash FROM ledger.event_log
		ORDER BY sequence DESC
		LIMIT 1
	`).Scan(&seq, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return ChainTip{}, nil
	}
	if err != nil {
		return ChainTip{}, fmt.Errorf("load chain tip: %w", err)
	}

	tip := ChainTip{NextSequence: seq + 1}
	if len(hash) != len(tip.StateHash) {
		return ChainTip{}, fmt.Errorf("state hash at sequence %d has %d bytes", seq, len(hash))
	}
	copy(tip.StateHash[:], hash)
	return tip, nil
}

// LoadUserAccounts decodes every persisted user account.
func (rs *RecordStore) LoadUserAccounts(ctx context.Context) ([]*state.UserAccount, error) {
	rows, err := rs.db.QueryContext(ctx, `SELECT address, data FROM ledger.user_accounts ORDER BY address`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []*state.UserAccount
	for rows.Next() {
		var (
			address string
			data    []byte
		)
		if err := rows.Scan(&address, &data); err != nil {
			return nil, err
		}
		acct, err := codec.DecodeUserAccount(data)
		if err != nil {
			return nil, fmt.Errorf("decode user account %s: %w", address, err)
		}
		accounts = append(accounts, acct)
	}
	return accounts, rows.Err()
}

// LoadUserAccount returns one user account, or nil when it was never written.
func (rs *RecordStore) LoadUserAccount(ctx context.Context, address string) (*state.UserAccount, int64, error) {
	var (
		data []byte
		seq  int64
	)
	err := rs.db.QueryRowContext(ctx,
		`SELECT data, sequence FROM ledger.user_accounts WHERE address = $1`, address,
	).Scan(&data, &seq)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	acct, err := codec.DecodeUserAccount(data)
	if err != nil {
		return nil, 0, fmt.Errorf("decode user account %s: %w", address, err)
	}
	return acct, seq, nil
}

// LoadHostAccounts decodes every persisted host lending account.
func (rs *RecordStore) LoadHostAccounts(ctx context.Context) ([]*bank.Account, error) {
	rows, err := rs.db.QueryContext(ctx, `SELECT address, data FROM ledger.host_accounts ORDER BY address`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hosts []*bank.Account
	for rows.Next() {
		var (
			address string
			data    []byte
		)
		if err := rows.Scan(&address, &data); err != nil {
			return nil, err
		}
		var h bank.Account
		if err := json.Unmarshal(data, &h); err != nil {
			return nil, fmt.Errorf("decode host account %s: %w", address, err)
		}
		hosts = append(hosts, &h)
	}
	return hosts, rows.Err()
}

// LoadBanks decodes every persisted bank.
func (rs *RecordStore) LoadBanks(ctx context.Context) ([]*bank.Bank, error) {
	rows, err := rs.db.QueryContext(ctx, `SELECT address, data FROM ledger.banks ORDER BY address`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var banks []*bank.Bank
	for rows.Next() {
		var (
			address string
			data    []byte
		)
		if err := rows.Scan(&address, &data); err != nil {
			return nil, err
		}
		var b bank.Bank
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, fmt.Errorf("decode bank %s: %w", address, err)
		}
		banks = append(banks, &b)
	}
	return banks, rows.Err()
}

// RecentIdempotencyKeys returns "event_type:key" pairs of the newest commands,
// for warming the dedup LRU.
func (rs *RecordStore) RecentIdempotencyKeys(ctx context.Context, limit int) ([]string, error) {
	rows, err := rs.db.QueryContext(ctx, `
		SELECT event_type, idempotency_key FROM ledger.event_log
		ORDER BY sequence DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var eventType, key string
		if err := rows.Scan(&eventType, &key); err != nil {
			return nil, err
		}
		keys = append(keys, eventType+":"+key)
	}
	return keys, rows.Err()
}

// LoadEventsFrom loads envelopes from a sequence on, for projection rebuilds.
func (rs *RecordStore) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := rs.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, account, slot, payload,
		       state_hash, prev_hash, timestamp
		FROM ledger.event_log
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var (
			e    EventRow
			slot int64
		)
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.IdempotencyKey, &e.Account, &slot,
			&e.Payload, &e.StateHash, &e.PrevHash, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		e.Slot = uint64(slot)
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log.
func (rs *RecordStore) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := rs.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM ledger.event_log`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}
