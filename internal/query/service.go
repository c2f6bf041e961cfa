package query

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"KwrapLedger/internal/bank"
	"KwrapLedger/internal/indexer"
	fpmath "KwrapLedger/internal/math"
	"KwrapLedger/internal/observability"
	"KwrapLedger/internal/projection"
	"KwrapLedger/internal/state"

	"github.com/gagliardetto/solana-go"
)

var (
	ErrAccountNotFound    = errors.New("account not found")
	ErrBankNotFound       = errors.New("bank not found")
	ErrObligationNotFound = errors.New("obligation not registered on account")
	ErrNoDatabase         = errors.New("query needs a database")
)

// StateReader is the read side of the engine. Every method returns copies.
type StateReader interface {
	Account(key solana.PublicKey) (*state.UserAccount, bool)
	AccountKeys() []solana.PublicKey
	Bank(key solana.PublicKey) (*bank.Bank, bool)
	PositionBalances(account, obligation solana.PublicKey, position int) (collateral, unsynced int64)
	JournalTotal() int64
	GetSequence() int64
	GetStateHash() [32]byte
}

// QueryService answers reads from engine state, with the indexer snapshot
// for prices and Postgres for history. Responses carry as_of_sequence, the
// next sequence the engine will assign.
type QueryService struct {
	state   StateReader
	db      *sql.DB
	history *projection.SyncHistoryProjection
	indexer *indexer.Indexer
	metrics *observability.Metrics
	now     func() time.Time
}

// NewQueryService wires the read paths. db, history and ix may be nil; the
// queries depending on them then degrade or fail with ErrNoDatabase.
func NewQueryService(st StateReader, db *sql.DB, history *projection.SyncHistoryProjection, ix *indexer.Indexer, metrics *observability.Metrics) *QueryService {
	return &QueryService{state: st, db: db, history: history, indexer: ix, metrics: metrics, now: time.Now}
}

func (qs *QueryService) observe(name string, start time.Time, err error) {
	if qs.metrics == nil {
		return
	}
	qs.metrics.QueryRequests.WithLabelValues(name).Inc()
	qs.metrics.QueryDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	if err != nil {
		qs.metrics.QueryErrors.WithLabelValues(name, ErrorCode(err)).Inc()
	}
}

// ErrorCode classifies a query error for metrics and HTTP status mapping.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrAccountNotFound), errors.Is(err, ErrBankNotFound), errors.Is(err, ErrObligationNotFound):
		return "not_found"
	case errors.Is(err, ErrNoDatabase):
		return "unavailable"
	default:
		return "internal"
	}
}

// GetAccount returns the user account with its non-empty slots.
func (qs *QueryService) GetAccount(_ context.Context, address solana.PublicKey) (resp *AccountResponse, err error) {
	defer func(start time.Time) { qs.observe("account", start, err) }(time.Now())

	asOf := qs.state.GetSequence()
	acct, ok := qs.state.Account(address)
	if !ok {
		return nil, ErrAccountNotFound
	}

	resp = &AccountResponse{
		Address:      acct.Key,
		User:         acct.User,
		BoundAccount: acct.BoundAccount,
		LastActivity: acct.LastActivity,
		ActiveSlots:  acct.ActiveSlots(),
		Slots:        []SlotResponse{},
		AsOfSequence: asOf,
	}
	for i := range acct.MarketInfo {
		info := &acct.MarketInfo[i]
		if info.IsEmpty() {
			continue
		}
		resp.Slots = append(resp.Slots, SlotResponse{
			Index:      i,
			Market:     info.Market,
			Obligation: info.Obligation,
			Status:     info.Status().String(),
			Positions:  qs.positions(acct.Key, info),
		})
	}
	return resp, nil
}

func (qs *QueryService) positions(account solana.PublicKey, info *state.KaminoMarketInfo) []PositionResponse {
	out := []PositionResponse{}
	for j := range info.Positions {
		p := &info.Positions[j]
		if p.IsEmpty() && !p.IsActive() {
			continue
		}
		collateral, unsynced := qs.state.PositionBalances(account, info.Obligation, j)
		out = append(out, PositionResponse{
			Index:             j,
			Bank:              p.Bank,
			State:             p.State.String(),
			Amount:            p.Amount,
			Unsynced:          p.Unsynced,
			Total:             p.Total(),
			SyncedSlot:        p.SyncedSlot,
			JournalCollateral: collateral,
			JournalUnsynced:   unsynced,
		})
	}
	return out
}

// GetWithdrawable reports what can be withdrawn from one slot. The owner can
// take everything from a free slot; a locked slot backs host bank balances
// and only moves through the host program.
func (qs *QueryService) GetWithdrawable(_ context.Context, address, obligation solana.PublicKey) (resp *WithdrawableResponse, err error) {
	defer func(start time.Time) { qs.observe("withdrawable", start, err) }(time.Now())

	asOf := qs.state.GetSequence()
	acct, ok := qs.state.Account(address)
	if !ok {
		return nil, ErrAccountNotFound
	}
	info, ok := acct.FindByObligation(obligation)
	if !ok {
		return nil, ErrObligationNotFound
	}
	return withdrawable(acct.Key, &info, qs.positions(acct.Key, &info), asOf), nil
}

func withdrawable(account solana.PublicKey, info *state.KaminoMarketInfo, positions []PositionResponse, asOf int64) *WithdrawableResponse {
	resp := &WithdrawableResponse{
		Account:      account,
		Obligation:   info.Obligation,
		Status:       info.Status().String(),
		RequiresHost: !info.IsFreeToWithdraw(),
		Positions:    positions,
		AsOfSequence: asOf,
	}
	for i := range info.Positions {
		resp.Total += info.Positions[i].Total()
	}
	if info.IsFreeToWithdraw() {
		resp.OwnerWithdrawable = resp.Total
	}
	return resp
}

// GetBankMetrics aggregates every position collateralized into bank.
func (qs *QueryService) GetBankMetrics(_ context.Context, bankKey solana.PublicKey, recent int) (resp *BankMetricsResponse, err error) {
	defer func(start time.Time) { qs.observe("bank_metrics", start, err) }(time.Now())

	asOf := qs.state.GetSequence()
	b, ok := qs.state.Bank(bankKey)
	if !ok {
		return nil, ErrBankNotFound
	}

	resp = &BankMetricsResponse{
		Bank:             b.Key,
		Group:            b.Group,
		Mint:             b.Mint,
		Market:           b.Config.Market,
		Reserve:          b.Config.Reserve,
		TotalAssetShares: b.TotalAssetShares,
		AssetShareValue:  b.AssetShareValue,
		DepositLimit:     b.Config.DepositLimit,
		RecentSyncs:      []projection.SyncEntry{},
		AsOfSequence:     asOf,
	}

	for _, key := range qs.state.AccountKeys() {
		acct, ok := qs.state.Account(key)
		if !ok {
			continue
		}
		for i := range acct.MarketInfo {
			for j := range acct.MarketInfo[i].Positions {
				p := &acct.MarketInfo[i].Positions[j]
				if !p.IsActive() || !p.Bank.Equals(bankKey) {
					continue
				}
				resp.Positions++
				resp.Amount += p.Amount
				resp.Unsynced += p.Unsynced
			}
		}
	}

	if qs.indexer != nil {
		if r, ok := qs.indexer.Snapshot().Reserve(b.Config.Reserve); ok {
			amountUSD := fpmath.TokensToUSD(resp.Amount, r.MintDecimals(), r.MarketPriceSf())
			unsyncedUSD := fpmath.TokensToUSD(resp.Unsynced, r.MintDecimals(), r.MarketPriceSf())
			resp.AmountUSD, resp.UnsyncedUSD = &amountUSD, &unsyncedUSD
		}
	}
	if qs.history != nil && recent > 0 {
		resp.RecentSyncs = qs.history.QueryByBank(bankKey.String(), recent)
	}
	return resp, nil
}

// GetAccountSyncs returns the newest bank movements of an account.
func (qs *QueryService) GetAccountSyncs(_ context.Context, address solana.PublicKey, limit int) []projection.SyncEntry {
	if qs.history == nil {
		return []projection.SyncEntry{}
	}
	return qs.history.QueryByAccount(address.String(), limit)
}

// GetStatus describes sequence, hash chain tip and indexer progress.
func (qs *QueryService) GetStatus(ctx context.Context) (resp *StatusResponse, err error) {
	defer func(start time.Time) { qs.observe("status", start, err) }(time.Now())

	tip := qs.state.GetStateHash()
	resp = &StatusResponse{
		Sequence:     qs.state.GetSequence(),
		StateHash:    hex.EncodeToString(tip[:]),
		Accounts:     len(qs.state.AccountKeys()),
		JournalTotal: qs.state.JournalTotal(),
		Time:         qs.now().UTC(),
	}
	if qs.indexer != nil {
		snap, buf := qs.indexer.Snapshot(), qs.indexer.Buffers()
		accounts, obligations, reserves := snap.Counts()
		resp.Indexer = &IndexerStatus{
			LatestSlot:  snap.LatestSlot(),
			BlockTime:   buf.BlockTime(),
			Accounts:    accounts,
			Obligations: obligations,
			Reserves:    reserves,
			Pending:     buf.Pending(),
		}
	}
	if qs.db != nil {
		wm, err := qs.getWatermark(ctx)
		if err != nil {
			return nil, fmt.Errorf("watermark: %w", err)
		}
		resp.ProjectionWatermark = &wm
	}
	return resp, nil
}

// GetJournalHistory returns journal entries touching an account, newest
// first, before afterSequence when given.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	address solana.PublicKey,
	limit int,
	afterSequence *int64,
) (entries []JournalHistoryEntry, err error) {
	defer func(start time.Time) { qs.observe("journal_history", start, err) }(time.Now())
	if qs.db == nil {
		return nil, ErrNoDatabase
	}

	prefix := fmt.Sprintf("user:%s:%%", address)
	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, amount, journal_type, timestamp
		FROM ledger.journals
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []interface{}{prefix}
	argIdx := 2

	if afterSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}
	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries = []JournalHistoryEntry{}
	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.Amount, &e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// VerifyIntegrity checks hash chain continuity in the event log and that
// journal balances sum to zero, both projected and live.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	if qs.db == nil {
		return nil, ErrNoDatabase
	}
	report := &IntegrityReport{LiveImbalance: qs.state.JournalTotal()}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM ledger.event_log e1
		JOIN ledger.event_log e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash != e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := qs.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(balance), 0) FROM projections.balances`,
	).Scan(&report.ProjectedImbalance); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && report.ProjectedImbalance == 0 && report.LiveImbalance == 0
	return report, nil
}

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, nil
	}
	return seq, err
}
