package indexer

import (
	"sort"
	"time"

	fpmath "KwrapLedger/internal/math"
	"KwrapLedger/internal/state"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// GroupMetrics summarizes every tracked account at one block time.
type GroupMetrics struct {
	ID              uuid.UUID
	Timestamp       time.Time
	Group           solana.PublicKey
	Accounts        int
	ActiveSlots     int
	ActivePositions int
	Obligations     int
	Reserves        int
	TotalUSD        decimal.Decimal
	UnsyncedUSD     decimal.Decimal
}

// BankMetrics summarizes the positions collateralized into one host bank.
type BankMetrics struct {
	ID        uuid.UUID
	Timestamp time.Time
	Bank      solana.PublicKey
	Reserve   solana.PublicKey
	Mint      solana.PublicKey
	Positions int
	// Native token units.
	Amount      uint64
	Unsynced    uint64
	AmountUSD   decimal.Decimal
	UnsyncedUSD decimal.Decimal
}

// PositionMetric is one non-empty position of an account.
type PositionMetric struct {
	Obligation solana.PublicKey `json:"obligation"`
	Index      int              `json:"index"`
	Bank       solana.PublicKey `json:"bank"`
	Reserve    solana.PublicKey `json:"reserve"`
	State      string           `json:"state"`
	Amount     uint64           `json:"amount"`
	Unsynced   uint64           `json:"unsynced"`
	ValueUSD   decimal.Decimal  `json:"value_usd"`
}

// AccountMetrics is the state of one user account.
type AccountMetrics struct {
	ID           uuid.UUID
	Timestamp    time.Time
	Account      solana.PublicKey
	User         solana.PublicKey
	BoundAccount solana.PublicKey
	Slot         uint64
	LastActivity int64
	ActiveSlots  int
	TotalUSD     decimal.Decimal
	Positions    []PositionMetric
}

// MetricsBatch is everything written by one push.
type MetricsBatch struct {
	Timestamp time.Time
	Group     GroupMetrics
	Banks     []BankMetrics
	Accounts  []AccountMetrics
}

// PushPolicy decides which accounts are re-pushed.
type PushPolicy struct {
	Group solana.PublicKey
	// An account is pushed again once this long has passed since its last push.
	ForceInterval time.Duration
	// First push after start: write every account, even without positions.
	FirstRun bool
}

// ComputeMetrics builds a batch from the snapshot at blockTime. now drives the
// forced re-push interval.
func ComputeMetrics(s *Snapshot, blockTime int64, policy PushPolicy, now time.Time) *MetricsBatch {
	ts := time.Unix(blockTime, 0).UTC()
	batch := &MetricsBatch{
		Timestamp: ts,
		Group: GroupMetrics{
			ID:          uuid.New(),
			Timestamp:   ts,
			Group:       policy.Group,
			TotalUSD:    decimal.Zero,
			UnsyncedUSD: decimal.Zero,
		},
	}
	banks := make(map[solana.PublicKey]*BankMetrics)

	s.view(func(v *snapshotView) {
		batch.Group.Accounts = len(s.accounts)
		batch.Group.Obligations = len(s.obligations)
		batch.Group.Reserves = len(s.reserves)

		for key, tracked := range s.accounts {
			acct := tracked.account
			am := AccountMetrics{
				ID:           uuid.New(),
				Timestamp:    ts,
				Account:      key,
				User:         acct.User,
				BoundAccount: acct.BoundAccount,
				Slot:         tracked.slot,
				LastActivity: acct.LastActivity,
				TotalUSD:     decimal.Zero,
			}

			for i := range acct.MarketInfo {
				info := &acct.MarketInfo[i]
				if info.IsEmpty() {
					continue
				}
				am.ActiveSlots++
				ob, hasOb := v.obligation(info.Obligation)

				for j := range info.Positions {
					p := &info.Positions[j]
					if p.IsEmpty() {
						continue
					}
					pm := PositionMetric{
						Obligation: info.Obligation,
						Index:      j,
						Bank:       p.Bank,
						State:      p.State.String(),
						Amount:     p.Amount,
						Unsynced:   p.Unsynced,
						ValueUSD:   decimal.Zero,
					}
					var unsyncedUSD decimal.Decimal
					if hasOb {
						pm.Reserve = ob.Deposits[j].DepositReserve
						if r, ok := v.reserve(pm.Reserve); ok {
							pm.ValueUSD = fpmath.TokensToUSD(p.Total(), r.MintDecimals(), r.MarketPriceSf())
							unsyncedUSD = fpmath.TokensToUSD(p.Unsynced, r.MintDecimals(), r.MarketPriceSf())
						}
					}
					am.Positions = append(am.Positions, pm)
					am.TotalUSD = am.TotalUSD.Add(pm.ValueUSD)
					batch.Group.UnsyncedUSD = batch.Group.UnsyncedUSD.Add(unsyncedUSD)

					if p.IsActive() {
						batch.Group.ActivePositions++
						addToBank(banks, ts, p, pm, unsyncedUSD, v)
					}
				}
			}
			batch.Group.ActiveSlots += am.ActiveSlots
			batch.Group.TotalUSD = batch.Group.TotalUSD.Add(am.TotalUSD)

			if shouldPushAccount(tracked, len(am.Positions), policy, now) {
				batch.Accounts = append(batch.Accounts, am)
			}
		}
	})

	for _, b := range banks {
		batch.Banks = append(batch.Banks, *b)
	}
	sort.Slice(batch.Banks, func(i, j int) bool { return batch.Banks[i].Bank.String() < batch.Banks[j].Bank.String() })
	sort.Slice(batch.Accounts, func(i, j int) bool {
		return batch.Accounts[i].Account.String() < batch.Accounts[j].Account.String()
	})
	return batch
}

// PushedKeys lists the accounts carried by the batch.
func (b *MetricsBatch) PushedKeys() []solana.PublicKey {
	keys := make([]solana.PublicKey, len(b.Accounts))
	for i := range b.Accounts {
		keys[i] = b.Accounts[i].Account
	}
	return keys
}

func shouldPushAccount(t *trackedAccount, positions int, policy PushPolicy, now time.Time) bool {
	if policy.FirstRun {
		return true
	}
	if positions == 0 {
		return false
	}
	if !t.pushed {
		return true
	}
	return policy.ForceInterval > 0 && now.Sub(t.updatedAt) >= policy.ForceInterval
}

func addToBank(banks map[solana.PublicKey]*BankMetrics, ts time.Time, p *state.CollateralizedPosition,
	pm PositionMetric, unsyncedUSD decimal.Decimal, v *snapshotView) {
	bm, ok := banks[p.Bank]
	if !ok {
		bm = &BankMetrics{
			ID:          uuid.New(),
			Timestamp:   ts,
			Bank:        p.Bank,
			Reserve:     pm.Reserve,
			AmountUSD:   decimal.Zero,
			UnsyncedUSD: decimal.Zero,
		}
		if r, found := v.reserve(pm.Reserve); found {
			bm.Mint = r.MintPubkey
		}
		banks[p.Bank] = bm
	}
	bm.Positions++
	bm.Amount += p.Amount
	bm.Unsynced += p.Unsynced
	bm.AmountUSD = bm.AmountUSD.Add(pm.ValueUSD.Sub(unsyncedUSD))
	bm.UnsyncedUSD = bm.UnsyncedUSD.Add(unsyncedUSD)
}
