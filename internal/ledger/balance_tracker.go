package ledger

import (
	"fmt"
	"sync"

	"KwrapLedger/internal/state"

	"github.com/gagliardetto/solana-go"
)

// BalanceTracker maintains in-memory journal balances. User balances mirror
// position fields: collateral == Amount and unsynced == Unsynced.
// Safe for concurrent use.
type BalanceTracker struct {
	mu       sync.RWMutex
	balances map[AccountKey]int64
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]int64),
	}
}

// ApplyBatch applies all journals in a batch.
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	bt.mu.Lock()
	defer bt.mu.Unlock()
	for _, j := range batch.Journals {
		bt.balances[j.DebitAccount] += j.Amount
		bt.balances[j.CreditAccount] -= j.Amount
	}
	return nil
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) int64 {
	bt.mu.RLock()
	defer bt.mu.RUnlock()
	return bt.balances[key]
}

// Reconcile checks that applying batch moves the tracked balances of each
// changed position from before to after. Nothing is applied.
func (bt *BalanceTracker) Reconcile(account solana.PublicKey, changes []PositionChange, batch *Batch) error {
	bt.mu.RLock()
	defer bt.mu.RUnlock()

	moved := make(map[AccountKey]int64)
	if batch != nil {
		for _, j := range batch.Journals {
			moved[j.DebitAccount] += j.Amount
			moved[j.CreditAccount] -= j.Amount
		}
	}

	for _, c := range changes {
		for _, leg := range []struct {
			sub           AccountSubType
			before, after uint64
		}{
			{SubTypeCollateral, c.Before.Amount, c.After.Amount},
			{SubTypeUnsynced, c.Before.Unsynced, c.After.Unsynced},
		} {
			key := NewUserAccountKey(account, c.Obligation, c.Position, leg.sub)
			cur := bt.balances[key]
			if cur != int64(leg.before) {
				return fmt.Errorf("%s tracked %d, position holds %d", key.AccountPath(), cur, leg.before)
			}
			if next := cur + moved[key]; next != int64(leg.after) {
				return fmt.Errorf("%s would reach %d, position holds %d", key.AccountPath(), next, leg.after)
			}
		}
	}
	return nil
}

// UserBalances returns collateral and unsynced balances of one position.
func (bt *BalanceTracker) UserBalances(account, obligation solana.PublicKey, position int) (collateral, unsynced int64) {
	bt.mu.RLock()
	defer bt.mu.RUnlock()
	collateral = bt.balances[NewUserAccountKey(account, obligation, position, SubTypeCollateral)]
	unsynced = bt.balances[NewUserAccountKey(account, obligation, position, SubTypeUnsynced)]
	return collateral, unsynced
}

// ComputeGlobalBalance sums all account balances. It is zero for a
// consistent ledger.
func (bt *BalanceTracker) ComputeGlobalBalance() int64 {
	bt.mu.RLock()
	defer bt.mu.RUnlock()
	var total int64
	for _, balance := range bt.balances {
		total += balance
	}
	return total
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	balance := bt.GetBalance(key)
	if balance < 0 {
		return fmt.Errorf("account %s has negative balance: %d", key.AccountPath(), balance)
	}
	return nil
}

// Snapshot returns a copy of all balances.
func (bt *BalanceTracker) Snapshot() map[AccountKey]int64 {
	bt.mu.RLock()
	defer bt.mu.RUnlock()
	snapshot := make(map[AccountKey]int64, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = v
	}
	return snapshot
}

// Seed loads opening balances for every position of acct.
func (bt *BalanceTracker) Seed(acct *state.UserAccount, timestamp int64) error {
	batch := NewJournalGenerator().GenerateOpening(acct, timestamp)
	if batch == nil {
		return nil
	}
	return bt.ApplyBatch(batch)
}
