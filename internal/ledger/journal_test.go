package ledger_test

import (
	"testing"

	"KwrapLedger/internal/ledger"
	"KwrapLedger/internal/state"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pos(amount, unsynced uint64, active bool) state.CollateralizedPosition {
	p := state.CollateralizedPosition{Amount: amount, Unsynced: unsynced}
	if active {
		p.State = state.PositionActive
		p.Bank = bankB
	}
	return p
}

func change(before, after state.CollateralizedPosition) []ledger.PositionChange {
	return []ledger.PositionChange{{Obligation: obligation, Position: 0, Before: before, After: after}}
}

func TestJournalGenerator_Movements(t *testing.T) {
	acct := key(1)
	gen := ledger.NewJournalGenerator()

	tests := []struct {
		name   string
		before state.CollateralizedPosition
		after  state.CollateralizedPosition
		want   []ledger.JournalType
		amount []int64
	}{
		{"activation", pos(0, 0, false), pos(1000, 0, true), []ledger.JournalType{ledger.JournalTypeCollateralize}, []int64{1000}},
		{"accrue", pos(1000, 0, true), pos(1000, 50, true), []ledger.JournalType{ledger.JournalTypeAccrue}, []int64{50}},
		{"sync", pos(1000, 50, true), pos(1050, 0, true), []ledger.JournalType{ledger.JournalTypeSync}, []int64{50}},
		{"withdraw both halves", pos(100, 20, true), pos(70, 0, true), []ledger.JournalType{ledger.JournalTypeWithdraw, ledger.JournalTypeWithdraw}, []int64{20, 30}},
		{"drain", pos(70, 0, true), pos(0, 0, false), []ledger.JournalType{ledger.JournalTypeWithdraw}, []int64{70}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			batch := gen.GenerateForPositions(acct, change(tt.before, tt.after), 1)
			require.NotNil(t, batch)
			require.NoError(t, batch.Validate())
			require.Len(t, batch.Journals, len(tt.want))
			for i, j := range batch.Journals {
				assert.Equal(t, tt.want[i], j.JournalType, "journal %d type", i)
				assert.Equal(t, tt.amount[i], j.Amount, "journal %d amount", i)
			}
		})
	}
}

func TestJournalGenerator_NothingMoved(t *testing.T) {
	// Only the synced slot changed.
	before, after := pos(10, 0, true), pos(10, 0, true)
	after.SyncedSlot = 9
	assert.Nil(t, ledger.NewJournalGenerator().GenerateForPositions(key(1), change(before, after), 1))
}

func TestBalanceTracker_ReconcileAndApply(t *testing.T) {
	acct := key(1)
	gen := ledger.NewJournalGenerator()
	bt := ledger.NewBalanceTracker()

	steps := []struct{ before, after state.CollateralizedPosition }{
		{pos(0, 0, false), pos(1000, 0, true)},
		{pos(1000, 0, true), pos(1000, 50, true)},
		{pos(1000, 50, true), pos(1050, 0, true)},
		{pos(1050, 0, true), pos(0, 0, false)},
	}
	for i, s := range steps {
		changes := change(s.before, s.after)
		batch := gen.GenerateForPositions(acct, changes, int64(i))
		require.NoError(t, bt.Reconcile(acct, changes, batch), "step %d reconcile", i)
		require.NoError(t, bt.ApplyBatch(batch), "step %d apply", i)
		collateral, unsynced := bt.UserBalances(acct, obligation, 0)
		assert.Equal(t, int64(s.after.Amount), collateral, "step %d collateral", i)
		assert.Equal(t, int64(s.after.Unsynced), unsynced, "step %d unsynced", i)
	}
	assert.Zero(t, bt.ComputeGlobalBalance())
}

func TestBalanceTracker_ReconcileDetectsDrift(t *testing.T) {
	acct := key(1)
	bt := ledger.NewBalanceTracker()

	// Tracker never saw the activation.
	changes := change(pos(1000, 0, true), pos(1000, 50, true))
	batch := ledger.NewJournalGenerator().GenerateForPositions(acct, changes, 1)
	assert.Error(t, bt.Reconcile(acct, changes, batch))
}

func TestBalanceTracker_Seed(t *testing.T) {
	a := state.NewUserAccount(key(1), owner, key(3), 255, 0)
	require.NoError(t, a.AddMarketInfo(market, obligation))
	_, info := a.FindByObligationMut(obligation)
	info.Positions[2] = pos(300, 7, true)

	bt := ledger.NewBalanceTracker()
	require.NoError(t, bt.Seed(a, 1))
	collateral, unsynced := bt.UserBalances(a.Key, obligation, 2)
	assert.Equal(t, int64(300), collateral)
	assert.Equal(t, int64(7), unsynced)

	venue := ledger.NewVenueAccountKey(obligation, 2)
	assert.Equal(t, int64(-307), bt.GetBalance(venue))
	assert.Error(t, bt.ValidateNonNegative(venue), "venue side should be negative")
}

func TestBatch_Validate(t *testing.T) {
	k := ledger.NewUserAccountKey(key(1), obligation, 0, ledger.SubTypeCollateral)
	b := &ledger.Batch{Journals: []ledger.Journal{{DebitAccount: k, CreditAccount: k, Amount: 5}}}
	assert.Error(t, b.Validate(), "self transfer accepted")
	assert.Error(t, (&ledger.Batch{}).Validate(), "empty batch accepted")
}
