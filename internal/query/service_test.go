package query

import (
	"context"
	"errors"
	"testing"

	"KwrapLedger/internal/bank"
	"KwrapLedger/internal/projection"
	"KwrapLedger/internal/state"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func key(b byte) solana.PublicKey {
	var k solana.PublicKey
	k[0] = b
	k[31] = 0x33
	return k
}

type fakeState struct {
	accounts map[solana.PublicKey]*state.UserAccount
	banks    map[solana.PublicKey]*bank.Bank
	seq      int64
}

func (f *fakeState) Account(k solana.PublicKey) (*state.UserAccount, bool) {
	a, ok := f.accounts[k]
	if !ok {
		return nil, false
	}
	return a.Clone(), true
}

func (f *fakeState) AccountKeys() []solana.PublicKey {
	keys := make([]solana.PublicKey, 0, len(f.accounts))
	for k := range f.accounts {
		keys = append(keys, k)
	}
	return keys
}

func (f *fakeState) Bank(k solana.PublicKey) (*bank.Bank, bool) {
	b, ok := f.banks[k]
	if !ok {
		return nil, false
	}
	c := *b
	return &c, true
}

func (f *fakeState) PositionBalances(account, obligation solana.PublicKey, position int) (int64, int64) {
	acct := f.accounts[account]
	info, _ := acct.FindByObligation(obligation)
	p := info.Positions[position]
	return int64(p.Amount), int64(p.Unsynced)
}

func (f *fakeState) JournalTotal() int64    { return 0 }
func (f *fakeState) GetSequence() int64     { return f.seq }
func (f *fakeState) GetStateHash() [32]byte { return [32]byte{0xCA, 0xFE} }

// fixture: one account with a locked slot (obligation 20) holding an active
// position in bank 40, and a free slot (obligation 21) with an inactive deposit.
func fixture(t *testing.T) *fakeState {
	t.Helper()
	acct := state.NewUserAccount(key(1), key(2), key(3), 255, 1_700_000_000)
	require.NoError(t, acct.AddMarketInfo(key(10), key(20)))
	require.NoError(t, acct.AddMarketInfo(key(11), key(21)))

	_, locked := acct.FindByObligationMut(key(20))
	locked.RemoveFreeToWithdraw()
	locked.Positions[0] = state.CollateralizedPosition{Amount: 1_000, Unsynced: 25, Bank: key(40), State: state.PositionActive}

	_, free := acct.FindByObligationMut(key(21))
	free.Positions[1] = state.CollateralizedPosition{Unsynced: 300}

	return &fakeState{
		accounts: map[solana.PublicKey]*state.UserAccount{acct.Key: acct},
		banks: map[solana.PublicKey]*bank.Bank{key(40): {
			Key: key(40), Group: key(5), Mint: key(31),
			AssetShareValue: decimal.NewFromInt(1), TotalAssetShares: decimal.NewFromInt(1_000),
			Config: bank.DefaultKwrapConfig(key(10), key(30)),
		}},
		seq: 42,
	}
}

func TestGetAccount(t *testing.T) {
	qs := NewQueryService(fixture(t), nil, nil, nil, nil)

	resp, err := qs.GetAccount(context.Background(), key(1))
	require.NoError(t, err)
	assert.Equal(t, int64(42), resp.AsOfSequence)
	require.Len(t, resp.Slots, 2)
	assert.Equal(t, "Locked", resp.Slots[0].Status)
	require.Len(t, resp.Slots[0].Positions, 1)
	assert.Equal(t, uint64(1_025), resp.Slots[0].Positions[0].Total)
	assert.Equal(t, int64(1_000), resp.Slots[0].Positions[0].JournalCollateral)

	_, err = qs.GetAccount(context.Background(), key(9))
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestGetWithdrawable(t *testing.T) {
	qs := NewQueryService(fixture(t), nil, nil, nil, nil)
	ctx := context.Background()

	locked, err := qs.GetWithdrawable(ctx, key(1), key(20))
	require.NoError(t, err)
	assert.True(t, locked.RequiresHost)
	assert.Equal(t, uint64(1_025), locked.Total)
	assert.Zero(t, locked.OwnerWithdrawable)

	free, err := qs.GetWithdrawable(ctx, key(1), key(21))
	require.NoError(t, err)
	assert.False(t, free.RequiresHost)
	assert.Equal(t, uint64(300), free.OwnerWithdrawable)

	_, err = qs.GetWithdrawable(ctx, key(1), key(99))
	assert.ErrorIs(t, err, ErrObligationNotFound)
}

func TestGetBankMetrics(t *testing.T) {
	history := projection.NewSyncHistoryProjection(10)
	history.AddEntry(projection.SyncEntry{Sequence: 7, Account: key(1).String(), Bank: key(40).String(), Credited: 25})
	qs := NewQueryService(fixture(t), nil, history, nil, nil)

	resp, err := qs.GetBankMetrics(context.Background(), key(40), 5)
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Positions)
	assert.Equal(t, uint64(1_000), resp.Amount)
	assert.Equal(t, uint64(25), resp.Unsynced)
	assert.Nil(t, resp.AmountUSD, "no prices without an indexer")
	require.Len(t, resp.RecentSyncs, 1)
	assert.Equal(t, int64(7), resp.RecentSyncs[0].Sequence)

	_, err = qs.GetBankMetrics(context.Background(), key(41), 5)
	assert.ErrorIs(t, err, ErrBankNotFound)
}

func TestGetStatusWithoutDatabase(t *testing.T) {
	qs := NewQueryService(fixture(t), nil, nil, nil, nil)
	resp, err := qs.GetStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Accounts)
	assert.Equal(t, "cafe", resp.StateHash[:4])
	assert.Nil(t, resp.Indexer)
	assert.Nil(t, resp.ProjectionWatermark)

	_, err = qs.GetJournalHistory(context.Background(), key(1), 10, nil)
	assert.ErrorIs(t, err, ErrNoDatabase)
}

func TestErrorCode(t *testing.T) {
	assert.Equal(t, "not_found", ErrorCode(ErrBankNotFound))
	assert.Equal(t, "unavailable", ErrorCode(ErrNoDatabase))
	assert.Equal(t, "internal", ErrorCode(errors.New("boom")))
}
