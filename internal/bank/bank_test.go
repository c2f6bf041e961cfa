package bank_test

import (
	"testing"

	"KwrapLedger/internal/bank"
	"KwrapLedger/internal/codec"
	"KwrapLedger/internal/ledger"
	fpmath "KwrapLedger/internal/math"
	"KwrapLedger/internal/state"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func key(b byte) solana.PublicKey {
	var k solana.PublicKey
	k[0] = b
	k[31] = b
	return k
}

var (
	hostProgram  = key(100)
	kwrapProgram = solana.MustPublicKeyFromBase58("11111111111111111111111111111112")
	group        = key(5)
	market       = key(10)
	obligation   = key(20)
	reserve      = key(30)
	mint         = key(31)
	bankKey      = key(40)
	authority    = key(2)
	hostAccount  = key(3)
)

type fixture struct {
	bridge *bank.Bridge
	ledger *bank.Ledger
}

func newFixture(t *testing.T, depositLimit uint64) *fixture {
	t.Helper()

	r := codec.NewReserveBuilder().Mint(mint, 6).LendingMarket(market).View()
	cfg := bank.DefaultKwrapConfig(market, reserve)
	cfg.DepositLimit = depositLimit
	b, err := bank.NewKwrapBank(group, bankKey, mint, 6, r, cfg, 1)
	require.NoError(t, err)

	kwrapKey, bump, err := state.DeriveUserAccountAddress(kwrapProgram, authority, hostAccount)
	require.NoError(t, err)
	kw := state.NewUserAccount(kwrapKey, authority, hostAccount, bump, 1)
	require.NoError(t, ledger.Register(kw, market, obligation, ledger.Invocation{Caller: authority}))

	return &fixture{
		bridge: bank.NewBridge(hostProgram, kwrapProgram),
		ledger: &bank.Ledger{
			Account: &bank.Account{Key: hostAccount, Group: group, Authority: authority},
			Bank:    b,
			Kwrap:   kw,
		},
	}
}

func deposit(slot, amount uint64) *codec.Obligation {
	return codec.NewObligationBuilder().LastUpdateSlot(slot).Deposit(0, reserve, amount).View()
}

func inv(slot uint64) ledger.Invocation {
	return ledger.Invocation{Caller: authority, Slot: slot, UnixTimestamp: int64(slot) * 10}
}

func balanceOf(t *testing.T, f *fixture) decimal.Decimal {
	t.Helper()
	b := f.ledger.Account.LendingAccount.FindBalance(bankKey)
	require.NotNil(t, b)
	return b.AssetShares
}

func TestNewKwrapBank(t *testing.T) {
	cfg := bank.DefaultKwrapConfig(market, reserve)
	require.True(t, cfg.AssetWeightInit.Equal(decimal.RequireFromString("0.8")))
	require.True(t, cfg.AssetWeightMaint.Equal(decimal.RequireFromString("0.9")))
	require.Equal(t, uint64(1_000_000), cfg.DepositLimit)
	require.Equal(t, uint16(10), cfg.OracleMaxAge)

	r := codec.NewReserveBuilder().Mint(mint, 6).View()

	b, err := bank.NewKwrapBank(group, bankKey, mint, 6, r, cfg, 7)
	require.NoError(t, err)
	require.Equal(t, bank.RiskTierKwrap, b.RiskTier)
	require.True(t, b.AssetShareValue.Equal(decimal.NewFromInt(1)))
	require.True(t, b.TotalAssetShares.IsZero())

	_, err = bank.NewKwrapBank(group, bankKey, key(99), 6, r, cfg, 7)
	require.ErrorIs(t, err, bank.ErrInvalidReserveForBank)

	_, err = bank.NewKwrapBank(group, bankKey, mint, 9, r, cfg, 7)
	require.ErrorIs(t, err, bank.ErrInvalidReserveForBank)

	bad := cfg
	bad.AssetWeightInit = decimal.RequireFromString("0.95")
	_, err = bank.NewKwrapBank(group, bankKey, mint, 6, r, bad, 7)
	require.Error(t, err)
}

func TestFindOrCreateBankAccount(t *testing.T) {
	var la bank.LendingAccount
	b := &bank.Bank{Key: bankKey, AssetShareValue: decimal.NewFromInt(1)}

	w1, err := bank.FindOrCreateBankAccount(b, &la, 1)
	require.NoError(t, err)
	w2, err := bank.FindOrCreateBankAccount(b, &la, 2)
	require.NoError(t, err)
	require.Same(t, w1.Balance, w2.Balance)
	require.Equal(t, 1, la.ActiveBalances())

	for i := 1; i < bank.MaxLendingAccountBalances; i++ {
		_, err := bank.FindOrCreateBankAccount(&bank.Bank{Key: key(byte(100 + i))}, &la, 3)
		require.NoError(t, err)
	}
	_, err = bank.FindOrCreateBankAccount(&bank.Bank{Key: key(200)}, &la, 4)
	require.ErrorIs(t, err, bank.ErrLendingAccountBalanceSlotsFull)

	// Existing balances are still found when full.
	_, err = bank.FindOrCreateBankAccount(b, &la, 5)
	require.NoError(t, err)
}

func TestDepositNoRepay(t *testing.T) {
	var la bank.LendingAccount
	b := &bank.Bank{Key: bankKey, AssetShareValue: decimal.RequireFromString("2"), TotalAssetShares: decimal.Zero}
	w, err := bank.FindOrCreateBankAccount(b, &la, 1)
	require.NoError(t, err)

	require.NoError(t, w.DepositNoRepay(decimal.NewFromInt(100), 2))
	require.True(t, w.Balance.AssetShares.Equal(decimal.NewFromInt(50)))
	require.True(t, b.TotalAssetShares.Equal(decimal.NewFromInt(50)))
	require.True(t, w.Amount().Equal(decimal.NewFromInt(100)))

	err = w.DepositNoRepay(decimal.NewFromInt(-1), 3)
	require.ErrorIs(t, err, fpmath.ErrNegativeAmount)
	require.True(t, ledger.IsFatal(err))

	err = w.DepositNoRepay(fpmath.I80F48Max, 3)
	require.ErrorIs(t, err, fpmath.ErrMathOverflow)
	require.True(t, w.Balance.AssetShares.Equal(decimal.NewFromInt(50)))
}

func TestRegisterKwrap(t *testing.T) {
	f := newFixture(t, 0)

	res, err := f.bridge.RegisterKwrap(f.ledger, obligation, deposit(5, 1000), reserve, inv(5))
	require.NoError(t, err)
	require.Equal(t, uint64(1000), res.Amount)
	require.Equal(t, mint, res.Mint)

	require.True(t, balanceOf(t, f).Equal(decimal.NewFromInt(1000)))
	require.True(t, f.ledger.Bank.TotalAssetShares.Equal(decimal.NewFromInt(1000)))

	_, info := f.ledger.Kwrap.FindByObligationMut(obligation)
	require.False(t, info.IsFreeToWithdraw())
	require.Equal(t, state.PositionActive, info.Positions[0].State)
	require.Equal(t, bankKey, info.Positions[0].Bank)
}

func TestRegisterKwrapRejections(t *testing.T) {
	t.Run("wrong reserve", func(t *testing.T) {
		f := newFixture(t, 0)
		ob := codec.NewObligationBuilder().LastUpdateSlot(5).Deposit(0, key(77), 10).View()
		_, err := f.bridge.RegisterKwrap(f.ledger, obligation, ob, key(77), inv(5))
		require.ErrorIs(t, err, bank.ErrInvalidKaminoReserve)
	})

	t.Run("foreign kwrap account", func(t *testing.T) {
		f := newFixture(t, 0)
		f.ledger.Kwrap.Key = key(66)
		_, err := f.bridge.RegisterKwrap(f.ledger, obligation, deposit(5, 10), reserve, inv(5))
		require.ErrorIs(t, err, bank.ErrInvalidKwrapAccount)
	})

	t.Run("disabled account", func(t *testing.T) {
		f := newFixture(t, 0)
		f.ledger.Account.Flags |= bank.DisabledFlag
		_, err := f.bridge.RegisterKwrap(f.ledger, obligation, deposit(5, 10), reserve, inv(5))
		require.ErrorIs(t, err, bank.ErrAccountDisabled)
	})

	t.Run("deposit limit leaves state untouched", func(t *testing.T) {
		f := newFixture(t, 500)
		before := *f.ledger.Kwrap
		_, err := f.bridge.RegisterKwrap(f.ledger, obligation, deposit(5, 1000), reserve, inv(5))
		require.ErrorIs(t, err, bank.ErrDepositLimitExceeded)
		require.Equal(t, before, *f.ledger.Kwrap)
		require.Zero(t, f.ledger.Account.LendingAccount.ActiveBalances())
		require.True(t, f.ledger.Bank.TotalAssetShares.IsZero())
	})

	t.Run("balance slots full", func(t *testing.T) {
		f := newFixture(t, 0)
		for i := 0; i < bank.MaxLendingAccountBalances; i++ {
			_, err := bank.FindOrCreateBankAccount(&bank.Bank{Key: key(byte(120 + i))}, &f.ledger.Account.LendingAccount, 1)
			require.NoError(t, err)
		}
		before := *f.ledger.Kwrap
		_, err := f.bridge.RegisterKwrap(f.ledger, obligation, deposit(5, 10), reserve, inv(5))
		require.ErrorIs(t, err, bank.ErrLendingAccountBalanceSlotsFull)
		require.Equal(t, before, *f.ledger.Kwrap)
	})
}

func TestSyncKwrapCreditsOnlyUnsynced(t *testing.T) {
	f := newFixture(t, 0)
	_, err := f.bridge.RegisterKwrap(f.ledger, obligation, deposit(5, 1000), reserve, inv(5))
	require.NoError(t, err)

	require.NoError(t, ledger.Accrue(f.ledger.Kwrap, obligation, deposit(9, 1075), reserve, inv(9)))

	res, err := f.bridge.SyncKwrap(f.ledger, inv(9))
	require.NoError(t, err)
	require.Equal(t, uint64(75), res.Amount)
	require.True(t, balanceOf(t, f).Equal(decimal.NewFromInt(1075)))

	_, info := f.ledger.Kwrap.FindByObligationMut(obligation)
	require.Equal(t, uint64(1075), info.Positions[0].Amount)
	require.Zero(t, info.Positions[0].Unsynced)
	require.Equal(t, uint64(9), info.Positions[0].SyncedSlot)

	// Nothing left to credit.
	res, err = f.bridge.SyncKwrap(f.ledger, inv(10))
	require.NoError(t, err)
	require.Zero(t, res.Amount)
	require.True(t, balanceOf(t, f).Equal(decimal.NewFromInt(1075)))
}

func TestSyncKwrapIgnoresDepositLimit(t *testing.T) {
	f := newFixture(t, 1000)
	_, err := f.bridge.RegisterKwrap(f.ledger, obligation, deposit(5, 1000), reserve, inv(5))
	require.NoError(t, err)
	require.NoError(t, ledger.Accrue(f.ledger.Kwrap, obligation, deposit(6, 1010), reserve, inv(6)))

	res, err := f.bridge.SyncKwrap(f.ledger, inv(6))
	require.NoError(t, err)
	require.Equal(t, uint64(10), res.Amount)
}

func TestWithdrawKwrap(t *testing.T) {
	f := newFixture(t, 0)
	_, err := f.bridge.RegisterKwrap(f.ledger, obligation, deposit(5, 1000), reserve, inv(5))
	require.NoError(t, err)
	require.NoError(t, ledger.Accrue(f.ledger.Kwrap, obligation, deposit(6, 1020), reserve, inv(6)))

	res, err := f.bridge.WithdrawKwrap(f.ledger, obligation, deposit(6, 1020), reserve, 420, inv(6))
	require.NoError(t, err)
	require.Equal(t, uint64(20), res.Synced)
	require.False(t, res.SlotFreed)
	require.True(t, balanceOf(t, f).Equal(decimal.NewFromInt(600)))

	res, err = f.bridge.WithdrawKwrap(f.ledger, obligation, deposit(7, 600), reserve, 600, inv(7))
	require.NoError(t, err)
	require.True(t, res.SlotFreed)
	require.Nil(t, f.ledger.Account.LendingAccount.FindBalance(bankKey))
	require.True(t, f.ledger.Bank.TotalAssetShares.IsZero())

	_, info := f.ledger.Kwrap.FindByObligationMut(obligation)
	require.True(t, info.IsFreeToWithdraw())
	require.True(t, info.AllPositionsEmpty())
}

func TestWithdrawKwrapOverBalance(t *testing.T) {
	f := newFixture(t, 0)
	_, err := f.bridge.RegisterKwrap(f.ledger, obligation, deposit(5, 1000), reserve, inv(5))
	require.NoError(t, err)

	_, err = f.bridge.WithdrawKwrap(f.ledger, obligation, deposit(5, 1000), reserve, 1001, inv(5))
	require.ErrorIs(t, err, bank.ErrInsufficientBalance)
	require.True(t, balanceOf(t, f).Equal(decimal.NewFromInt(1000)))
}

func TestBridgeRequiresAuthority(t *testing.T) {
	f := newFixture(t, 0)
	stranger := inv(5)
	stranger.Caller = key(77)

	_, err := f.bridge.RegisterKwrap(f.ledger, obligation, deposit(5, 1000), reserve, stranger)
	require.ErrorIs(t, err, bank.ErrCallerNotAuthority)
	require.Zero(t, f.ledger.Account.LendingAccount.ActiveBalances())

	_, err = f.bridge.RegisterKwrap(f.ledger, obligation, deposit(5, 1000), reserve, inv(5))
	require.NoError(t, err)

	stranger.Slot = 6
	_, err = f.bridge.WithdrawKwrap(f.ledger, obligation, deposit(6, 1000), reserve, 400, stranger)
	require.ErrorIs(t, err, bank.ErrCallerNotAuthority)
	_, err = f.bridge.SyncKwrap(f.ledger, stranger)
	require.ErrorIs(t, err, bank.ErrCallerNotAuthority)

	// The host program may crank a sync but not withdraw.
	crank := inv(6)
	crank.Caller = hostProgram
	_, err = f.bridge.SyncKwrap(f.ledger, crank)
	require.NoError(t, err)
	_, err = f.bridge.WithdrawKwrap(f.ledger, obligation, deposit(6, 1000), reserve, 400, crank)
	require.ErrorIs(t, err, bank.ErrCallerNotAuthority)

	require.True(t, balanceOf(t, f).Equal(decimal.NewFromInt(1000)))
	_, info := f.ledger.Kwrap.FindByObligationMut(obligation)
	require.Equal(t, uint64(1000), info.Positions[0].Amount)
}

func TestWithdrawKwrapRequiresActivePositionForBank(t *testing.T) {
	t.Run("uncollateralized obligation", func(t *testing.T) {
		f := newFixture(t, 0)
		other := key(21)
		require.NoError(t, ledger.Register(f.ledger.Kwrap, market, other, inv(5)))

		_, err := f.bridge.RegisterKwrap(f.ledger, obligation, deposit(5, 1000), reserve, inv(5))
		require.NoError(t, err)

		_, err = f.bridge.WithdrawKwrap(f.ledger, other, deposit(6, 1000), reserve, 400, inv(6))
		require.ErrorIs(t, err, ledger.ErrNotCollateralized)
		require.True(t, balanceOf(t, f).Equal(decimal.NewFromInt(1000)))
		require.True(t, f.ledger.Bank.TotalAssetShares.Equal(decimal.NewFromInt(1000)))
	})

	t.Run("position bound to another bank", func(t *testing.T) {
		f := newFixture(t, 0)
		_, err := f.bridge.RegisterKwrap(f.ledger, obligation, deposit(5, 1000), reserve, inv(5))
		require.NoError(t, err)

		r := codec.NewReserveBuilder().Mint(mint, 6).LendingMarket(market).View()
		second, err := bank.NewKwrapBank(group, key(41), mint, 6, r, bank.DefaultKwrapConfig(market, reserve), 1)
		require.NoError(t, err)
		_, err = bank.FindOrCreateBankAccount(second, &f.ledger.Account.LendingAccount, 1)
		require.NoError(t, err)

		l := &bank.Ledger{Account: f.ledger.Account, Bank: second, Kwrap: f.ledger.Kwrap}
		_, err = f.bridge.WithdrawKwrap(l, obligation, deposit(6, 1000), reserve, 400, inv(6))
		require.ErrorIs(t, err, ledger.ErrNotCollateralized)

		_, info := f.ledger.Kwrap.FindByObligationMut(obligation)
		require.Equal(t, uint64(1000), info.Positions[0].Amount)
		require.Equal(t, state.PositionActive, info.Positions[0].State)
	})
}
