// internal/bank/account.go
package bank

import (
	"math"

	fpmath "KwrapLedger/internal/math"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

// MaxLendingAccountBalances is the number of bank balances per lending account.
const MaxLendingAccountBalances = 16

// DisabledFlag blocks every balance change on a lending account.
const DisabledFlag uint64 = 1 << 0

// Balance is one bank position inside a lending account.
type Balance struct {
	Active          bool             `json:"active"`
	BankPk          solana.PublicKey `json:"bankPk"`
	AssetShares     decimal.Decimal  `json:"assetShares"`
	LiabilityShares decimal.Decimal  `json:"liabilityShares"`
	LastUpdate      int64            `json:"lastUpdate"`
}

// LendingAccount holds the balances of one host account.
type LendingAccount struct {
	Balances [MaxLendingAccountBalances]Balance `json:"balances"`
}

// Account is the host account a kwrap user account is bound to.
type Account struct {
	Key            solana.PublicKey `json:"key"`
	Group          solana.PublicKey `json:"group"`
	Authority      solana.PublicKey `json:"authority"`
	Flags          uint64           `json:"flags"`
	LendingAccount LendingAccount   `json:"lendingAccount"`
}

func (a *Account) IsDisabled() bool {
	return a.Flags&DisabledFlag != 0
}

// FindBalance returns the active balance for bankPk, or nil.
func (l *LendingAccount) FindBalance(bankPk solana.PublicKey) *Balance {
	for i := range l.Balances {
		b := &l.Balances[i]
		if b.Active && b.BankPk.Equals(bankPk) {
			return b
		}
	}
	return nil
}

// ActiveBalances counts balances in use.
func (l *LendingAccount) ActiveBalances() int {
	n := 0
	for i := range l.Balances {
		if l.Balances[i].Active {
			n++
		}
	}
	return n
}

// BankAccountWrapper pairs a balance with the bank it belongs to.
type BankAccountWrapper struct {
	Balance *Balance `json:"balance"`
	Bank    *Bank    `json:"bank"`
}

// FindOrCreateBankAccount returns the balance for bank, claiming the first
// free slot when none exists yet.
func FindOrCreateBankAccount(bank *Bank, account *LendingAccount, now int64) (*BankAccountWrapper, error) {
	if b := account.FindBalance(bank.Key); b != nil {
		return &BankAccountWrapper{Balance: b, Bank: bank}, nil
	}

	for i := range account.Balances {
		b := &account.Balances[i]
		if b.Active {
			continue
		}
		*b = Balance{
			Active:          true,
			BankPk:          bank.Key,
			AssetShares:     decimal.Zero,
			LiabilityShares: decimal.Zero,
			LastUpdate:      now,
		}
		return &BankAccountWrapper{Balance: b, Bank: bank}, nil
	}
	return nil, ErrLendingAccountBalanceSlotsFull
}

// FindBankAccount returns the existing balance for bank.
func FindBankAccount(bank *Bank, account *LendingAccount) (*BankAccountWrapper, error) {
	b := account.FindBalance(bank.Key)
	if b == nil {
		return nil, ErrBalanceNotFound
	}
	return &BankAccountWrapper{Balance: b, Bank: bank}, nil
}

// DepositNoRepay credits amount tokens as asset shares. Liabilities are
// never repaid, so the full amount lands on the asset side.
func (w *BankAccountWrapper) DepositNoRepay(amount decimal.Decimal, now int64) error {
	return w.deposit(amount, false, now)
}

// DepositNoRepayBypassLimit credits interest that already exists on the venue;
// the bank deposit limit does not apply to it.
func (w *BankAccountWrapper) DepositNoRepayBypassLimit(amount decimal.Decimal, now int64) error {
	return w.deposit(amount, true, now)
}

func (w *BankAccountWrapper) deposit(amount decimal.Decimal, bypassLimit bool, now int64) error {
	shares, err := fpmath.AmountToShares(amount, w.Bank.AssetShareValue)
	if err != nil {
		return err
	}
	newBalance, err := fpmath.CheckedAdd(w.Balance.AssetShares, shares)
	if err != nil {
		return err
	}
	if err := w.Bank.changeAssetShares(shares, bypassLimit); err != nil {
		return err
	}
	w.Balance.AssetShares = newBalance
	w.Balance.LastUpdate = now
	w.Bank.LastUpdate = now
	return nil
}

// Withdraw debits amount tokens from the asset side. An emptied balance
// is released.
func (w *BankAccountWrapper) Withdraw(amount decimal.Decimal, now int64) error {
	shares, err := fpmath.AmountToShares(amount, w.Bank.AssetShareValue)
	if err != nil {
		return err
	}
	if shares.GreaterThan(w.Balance.AssetShares) {
		return ErrInsufficientBalance
	}
	if err := w.Bank.changeAssetShares(shares.Neg(), true); err != nil {
		return err
	}
	w.Balance.AssetShares = w.Balance.AssetShares.Sub(shares)
	w.Balance.LastUpdate = now
	w.Bank.LastUpdate = now
	if w.Balance.AssetShares.IsZero() && w.Balance.LiabilityShares.IsZero() {
		*w.Balance = Balance{}
	}
	return nil
}

// Amount is the token value of the balance's asset shares.
func (w *BankAccountWrapper) Amount() decimal.Decimal {
	return w.Balance.AssetShares.Mul(w.Bank.AssetShareValue)
}

func (b *Bank) changeAssetShares(delta decimal.Decimal, bypassLimit bool) error {
	total, err := fpmath.CheckedAdd(b.TotalAssetShares, delta)
	if err != nil {
		return err
	}
	if total.IsNegative() {
		return fpmath.ErrNegativeAmount
	}
	if !bypassLimit && delta.IsPositive() && b.depositLimitActive() {
		if total.Mul(b.AssetShareValue).GreaterThan(fpmath.FromUint64(b.Config.DepositLimit)) {
			return ErrDepositLimitExceeded
		}
	}
	b.TotalAssetShares = total
	return nil
}

func (b *Bank) depositLimitActive() bool {
	return b.Config.DepositLimit != 0 && b.Config.DepositLimit != math.MaxUint64
}
