// internal/bank/bridge.go
package bank

import (
	"fmt"

	"KwrapLedger/internal/codec"
	"KwrapLedger/internal/ledger"
	fpmath "KwrapLedger/internal/math"
	"KwrapLedger/internal/state"

	"github.com/gagliardetto/solana-go"
)

// Bridge keeps a host bank's books in step with the kwrap positions that
// back them. The host program is the trusted caller of every position
// transition the bridge drives.
type Bridge struct {
	HostProgramID  solana.PublicKey
	KwrapProgramID solana.PublicKey
}

func NewBridge(hostProgramID, kwrapProgramID solana.PublicKey) *Bridge {
	return &Bridge{HostProgramID: hostProgramID, KwrapProgramID: kwrapProgramID}
}

// Ledger is the state one bridge call works on. The call either updates all
// of it or none of it.
type Ledger struct {
	Account *Account
	Bank    *Bank
	Kwrap   *state.UserAccount
}

// RegisterResult reports a completed RegisterKwrap.
type RegisterResult struct {
	Bank       solana.PublicKey
	Mint       solana.PublicKey
	Obligation solana.PublicKey
	Amount     uint64
}

// SyncResult reports a completed SyncKwrap. Amount may be zero.
type SyncResult struct {
	Bank   solana.PublicKey
	Amount uint64
}

// WithdrawResult reports a completed WithdrawKwrap.
type WithdrawResult struct {
	Bank       solana.PublicKey
	Obligation solana.PublicKey
	Synced     uint64
	Amount     uint64
	SlotFreed  bool
}

// ValidateUserKwrapAccount fails unless kwrapKey is the user account address
// derived from (authority, account).
func (br *Bridge) ValidateUserKwrapAccount(authority, account, kwrapKey solana.PublicKey) error {
	expected, _, err := state.DeriveUserAccountAddress(br.KwrapProgramID, authority, account)
	if err != nil {
		return fmt.Errorf("derive kwrap account: %w", err)
	}
	if !expected.Equals(kwrapKey) {
		return ErrInvalidKwrapAccount
	}
	return nil
}

func (br *Bridge) hostInvocation(inv ledger.Invocation) ledger.Invocation {
	inv.Caller = br.HostProgramID
	return inv
}

// checkAccounts validates the accounts and the caller. Only the lending
// account authority may drive a bridge call; crank lets the host program
// drive it too. The host identity is swapped in only after this passes.
func (br *Bridge) checkAccounts(l *Ledger, inv ledger.Invocation, crank bool) error {
	if !inv.Caller.Equals(l.Account.Authority) && !(crank && inv.Caller.Equals(br.HostProgramID)) {
		return fmt.Errorf("%w: %s", ErrCallerNotAuthority, inv.Caller)
	}
	if err := br.ValidateUserKwrapAccount(l.Account.Authority, l.Account.Key, l.Kwrap.Key); err != nil {
		return err
	}
	if l.Account.IsDisabled() {
		return ErrAccountDisabled
	}
	return nil
}

// working copies; committed back only when the call succeeds
type scratch struct {
	account Account
	bank    Bank
	kwrap   *state.UserAccount
}

func newScratch(l *Ledger) *scratch {
	return &scratch{account: *l.Account, bank: *l.Bank, kwrap: l.Kwrap.Clone()}
}

func (s *scratch) commit(l *Ledger) {
	*l.Account = s.account
	*l.Bank = s.bank
	*l.Kwrap = *s.kwrap
}

// RegisterKwrap collateralizes the obligation's deposit in reserve: the kwrap
// position is activated and the full deposited amount is credited to the bank.
func (br *Bridge) RegisterKwrap(
	l *Ledger,
	obligationKey solana.PublicKey,
	ob *codec.Obligation,
	reserve solana.PublicKey,
	inv ledger.Invocation,
) (*RegisterResult, error) {
	if !l.Bank.WrapsReserve(reserve) {
		return nil, ErrInvalidKaminoReserve
	}
	if err := br.checkAccounts(l, inv, false); err != nil {
		return nil, err
	}

	s := newScratch(l)
	amount, err := ledger.StartBorrow(s.kwrap, obligationKey, ob, reserve, s.bank.Key, br.hostInvocation(inv), br.HostProgramID)
	if err != nil {
		return nil, err
	}

	w, err := FindOrCreateBankAccount(&s.bank, &s.account.LendingAccount, inv.UnixTimestamp)
	if err != nil {
		return nil, err
	}
	if err := w.DepositNoRepay(fpmath.FromUint64(amount), inv.UnixTimestamp); err != nil {
		return nil, err
	}

	s.commit(l)
	return &RegisterResult{
		Bank:       l.Bank.Key,
		Mint:       l.Bank.Mint,
		Obligation: obligationKey,
		Amount:     amount,
	}, nil
}

// SyncKwrap credits the bank with interest accrued on the venue since the last
// sync, then folds it into the kwrap positions. Only the unsynced part is
// credited. The host program may crank it on the owner's behalf.
func (br *Bridge) SyncKwrap(l *Ledger, inv ledger.Invocation) (*SyncResult, error) {
	if err := br.checkAccounts(l, inv, true); err != nil {
		return nil, err
	}

	s := newScratch(l)
	amount, err := br.sync(s, inv)
	if err != nil {
		return nil, err
	}

	s.commit(l)
	return &SyncResult{Bank: l.Bank.Key, Amount: amount}, nil
}

func (br *Bridge) sync(s *scratch, inv ledger.Invocation) (uint64, error) {
	unsynced := s.kwrap.SumUnsyncedForBank(s.bank.Key)
	if unsynced > 0 {
		w, err := FindOrCreateBankAccount(&s.bank, &s.account.LendingAccount, inv.UnixTimestamp)
		if err != nil {
			return 0, err
		}
		if err := w.DepositNoRepayBypassLimit(fpmath.FromUint64(unsynced), inv.UnixTimestamp); err != nil {
			return 0, err
		}
	}

	synced, err := ledger.SyncBorrow(s.kwrap, s.bank.Key, br.hostInvocation(inv), br.HostProgramID)
	if err != nil {
		return 0, err
	}
	if synced != unsynced {
		panic(&ledger.InvariantViolation{
			Account: s.kwrap.Key,
			Detail:  fmt.Sprintf("bank %s credited %d but positions synced %d", s.bank.Key, unsynced, synced),
		})
	}
	return synced, nil
}

// WithdrawKwrap releases amount tokens of the reserve's deposit from the bank:
// pending interest is synced first, the bank balance is debited, and the kwrap
// position is reconciled. The position must be collateralized for this bank.
// The slot is freed once nothing remains.
func (br *Bridge) WithdrawKwrap(
	l *Ledger,
	obligationKey solana.PublicKey,
	ob *codec.Obligation,
	reserve solana.PublicKey,
	amount uint64,
	inv ledger.Invocation,
) (*WithdrawResult, error) {
	if !l.Bank.WrapsReserve(reserve) {
		return nil, ErrInvalidKaminoReserve
	}
	if err := br.checkAccounts(l, inv, false); err != nil {
		return nil, err
	}
	if err := ledger.CheckCollateralized(l.Kwrap, obligationKey, ob, reserve, l.Bank.Key); err != nil {
		return nil, err
	}

	s := newScratch(l)
	synced, err := br.sync(s, inv)
	if err != nil {
		return nil, err
	}

	w, err := FindBankAccount(&s.bank, &s.account.LendingAccount)
	if err != nil {
		return nil, err
	}
	if err := w.Withdraw(fpmath.FromUint64(amount), inv.UnixTimestamp); err != nil {
		return nil, err
	}
	if err := ledger.RecordWithdrawal(s.kwrap, obligationKey, ob, reserve, s.bank.Key, amount, br.hostInvocation(inv), br.HostProgramID); err != nil {
		return nil, err
	}
	freed, err := ledger.ReleaseIfClear(s.kwrap, obligationKey)
	if err != nil {
		return nil, err
	}

	s.commit(l)
	return &WithdrawResult{
		Bank:       l.Bank.Key,
		Obligation: obligationKey,
		Synced:     synced,
		Amount:     amount,
		SlotFreed:  freed,
	}, nil
}
