package ledger

import (
	"errors"
	"fmt"

	"KwrapLedger/internal/codec"
	"KwrapLedger/internal/state"

	"github.com/gagliardetto/solana-go"
)

// ErrBankRequired rejects activation against the zero bank key.
var ErrBankRequired = errors.New("bank key is required to collateralize")

// Register occupies a market info slot for (market, obligation). The slot
// starts free to withdraw.
func Register(acct *state.UserAccount, market, obligation solana.PublicKey, inv Invocation) error {
	if err := acct.AddMarketInfo(market, obligation); err != nil {
		return err
	}
	acct.LastActivity = inv.UnixTimestamp
	return nil
}

// Accrue records venue-side growth of one reserve's deposit as unsynced.
// The obligation must have been refreshed in the current slot.
func Accrue(acct *state.UserAccount, obligationKey solana.PublicKey, ob *codec.Obligation, reserve solana.PublicKey, inv Invocation) error {
	_, info := acct.FindByObligationMut(obligationKey)
	if info == nil {
		return ErrMarketInfoDoesNotExist
	}
	if ob.LastUpdateSlot() != inv.Slot {
		return fmt.Errorf("%w: obligation at slot %d, current slot %d", ErrObligationStale, ob.LastUpdateSlot(), inv.Slot)
	}

	idx, dep, ok := ob.FindDepositByReserve(reserve)
	if !ok {
		return ErrDepositDoesNotExist
	}

	accruePosition(acct, obligationKey, info, idx, dep.DepositedAmount(), inv.Slot)
	acct.LastActivity = inv.UnixTimestamp
	return nil
}

// AccrueObligation is Accrue across every deposit of the obligation.
func AccrueObligation(acct *state.UserAccount, obligationKey solana.PublicKey, ob *codec.Obligation, inv Invocation) error {
	_, info := acct.FindByObligationMut(obligationKey)
	if info == nil {
		return ErrMarketInfoDoesNotExist
	}
	if ob.LastUpdateSlot() != inv.Slot {
		return fmt.Errorf("%w: obligation at slot %d, current slot %d", ErrObligationStale, ob.LastUpdateSlot(), inv.Slot)
	}

	for i := range ob.Deposits {
		accruePosition(acct, obligationKey, info, i, ob.Deposits[i].DepositedAmount(), inv.Slot)
	}
	acct.LastActivity = inv.UnixTimestamp
	return nil
}

// RecordDeposit captures drift right after a deposit into an obligation the
// wrapper holds. The deposit refreshed the obligation, so no staleness check.
func RecordDeposit(acct *state.UserAccount, obligationKey solana.PublicKey, ob *codec.Obligation, reserve solana.PublicKey, inv Invocation) error {
	_, info := acct.FindByObligationMut(obligationKey)
	if info == nil {
		return ErrMarketInfoDoesNotExist
	}
	idx, dep, ok := ob.FindDepositByReserve(reserve)
	if !ok {
		return ErrDepositDoesNotExist
	}

	accruePosition(acct, obligationKey, info, idx, dep.DepositedAmount(), inv.Slot)
	acct.LastActivity = inv.UnixTimestamp
	return nil
}

// accruePosition sets Unsynced so Amount+Unsynced equals the external deposit.
// Inactive positions are not tracked and stay untouched.
func accruePosition(acct *state.UserAccount, obligationKey solana.PublicKey, info *state.KaminoMarketInfo, idx int, external uint64, slot uint64) {
	pos := &info.Positions[idx]
	if !pos.IsActive() {
		return
	}
	if external < pos.Amount {
		violate(acct, obligationKey, idx, "external deposit %d below collateralized amount %d", external, pos.Amount)
	}
	pos.Unsynced = external - pos.Amount
	pos.SyncedSlot = slot
}

// StartBorrow locks the slot and activates the position backing reserve,
// snapshotting the external deposit as collateral for bank. Returns the
// collateralized amount.
func StartBorrow(
	acct *state.UserAccount,
	obligationKey solana.PublicKey,
	ob *codec.Obligation,
	reserve, bank solana.PublicKey,
	inv Invocation,
	trusted solana.PublicKey,
) (uint64, error) {
	_, info := acct.FindByObligationMut(obligationKey)
	if info == nil {
		return 0, ErrMarketInfoDoesNotExist
	}
	if !info.IsFreeToWithdraw() {
		if err := ValidateTrustedCaller(inv.Caller, trusted); err != nil {
			return 0, err
		}
	}
	if bank.IsZero() {
		return 0, ErrBankRequired
	}

	idx, dep, ok := ob.FindDepositByReserve(reserve)
	if !ok {
		return 0, ErrDepositDoesNotExist
	}

	pos := &info.Positions[idx]
	amount := dep.DepositedAmount()
	if pos.State != state.PositionInactive || amount == 0 {
		return 0, ErrAlreadyCollateralized
	}

	info.RemoveFreeToWithdraw()
	pos.Activate(amount, bank)
	pos.SyncedSlot = inv.Slot
	acct.LastActivity = inv.UnixTimestamp
	return amount, nil
}

// SyncBorrow folds unsynced into amount for every position of bank and
// returns the amount folded. No positions under bank is a no-op.
func SyncBorrow(acct *state.UserAccount, bank solana.PublicKey, inv Invocation, trusted solana.PublicKey) (uint64, error) {
	if acct.BankSlotLocked(bank) {
		if err := ValidateTrustedCaller(inv.Caller, trusted); err != nil {
			return 0, err
		}
	}

	synced := acct.SumUnsyncedForBank(bank)
	acct.SyncPositionsForBank(bank, inv.Slot)
	acct.LastActivity = inv.UnixTimestamp
	return synced, nil
}

// ReleaseIfClear frees the slot only when no position holds anything.
// Returns whether the slot is free afterwards.
func ReleaseIfClear(acct *state.UserAccount, obligationKey solana.PublicKey) (bool, error) {
	_, info := acct.FindByObligationMut(obligationKey)
	if info == nil {
		return false, ErrMarketInfoDoesNotExist
	}
	return info.SetFreeToWithdrawIfClear(), nil
}

// AuthorizeWithdraw decides whether inv.Caller may withdraw from the slot.
// A free slot needs the owner (or the host); a locked slot needs the host.
func AuthorizeWithdraw(acct *state.UserAccount, obligationKey solana.PublicKey, inv Invocation, trusted solana.PublicKey) error {
	_, info := acct.FindByObligationMut(obligationKey)
	if info == nil {
		return ErrMarketInfoDoesNotExist
	}
	if info.IsFreeToWithdraw() {
		if inv.Caller.Equals(acct.User) || ValidateTrustedCaller(inv.Caller, trusted) == nil {
			return nil
		}
		return ErrWithdrawNotOwner
	}
	return ValidateTrustedCaller(inv.Caller, trusted)
}

// CheckCollateralized fails unless reserve's position under obligationKey is
// active and collateralized for bank.
func CheckCollateralized(acct *state.UserAccount, obligationKey solana.PublicKey, ob *codec.Obligation, reserve, bank solana.PublicKey) error {
	_, info := acct.FindByObligationMut(obligationKey)
	if info == nil {
		return ErrMarketInfoDoesNotExist
	}
	idx, _, ok := ob.FindDepositByReserve(reserve)
	if !ok {
		return ErrDepositDoesNotExist
	}
	if pos := info.Positions[idx]; !pos.IsActive() || !pos.Bank.Equals(bank) {
		return fmt.Errorf("%w: obligation %s position %d", ErrNotCollateralized, obligationKey, idx)
	}
	return nil
}

// RecordWithdrawal reconciles a withdrawal of amount from reserve's position,
// which must be active and collateralized for bank. Unsynced is consumed
// before Amount. A fully drained position goes back to inactive so it can be
// collateralized again.
func RecordWithdrawal(
	acct *state.UserAccount,
	obligationKey solana.PublicKey,
	ob *codec.Obligation,
	reserve, bank solana.PublicKey,
	amount uint64,
	inv Invocation,
	trusted solana.PublicKey,
) error {
	if err := AuthorizeWithdraw(acct, obligationKey, inv, trusted); err != nil {
		return err
	}
	if err := CheckCollateralized(acct, obligationKey, ob, reserve, bank); err != nil {
		return err
	}
	_, info := acct.FindByObligationMut(obligationKey)
	idx, _, _ := ob.FindDepositByReserve(reserve)

	pos := &info.Positions[idx]
	if amount > pos.Total() {
		violate(acct, obligationKey, idx, "withdrawal %d exceeds tracked %d", amount, pos.Total())
	}
	fromUnsynced := min(amount, pos.Unsynced)
	pos.Unsynced -= fromUnsynced
	pos.Amount -= amount - fromUnsynced
	if pos.IsEmpty() {
		*pos = state.CollateralizedPosition{SyncedSlot: inv.Slot}
	}

	acct.LastActivity = inv.UnixTimestamp
	return nil
}

// CloseSlot frees a slot for reuse. The slot must be free to withdraw and
// hold nothing.
func CloseSlot(acct *state.UserAccount, obligationKey solana.PublicKey, inv Invocation) error {
	idx, info := acct.FindByObligationMut(obligationKey)
	if info == nil {
		return ErrMarketInfoDoesNotExist
	}
	if !info.IsFreeToWithdraw() || !info.AllPositionsEmpty() {
		return ErrPositionsOutstanding
	}
	for i := range info.Positions {
		if info.Positions[i].IsActive() {
			return ErrPositionsOutstanding
		}
	}
	acct.ClearSlot(idx)
	acct.LastActivity = inv.UnixTimestamp
	return nil
}
