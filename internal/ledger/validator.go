package ledger

import (
	"fmt"

	"KwrapLedger/internal/state"
)

// InvariantValidator checks account-level invariants after a transition.
// Transitions uphold these by construction; a failure here means a bug.
type InvariantValidator struct{}

func NewInvariantValidator() *InvariantValidator {
	return &InvariantValidator{}
}

// ValidateAccount runs every check and returns the first failure.
func (v *InvariantValidator) ValidateAccount(acct *state.UserAccount) error {
	if err := v.ValidateUniqueObligations(acct); err != nil {
		return err
	}
	for i := range acct.MarketInfo {
		info := &acct.MarketInfo[i]
		if info.IsEmpty() {
			continue
		}
		if err := v.ValidatePositions(i, info); err != nil {
			return err
		}
		if err := v.ValidateFreeFlag(i, info); err != nil {
			return err
		}
	}
	return nil
}

// ValidateUniqueObligations checks that no obligation occupies two slots.
func (v *InvariantValidator) ValidateUniqueObligations(acct *state.UserAccount) error {
	for i := range acct.MarketInfo {
		a := &acct.MarketInfo[i]
		if a.IsEmpty() {
			continue
		}
		for j := i + 1; j < len(acct.MarketInfo); j++ {
			b := &acct.MarketInfo[j]
			if !b.IsEmpty() && a.Obligation.Equals(b.Obligation) {
				return fmt.Errorf("obligation %s in slots %d and %d", a.Obligation, i, j)
			}
		}
	}
	return nil
}

// ValidatePositions checks that active positions carry a bank and inactive
// positions carry nothing.
func (v *InvariantValidator) ValidatePositions(slot int, info *state.KaminoMarketInfo) error {
	for j := range info.Positions {
		p := &info.Positions[j]
		switch p.State {
		case state.PositionActive:
			if p.Bank.IsZero() {
				return fmt.Errorf("slot %d position %d active without bank", slot, j)
			}
		case state.PositionInactive:
			if !p.IsEmpty() {
				return fmt.Errorf("slot %d position %d inactive with amount=%d unsynced=%d", slot, j, p.Amount, p.Unsynced)
			}
		default:
			return fmt.Errorf("slot %d position %d has unknown state %d", slot, j, p.State)
		}
	}
	return nil
}

// ValidateFreeFlag checks that a free slot holds nothing.
func (v *InvariantValidator) ValidateFreeFlag(slot int, info *state.KaminoMarketInfo) error {
	if info.IsFreeToWithdraw() && !info.AllPositionsEmpty() {
		return fmt.Errorf("slot %d free to withdraw while holding collateral", slot)
	}
	return nil
}
