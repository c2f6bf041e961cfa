package ledger

import (
	"errors"
	"fmt"

	"KwrapLedger/internal/codec"
	fpmath "KwrapLedger/internal/math"
	"KwrapLedger/internal/state"

	"github.com/gagliardetto/solana-go"
)

// Validation errors. These are returned to the caller and never change state.
var (
	ErrDuplicateMarket        = state.ErrDuplicateMarket
	ErrObligationEntriesFull  = state.ErrObligationEntriesFull
	ErrMarketInfoDoesNotExist = state.ErrMarketInfoDoesNotExist

	ErrDepositDoesNotExist   = errors.New("reserve has no deposit in obligation")
	ErrAlreadyCollateralized = errors.New("position already collateralized or external deposit is zero")
	ErrCallerNotTrusted      = errors.New("caller is not the trusted host program")
	ErrObligationStale       = errors.New("obligation not refreshed in the current slot")
	ErrPositionsOutstanding  = errors.New("market info still holds collateral")
	ErrWithdrawNotOwner      = errors.New("withdraw signer is not the account owner")
	ErrNotCollateralized     = errors.New("position is not collateralized for this bank")
)

// InvariantViolation is raised (as a panic value) when the ledger disagrees
// with the venue in a way no caller input can explain.
type InvariantViolation struct {
	Account    solana.PublicKey
	Obligation solana.PublicKey
	Position   int
	Detail     string
}

func (v *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violated: account=%s obligation=%s position=%d: %s",
		v.Account, v.Obligation, v.Position, v.Detail)
}

func violate(acct *state.UserAccount, obligation solana.PublicKey, position int, format string, args ...interface{}) {
	panic(&InvariantViolation{
		Account:    acct.Key,
		Obligation: obligation,
		Position:   position,
		Detail:     fmt.Sprintf(format, args...),
	})
}

// IsFatal reports whether err belongs to the fatal class: an invariant
// violation, a malformed record, or arithmetic out of range.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var iv *InvariantViolation
	return errors.As(err, &iv) ||
		errors.Is(err, codec.ErrMalformedRecord) ||
		errors.Is(err, fpmath.ErrMathOverflow) ||
		errors.Is(err, fpmath.ErrNegativeAmount)
}
