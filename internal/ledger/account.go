package ledger

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// AccountScope represents the top-level journal account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types: the two halves of a collateralized position
	SubTypeCollateral AccountSubType = iota
	SubTypeUnsynced

	// External sub-types
	SubTypeVenueDeposit
)

// AccountKey identifies one journal account. User accounts are per position
// (user account, obligation, deposit index); the venue side is per
// (obligation, deposit index).
type AccountKey struct {
	Scope      AccountScope
	Owner      solana.PublicKey
	Obligation solana.PublicKey
	Position   uint8
	SubType    AccountSubType
}

// NewUserAccountKey creates a key for one half of a position.
func NewUserAccountKey(account, obligation solana.PublicKey, position int, subType AccountSubType) AccountKey {
	return AccountKey{
		Scope:      AccountScopeUser,
		Owner:      account,
		Obligation: obligation,
		Position:   uint8(position),
		SubType:    subType,
	}
}

// NewVenueAccountKey creates the external counterpart of a position: the
// deposit held by the venue.
func NewVenueAccountKey(obligation solana.PublicKey, position int) AccountKey {
	return AccountKey{
		Scope:      AccountScopeExternal,
		Owner:      obligation,
		Obligation: obligation,
		Position:   uint8(position),
		SubType:    SubTypeVenueDeposit,
	}
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeUser:
		return fmt.Sprintf("user:%s:%s:%d:%s", k.Owner, k.Obligation, k.Position, k.subTypeName())
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%d:%s", k.Obligation, k.Position, k.subTypeName())
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeCollateral:
		return "collateral"
	case SubTypeUnsynced:
		return "unsynced"
	case SubTypeVenueDeposit:
		return "venue_deposit"
	default:
		return "unknown"
	}
}
