// internal/state/position.go
package state

import (
	"github.com/gagliardetto/solana-go"
)

// PositionState tracks whether a deposit backs a host bank balance
type PositionState uint8

const (
	PositionInactive PositionState = 0
	PositionActive   PositionState = 1
)

// MaxPositions is the number of deposit slots a venue obligation carries.
// Position i always mirrors obligation deposit i.
const MaxPositions = 8

// CollateralizedPosition is the wrapper's record of one obligation deposit.
// Field order and padding match the on-ledger record (64 bytes).
type CollateralizedPosition struct {
	// Tokens (native decimals) already credited to the host bank.
	Amount uint64
	// Tokens accrued on the venue since the last bank sync. Counts toward the
	// user's funds but is not yet on the bank's books.
	Unsynced uint64
	// Host bank that collateralized this position. Zero while inactive.
	Bank       solana.PublicKey
	State      PositionState
	Reserved   [7]uint8
	SyncedSlot uint64
}

func (ps PositionState) String() string {
	switch ps {
	case PositionInactive:
		return "Inactive"
	case PositionActive:
		return "Active"
	default:
		return "Unknown"
	}
}

// IsActive reports whether the position backs a bank balance.
func (p *CollateralizedPosition) IsActive() bool {
	return p.State == PositionActive
}

// IsEmpty is true when nothing is tracked, synced or not.
func (p *CollateralizedPosition) IsEmpty() bool {
	return p.Amount == 0 && p.Unsynced == 0
}

// Total is Amount + Unsynced, the wrapper's view of the external deposit.
func (p *CollateralizedPosition) Total() uint64 {
	return p.Amount + p.Unsynced
}

// Activate snapshots the external deposit as collateral for bank.
func (p *CollateralizedPosition) Activate(amount uint64, bank solana.PublicKey) {
	p.State = PositionActive
	p.Amount = amount
	p.Unsynced = 0
	p.Bank = bank
}

// Sync folds unsynced into amount at slot.
func (p *CollateralizedPosition) Sync(slot uint64) {
	p.Amount += p.Unsynced
	p.Unsynced = 0
	p.SyncedSlot = slot
}
