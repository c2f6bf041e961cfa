package state

import (
	"github.com/gagliardetto/solana-go"
)

// Market info flags
const (
	// FlagFreeToWithdraw marks a slot whose positions back no host balance.
	// Withdrawals from a free slot need no host approval.
	FlagFreeToWithdraw uint8 = 1 << 0
)

// KaminoMarketInfo is one (market, obligation) slot on a UserAccount (600 bytes).
type KaminoMarketInfo struct {
	Market     solana.PublicKey
	Obligation solana.PublicKey
	Flags      uint8
	Padding    [7]uint8
	Positions  [MaxPositions]CollateralizedPosition
	Reserved   [16]uint8
}

// IsEmpty reports whether the slot is unused. An unused slot has a zero market key.
func (m *KaminoMarketInfo) IsEmpty() bool {
	return m.Market.IsZero()
}

// SlotStatus is the withdrawal state of a market info slot.
type SlotStatus uint8

const (
	SlotFree SlotStatus = iota
	SlotLocked
)

func (s SlotStatus) String() string {
	if s == SlotFree {
		return "Free"
	}
	return "Locked"
}

func (m *KaminoMarketInfo) Status() SlotStatus {
	if m.IsFreeToWithdraw() {
		return SlotFree
	}
	return SlotLocked
}

func (m *KaminoMarketInfo) IsFreeToWithdraw() bool {
	return m.Flags&FlagFreeToWithdraw != 0
}

// RemoveFreeToWithdraw locks the slot. Locking a locked slot is a no-op.
func (m *KaminoMarketInfo) RemoveFreeToWithdraw() {
	m.Flags &^= FlagFreeToWithdraw
}

// AllPositionsEmpty is true when no position holds Amount or Unsynced.
func (m *KaminoMarketInfo) AllPositionsEmpty() bool {
	for i := range m.Positions {
		if !m.Positions[i].IsEmpty() {
			return false
		}
	}
	return true
}

// SetFreeToWithdrawIfClear sets the flag only when every position is empty.
// Returns whether the slot is now free.
func (m *KaminoMarketInfo) SetFreeToWithdrawIfClear() bool {
	if !m.AllPositionsEmpty() {
		return false
	}
	m.Flags |= FlagFreeToWithdraw
	return true
}

// HoldsBank reports whether an active position in this slot points at bank.
func (m *KaminoMarketInfo) HoldsBank(bank solana.PublicKey) bool {
	for i := range m.Positions {
		p := &m.Positions[i]
		if p.IsActive() && p.Bank.Equals(bank) {
			return true
		}
	}
	return false
}

func (m *KaminoMarketInfo) reset() {
	*m = KaminoMarketInfo{}
}
