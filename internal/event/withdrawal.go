package event

import "github.com/gagliardetto/solana-go"

// WithdrawKwrap releases collateral from a bank back to the venue deposit.
// Pending interest is synced first.
type WithdrawKwrap struct {
	Header
	ObligationRef
	Bank    solana.PublicKey `json:"bank"`
	Reserve solana.PublicKey `json:"reserve"`
	// Native token units
	Amount uint64 `json:"amount"`
}

func (c *WithdrawKwrap) EventType() EventType { return EventTypeKwrapWithdrawn }
