package event

import "github.com/gagliardetto/solana-go"

// RegisterKwrap collateralizes one obligation deposit into a host bank.
type RegisterKwrap struct {
	Header
	ObligationRef
	Bank    solana.PublicKey `json:"bank"`
	Reserve solana.PublicKey `json:"reserve"`
}

func (c *RegisterKwrap) EventType() EventType { return EventTypeKwrapRegistered }

// SyncKwrap credits a bank with the interest accrued under it.
type SyncKwrap struct {
	Header
	Bank solana.PublicKey `json:"bank"`
}

func (c *SyncKwrap) EventType() EventType { return EventTypeKwrapSynced }
