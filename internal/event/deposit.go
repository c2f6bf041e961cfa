// internal/event/deposit.go
package event

import "github.com/gagliardetto/solana-go"

// ObligationRef names an obligation and optionally carries its raw account
// bytes (discriminator included). Without data the core reads the record
// from its record source.
type ObligationRef struct {
	Obligation     solana.PublicKey `json:"obligation"`
	ObligationData []byte           `json:"obligation_data,omitempty"`
}

// Accrue records venue interest as unsynced. A zero Reserve accrues every
// deposit of the obligation.
type Accrue struct {
	Header
	ObligationRef
	Reserve solana.PublicKey `json:"reserve"`
}

func (c *Accrue) EventType() EventType { return EventTypeInterestAccrued }

// RecordDeposit captures drift right after a deposit into a wrapped obligation.
type RecordDeposit struct {
	Header
	ObligationRef
	Reserve solana.PublicKey `json:"reserve"`
}

func (c *RecordDeposit) EventType() EventType { return EventTypeDepositRecorded }
