// internal/event/bank.go
package event

import (
	"KwrapLedger/internal/bank"

	"github.com/gagliardetto/solana-go"
)

// CreateBank adds a kwrap bank for a venue reserve. Header.Account is the
// bank key; ReserveData holds the reserve account bytes when the record
// source does not have it.
type CreateBank struct {
	Header
	Group        solana.PublicKey `json:"group"`
	Mint         solana.PublicKey `json:"mint"`
	MintDecimals uint8            `json:"mint_decimals"`
	Config       bank.KwrapConfig `json:"config"`
	ReserveData  []byte           `json:"reserve_data,omitempty"`
}

func (c *CreateBank) EventType() EventType { return EventTypeBankCreated }

// UpdateBankConfig replaces the weights and limits of a bank. The wrapped
// market and reserve never change.
type UpdateBankConfig struct {
	Header
	Config bank.KwrapConfig `json:"config"`
}

func (c *UpdateBankConfig) EventType() EventType { return EventTypeBankConfigUpdated }
