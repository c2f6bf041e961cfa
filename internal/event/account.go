// internal/event/account.go
package event

import "github.com/gagliardetto/solana-go"

// CreateAccount opens the user account bound to a host lending account.
// Header.Account may be left zero; the core derives it.
type CreateAccount struct {
	Header
	User         solana.PublicKey `json:"user"`
	BoundAccount solana.PublicKey `json:"bound_account"`
	Group        solana.PublicKey `json:"group"`
}

func (c *CreateAccount) EventType() EventType { return EventTypeAccountCreated }

// RegisterMarket claims a slot for a venue obligation.
type RegisterMarket struct {
	Header
	Market     solana.PublicKey `json:"market"`
	Obligation solana.PublicKey `json:"obligation"`
}

func (c *RegisterMarket) EventType() EventType { return EventTypeMarketRegistered }

// ReleaseSlot returns a slot to free-to-withdraw when it holds nothing.
type ReleaseSlot struct {
	Header
	Obligation solana.PublicKey `json:"obligation"`
}

func (c *ReleaseSlot) EventType() EventType { return EventTypeSlotReleased }

// CloseSlot clears an empty, free slot for reuse.
type CloseSlot struct {
	Header
	Obligation solana.PublicKey `json:"obligation"`
}

func (c *CloseSlot) EventType() EventType { return EventTypeSlotClosed }
