package event

import (
	"time"

	"github.com/gagliardetto/solana-go"
)

// EventType discriminator for commands and the envelopes they produce
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeAccountCreated
	EventTypeMarketRegistered
	EventTypeInterestAccrued
	EventTypeDepositRecorded
	EventTypeKwrapRegistered
	EventTypeKwrapSynced
	EventTypeSlotReleased
	EventTypeKwrapWithdrawn
	EventTypeSlotClosed
	EventTypeBankCreated
	EventTypeBankConfigUpdated
)

// EventEnvelope wraps every applied command in the output log
type EventEnvelope struct {
	// Monotonic sequence assigned by the core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	EventType EventType

	// Partition the command ran under (user account or bank)
	Account solana.PublicKey

	// Ledger slot the command executed in
	Slot uint64

	// Ledger clock of the invocation, never wall-clock
	Timestamp time.Time

	// JSON-encoded Delta
	Payload []byte

	// SHA-256 of the touched records AFTER applying this command
	StateHash [32]byte

	// Previous envelope's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface every command implements
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	EventType() EventType

	// AccountKey is the partition the command is serialized on
	AccountKey() solana.PublicKey

	// SourceSlot orders commands per partition
	SourceSlot() uint64
}

func (et EventType) String() string {
	switch et {
	case EventTypeAccountCreated:
		return "AccountCreated"
	case EventTypeMarketRegistered:
		return "MarketRegistered"
	case EventTypeInterestAccrued:
		return "InterestAccrued"
	case EventTypeDepositRecorded:
		return "DepositRecorded"
	case EventTypeKwrapRegistered:
		return "KwrapRegistered"
	case EventTypeKwrapSynced:
		return "KwrapSynced"
	case EventTypeSlotReleased:
		return "SlotReleased"
	case EventTypeKwrapWithdrawn:
		return "KwrapWithdrawn"
	case EventTypeSlotClosed:
		return "SlotClosed"
	case EventTypeBankCreated:
		return "BankCreated"
	case EventTypeBankConfigUpdated:
		return "BankConfigUpdated"
	default:
		return "Unknown"
	}
}

// ParseEventType is the inverse of String.
func ParseEventType(s string) EventType {
	for et := EventTypeAccountCreated; et <= EventTypeBankConfigUpdated; et++ {
		if et.String() == s {
			return et
		}
	}
	return EventTypeUnknown
}

// Header carries the invocation context shared by every command.
type Header struct {
	CommandID     string           `json:"command_id"`
	Account       solana.PublicKey `json:"account"`
	Caller        solana.PublicKey `json:"caller"`
	Slot          uint64           `json:"slot"`
	UnixTimestamp int64            `json:"unix_timestamp"`
}

func (h *Header) IdempotencyKey() string       { return h.CommandID }
func (h *Header) AccountKey() solana.PublicKey { return h.Account }
func (h *Header) SourceSlot() uint64           { return h.Slot }

// Time is the ledger clock of the invocation.
func (h *Header) Time() time.Time {
	return time.Unix(h.UnixTimestamp, 0).UTC()
}
