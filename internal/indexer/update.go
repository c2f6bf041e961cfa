package indexer

import (
	"time"

	"github.com/gagliardetto/solana-go"
)

// SlotStatus is the commitment reported for a slot by the feed.
type SlotStatus string

const (
	SlotProcessed SlotStatus = "processed"
	SlotConfirmed SlotStatus = "confirmed"
	SlotFinalized SlotStatus = "finalized"
)

// CountsForCommitment reports whether the status admits a slot into the
// commitment ring. Finalized slots were already seen as confirmed.
func (s SlotStatus) CountsForCommitment() bool {
	return s == SlotProcessed || s == SlotConfirmed
}

// AccountUpdate is one account write observed at a slot.
type AccountUpdate struct {
	Slot         uint64
	Address      solana.PublicKey
	Owner        solana.PublicKey
	Data         []byte
	WriteVersion uint64
	TxnSignature *solana.Signature
	ReceivedAt   time.Time
}

// Transaction is one successful program transaction observed at a slot.
type Transaction struct {
	Slot      uint64
	Signature solana.Signature
	Signer    solana.PublicKey
	Success   bool
	Version   string
	Fee       uint64
	// status meta as JSON
	Meta []byte
	// serialized message
	Message    []byte
	ReceivedAt time.Time
}
