package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	// Opening seeds balances for positions restored from storage.
	JournalTypeOpening JournalType = iota
	JournalTypeCollateralize
	JournalTypeAccrue
	JournalTypeSync
	JournalTypeWithdraw
)

func (t JournalType) String() string {
	switch t {
	case JournalTypeOpening:
		return "opening"
	case JournalTypeCollateralize:
		return "collateralize"
	case JournalTypeAccrue:
		return "accrue"
	case JournalTypeSync:
		return "sync"
	case JournalTypeWithdraw:
		return "withdraw"
	default:
		return "unknown"
	}
}

// Journal is a single double-entry movement of position tokens.
type Journal struct {
	JournalID     uuid.UUID
	BatchID       uuid.UUID
	EventRef      string // Idempotency key of source command
	Sequence      int64
	DebitAccount  AccountKey // balance increases
	CreditAccount AccountKey // balance decreases
	Amount        int64      // native token units, always positive
	JournalType   JournalType
	Timestamp     int64 // unix seconds of the source slot
}

// Batch is every journal one command produced.
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Stamp sets the output sequence on the batch and its journals.
func (b *Batch) Stamp(eventRef string, sequence int64) {
	b.EventRef = eventRef
	b.Sequence = sequence
	for i := range b.Journals {
		b.Journals[i].EventRef = eventRef
		b.Journals[i].Sequence = sequence
	}
}

// Validate ensures the batch is well-formed. Each entry moves one positive
// amount between two distinct accounts, so every entry balances on its own.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount <= 0 {
			return fmt.Errorf("journal %s has non-positive amount: %d", j.JournalID, j.Amount)
		}
		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}
		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}
	}

	return nil
}
