package ledger

import (
	"KwrapLedger/internal/state"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
)

// PositionChange is one position before and after a command.
type PositionChange struct {
	Obligation solana.PublicKey
	Position   int
	Before     state.CollateralizedPosition
	After      state.CollateralizedPosition
}

// JournalGenerator creates balanced journal batches from position changes.
// Sequence and event ref are stamped later, when the output is ordered.
type JournalGenerator struct{}

func NewJournalGenerator() *JournalGenerator {
	return &JournalGenerator{}
}

// GenerateForPositions turns position changes into journals. A command that
// moves no tokens returns nil.
//
// Movements per position:
//
//	activation:         venue    -> collateral  (Amount)
//	interest accrued:   venue    -> unsynced
//	bank sync:          unsynced -> collateral
//	withdrawal:         unsynced, then collateral -> venue
func (jg *JournalGenerator) GenerateForPositions(account solana.PublicKey, changes []PositionChange, timestamp int64) *Batch {
	batch := &Batch{BatchID: uuid.New(), Timestamp: timestamp}

	for _, c := range changes {
		venue := NewVenueAccountKey(c.Obligation, c.Position)
		collateral := NewUserAccountKey(account, c.Obligation, c.Position, SubTypeCollateral)
		unsynced := NewUserAccountKey(account, c.Obligation, c.Position, SubTypeUnsynced)

		dAmount := int64(c.After.Amount) - int64(c.Before.Amount)
		dUnsynced := int64(c.After.Unsynced) - int64(c.Before.Unsynced)

		amountType := JournalTypeAccrue
		if !c.Before.IsActive() && c.After.IsActive() {
			amountType = JournalTypeCollateralize
		}

		if dUnsynced < 0 && dAmount > 0 {
			synced := min(-dUnsynced, dAmount)
			batch.add(unsynced, collateral, synced, JournalTypeSync, timestamp)
			dUnsynced += synced
			dAmount -= synced
		}

		switch {
		case dUnsynced > 0:
			batch.add(venue, unsynced, dUnsynced, JournalTypeAccrue, timestamp)
		case dUnsynced < 0:
			batch.add(unsynced, venue, -dUnsynced, JournalTypeWithdraw, timestamp)
		}
		switch {
		case dAmount > 0:
			batch.add(venue, collateral, dAmount, amountType, timestamp)
		case dAmount < 0:
			batch.add(collateral, venue, -dAmount, JournalTypeWithdraw, timestamp)
		}
	}

	if len(batch.Journals) == 0 {
		return nil
	}
	return batch
}

// GenerateOpening produces the journals that bring an empty tracker to the
// balances held by acct.
func (jg *JournalGenerator) GenerateOpening(acct *state.UserAccount, timestamp int64) *Batch {
	var changes []PositionChange
	for i := range acct.MarketInfo {
		info := &acct.MarketInfo[i]
		if info.IsEmpty() {
			continue
		}
		for j := range info.Positions {
			if info.Positions[j].IsEmpty() {
				continue
			}
			changes = append(changes, PositionChange{
				Obligation: info.Obligation,
				Position:   j,
				After:      info.Positions[j],
			})
		}
	}
	batch := jg.GenerateForPositions(acct.Key, changes, timestamp)
	if batch == nil {
		return nil
	}
	for i := range batch.Journals {
		batch.Journals[i].JournalType = JournalTypeOpening
	}
	return batch
}

// add appends a movement from credit to debit.
func (b *Batch) add(credit, debit AccountKey, amount int64, typ JournalType, timestamp int64) {
	b.Journals = append(b.Journals, Journal{
		JournalID:     uuid.New(),
		BatchID:       b.BatchID,
		DebitAccount:  debit,
		CreditAccount: credit,
		Amount:        amount,
		JournalType:   typ,
		Timestamp:     timestamp,
	})
}
