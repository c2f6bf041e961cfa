package event

import (
	"KwrapLedger/internal/state"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

// SlotDelta describes a market info slot that changed.
type SlotDelta struct {
	Index      int              `json:"index"`
	Market     solana.PublicKey `json:"market"`
	Obligation solana.PublicKey `json:"obligation"`
	Before     string           `json:"before"`
	After      string           `json:"after"`
	Added      bool             `json:"added,omitempty"`
	Cleared    bool             `json:"cleared,omitempty"`
}

// PositionDelta describes one collateralized position that changed.
type PositionDelta struct {
	SlotIndex  int                          `json:"slot_index"`
	Obligation solana.PublicKey             `json:"obligation"`
	Position   int                          `json:"position"`
	Before     state.CollateralizedPosition `json:"before"`
	After      state.CollateralizedPosition `json:"after"`
}

// BankDelta describes the bank side of a bridge command.
type BankDelta struct {
	Bank             solana.PublicKey `json:"bank"`
	Credited         uint64           `json:"credited,omitempty"`
	Debited          uint64           `json:"debited,omitempty"`
	TotalAssetShares decimal.Decimal  `json:"total_asset_shares"`
	BalanceShares    decimal.Decimal  `json:"balance_shares"`
}

// Delta is the payload of every envelope: what the command changed.
type Delta struct {
	Account      solana.PublicKey `json:"account"`
	Created      bool             `json:"created,omitempty"`
	LastActivity int64            `json:"last_activity"`
	Slots        []SlotDelta      `json:"slots,omitempty"`
	Positions    []PositionDelta  `json:"positions,omitempty"`
	Bank         *BankDelta       `json:"bank,omitempty"`
}

// IsEmpty reports whether nothing but the activity clock moved.
func (d *Delta) IsEmpty() bool {
	return !d.Created && len(d.Slots) == 0 && len(d.Positions) == 0 && d.Bank == nil
}

// Diff compares two versions of a user account. before may be nil for a
// freshly created account.
func Diff(before, after *state.UserAccount) Delta {
	d := Delta{Account: after.Key, LastActivity: after.LastActivity}
	if before == nil {
		d.Created = true
		before = &state.UserAccount{}
	}

	for i := range after.MarketInfo {
		b, a := &before.MarketInfo[i], &after.MarketInfo[i]

		if b.Market != a.Market || b.Obligation != a.Obligation || b.Flags != a.Flags {
			sd := SlotDelta{
				Index:      i,
				Market:     a.Market,
				Obligation: a.Obligation,
				Before:     slotLabel(b),
				After:      slotLabel(a),
				Added:      b.IsEmpty() && !a.IsEmpty(),
				Cleared:    !b.IsEmpty() && a.IsEmpty(),
			}
			if sd.Cleared {
				sd.Market, sd.Obligation = b.Market, b.Obligation
			}
			d.Slots = append(d.Slots, sd)
		}

		for j := range a.Positions {
			if b.Positions[j] == a.Positions[j] {
				continue
			}
			ob := a.Obligation
			if a.IsEmpty() {
				ob = b.Obligation
			}
			d.Positions = append(d.Positions, PositionDelta{
				SlotIndex:  i,
				Obligation: ob,
				Position:   j,
				Before:     b.Positions[j],
				After:      a.Positions[j],
			})
		}
	}
	return d
}

func slotLabel(m *state.KaminoMarketInfo) string {
	if m.IsEmpty() {
		return "Empty"
	}
	return m.Status().String()
}
