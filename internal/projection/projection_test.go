package projection_test

import (
	"testing"
	"time"

	"KwrapLedger/internal/event"
	"KwrapLedger/internal/ledger"
	"KwrapLedger/internal/projection"
	"KwrapLedger/internal/state"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func key(b byte) solana.PublicKey {
	var k solana.PublicKey
	k[0] = b
	k[31] = 0x44
	return k
}

func TestNewProjectionOutput(t *testing.T) {
	ts := time.Unix(1_700_000_000, 0).UTC()
	env := &event.EventEnvelope{
		Sequence:  12,
		EventType: event.EventTypeKwrapSynced,
		Account:   key(1),
		Slot:      300,
		Timestamp: ts,
	}
	active := state.CollateralizedPosition{Amount: 150, Bank: key(40), State: state.PositionActive, SyncedSlot: 300}
	delta := &event.Delta{
		Account: key(1),
		Positions: []event.PositionDelta{
			{Obligation: key(20), Position: 0,
				Before: state.CollateralizedPosition{Amount: 100, Unsynced: 50, Bank: key(40), State: state.PositionActive},
				After:  active},
			{Obligation: key(21), Position: 2,
				Before: state.CollateralizedPosition{Amount: 7, Bank: key(40), State: state.PositionActive}},
		},
		Bank: &event.BankDelta{Bank: key(40), Credited: 50},
	}
	batchID := uuid.New()
	batch := &ledger.Batch{BatchID: batchID, Journals: []ledger.Journal{{
		JournalID:     uuid.New(),
		BatchID:       batchID,
		DebitAccount:  ledger.NewUserAccountKey(key(1), key(20), 0, ledger.SubTypeCollateral),
		CreditAccount: ledger.NewUserAccountKey(key(1), key(20), 0, ledger.SubTypeUnsynced),
		Amount:        50,
		JournalType:   ledger.JournalTypeSync,
	}}}

	out := projection.NewProjectionOutput(env, delta, batch)

	assert.Equal(t, int64(12), out.Sequence)
	assert.Equal(t, "KwrapSynced", out.EventType)
	require.Len(t, out.Positions, 2)
	assert.Equal(t, "Active", out.Positions[0].State)
	assert.Equal(t, uint64(150), out.Positions[0].Amount)
	assert.False(t, out.Positions[0].Removed)
	assert.True(t, out.Positions[1].Removed, "emptied position is removed")
	require.Len(t, out.Journals, 1)
	assert.Equal(t, int64(50), out.Journals[0].Amount)
	require.NotNil(t, out.Sync)
	assert.Equal(t, uint64(50), out.Sync.Credited)
	assert.Equal(t, key(40).String(), out.Sync.Bank)
}

func TestNewProjectionOutputWithoutMovement(t *testing.T) {
	env := &event.EventEnvelope{Sequence: 1, EventType: event.EventTypeBankConfigUpdated, Account: key(40)}
	delta := &event.Delta{Account: key(40), Bank: &event.BankDelta{Bank: key(40)}}

	out := projection.NewProjectionOutput(env, delta, nil)
	assert.Nil(t, out.Sync, "config update moves no tokens")
	assert.Empty(t, out.Journals)
}

func TestSyncHistoryProjection(t *testing.T) {
	h := projection.NewSyncHistoryProjection(3)
	for i := int64(1); i <= 4; i++ {
		acct := "a"
		if i%2 == 0 {
			acct = "b"
		}
		h.AddEntry(projection.SyncEntry{Sequence: i, Account: acct, Bank: "bank"})
	}

	assert.Equal(t, 3, h.Len(), "oldest entry evicted")

	a := h.QueryByAccount("a", 10)
	require.Len(t, a, 1)
	assert.Equal(t, int64(3), a[0].Sequence)

	all := h.QueryByBank("bank", 2)
	require.Len(t, all, 2)
	assert.Equal(t, int64(4), all[0].Sequence, "newest first")
	assert.Equal(t, int64(3), all[1].Sequence)
}
