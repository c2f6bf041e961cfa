package indexer

import (
	"context"
	"errors"
	"testing"
	"time"

	"KwrapLedger/internal/codec"
	"KwrapLedger/internal/state"

	"github.com/gagliardetto/solana-go"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func key(b byte) solana.PublicKey {
	var k solana.PublicKey
	k[0] = b
	k[31] = 0xAA
	return k
}

var (
	kwrapProgram = key(101)
	venueProgram = key(102)
	market       = key(10)
	obligation   = key(20)
	reserve      = key(30)
	mint         = key(31)
	bank         = key(40)
	userAcct     = key(1)
)

// usd per whole token, scaled by 2^60
func priceSf(usd uint64) *uint256.Int {
	return new(uint256.Int).Lsh(uint256.NewInt(usd), 60)
}

func userAccountData(amount, unsynced uint64) []byte {
	a := state.NewUserAccount(userAcct, key(2), key(3), 254, 100)
	if err := a.AddMarketInfo(market, obligation); err != nil {
		panic(err)
	}
	if amount > 0 || unsynced > 0 {
		_, info := a.FindByObligationMut(obligation)
		info.Positions[0].Activate(amount, bank)
		info.Positions[0].Unsynced = unsynced
	}
	return codec.EncodeUserAccount(a)
}

func obligationData() []byte {
	return codec.NewObligationBuilder().LendingMarket(market).Deposit(0, reserve, 1000).Account()
}

func reserveData() []byte {
	return codec.NewReserveBuilder().Mint(mint, 6).LendingMarket(market).MarketPrice(priceSf(2), 1).Account()
}

func upd(slot uint64, addr, owner solana.PublicKey, data []byte, wv uint64) AccountUpdate {
	return AccountUpdate{Slot: slot, Address: addr, Owner: owner, Data: data, WriteVersion: wv}
}

func TestBuffers_HighestWriteVersionWins(t *testing.T) {
	b := NewBuffers(nil)
	b.AddAccountUpdate(upd(5, userAcct, kwrapProgram, []byte{2}, 2))
	b.AddAccountUpdate(upd(5, userAcct, kwrapProgram, []byte{1}, 1))
	require.Equal(t, 1, b.Pending())

	require.True(t, b.AddSlot(5, SlotConfirmed))
	got := b.TakeConfirmed()
	require.Len(t, got, 1)
	require.Equal(t, []byte{2}, got[0].Data)
	require.Zero(t, b.Pending())
}

func TestBuffers_CommitmentWindow(t *testing.T) {
	b := NewBuffers(nil)

	// finalized alone does not enter the ring
	require.False(t, b.AddSlot(1, SlotFinalized))
	require.True(t, b.AddSlot(1, SlotProcessed))
	require.False(t, b.AddSlot(1, SlotConfirmed))

	for s := uint64(2); s <= CommitmentWindow+10; s++ {
		b.AddSlot(s, SlotConfirmed)
	}
	ring := b.CommittedSlots()
	require.Len(t, ring, CommitmentWindow)
	require.Equal(t, uint64(11), ring[0])
	require.Equal(t, uint64(CommitmentWindow+10), ring[len(ring)-1])
}

func TestBuffers_TakeConfirmed(t *testing.T) {
	b := NewBuffers(nil)
	for s := uint64(100); s < 100+CommitmentWindow; s++ {
		b.AddSlot(s, SlotConfirmed)
	}

	b.AddAccountUpdate(upd(50, key(1), kwrapProgram, nil, 1))  // too old
	b.AddAccountUpdate(upd(120, key(2), kwrapProgram, nil, 1)) // committed
	b.AddAccountUpdate(upd(110, key(3), kwrapProgram, nil, 1)) // committed
	b.AddAccountUpdate(upd(500, key(4), kwrapProgram, nil, 1)) // ahead of the ring

	got := b.TakeConfirmed()
	require.Len(t, got, 2)
	require.Equal(t, uint64(110), got[0].Slot)
	require.Equal(t, uint64(120), got[1].Slot)
	require.Equal(t, int64(1), b.Discarded())
	require.Equal(t, 1, b.Pending())

	b.AddSlot(500, SlotProcessed)
	got = b.TakeConfirmed()
	require.Len(t, got, 1)
	require.Equal(t, key(4), got[0].Address)
}

func TestBuffers_TakeConfirmedTransactions(t *testing.T) {
	b := NewBuffers(nil)
	sig := func(n byte) solana.Signature {
		var s solana.Signature
		s[0] = n
		return s
	}
	b.AddTransaction(Transaction{Slot: 3, Signature: sig(1)})
	b.AddTransaction(Transaction{Slot: 9, Signature: sig(2)})
	b.AddTransaction(Transaction{Slot: 9, Signature: sig(3)})
	b.AddTransaction(Transaction{Slot: 12, Signature: sig(4)})
	require.Nil(t, b.TakeConfirmedTransactions(), "nothing committed yet")
	require.Equal(t, 4, b.PendingTransactions())

	b.AddSlot(5, SlotConfirmed)
	b.AddSlot(9, SlotConfirmed)
	got := b.TakeConfirmedTransactions()
	require.Len(t, got, 2)
	require.Equal(t, sig(2), got[0].Signature)
	require.Equal(t, sig(3), got[1].Signature)
	require.Equal(t, int64(1), b.Discarded(), "slot 3 is older than the ring")
	require.Equal(t, 1, b.PendingTransactions())

	// account updates drain independently
	require.Empty(t, b.TakeConfirmed())
}

func TestBuffers_BlockTime(t *testing.T) {
	b := NewBuffers(nil)
	require.Zero(t, b.BlockTime())
	b.SetBlockTime(0)
	require.Zero(t, b.BlockTime())
	b.SetBlockTime(1_700_000_000)
	require.Equal(t, int64(1_700_000_000), b.BlockTime())
}

func TestSnapshot_Routing(t *testing.T) {
	s := NewSnapshot(kwrapProgram, venueProgram)
	now := time.Unix(0, 0)

	kind, err := s.Apply(upd(1, userAcct, kwrapProgram, userAccountData(0, 0), 1), now)
	require.NoError(t, err)
	require.Equal(t, KindUserAccount, kind)

	kind, err = s.Apply(upd(1, obligation, venueProgram, obligationData(), 1), now)
	require.NoError(t, err)
	require.Equal(t, KindObligation, kind)

	kind, err = s.Apply(upd(1, reserve, venueProgram, reserveData(), 1), now)
	require.NoError(t, err)
	require.Equal(t, KindReserve, kind)

	// a reserve owned by the wrong program is not tracked
	_, err = s.Apply(upd(1, key(99), kwrapProgram, reserveData(), 1), now)
	require.ErrorIs(t, err, ErrUnroutable)

	accounts, obligations, reserves := s.Counts()
	require.Equal(t, [3]int{1, 1, 1}, [3]int{accounts, obligations, reserves})

	raw, ok := s.AccountData(obligation)
	require.True(t, ok)
	require.Equal(t, obligationData(), raw)
	raw[0] ^= 0xFF
	again, _ := s.AccountData(obligation)
	require.Equal(t, obligationData(), again)
}

func TestSnapshot_OlderSlotIgnored(t *testing.T) {
	s := NewSnapshot(kwrapProgram, venueProgram)
	now := time.Unix(0, 0)

	_, err := s.Apply(upd(10, userAcct, kwrapProgram, userAccountData(500, 0), 1), now)
	require.NoError(t, err)
	_, err = s.Apply(upd(9, userAcct, kwrapProgram, userAccountData(0, 0), 1), now)
	require.NoError(t, err)

	acct, slot, ok := s.UserAccount(userAcct)
	require.True(t, ok)
	require.Equal(t, uint64(10), slot)
	info, _ := acct.FindByObligation(obligation)
	require.Equal(t, uint64(500), info.Positions[0].Amount)
}

func TestSnapshot_MalformedRecord(t *testing.T) {
	s := NewSnapshot(kwrapProgram, venueProgram)
	short := append([]byte(nil), codec.ObligationDiscriminator[:]...)
	short = append(short, 1, 2, 3)
	_, err := s.Apply(upd(1, obligation, venueProgram, short, 1), time.Now())
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrUnroutable)
	require.Equal(t, KindUnknown, s.Kind(obligation))
}

func loadedSnapshot(t *testing.T, amount, unsynced uint64) *Snapshot {
	t.Helper()
	s := NewSnapshot(kwrapProgram, venueProgram)
	now := time.Unix(0, 0)
	for _, u := range []AccountUpdate{
		upd(1, userAcct, kwrapProgram, userAccountData(amount, unsynced), 1),
		upd(1, obligation, venueProgram, obligationData(), 1),
		upd(1, reserve, venueProgram, reserveData(), 1),
	} {
		_, err := s.Apply(u, now)
		require.NoError(t, err)
	}
	return s
}

func TestComputeMetrics(t *testing.T) {
	s := loadedSnapshot(t, 1_000_000, 500_000)
	batch := ComputeMetrics(s, 1_700_000_000, PushPolicy{}, time.Now())

	require.Equal(t, time.Unix(1_700_000_000, 0).UTC(), batch.Timestamp)
	require.Equal(t, 1, batch.Group.Accounts)
	require.Equal(t, 1, batch.Group.ActiveSlots)
	require.Equal(t, 1, batch.Group.ActivePositions)
	require.True(t, batch.Group.TotalUSD.Equal(decimal.NewFromInt(3)), batch.Group.TotalUSD.String())
	require.True(t, batch.Group.UnsyncedUSD.Equal(decimal.NewFromInt(1)))

	require.Len(t, batch.Banks, 1)
	bm := batch.Banks[0]
	require.Equal(t, bank, bm.Bank)
	require.Equal(t, reserve, bm.Reserve)
	require.Equal(t, mint, bm.Mint)
	require.Equal(t, uint64(1_000_000), bm.Amount)
	require.True(t, bm.AmountUSD.Equal(decimal.NewFromInt(2)))

	require.Len(t, batch.Accounts, 1)
	am := batch.Accounts[0]
	require.Len(t, am.Positions, 1)
	require.Equal(t, "Active", am.Positions[0].State)
	require.NotEqual(t, am.ID, bm.ID)
}

func TestComputeMetrics_PushPolicy(t *testing.T) {
	empty := loadedSnapshot(t, 0, 0)
	require.Empty(t, ComputeMetrics(empty, 1, PushPolicy{}, time.Now()).Accounts)
	require.Len(t, ComputeMetrics(empty, 1, PushPolicy{FirstRun: true}, time.Now()).Accounts, 1)

	s := loadedSnapshot(t, 10, 0)
	now := time.Unix(1000, 0)
	policy := PushPolicy{ForceInterval: time.Hour}

	batch := ComputeMetrics(s, 1, policy, now)
	require.Len(t, batch.Accounts, 1)
	s.MarkPushed(batch.PushedKeys(), now)

	require.Empty(t, ComputeMetrics(s, 1, policy, now.Add(time.Minute)).Accounts)
	require.Len(t, ComputeMetrics(s, 1, policy, now.Add(time.Hour)).Accounts, 1)

	// a new write resets the pushed flag
	_, err := s.Apply(upd(2, userAcct, kwrapProgram, userAccountData(20, 0), 1), now)
	require.NoError(t, err)
	require.Len(t, ComputeMetrics(s, 1, policy, now.Add(time.Minute)).Accounts, 1)
}

type recordingSink struct {
	batches []*MetricsBatch
	err     error
}

func (r *recordingSink) WriteMetrics(_ context.Context, b *MetricsBatch) error {
	if r.err != nil {
		return r.err
	}
	r.batches = append(r.batches, b)
	return nil
}

func TestIndexer_CommitAndPush(t *testing.T) {
	buffers := NewBuffers(nil)
	snap := NewSnapshot(kwrapProgram, venueProgram)
	sink := &recordingSink{}
	ix := NewIndexer(buffers, snap, sink, DefaultConfig(), nil, zerolog.Nop())

	var committed []RecordKind
	ix.OnCommit = func(_ AccountUpdate, kind RecordKind) { committed = append(committed, kind) }

	buffers.AddAccountUpdate(upd(7, userAcct, kwrapProgram, userAccountData(0, 0), 1))
	buffers.AddAccountUpdate(upd(7, key(77), key(78), []byte("not a record"), 1))
	require.Zero(t, ix.Commit())

	buffers.AddSlot(7, SlotConfirmed)
	require.Equal(t, 1, ix.Commit())
	require.Equal(t, []RecordKind{KindUserAccount}, committed)

	require.Error(t, ix.Push(context.Background()))

	buffers.SetBlockTime(1_700_000_000)
	require.NoError(t, ix.Push(context.Background()))
	require.Len(t, sink.batches, 1)
	require.Len(t, sink.batches[0].Accounts, 1)

	// first run over: an account without positions is not re-pushed
	require.NoError(t, ix.Push(context.Background()))
	require.Empty(t, sink.batches[1].Accounts)
}

func TestIndexer_CommitHandsOffTransactions(t *testing.T) {
	buffers := NewBuffers(nil)
	ix := NewIndexer(buffers, NewSnapshot(kwrapProgram, venueProgram), &recordingSink{}, DefaultConfig(), nil, zerolog.Nop())

	var got []Transaction
	ix.OnTransactions = func(txs []Transaction) { got = append(got, txs...) }

	buffers.AddTransaction(Transaction{Slot: 7, Signer: key(2), Success: true, Fee: 5000})
	ix.Commit()
	require.Empty(t, got)

	buffers.AddSlot(7, SlotConfirmed)
	ix.Commit()
	require.Len(t, got, 1)
	require.Equal(t, uint64(5000), got[0].Fee)
	require.Zero(t, buffers.PendingTransactions())
}

func TestIndexer_FailedPushKeepsAccountsPending(t *testing.T) {
	snap := loadedSnapshot(t, 10, 0)
	buffers := NewBuffers(nil)
	buffers.SetBlockTime(5)
	sink := &recordingSink{err: errors.New("db down")}
	ix := NewIndexer(buffers, snap, sink, DefaultConfig(), nil, zerolog.Nop())

	require.Error(t, ix.Push(context.Background()))
	sink.err = nil
	require.NoError(t, ix.Push(context.Background()))
	require.Len(t, sink.batches[0].Accounts, 1)
}
