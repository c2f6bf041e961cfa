package codec_test

import (
	"encoding/binary"
	"testing"

	"KwrapLedger/internal/codec"
	"KwrapLedger/internal/state"

	"github.com/gagliardetto/solana-go"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func key(b byte) solana.PublicKey {
	var k solana.PublicKey
	k[0] = b
	k[31] = b
	return k
}

func TestObligationOffsets(t *testing.T) {
	b := codec.NewObligationBuilder().
		LastUpdateSlot(1234).
		LendingMarket(key(7)).
		Owner(key(8)).
		Deposit(0, key(9), 1000).
		Deposit(3, key(10), 55)

	raw := b.Data()
	assert.Equal(t, uint64(1234), binary.LittleEndian.Uint64(raw[0x08:]), "last update slot at 0x08")
	assert.Equal(t, byte(7), raw[0x18], "lending market at 0x18")
	assert.Equal(t, byte(7), raw[0x18+31])
	assert.Equal(t, byte(8), raw[0x38], "owner at 0x38")
	assert.Equal(t, byte(9), raw[0x58], "deposit[0].reserve at 0x58")
	assert.Equal(t, uint64(1000), binary.LittleEndian.Uint64(raw[0x58+32:]), "deposit[0].amount")
	entry3 := 0x58 + 3*codec.ObligationCollateralSize
	assert.Equal(t, byte(10), raw[entry3], "deposit[3].reserve at %#x", entry3)
}

func TestParseObligation(t *testing.T) {
	b := codec.NewObligationBuilder().
		LastUpdateSlot(99).
		Deposit(0, key(9), 1000).
		Deposit(2, key(10), 500).
		Deposit(5, key(9), 7) // duplicate reserve, first match wins

	ob, err := codec.ParseObligationAccount(b.Account())
	require.NoError(t, err)
	assert.Equal(t, uint64(99), ob.LastUpdateSlot())

	idx, dep, ok := ob.FindDepositByReserve(key(9))
	require.True(t, ok)
	assert.Equal(t, 0, idx)
	assert.Equal(t, uint64(1000), dep.DepositedAmount())

	idx, dep, ok = ob.FindDepositByReserve(key(10))
	require.True(t, ok)
	assert.Equal(t, 2, idx)
	assert.Equal(t, uint64(500), dep.DepositedAmount())

	_, _, ok = ob.FindDepositByReserve(key(11))
	assert.False(t, ok, "missing reserve must be absent")
	_, _, ok = ob.FindDepositByReserve(solana.PublicKey{})
	assert.False(t, ok, "zero reserve must never match an empty entry")
}

func TestParseIsZeroCopy(t *testing.T) {
	b := codec.NewObligationBuilder().Deposit(1, key(4), 10)
	ob, err := codec.ParseObligation(b.Data())
	require.NoError(t, err)

	b.Deposit(1, key(4), 20)
	assert.Equal(t, uint64(20), ob.Deposits[1].DepositedAmount(), "view did not alias buffer")
}

func TestParseShortBuffers(t *testing.T) {
	tests := []struct {
		name string
		fn   func([]byte) error
		size int
	}{
		{"obligation", func(b []byte) error { _, err := codec.ParseObligation(b); return err }, codec.ObligationSize},
		{"reserve", func(b []byte) error { _, err := codec.ParseReserve(b); return err }, codec.ReserveSize},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, n := range []int{0, 1, tt.size - 1} {
				assert.ErrorIs(t, tt.fn(make([]byte, n)), codec.ErrMalformedRecord, "len %d", n)
			}
			assert.NoError(t, tt.fn(make([]byte, tt.size)), "exact size")
			assert.NoError(t, tt.fn(make([]byte, tt.size+16)), "longer buffer")
		})
	}

	_, _, err := codec.StripDiscriminator([]byte{1, 2, 3})
	assert.ErrorIs(t, err, codec.ErrMalformedRecord)
}

func TestReserveOffsets(t *testing.T) {
	price := uint256.NewInt(3)
	price.Lsh(price, 60)

	b := codec.NewReserveBuilder().
		Mint(key(5), 6).
		MarketPrice(price, 1700000000).
		Liquidity(777, uint256.NewInt(42))

	raw := b.Data()
	assert.Equal(t, byte(5), raw[0x78], "mint at 0x78")
	assert.Equal(t, uint64(777), binary.LittleEndian.Uint64(raw[0xD8:]), "available amount at 0xD8")
	assert.Equal(t, uint64(6), binary.LittleEndian.Uint64(raw[0x108:]), "mint decimals at 0x108")

	r, err := codec.ParseReserveAccount(b.Account())
	require.NoError(t, err)
	assert.Equal(t, key(5), r.MintPubkey)
	assert.Equal(t, uint64(6), r.MintDecimals())
	assert.True(t, r.MarketPriceSf().Eq(price), "price sf: got %s, want %s", r.MarketPriceSf().Dec(), price.Dec())
	assert.Equal(t, uint64(42), r.BorrowedAmountSf().Uint64())
	assert.Equal(t, uint64(1700000000), r.MarketPriceLastUpdatedTs())
}

func TestU128Widening(t *testing.T) {
	var b [16]byte
	for i := range b {
		b[i] = 0xFF
	}
	v := codec.U128(b)
	assert.Equal(t, 128, v.BitLen())

	var out [16]byte
	codec.PutU128(&out, v)
	assert.Equal(t, b, out)
}

func TestUserAccountEncodeDecode(t *testing.T) {
	acct := state.NewUserAccount(key(1), key(2), key(3), 253, 1700000000)
	require.NoError(t, acct.AddMarketInfo(key(10), key(20)))
	acct.MarketInfo[0].Positions[4].Activate(1000, key(40))
	acct.MarketInfo[0].Positions[4].Unsynced = 12
	acct.MarketInfo[0].Positions[4].SyncedSlot = 88
	acct.MarketInfo[0].RemoveFreeToWithdraw()

	raw := codec.EncodeUserAccount(acct)
	require.Len(t, raw, codec.DiscriminatorSize+codec.UserAccountSize)
	assert.True(t, codec.IsUserAccount(raw))

	body := raw[codec.DiscriminatorSize:]
	assert.Equal(t, int64(1700000000), int64(binary.LittleEndian.Uint64(body[224:])), "last activity at 224")
	assert.Equal(t, byte(253), body[232], "bump at 232")
	// market_info[0] starts at 240; positions at +72, stride 64.
	pos := 240 + 72 + 4*64
	assert.Equal(t, uint64(1000), binary.LittleEndian.Uint64(body[pos:]), "position amount")
	assert.Equal(t, uint64(12), binary.LittleEndian.Uint64(body[pos+8:]), "position unsynced")
	assert.Equal(t, byte(state.PositionActive), body[pos+48], "position state")
	assert.Equal(t, uint64(88), binary.LittleEndian.Uint64(body[pos+56:]), "position synced slot")

	decoded, err := codec.DecodeUserAccount(raw)
	require.NoError(t, err)
	assert.Equal(t, *acct, *decoded)
}

func TestDecodeUserAccountRejectsWrongType(t *testing.T) {
	raw := codec.NewObligationBuilder().Account()
	_, err := codec.DecodeUserAccount(raw)
	assert.ErrorIs(t, err, codec.ErrMalformedRecord)

	short := codec.EncodeUserAccount(&state.UserAccount{})[:100]
	_, err = codec.DecodeUserAccount(short)
	assert.ErrorIs(t, err, codec.ErrMalformedRecord)
}
