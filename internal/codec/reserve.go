package codec

import (
	"unsafe"

	"github.com/gagliardetto/solana-go"
	"github.com/holiman/uint256"
)

// ReserveSize is the venue reserve record without discriminator.
const ReserveSize = 8616

const reserveLiquidityOffset = 0x78

// Reserve is a read-only view of the venue's reserve record, keeping the
// liquidity fields the wrapper and the metrics need.
type Reserve struct {
	version                  [8]byte
	lastUpdateSlot           [8]byte
	lastUpdateFlags          [8]byte
	LendingMarket            solana.PublicKey
	FarmCollateral           solana.PublicKey
	FarmDebt                 solana.PublicKey
	MintPubkey               solana.PublicKey
	SupplyVault              solana.PublicKey
	FeeVault                 solana.PublicKey
	availableAmount          [8]byte
	borrowedAmountSf         [16]byte
	marketPriceSf            [16]byte
	marketPriceLastUpdatedTs [8]byte
	mintDecimals             [8]byte
	tail                     [ReserveSize - 0x110]byte
}

var (
	_ [ReserveSize - unsafe.Sizeof(Reserve{})]byte
	_ [unsafe.Sizeof(Reserve{}) - ReserveSize]byte
	_ [reserveLiquidityOffset - unsafe.Offsetof(Reserve{}.MintPubkey)]byte
	_ [unsafe.Offsetof(Reserve{}.MintPubkey) - reserveLiquidityOffset]byte
	_ [0xD8 - unsafe.Offsetof(Reserve{}.availableAmount)]byte
	_ [unsafe.Offsetof(Reserve{}.availableAmount) - 0xD8]byte
	_ [1 - unsafe.Alignof(Reserve{})]byte
)

// ParseReserve views data (discriminator already stripped) as a Reserve.
func ParseReserve(data []byte) (*Reserve, error) {
	if err := requireLen("reserve", data, ReserveSize); err != nil {
		return nil, err
	}
	return (*Reserve)(unsafe.Pointer(&data[0])), nil
}

// ParseReserveAccount strips the discriminator and parses the body.
func ParseReserveAccount(raw []byte) (*Reserve, error) {
	_, body, err := StripDiscriminator(raw)
	if err != nil {
		return nil, err
	}
	return ParseReserve(body)
}

func (r *Reserve) Version() uint64 {
	return u64(r.version)
}

func (r *Reserve) LastUpdateSlot() uint64 {
	return u64(r.lastUpdateSlot)
}

func (r *Reserve) AvailableAmount() uint64 {
	return u64(r.availableAmount)
}

// BorrowedAmountSf is outstanding borrows as a scaled fraction.
func (r *Reserve) BorrowedAmountSf() *uint256.Int {
	return U128(r.borrowedAmountSf)
}

// MarketPriceSf is the USD price of one whole token as a scaled fraction.
func (r *Reserve) MarketPriceSf() *uint256.Int {
	return U128(r.marketPriceSf)
}

func (r *Reserve) MarketPriceLastUpdatedTs() uint64 {
	return u64(r.marketPriceLastUpdatedTs)
}

func (r *Reserve) MintDecimals() uint64 {
	return u64(r.mintDecimals)
}

func (r *Reserve) SetVersion(v uint64)         { putU64(&r.version, v) }
func (r *Reserve) SetLastUpdateSlot(v uint64)  { putU64(&r.lastUpdateSlot, v) }
func (r *Reserve) SetAvailableAmount(v uint64) { putU64(&r.availableAmount, v) }
func (r *Reserve) SetMintDecimals(v uint64)    { putU64(&r.mintDecimals, v) }
func (r *Reserve) SetMarketPriceLastUpdatedTs(v uint64) {
	putU64(&r.marketPriceLastUpdatedTs, v)
}

func (r *Reserve) SetBorrowedAmountSf(v *uint256.Int) { PutU128(&r.borrowedAmountSf, v) }
func (r *Reserve) SetMarketPriceSf(v *uint256.Int)    { PutU128(&r.marketPriceSf, v) }
