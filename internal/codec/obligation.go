package codec

import (
	"unsafe"

	"github.com/gagliardetto/solana-go"
	"github.com/holiman/uint256"
)

const (
	// ObligationSize is the venue obligation record without discriminator.
	ObligationSize = 3336
	// MaxObligationDeposits is the number of deposit entries per obligation.
	MaxObligationDeposits = 8
	// ObligationCollateralSize is the stride of one deposit entry.
	ObligationCollateralSize = 136

	obligationDepositsOffset = 88
	obligationTailOffset     = 1200
)

// ObligationCollateral is one deposit entry. An unused entry has a zero reserve.
type ObligationCollateral struct {
	DepositReserve  solana.PublicKey
	depositedAmount [8]byte
	marketValueSf   [16]byte
	borrowedAgainst [8]byte
	padding         [72]byte
}

// Obligation is a read-only view of the venue's obligation record.
// Only the fields the wrapper reads are named; the rest is padding.
type Obligation struct {
	tag            [8]byte
	lastUpdateSlot [8]byte
	stale          uint8
	priceStatus    uint8
	placeholder    [6]byte
	LendingMarket  solana.PublicKey
	Owner          solana.PublicKey
	Deposits       [MaxObligationDeposits]ObligationCollateral
	lowestLtv      [8]byte
	depositedValue [16]byte
	tail           [ObligationSize - obligationTailOffset]byte
}

var (
	_ [ObligationCollateralSize - unsafe.Sizeof(ObligationCollateral{})]byte
	_ [unsafe.Sizeof(ObligationCollateral{}) - ObligationCollateralSize]byte
	_ [ObligationSize - unsafe.Sizeof(Obligation{})]byte
	_ [unsafe.Sizeof(Obligation{}) - ObligationSize]byte
	_ [obligationDepositsOffset - unsafe.Offsetof(Obligation{}.Deposits)]byte
	_ [unsafe.Offsetof(Obligation{}.Deposits) - obligationDepositsOffset]byte
	_ [1 - unsafe.Alignof(Obligation{})]byte
)

// ParseObligation views data (discriminator already stripped) as an
// Obligation. The view aliases data.
func ParseObligation(data []byte) (*Obligation, error) {
	if err := requireLen("obligation", data, ObligationSize); err != nil {
		return nil, err
	}
	return (*Obligation)(unsafe.Pointer(&data[0])), nil
}

// ParseObligationAccount strips the discriminator and parses the body.
func ParseObligationAccount(raw []byte) (*Obligation, error) {
	_, body, err := StripDiscriminator(raw)
	if err != nil {
		return nil, err
	}
	return ParseObligation(body)
}

func (o *Obligation) LastUpdateSlot() uint64 {
	return u64(o.lastUpdateSlot)
}

func (o *Obligation) SetLastUpdateSlot(slot uint64) {
	putU64(&o.lastUpdateSlot, slot)
}

// IsStale reports the venue's own stale marker.
func (o *Obligation) IsStale() bool {
	return o.stale != 0
}

// DepositedValueSf is the obligation's total deposit value as a scaled fraction.
func (o *Obligation) DepositedValueSf() *uint256.Int {
	return U128(o.depositedValue)
}

// FindDepositByReserve returns the first entry for reserve and its index.
func (o *Obligation) FindDepositByReserve(reserve solana.PublicKey) (int, *ObligationCollateral, bool) {
	if reserve.IsZero() {
		return -1, nil, false
	}
	for i := range o.Deposits {
		if o.Deposits[i].DepositReserve.Equals(reserve) {
			return i, &o.Deposits[i], true
		}
	}
	return -1, nil, false
}

func (c *ObligationCollateral) IsEmpty() bool {
	return c.DepositReserve.IsZero()
}

func (c *ObligationCollateral) DepositedAmount() uint64 {
	return u64(c.depositedAmount)
}

func (c *ObligationCollateral) SetDepositedAmount(v uint64) {
	putU64(&c.depositedAmount, v)
}

func (c *ObligationCollateral) MarketValueSf() *uint256.Int {
	return U128(c.marketValueSf)
}

func (c *ObligationCollateral) SetMarketValueSf(v *uint256.Int) {
	PutU128(&c.marketValueSf, v)
}
