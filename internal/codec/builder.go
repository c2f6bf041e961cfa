package codec

import (
	"github.com/gagliardetto/solana-go"
	"github.com/holiman/uint256"
)

// ObligationBuilder produces byte-exact obligation accounts for fixtures and tests.
type ObligationBuilder struct {
	raw  []byte
	view *Obligation
}

func NewObligationBuilder() *ObligationBuilder {
	raw := make([]byte, DiscriminatorSize+ObligationSize)
	copy(raw, ObligationDiscriminator[:])
	view, _ := ParseObligation(raw[DiscriminatorSize:])
	return &ObligationBuilder{raw: raw, view: view}
}

func (b *ObligationBuilder) LastUpdateSlot(slot uint64) *ObligationBuilder {
	b.view.SetLastUpdateSlot(slot)
	return b
}

func (b *ObligationBuilder) LendingMarket(market solana.PublicKey) *ObligationBuilder {
	b.view.LendingMarket = market
	return b
}

func (b *ObligationBuilder) Owner(owner solana.PublicKey) *ObligationBuilder {
	b.view.Owner = owner
	return b
}

// Deposit fills deposit entry index.
func (b *ObligationBuilder) Deposit(index int, reserve solana.PublicKey, amount uint64) *ObligationBuilder {
	d := &b.view.Deposits[index]
	d.DepositReserve = reserve
	d.SetDepositedAmount(amount)
	return b
}

func (b *ObligationBuilder) MarketValueSf(index int, v *uint256.Int) *ObligationBuilder {
	b.view.Deposits[index].SetMarketValueSf(v)
	return b
}

// Account returns the record with its discriminator.
func (b *ObligationBuilder) Account() []byte {
	return b.raw
}

// Data returns the record body.
func (b *ObligationBuilder) Data() []byte {
	return b.raw[DiscriminatorSize:]
}

// View returns the live view over the builder's buffer.
func (b *ObligationBuilder) View() *Obligation {
	return b.view
}

// ReserveBuilder produces byte-exact reserve accounts.
type ReserveBuilder struct {
	raw  []byte
	view *Reserve
}

func NewReserveBuilder() *ReserveBuilder {
	raw := make([]byte, DiscriminatorSize+ReserveSize)
	copy(raw, ReserveDiscriminator[:])
	view, _ := ParseReserve(raw[DiscriminatorSize:])
	view.SetVersion(1)
	return &ReserveBuilder{raw: raw, view: view}
}

func (b *ReserveBuilder) Mint(mint solana.PublicKey, decimals uint64) *ReserveBuilder {
	b.view.MintPubkey = mint
	b.view.SetMintDecimals(decimals)
	return b
}

func (b *ReserveBuilder) LendingMarket(market solana.PublicKey) *ReserveBuilder {
	b.view.LendingMarket = market
	return b
}

// MarketPrice sets the price of one whole token as a scaled fraction.
func (b *ReserveBuilder) MarketPrice(sf *uint256.Int, ts uint64) *ReserveBuilder {
	b.view.SetMarketPriceSf(sf)
	b.view.SetMarketPriceLastUpdatedTs(ts)
	return b
}

func (b *ReserveBuilder) Liquidity(available uint64, borrowedSf *uint256.Int) *ReserveBuilder {
	b.view.SetAvailableAmount(available)
	b.view.SetBorrowedAmountSf(borrowedSf)
	return b
}

func (b *ReserveBuilder) LastUpdateSlot(slot uint64) *ReserveBuilder {
	b.view.SetLastUpdateSlot(slot)
	return b
}

func (b *ReserveBuilder) Account() []byte { return b.raw }
func (b *ReserveBuilder) Data() []byte    { return b.raw[DiscriminatorSize:] }
func (b *ReserveBuilder) View() *Reserve  { return b.view }
