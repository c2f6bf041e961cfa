// internal/bank/bank.go
package bank

import (
	"errors"
	"fmt"

	"KwrapLedger/internal/codec"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidReserveForBank          = errors.New("reserve mint or decimals do not match the bank mint")
	ErrInvalidKaminoReserve           = errors.New("reserve is not the reserve wrapped by this bank")
	ErrInvalidKwrapAccount            = errors.New("kwrap account is not derived from the lending account")
	ErrAccountDisabled                = errors.New("lending account is disabled")
	ErrLendingAccountBalanceSlotsFull = errors.New("lending account balance slots are full")
	ErrBalanceNotFound                = errors.New("no balance for bank")
	ErrInsufficientBalance            = errors.New("withdrawal exceeds balance")
	ErrDepositLimitExceeded           = errors.New("bank deposit limit exceeded")
	ErrCallerNotAuthority             = errors.New("caller is not the lending account authority")
)

// AssetTagDefault marks a bank holding an ordinary token.
const AssetTagDefault uint8 = 0

// RiskTierKwrap is the only tier a wrapped-position bank can have. Such banks
// hold no liquidity and cannot be borrowed from.
const RiskTierKwrap = "kwrap"

// KwrapConfig configures a bank that books wrapped venue deposits.
type KwrapConfig struct {
	// Venue market and reserve wrapped by the bank.
	Market  solana.PublicKey `json:"market" yaml:"market"`
	Reserve solana.PublicKey `json:"reserve" yaml:"reserve"`
	// Unused; the venue's own oracle prices the reserve.
	Oracle solana.PublicKey `json:"oracle" yaml:"oracle"`

	AssetWeightInit  decimal.Decimal `json:"assetWeightInit" yaml:"asset_weight_init"`
	AssetWeightMaint decimal.Decimal `json:"assetWeightMaint" yaml:"asset_weight_maint"`

	// Native token units.
	DepositLimit             uint64 `json:"depositLimit" yaml:"deposit_limit"`
	TotalAssetValueInitLimit uint64 `json:"totalAssetValueInitLimit" yaml:"total_asset_value_init_limit"`

	OracleMaxAge uint16 `json:"oracleMaxAge" yaml:"oracle_max_age"`
	AssetTag     uint8  `json:"assetTag" yaml:"asset_tag"`
}

// DefaultKwrapConfig returns the stock settings for market/reserve.
func DefaultKwrapConfig(market, reserve solana.PublicKey) KwrapConfig {
	return KwrapConfig{
		Market:                   market,
		Reserve:                  reserve,
		AssetWeightInit:          decimal.RequireFromString("0.8"),
		AssetWeightMaint:         decimal.RequireFromString("0.9"),
		DepositLimit:             1_000_000,
		TotalAssetValueInitLimit: 1_000_000,
		OracleMaxAge:             10,
		AssetTag:                 AssetTagDefault,
	}
}

// Validate checks weights are within [0, 1] and init does not exceed maint.
func (c *KwrapConfig) Validate() error {
	one := decimal.NewFromInt(1)
	if c.AssetWeightInit.IsNegative() || c.AssetWeightInit.GreaterThan(one) {
		return fmt.Errorf("asset weight init %s out of range", c.AssetWeightInit)
	}
	if c.AssetWeightMaint.IsNegative() || c.AssetWeightMaint.GreaterThan(one) {
		return fmt.Errorf("asset weight maint %s out of range", c.AssetWeightMaint)
	}
	if c.AssetWeightInit.GreaterThan(c.AssetWeightMaint) {
		return fmt.Errorf("asset weight init %s above maint %s", c.AssetWeightInit, c.AssetWeightMaint)
	}
	if c.Reserve.IsZero() {
		return errors.New("kwrap bank needs a reserve")
	}
	return nil
}

// Bank is the host-side book for one wrapped reserve. It has no vaults and
// earns no interest on the host; share value stays at one.
type Bank struct {
	Key          solana.PublicKey `json:"key"`
	Group        solana.PublicKey `json:"group"`
	Mint         solana.PublicKey `json:"mint"`
	MintDecimals uint8            `json:"mintDecimals"`
	RiskTier     string           `json:"riskTier"`

	AssetShareValue  decimal.Decimal `json:"assetShareValue"`
	TotalAssetShares decimal.Decimal `json:"totalAssetShares"`

	Config     KwrapConfig `json:"config"`
	CreatedAt  int64       `json:"createdAt"`
	LastUpdate int64       `json:"lastUpdate"`
}

// NewKwrapBank creates the bank for reserve. The reserve must hold the same
// mint with the same decimals as the bank.
func NewKwrapBank(
	group, key, mint solana.PublicKey,
	mintDecimals uint8,
	reserve *codec.Reserve,
	cfg KwrapConfig,
	now int64,
) (*Bank, error) {
	if !reserve.MintPubkey.Equals(mint) || reserve.MintDecimals() != uint64(mintDecimals) {
		return nil, ErrInvalidReserveForBank
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("kwrap config: %w", err)
	}

	return &Bank{
		Key:              key,
		Group:            group,
		Mint:             mint,
		MintDecimals:     mintDecimals,
		RiskTier:         RiskTierKwrap,
		AssetShareValue:  decimal.NewFromInt(1),
		TotalAssetShares: decimal.Zero,
		Config:           cfg,
		CreatedAt:        now,
		LastUpdate:       now,
	}, nil
}

// TotalAssets is the token amount the bank's shares represent.
func (b *Bank) TotalAssets() decimal.Decimal {
	return b.TotalAssetShares.Mul(b.AssetShareValue)
}

// WrapsReserve reports whether reserve is the one this bank books.
func (b *Bank) WrapsReserve(reserve solana.PublicKey) bool {
	return b.Config.Reserve.Equals(reserve)
}
