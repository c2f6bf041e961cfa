package query

import (
	"time"

	"KwrapLedger/internal/projection"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

// AccountResponse is a user account as the API returns it.
type AccountResponse struct {
	Address      solana.PublicKey `json:"address"`
	User         solana.PublicKey `json:"user"`
	BoundAccount solana.PublicKey `json:"bound_account"`
	LastActivity int64            `json:"last_activity"`
	ActiveSlots  int              `json:"active_slots"`
	Slots        []SlotResponse   `json:"slots"`
	AsOfSequence int64            `json:"as_of_sequence"`
}

// SlotResponse is one non-empty market info slot.
type SlotResponse struct {
	Index      int                `json:"index"`
	Market     solana.PublicKey   `json:"market"`
	Obligation solana.PublicKey   `json:"obligation"`
	Status     string             `json:"status"`
	Positions  []PositionResponse `json:"positions"`
}

// PositionResponse is one non-empty collateralized position.
type PositionResponse struct {
	Index      int              `json:"index"`
	Bank       solana.PublicKey `json:"bank"`
	State      string           `json:"state"`
	Amount     uint64           `json:"amount"`
	Unsynced   uint64           `json:"unsynced"`
	Total      uint64           `json:"total"`
	SyncedSlot uint64           `json:"synced_slot"`
	// Journal balances of the position; they equal Amount and Unsynced.
	JournalCollateral int64 `json:"journal_collateral"`
	JournalUnsynced   int64 `json:"journal_unsynced"`
}

// WithdrawableResponse tells how much of one slot can leave the venue and
// who has to sign for it.
type WithdrawableResponse struct {
	Account    solana.PublicKey `json:"account"`
	Obligation solana.PublicKey `json:"obligation"`
	Status     string           `json:"status"`
	// Tokens tracked across the slot's positions.
	Total uint64 `json:"total"`
	// Tokens the owner can withdraw without the host program.
	OwnerWithdrawable uint64 `json:"owner_withdrawable"`
	// A locked slot only moves through the host program.
	RequiresHost bool               `json:"requires_host"`
	Positions    []PositionResponse `json:"positions"`
	AsOfSequence int64              `json:"as_of_sequence"`
}

// BankMetricsResponse aggregates the positions collateralized into a bank.
type BankMetricsResponse struct {
	Bank             solana.PublicKey       `json:"bank"`
	Group            solana.PublicKey       `json:"group"`
	Mint             solana.PublicKey       `json:"mint"`
	Market           solana.PublicKey       `json:"market"`
	Reserve          solana.PublicKey       `json:"reserve"`
	TotalAssetShares decimal.Decimal        `json:"total_asset_shares"`
	AssetShareValue  decimal.Decimal        `json:"asset_share_value"`
	DepositLimit     uint64                 `json:"deposit_limit"`
	Positions        int                    `json:"positions"`
	Amount           uint64                 `json:"amount"`
	Unsynced         uint64                 `json:"unsynced"`
	AmountUSD        *decimal.Decimal       `json:"amount_usd,omitempty"`
	UnsyncedUSD      *decimal.Decimal       `json:"unsynced_usd,omitempty"`
	RecentSyncs      []projection.SyncEntry `json:"recent_syncs"`
	AsOfSequence     int64                  `json:"as_of_sequence"`
}

// StatusResponse describes the running ledger.
type StatusResponse struct {
	Sequence            int64          `json:"sequence"`
	StateHash           string         `json:"state_hash"`
	Accounts            int            `json:"accounts"`
	JournalTotal        int64          `json:"journal_total"`
	Indexer             *IndexerStatus `json:"indexer,omitempty"`
	ProjectionWatermark *int64         `json:"projection_watermark,omitempty"`
	Time                time.Time      `json:"time"`
}

// IndexerStatus describes the snapshot the indexer maintains.
type IndexerStatus struct {
	LatestSlot  uint64 `json:"latest_slot"`
	BlockTime   int64  `json:"block_time"`
	Accounts    int    `json:"accounts"`
	Obligations int    `json:"obligations"`
	Reserves    int    `json:"reserves"`
	Pending     int    `json:"pending"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	Amount        int64  `json:"amount"`
	JournalType   string `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy       bool    `json:"is_healthy"`
	HashChainBreaks []int64 `json:"hash_chain_breaks,omitempty"`
	// Sum of every projected journal balance; zero when consistent.
	ProjectedImbalance int64 `json:"projected_imbalance"`
	// Same sum over the engine's in-memory balances.
	LiveImbalance int64 `json:"live_imbalance"`
}
