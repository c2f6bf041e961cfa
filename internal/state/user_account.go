package state

import (
	"errors"

	"github.com/gagliardetto/solana-go"
)

// MaxMarketInfos is the number of (market, obligation) slots per account.
const MaxMarketInfos = 3

// UserAccountSeed is the trailing seed of the user account address.
const UserAccountSeed = "user_account"

var (
	ErrDuplicateMarket        = errors.New("obligation already registered on this account")
	ErrObligationEntriesFull  = errors.New("all market info slots are in use")
	ErrMarketInfoDoesNotExist = errors.New("no market info for obligation")
)

// UserAccount is the per-user ledger record of wrapped venue obligations
// (2168 bytes without discriminator). Field order and padding match the
// on-ledger record, so the Go layout and the wire layout agree.
type UserAccount struct {
	// Address of this record.
	Key solana.PublicKey
	// Owner. Only the owner can withdraw from a free slot.
	User         solana.PublicKey
	UserMetadata solana.PublicKey
	LUT          solana.PublicKey
	// Host lending account this wrapper is bound to.
	BoundAccount solana.PublicKey
	Reserved0    [64]uint8
	LastActivity int64
	BumpSeed     uint8
	Flags        uint8
	Padding      [6]uint8
	MarketInfo   [MaxMarketInfos]KaminoMarketInfo
	Reserved1    [128]uint8
}

// NewUserAccount creates an empty account. It never fails.
func NewUserAccount(key, user, boundAccount solana.PublicKey, bump uint8, now int64) *UserAccount {
	return &UserAccount{
		Key:          key,
		User:         user,
		BoundAccount: boundAccount,
		BumpSeed:     bump,
		LastActivity: now,
	}
}

// DeriveUserAccountAddress finds the account address for (user, boundAccount).
func DeriveUserAccountAddress(programID, user, boundAccount solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{
		user[:],
		boundAccount[:],
		{0},
		[]byte(UserAccountSeed),
	}, programID)
}

// Clone returns a deep copy. UserAccount holds only fixed-size values.
func (u *UserAccount) Clone() *UserAccount {
	c := *u
	return &c
}

// AddMarketInfo claims the first empty slot for (market, obligation).
// Duplicates are matched by obligation only.
func (u *UserAccount) AddMarketInfo(market, obligation solana.PublicKey) error {
	if _, ok := u.FindByObligation(obligation); ok {
		return ErrDuplicateMarket
	}

	for i := range u.MarketInfo {
		info := &u.MarketInfo[i]
		if !info.IsEmpty() {
			continue
		}
		info.reset()
		info.Market = market
		info.Obligation = obligation
		info.Flags = FlagFreeToWithdraw
		return nil
	}

	return ErrObligationEntriesFull
}

// FindByMarket returns a copy of the first slot registered for market.
func (u *UserAccount) FindByMarket(market solana.PublicKey) (KaminoMarketInfo, bool) {
	for i := range u.MarketInfo {
		info := &u.MarketInfo[i]
		if !info.IsEmpty() && info.Market.Equals(market) {
			return *info, true
		}
	}
	return KaminoMarketInfo{}, false
}

// FindByObligation returns a copy of the slot registered for obligation.
func (u *UserAccount) FindByObligation(obligation solana.PublicKey) (KaminoMarketInfo, bool) {
	if _, info := u.FindByObligationMut(obligation); info != nil {
		return *info, true
	}
	return KaminoMarketInfo{}, false
}

// FindByObligationMut returns the slot index and a pointer into the account,
// or (-1, nil).
func (u *UserAccount) FindByObligationMut(obligation solana.PublicKey) (int, *KaminoMarketInfo) {
	for i := range u.MarketInfo {
		info := &u.MarketInfo[i]
		if !info.IsEmpty() && info.Obligation.Equals(obligation) {
			return i, info
		}
	}
	return -1, nil
}

// ClearSlot zeroes slot index. Callers check positions first.
func (u *UserAccount) ClearSlot(index int) {
	if index < 0 || index >= MaxMarketInfos {
		return
	}
	u.MarketInfo[index].reset()
}

// ClearSlotByObligation zeroes the slot registered for obligation.
func (u *UserAccount) ClearSlotByObligation(obligation solana.PublicKey) error {
	idx, info := u.FindByObligationMut(obligation)
	if info == nil {
		return ErrMarketInfoDoesNotExist
	}
	u.ClearSlot(idx)
	return nil
}

// SumUnsyncedForBank totals Unsynced across every active position that
// points at bank, in every slot.
func (u *UserAccount) SumUnsyncedForBank(bank solana.PublicKey) uint64 {
	var total uint64
	u.forEachBankPosition(bank, func(_ *KaminoMarketInfo, p *CollateralizedPosition) {
		total += p.Unsynced
	})
	return total
}

// SyncPositionsForBank folds Unsynced into Amount for every position of bank.
// Running it twice in the same slot changes nothing the second time.
func (u *UserAccount) SyncPositionsForBank(bank solana.PublicKey, slot uint64) {
	u.forEachBankPosition(bank, func(_ *KaminoMarketInfo, p *CollateralizedPosition) {
		p.Sync(slot)
	})
}

// BankSlotLocked reports whether any slot holding a position of bank is
// not free to withdraw.
func (u *UserAccount) BankSlotLocked(bank solana.PublicKey) bool {
	locked := false
	u.forEachBankPosition(bank, func(info *KaminoMarketInfo, _ *CollateralizedPosition) {
		if !info.IsFreeToWithdraw() {
			locked = true
		}
	})
	return locked
}

// ActiveSlots counts registered slots.
func (u *UserAccount) ActiveSlots() int {
	n := 0
	for i := range u.MarketInfo {
		if !u.MarketInfo[i].IsEmpty() {
			n++
		}
	}
	return n
}

func (u *UserAccount) forEachBankPosition(bank solana.PublicKey, fn func(*KaminoMarketInfo, *CollateralizedPosition)) {
	for i := range u.MarketInfo {
		info := &u.MarketInfo[i]
		if info.IsEmpty() {
			continue
		}
		for j := range info.Positions {
			p := &info.Positions[j]
			if p.IsActive() && p.Bank.Equals(bank) {
				fn(info, p)
			}
		}
	}
}
