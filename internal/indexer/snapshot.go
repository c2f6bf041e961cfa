package indexer

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"KwrapLedger/internal/codec"
	"KwrapLedger/internal/state"

	"github.com/gagliardetto/solana-go"
)

// RecordKind is what a tracked address holds.
type RecordKind int

const (
	KindUnknown RecordKind = iota
	KindUserAccount
	KindObligation
	KindReserve
)

func (k RecordKind) String() string {
	switch k {
	case KindUserAccount:
		return "user_account"
	case KindObligation:
		return "obligation"
	case KindReserve:
		return "reserve"
	default:
		return "unknown"
	}
}

var ErrUnroutable = errors.New("account is not a tracked record type")

type trackedAccount struct {
	account   *state.UserAccount
	slot      uint64
	pushed    bool
	updatedAt time.Time
}

type record struct {
	kind RecordKind
	slot uint64
	data []byte
}

// Snapshot is the latest committed view of every tracked record: user
// accounts owned by the kwrap program, and obligations and reserves owned by
// the venue program. It serves raw record bytes to the ledger core.
type Snapshot struct {
	kwrapProgram solana.PublicKey
	venueProgram solana.PublicKey

	mu          sync.RWMutex
	records     map[solana.PublicKey]*record
	accounts    map[solana.PublicKey]*trackedAccount
	obligations map[solana.PublicKey]*codec.Obligation
	reserves    map[solana.PublicKey]*codec.Reserve
	latestSlot  uint64
}

func NewSnapshot(kwrapProgram, venueProgram solana.PublicKey) *Snapshot {
	return &Snapshot{
		kwrapProgram: kwrapProgram,
		venueProgram: venueProgram,
		records:      make(map[solana.PublicKey]*record),
		accounts:     make(map[solana.PublicKey]*trackedAccount),
		obligations:  make(map[solana.PublicKey]*codec.Obligation),
		reserves:     make(map[solana.PublicKey]*codec.Reserve),
	}
}

// Classify decides which record type an account write carries.
func (s *Snapshot) Classify(owner solana.PublicKey, data []byte) RecordKind {
	disc, _, err := codec.StripDiscriminator(data)
	if err != nil {
		return KindUnknown
	}
	switch {
	case owner.Equals(s.kwrapProgram) && disc == codec.UserAccountDiscriminator:
		return KindUserAccount
	case owner.Equals(s.venueProgram) && disc == codec.ObligationDiscriminator:
		return KindObligation
	case owner.Equals(s.venueProgram) && disc == codec.ReserveDiscriminator:
		return KindReserve
	}
	return KindUnknown
}

// Apply stores u. A write older than the stored one for the same address is
// ignored. Returns the record kind, or ErrUnroutable.
func (s *Snapshot) Apply(u AccountUpdate, now time.Time) (RecordKind, error) {
	kind := s.Classify(u.Owner, u.Data)
	if kind == KindUnknown {
		return KindUnknown, fmt.Errorf("%w: %s", ErrUnroutable, u.Address)
	}

	data := append([]byte(nil), u.Data...)

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.records[u.Address]; ok && prev.slot > u.Slot {
		return kind, nil
	}

	switch kind {
	case KindUserAccount:
		acct, err := codec.DecodeUserAccount(data)
		if err != nil {
			return kind, fmt.Errorf("decode user account %s: %w", u.Address, err)
		}
		s.accounts[u.Address] = &trackedAccount{account: acct, slot: u.Slot, updatedAt: now}
	case KindObligation:
		ob, err := codec.ParseObligationAccount(data)
		if err != nil {
			return kind, fmt.Errorf("parse obligation %s: %w", u.Address, err)
		}
		s.obligations[u.Address] = ob
	case KindReserve:
		r, err := codec.ParseReserveAccount(data)
		if err != nil {
			return kind, fmt.Errorf("parse reserve %s: %w", u.Address, err)
		}
		s.reserves[u.Address] = r
	}

	s.records[u.Address] = &record{kind: kind, slot: u.Slot, data: data}
	if u.Slot > s.latestSlot {
		s.latestSlot = u.Slot
	}
	return kind, nil
}

// AccountData returns a copy of the raw record at key.
func (s *Snapshot) AccountData(key solana.PublicKey) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), r.data...), true
}

// Kind returns the record kind stored at key.
func (s *Snapshot) Kind(key solana.PublicKey) RecordKind {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.records[key]; ok {
		return r.kind
	}
	return KindUnknown
}

// UserAccount returns a copy of a tracked user account.
func (s *Snapshot) UserAccount(key solana.PublicKey) (*state.UserAccount, uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.accounts[key]
	if !ok {
		return nil, 0, false
	}
	return t.account.Clone(), t.slot, true
}

// UserAccountKeys lists tracked user accounts in key order.
func (s *Snapshot) UserAccountKeys() []solana.PublicKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]solana.PublicKey, 0, len(s.accounts))
	for k := range s.accounts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// Counts reports how many records of each kind are tracked.
func (s *Snapshot) Counts() (accounts, obligations, reserves int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.accounts), len(s.obligations), len(s.reserves)
}

// LatestSlot is the highest slot applied.
func (s *Snapshot) LatestSlot() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latestSlot
}

// MarkPushed records that metrics for keys went out at now.
func (s *Snapshot) MarkPushed(keys []solana.PublicKey, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		if t, ok := s.accounts[k]; ok {
			t.pushed = true
			t.updatedAt = now
		}
	}
}

// Reserve returns the parsed reserve at key. The view must not be modified.
func (s *Snapshot) Reserve(key solana.PublicKey) (*codec.Reserve, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reserves[key]
	return r, ok
}

func (s *Snapshot) obligationCopy(key solana.PublicKey) (codec.Obligation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.obligations[key]
	if !ok {
		return codec.Obligation{}, false
	}
	return *o, true
}

// view runs fn under the read lock with direct access to the maps.
func (s *Snapshot) view(fn func(v *snapshotView)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(&snapshotView{s: s})
}

type snapshotView struct {
	s *Snapshot
}

func (v *snapshotView) reserve(key solana.PublicKey) (*codec.Reserve, bool) {
	r, ok := v.s.reserves[key]
	return r, ok
}

func (v *snapshotView) obligation(key solana.PublicKey) (*codec.Obligation, bool) {
	o, ok := v.s.obligations[key]
	return o, ok
}
