package projection

import (
	"sync"
	"time"
)

// SyncEntry is one movement of tokens between a user's positions and a host
// bank: credited on register and sync, debited on withdraw.
type SyncEntry struct {
	Sequence  int64     `json:"sequence"`
	Account   string    `json:"account"`
	Bank      string    `json:"bank"`
	Credited  uint64    `json:"credited"`
	Debited   uint64    `json:"debited"`
	Slot      uint64    `json:"slot"`
	Timestamp time.Time `json:"timestamp"`
}

// SyncHistoryProjection keeps the most recent bank movements in memory for
// the query API. Older entries are in projections.sync_history.
type SyncHistoryProjection struct {
	mu       sync.RWMutex
	entries  []SyncEntry
	capacity int
}

func NewSyncHistoryProjection(capacity int) *SyncHistoryProjection {
	if capacity <= 0 {
		capacity = 10_000
	}
	return &SyncHistoryProjection{
		entries:  make([]SyncEntry, 0, capacity),
		capacity: capacity,
	}
}

// AddEntry records a movement, evicting the oldest when full.
func (p *SyncHistoryProjection) AddEntry(entry SyncEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.entries) == p.capacity {
		copy(p.entries, p.entries[1:])
		p.entries = p.entries[:len(p.entries)-1]
	}
	p.entries = append(p.entries, entry)
}

// QueryByAccount returns up to limit entries of account, newest first.
func (p *SyncHistoryProjection) QueryByAccount(account string, limit int) []SyncEntry {
	return p.query(limit, func(e *SyncEntry) bool { return e.Account == account })
}

// QueryByBank returns up to limit entries of bank, newest first.
func (p *SyncHistoryProjection) QueryByBank(bank string, limit int) []SyncEntry {
	return p.query(limit, func(e *SyncEntry) bool { return e.Bank == bank })
}

func (p *SyncHistoryProjection) query(limit int, match func(*SyncEntry) bool) []SyncEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make([]SyncEntry, 0)
	for i := len(p.entries) - 1; i >= 0 && len(result) < limit; i-- {
		if match(&p.entries[i]) {
			result = append(result, p.entries[i])
		}
	}
	return result
}

func (p *SyncHistoryProjection) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}
