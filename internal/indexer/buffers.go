package indexer

import (
	"sort"
	"sync"
	"sync/atomic"

	"KwrapLedger/internal/observability"

	"github.com/gagliardetto/solana-go"
)

// CommitmentWindow is how many recent committed slots are remembered.
// Pending updates older than the oldest of them are discarded.
const CommitmentWindow = 50

// Buffers holds account updates and transactions until their slot is
// committed. Safe for concurrent use: the feed appends while the commit loop
// drains.
type Buffers struct {
	mu        sync.Mutex
	pending   map[uint64]map[solana.PublicKey]AccountUpdate
	pendingTx map[uint64][]Transaction
	// ascending, at most CommitmentWindow entries
	committed []uint64

	blockTime atomic.Int64
	discarded atomic.Int64

	metrics *observability.Metrics
}

func NewBuffers(metrics *observability.Metrics) *Buffers {
	return &Buffers{
		pending:   make(map[uint64]map[solana.PublicKey]AccountUpdate),
		pendingTx: make(map[uint64][]Transaction),
		metrics:   metrics,
	}
}

// AddAccountUpdate queues u under its slot. Within a slot the write with the
// highest write version wins.
func (b *Buffers) AddAccountUpdate(u AccountUpdate) {
	b.mu.Lock()
	defer b.mu.Unlock()

	slot, ok := b.pending[u.Slot]
	if !ok {
		slot = make(map[solana.PublicKey]AccountUpdate)
		b.pending[u.Slot] = slot
	}
	if prev, seen := slot[u.Address]; seen && prev.WriteVersion > u.WriteVersion {
		return
	}
	slot[u.Address] = u

	if b.metrics != nil {
		b.metrics.IndexerPending.Set(float64(b.pendingLocked()))
	}
}

// AddTransaction queues tx under its slot, in arrival order.
func (b *Buffers) AddTransaction(tx Transaction) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pendingTx[tx.Slot] = append(b.pendingTx[tx.Slot], tx)
}

// AddSlot records a slot status. Only processed and confirmed slots enter the
// ring; the oldest entry falls out once the ring holds more than
// CommitmentWindow slots. Returns whether the slot was newly added.
func (b *Buffers) AddSlot(slot uint64, status SlotStatus) bool {
	if !status.CountsForCommitment() {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	i := sort.Search(len(b.committed), func(i int) bool { return b.committed[i] >= slot })
	if i < len(b.committed) && b.committed[i] == slot {
		return false
	}
	b.committed = append(b.committed, 0)
	copy(b.committed[i+1:], b.committed[i:])
	b.committed[i] = slot

	if len(b.committed) > CommitmentWindow {
		b.committed = b.committed[1:]
	}
	if b.metrics != nil {
		b.metrics.IndexerLatestSlot.Set(float64(b.committed[len(b.committed)-1]))
		b.metrics.IndexerConfirmed.Set(float64(len(b.committed)))
	}
	return true
}

// TakeConfirmed removes and returns every pending update whose slot is in the
// ring, in slot order. Updates from slots older than the ring are dropped.
// Slots newer than the newest committed slot stay pending.
func (b *Buffers) TakeConfirmed() []AccountUpdate {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.committed) == 0 {
		return nil
	}
	oldest := b.committed[0]
	newest := b.committed[len(b.committed)-1]

	slots := make([]uint64, 0, len(b.pending))
	for s := range b.pending {
		slots = append(slots, s)
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i] < slots[j] })

	var out []AccountUpdate
	for _, s := range slots {
		if s < oldest {
			n := int64(len(b.pending[s]))
			b.discarded.Add(n)
			if b.metrics != nil {
				b.metrics.IndexerDiscarded.Add(float64(n))
			}
			delete(b.pending, s)
			continue
		}
		if s > newest {
			break
		}
		if !b.isCommittedLocked(s) {
			continue
		}
		out = append(out, sortedUpdates(b.pending[s])...)
		delete(b.pending, s)
	}

	if b.metrics != nil {
		b.metrics.IndexerPending.Set(float64(b.pendingLocked()))
	}
	return out
}

// TakeConfirmedTransactions is TakeConfirmed for transactions.
func (b *Buffers) TakeConfirmedTransactions() []Transaction {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.committed) == 0 {
		return nil
	}
	oldest := b.committed[0]
	newest := b.committed[len(b.committed)-1]

	slots := make([]uint64, 0, len(b.pendingTx))
	for s := range b.pendingTx {
		slots = append(slots, s)
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i] < slots[j] })

	var out []Transaction
	for _, s := range slots {
		if s < oldest {
			n := int64(len(b.pendingTx[s]))
			b.discarded.Add(n)
			if b.metrics != nil {
				b.metrics.IndexerDiscarded.Add(float64(n))
			}
			delete(b.pendingTx, s)
			continue
		}
		if s > newest {
			break
		}
		if !b.isCommittedLocked(s) {
			continue
		}
		out = append(out, b.pendingTx[s]...)
		delete(b.pendingTx, s)
	}
	return out
}

// PendingTransactions counts queued transactions.
func (b *Buffers) PendingTransactions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, txs := range b.pendingTx {
		n += len(txs)
	}
	return n
}

// SetBlockTime records the latest block time reported by the feed.
func (b *Buffers) SetBlockTime(unix int64) {
	if unix > 0 {
		b.blockTime.Store(unix)
	}
}

// BlockTime is the latest block time, or 0 before any was seen.
func (b *Buffers) BlockTime() int64 {
	return b.blockTime.Load()
}

// Pending counts queued updates.
func (b *Buffers) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pendingLocked()
}

// Discarded counts updates and transactions dropped because their slot never
// committed.
func (b *Buffers) Discarded() int64 {
	return b.discarded.Load()
}

// CommittedSlots returns a copy of the ring.
func (b *Buffers) CommittedSlots() []uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]uint64(nil), b.committed...)
}

func (b *Buffers) isCommittedLocked(slot uint64) bool {
	i := sort.Search(len(b.committed), func(i int) bool { return b.committed[i] >= slot })
	return i < len(b.committed) && b.committed[i] == slot
}

func (b *Buffers) pendingLocked() int {
	n := 0
	for _, m := range b.pending {
		n += len(m)
	}
	return n
}

func sortedUpdates(m map[solana.PublicKey]AccountUpdate) []AccountUpdate {
	out := make([]AccountUpdate, 0, len(m))
	for _, u := range m {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].WriteVersion != out[j].WriteVersion {
			return out[i].WriteVersion < out[j].WriteVersion
		}
		return out[i].Address.String() < out[j].Address.String()
	})
	return out
}
