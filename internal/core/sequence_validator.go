package core

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gagliardetto/solana-go"
)

// ErrSlotRegression rejects a command older than one already applied to the
// same partition.
var ErrSlotRegression = errors.New("slot regression")

// SlotValidator enforces non-decreasing slots per partition (user account or
// bank). Equal slots are fine: several commands run in one slot. Gaps are
// normal; slots are skipped all the time.
type SlotValidator struct {
	mu       sync.Mutex
	lastSlot map[solana.PublicKey]uint64
	metrics  *SlotMetrics
}

func NewSlotValidator() *SlotValidator {
	return &SlotValidator{
		lastSlot: make(map[solana.PublicKey]uint64),
		metrics:  NewSlotMetrics(),
	}
}

// ValidateSlot checks slot against the last applied slot of partition.
func (sv *SlotValidator) ValidateSlot(partition solana.PublicKey, slot uint64) error {
	sv.mu.Lock()
	defer sv.mu.Unlock()

	last, seen := sv.lastSlot[partition]
	if seen && slot < last {
		sv.metrics.RecordRegression(partition)
		return fmt.Errorf("%w: partition=%s last=%d got=%d", ErrSlotRegression, partition, last, slot)
	}
	return nil
}

// Advance records slot as applied. Called after a successful commit.
func (sv *SlotValidator) Advance(partition solana.PublicKey, slot uint64) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	if last, seen := sv.lastSlot[partition]; !seen || slot > last {
		sv.lastSlot[partition] = slot
	}
}

// LastSlot returns the last applied slot for partition.
func (sv *SlotValidator) LastSlot(partition solana.PublicKey) (uint64, bool) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	s, ok := sv.lastSlot[partition]
	return s, ok
}

// Regressions returns how many commands partition had rejected.
func (sv *SlotValidator) Regressions(partition solana.PublicKey) int64 {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.metrics.regressions[partition]
}

// --- Metrics ---

// SlotMetrics counts regressions per partition. Guarded by the validator lock.
type SlotMetrics struct {
	regressions map[solana.PublicKey]int64
}

func NewSlotMetrics() *SlotMetrics {
	return &SlotMetrics{regressions: make(map[solana.PublicKey]int64)}
}

func (m *SlotMetrics) RecordRegression(partition solana.PublicKey) {
	m.regressions[partition]++
}
