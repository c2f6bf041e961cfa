package core

import (
	"container/list"
	"fmt"
	"sync"
)

// IdempotencyChecker implements two-tier deduplication of command ids.
// Safe for concurrent use: commands for different accounts run in parallel.
type IdempotencyChecker struct {
	mu sync.Mutex

	// Tier 1: In-memory LRU
	lru *IdempotencyLRU

	// Tier 2: Postgres (injected via interface)
	dbChecker DBIdempotencyChecker

	metrics *IdempotencyMetrics
}

// DBIdempotencyChecker is the interface for Postgres dedup lookup
type DBIdempotencyChecker interface {
	IsDuplicate(eventType string, idempotencyKey string) (bool, error)
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:       NewIdempotencyLRU(capacity),
		dbChecker: dbChecker,
		metrics:   NewIdempotencyMetrics(),
	}
}

func compositeKey(eventType, idempotencyKey string) string {
	return fmt.Sprintf("%s:%s", eventType, idempotencyKey)
}

// IsDuplicate reports whether the command was already applied. The tier
// that caught it is returned for metrics ("" when not a duplicate).
func (ic *IdempotencyChecker) IsDuplicate(eventType string, idempotencyKey string) (bool, string) {
	if idempotencyKey == "" {
		return false, ""
	}
	key := compositeKey(eventType, idempotencyKey)

	ic.mu.Lock()
	hit := ic.lru.Contains(key)
	if hit {
		ic.metrics.RecordDuplicate(eventType, "lru")
	}
	ic.mu.Unlock()
	if hit {
		return true, "lru"
	}

	if ic.dbChecker == nil {
		return false, ""
	}

	// DB lookup outside the lock; a DB error is treated as not-duplicate so
	// an outage does not stall the core.
	isDup, err := ic.dbChecker.IsDuplicate(eventType, idempotencyKey)

	ic.mu.Lock()
	defer ic.mu.Unlock()
	if err != nil {
		ic.metrics.RecordTier2Error()
		return false, ""
	}
	if isDup {
		ic.metrics.RecordDuplicate(eventType, "postgres")
		ic.lru.Add(key)
		return true, "postgres"
	}
	return false, ""
}

// MarkProcessed adds key to LRU after successful processing
func (ic *IdempotencyChecker) MarkProcessed(eventType string, idempotencyKey string) {
	if idempotencyKey == "" {
		return
	}
	ic.mu.Lock()
	ic.lru.Add(compositeKey(eventType, idempotencyKey))
	ic.mu.Unlock()
}

// Warm loads composite keys ("type:key") persisted before a restart.
func (ic *IdempotencyChecker) Warm(keys []string) {
	ic.mu.Lock()
	ic.lru.WarmFromKeys(keys)
	ic.mu.Unlock()
}

// Size returns the LRU size.
func (ic *IdempotencyChecker) Size() int {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	return ic.lru.Size()
}

// Duplicates returns the per-tier duplicate counts for eventType.
func (ic *IdempotencyChecker) Duplicates(eventType string) (lru int64, postgres int64) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	return ic.metrics.duplicatesLRU[eventType], ic.metrics.duplicatesPostgres[eventType]
}

// --- LRU Implementation ---

// IdempotencyLRU is an LRU cache for idempotency keys.
// Not thread-safe; IdempotencyChecker holds the lock.
type IdempotencyLRU struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List

	evictions int64
}

type lruEntry struct {
	key string
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	return &IdempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		lruList:  list.New(),
	}
}

// Contains checks if key exists (promotes to front)
func (lru *IdempotencyLRU) Contains(key string) bool {
	elem, exists := lru.cache[key]
	if exists {
		lru.lruList.MoveToFront(elem)
		return true
	}
	return false
}

// Add inserts a key (or promotes if exists)
func (lru *IdempotencyLRU) Add(key string) {
	if elem, exists := lru.cache[key]; exists {
		lru.lruList.MoveToFront(elem)
		return
	}

	elem := lru.lruList.PushFront(&lruEntry{key: key})
	lru.cache[key] = elem

	if lru.lruList.Len() > lru.capacity {
		lru.evictOldest()
	}
}

func (lru *IdempotencyLRU) evictOldest() {
	elem := lru.lruList.Back()
	if elem != nil {
		lru.lruList.Remove(elem)
		entry := elem.Value.(*lruEntry)
		delete(lru.cache, entry.key)
		lru.evictions++
	}
}

// WarmFromKeys loads a batch of composite keys into the LRU.
func (lru *IdempotencyLRU) WarmFromKeys(keys []string) {
	for _, key := range keys {
		lru.Add(key)
	}
}

// Size returns current number of entries
func (lru *IdempotencyLRU) Size() int {
	return lru.lruList.Len()
}

// Evictions returns total evictions (for metrics)
func (lru *IdempotencyLRU) Evictions() int64 {
	return lru.evictions
}

// --- Metrics ---

// IdempotencyMetrics tracks dedup stats. Guarded by IdempotencyChecker.mu.
type IdempotencyMetrics struct {
	duplicatesLRU      map[string]int64 // event_type -> count
	duplicatesPostgres map[string]int64
	tier2Errors        int64
}

func NewIdempotencyMetrics() *IdempotencyMetrics {
	return &IdempotencyMetrics{
		duplicatesLRU:      make(map[string]int64),
		duplicatesPostgres: make(map[string]int64),
	}
}

func (m *IdempotencyMetrics) RecordDuplicate(eventType string, tier string) {
	if tier == "lru" {
		m.duplicatesLRU[eventType]++
	} else {
		m.duplicatesPostgres[eventType]++
	}
}

func (m *IdempotencyMetrics) RecordTier2Error() {
	m.tier2Errors++
}
