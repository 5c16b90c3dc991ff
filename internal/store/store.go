// Package store implements the fixed-capacity ring buffer of
// authenticated chunks. Slots are guarded by short per-slot locks; the
// id-to-slot index is a sharded map so lookups do not contend with
// inserts on unrelated chunks.
package store

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/warpgrid/warpgrid/internal/types"
)

// ErrCapacityZero is returned when a store is created with no slots.
var ErrCapacityZero = errors.New("chunk store capacity must be greater than zero")

const indexShards = 16

// slot holds at most one chunk under its own lock.
type slot struct {
	mu    sync.RWMutex
	chunk *types.ChunkData
}

// indexShard is one shard of the id-to-slot map.
type indexShard struct {
	mu sync.RWMutex
	m  map[types.ChunkID]int
}

// ChunkStore is a thread-safe ring buffer of chunks with TTL-based
// expiry and wraparound eviction.
type ChunkStore struct {
	slots     []slot
	writeHead atomic.Uint64
	index     [indexShards]indexShard
	capacity  int
	chunkTTL  time.Duration

	evictionsTotal atomic.Uint64
	hitsTotal      atomic.Uint64
	missesTotal    atomic.Uint64
}

// New creates a chunk store with the given slot count and TTL.
func New(capacity int, chunkTTL time.Duration) (*ChunkStore, error) {
	if capacity <= 0 {
		return nil, ErrCapacityZero
	}

	s := &ChunkStore{
		slots:    make([]slot, capacity),
		capacity: capacity,
		chunkTTL: chunkTTL,
	}
	for i := range s.index {
		s.index[i].m = make(map[types.ChunkID]int)
	}
	return s, nil
}

func (s *ChunkStore) shardFor(id types.ChunkID) *indexShard {
	return &s.index[uint64(id)%indexShards]
}

// indexGet returns the slot index for id, if mapped.
func (s *ChunkStore) indexGet(id types.ChunkID) (int, bool) {
	sh := s.shardFor(id)
	sh.mu.RLock()
	idx, ok := sh.m[id]
	sh.mu.RUnlock()
	return idx, ok
}

// indexSet installs id -> idx.
func (s *ChunkStore) indexSet(id types.ChunkID, idx int) {
	sh := s.shardFor(id)
	sh.mu.Lock()
	sh.m[id] = idx
	sh.mu.Unlock()
}

// indexRemove removes id and returns its previous slot, if any.
func (s *ChunkStore) indexRemove(id types.ChunkID) (int, bool) {
	sh := s.shardFor(id)
	sh.mu.Lock()
	idx, ok := sh.m[id]
	if ok {
		delete(sh.m, id)
	}
	sh.mu.Unlock()
	return idx, ok
}

// Insert places a chunk in the next ring slot. An occupied slot is
// evicted; its id leaves the index while the slot lock is held, so a
// concurrent lookup can never observe an id pointing at a foreign
// chunk. Re-inserting an id first removes the stale mapping.
func (s *ChunkStore) Insert(chunk *types.ChunkData) bool {
	id := chunk.ID

	// Drop a stale mapping for the same id so bytes are not doubly
	// accounted.
	if oldIdx, ok := s.indexRemove(id); ok {
		sl := &s.slots[oldIdx]
		sl.mu.Lock()
		if sl.chunk != nil && sl.chunk.ID == id {
			sl.chunk = nil
		}
		sl.mu.Unlock()
	}

	slotIdx := int((s.writeHead.Add(1) - 1) % uint64(s.capacity))
	sl := &s.slots[slotIdx]

	evicted := false
	sl.mu.Lock()
	if old := sl.chunk; old != nil {
		s.indexRemove(old.ID)
		s.evictionsTotal.Add(1)
		evicted = true
	}
	sl.chunk = chunk
	s.indexSet(id, slotIdx)
	sl.mu.Unlock()

	return evicted
}

// Get returns the chunk for id, or nil if absent. The returned chunk
// stays valid after a later eviction of its slot.
func (s *ChunkStore) Get(id types.ChunkID) *types.ChunkData {
	if idx, ok := s.indexGet(id); ok {
		sl := &s.slots[idx]
		sl.mu.RLock()
		chunk := sl.chunk
		sl.mu.RUnlock()
		// Re-validate: the slot may have been recycled between the index
		// read and the slot read.
		if chunk != nil && chunk.ID == id {
			s.hitsTotal.Add(1)
			return chunk
		}
	}
	s.missesTotal.Add(1)
	return nil
}

// Remove deletes the chunk for id and returns it, or nil.
func (s *ChunkStore) Remove(id types.ChunkID) *types.ChunkData {
	idx, ok := s.indexRemove(id)
	if !ok {
		return nil
	}
	sl := &s.slots[idx]
	sl.mu.Lock()
	chunk := sl.chunk
	if chunk != nil && chunk.ID == id {
		sl.chunk = nil
	} else {
		chunk = nil
	}
	sl.mu.Unlock()
	return chunk
}

// indexEntry pairs an id with the slot it maps to.
type indexEntry struct {
	id  types.ChunkID
	idx int
}

// snapshotIndex copies the index so slot locks are never taken while a
// shard lock is held (Insert acquires them in the opposite order).
func (s *ChunkStore) snapshotIndex() []indexEntry {
	var entries []indexEntry
	for i := range s.index {
		sh := &s.index[i]
		sh.mu.RLock()
		for id, idx := range sh.m {
			entries = append(entries, indexEntry{id: id, idx: idx})
		}
		sh.mu.RUnlock()
	}
	return entries
}

// ListExpired returns the ids of chunks older than the TTL at now.
func (s *ChunkStore) ListExpired(now time.Time) []types.ChunkID {
	var expired []types.ChunkID
	for _, e := range s.snapshotIndex() {
		sl := &s.slots[e.idx]
		sl.mu.RLock()
		chunk := sl.chunk
		sl.mu.RUnlock()
		if chunk != nil && chunk.ID == e.id && now.Sub(chunk.Timestamp) > s.chunkTTL {
			expired = append(expired, e.id)
		}
	}
	return expired
}

// EvictExpired removes every expired chunk and returns the count.
func (s *ChunkStore) EvictExpired(now time.Time) int {
	expired := s.ListExpired(now)
	for _, id := range expired {
		s.Remove(id)
	}
	return len(expired)
}

// Stats returns a snapshot of the store counters.
func (s *ChunkStore) Stats() types.StorageStats {
	count := 0
	bytes := 0
	for _, e := range s.snapshotIndex() {
		sl := &s.slots[e.idx]
		sl.mu.RLock()
		chunk := sl.chunk
		sl.mu.RUnlock()
		if chunk != nil && chunk.ID == e.id {
			count++
			bytes += chunk.Size()
		}
	}

	return types.StorageStats{
		SizeBytes:      bytes,
		ChunkCount:     count,
		EvictionsTotal: s.evictionsTotal.Load(),
		HitsTotal:      s.hitsTotal.Load(),
		MissesTotal:    s.missesTotal.Load(),
	}
}

// Capacity returns the slot count.
func (s *ChunkStore) Capacity() int { return s.capacity }

// TTL returns the configured chunk time-to-live.
func (s *ChunkStore) TTL() time.Duration { return s.chunkTTL }

// Len returns the number of chunks currently indexed.
func (s *ChunkStore) Len() int {
	n := 0
	for i := range s.index {
		sh := &s.index[i]
		sh.mu.RLock()
		n += len(sh.m)
		sh.mu.RUnlock()
	}
	return n
}
