package kvstore

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/emberkv/ember/internal/errors"
	"github.com/emberkv/ember/internal/model"
)

type rowKey struct {
	vbID uint16
	key  string
}

// MemStore is a KVStore backed by process memory. It serves the daemon's
// ephemeral mode and the test suite. Writes apply immediately; Commit
// always succeeds and Rollback is a no-op, since nothing here survives a
// restart there is no durability boundary to unwind.
type MemStore struct {
	logger *zap.Logger

	mu        sync.Mutex
	rows      map[int64]*model.Item
	index     map[rowKey]int64
	snapshots map[uint16]VBucketSnapshot
	stats     map[string]string
	nextRowID int64
}

// NewMemStore creates an empty in-memory store.
func NewMemStore(logger *zap.Logger) *MemStore {
	return &MemStore{
		logger:    logger,
		rows:      make(map[int64]*model.Item),
		index:     make(map[rowKey]int64),
		snapshots: make(map[uint16]VBucketSnapshot),
		nextRowID: 1,
	}
}

// Begin opens a write transaction. No-op for the memory store.
func (s *MemStore) Begin() {}

// Commit always succeeds.
func (s *MemStore) Commit() bool { return true }

// Rollback is a no-op; memory writes are applied eagerly.
func (s *MemStore) Rollback() {}

// Set upserts one row, assigning a fresh row id for inserts.
func (s *MemStore) Set(item *model.Item, cb SetCallback) {
	s.mu.Lock()
	rk := rowKey{vbID: item.VBucketID, key: item.Key}
	id := item.RowID
	if id < 0 {
		if existing, ok := s.index[rk]; ok {
			id = existing
		} else {
			id = s.nextRowID
			s.nextRowID++
		}
	}
	stored := *item
	stored.RowID = id
	s.rows[id] = &stored
	s.index[rk] = id
	s.mu.Unlock()

	cb(SetResult{Committed: true, RowID: id})
}

// Del removes the row for the item, by id when known and by key
// otherwise.
func (s *MemStore) Del(item *model.Item, rowID int64, cb DelCallback) {
	s.mu.Lock()
	rk := rowKey{vbID: item.VBucketID, key: item.Key}
	id := rowID
	if id < 0 {
		var ok bool
		if id, ok = s.index[rk]; !ok {
			s.mu.Unlock()
			cb(DelNotFound)
			return
		}
	}
	if _, ok := s.rows[id]; !ok {
		s.mu.Unlock()
		cb(DelNotFound)
		return
	}
	delete(s.rows, id)
	delete(s.index, rk)
	s.mu.Unlock()

	cb(DelSuccess)
}

// Get reads one row, preferring the row id and falling back to the key
// index.
func (s *MemStore) Get(key string, rowID int64, vbID uint16, cb GetCallback) {
	s.mu.Lock()
	id := rowID
	if id < 0 {
		var ok bool
		if id, ok = s.index[rowKey{vbID: vbID, key: key}]; !ok {
			s.mu.Unlock()
			cb(GetValue{Err: errors.KeyEnoent(vbID, key)})
			return
		}
	}
	row, ok := s.rows[id]
	if !ok || row.Key != key {
		s.mu.Unlock()
		cb(GetValue{Err: errors.KeyEnoent(vbID, key)})
		return
	}
	cp := *row
	cp.Value = append([]byte(nil), row.Value...)
	s.mu.Unlock()

	cb(GetValue{Item: &cp})
}

// SnapshotVBuckets replaces the persisted vbucket state map.
func (s *MemStore) SnapshotVBuckets(states map[uint16]VBucketSnapshot) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = make(map[uint16]VBucketSnapshot, len(states))
	for vb, snap := range states {
		s.snapshots[vb] = snap
	}
	return true
}

// ListPersistedVbuckets returns a copy of the last vbucket snapshot.
func (s *MemStore) ListPersistedVbuckets() map[uint16]VBucketSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[uint16]VBucketSnapshot, len(s.snapshots))
	for vb, snap := range s.snapshots {
		out[vb] = snap
	}
	return out
}

// GetPersistedStats returns the stats saved by the previous SnapshotStats.
func (s *MemStore) GetPersistedStats() (map[string]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stats == nil {
		return nil, false
	}
	out := make(map[string]string, len(s.stats))
	for k, v := range s.stats {
		out[k] = v
	}
	return out, true
}

// SnapshotStats stores the engine stats map.
func (s *MemStore) SnapshotStats(stats map[string]string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = make(map[string]string, len(stats))
	for k, v := range stats {
		s.stats[k] = v
	}
	return true
}

// Reset drops all rows, snapshots and stats.
func (s *MemStore) Reset() {
	s.mu.Lock()
	n := len(s.rows)
	s.rows = make(map[int64]*model.Item)
	s.index = make(map[rowKey]int64)
	s.snapshots = make(map[uint16]VBucketSnapshot)
	s.stats = nil
	s.mu.Unlock()

	s.logger.Info("memory store reset", zap.Int("rows_dropped", n))
}

// DelVBucket drops every row belonging to the vbucket.
func (s *MemStore) DelVBucket(vbID uint16) bool {
	s.mu.Lock()
	n := 0
	for rk, id := range s.index {
		if rk.vbID != vbID {
			continue
		}
		delete(s.rows, id)
		delete(s.index, rk)
		n++
	}
	delete(s.snapshots, vbID)
	s.mu.Unlock()

	s.logger.Debug("vbucket rows dropped",
		zap.Uint16("vbucket", vbID),
		zap.Int("rows", n))
	return true
}

// OptimizeWrites sorts a flush batch by vbucket then key so duplicate
// collapsing and map access stay local.
func (s *MemStore) OptimizeWrites(items []*model.QueuedItem) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].VBucketID != items[j].VBucketID {
			return items[i].VBucketID < items[j].VBucketID
		}
		return items[i].Key < items[j].Key
	})
}

// Properties reports a single-writer store without persisted deletions.
func (s *MemStore) Properties() StorageProperties {
	return StorageProperties{
		MaxConcurrency:      1,
		MaxReaders:          1,
		MaxWriters:          1,
		EfficientVBLoad:     false,
		EfficientVBDeletion: true,
		PersistedDeletions:  false,
	}
}
