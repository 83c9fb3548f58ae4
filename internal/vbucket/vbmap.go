package vbucket

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/emberkv/ember/internal/model"
)

// Map owns every vbucket. It also carries the per-id deletion flags and
// persistence checkpoint ids, and the two one-shot flags gating
// vbucket-state snapshot scheduling.
type Map struct {
	mu       sync.RWMutex
	buckets  map[uint16]*VBucket
	deleting map[uint16]bool
	// persistenceCkptIDs is the last checkpoint id fully on disk per
	// vbucket.
	persistenceCkptIDs map[uint16]uint64

	highPrioritySnapshotScheduled atomic.Bool
	lowPrioritySnapshotScheduled  atomic.Bool
}

// NewMap creates an empty vbucket map.
func NewMap() *Map {
	return &Map{
		buckets:            make(map[uint16]*VBucket),
		deleting:           make(map[uint16]bool),
		persistenceCkptIDs: make(map[uint16]uint64),
	}
}

// Get returns the vbucket, or nil when absent.
func (m *Map) Get(id uint16) *VBucket {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.buckets[id]
}

// Set installs or replaces a vbucket.
func (m *Map) Set(vb *VBucket) {
	m.mu.Lock()
	m.buckets[vb.ID] = vb
	delete(m.deleting, vb.ID)
	m.mu.Unlock()
}

// Remove drops the vbucket from the map, returning it for teardown.
func (m *Map) Remove(id uint16) *VBucket {
	m.mu.Lock()
	vb := m.buckets[id]
	delete(m.buckets, id)
	delete(m.persistenceCkptIDs, id)
	m.mu.Unlock()
	return vb
}

// IDs returns every vbucket id, sorted.
func (m *Map) IDs() []uint16 {
	m.mu.RLock()
	ids := make([]uint16, 0, len(m.buckets))
	for id := range m.buckets {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Snapshot returns every vbucket in flush order: active first, then
// replica, pending and dead.
func (m *Map) Snapshot() []*VBucket {
	m.mu.RLock()
	out := make([]*VBucket, 0, len(m.buckets))
	for _, vb := range m.buckets {
		out = append(out, vb)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		si, sj := out[i].GetState().FlushOrder(), out[j].GetState().FlushOrder()
		if si != sj {
			return si < sj
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Len returns the number of vbuckets.
func (m *Map) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.buckets)
}

// SetBucketDeletion marks a vbucket as being dropped so concurrent tasks
// skip it. Returns false when the flag was already set.
func (m *Map) SetBucketDeletion(id uint16, deleting bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	was := m.deleting[id]
	if deleting {
		m.deleting[id] = true
		return !was
	}
	delete(m.deleting, id)
	return was
}

// IsBucketDeletion reports whether the vbucket is being dropped.
func (m *Map) IsBucketDeletion(id uint16) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.deleting[id]
}

// SetPersistenceCheckpointID records the last checkpoint id fully on
// disk for the vbucket.
func (m *Map) SetPersistenceCheckpointID(id uint16, ckptID uint64) {
	m.mu.Lock()
	m.persistenceCkptIDs[id] = ckptID
	m.mu.Unlock()
}

// PersistenceCheckpointID returns the last persisted checkpoint id.
func (m *Map) PersistenceCheckpointID(id uint16) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.persistenceCkptIDs[id]
}

// States returns the current state of every vbucket, for snapshotting.
func (m *Map) States() map[uint16]model.VBucketState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[uint16]model.VBucketState, len(m.buckets))
	for id, vb := range m.buckets {
		out[id] = vb.GetState()
	}
	return out
}

// RequestStateSnapshot arms the one-shot snapshot flag for the given
// priority. Returns true when this call armed the flag, false when it was
// already armed.
func (m *Map) RequestStateSnapshot(highPriority bool) bool {
	if highPriority {
		return m.highPrioritySnapshotScheduled.CompareAndSwap(false, true)
	}
	return m.lowPrioritySnapshotScheduled.CompareAndSwap(false, true)
}

// ClearStateSnapshot disarms the one-shot flag once the snapshot task has
// run.
func (m *Map) ClearStateSnapshot(highPriority bool) {
	if highPriority {
		m.highPrioritySnapshotScheduled.Store(false)
		return
	}
	m.lowPrioritySnapshotScheduled.Store(false)
}

// IsHighPrioritySnapshotScheduled reports whether a high-priority state
// snapshot is pending; the flusher yields to it.
func (m *Map) IsHighPrioritySnapshotScheduled() bool {
	return m.highPrioritySnapshotScheduled.Load()
}
