package hashtable

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cespare/xxhash/v2"
	"github.com/emberkv/ember/internal/model"
)

// MutationType is the outcome of a hash-table write.
type MutationType int

const (
	MutationWasClean MutationType = iota
	MutationWasDirty
	MutationNotFound
	MutationInvalidCas
	MutationIsLocked
	MutationInvalidVBucket
	MutationNoMem
)

func (m MutationType) String() string {
	switch m {
	case MutationWasClean:
		return "WAS_CLEAN"
	case MutationWasDirty:
		return "WAS_DIRTY"
	case MutationNotFound:
		return "NOT_FOUND"
	case MutationInvalidCas:
		return "INVALID_CAS"
	case MutationIsLocked:
		return "IS_LOCKED"
	case MutationInvalidVBucket:
		return "INVALID_VBUCKET"
	default:
		return "NOMEM"
	}
}

// AddType is the outcome of an add.
type AddType int

const (
	AddSuccess AddType = iota
	AddExists
	AddUnDel
	AddNoMem
)

// defaultNumShards is a small prime so keys spread evenly before the
// resizer has load information.
const defaultNumShards = 47

type shard struct {
	mu      sync.Mutex
	entries map[string]*StoredValue
}

// HashTable is a sharded map of key to stored value. Each shard carries its
// own mutex; mutations lock only the shard owning the key, visitors walk one
// shard at a time.
type HashTable struct {
	resizeMu sync.RWMutex
	shards   []*shard

	clk        clock.Clock
	casCounter uint64

	numItems       int64
	numTempItems   int64
	numNonResident int64
	memSize        int64
}

// New creates a hash table with the default shard count.
func New(clk clock.Clock) *HashTable {
	return NewWithShards(clk, defaultNumShards)
}

// NewWithShards creates a hash table with an explicit shard count.
func NewWithShards(clk clock.Clock, numShards int) *HashTable {
	if numShards <= 0 {
		numShards = defaultNumShards
	}
	ht := &HashTable{
		clk:        clk,
		shards:     make([]*shard, numShards),
		casCounter: uint64(time.Now().UnixNano()),
	}
	for i := range ht.shards {
		ht.shards[i] = &shard{entries: make(map[string]*StoredValue)}
	}
	return ht
}

func (ht *HashTable) shardFor(key string) *shard {
	return ht.shards[xxhash.Sum64String(key)%uint64(len(ht.shards))]
}

func (ht *HashTable) nextCas() uint64 {
	return atomic.AddUint64(&ht.casCounter, 1)
}

// NextCas hands out a fresh cas for callers that restamp an entry under
// WithLock, such as the locked-get path.
func (ht *HashTable) NextCas() uint64 {
	return ht.nextCas()
}

// NumItems returns the live entry count, temp placeholders excluded.
func (ht *HashTable) NumItems() int64 {
	return atomic.LoadInt64(&ht.numItems)
}

// NumTempItems returns the temp placeholder count.
func (ht *HashTable) NumTempItems() int64 {
	return atomic.LoadInt64(&ht.numTempItems)
}

// NumNonResident returns the count of values whose payload was ejected.
func (ht *HashTable) NumNonResident() int64 {
	return atomic.LoadInt64(&ht.numNonResident)
}

// MemSize returns the approximate bytes held by stored values.
func (ht *HashTable) MemSize() int64 {
	return atomic.LoadInt64(&ht.memSize)
}

// NumShards returns the current shard count.
func (ht *HashTable) NumShards() int {
	ht.resizeMu.RLock()
	defer ht.resizeMu.RUnlock()
	return len(ht.shards)
}

// WithLock runs fn with the shard lock for key held. fn receives the stored
// value, nil if absent. Deleted and temp entries are passed through; callers
// decide what they admit.
func (ht *HashTable) WithLock(key string, fn func(sv *StoredValue)) {
	ht.resizeMu.RLock()
	defer ht.resizeMu.RUnlock()
	s := ht.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.entries[key])
}

// Find returns a snapshot item for key, or nil. wantDeleted admits
// tombstones; trackRef sets the access bit used by the pagers.
func (ht *HashTable) Find(key string, wantDeleted, trackRef bool) (it *model.Item, found bool) {
	ht.WithLock(key, func(sv *StoredValue) {
		if sv == nil {
			return
		}
		if sv.deleted && !wantDeleted {
			return
		}
		if trackRef {
			sv.markReferenced()
		}
		it = sv.ToItem(0)
		found = true
	})
	return it, found
}

// Set inserts or replaces the entry for it.Key without a cas check; a
// locked entry rejects the write until its hold expires.
func (ht *HashTable) Set(it *model.Item) MutationType {
	return ht.SetWithCas(it, 0)
}

// SetWithCas is Set with a compare-and-swap guard. cas 0 means
// unconditional.
func (ht *HashTable) SetWithCas(it *model.Item, cas uint64) MutationType {
	var mt MutationType
	now := ht.clk.Now()
	ht.WithLock(it.Key, func(sv *StoredValue) {
		mt = ht.setLocked(it, cas, sv, now)
	})
	return mt
}

// SetLocked is the body of Set for callers already holding the shard lock
// via WithLock.
func (ht *HashTable) SetLocked(it *model.Item, cas uint64, sv *StoredValue) MutationType {
	return ht.setLocked(it, cas, sv, ht.clk.Now())
}

func (ht *HashTable) setLocked(it *model.Item, cas uint64, sv *StoredValue, now time.Time) MutationType {
	if sv == nil || (sv.deleted && !sv.temp) {
		if cas != 0 {
			return MutationNotFound
		}
		if sv != nil {
			// Tombstone revival: reuse the slot.
			return ht.reviveLocked(it, sv, now)
		}
		ht.insertLocked(it, now)
		return MutationWasClean
	}

	if sv.IsLocked(now) {
		return MutationIsLocked
	}
	if cas != 0 && cas != sv.Cas {
		return MutationInvalidCas
	}
	if sv.temp {
		return ht.reviveLocked(it, sv, now)
	}

	wasDirty := sv.dirty
	atomic.AddInt64(&ht.memSize, -sv.Size())
	if !sv.resident {
		atomic.AddInt64(&ht.numNonResident, -1)
	}
	sv.SetValue(it.Value)
	sv.Flags = it.Flags
	sv.Expiry = it.Expiry
	sv.Seqno++
	sv.Cas = ht.nextCas()
	it.Cas = sv.Cas
	it.Seqno = sv.Seqno
	sv.MarkDirty(now)
	sv.markReferenced()
	atomic.AddInt64(&ht.memSize, sv.Size())
	if wasDirty {
		return MutationWasDirty
	}
	return MutationWasClean
}

func (ht *HashTable) insertLocked(it *model.Item, now time.Time) *StoredValue {
	sv := newStoredValue(it, now)
	sv.Seqno = 1
	sv.Cas = ht.nextCas()
	it.Cas = sv.Cas
	it.Seqno = sv.Seqno
	sv.markReferenced()
	s := ht.shardFor(it.Key)
	s.entries[it.Key] = sv
	atomic.AddInt64(&ht.numItems, 1)
	atomic.AddInt64(&ht.memSize, sv.Size())
	return sv
}

func (ht *HashTable) reviveLocked(it *model.Item, sv *StoredValue, now time.Time) MutationType {
	atomic.AddInt64(&ht.memSize, -sv.Size())
	if sv.temp {
		atomic.AddInt64(&ht.numTempItems, -1)
		atomic.AddInt64(&ht.numItems, 1)
		sv.temp = false
	}
	if !sv.resident && !sv.deleted && !sv.temp {
		atomic.AddInt64(&ht.numNonResident, -1)
	}
	sv.deleted = false
	sv.SetValue(it.Value)
	sv.Flags = it.Flags
	sv.Expiry = it.Expiry
	sv.Seqno++
	sv.Cas = ht.nextCas()
	it.Cas = sv.Cas
	it.Seqno = sv.Seqno
	sv.RowID = it.RowID
	sv.MarkDirty(now)
	sv.markReferenced()
	atomic.AddInt64(&ht.memSize, sv.Size())
	return MutationWasClean
}

// Add inserts only if the key is absent or deleted. AddUnDel reports that a
// tombstone was revived, which still requires queueing for persistence.
func (ht *HashTable) Add(it *model.Item) AddType {
	var at AddType
	now := ht.clk.Now()
	ht.WithLock(it.Key, func(sv *StoredValue) {
		switch {
		case sv == nil:
			ht.insertLocked(it, now)
			at = AddSuccess
		case sv.deleted || sv.temp || sv.IsExpired(now):
			ht.reviveLocked(it, sv, now)
			at = AddUnDel
		default:
			at = AddExists
		}
	})
	return at
}

// SoftDelete marks the entry for key as a tombstone, leaving it for the
// flusher. A non-zero cas must match; locked entries reject the delete.
func (ht *HashTable) SoftDelete(key string, cas uint64) MutationType {
	var mt MutationType
	now := ht.clk.Now()
	ht.WithLock(key, func(sv *StoredValue) {
		mt = ht.softDeleteLocked(key, cas, sv, now)
	})
	return mt
}

// SoftDeleteLocked is SoftDelete for callers already holding the shard lock.
func (ht *HashTable) SoftDeleteLocked(key string, cas uint64, sv *StoredValue) MutationType {
	return ht.softDeleteLocked(key, cas, sv, ht.clk.Now())
}

func (ht *HashTable) softDeleteLocked(key string, cas uint64, sv *StoredValue, now time.Time) MutationType {
	if sv == nil || sv.deleted || sv.temp {
		return MutationNotFound
	}
	if sv.IsLocked(now) {
		return MutationIsLocked
	}
	if cas != 0 && cas != sv.Cas {
		return MutationInvalidCas
	}
	wasDirty := sv.dirty
	atomic.AddInt64(&ht.memSize, -sv.Size())
	if !sv.resident {
		atomic.AddInt64(&ht.numNonResident, -1)
	}
	sv.SetValue(nil)
	sv.resident = false
	sv.deleted = true
	sv.Seqno++
	sv.Cas = ht.nextCas()
	sv.MarkDirty(now)
	atomic.AddInt64(&ht.memSize, sv.Size())
	if wasDirty {
		return MutationWasDirty
	}
	return MutationWasClean
}

// Del hard-removes the entry for key. Used once a tombstone is persisted.
func (ht *HashTable) Del(key string) bool {
	var removed bool
	ht.resizeMu.RLock()
	defer ht.resizeMu.RUnlock()
	s := ht.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if sv, ok := s.entries[key]; ok {
		ht.unlinkLocked(s, sv)
		removed = true
	}
	return removed
}

// DelLocked hard-removes sv while the caller holds its shard lock via
// WithLock.
func (ht *HashTable) DelLocked(sv *StoredValue) {
	s := ht.shardFor(sv.Key)
	ht.unlinkLocked(s, sv)
}

func (ht *HashTable) unlinkLocked(s *shard, sv *StoredValue) {
	delete(s.entries, sv.Key)
	atomic.AddInt64(&ht.memSize, -sv.Size())
	if sv.temp {
		atomic.AddInt64(&ht.numTempItems, -1)
	} else {
		atomic.AddInt64(&ht.numItems, -1)
	}
	if !sv.resident && !sv.temp && !sv.deleted {
		atomic.AddInt64(&ht.numNonResident, -1)
	}
}

// AddTempDeletedItem parks a placeholder for an in-flight meta fetch so
// concurrent fetches of the same key coalesce. Returns false if a live entry
// already exists.
func (ht *HashTable) AddTempDeletedItem(key string) bool {
	var added bool
	now := ht.clk.Now()
	ht.WithLock(key, func(sv *StoredValue) {
		if sv != nil {
			return
		}
		tmp := &StoredValue{
			Key:        key,
			RowID:      -1,
			deleted:    true,
			temp:       true,
			tempExpiry: now.Add(tempItemTTL),
		}
		s := ht.shardFor(key)
		s.entries[key] = tmp
		atomic.AddInt64(&ht.numTempItems, 1)
		atomic.AddInt64(&ht.memSize, tmp.Size())
		added = true
	})
	return added
}

// RestoreItem re-creates an entry from a background-fetch read without
// marking it dirty. Op del restores a clean tombstone.
func (ht *HashTable) RestoreItem(it *model.Item, op model.Operation) {
	ht.WithLock(it.Key, func(sv *StoredValue) {
		if sv != nil && !sv.temp {
			return
		}
		if sv != nil {
			ht.DelLocked(sv)
		}
		nsv := &StoredValue{
			Key:      it.Key,
			value:    it.Value,
			Flags:    it.Flags,
			Expiry:   it.Expiry,
			Cas:      it.Cas,
			Seqno:    it.Seqno,
			RowID:    it.RowID,
			resident: it.Value != nil,
			deleted:  op == model.OpDel,
		}
		s := ht.shardFor(it.Key)
		s.entries[it.Key] = nsv
		atomic.AddInt64(&ht.numItems, 1)
		atomic.AddInt64(&ht.memSize, nsv.Size())
		if !nsv.resident {
			atomic.AddInt64(&ht.numNonResident, 1)
		}
	})
}

// Insert loads a persisted row during warmup. partial inserts metadata only
// (the value stays on disk); force overwrites any existing entry, dirty or
// clean.
// Returns false when the key already exists and force is unset.
func (ht *HashTable) Insert(it *model.Item, partial, force bool) bool {
	var ok bool
	ht.WithLock(it.Key, func(sv *StoredValue) {
		if sv != nil && !force {
			return
		}
		if sv != nil {
			ht.DelLocked(sv)
		}
		nsv := &StoredValue{
			Key:      it.Key,
			Flags:    it.Flags,
			Expiry:   it.Expiry,
			Cas:      it.Cas,
			Seqno:    it.Seqno,
			RowID:    it.RowID,
			resident: false,
		}
		if !partial {
			nsv.value = it.Value
			nsv.resident = it.Value != nil
		}
		s := ht.shardFor(it.Key)
		s.entries[it.Key] = nsv
		atomic.AddInt64(&ht.numItems, 1)
		atomic.AddInt64(&ht.memSize, nsv.Size())
		if !nsv.resident {
			atomic.AddInt64(&ht.numNonResident, 1)
		}
		ok = true
	})
	return ok
}

// EjectValue drops the payload of key if the value is clean. Returns the
// bytes released.
func (ht *HashTable) EjectValue(key string) int64 {
	var released int64
	ht.WithLock(key, func(sv *StoredValue) {
		if sv == nil {
			return
		}
		before := sv.Size()
		if sv.Eject() {
			released = before - sv.Size()
			atomic.AddInt64(&ht.memSize, -released)
			atomic.AddInt64(&ht.numNonResident, 1)
		}
	})
	return released
}

// RestoreValueLocked re-attaches a fetched payload to a non-resident
// value. The caller holds the shard lock via WithLock. The value stays
// clean; the payload came from disk.
func (ht *HashTable) RestoreValueLocked(sv *StoredValue, value []byte) {
	if sv.resident {
		return
	}
	atomic.AddInt64(&ht.memSize, -sv.Size())
	sv.SetValue(value)
	atomic.AddInt64(&ht.memSize, sv.Size())
	if sv.resident {
		atomic.AddInt64(&ht.numNonResident, -1)
	}
}

// Clear wipes all shards, returning the number of entries dropped.
func (ht *HashTable) Clear() int64 {
	ht.resizeMu.RLock()
	defer ht.resizeMu.RUnlock()
	var cleared int64
	for _, s := range ht.shards {
		s.mu.Lock()
		cleared += int64(len(s.entries))
		s.entries = make(map[string]*StoredValue)
		s.mu.Unlock()
	}
	atomic.StoreInt64(&ht.numItems, 0)
	atomic.StoreInt64(&ht.numTempItems, 0)
	atomic.StoreInt64(&ht.numNonResident, 0)
	atomic.StoreInt64(&ht.memSize, 0)
	return cleared
}

// Visitor observes stored values one shard at a time, so a sweep never
// blocks unrelated shards.
type Visitor interface {
	Visit(sv *StoredValue)
}

// VisitorFunc adapts a function to the Visitor interface.
type VisitorFunc func(sv *StoredValue)

// Visit implements Visitor.
func (f VisitorFunc) Visit(sv *StoredValue) { f(sv) }

// Visit walks every entry under its shard lock.
func (ht *HashTable) Visit(v Visitor) {
	ht.resizeMu.RLock()
	defer ht.resizeMu.RUnlock()
	for _, s := range ht.shards {
		s.mu.Lock()
		for _, sv := range s.entries {
			v.Visit(sv)
		}
		s.mu.Unlock()
	}
}

// Resize grows the shard vector. Shrinking is not supported; requests at or
// below the current count are ignored.
func (ht *HashTable) Resize(numShards int) {
	ht.resizeMu.Lock()
	defer ht.resizeMu.Unlock()
	if numShards <= len(ht.shards) {
		return
	}
	next := make([]*shard, numShards)
	for i := range next {
		next[i] = &shard{entries: make(map[string]*StoredValue)}
	}
	for _, s := range ht.shards {
		s.mu.Lock()
		for key, sv := range s.entries {
			next[xxhash.Sum64String(key)%uint64(numShards)].entries[key] = sv
		}
		s.mu.Unlock()
	}
	ht.shards = next
}
