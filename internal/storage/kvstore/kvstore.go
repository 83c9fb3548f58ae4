// Package kvstore defines the contract between the engine and the
// underlying persistent row store, together with an in-memory
// implementation used by the ephemeral daemon mode and by tests.
package kvstore

import (
	"github.com/emberkv/ember/internal/model"
)

// Del outcome codes reported to DelCallback.
const (
	// DelError means the delete failed and should be retried.
	DelError = -1
	// DelNotFound means no row existed for the key.
	DelNotFound = 0
	// DelSuccess means the row was removed.
	DelSuccess = 1
)

// SetResult is the outcome of a single row upsert inside a transaction.
// RowID carries the assigned id for inserts; for updates it echoes the
// existing id.
type SetResult struct {
	// Committed is false when the row write failed and the item must be
	// requeued.
	Committed bool
	RowID     int64
}

// GetValue is the outcome of a point read. Err is nil on success and an
// engine error (KEY_ENOENT for missing rows) otherwise.
type GetValue struct {
	Item *model.Item
	Err  error
}

// SetCallback observes the result of a Set once the store has applied it.
type SetCallback func(SetResult)

// DelCallback observes the result of a Del: DelError, DelNotFound or
// DelSuccess.
type DelCallback func(int)

// GetCallback observes the result of a Get.
type GetCallback func(GetValue)

// VBucketSnapshot is the per-vbucket state persisted alongside the rows.
type VBucketSnapshot struct {
	State        model.VBucketState
	CheckpointID uint64
}

// StorageProperties describes what the concrete store can do, so the
// engine can size dispatcher pools and pick load strategies.
type StorageProperties struct {
	MaxConcurrency int
	MaxReaders     int
	MaxWriters     int

	// EfficientVBLoad reports whether per-vbucket sequential load is
	// cheaper than random row fetches.
	EfficientVBLoad bool
	// EfficientVBDeletion reports whether DelVBucket is O(1)-ish rather
	// than a row-by-row sweep.
	EfficientVBDeletion bool
	// PersistedDeletions reports whether deletions leave persisted
	// tombstones.
	PersistedDeletions bool
}

// KVStore is the transactional row store the flusher writes to. Writes
// happen only between Begin and Commit/Rollback; reads are unrestricted.
// Commit returning false is retryable: the flusher keeps the transaction
// open and retries until it succeeds.
type KVStore interface {
	// Begin opens a write transaction.
	Begin()
	// Commit makes the open transaction durable. A false return is a
	// transient failure; the caller retries.
	Commit() bool
	// Rollback abandons the open transaction.
	Rollback()

	// Set upserts one row. The callback fires with the assigned row id
	// before Set returns.
	Set(item *model.Item, cb SetCallback)
	// Del removes the row for the item. rowID is the last known id, or
	// negative when unknown (the store falls back to the key index).
	Del(item *model.Item, rowID int64, cb DelCallback)
	// Get reads one row by id, falling back to the key index when rowID
	// is negative.
	Get(key string, rowID int64, vbID uint16, cb GetCallback)

	// SnapshotVBuckets persists the vbucket state map.
	SnapshotVBuckets(states map[uint16]VBucketSnapshot) bool
	// ListPersistedVbuckets returns the last snapshotted vbucket states.
	ListPersistedVbuckets() map[uint16]VBucketSnapshot

	// GetPersistedStats returns the engine stats saved by the previous
	// shutdown, or ok=false when none exist.
	GetPersistedStats() (map[string]string, bool)
	// SnapshotStats persists engine stats for the next warmup.
	SnapshotStats(stats map[string]string) bool

	// Reset drops every row and snapshot. Used by flush-all.
	Reset()
	// DelVBucket drops every row belonging to one vbucket.
	DelVBucket(vbID uint16) bool

	// OptimizeWrites reorders a flush batch for write locality. Stores
	// with no preference leave the slice untouched.
	OptimizeWrites(items []*model.QueuedItem)

	// Properties reports the store's capabilities.
	Properties() StorageProperties
}
