package kvstore

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/emberkv/ember/internal/errors"
	"github.com/emberkv/ember/internal/model"
	"github.com/emberkv/ember/internal/util"
)

const (
	rowFileName   = "rows.data"
	stateFileName = "state.yaml"

	// rowHeaderSize is the framing in front of every record: a uint32
	// payload length and a uint32 checksum of the payload.
	rowHeaderSize = 8

	// compactMinBytes is the smallest row file worth rewriting.
	compactMinBytes = 4 * 1024 * 1024

	// diskCheckInterval caps how often the filesystem is stat'd.
	diskCheckInterval = 10 * time.Second
	// diskFullPercent is the usage level at which row writes are refused.
	diskFullPercent = 95.0
)

// rowRecord is the on-disk form of one row mutation. A record with
// Deleted set is a tombstone; a deleted record with an empty key
// invalidates the whole vbucket.
type rowRecord struct {
	RowID     int64  `json:"row_id"`
	VBucketID uint16 `json:"vbucket"`
	Key       string `json:"key"`
	Flags     uint32 `json:"flags,omitempty"`
	Expiry    uint32 `json:"expiry,omitempty"`
	Cas       uint64 `json:"cas,omitempty"`
	Seqno     uint64 `json:"seqno,omitempty"`
	Value     []byte `json:"value,omitempty"`
	Deleted   bool   `json:"deleted,omitempty"`
}

type rowLoc struct {
	offset int64
	size   int32 // payload bytes, excluding the header
}

func (l rowLoc) total() int64 { return int64(l.size) + rowHeaderSize }

type persistedVBucket struct {
	State        int    `yaml:"state"`
	CheckpointID uint64 `yaml:"checkpoint_id"`
}

type persistedState struct {
	VBuckets map[uint16]persistedVBucket `yaml:"vbuckets"`
	Stats    map[string]string           `yaml:"stats,omitempty"`
}

type fsUndo struct {
	rk       rowKey
	prevID   int64
	hadKey   bool
	rowID    int64
	prevLoc  rowLoc
	hadRow   bool
	prevDead int64
}

// FileStore is a KVStore backed by a single append-only row file plus a
// yaml state snapshot, both under one data directory. Records carry a
// length/checksum header; a torn or corrupt tail is truncated on open and
// everything before it survives. Writes between Begin and Commit are
// appended eagerly and made durable by the commit fsync; Rollback
// truncates them away again. Dead bytes accumulate as rows are
// overwritten and deleted, and the file is rewritten in place once they
// outweigh the live ones.
type FileStore struct {
	logger *zap.Logger
	dir    string

	mu        sync.Mutex
	file      *os.File
	size      int64
	rows      map[int64]rowLoc
	index     map[rowKey]int64
	nextRowID int64
	deadBytes int64
	dirty     bool

	intxn    bool
	txnStart int64
	txnUndo  []fsUndo

	state persistedState

	lastDiskCheck time.Time
	diskFull      bool
}

// NewFileStore opens (or creates) a file store in dir, rebuilding the
// row index from the data file.
func NewFileStore(dir string, logger *zap.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, rowFileName), os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open row file: %w", err)
	}

	s := &FileStore{
		logger:    logger,
		dir:       dir,
		file:      f,
		rows:      make(map[int64]rowLoc),
		index:     make(map[rowKey]int64),
		nextRowID: 1,
		state:     persistedState{VBuckets: make(map[uint16]persistedVBucket)},
	}
	if err := s.load(); err != nil {
		f.Close()
		return nil, err
	}
	s.loadState()

	logger.Info("File store opened",
		zap.String("dir", dir),
		zap.Int("rows", len(s.rows)),
		zap.Int64("file_bytes", s.size),
		zap.Int64("dead_bytes", s.deadBytes))
	return s, nil
}

// load replays the row file into the in-memory index. The scan stops at
// the first torn or corrupt record and truncates the file there.
func (s *FileStore) load() error {
	info, err := s.file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat row file: %w", err)
	}
	end := info.Size()

	var off int64
	header := make([]byte, rowHeaderSize)
	for off+rowHeaderSize <= end {
		if _, err := s.file.ReadAt(header, off); err != nil {
			break
		}
		size := int32(binary.LittleEndian.Uint32(header[0:4]))
		sum := binary.LittleEndian.Uint32(header[4:8])
		if size <= 0 || off+rowHeaderSize+int64(size) > end {
			break
		}
		payload := make([]byte, size)
		if _, err := s.file.ReadAt(payload, off+rowHeaderSize); err != nil {
			break
		}
		if !util.ValidateChecksum(payload, sum) {
			break
		}
		var rec rowRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			break
		}
		s.apply(rec, rowLoc{offset: off, size: size})
		off += rowHeaderSize + int64(size)
	}

	if off < end {
		s.logger.Warn("Row file has a torn or corrupt tail; truncating",
			zap.Int64("keep_bytes", off),
			zap.Int64("dropped_bytes", end-off))
		if err := s.file.Truncate(off); err != nil {
			return fmt.Errorf("failed to truncate corrupt row file tail: %w", err)
		}
	}
	s.size = off
	return nil
}

// apply folds one replayed record into the index.
func (s *FileStore) apply(rec rowRecord, loc rowLoc) {
	if rec.Deleted && rec.Key == "" {
		// Whole-vbucket invalidation.
		for rk, id := range s.index {
			if rk.vbID != rec.VBucketID {
				continue
			}
			s.deadBytes += s.rows[id].total()
			delete(s.rows, id)
			delete(s.index, rk)
		}
		s.deadBytes += loc.total()
		return
	}

	rk := rowKey{vbID: rec.VBucketID, key: rec.Key}
	if rec.Deleted {
		if id, ok := s.index[rk]; ok {
			s.deadBytes += s.rows[id].total()
			delete(s.rows, id)
			delete(s.index, rk)
		}
		s.deadBytes += loc.total()
		return
	}

	if prev, ok := s.index[rk]; ok {
		s.deadBytes += s.rows[prev].total()
		delete(s.rows, prev)
	}
	s.rows[rec.RowID] = loc
	s.index[rk] = rec.RowID
	if rec.RowID >= s.nextRowID {
		s.nextRowID = rec.RowID + 1
	}
}

// append frames, checksums and writes one record at the tail. The caller
// holds the mutex.
func (s *FileStore) append(rec rowRecord) (rowLoc, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return rowLoc{}, fmt.Errorf("failed to marshal row record: %w", err)
	}
	buf := make([]byte, rowHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(buf[4:8], util.ComputeChecksum(payload))
	copy(buf[rowHeaderSize:], payload)

	if _, err := s.file.WriteAt(buf, s.size); err != nil {
		return rowLoc{}, fmt.Errorf("failed to append row record: %w", err)
	}
	loc := rowLoc{offset: s.size, size: int32(len(payload))}
	s.size += int64(len(buf))
	s.dirty = true
	return loc, nil
}

// readRecord fetches and validates one record.
func (s *FileStore) readRecord(loc rowLoc) (*rowRecord, error) {
	buf := make([]byte, loc.total())
	if _, err := s.file.ReadAt(buf, loc.offset); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to read row record: %w", err)
	}
	payload := buf[rowHeaderSize:]
	if !util.ValidateChecksum(payload, binary.LittleEndian.Uint32(buf[4:8])) {
		return nil, fmt.Errorf("row record checksum mismatch at offset %d", loc.offset)
	}
	var rec rowRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal row record: %w", err)
	}
	return &rec, nil
}

// Begin opens a write transaction: it marks the current tail so
// Rollback can cut back to it.
func (s *FileStore) Begin() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intxn = true
	s.txnStart = s.size
	s.txnUndo = s.txnUndo[:0]
}

// Commit fsyncs the appended records. A failed sync leaves the
// transaction open and reports a retryable failure.
func (s *FileStore) Commit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dirty {
		if err := s.file.Sync(); err != nil {
			s.logger.Error("Row file sync failed", zap.Error(err))
			return false
		}
		s.dirty = false
	}
	s.intxn = false
	s.txnUndo = s.txnUndo[:0]
	s.maybeCompact()
	return true
}

// Rollback truncates the file back to where Begin left it and unwinds
// the index.
func (s *FileStore) Rollback() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.intxn {
		return
	}
	if err := s.file.Truncate(s.txnStart); err != nil {
		s.logger.Error("Rollback truncate failed", zap.Error(err))
	}
	s.size = s.txnStart
	for i := len(s.txnUndo) - 1; i >= 0; i-- {
		u := s.txnUndo[i]
		if u.hadKey {
			s.index[u.rk] = u.prevID
		} else {
			delete(s.index, u.rk)
		}
		if u.hadRow {
			s.rows[u.rowID] = u.prevLoc
		} else {
			delete(s.rows, u.rowID)
		}
		s.deadBytes = u.prevDead
	}
	s.intxn = false
	s.txnUndo = s.txnUndo[:0]
	s.dirty = false
}

func (s *FileStore) journal(rk rowKey, rowID int64) {
	if !s.intxn {
		return
	}
	u := fsUndo{rk: rk, rowID: rowID, prevDead: s.deadBytes}
	if id, ok := s.index[rk]; ok {
		u.prevID, u.hadKey = id, true
	}
	if loc, ok := s.rows[rowID]; ok {
		u.prevLoc, u.hadRow = loc, true
	}
	s.txnUndo = append(s.txnUndo, u)
}

// Set appends one row upsert, assigning a fresh row id for inserts.
func (s *FileStore) Set(item *model.Item, cb SetCallback) {
	s.mu.Lock()
	if s.diskIsFull() {
		s.mu.Unlock()
		cb(SetResult{Committed: false})
		return
	}

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
	s.journal(rk, id)

	loc, err := s.append(rowRecord{
		RowID:     id,
		VBucketID: item.VBucketID,
		Key:       item.Key,
		Flags:     item.Flags,
		Expiry:    item.Expiry,
		Cas:       item.Cas,
		Seqno:     item.Seqno,
		Value:     item.Value,
	})
	if err != nil {
		s.mu.Unlock()
		s.logger.Error("Row append failed", zap.Error(err))
		cb(SetResult{Committed: false})
		return
	}
	if prev, ok := s.rows[id]; ok {
		s.deadBytes += prev.total()
	}
	s.rows[id] = loc
	s.index[rk] = id
	s.mu.Unlock()

	cb(SetResult{Committed: true, RowID: id})
}

// Del appends a tombstone for the row, by id when known and by key
// otherwise.
func (s *FileStore) Del(item *model.Item, rowID int64, cb DelCallback) {
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
	loc, ok := s.rows[id]
	if !ok {
		s.mu.Unlock()
		cb(DelNotFound)
		return
	}
	s.journal(rk, id)

	tomb, err := s.append(rowRecord{
		RowID:     id,
		VBucketID: item.VBucketID,
		Key:       item.Key,
		Deleted:   true,
	})
	if err != nil {
		s.mu.Unlock()
		s.logger.Error("Tombstone append failed", zap.Error(err))
		cb(DelError)
		return
	}
	s.deadBytes += loc.total() + tomb.total()
	delete(s.rows, id)
	delete(s.index, rk)
	s.mu.Unlock()

	cb(DelSuccess)
}

// Get reads one row, preferring the row id and falling back to the key
// index.
func (s *FileStore) Get(key string, rowID int64, vbID uint16, cb GetCallback) {
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
	loc, ok := s.rows[id]
	if !ok {
		s.mu.Unlock()
		cb(GetValue{Err: errors.KeyEnoent(vbID, key)})
		return
	}
	rec, err := s.readRecord(loc)
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("Row read failed",
			zap.Int64("row_id", id),
			zap.Error(err))
		cb(GetValue{Err: errors.Tmpfail("row read failed")})
		return
	}
	if rec.Key != key {
		cb(GetValue{Err: errors.KeyEnoent(vbID, key)})
		return
	}
	cb(GetValue{Item: &model.Item{
		Key:       rec.Key,
		Value:     rec.Value,
		Flags:     rec.Flags,
		Expiry:    rec.Expiry,
		Cas:       rec.Cas,
		Seqno:     rec.Seqno,
		RowID:     rec.RowID,
		VBucketID: rec.VBucketID,
	}})
}

// SnapshotVBuckets replaces the persisted vbucket state map.
func (s *FileStore) SnapshotVBuckets(states map[uint16]VBucketSnapshot) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.VBuckets = make(map[uint16]persistedVBucket, len(states))
	for vb, snap := range states {
		s.state.VBuckets[vb] = persistedVBucket{
			State:        int(snap.State),
			CheckpointID: snap.CheckpointID,
		}
	}
	return s.writeState()
}

// ListPersistedVbuckets returns the last snapshotted vbucket states.
func (s *FileStore) ListPersistedVbuckets() map[uint16]VBucketSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[uint16]VBucketSnapshot, len(s.state.VBuckets))
	for vb, snap := range s.state.VBuckets {
		out[vb] = VBucketSnapshot{
			State:        model.VBucketState(snap.State),
			CheckpointID: snap.CheckpointID,
		}
	}
	return out
}

// GetPersistedStats returns the stats saved by the previous SnapshotStats.
func (s *FileStore) GetPersistedStats() (map[string]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Stats == nil {
		return nil, false
	}
	out := make(map[string]string, len(s.state.Stats))
	for k, v := range s.state.Stats {
		out[k] = v
	}
	return out, true
}

// SnapshotStats persists the engine stats map.
func (s *FileStore) SnapshotStats(stats map[string]string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Stats = make(map[string]string, len(stats))
	for k, v := range stats {
		s.state.Stats[k] = v
	}
	return s.writeState()
}

// writeState rewrites the yaml state file atomically. The caller holds
// the mutex.
func (s *FileStore) writeState() bool {
	data, err := yaml.Marshal(&s.state)
	if err != nil {
		s.logger.Error("State marshal failed", zap.Error(err))
		return false
	}
	path := filepath.Join(s.dir, stateFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		s.logger.Error("State write failed", zap.Error(err))
		return false
	}
	if err := os.Rename(tmp, path); err != nil {
		s.logger.Error("State rename failed", zap.Error(err))
		return false
	}
	return true
}

func (s *FileStore) loadState() {
	data, err := os.ReadFile(filepath.Join(s.dir, stateFileName))
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("State file unreadable", zap.Error(err))
		}
		return
	}
	var st persistedState
	if err := yaml.Unmarshal(data, &st); err != nil {
		s.logger.Warn("State file unparsable; ignoring", zap.Error(err))
		return
	}
	if st.VBuckets == nil {
		st.VBuckets = make(map[uint16]persistedVBucket)
	}
	s.state = st
}

// Reset drops every row, snapshot and stat.
func (s *FileStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.rows)
	if err := s.file.Truncate(0); err != nil {
		s.logger.Error("Row file truncate failed", zap.Error(err))
		return
	}
	s.size = 0
	s.deadBytes = 0
	s.dirty = false
	s.rows = make(map[int64]rowLoc)
	s.index = make(map[rowKey]int64)
	s.state = persistedState{VBuckets: make(map[uint16]persistedVBucket)}
	s.writeState()

	s.logger.Info("File store reset", zap.Int("rows_dropped", n))
}

// DelVBucket appends a whole-vbucket invalidation record and drops the
// vbucket's rows from the index.
func (s *FileStore) DelVBucket(vbID uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	loc, err := s.append(rowRecord{VBucketID: vbID, Deleted: true})
	if err != nil {
		s.logger.Error("VBucket invalidation append failed",
			zap.Uint16("vbucket", vbID), zap.Error(err))
		return false
	}
	n := 0
	for rk, id := range s.index {
		if rk.vbID != vbID {
			continue
		}
		s.deadBytes += s.rows[id].total()
		delete(s.rows, id)
		delete(s.index, rk)
		n++
	}
	s.deadBytes += loc.total()
	delete(s.state.VBuckets, vbID)
	s.writeState()

	s.logger.Debug("VBucket rows dropped",
		zap.Uint16("vbucket", vbID),
		zap.Int("rows", n))
	return true
}

// OptimizeWrites sorts a flush batch by vbucket then key so duplicate
// collapsing and appends for one vbucket stay adjacent.
func (s *FileStore) OptimizeWrites(items []*model.QueuedItem) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].VBucketID != items[j].VBucketID {
			return items[i].VBucketID < items[j].VBucketID
		}
		return items[i].Key < items[j].Key
	})
}

// Properties reports a store that can serve two concurrent readers and
// keeps deletion tombstones until compaction.
func (s *FileStore) Properties() StorageProperties {
	return StorageProperties{
		MaxConcurrency:      2,
		MaxReaders:          2,
		MaxWriters:          1,
		EfficientVBLoad:     false,
		EfficientVBDeletion: true,
		PersistedDeletions:  true,
	}
}

// Close syncs and closes the row file.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dirty {
		if err := s.file.Sync(); err != nil {
			return fmt.Errorf("failed to sync row file: %w", err)
		}
	}
	return s.file.Close()
}

// maybeCompact rewrites the row file once dead bytes outweigh live ones
// and the file is big enough to matter. The caller holds the mutex and
// has just synced.
func (s *FileStore) maybeCompact() {
	if s.size < compactMinBytes || s.deadBytes <= s.size-s.deadBytes {
		return
	}
	start := time.Now()
	if err := s.compact(); err != nil {
		s.logger.Error("Row file compaction failed", zap.Error(err))
		return
	}
	s.logger.Info("Row file compacted",
		zap.Int64("file_bytes", s.size),
		zap.Int("rows", len(s.rows)),
		zap.Duration("took", time.Since(start)))
}

// compact writes every live row to a fresh file and renames it over the
// old one.
func (s *FileStore) compact() error {
	path := filepath.Join(s.dir, rowFileName)
	next, err := os.Create(path + ".next")
	if err != nil {
		return fmt.Errorf("failed to create compaction file: %w", err)
	}
	cleanup := func() {
		next.Close()
		os.Remove(path + ".next")
	}

	ids := make([]int64, 0, len(s.rows))
	for id := range s.rows {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var off int64
	newLocs := make(map[int64]rowLoc, len(ids))
	for _, id := range ids {
		rec, err := s.readRecord(s.rows[id])
		if err != nil {
			cleanup()
			return fmt.Errorf("failed to carry row %d: %w", id, err)
		}
		payload, err := json.Marshal(rec)
		if err != nil {
			cleanup()
			return fmt.Errorf("failed to marshal row %d: %w", id, err)
		}
		buf := make([]byte, rowHeaderSize+len(payload))
		binary.LittleEndian.PutUint32(buf[0:4], uint32(len(payload)))
		binary.LittleEndian.PutUint32(buf[4:8], util.ComputeChecksum(payload))
		copy(buf[rowHeaderSize:], payload)
		if _, err := next.WriteAt(buf, off); err != nil {
			cleanup()
			return fmt.Errorf("failed to write compacted row %d: %w", id, err)
		}
		newLocs[id] = rowLoc{offset: off, size: int32(len(payload))}
		off += int64(len(buf))
	}
	if err := next.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("failed to sync compaction file: %w", err)
	}
	if err := os.Rename(path+".next", path); err != nil {
		cleanup()
		return fmt.Errorf("failed to swap compacted file: %w", err)
	}
	s.file.Close()
	s.file = next
	s.size = off
	s.rows = newLocs
	s.deadBytes = 0
	return nil
}

// diskIsFull reports whether the data directory's filesystem is past the
// refusal threshold, stat'ing it at most once per interval. The caller
// holds the mutex.
func (s *FileStore) diskIsFull() bool {
	if time.Since(s.lastDiskCheck) < diskCheckInterval {
		return s.diskFull
	}
	s.lastDiskCheck = time.Now()

	var stat syscall.Statfs_t
	if err := syscall.Statfs(s.dir, &stat); err != nil {
		s.logger.Warn("Filesystem stat failed", zap.Error(err))
		return s.diskFull
	}
	total := stat.Blocks * uint64(stat.Bsize)
	if total == 0 {
		return s.diskFull
	}
	avail := stat.Bavail * uint64(stat.Bsize)
	usage := float64(total-avail) / float64(total) * 100.0

	wasFull := s.diskFull
	s.diskFull = usage >= diskFullPercent
	if s.diskFull && !wasFull {
		s.logger.Error("Data directory nearly full; refusing row writes",
			zap.Float64("usage_percent", usage),
			zap.Uint64("available_bytes", avail))
	} else if !s.diskFull && wasFull {
		s.logger.Info("Data directory usage recovered; resuming row writes",
			zap.Float64("usage_percent", usage))
	}
	return s.diskFull
}
