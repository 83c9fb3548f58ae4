package mutationlog

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/emberkv/ember/internal/metrics"
	"github.com/emberkv/ember/internal/util"
)

// blockOverhead is the per-block bookkeeping: a u16 record count up front
// and a u32 checksum at the tail.
const blockOverhead = 2 + 4

// Log is the append-only mutation log. Records accumulate into a
// fixed-size block buffer which is sealed and written out when full or at
// each commit boundary. All methods are safe for concurrent use.
type Log struct {
	logger  *zap.Logger
	metrics *metrics.Metrics

	path      string
	blockSize int
	syncMode  bool

	mu          sync.Mutex
	file        *os.File
	block       []byte // encoded records of the open block
	blockCount  uint16
	recordCount [5]uint64 // indexed by RecordType
	disabled    bool
}

// Open creates or appends to the log at path. blockSize must be a power
// of two; config validation enforces that before this is reached.
func Open(path string, blockSize int, syncMode bool, logger *zap.Logger, m *metrics.Metrics) (*Log, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open mutation log: %w", err)
	}
	l := &Log{
		logger:    logger,
		metrics:   m,
		path:      path,
		blockSize: blockSize,
		syncMode:  syncMode,
		file:      file,
		block:     make([]byte, 0, blockSize-blockOverhead),
	}
	logger.Info("Opened mutation log",
		zap.String("path", path),
		zap.Int("block_size", blockSize),
		zap.Bool("sync", syncMode))
	return l, nil
}

// Path returns the log's file path.
func (l *Log) Path() string { return l.path }

// BlockSize returns the configured block size.
func (l *Log) BlockSize() int { return l.blockSize }

// SetSyncConfig switches fsync-per-commit on or off.
func (l *Log) SetSyncConfig(sync bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.syncMode = sync
}

// NewItem logs a row insert or update.
func (l *Log) NewItem(vbID uint16, key string, rowID int64) error {
	return l.append(Record{Type: RecNew, VBucketID: vbID, Key: key, RowID: rowID}, false)
}

// DelItem logs a deletion.
func (l *Log) DelItem(vbID uint16, key string) error {
	return l.append(Record{Type: RecDel, VBucketID: vbID, Key: key}, false)
}

// DeleteAll invalidates every prior record of the vbucket. Encoded as a
// del record with an empty key.
func (l *Log) DeleteAll(vbID uint16) error {
	return l.append(Record{Type: RecDel, VBucketID: vbID}, false)
}

// Commit1 seals the current batch and flushes it to disk.
func (l *Log) Commit1() error {
	return l.append(Record{Type: RecCommit1}, true)
}

// Commit2 confirms the downstream store committed, closing the batch.
func (l *Log) Commit2() error {
	if err := l.append(Record{Type: RecCommit2}, true); err != nil {
		return err
	}
	l.metrics.MutationLogCommits.Inc()
	return nil
}

// Disable stops the log for the rest of the session. Later records are
// dropped and surfaced through the dropped-records counter rather than
// failing the engine.
func (l *Log) Disable() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.disabled {
		return
	}
	l.disabled = true
	l.metrics.MutationLogDisabled.Set(1)
	l.logger.Warn("Mutation log disabled; subsequent records will be dropped",
		zap.String("path", l.path))
}

// IsEnabled reports whether the log still accepts records.
func (l *Log) IsEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.disabled
}

// RecordCount returns how many records of the type were appended.
func (l *Log) RecordCount(t RecordType) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.recordCount[t]
}

// Size returns the current on-disk size of the log.
func (l *Log) Size() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return 0
	}
	info, err := l.file.Stat()
	if err != nil {
		return 0
	}
	return info.Size()
}

func (l *Log) append(r Record, flush bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.disabled {
		l.metrics.MutationLogDroppedRecords.Inc()
		return nil
	}

	sz := r.encodedSize()
	if sz > l.blockSize-blockOverhead {
		return fmt.Errorf("record too large for block: %d bytes", sz)
	}
	if len(l.block)+sz > l.blockSize-blockOverhead {
		if err := l.sealLocked(); err != nil {
			return err
		}
	}

	l.block = r.appendTo(l.block)
	l.blockCount++
	l.recordCount[r.Type]++
	l.metrics.MutationLogWrites.Inc()

	if !flush {
		return nil
	}
	if err := l.sealLocked(); err != nil {
		return err
	}
	if l.syncMode {
		if err := l.file.Sync(); err != nil {
			return fmt.Errorf("failed to sync mutation log: %w", err)
		}
	}
	return nil
}

// sealLocked pads the open block to blockSize, stamps count and checksum
// and writes it out. No-op when the block is empty.
func (l *Log) sealLocked() error {
	if l.blockCount == 0 {
		return nil
	}
	buf := make([]byte, l.blockSize)
	binary.LittleEndian.PutUint16(buf[0:2], l.blockCount)
	copy(buf[2:], l.block)
	sum := util.ComputeChecksum(buf[:l.blockSize-4])
	binary.LittleEndian.PutUint32(buf[l.blockSize-4:], sum)

	if _, err := l.file.Write(buf); err != nil {
		return fmt.Errorf("failed to write mutation log block: %w", err)
	}
	l.block = l.block[:0]
	l.blockCount = 0
	return nil
}

// Close seals any open block and closes the file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	if !l.disabled {
		if err := l.sealLocked(); err != nil {
			l.logger.Error("Failed to seal mutation log on close", zap.Error(err))
		}
	}
	err := l.file.Close()
	l.file = nil
	return err
}
