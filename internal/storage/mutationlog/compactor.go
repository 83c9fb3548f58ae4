package mutationlog

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/emberkv/ember/internal/metrics"
)

// Compactor rewrites the mutation log when it outgrows its size cap or
// when too few of its records are still live. It runs on the write
// dispatcher, so no appends race with the rewrite.
type Compactor struct {
	logger  *zap.Logger
	metrics *metrics.Metrics

	maxLogSize    int64
	maxEntryRatio float64
	queueCap      int64
}

// NewCompactor creates a compactor with the klog tuning knobs.
func NewCompactor(maxLogSize int64, maxEntryRatio float64, queueCap int64, logger *zap.Logger, m *metrics.Metrics) *Compactor {
	return &Compactor{
		logger:        logger,
		metrics:       m,
		maxLogSize:    maxLogSize,
		maxEntryRatio: maxEntryRatio,
		queueCap:      queueCap,
	}
}

// Run compacts the log if warranted. queueDepth is the flusher's current
// backlog; compaction yields when the write path is busy. Returns whether
// a rewrite happened.
func (c *Compactor) Run(l *Log, queueDepth int64) (bool, error) {
	if !l.IsEnabled() {
		return false, nil
	}
	if queueDepth > c.queueCap {
		c.logger.Debug("Skipping mutation log compaction; write queue busy",
			zap.Int64("queue_depth", queueDepth),
			zap.Int64("queue_cap", c.queueCap))
		return false, nil
	}

	size := l.Size()
	oversize := size > c.maxLogSize

	// Harvesting is the only way to know the live ratio, so every run
	// that gets this far reads the whole log.
	h := NewHarvester(c.logger)
	if err := h.Load(l.Path(), l.BlockSize()); err != nil {
		return false, err
	}
	// maxEntryRatio caps total records per live key; past it the log is
	// mostly garbage.
	total := h.RecordsRead()
	live := h.LiveCount()
	stale := !oversize && total > 0 && float64(total) > float64(live)*c.maxEntryRatio

	if !oversize && !stale {
		return false, nil
	}

	c.logger.Info("Compacting mutation log",
		zap.Int64("size", size),
		zap.Int("records", total),
		zap.Int("live", live),
		zap.Bool("oversize", oversize))

	if err := l.ReplaceFrom(h.Committed()); err != nil {
		return false, err
	}
	c.metrics.MutationLogCompactorRuns.Inc()
	return true, nil
}

// ReplaceFrom rewrites the log in place so it contains only the given
// items, as a single committed batch. The open file is swapped for the
// rewritten one under the log's lock.
func (l *Log) ReplaceFrom(items []HarvestedItem) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.sealLocked(); err != nil {
		return err
	}

	next := l.path + ".compact"
	nl, err := Open(next, l.blockSize, true, l.logger, l.metrics)
	if err != nil {
		return err
	}
	for _, it := range items {
		if err := nl.NewItem(it.VBucketID, it.Key, it.RowID); err != nil {
			nl.Close()
			os.Remove(next)
			return err
		}
	}
	if err := nl.Commit1(); err != nil {
		nl.Close()
		os.Remove(next)
		return err
	}
	if err := nl.Commit2(); err != nil {
		nl.Close()
		os.Remove(next)
		return err
	}
	if err := nl.Close(); err != nil {
		os.Remove(next)
		return err
	}

	if err := l.file.Close(); err != nil {
		return fmt.Errorf("failed to close old mutation log: %w", err)
	}
	if err := os.Rename(next, l.path); err != nil {
		os.Remove(next)
		// Reopen the original so the log keeps working.
		file, oerr := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if oerr != nil {
			return fmt.Errorf("failed to reopen mutation log after aborted compaction: %w", oerr)
		}
		l.file = file
		return fmt.Errorf("failed to swap compacted mutation log: %w", err)
	}
	file, err := os.OpenFile(l.path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to reopen compacted mutation log: %w", err)
	}
	l.file = file
	l.block = l.block[:0]
	l.blockCount = 0
	l.recordCount = [5]uint64{}
	l.recordCount[RecNew] = uint64(len(items))
	return nil
}
