package mutationlog

import (
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/emberkv/ember/internal/metrics"
)

// AccessLog writes the working-set snapshot produced by the access
// scanner. It shares the mutation log block format but carries only new
// records, and each generation is built in full at <path>.next before an
// atomic rotation makes it current.
type AccessLog struct {
	logger  *zap.Logger
	metrics *metrics.Metrics

	path      string
	blockSize int

	next  *Log
	items int
}

// NewAccessLog prepares a writer for one scanner run. The .next file is
// created immediately; a failure to open it aborts the run.
func NewAccessLog(path string, blockSize int, logger *zap.Logger, m *metrics.Metrics) (*AccessLog, error) {
	nextPath := path + ".next"
	// A leftover .next from a crashed run must not be appended to.
	if err := os.Remove(nextPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to clear stale access log: %w", err)
	}
	next, err := Open(nextPath, blockSize, false, logger, m)
	if err != nil {
		return nil, err
	}
	return &AccessLog{
		logger:    logger,
		metrics:   m,
		path:      path,
		blockSize: blockSize,
		next:      next,
	}, nil
}

// Add records one resident key.
func (a *AccessLog) Add(vbID uint16, key string, rowID int64) error {
	if err := a.next.NewItem(vbID, key, rowID); err != nil {
		return err
	}
	a.items++
	return nil
}

// Items returns how many keys were recorded this run.
func (a *AccessLog) Items() int { return a.items }

// Commit two-phase-commits the new generation and rotates it into place.
// An empty log is discarded without touching the previous generation. Any
// rotation failure removes the partial .next and leaves the previous
// generation intact.
func (a *AccessLog) Commit() error {
	nextPath := a.path + ".next"
	oldPath := a.path + ".old"

	if a.items == 0 {
		a.next.Close()
		os.Remove(nextPath)
		a.logger.Info("Access log empty; previous generation kept",
			zap.String("path", a.path))
		return nil
	}

	if err := a.next.Commit1(); err != nil {
		a.abort(nextPath, err)
		return err
	}
	if err := a.next.Commit2(); err != nil {
		a.abort(nextPath, err)
		return err
	}
	if err := a.next.Close(); err != nil {
		os.Remove(nextPath)
		return err
	}

	if err := os.Remove(oldPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		os.Remove(nextPath)
		return fmt.Errorf("failed to remove old access log: %w", err)
	}
	if err := os.Rename(a.path, oldPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		os.Remove(nextPath)
		return fmt.Errorf("failed to retire access log: %w", err)
	}
	if err := os.Rename(nextPath, a.path); err != nil {
		os.Remove(nextPath)
		return fmt.Errorf("failed to promote access log: %w", err)
	}

	a.logger.Info("Access log rotated",
		zap.String("path", a.path),
		zap.Int("items", a.items))
	return nil
}

// Abort discards the run without rotating.
func (a *AccessLog) Abort() {
	a.next.Close()
	os.Remove(a.path + ".next")
}

func (a *AccessLog) abort(nextPath string, err error) {
	a.logger.Error("Access log commit failed; discarding generation",
		zap.String("path", nextPath),
		zap.Error(err))
	a.next.Close()
	os.Remove(nextPath)
}

// LoadAccessLog harvests an access log generation, preferring the current
// file and falling back to the .old generation. Returns the keys in the
// recorded working set.
func LoadAccessLog(path string, blockSize int, logger *zap.Logger) []HarvestedItem {
	for _, p := range []string{path, path + ".old"} {
		h := NewHarvester(logger)
		if err := h.Load(p, blockSize); err != nil {
			logger.Warn("Failed to load access log", zap.String("path", p), zap.Error(err))
			continue
		}
		if items := h.Committed(); len(items) > 0 {
			logger.Info("Access log loaded",
				zap.String("path", p),
				zap.Int("items", len(items)))
			return items
		}
	}
	return nil
}
