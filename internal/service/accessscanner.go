package service

import (
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/emberkv/ember/internal/dispatcher"
	"github.com/emberkv/ember/internal/metrics"
	"github.com/emberkv/ember/internal/storage/hashtable"
	"github.com/emberkv/ember/internal/storage/mutationlog"
)

// AccessScanner periodically snapshots the working set into the access
// log: every resident, referenced, live value gets a record, so the next
// warmup can preload what was hot instead of replaying rows in disk
// order. Only one scan runs at a time.
type AccessScanner struct {
	ep      *EPStore
	logger  *zap.Logger
	metrics *metrics.Metrics
	clk     clock.Clock

	mu      sync.Mutex
	running bool
}

func newAccessScanner(ep *EPStore) *AccessScanner {
	return &AccessScanner{ep: ep, logger: ep.logger, metrics: ep.metrics, clk: ep.clk}
}

// Start schedules the scanner on the non-io dispatcher.
func (s *AccessScanner) Start(d *dispatcher.Dispatcher) {
	sleep := s.ep.cfg.Pagers.AccessLogSleep
	d.Schedule(dispatcher.CallbackFunc{
		Desc: "access scanner",
		Fn: func(d *dispatcher.Dispatcher, t *dispatcher.Task) bool {
			s.run()
			t.Snooze(d, sleep)
			return true
		},
	}, dispatcher.PriorityLow, sleep)
}

func (s *AccessScanner) run() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	alog, err := mutationlog.NewAccessLog(
		s.ep.cfg.Storage.AccessLogPath,
		s.ep.cfg.MutationLog.BlockSize,
		s.logger, s.metrics)
	if err != nil {
		s.logger.Error("Access scanner could not open log", zap.Error(err))
		return
	}

	s.metrics.AccessScannerRuns.Inc()
	start := s.clk.Now()
	deadline := start.Add(s.ep.cfg.Pagers.AccessLogTaskTime)

	failed := false
	for _, vb := range s.ep.vbMap.Snapshot() {
		if s.clk.Now().After(deadline) {
			s.logger.Warn("Access scanner hit its time budget; committing partial scan",
				zap.Duration("budget", s.ep.cfg.Pagers.AccessLogTaskTime))
			break
		}
		now := s.clk.Now()
		type rec struct {
			key   string
			rowID int64
		}
		var recs []rec
		vb.HT.Visit(hashtable.VisitorFunc(func(sv *hashtable.StoredValue) {
			if !sv.IsResident() || !sv.IsReferenced() ||
				sv.IsDeleted() || sv.IsTemp() || sv.IsExpired(now) {
				return
			}
			recs = append(recs, rec{key: sv.Key, rowID: sv.RowID})
		}))
		for _, r := range recs {
			if err := alog.Add(vb.ID, r.key, r.rowID); err != nil {
				s.logger.Error("Access scanner append failed; aborting scan", zap.Error(err))
				failed = true
				break
			}
			s.metrics.AccessScannerRecords.Inc()
		}
		if failed {
			break
		}
	}
	if failed {
		alog.Abort()
		return
	}

	n := alog.Items()
	if err := alog.Commit(); err != nil {
		s.logger.Error("Access scanner commit failed", zap.Error(err))
		return
	}
	s.logger.Info("Access scanner finished",
		zap.Int("records", n),
		zap.Duration("took", s.clk.Now().Sub(start)))
}
