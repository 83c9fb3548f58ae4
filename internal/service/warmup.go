package service

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/emberkv/ember/internal/metrics"
	"github.com/emberkv/ember/internal/model"
	"github.com/emberkv/ember/internal/storage/hashtable"
	"github.com/emberkv/ember/internal/storage/kvstore"
	"github.com/emberkv/ember/internal/storage/mutationlog"
	"github.com/emberkv/ember/internal/vbucket"
)

// accessLogPreloadBudget bounds how long warmup spends replaying the
// access log before the engine starts serving.
const accessLogPreloadBudget = 90 * time.Second

// Warmup rebuilds the in-memory state from the store and the mutation
// log on startup. It recreates persisted vbuckets, replays committed log
// records into the hash tables, purges rows whose commit never landed,
// and preloads the working set recorded by the last access scan.
type Warmup struct {
	ep      *EPStore
	logger  *zap.Logger
	metrics *metrics.Metrics
	clk     clock.Clock

	mu       sync.Mutex
	complete bool
	err      error
	done     chan struct{}
}

func newWarmup(ep *EPStore) *Warmup {
	return &Warmup{
		ep:      ep,
		logger:  ep.logger,
		metrics: ep.metrics,
		clk:     ep.clk,
		done:    make(chan struct{}),
	}
}

// Done is closed once warmup finishes, successfully or not.
func (w *Warmup) Done() <-chan struct{} { return w.done }

// Complete reports whether warmup has finished.
func (w *Warmup) Complete() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.complete
}

// Err returns the terminal warmup error, if any.
func (w *Warmup) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func (w *Warmup) finish(err error) {
	w.mu.Lock()
	w.complete = true
	w.err = err
	w.mu.Unlock()
	close(w.done)
}

// Run executes the full warmup sequence. It is called once, before the
// background tasks start.
func (w *Warmup) Run() error {
	start := w.clk.Now()

	w.loadVBucketStates()

	h := mutationlog.NewHarvester(w.logger)
	if err := h.Load(w.ep.cfg.MutationLog.Path, w.ep.cfg.MutationLog.BlockSize); err != nil {
		w.logger.Warn("Mutation log unreadable; warming up empty", zap.Error(err))
	}
	if h.SawBadBlock() {
		w.logger.Warn("Mutation log had a torn or corrupt tail block; later records dropped")
	}

	warmed := w.loadCommitted(h.Committed())
	w.purgeUncommitted(h.Uncommitted())
	w.preloadAccessLog()
	w.loadPersistedStats()

	took := w.clk.Now().Sub(start)
	w.metrics.WarmupSeconds.Set(took.Seconds())
	w.logger.Info("Warmup complete",
		zap.Int("vbuckets", w.ep.vbMap.Len()),
		zap.Uint64("items", warmed),
		zap.Uint64("dups", w.ep.stats.WarmDups.Load()),
		zap.Uint64("oom", w.ep.stats.WarmOOM.Load()),
		zap.String("mem_used", humanize.IBytes(uint64(w.ep.memUsed()))),
		zap.Duration("took", took))

	if w.ep.cfg.Warmup.FailPartialWarmup && w.ep.stats.WarmOOM.Load() > 0 {
		err := fmt.Errorf("warmup could not load %d items into memory", w.ep.stats.WarmOOM.Load())
		w.finish(err)
		return err
	}
	w.finish(nil)
	return nil
}

// loadVBucketStates recreates every vbucket the store knows about, in
// its persisted state, and seeds the persisted checkpoint ids.
func (w *Warmup) loadVBucketStates() {
	for id, snap := range w.ep.store.ListPersistedVbuckets() {
		vb := vbucket.New(id, snap.State, vbucket.CheckpointConfig{
			MaxItems: w.ep.cfg.Checkpoint.MaxItems,
			MaxBytes: w.ep.cfg.Checkpoint.MaxBytes,
		}, w.clk)
		if snap.CheckpointID > 0 {
			vb.Checkpoint.Reset(snap.CheckpointID + 1)
		}
		w.ep.vbMap.Set(vb)
		w.ep.vbMap.SetPersistenceCheckpointID(id, snap.CheckpointID)
		w.logger.Debug("Restored vbucket",
			zap.Uint16("vbucket", id),
			zap.String("state", snap.State.String()),
			zap.Uint64("checkpoint_id", snap.CheckpointID))
	}
}

// loadCommitted fetches every committed row and inserts it into its hash
// table. Reads fan out to the store's reader capacity. Past the memory
// threshold only metadata is kept; past the hard cap the row is skipped
// and counted.
func (w *Warmup) loadCommitted(items []mutationlog.HarvestedItem) uint64 {
	if len(items) == 0 {
		return 0
	}

	memCap := int64(float64(w.ep.cfg.Engine.MaxSize) * w.ep.cfg.Warmup.MinMemoryThreshold)
	itemCap := uint64(float64(len(items)) * w.ep.cfg.Warmup.MinItemsThreshold)

	readers := w.ep.store.Properties().MaxReaders
	if readers < 1 {
		readers = 1
	}

	var mu sync.Mutex
	var warmed uint64

	g := new(errgroup.Group)
	g.SetLimit(readers)
	for _, item := range items {
		item := item
		g.Go(func() error {
			vb := w.ep.vbMap.Get(item.VBucketID)
			if vb == nil {
				return nil
			}
			var gv kvstore.GetValue
			w.ep.store.Get(item.Key, item.RowID, item.VBucketID, func(v kvstore.GetValue) {
				gv = v
			})
			if gv.Err != nil {
				w.logger.Debug("Warmup row fetch failed",
					zap.Uint16("vbucket", item.VBucketID),
					zap.String("key", item.Key),
					zap.Error(gv.Err))
				return nil
			}
			it := gv.Item
			it.RowID = item.RowID

			mu.Lock()
			partial := w.ep.memUsed() > memCap || warmed >= itemCap
			oom := w.ep.memUsed() > w.ep.cfg.Engine.MaxSize
			mu.Unlock()

			if oom {
				w.metrics.WarmOOM.Inc()
				w.ep.stats.WarmOOM.Add(1)
				return nil
			}
			if partial {
				it.Value = nil
			}
			if !vb.HT.Insert(it, partial, false) {
				w.metrics.WarmupDups.Inc()
				w.ep.stats.WarmDups.Add(1)
				return nil
			}
			w.metrics.WarmedUpItems.Inc()
			w.ep.stats.WarmedUp.Add(1)
			mu.Lock()
			warmed++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return warmed
}

// purgeUncommitted deletes rows whose log records never reached a
// commit. The delete batch goes through one store transaction.
func (w *Warmup) purgeUncommitted(recs []mutationlog.Record) {
	if len(recs) == 0 {
		return
	}
	w.logger.Info("Purging uncommitted rows", zap.Int("rows", len(recs)))
	w.ep.store.Begin()
	for _, rec := range recs {
		if rec.Type != mutationlog.RecNew {
			continue
		}
		it := model.NewItem(rec.VBucketID, rec.Key, nil, 0, 0)
		w.ep.store.Del(it, rec.RowID, func(rv int) {
			if rv < 0 {
				w.logger.Warn("Uncommitted row purge failed",
					zap.Uint16("vbucket", rec.VBucketID),
					zap.String("key", rec.Key))
			}
		})
	}
	if !w.ep.store.Commit() {
		w.logger.Error("Uncommitted row purge commit failed")
	}
}

// preloadAccessLog re-fetches the values the last access scan recorded as
// hot, within a fixed time budget, so the first reads after startup stay
// resident.
func (w *Warmup) preloadAccessLog() {
	items := mutationlog.LoadAccessLog(
		w.ep.cfg.Storage.AccessLogPath,
		w.ep.cfg.MutationLog.BlockSize,
		w.logger)
	if len(items) == 0 {
		return
	}
	deadline := w.clk.Now().Add(accessLogPreloadBudget)
	lowWat := w.ep.cfg.Engine.MemLowWat

	loaded := 0
	for _, item := range items {
		if w.clk.Now().After(deadline) {
			w.logger.Warn("Access log preload hit its time budget",
				zap.Int("loaded", loaded),
				zap.Int("total", len(items)))
			break
		}
		if w.ep.memUsed() > lowWat {
			break
		}
		vb := w.ep.vbMap.Get(item.VBucketID)
		if vb == nil {
			continue
		}
		var gv kvstore.GetValue
		w.ep.store.Get(item.Key, item.RowID, item.VBucketID, func(v kvstore.GetValue) {
			gv = v
		})
		if gv.Err != nil {
			continue
		}
		vb.HT.WithLock(item.Key, func(sv *hashtable.StoredValue) {
			if sv == nil || sv.IsDeleted() || sv.IsTemp() || sv.IsResident() {
				return
			}
			vb.HT.RestoreValueLocked(sv, gv.Item.Value)
			loaded++
		})
	}
	w.logger.Info("Access log preload finished",
		zap.Int("loaded", loaded),
		zap.Int("recorded", len(items)))
}

// loadPersistedStats restores counters the store snapshotted on the last
// clean shutdown.
func (w *Warmup) loadPersistedStats() {
	m, ok := w.ep.store.GetPersistedStats()
	if !ok {
		return
	}
	w.ep.stats.LoadPersistedMap(m)
}
