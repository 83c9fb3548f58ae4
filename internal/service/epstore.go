package service

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/emberkv/ember/internal/config"
	"github.com/emberkv/ember/internal/dispatcher"
	"github.com/emberkv/ember/internal/errors"
	"github.com/emberkv/ember/internal/metrics"
	"github.com/emberkv/ember/internal/model"
	"github.com/emberkv/ember/internal/storage/hashtable"
	"github.com/emberkv/ember/internal/storage/kvstore"
	"github.com/emberkv/ember/internal/storage/mutationlog"
	"github.com/emberkv/ember/internal/validation"
	"github.com/emberkv/ember/internal/vbucket"
)

// dispatcherStopTimeout bounds how long shutdown waits for the worker
// goroutines to drain.
const dispatcherStopTimeout = 10 * time.Second

// EPStore is the engine facade: the public operations, the vbucket map,
// and the background machinery that keeps memory and disk converging.
type EPStore struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
	clk     clock.Clock
	cfg     *config.Config
	stats   *EngineStats

	store     kvstore.KVStore
	mlog      *mutationlog.Log
	vbMap     *vbucket.Map
	validator *validation.Validator

	dispatchers *dispatcher.Group
	restore     *restoreContext

	flusher   *Flusher
	bgFetcher *BGFetcher
	warmup    *Warmup
	compactor *mutationlog.Compactor

	// vbsetMu serializes vbucket add, remove and state changes, and the
	// pending-bg-fetch flush that precedes a vbucket deletion.
	vbsetMu chan struct{}

	pendingOps    atomic.Int64
	pendingOpsMax atomic.Int64
}

// NewEPStore wires the engine around an underlying store. Persistence
// machinery is skipped entirely when EP_NO_PERSISTENCE is set.
func NewEPStore(cfg *config.Config, store kvstore.KVStore, logger *zap.Logger, m *metrics.Metrics, clk clock.Clock) (*EPStore, error) {
	ep := &EPStore{
		logger:    logger,
		metrics:   m,
		clk:       clk,
		cfg:       cfg,
		stats:     &EngineStats{},
		store:     store,
		vbMap:     vbucket.NewMap(),
		validator: validation.NewValidator(),
		restore:   newRestoreContext(),
		vbsetMu:   make(chan struct{}, 1),
	}

	if !config.PersistenceDisabled() {
		mlog, err := mutationlog.Open(
			cfg.MutationLog.Path,
			cfg.MutationLog.BlockSize,
			cfg.MutationLog.Sync,
			logger, m)
		if err != nil {
			return nil, fmt.Errorf("failed to open mutation log: %w", err)
		}
		ep.mlog = mlog
		ep.compactor = mutationlog.NewCompactor(
			cfg.MutationLog.MaxLogSize,
			cfg.MutationLog.MaxEntryRatio,
			cfg.MutationLog.CompactorQueueCap,
			logger, m)
	} else {
		logger.Warn("Persistence disabled by EP_NO_PERSISTENCE; running memory-only")
	}

	ep.dispatchers = dispatcher.NewGroup(store.Properties().MaxConcurrency, clk, logger)
	ep.flusher = newFlusher(ep, NewTransactionContext(store, ep.mlog, clk, logger, m))
	ep.bgFetcher = newBGFetcher(ep)
	ep.warmup = newWarmup(ep)
	return ep, nil
}

// Start runs warmup and schedules the background tasks. With
// waitforwarmup set it blocks until warmup finishes and propagates a
// partial-warmup failure.
func (ep *EPStore) Start() error {
	go func() {
		if err := ep.warmup.Run(); err != nil {
			ep.logger.Error("Warmup failed", zap.Error(err))
		}
	}()
	if ep.cfg.Warmup.WaitForWarmup {
		<-ep.warmup.Done()
		if err := ep.warmup.Err(); err != nil {
			return err
		}
	}

	ep.flusher.Start(ep.dispatchers.RW)
	ep.bgFetcher.Start(ep.dispatchers.RO)
	newItemPager(ep).Start(ep.dispatchers.NonIO)
	newExpiryPager(ep).Start(ep.dispatchers.NonIO)
	newHTResizer(ep).Start(ep.dispatchers.NonIO)
	newCheckpointRemover(ep).Start(ep.dispatchers.NonIO)
	if ep.mlog != nil {
		newAccessScanner(ep).Start(ep.dispatchers.NonIO)
		ep.scheduleCompactor()
	}
	ep.logger.Info("Engine started",
		zap.Int("vbuckets", ep.vbMap.Len()),
		zap.Bool("persistence", ep.mlog != nil))
	return nil
}

func (ep *EPStore) scheduleCompactor() {
	sleep := ep.cfg.MutationLog.CompactorSleep
	ep.dispatchers.RW.Schedule(dispatcher.CallbackFunc{
		Desc: "mutation log compactor",
		Fn: func(d *dispatcher.Dispatcher, t *dispatcher.Task) bool {
			if _, err := ep.compactor.Run(ep.mlog, ep.flusher.QueueDepth()); err != nil {
				ep.logger.Error("Mutation log compaction failed", zap.Error(err))
			}
			t.Snooze(d, sleep)
			return true
		},
	}, dispatcher.PriorityLow, sleep)
}

// Stop drains the flusher, snapshots vbucket states and engine stats,
// and shuts the dispatchers down.
func (ep *EPStore) Stop() {
	ep.flusher.Stop()
	for ep.flusher.State() != FlusherStopped {
		ep.clk.Sleep(10 * time.Millisecond)
	}
	ep.bgFetcher.Stop()

	ep.snapshotVBucketStates()
	if !ep.store.SnapshotStats(ep.stats.ToPersistedMap()) {
		ep.logger.Warn("Engine stats snapshot failed")
	}

	ep.dispatchers.Stop(dispatcherStopTimeout)
	if ep.mlog != nil {
		if err := ep.mlog.Close(); err != nil {
			ep.logger.Error("Failed to close mutation log", zap.Error(err))
		}
	}
	ep.logger.Info("Engine stopped")
}

// Warmup exposes the warmup handle so callers can wait on or inspect it.
func (ep *EPStore) Warmup() *Warmup { return ep.warmup }

// Flusher exposes the flusher for pause/resume control.
func (ep *EPStore) Flusher() *Flusher { return ep.flusher }

// Stats returns the engine counter block.
func (ep *EPStore) Stats() *EngineStats { return ep.stats }

func (ep *EPStore) lockVBSet()   { ep.vbsetMu <- struct{}{} }
func (ep *EPStore) unlockVBSet() { <-ep.vbsetMu }

// memUsed sums hash-table memory across vbuckets and refreshes the
// gauge.
func (ep *EPStore) memUsed() int64 {
	var used int64
	for _, vb := range ep.vbMap.Snapshot() {
		used += vb.HT.MemSize()
	}
	ep.metrics.MemUsedBytes.Set(float64(used))
	return used
}

// queueDirty appends a mutation to the vbucket's open checkpoint and
// wakes the flusher. A no-op in memory-only mode.
func (ep *EPStore) queueDirty(vb *vbucket.VBucket, key string, rowID int64, op model.Operation) {
	if config.PersistenceDisabled() {
		return
	}
	qi := model.NewQueuedItem(vb.ID, key, op, rowID, 0, ep.clk.Now())
	if vb.Checkpoint.QueueDirty(qi) {
		ep.stats.TotalEnqueued.Add(1)
		ep.stats.CurrQueueSize.Add(1)
		ep.metrics.TotalEnqueued.Inc()
	}
	ep.flusher.Wake()
}

// QueueRestoreItem hands a restore-stream mutation to the flusher's next
// batch, bypassing the checkpoint path.
func (ep *EPStore) QueueRestoreItem(vbID uint16, key string, rowID int64, op model.Operation) error {
	vb := ep.vbMap.Get(vbID)
	if vb == nil {
		return errors.NotMyVBucket(vbID)
	}
	if op == model.OpDel {
		ep.restore.markDeleted(vbID, key)
	}
	ep.restore.add(model.NewQueuedItem(vbID, key, op, rowID, 0, ep.clk.Now()))
	ep.stats.CurrQueueSize.Add(1)
	ep.flusher.Wake()
	return nil
}

// deleteExpiredItems soft-deletes each expired key and queues the
// tombstone, on behalf of the expiry pager and the front-end get path.
func (ep *EPStore) deleteExpiredItems(vb *vbucket.VBucket, keys []string) {
	now := ep.clk.Now()
	for _, key := range keys {
		var rowID int64 = -1
		deleted := false
		vb.HT.WithLock(key, func(sv *hashtable.StoredValue) {
			if sv == nil || sv.IsDeleted() || sv.IsTemp() || !sv.IsExpired(now) {
				return
			}
			rowID = sv.RowID
			if mt := vb.HT.SoftDeleteLocked(key, 0, sv); mt == hashtable.MutationWasClean || mt == hashtable.MutationWasDirty {
				deleted = true
			}
		})
		if deleted {
			ep.metrics.NumExpiredItems.Inc()
			ep.queueDirty(vb, key, rowID, model.OpDel)
		}
	}
}

// SetVBucketState creates the vbucket if needed and moves it to the
// requested state. A pending vbucket going active releases its parked
// cookies; every transition schedules a state snapshot, high priority
// when the map itself changed.
func (ep *EPStore) SetVBucketState(vbID uint16, to model.VBucketState) {
	ep.lockVBSet()
	high := false
	vb := ep.vbMap.Get(vbID)
	if vb == nil {
		vb = vbucket.New(vbID, to, vbucket.CheckpointConfig{
			MaxItems: ep.cfg.Checkpoint.MaxItems,
			MaxBytes: ep.cfg.Checkpoint.MaxBytes,
		}, ep.clk)
		ep.vbMap.Set(vb)
		high = true
		ep.logger.Info("Created vbucket",
			zap.Uint16("vbucket", vbID),
			zap.String("state", to.String()))
	} else {
		prev := vb.SetState(to)
		ep.logger.Info("VBucket state change",
			zap.Uint16("vbucket", vbID),
			zap.String("from", prev.String()),
			zap.String("to", to.String()))
		if prev == model.VBPending && to == model.VBActive {
			released := vb.FireAllOps(nil)
			if released > 0 {
				ep.pendingOps.Add(-int64(released))
				ep.metrics.PendingOps.Sub(float64(released))
				ep.logger.Debug("Released pending ops",
					zap.Uint16("vbucket", vbID),
					zap.Int("ops", released))
			}
		}
	}
	ep.vbMap.RequestStateSnapshot(high)
	ep.unlockVBSet()
	ep.scheduleVBSnapshot(high)
}

// DeleteVBucket removes a dead vbucket from the map and schedules the
// disk-side deletion. Pending bg fetches are flushed first so no
// completion observes the post-delete state.
func (ep *EPStore) DeleteVBucket(vbID uint16) error {
	ep.lockVBSet()
	vb := ep.vbMap.Get(vbID)
	if vb == nil {
		ep.unlockVBSet()
		return errors.NotMyVBucket(vbID)
	}
	if vb.GetState() != model.VBDead {
		ep.unlockVBSet()
		return errors.Einval(fmt.Sprintf("vbucket %d is %s, not dead", vbID, vb.GetState()))
	}

	for _, items := range vb.DrainBGFetches() {
		for _, item := range items {
			if item.Cookie != nil {
				item.Cookie.Notify(errors.NotMyVBucket(vbID))
			}
		}
	}
	ep.vbMap.SetBucketDeletion(vbID, true)
	ep.vbMap.Remove(vbID)
	ep.vbMap.RequestStateSnapshot(true)
	ep.unlockVBSet()

	ep.scheduleVBSnapshot(true)
	ep.dispatchers.RW.Schedule(dispatcher.CallbackFunc{
		Desc: fmt.Sprintf("delete vbucket %d", vbID),
		Fn: func(d *dispatcher.Dispatcher, t *dispatcher.Task) bool {
			ep.deleteVBucketFromDisk(vbID)
			return false
		},
	}, dispatcher.PriorityHigh, 0)
	return nil
}

// deleteVBucketFromDisk removes the vbucket's rows and mutation-log
// records as one durable batch.
func (ep *EPStore) deleteVBucketFromDisk(vbID uint16) {
	ep.store.Begin()
	if !ep.store.DelVBucket(vbID) {
		ep.logger.Error("Store vbucket deletion failed", zap.Uint16("vbucket", vbID))
	}
	if ep.mlog != nil {
		if err := ep.mlog.DeleteAll(vbID); err != nil {
			ep.logger.Error("Mutation log vbucket invalidation failed; disabling log",
				zap.Uint16("vbucket", vbID), zap.Error(err))
			ep.mlog.Disable()
		}
		if err := ep.mlog.Commit1(); err != nil {
			ep.mlog.Disable()
		}
	}
	for !ep.store.Commit() {
		ep.metrics.FlusherCommitFailed.Inc()
		ep.logger.Error("Store commit failed; retrying", zap.Uint16("vbucket", vbID))
		ep.clk.Sleep(time.Second)
	}
	if ep.mlog != nil {
		if err := ep.mlog.Commit2(); err != nil {
			ep.mlog.Disable()
		}
	}
	ep.vbMap.SetBucketDeletion(vbID, false)
	ep.logger.Info("Deleted vbucket", zap.Uint16("vbucket", vbID))
}

// ResetVBucket recreates a vbucket empty, in its current state, carrying
// the TAP cursor names over to the fresh checkpoint manager. Disk-side
// data is deleted in the background.
func (ep *EPStore) ResetVBucket(vbID uint16) error {
	ep.lockVBSet()
	vb := ep.vbMap.Get(vbID)
	if vb == nil {
		ep.unlockVBSet()
		return errors.NotMyVBucket(vbID)
	}
	cursors := vb.Checkpoint.CursorNames()
	next := vbucket.New(vbID, vb.GetState(), vbucket.CheckpointConfig{
		MaxItems: ep.cfg.Checkpoint.MaxItems,
		MaxBytes: ep.cfg.Checkpoint.MaxBytes,
	}, ep.clk)
	for _, name := range cursors {
		if name != vbucket.PersistenceCursor {
			next.Checkpoint.RegisterCursor(name)
		}
	}
	ep.vbMap.Set(next)
	ep.vbMap.RequestStateSnapshot(false)
	ep.unlockVBSet()

	ep.scheduleVBSnapshot(false)
	ep.dispatchers.RW.Schedule(dispatcher.CallbackFunc{
		Desc: fmt.Sprintf("reset vbucket %d", vbID),
		Fn: func(d *dispatcher.Dispatcher, t *dispatcher.Task) bool {
			ep.deleteVBucketFromDisk(vbID)
			return false
		},
	}, dispatcher.PriorityDefault, 0)
	ep.logger.Info("Reset vbucket", zap.Uint16("vbucket", vbID))
	return nil
}

// FlushAll queues a full flush: the store resets and every hash table
// clears when the flusher reaches the marker.
func (ep *EPStore) FlushAll() error {
	vbs := ep.vbMap.Snapshot()
	if len(vbs) == 0 {
		return errors.Tmpfail("no vbuckets to flush")
	}
	ep.queueDirty(vbs[0], "", -1, model.OpFlush)
	ep.logger.Warn("Queued flush-all")
	return nil
}

// scheduleVBSnapshot persists the current vbucket states on the rw
// dispatcher. Every call schedules its own task; the request flag only
// marks a snapshot as pending and is cleared when a task runs, so repeated
// transitions are not collapsed into one write.
func (ep *EPStore) scheduleVBSnapshot(high bool) {
	prio := dispatcher.PriorityDefault
	if high {
		prio = dispatcher.PriorityHigh
	}
	ep.dispatchers.RW.Schedule(dispatcher.CallbackFunc{
		Desc: "vbucket state snapshot",
		Fn: func(d *dispatcher.Dispatcher, t *dispatcher.Task) bool {
			ep.snapshotVBucketStates()
			ep.vbMap.ClearStateSnapshot(high)
			return false
		},
	}, prio, 0)
}

func (ep *EPStore) snapshotVBucketStates() {
	snap := make(map[uint16]kvstore.VBucketSnapshot)
	for _, vb := range ep.vbMap.Snapshot() {
		snap[vb.ID] = kvstore.VBucketSnapshot{
			State:        vb.GetState(),
			CheckpointID: vb.Checkpoint.PersistenceCursorPreChkID(),
		}
		ep.vbMap.SetPersistenceCheckpointID(vb.ID, snap[vb.ID].CheckpointID)
	}
	if !ep.store.SnapshotVBuckets(snap) {
		ep.logger.Error("VBucket state snapshot failed")
	}
}
