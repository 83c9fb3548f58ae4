package service

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/emberkv/ember/internal/dispatcher"
	"github.com/emberkv/ember/internal/metrics"
	"github.com/emberkv/ember/internal/model"
	"github.com/emberkv/ember/internal/storage/hashtable"
	"github.com/emberkv/ember/internal/storage/kvstore"
)

// FlusherState is the flusher's lifecycle state.
type FlusherState int32

const (
	FlusherInitializing FlusherState = iota
	FlusherRunning
	FlusherPausing
	FlusherPaused
	FlusherStopping
	FlusherStopped
)

// String returns the state name.
func (s FlusherState) String() string {
	switch s {
	case FlusherInitializing:
		return "initializing"
	case FlusherRunning:
		return "running"
	case FlusherPausing:
		return "pausing"
	case FlusherPaused:
		return "paused"
	case FlusherStopping:
		return "stopping"
	case FlusherStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// defaultFlusherSleep is the idle cadence when no queue has work.
const defaultFlusherSleep = time.Second

// Flusher drains checkpoint, restore and backfill queues into the
// underlying store, one transaction per batch, as a rescheduling callback
// on the rw dispatcher.
type Flusher struct {
	ep      *EPStore
	logger  *zap.Logger
	metrics *metrics.Metrics
	clk     clock.Clock

	state atomic.Int32

	taskMu sync.Mutex
	disp   *dispatcher.Dispatcher
	task   *dispatcher.Task

	txn *TransactionContext

	// flushQueue is the single persistence queue built by beginFlush;
	// rejectQueue collects requeued items for the next round. Both are
	// touched only from the rw dispatcher, except requeues from store
	// callbacks which also run there.
	flushQueue  []*model.QueuedItem
	rejectQueue []*model.QueuedItem
}

func newFlusher(ep *EPStore, txn *TransactionContext) *Flusher {
	return &Flusher{
		ep:      ep,
		logger:  ep.logger,
		metrics: ep.metrics,
		clk:     ep.clk,
		txn:     txn,
	}
}

// State returns the current lifecycle state.
func (f *Flusher) State() FlusherState {
	return FlusherState(f.state.Load())
}

func (f *Flusher) transition(from, to FlusherState) bool {
	ok := f.state.CompareAndSwap(int32(from), int32(to))
	if ok {
		f.logger.Info("Flusher state transition",
			zap.String("from", from.String()),
			zap.String("to", to.String()))
	}
	return ok
}

// Start schedules the flusher on the rw dispatcher.
func (f *Flusher) Start(d *dispatcher.Dispatcher) {
	f.taskMu.Lock()
	defer f.taskMu.Unlock()
	f.disp = d
	f.task = d.Schedule(f, dispatcher.PriorityDefault, 0)
}

// Wake brings a sleeping flusher forward; called after every enqueue.
func (f *Flusher) Wake() {
	f.taskMu.Lock()
	d, t := f.disp, f.task
	f.taskMu.Unlock()
	if d != nil {
		d.Wake(t)
	}
}

// Pause asks the flusher to idle after the current work unit.
func (f *Flusher) Pause() {
	f.transition(FlusherRunning, FlusherPausing)
}

// Resume restarts a paused flusher.
func (f *Flusher) Resume() {
	if f.transition(FlusherPaused, FlusherRunning) || f.transition(FlusherPausing, FlusherRunning) {
		f.Wake()
	}
}

// Stop asks the flusher to drain once more and stop.
func (f *Flusher) Stop() {
	for {
		s := f.State()
		if s == FlusherStopping || s == FlusherStopped {
			return
		}
		if f.transition(s, FlusherStopping) {
			f.Wake()
			return
		}
	}
}

// Description implements dispatcher.Callback.
func (f *Flusher) Description() string { return "flusher" }

// Run is the flusher's dispatcher callback; one invocation is one work
// unit.
func (f *Flusher) Run(d *dispatcher.Dispatcher, t *dispatcher.Task) bool {
	switch f.State() {
	case FlusherInitializing:
		f.transition(FlusherInitializing, FlusherRunning)
		fallthrough
	case FlusherRunning:
		sleep := f.step()
		t.Snooze(d, sleep)
		return true
	case FlusherPausing:
		f.transition(FlusherPausing, FlusherPaused)
		t.Snooze(d, defaultFlusherSleep)
		return true
	case FlusherPaused:
		t.Snooze(d, defaultFlusherSleep)
		return true
	case FlusherStopping:
		// Final drain so shutdown does not strand dirty items.
		f.step()
		f.txn.Rollback()
		f.transition(FlusherStopping, FlusherStopped)
		return false
	default:
		return false
	}
}

// step performs one flush unit and returns the next sleep.
func (f *Flusher) step() time.Duration {
	if len(f.flushQueue) == 0 {
		f.beginFlush()
	}
	if len(f.flushQueue) == 0 {
		f.metrics.QueueDepth.Set(0)
		return defaultFlusherSleep
	}
	sleep := f.flushSome()
	if len(f.flushQueue) == 0 {
		f.completeFlush()
	}
	return sleep
}

// beginFlush builds the persistence queue: restore items first, then
// backfills, then everything drained from the checkpoint managers, in
// state-sorted vbucket order. The combined list is reordered by the store
// and consecutive same-key duplicates collapse to the last.
func (f *Flusher) beginFlush() {
	var all []*model.QueuedItem
	for _, vb := range f.ep.vbMap.Snapshot() {
		if f.ep.vbMap.IsBucketDeletion(vb.ID) {
			continue
		}
		all = append(all, f.ep.restore.drain(vb.ID)...)
		all = append(all, vb.DrainBackfill()...)
		all = append(all, vb.Checkpoint.GetAllItemsForPersistence()...)
	}
	if len(all) == 0 {
		return
	}

	f.ep.store.OptimizeWrites(all)

	deduped := all[:0]
	for _, qi := range all {
		n := len(deduped)
		if n > 0 && deduped[n-1].VBucketID == qi.VBucketID && deduped[n-1].Key == qi.Key {
			deduped[n-1] = qi
			f.metrics.TotalDeduped.Inc()
			f.ep.stats.CurrQueueSize.Add(-1)
			continue
		}
		deduped = append(deduped, qi)
	}
	f.flushQueue = deduped
	f.metrics.QueueDepth.Set(float64(len(f.flushQueue)))
	f.metrics.FlusherBatchSize.Observe(float64(len(f.flushQueue)))
}

// flushSome writes up to max_txn_size items inside one transaction and
// returns the next sleep: zero while work remains, otherwise the minimum
// too-young wait.
func (f *Flusher) flushSome() time.Duration {
	if !f.txn.Enter() {
		f.logger.Error("Failed to open store transaction; rejecting batch",
			zap.Int("items", len(f.flushQueue)))
		f.rejectQueue = append(f.rejectQueue, f.flushQueue...)
		f.flushQueue = nil
		return time.Second
	}

	n := f.ep.cfg.Engine.MaxTxnSize
	if n > len(f.flushQueue) {
		n = len(f.flushQueue)
	}

	var minWait time.Duration = -1
	for _, qi := range f.flushQueue[:n] {
		wait, requeued := f.flushOne(qi)
		if requeued && (minWait < 0 || wait < minWait) {
			minWait = wait
		}
	}
	f.flushQueue = f.flushQueue[n:]
	f.txn.Commit()
	f.metrics.QueueDepth.Set(float64(len(f.flushQueue) + len(f.rejectQueue)))

	if len(f.flushQueue) > 0 {
		return 0
	}
	if minWait > 0 {
		return minWait
	}
	return 0
}

// completeFlush folds the reject queue back in for the next round.
func (f *Flusher) completeFlush() {
	if len(f.rejectQueue) == 0 {
		return
	}
	f.flushQueue = append(f.flushQueue, f.rejectQueue...)
	f.rejectQueue = nil
}

// requeue sends an item back through the reject queue.
func (f *Flusher) requeue(qi *model.QueuedItem) {
	f.rejectQueue = append(f.rejectQueue, qi)
}

// flushOne routes a single queued item. Returns a positive wait and true
// when the item was requeued as too young.
func (f *Flusher) flushOne(qi *model.QueuedItem) (time.Duration, bool) {
	switch qi.Op {
	case model.OpFlush:
		f.flushAll()
		f.ep.stats.CurrQueueSize.Add(-1)
		return 0, false
	case model.OpCommit, model.OpEmpty:
		return 0, false
	}

	vb := f.ep.vbMap.Get(qi.VBucketID)
	if vb == nil || f.ep.vbMap.IsBucketDeletion(qi.VBucketID) {
		f.ep.stats.CurrQueueSize.Add(-1)
		return 0, false
	}

	if f.ep.vbMap.IsHighPrioritySnapshotScheduled() {
		// Let the state snapshot race ahead of data writes.
		f.requeue(qi)
		return 0, true
	}

	now := f.clk.Now()
	var (
		action   flushAction
		item     *model.Item
		casAt    uint64
		rowID    = qi.RowID
		waitLeft time.Duration
	)
	vb.HT.WithLock(qi.Key, func(sv *hashtable.StoredValue) {
		action, item, casAt, rowID, waitLeft = f.decide(qi, sv, now)
	})

	switch action {
	case flushSkip:
		f.ep.stats.CurrQueueSize.Add(-1)
		return 0, false
	case flushRequeue:
		f.metrics.FlushTooYoung.Inc()
		f.requeue(qi)
		return waitLeft, true
	case flushSet:
		item.VBucketID = qi.VBucketID
		f.ep.store.Set(item, func(res kvstore.SetResult) {
			f.onSetComplete(vb, qi, casAt, res)
		})
		f.txn.AddUncommittedItem(qi)
		f.ep.stats.CurrQueueSize.Add(-1)
		return 0, false
	case flushDelete:
		it := model.NewItem(qi.VBucketID, qi.Key, nil, 0, 0)
		f.ep.store.Del(it, rowID, func(rv int) {
			f.onDelComplete(vb, qi, rv)
		})
		f.ep.stats.CurrQueueSize.Add(-1)
		return 0, false
	}
	return 0, false
}

type flushAction int

const (
	flushSkip flushAction = iota
	flushSet
	flushDelete
	flushRequeue
)

// decide inspects the stored value under its shard lock and picks the
// store operation. It mutates bookkeeping flags (pending-id, expired
// cleanup) but never drops the payload.
func (f *Flusher) decide(qi *model.QueuedItem, sv *hashtable.StoredValue, now time.Time) (flushAction, *model.Item, uint64, int64, time.Duration) {
	if qi.Op == model.OpDel {
		rowID := qi.RowID
		if sv != nil && sv.RowID >= 0 {
			rowID = sv.RowID
		}
		if rowID < 0 && sv == nil {
			// Never persisted and already gone from memory.
			return flushSkip, nil, 0, 0, 0
		}
		return flushDelete, nil, 0, rowID, 0
	}

	// Set path.
	if sv == nil || !sv.IsDirty() || sv.IsDeleted() {
		return flushSkip, nil, 0, 0, 0
	}

	if sv.IsExpired(now.Add(f.ep.cfg.Engine.ExpiryWindow)) {
		// Dirty but already past its TTL: persist the death, not the
		// value.
		f.metrics.FlushExpired.Inc()
		rowID := sv.RowID
		sv.RowID = -1
		sv.MarkClean()
		if rowID < 0 {
			return flushSkip, nil, 0, 0, 0
		}
		return flushDelete, nil, 0, rowID, 0
	}

	minAge := f.ep.cfg.Engine.MinDataAge
	if minAge > 0 {
		dataAge := sv.DataAge(now)
		queueAge := now.Sub(qi.QueuedTime)
		if dataAge < minAge {
			if queueAge >= f.ep.cfg.Engine.QueueAgeCap {
				f.metrics.FlushTooOld.Inc()
			} else {
				return flushRequeue, nil, 0, 0, minAge - dataAge
			}
		}
	}

	if sv.RowID < 0 {
		sv.SetPendingID(true)
	}
	item := sv.ToItem(qi.VBucketID)
	return flushSet, item, sv.Cas, sv.RowID, 0
}

// flushAll resets the underlying store and clears every hash table.
func (f *Flusher) flushAll() {
	f.logger.Warn("Flush-all: resetting store and clearing memory")
	f.ep.store.Reset()
	for _, vb := range f.ep.vbMap.Snapshot() {
		released := vb.HT.Clear()
		startID := uint64(0)
		if vb.GetState() == model.VBActive {
			startID = 2
		}
		vb.Checkpoint.Reset(startID)
		f.logger.Info("Cleared vbucket",
			zap.Uint16("vbucket", vb.ID),
			zap.Int64("bytes_released", released))
	}
	f.ep.stats.FlushAllCount.Add(1)
}

// QueueDepth is the flusher's current backlog, used to gate the log
// compactor.
func (f *Flusher) QueueDepth() int64 {
	return f.ep.stats.CurrQueueSize.Load()
}
