package service

import (
	"go.uber.org/zap"

	"github.com/emberkv/ember/internal/model"
	"github.com/emberkv/ember/internal/storage/hashtable"
	"github.com/emberkv/ember/internal/storage/kvstore"
	"github.com/emberkv/ember/internal/vbucket"
)

// onSetComplete finishes one row upsert. It re-finds the stored value by
// key under the shard lock; pointers never cross the store boundary. The
// value goes clean only if its cas is unchanged since the write was
// issued, so a concurrent mutation keeps its dirty bit.
func (f *Flusher) onSetComplete(vb *vbucket.VBucket, qi *model.QueuedItem, casAtWrite uint64, res kvstore.SetResult) {
	if !res.Committed {
		f.metrics.FlushRequeued.Inc()
		f.logger.Error("Store set failed; requeueing",
			zap.Uint16("vbucket", qi.VBucketID),
			zap.String("key", qi.Key))
		f.ep.stats.CurrQueueSize.Add(1)
		f.requeue(qi)
		return
	}

	f.ep.stats.TotalPersisted.Add(1)

	wantEject := false
	vb.HT.WithLock(qi.Key, func(sv *hashtable.StoredValue) {
		if sv == nil || sv.IsDeleted() {
			return
		}
		sv.RowID = res.RowID
		sv.SetPendingID(false)
		if sv.Cas != casAtWrite {
			// A concurrent write won; leave it dirty for the next batch.
			return
		}
		sv.MarkClean()
		state := vb.GetState()
		if (state == model.VBReplica || state == model.VBPending) &&
			f.ep.memUsed() > f.ep.cfg.Engine.MemLowWat &&
			!sv.IsReferenced() {
			wantEject = true
		}
	})
	if wantEject {
		if released := vb.HT.EjectValue(qi.Key); released > 0 {
			f.metrics.NumValueEjects.Inc()
		}
	}

	if f.ep.mlog != nil {
		if err := f.ep.mlog.NewItem(qi.VBucketID, qi.Key, res.RowID); err != nil {
			f.logger.Error("Mutation log append failed; disabling log", zap.Error(err))
			f.ep.mlog.Disable()
		}
	}
}

// onDelComplete finishes one row delete. Non-negative results count as
// success; the tombstone is hard-removed only if it is still a tombstone
// when the callback gets the lock back.
func (f *Flusher) onDelComplete(vb *vbucket.VBucket, qi *model.QueuedItem, rv int) {
	if rv < 0 {
		f.metrics.FlushRequeued.Inc()
		f.logger.Error("Store delete failed; requeueing",
			zap.Uint16("vbucket", qi.VBucketID),
			zap.String("key", qi.Key))
		f.ep.stats.CurrQueueSize.Add(1)
		f.requeue(qi)
		return
	}

	f.ep.stats.TotalPersisted.Add(1)

	if f.ep.mlog != nil {
		if err := f.ep.mlog.DelItem(qi.VBucketID, qi.Key); err != nil {
			f.logger.Error("Mutation log append failed; disabling log", zap.Error(err))
			f.ep.mlog.Disable()
		}
	}

	vb.HT.WithLock(qi.Key, func(sv *hashtable.StoredValue) {
		if sv != nil && sv.IsDeleted() {
			vb.HT.DelLocked(sv)
		}
	})
}
