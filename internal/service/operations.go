package service

import (
	"time"

	"github.com/emberkv/ember/internal/errors"
	"github.com/emberkv/ember/internal/model"
	"github.com/emberkv/ember/internal/storage/hashtable"
	"github.com/emberkv/ember/internal/vbucket"
)

// defaultLockTimeout holds a locked-get when the caller passes none.
const defaultLockTimeout = 15 * time.Second

func (ep *EPStore) observe(op string, start time.Time, err error) {
	ep.metrics.OpsTotal.WithLabelValues(op, errors.GetCode(err).String()).Inc()
	ep.metrics.OpsDuration.Observe(ep.clk.Now().Sub(start).Seconds())
}

func (ep *EPStore) ready() error {
	if !ep.warmup.Complete() {
		return errors.Tmpfail("warmup in progress")
	}
	return nil
}

// admit applies the per-state admission rules for data operations.
// Pending vbuckets park the cookie and report would-block; force lets
// replication traffic through replica and pending states.
func (ep *EPStore) admit(vb *vbucket.VBucket, cookie vbucket.Cookie, force bool) error {
	switch vb.GetState() {
	case model.VBActive:
		return nil
	case model.VBReplica:
		if force {
			return nil
		}
		return errors.NotMyVBucket(vb.ID)
	case model.VBPending:
		if force {
			return nil
		}
		if cookie != nil {
			vb.AddPendingOp(cookie)
			n := ep.pendingOps.Add(1)
			ep.metrics.PendingOps.Inc()
			for {
				max := ep.pendingOpsMax.Load()
				if n <= max {
					break
				}
				if ep.pendingOpsMax.CompareAndSwap(max, n) {
					ep.metrics.PendingOpsMax.Set(float64(n))
					break
				}
			}
		}
		return errors.WouldBlock("vbucket pending")
	default:
		return errors.NotMyVBucket(vb.ID)
	}
}

func (ep *EPStore) mutationError(mt hashtable.MutationType, vbID uint16, key string) error {
	switch mt {
	case hashtable.MutationWasClean, hashtable.MutationWasDirty:
		return nil
	case hashtable.MutationNotFound:
		return errors.KeyEnoent(vbID, key)
	case hashtable.MutationInvalidCas, hashtable.MutationIsLocked:
		return errors.KeyEexists(vbID, key)
	case hashtable.MutationInvalidVBucket:
		return errors.NotMyVBucket(vbID)
	default:
		return errors.Enomem("hash table rejected the mutation")
	}
}

func (ep *EPStore) hasMemoryFor(size int64) bool {
	return ep.memUsed()+size <= ep.cfg.Engine.MaxSize
}

// Set stores value under key. A non-zero cas makes the write conditional
// on the current entry. Returns the new cas.
func (ep *EPStore) Set(vbID uint16, key string, value []byte, flags, expiry uint32, cas uint64, cookie vbucket.Cookie) (newCas uint64, err error) {
	start := ep.clk.Now()
	defer func() { ep.observe("set", start, err) }()

	if err = ep.ready(); err != nil {
		return 0, err
	}
	if err = ep.validator.ValidateMutation(key, value); err != nil {
		return 0, err
	}
	vb := ep.vbMap.Get(vbID)
	if vb == nil {
		return 0, errors.NotMyVBucket(vbID)
	}
	if err = ep.admit(vb, cookie, false); err != nil {
		return 0, err
	}

	it := model.NewItem(vbID, key, value, flags, expiry)
	if !ep.hasMemoryFor(it.Size()) {
		return 0, errors.Enomem("set would exceed max_size")
	}

	var mt hashtable.MutationType
	rowID := int64(-1)
	vb.HT.WithLock(key, func(sv *hashtable.StoredValue) {
		mt = vb.HT.SetLocked(it, cas, sv)
		if sv != nil {
			rowID = sv.RowID
		}
	})
	if err = ep.mutationError(mt, vbID, key); err != nil {
		return 0, err
	}
	ep.queueDirty(vb, key, rowID, model.OpSet)
	return it.Cas, nil
}

// Add stores value only if key is absent (or a tombstone). Returns the
// new cas.
func (ep *EPStore) Add(vbID uint16, key string, value []byte, flags, expiry uint32, cookie vbucket.Cookie) (newCas uint64, err error) {
	start := ep.clk.Now()
	defer func() { ep.observe("add", start, err) }()

	if err = ep.ready(); err != nil {
		return 0, err
	}
	if err = ep.validator.ValidateMutation(key, value); err != nil {
		return 0, err
	}
	vb := ep.vbMap.Get(vbID)
	if vb == nil {
		return 0, errors.NotMyVBucket(vbID)
	}
	if err = ep.admit(vb, cookie, false); err != nil {
		return 0, err
	}

	it := model.NewItem(vbID, key, value, flags, expiry)
	if !ep.hasMemoryFor(it.Size()) {
		return 0, errors.Enomem("add would exceed max_size")
	}

	switch vb.HT.Add(it) {
	case hashtable.AddSuccess, hashtable.AddUnDel:
		ep.queueDirty(vb, key, -1, model.OpSet)
		return it.Cas, nil
	case hashtable.AddExists:
		return 0, errors.KeyEexists(vbID, key)
	default:
		return 0, errors.Enomem("add rejected by hash table")
	}
}

// Get returns the value for key. A non-resident entry schedules a
// background fetch and reports would-block; the cookie is notified when
// the value lands.
func (ep *EPStore) Get(vbID uint16, key string, cookie vbucket.Cookie) (it *model.Item, err error) {
	start := ep.clk.Now()
	defer func() { ep.observe("get", start, err) }()

	if err = ep.ready(); err != nil {
		return nil, err
	}
	vb := ep.vbMap.Get(vbID)
	if vb == nil {
		return nil, errors.NotMyVBucket(vbID)
	}
	if err = ep.admit(vb, cookie, false); err != nil {
		return nil, err
	}

	now := ep.clk.Now()
	var expired bool
	var fetchRowID int64
	fetch := false
	vb.HT.WithLock(key, func(sv *hashtable.StoredValue) {
		switch {
		case sv == nil, sv.IsTemp():
			err = errors.KeyEnoent(vbID, key)
		case sv.IsDeleted():
			err = errors.KeyEnoent(vbID, key)
		case sv.IsExpired(now):
			expired = true
			err = errors.KeyEnoent(vbID, key)
		case !sv.IsResident():
			fetch = true
			fetchRowID = sv.RowID
			err = errors.WouldBlock("value not resident")
		default:
			it = sv.ToItem(vbID)
		}
	})
	if expired {
		ep.deleteExpiredItems(vb, []string{key})
	}
	if fetch {
		ep.bgFetcher.Fetch(vb, key, fetchRowID, cookie, false)
	}
	if err != nil {
		return nil, err
	}
	return it, nil
}

// GetMeta returns an item's metadata without its value. A miss plants a
// temp placeholder and schedules a metadata-only fetch.
func (ep *EPStore) GetMeta(vbID uint16, key string, cookie vbucket.Cookie) (it *model.Item, err error) {
	start := ep.clk.Now()
	defer func() { ep.observe("get_meta", start, err) }()

	if err = ep.ready(); err != nil {
		return nil, err
	}
	vb := ep.vbMap.Get(vbID)
	if vb == nil {
		return nil, errors.NotMyVBucket(vbID)
	}
	if err = ep.admit(vb, cookie, false); err != nil {
		return nil, err
	}

	fetch := false
	vb.HT.WithLock(key, func(sv *hashtable.StoredValue) {
		if sv == nil {
			fetch = true
			err = errors.WouldBlock("metadata not in memory")
			return
		}
		if sv.IsTemp() {
			err = errors.KeyEnoent(vbID, key)
			return
		}
		meta := sv.ToItem(vbID)
		meta.Value = nil
		it = meta
	})
	if fetch {
		if vb.HT.AddTempDeletedItem(key) {
			ep.bgFetcher.Fetch(vb, key, -1, cookie, true)
		}
	}
	if err != nil {
		return nil, err
	}
	return it, nil
}

// SetWithMeta applies a replicated mutation carrying its own cas and
// seqno. force admits it on replica and pending vbuckets.
func (ep *EPStore) SetWithMeta(vbID uint16, it *model.Item, cas uint64, force bool, cookie vbucket.Cookie) (err error) {
	start := ep.clk.Now()
	defer func() { ep.observe("set_with_meta", start, err) }()

	if err = ep.ready(); err != nil {
		return err
	}
	if err = ep.validator.ValidateMutation(it.Key, it.Value); err != nil {
		return err
	}
	vb := ep.vbMap.Get(vbID)
	if vb == nil {
		return errors.NotMyVBucket(vbID)
	}
	if err = ep.admit(vb, cookie, force); err != nil {
		return err
	}
	if !ep.hasMemoryFor(it.Size()) {
		return errors.Enomem("set_with_meta would exceed max_size")
	}

	wantCas := it.Cas
	wantSeqno := it.Seqno
	var mt hashtable.MutationType
	rowID := int64(-1)
	vb.HT.WithLock(it.Key, func(sv *hashtable.StoredValue) {
		mt = vb.HT.SetLocked(it, cas, sv)
		if sv != nil {
			rowID = sv.RowID
		}
	})
	if err = ep.mutationError(mt, vbID, it.Key); err != nil {
		return err
	}
	// The write stamped a local cas; replicated metadata overrides it so
	// both sides of the stream agree.
	vb.HT.WithLock(it.Key, func(sv *hashtable.StoredValue) {
		if sv != nil && !sv.IsDeleted() {
			sv.Cas = wantCas
			sv.Seqno = wantSeqno
		}
	})
	ep.queueDirty(vb, it.Key, rowID, model.OpSet)
	return nil
}

// Delete tombstones key. A non-zero cas makes it conditional.
func (ep *EPStore) Delete(vbID uint16, key string, cas uint64, cookie vbucket.Cookie) (err error) {
	start := ep.clk.Now()
	defer func() { ep.observe("delete", start, err) }()

	if err = ep.ready(); err != nil {
		return err
	}
	if err = ep.validator.ValidateKey(key); err != nil {
		return err
	}
	vb := ep.vbMap.Get(vbID)
	if vb == nil {
		return errors.NotMyVBucket(vbID)
	}
	if err = ep.admit(vb, cookie, false); err != nil {
		return err
	}

	var mt hashtable.MutationType
	rowID := int64(-1)
	vb.HT.WithLock(key, func(sv *hashtable.StoredValue) {
		mt = vb.HT.SoftDeleteLocked(key, cas, sv)
		if sv != nil {
			rowID = sv.RowID
		}
	})
	if err = ep.mutationError(mt, vbID, key); err != nil {
		return err
	}
	ep.queueDirty(vb, key, rowID, model.OpDel)
	return nil
}

// GetAndUpdateTtl returns the value and replaces its expiry. A changed
// expiry re-queues the item; a non-resident value additionally schedules
// a fetch so the new expiry reaches disk with the payload.
func (ep *EPStore) GetAndUpdateTtl(vbID uint16, key string, expiry uint32, cookie vbucket.Cookie) (it *model.Item, err error) {
	start := ep.clk.Now()
	defer func() { ep.observe("get_and_touch", start, err) }()

	if err = ep.ready(); err != nil {
		return nil, err
	}
	vb := ep.vbMap.Get(vbID)
	if vb == nil {
		return nil, errors.NotMyVBucket(vbID)
	}
	if err = ep.admit(vb, cookie, false); err != nil {
		return nil, err
	}

	now := ep.clk.Now()
	changed := false
	fetch := false
	var fetchRowID int64
	vb.HT.WithLock(key, func(sv *hashtable.StoredValue) {
		switch {
		case sv == nil, sv.IsTemp(), sv.IsDeleted():
			err = errors.KeyEnoent(vbID, key)
			return
		case sv.IsExpired(now):
			err = errors.KeyEnoent(vbID, key)
			return
		}
		if sv.Expiry != expiry {
			sv.Expiry = expiry
			sv.MarkDirty(now)
			changed = true
		}
		if !sv.IsResident() {
			fetch = true
			fetchRowID = sv.RowID
			err = errors.WouldBlock("value not resident")
			return
		}
		it = sv.ToItem(vbID)
	})
	if changed {
		ep.queueDirty(vb, key, -1, model.OpSet)
	}
	if fetch {
		ep.bgFetcher.Fetch(vb, key, fetchRowID, cookie, false)
	}
	if err != nil {
		return nil, err
	}
	return it, nil
}

// GetLocked returns the value and holds a write lock on it until the
// timeout passes or UnlockKey is called with the returned cas.
func (ep *EPStore) GetLocked(vbID uint16, key string, timeout time.Duration, cookie vbucket.Cookie) (it *model.Item, err error) {
	start := ep.clk.Now()
	defer func() { ep.observe("get_locked", start, err) }()

	if err = ep.ready(); err != nil {
		return nil, err
	}
	vb := ep.vbMap.Get(vbID)
	if vb == nil {
		return nil, errors.NotMyVBucket(vbID)
	}
	if err = ep.admit(vb, cookie, false); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = defaultLockTimeout
	}

	now := ep.clk.Now()
	fetch := false
	var fetchRowID int64
	vb.HT.WithLock(key, func(sv *hashtable.StoredValue) {
		switch {
		case sv == nil, sv.IsTemp(), sv.IsDeleted(), sv.IsExpired(now):
			err = errors.KeyEnoent(vbID, key)
			return
		case sv.IsLocked(now):
			err = errors.Tmpfail("key is locked")
			return
		case !sv.IsResident():
			fetch = true
			fetchRowID = sv.RowID
			err = errors.WouldBlock("value not resident")
			return
		}
		sv.Lock(now.Add(timeout))
		sv.Cas = vb.HT.NextCas()
		it = sv.ToItem(vbID)
	})
	if fetch {
		ep.bgFetcher.Fetch(vb, key, fetchRowID, cookie, false)
	}
	if err != nil {
		return nil, err
	}
	return it, nil
}

// UnlockKey releases a held lock; cas must match the one GetLocked
// returned.
func (ep *EPStore) UnlockKey(vbID uint16, key string, cas uint64) (err error) {
	start := ep.clk.Now()
	defer func() { ep.observe("unlock", start, err) }()

	if err = ep.ready(); err != nil {
		return err
	}
	vb := ep.vbMap.Get(vbID)
	if vb == nil {
		return errors.NotMyVBucket(vbID)
	}
	if err = ep.admit(vb, nil, false); err != nil {
		return err
	}

	now := ep.clk.Now()
	vb.HT.WithLock(key, func(sv *hashtable.StoredValue) {
		switch {
		case sv == nil, sv.IsTemp(), sv.IsDeleted():
			err = errors.KeyEnoent(vbID, key)
		case !sv.IsLocked(now):
			err = errors.Tmpfail("key is not locked")
		case sv.Cas != cas:
			err = errors.Tmpfail("cas mismatch on unlock")
		default:
			sv.Unlock()
		}
	})
	return err
}

// AddTAPBackfillItem accepts a backfill mutation from a TAP stream.
// Backfills are admitted on replica and pending vbuckets.
func (ep *EPStore) AddTAPBackfillItem(vbID uint16, it *model.Item) (err error) {
	start := ep.clk.Now()
	defer func() { ep.observe("tap_backfill", start, err) }()

	if err = ep.validator.ValidateMutation(it.Key, it.Value); err != nil {
		return err
	}
	vb := ep.vbMap.Get(vbID)
	if vb == nil {
		return errors.NotMyVBucket(vbID)
	}
	switch vb.GetState() {
	case model.VBDead:
		return errors.NotMyVBucket(vbID)
	case model.VBActive:
		// An active vbucket is authoritative; backfill may only
		// overwrite it when the operator opted in.
		if !ep.cfg.Engine.InconsistentSlaveOk {
			return errors.NotMyVBucket(vbID)
		}
	}
	if !ep.hasMemoryFor(it.Size()) {
		return errors.Enomem("backfill would exceed max_size")
	}

	var mt hashtable.MutationType
	vb.HT.WithLock(it.Key, func(sv *hashtable.StoredValue) {
		mt = vb.HT.SetLocked(it, 0, sv)
	})
	if err = ep.mutationError(mt, vbID, it.Key); err != nil {
		return err
	}
	vb.QueueBackfillItem(model.NewQueuedItem(vbID, it.Key, model.OpSet, -1, it.Seqno, ep.clk.Now()))
	ep.stats.CurrQueueSize.Add(1)
	ep.flusher.Wake()
	return nil
}

// GetVBucketState reports the state for vbID.
func (ep *EPStore) GetVBucketState(vbID uint16) (model.VBucketState, error) {
	vb := ep.vbMap.Get(vbID)
	if vb == nil {
		return model.VBDead, errors.NotMyVBucket(vbID)
	}
	return vb.GetState(), nil
}
