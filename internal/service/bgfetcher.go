package service

import (
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/emberkv/ember/internal/dispatcher"
	"github.com/emberkv/ember/internal/errors"
	"github.com/emberkv/ember/internal/metrics"
	"github.com/emberkv/ember/internal/model"
	"github.com/emberkv/ember/internal/storage/hashtable"
	"github.com/emberkv/ember/internal/storage/kvstore"
	"github.com/emberkv/ember/internal/vbucket"
)

// multiFetchPollInterval is the batched fetcher's idle poll cadence.
const multiFetchPollInterval = 100 * time.Millisecond

// BGFetcher restores non-resident values from the underlying store on the
// ro dispatcher. Single-fetch mode schedules one callback per read;
// multi-fetch mode drains a vbucket's pending-fetch map in one batch per
// run. The mode follows the store's reader capability.
type BGFetcher struct {
	ep      *EPStore
	logger  *zap.Logger
	metrics *metrics.Metrics
	clk     clock.Clock

	multiMode bool
	task      *dispatcher.Task
}

func newBGFetcher(ep *EPStore) *BGFetcher {
	return &BGFetcher{
		ep:        ep,
		logger:    ep.logger,
		metrics:   ep.metrics,
		clk:       ep.clk,
		multiMode: ep.store.Properties().MaxReaders > 1,
	}
}

// Start schedules the batched fetcher when in multi mode. Single mode
// needs no standing task.
func (b *BGFetcher) Start(d *dispatcher.Dispatcher) {
	if !b.multiMode {
		return
	}
	b.task = d.Schedule(dispatcher.CallbackFunc{
		Desc: "bg fetcher",
		Fn: func(d *dispatcher.Dispatcher, t *dispatcher.Task) bool {
			b.runBatch()
			t.Snooze(d, multiFetchPollInterval)
			return true
		},
	}, dispatcher.PriorityDefault, multiFetchPollInterval)
}

// Stop cancels the standing task.
func (b *BGFetcher) Stop() {
	if b.task != nil {
		b.ep.dispatchers.RO.Cancel(b.task)
	}
}

// Fetch queues one background fetch for the key. metaOnly requests a
// metadata-only restore into the temp placeholder.
func (b *BGFetcher) Fetch(vb *vbucket.VBucket, key string, rowID int64, cookie vbucket.Cookie, metaOnly bool) {
	b.metrics.BgFetchesTotal.Inc()
	if metaOnly {
		b.metrics.BgFetchedMeta.Inc()
	}
	init := b.clk.Now()

	if b.multiMode && !metaOnly {
		vb.QueueBGFetch(key, &vbucket.BGFetchItem{
			Key:      key,
			RowID:    rowID,
			Cookie:   cookie,
			InitTime: init,
		})
		b.ep.dispatchers.RO.Wake(b.task)
		return
	}

	// Metadata fetches never coalesce with value fetches.
	b.ep.dispatchers.RO.Schedule(dispatcher.CallbackFunc{
		Desc: "bg fetch " + key,
		Fn: func(d *dispatcher.Dispatcher, t *dispatcher.Task) bool {
			b.fetchOne(vb, &vbucket.BGFetchItem{
				Key:      key,
				RowID:    rowID,
				Cookie:   cookie,
				MetaOnly: metaOnly,
				InitTime: init,
			})
			return false
		},
	}, dispatcher.PriorityDefault, b.ep.cfg.Engine.BgFetchDelay)
}

// runBatch picks one vbucket with pending fetches and services all of
// them in one pass.
func (b *BGFetcher) runBatch() {
	for _, vb := range b.ep.vbMap.Snapshot() {
		if !vb.HasPendingBGFetches() {
			continue
		}
		fetches := vb.DrainBGFetches()
		n := 0
		for _, items := range fetches {
			for _, item := range items {
				b.fetchOne(vb, item)
				n++
			}
		}
		b.logger.Debug("Serviced batched fetches",
			zap.Uint16("vbucket", vb.ID),
			zap.Int("fetches", n))
		return
	}
}

// fetchOne issues the store read and completes it against the hash table.
func (b *BGFetcher) fetchOne(vb *vbucket.VBucket, item *vbucket.BGFetchItem) {
	start := b.clk.Now()
	b.ep.store.Get(item.Key, item.RowID, vb.ID, func(gv kvstore.GetValue) {
		b.complete(vb, item, gv, start)
	})
}

// complete applies a fetched row under the shard lock and notifies the
// cookie. If the in-memory expiry diverged from the fetched row while the
// fetch was in flight, a fresh set is queued so the new expiry reaches
// disk.
func (b *BGFetcher) complete(vb *vbucket.VBucket, item *vbucket.BGFetchItem, gv kvstore.GetValue, start time.Time) {
	stop := b.clk.Now()
	status := gv.Err

	requeueSet := false
	var restoreMeta *model.Item
	vb.HT.WithLock(item.Key, func(sv *hashtable.StoredValue) {
		switch {
		case sv == nil:
			// Hard-removed while the fetch was in flight.
			status = errors.KeyEnoent(vb.ID, item.Key)
		case item.MetaOnly:
			if gv.Err == nil && sv.IsTemp() {
				meta := *gv.Item
				meta.Value = nil
				restoreMeta = &meta
			}
		case gv.Err == nil && !sv.IsResident():
			vb.HT.RestoreValueLocked(sv, gv.Item.Value)
			if sv.Expiry != gv.Item.Expiry {
				requeueSet = true
			}
		}
	})
	if restoreMeta != nil {
		// RestoreItem replaces the temp placeholder under its own lock
		// acquisition.
		vb.HT.RestoreItem(restoreMeta, model.OpSet)
	}
	if requeueSet {
		b.ep.queueDirty(vb, item.Key, -1, model.OpSet)
	}

	if item.Cookie != nil {
		item.Cookie.Notify(status)
	}

	// Clocks that went backward make the sample meaningless.
	if wait := start.Sub(item.InitTime); wait >= 0 {
		b.metrics.BgWaitSeconds.Observe(wait.Seconds())
	}
	if load := stop.Sub(start); load >= 0 {
		b.metrics.BgLoadSeconds.Observe(load.Seconds())
	}
}
