package service

import (
	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/emberkv/ember/internal/dispatcher"
	"github.com/emberkv/ember/internal/metrics"
	"github.com/emberkv/ember/internal/storage/hashtable"
)

// htLoadFactor is the entries-per-shard threshold past which the resizer
// doubles the shard count.
const htLoadFactor = 1024

// ItemPager ejects clean value payloads when memory use crosses the high
// watermark, stopping once use drops back below the low watermark. The
// first pass over a shard only clears reference bits, so recently read
// values survive one extra sweep.
type ItemPager struct {
	ep      *EPStore
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func newItemPager(ep *EPStore) *ItemPager {
	return &ItemPager{ep: ep, logger: ep.logger, metrics: ep.metrics}
}

// Start schedules the pager on the non-io dispatcher.
func (p *ItemPager) Start(d *dispatcher.Dispatcher) {
	sleep := p.ep.cfg.Pagers.ItemPagerSleep
	d.Schedule(dispatcher.CallbackFunc{
		Desc: "item pager",
		Fn: func(d *dispatcher.Dispatcher, t *dispatcher.Task) bool {
			p.run()
			t.Snooze(d, sleep)
			return true
		},
	}, dispatcher.PriorityDefault, sleep)
}

func (p *ItemPager) run() {
	used := p.ep.memUsed()
	high := p.ep.cfg.Engine.MemHighWat
	low := p.ep.cfg.Engine.MemLowWat
	if used <= high {
		return
	}
	p.metrics.PagerRuns.Inc()
	p.logger.Info("Item pager running",
		zap.Int64("mem_used", used),
		zap.Int64("mem_high_wat", high),
		zap.Int64("mem_low_wat", low))

	var ejected int64
	for _, vb := range p.ep.vbMap.Snapshot() {
		if p.ep.memUsed() <= low {
			break
		}
		var candidates []string
		vb.HT.Visit(hashtable.VisitorFunc(func(sv *hashtable.StoredValue) {
			if !sv.Ejectable() {
				return
			}
			// A set reference bit buys the value one sweep of grace.
			if sv.ClearReference() {
				return
			}
			candidates = append(candidates, sv.Key)
		}))
		for _, key := range candidates {
			if p.ep.memUsed() <= low {
				break
			}
			if vb.HT.EjectValue(key) > 0 {
				ejected++
				p.metrics.NumValueEjects.Inc()
			}
		}
	}
	p.logger.Info("Item pager finished",
		zap.Int64("ejected", ejected),
		zap.Int64("mem_used", p.ep.memUsed()))
}

// ExpiryPager walks every vbucket collecting keys whose expiry has passed
// and hands them to the engine's expiry path, which soft-deletes and
// enqueues each one. Temp placeholders past their TTL are reaped in the
// same sweep.
type ExpiryPager struct {
	ep      *EPStore
	logger  *zap.Logger
	metrics *metrics.Metrics
	clk     clock.Clock
}

func newExpiryPager(ep *EPStore) *ExpiryPager {
	return &ExpiryPager{ep: ep, logger: ep.logger, metrics: ep.metrics, clk: ep.clk}
}

// Start schedules the pager on the non-io dispatcher.
func (p *ExpiryPager) Start(d *dispatcher.Dispatcher) {
	sleep := p.ep.cfg.Pagers.ExpiryPagerSleep
	d.Schedule(dispatcher.CallbackFunc{
		Desc: "expiry pager",
		Fn: func(d *dispatcher.Dispatcher, t *dispatcher.Task) bool {
			p.run()
			t.Snooze(d, sleep)
			return true
		},
	}, dispatcher.PriorityDefault, sleep)
}

func (p *ExpiryPager) run() {
	now := p.clk.Now()
	for _, vb := range p.ep.vbMap.Snapshot() {
		var expired []string
		var temps []string
		vb.HT.Visit(hashtable.VisitorFunc(func(sv *hashtable.StoredValue) {
			switch {
			case sv.IsTemp():
				if sv.IsExpired(now) {
					temps = append(temps, sv.Key)
				}
			case !sv.IsDeleted() && sv.IsExpired(now):
				expired = append(expired, sv.Key)
			}
		}))
		if len(expired) > 0 {
			p.ep.deleteExpiredItems(vb, expired)
		}
		for _, key := range temps {
			vb.HT.WithLock(key, func(sv *hashtable.StoredValue) {
				if sv != nil && sv.IsTemp() && sv.IsExpired(p.clk.Now()) {
					vb.HT.DelLocked(sv)
				}
			})
		}
		if len(expired) > 0 || len(temps) > 0 {
			p.logger.Debug("Expiry pager swept vbucket",
				zap.Uint16("vbucket", vb.ID),
				zap.Int("expired", len(expired)),
				zap.Int("temp_reaped", len(temps)))
		}
	}
}

// HTResizer grows hash tables whose per-shard load passed the threshold.
type HTResizer struct {
	ep     *EPStore
	logger *zap.Logger
}

func newHTResizer(ep *EPStore) *HTResizer {
	return &HTResizer{ep: ep, logger: ep.logger}
}

// Start schedules the resizer on the non-io dispatcher.
func (r *HTResizer) Start(d *dispatcher.Dispatcher) {
	sleep := r.ep.cfg.Pagers.HTResizerSleep
	d.Schedule(dispatcher.CallbackFunc{
		Desc: "hashtable resizer",
		Fn: func(d *dispatcher.Dispatcher, t *dispatcher.Task) bool {
			r.run()
			t.Snooze(d, sleep)
			return true
		},
	}, dispatcher.PriorityLow, sleep)
}

func (r *HTResizer) run() {
	for _, vb := range r.ep.vbMap.Snapshot() {
		items := vb.HT.NumItems() + vb.HT.NumTempItems()
		shards := vb.HT.NumShards()
		if items/int64(shards) < htLoadFactor {
			continue
		}
		next := shards * 2
		r.logger.Info("Resizing hash table",
			zap.Uint16("vbucket", vb.ID),
			zap.Int("shards", shards),
			zap.Int("next_shards", next),
			zap.Int64("items", items))
		vb.HT.Resize(next)
	}
}

// CheckpointRemover drops closed checkpoints every cursor has moved past.
type CheckpointRemover struct {
	ep      *EPStore
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func newCheckpointRemover(ep *EPStore) *CheckpointRemover {
	return &CheckpointRemover{ep: ep, logger: ep.logger, metrics: ep.metrics}
}

// Start schedules the remover on the non-io dispatcher.
func (r *CheckpointRemover) Start(d *dispatcher.Dispatcher) {
	sleep := r.ep.cfg.Pagers.ChkRemoverSleep
	d.Schedule(dispatcher.CallbackFunc{
		Desc: "checkpoint remover",
		Fn: func(d *dispatcher.Dispatcher, t *dispatcher.Task) bool {
			r.run()
			t.Snooze(d, sleep)
			return true
		},
	}, dispatcher.PriorityLow, sleep)
}

func (r *CheckpointRemover) run() {
	removed := 0
	var open float64
	for _, vb := range r.ep.vbMap.Snapshot() {
		removed += vb.Checkpoint.RemoveClosedUnreferenced()
		open++
	}
	r.metrics.CheckpointsOpen.Set(open)
	if removed > 0 {
		r.logger.Debug("Removed closed checkpoints", zap.Int("removed", removed))
	}
}
