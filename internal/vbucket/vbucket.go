package vbucket

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/emberkv/ember/internal/model"
	"github.com/emberkv/ember/internal/storage/hashtable"
)

// Cookie is the opaque per-request handle operations park on a vbucket
// while the engine completes them out of line. Notify is called exactly
// once with the operation's final status.
type Cookie interface {
	Notify(err error)
}

// BGFetchItem is one queued background fetch for the multi-fetch path.
type BGFetchItem struct {
	Key      string
	RowID    int64
	Cookie   Cookie
	MetaOnly bool
	InitTime time.Time
}

// VBucket is one partition of the key space: a hash table, a checkpoint
// manager, a state controlling admission, and queues of work parked
// against it.
type VBucket struct {
	ID uint16

	HT         *hashtable.HashTable
	Checkpoint *CheckpointManager

	stateMu sync.RWMutex
	state   model.VBucketState

	opsMu      sync.Mutex
	pendingOps []Cookie
	// pendingOpsStart is when the oldest queued cookie arrived.
	pendingOpsStart time.Time

	backfillMu sync.Mutex
	backfill   []*model.QueuedItem

	fetchMu          sync.Mutex
	pendingBGFetches map[string][]*BGFetchItem

	clk clock.Clock
}

// New creates a vbucket in the given state. Active vbuckets open their
// first checkpoint at id 2 so warmup can distinguish a fresh vbucket from
// one that persisted checkpoint 1.
func New(id uint16, state model.VBucketState, ckptCfg CheckpointConfig, clk clock.Clock) *VBucket {
	startID := uint64(0)
	if state == model.VBActive {
		startID = 2
	}
	return &VBucket{
		ID:               id,
		HT:               hashtable.New(clk),
		Checkpoint:       NewCheckpointManager(ckptCfg, startID),
		state:            state,
		pendingBGFetches: make(map[string][]*BGFetchItem),
		clk:              clk,
	}
}

// GetState returns the current admission state.
func (vb *VBucket) GetState() model.VBucketState {
	vb.stateMu.RLock()
	defer vb.stateMu.RUnlock()
	return vb.state
}

// SetState transitions the vbucket and returns the previous state.
func (vb *VBucket) SetState(to model.VBucketState) model.VBucketState {
	vb.stateMu.Lock()
	from := vb.state
	vb.state = to
	vb.stateMu.Unlock()
	return from
}

// AddPendingOp parks a cookie until the vbucket leaves the pending state.
func (vb *VBucket) AddPendingOp(c Cookie) {
	vb.opsMu.Lock()
	if len(vb.pendingOps) == 0 {
		vb.pendingOpsStart = vb.clk.Now()
	}
	vb.pendingOps = append(vb.pendingOps, c)
	vb.opsMu.Unlock()
}

// FireAllOps notifies every parked cookie with status and clears the
// list. Called on pending → active and on vbucket teardown.
func (vb *VBucket) FireAllOps(status error) int {
	vb.opsMu.Lock()
	ops := vb.pendingOps
	vb.pendingOps = nil
	vb.pendingOpsStart = time.Time{}
	vb.opsMu.Unlock()

	for _, c := range ops {
		c.Notify(status)
	}
	return len(ops)
}

// PendingOpsCount returns how many cookies are parked.
func (vb *VBucket) PendingOpsCount() int {
	vb.opsMu.Lock()
	defer vb.opsMu.Unlock()
	return len(vb.pendingOps)
}

// QueueBackfillItem adds a TAP backfill mutation for the flusher.
func (vb *VBucket) QueueBackfillItem(qi *model.QueuedItem) {
	vb.backfillMu.Lock()
	vb.backfill = append(vb.backfill, qi)
	vb.backfillMu.Unlock()
}

// DrainBackfill removes and returns all queued backfill items.
func (vb *VBucket) DrainBackfill() []*model.QueuedItem {
	vb.backfillMu.Lock()
	items := vb.backfill
	vb.backfill = nil
	vb.backfillMu.Unlock()
	return items
}

// BackfillSize returns the queued backfill item count.
func (vb *VBucket) BackfillSize() int {
	vb.backfillMu.Lock()
	defer vb.backfillMu.Unlock()
	return len(vb.backfill)
}

// QueueBGFetch parks a fetch for the batched multi-fetch path. Returns
// the total number of pending fetch entries for the vbucket.
func (vb *VBucket) QueueBGFetch(key string, item *BGFetchItem) int {
	vb.fetchMu.Lock()
	defer vb.fetchMu.Unlock()
	vb.pendingBGFetches[key] = append(vb.pendingBGFetches[key], item)
	n := 0
	for _, fetches := range vb.pendingBGFetches {
		n += len(fetches)
	}
	return n
}

// DrainBGFetches removes and returns all parked fetches.
func (vb *VBucket) DrainBGFetches() map[string][]*BGFetchItem {
	vb.fetchMu.Lock()
	fetches := vb.pendingBGFetches
	vb.pendingBGFetches = make(map[string][]*BGFetchItem)
	vb.fetchMu.Unlock()
	return fetches
}

// HasPendingBGFetches reports whether any fetches are parked.
func (vb *VBucket) HasPendingBGFetches() bool {
	vb.fetchMu.Lock()
	defer vb.fetchMu.Unlock()
	return len(vb.pendingBGFetches) > 0
}
