package service

import (
	"sync"

	"github.com/emberkv/ember/internal/model"
)

// restoreContext holds items handed to the engine by an external restore
// stream. The flusher splices them ahead of checkpoint items; the deleted
// set records keys a restore explicitly invalidated so late-arriving
// copies are not resurrected.
type restoreContext struct {
	mu      sync.Mutex
	items   map[uint16][]*model.QueuedItem
	deleted map[uint16]map[string]struct{}
}

func newRestoreContext() *restoreContext {
	return &restoreContext{
		items:   make(map[uint16][]*model.QueuedItem),
		deleted: make(map[uint16]map[string]struct{}),
	}
}

func (r *restoreContext) add(qi *model.QueuedItem) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if keys, ok := r.deleted[qi.VBucketID]; ok {
		if _, dead := keys[qi.Key]; dead {
			return
		}
	}
	r.items[qi.VBucketID] = append(r.items[qi.VBucketID], qi)
}

func (r *restoreContext) markDeleted(vbID uint16, key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := r.deleted[vbID]
	if keys == nil {
		keys = make(map[string]struct{})
		r.deleted[vbID] = keys
	}
	keys[key] = struct{}{}
}

func (r *restoreContext) drain(vbID uint16) []*model.QueuedItem {
	r.mu.Lock()
	defer r.mu.Unlock()
	items := r.items[vbID]
	if len(items) == 0 {
		return nil
	}
	delete(r.items, vbID)
	return items
}

func (r *restoreContext) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, items := range r.items {
		n += len(items)
	}
	return n
}
