// Package vbucket holds the per-vbucket machinery: the vbucket itself
// with its admission state, the checkpoint manager feeding the flusher,
// and the map owning all vbuckets.
package vbucket

import (
	"sync"

	"github.com/emberkv/ember/internal/model"
)

// PersistenceCursor is the checkpoint cursor the flusher drains.
const PersistenceCursor = "persistence"

// checkpointState tracks whether a checkpoint still accepts items.
type checkpointState int

const (
	checkpointOpen checkpointState = iota
	checkpointClosed
)

// checkpoint is one bounded run of queued items with a monotonic id.
type checkpoint struct {
	id       uint64
	state    checkpointState
	items    []*model.QueuedItem
	keyIndex map[string]int
	numBytes int64
}

func newCheckpoint(id uint64) *checkpoint {
	return &checkpoint{
		id:       id,
		keyIndex: make(map[string]int),
	}
}

// queue adds or replaces the key's entry in the open checkpoint.
// Returns true when the key was not already present.
func (c *checkpoint) queue(qi *model.QueuedItem) bool {
	if idx, ok := c.keyIndex[qi.Key]; ok {
		c.numBytes += qi.Size() - c.items[idx].Size()
		c.items[idx] = qi
		return false
	}
	c.keyIndex[qi.Key] = len(c.items)
	c.items = append(c.items, qi)
	c.numBytes += qi.Size()
	return true
}

// cursor marks a consumer's progress: everything in checkpoints with
// id < ckptID, plus the first offset items of checkpoint ckptID, has been
// consumed.
type cursor struct {
	ckptID uint64
	offset int
}

// CheckpointConfig bounds how large the open checkpoint may grow before
// it is closed.
type CheckpointConfig struct {
	MaxItems int
	MaxBytes int64
}

// CheckpointManager is the per-vbucket ordered sequence of checkpoints
// with named cursors. The flusher owns the persistence cursor; TAP
// streams register their own.
type CheckpointManager struct {
	cfg CheckpointConfig

	mu          sync.Mutex
	checkpoints []*checkpoint
	cursors     map[string]*cursor
}

// NewCheckpointManager creates a manager whose open checkpoint has the
// given starting id. Active vbuckets start at id 2; others at 0.
func NewCheckpointManager(cfg CheckpointConfig, startID uint64) *CheckpointManager {
	m := &CheckpointManager{
		cfg:         cfg,
		checkpoints: []*checkpoint{newCheckpoint(startID)},
		cursors:     make(map[string]*cursor),
	}
	m.cursors[PersistenceCursor] = &cursor{ckptID: startID}
	return m
}

// OpenCheckpointID returns the id of the checkpoint currently accepting
// items.
func (m *CheckpointManager) OpenCheckpointID() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.openLocked().id
}

func (m *CheckpointManager) openLocked() *checkpoint {
	return m.checkpoints[len(m.checkpoints)-1]
}

// QueueDirty appends the mutation to the open checkpoint, closing it and
// opening a successor when it hits a cap. Returns true when the key was
// new to the open checkpoint.
func (m *CheckpointManager) QueueDirty(qi *model.QueuedItem) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	open := m.openLocked()
	if len(open.items) >= m.cfg.MaxItems || open.numBytes >= m.cfg.MaxBytes {
		open.state = checkpointClosed
		next := newCheckpoint(open.id + 1)
		m.checkpoints = append(m.checkpoints, next)
		open = next
	}
	return open.queue(qi)
}

// GetAllItemsForPersistence drains every item in closed checkpoints past
// the persistence cursor, advancing it. Items in the open checkpoint are
// never drained.
func (m *CheckpointManager) GetAllItemsForPersistence() []*model.QueuedItem {
	return m.drainCursor(PersistenceCursor)
}

func (m *CheckpointManager) drainCursor(name string) []*model.QueuedItem {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.cursors[name]
	if !ok {
		return nil
	}
	var out []*model.QueuedItem
	for _, ckpt := range m.checkpoints {
		if ckpt.id < cur.ckptID || ckpt.state != checkpointClosed {
			continue
		}
		start := 0
		if ckpt.id == cur.ckptID {
			start = cur.offset
		}
		out = append(out, ckpt.items[start:]...)
		cur.ckptID = ckpt.id + 1
		cur.offset = 0
	}
	// The cursor never runs ahead of the open checkpoint.
	if open := m.openLocked(); cur.ckptID > open.id {
		cur.ckptID = open.id
	}
	return out
}

// PersistenceCursorPreChkID returns the highest checkpoint id fully
// consumed by the persistence cursor.
func (m *CheckpointManager) PersistenceCursorPreChkID() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.cursors[PersistenceCursor]
	if cur.ckptID == 0 {
		return 0
	}
	return cur.ckptID - 1
}

// NumItemsForPersistence counts items in closed checkpoints the
// persistence cursor has not consumed.
func (m *CheckpointManager) NumItemsForPersistence() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.cursors[PersistenceCursor]
	n := 0
	for _, ckpt := range m.checkpoints {
		if ckpt.id < cur.ckptID || ckpt.state != checkpointClosed {
			continue
		}
		start := 0
		if ckpt.id == cur.ckptID {
			start = cur.offset
		}
		n += len(ckpt.items) - start
	}
	return n
}

// RegisterCursor adds a named TAP cursor at the oldest retained
// checkpoint.
func (m *CheckpointManager) RegisterCursor(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cursors[name]; ok {
		return
	}
	m.cursors[name] = &cursor{ckptID: m.checkpoints[0].id}
}

// RemoveCursor drops a named cursor. The persistence cursor cannot be
// removed.
func (m *CheckpointManager) RemoveCursor(name string) {
	if name == PersistenceCursor {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cursors, name)
}

// CursorNames returns the registered cursor names.
func (m *CheckpointManager) CursorNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.cursors))
	for name := range m.cursors {
		names = append(names, name)
	}
	return names
}

// RemoveClosedUnreferenced drops closed checkpoints every cursor has
// fully passed. Returns how many items were released.
func (m *CheckpointManager) RemoveClosedUnreferenced() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	minCkpt := m.openLocked().id
	for _, cur := range m.cursors {
		if cur.ckptID < minCkpt {
			minCkpt = cur.ckptID
		}
	}
	released := 0
	keep := m.checkpoints[:0]
	for _, ckpt := range m.checkpoints {
		if ckpt.state == checkpointClosed && ckpt.id < minCkpt {
			released += len(ckpt.items)
			continue
		}
		keep = append(keep, ckpt)
	}
	m.checkpoints = keep
	return released
}

// Reset discards all checkpoints and starts fresh at startID, keeping
// every registered cursor name.
func (m *CheckpointManager) Reset(startID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.checkpoints = []*checkpoint{newCheckpoint(startID)}
	for _, cur := range m.cursors {
		cur.ckptID = startID
		cur.offset = 0
	}
}
