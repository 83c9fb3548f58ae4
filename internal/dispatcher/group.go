package dispatcher

import (
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Group bundles the engine's four dispatchers: rw carries writes, the
// compactor and vbucket-state snapshots; ro carries bg fetches; tap
// carries backfills; non-io carries the pagers and other memory-only
// work.
type Group struct {
	RW    *Dispatcher
	RO    *Dispatcher
	Tap   *Dispatcher
	NonIO *Dispatcher
}

// NewGroup starts the dispatchers. When the underlying store reports
// concurrency of at most one, ro and tap alias rw so the store never sees
// parallel access.
func NewGroup(storeConcurrency int, clk clock.Clock, logger *zap.Logger) *Group {
	g := &Group{
		RW:    New("rw", clk, logger),
		NonIO: New("non-io", clk, logger),
	}
	if storeConcurrency > 1 {
		g.RO = New("ro", clk, logger)
		g.Tap = New("tap", clk, logger)
	} else {
		g.RO = g.RW
		g.Tap = g.RW
	}
	return g
}

// Stop halts every dispatcher, tolerating the aliased case.
func (g *Group) Stop(timeout time.Duration) {
	seen := map[*Dispatcher]bool{}
	for _, d := range []*Dispatcher{g.RW, g.RO, g.Tap, g.NonIO} {
		if d == nil || seen[d] {
			continue
		}
		seen[d] = true
		d.Stop(timeout)
	}
}
