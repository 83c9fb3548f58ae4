package service

import (
	"strconv"
	"sync/atomic"
)

// EngineStats is the process-wide counter block shared by the flusher,
// pagers and warmup. Prometheus carries the externally scraped series;
// these atomics are the ones engine logic branches on and the ones that
// round-trip through the store's persisted-stats table.
type EngineStats struct {
	// CurrQueueSize is the number of items awaiting persistence across
	// all queues.
	CurrQueueSize atomic.Int64
	// TotalPersisted counts items durably written since startup.
	TotalPersisted atomic.Uint64
	// TotalEnqueued counts items ever queued for persistence.
	TotalEnqueued atomic.Uint64

	// WarmedUp counts items loaded during warmup; WarmDups and WarmOOM
	// count duplicate keys and allocation failures seen while loading.
	WarmedUp atomic.Uint64
	WarmDups atomic.Uint64
	WarmOOM  atomic.Uint64

	// FlushAllCount counts completed flush-all sweeps.
	FlushAllCount atomic.Uint64
}

// ToPersistedMap renders the counters saved across restarts.
func (s *EngineStats) ToPersistedMap() map[string]string {
	return map[string]string{
		"total_persisted": strconv.FormatUint(s.TotalPersisted.Load(), 10),
		"total_enqueued":  strconv.FormatUint(s.TotalEnqueued.Load(), 10),
		"warmed_up":       strconv.FormatUint(s.WarmedUp.Load(), 10),
	}
}

// LoadPersistedMap restores counters saved by a previous run. Unknown or
// malformed entries are skipped.
func (s *EngineStats) LoadPersistedMap(m map[string]string) {
	if v, err := strconv.ParseUint(m["total_persisted"], 10, 64); err == nil {
		s.TotalPersisted.Store(v)
	}
	if v, err := strconv.ParseUint(m["total_enqueued"], 10, 64); err == nil {
		s.TotalEnqueued.Store(v)
	}
}
