package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the engine
type Metrics struct {
	// Front-end operation metrics
	OpsTotal       *prometheus.CounterVec
	OpsDuration    prometheus.Histogram
	PendingOps     prometheus.Gauge
	PendingOpsMax  prometheus.Gauge

	// Queue / checkpoint metrics
	QueueDepth      prometheus.Gauge
	TotalEnqueued   prometheus.Counter
	TotalDeduped    prometheus.Counter
	CheckpointsOpen prometheus.Gauge

	// Flusher metrics
	FlusherBatchSize    prometheus.Histogram
	FlusherCommitTotal  prometheus.Counter
	FlusherCommitFailed prometheus.Counter
	FlushExpired        prometheus.Counter
	FlushTooYoung       prometheus.Counter
	FlushTooOld         prometheus.Counter
	FlushRequeued       prometheus.Counter
	TxnTimePerItem      prometheus.Histogram

	// Background fetch metrics
	BgFetchesTotal prometheus.Counter
	BgFetchedMeta  prometheus.Counter
	BgWaitSeconds  prometheus.Histogram
	BgLoadSeconds  prometheus.Histogram

	// Memory / pager metrics
	MemUsedBytes    prometheus.Gauge
	NumValueEjects  prometheus.Counter
	NumExpiredItems prometheus.Counter
	PagerRuns       prometheus.Counter

	// Mutation log metrics
	MutationLogWrites         prometheus.Counter
	MutationLogCommits        prometheus.Counter
	MutationLogCompactorRuns  prometheus.Counter
	MutationLogDroppedRecords prometheus.Counter
	MutationLogDisabled       prometheus.Gauge

	// Warmup metrics
	WarmedUpItems  prometheus.Counter
	WarmupDups     prometheus.Counter
	WarmOOM        prometheus.Counter
	WarmupSeconds  prometheus.Gauge

	// Access scanner metrics
	AccessScannerRuns    prometheus.Counter
	AccessScannerRecords prometheus.Counter
}

// NewMetrics creates and registers all engine metrics on the given registerer.
// Pass prometheus.DefaultRegisterer in production; tests use a private
// registry so parallel tests do not collide.
func NewMetrics(nodeID string, reg prometheus.Registerer) *Metrics {
	labels := prometheus.Labels{"node_id": nodeID}
	factory := promauto.With(reg)

	return &Metrics{
		OpsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "ember",
			Subsystem:   "engine",
			Name:        "ops_total",
			Help:        "Total front-end operations by kind and status",
			ConstLabels: labels,
		}, []string{"op", "status"}),
		OpsDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "ember",
			Subsystem:   "engine",
			Name:        "ops_duration_seconds",
			Help:        "Histogram of front-end operation durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		PendingOps: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "ember",
			Subsystem:   "engine",
			Name:        "pending_ops",
			Help:        "Cookies parked on pending vbuckets",
			ConstLabels: labels,
		}),
		PendingOpsMax: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "ember",
			Subsystem:   "engine",
			Name:        "pending_ops_max",
			Help:        "High watermark of cookies parked on pending vbuckets",
			ConstLabels: labels,
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "ember",
			Subsystem:   "queue",
			Name:        "depth",
			Help:        "Items awaiting persistence",
			ConstLabels: labels,
		}),
		TotalEnqueued: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "ember",
			Subsystem:   "queue",
			Name:        "enqueued_total",
			Help:        "Mutations enqueued into checkpoints",
			ConstLabels: labels,
		}),
		TotalDeduped: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "ember",
			Subsystem:   "queue",
			Name:        "deduped_total",
			Help:        "Consecutive same-key queued items collapsed by the flusher",
			ConstLabels: labels,
		}),
		CheckpointsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "ember",
			Subsystem:   "queue",
			Name:        "checkpoints_open",
			Help:        "Open checkpoints across all vbuckets",
			ConstLabels: labels,
		}),
		FlusherBatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "ember",
			Subsystem:   "flusher",
			Name:        "batch_size",
			Help:        "Items per flusher transaction",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(1, 4, 8),
		}),
		FlusherCommitTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "ember",
			Subsystem:   "flusher",
			Name:        "commits_total",
			Help:        "Successful store commits",
			ConstLabels: labels,
		}),
		FlusherCommitFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "ember",
			Subsystem:   "flusher",
			Name:        "commits_failed_total",
			Help:        "Store commit attempts that failed and were retried",
			ConstLabels: labels,
		}),
		FlushExpired: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "ember",
			Subsystem:   "flusher",
			Name:        "expired_total",
			Help:        "Sets recharacterized as deletes inside the expiry window",
			ConstLabels: labels,
		}),
		FlushTooYoung: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "ember",
			Subsystem:   "flusher",
			Name:        "too_young_total",
			Help:        "Items rejected because data age is under min_data_age",
			ConstLabels: labels,
		}),
		FlushTooOld: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "ember",
			Subsystem:   "flusher",
			Name:        "too_old_total",
			Help:        "Items flushed regardless of data age due to queue_age_cap",
			ConstLabels: labels,
		}),
		FlushRequeued: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "ember",
			Subsystem:   "flusher",
			Name:        "requeued_total",
			Help:        "Items routed to the reject queue",
			ConstLabels: labels,
		}),
		TxnTimePerItem: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "ember",
			Subsystem:   "flusher",
			Name:        "txn_time_per_item_seconds",
			Help:        "Average transaction time per item at commit",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.00001, 4, 10),
		}),
		BgFetchesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "ember",
			Subsystem:   "bgfetch",
			Name:        "fetches_total",
			Help:        "Background fetches issued",
			ConstLabels: labels,
		}),
		BgFetchedMeta: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "ember",
			Subsystem:   "bgfetch",
			Name:        "meta_fetches_total",
			Help:        "Metadata-only background fetches issued",
			ConstLabels: labels,
		}),
		BgWaitSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "ember",
			Subsystem:   "bgfetch",
			Name:        "wait_seconds",
			Help:        "Time between scheduling a background fetch and its start",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		BgLoadSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "ember",
			Subsystem:   "bgfetch",
			Name:        "load_seconds",
			Help:        "Time spent reading a background fetch from the store",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		MemUsedBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "ember",
			Subsystem:   "memory",
			Name:        "used_bytes",
			Help:        "Approximate memory held by stored values",
			ConstLabels: labels,
		}),
		NumValueEjects: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "ember",
			Subsystem:   "memory",
			Name:        "value_ejects_total",
			Help:        "Value payloads ejected by the item pager or persistence path",
			ConstLabels: labels,
		}),
		NumExpiredItems: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "ember",
			Subsystem:   "memory",
			Name:        "expired_total",
			Help:        "Items reaped by the expiry pager",
			ConstLabels: labels,
		}),
		PagerRuns: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "ember",
			Subsystem:   "memory",
			Name:        "pager_runs_total",
			Help:        "Item pager visitor runs",
			ConstLabels: labels,
		}),
		MutationLogWrites: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "ember",
			Subsystem:   "klog",
			Name:        "writes_total",
			Help:        "Records appended to the mutation log",
			ConstLabels: labels,
		}),
		MutationLogCommits: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "ember",
			Subsystem:   "klog",
			Name:        "commits_total",
			Help:        "commit1/commit2 pairs written",
			ConstLabels: labels,
		}),
		MutationLogCompactorRuns: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "ember",
			Subsystem:   "klog",
			Name:        "compactor_runs_total",
			Help:        "Mutation log compactions",
			ConstLabels: labels,
		}),
		MutationLogDroppedRecords: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "ember",
			Subsystem:   "klog",
			Name:        "dropped_records_total",
			Help:        "Records dropped while the mutation log was disabled",
			ConstLabels: labels,
		}),
		MutationLogDisabled: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "ember",
			Subsystem:   "klog",
			Name:        "disabled",
			Help:        "1 when the mutation log is disabled for this process run",
			ConstLabels: labels,
		}),
		WarmedUpItems: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "ember",
			Subsystem:   "warmup",
			Name:        "items_total",
			Help:        "Items restored during warmup",
			ConstLabels: labels,
		}),
		WarmupDups: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "ember",
			Subsystem:   "warmup",
			Name:        "dups_total",
			Help:        "Duplicate keys skipped during warmup",
			ConstLabels: labels,
		}),
		WarmOOM: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "ember",
			Subsystem:   "warmup",
			Name:        "oom_total",
			Help:        "Items dropped during warmup due to memory pressure",
			ConstLabels: labels,
		}),
		WarmupSeconds: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "ember",
			Subsystem:   "warmup",
			Name:        "duration_seconds",
			Help:        "Wallclock duration of the last warmup",
			ConstLabels: labels,
		}),
		AccessScannerRuns: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "ember",
			Subsystem:   "access_scanner",
			Name:        "runs_total",
			Help:        "Access scanner sweeps completed",
			ConstLabels: labels,
		}),
		AccessScannerRecords: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "ember",
			Subsystem:   "access_scanner",
			Name:        "records_total",
			Help:        "Records written to the access log",
			ConstLabels: labels,
		}),
	}
}

// NewNopMetrics returns a metrics block backed by a throwaway registry.
// Convenient for tests and tools that do not scrape.
func NewNopMetrics() *Metrics {
	return NewMetrics("test", prometheus.NewRegistry())
}
