package service

import (
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/emberkv/ember/internal/metrics"
	"github.com/emberkv/ember/internal/model"
	"github.com/emberkv/ember/internal/storage/kvstore"
	"github.com/emberkv/ember/internal/storage/mutationlog"
)

// commitRetryInterval is how long the flusher waits between retries of a
// failed store commit. Commits retry until they succeed.
const commitRetryInterval = time.Second

// TransactionContext brackets one flusher batch: it opens the underlying
// store transaction, tracks the items written under it, and drives the
// two-phase commit across the mutation log and the store.
type TransactionContext struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
	clk     clock.Clock

	store kvstore.KVStore
	mlog  *mutationlog.Log // nil when persistence runs without a key log

	intxn       bool
	txnStart    time.Time
	uncommitted []*model.QueuedItem
}

// NewTransactionContext creates a context over the store and optional
// mutation log.
func NewTransactionContext(store kvstore.KVStore, mlog *mutationlog.Log, clk clock.Clock, logger *zap.Logger, m *metrics.Metrics) *TransactionContext {
	return &TransactionContext{
		logger:  logger,
		metrics: m,
		clk:     clk,
		store:   store,
		mlog:    mlog,
	}
}

// Enter starts a store transaction if one is not already open. Returns
// whether the caller is inside a transaction afterwards.
func (tc *TransactionContext) Enter() bool {
	if !tc.intxn {
		tc.store.Begin()
		tc.txnStart = tc.clk.Now()
		tc.intxn = true
	}
	return tc.intxn
}

// InTransaction reports whether a transaction is open.
func (tc *TransactionContext) InTransaction() bool { return tc.intxn }

// AddUncommittedItem records a set that went into the open batch. The list
// feeds NumUncommitted and the per-item transaction time, and is cleared by
// Commit and Rollback; the mutation log records themselves are written by
// the set callback and closed by the commit1/commit2 pair in Commit.
func (tc *TransactionContext) AddUncommittedItem(qi *model.QueuedItem) {
	tc.uncommitted = append(tc.uncommitted, qi)
}

// NumUncommitted returns how many sets the open batch carries.
func (tc *TransactionContext) NumUncommitted() int { return len(tc.uncommitted) }

// Commit runs the two-phase protocol: commit1 on the mutation log, the
// store commit retried until it succeeds, then commit2. Per-item state
// collected during the batch is discarded afterwards.
func (tc *TransactionContext) Commit() {
	if !tc.intxn {
		return
	}
	if tc.mlog != nil {
		if err := tc.mlog.Commit1(); err != nil {
			tc.logger.Error("Mutation log commit1 failed; disabling log", zap.Error(err))
			tc.mlog.Disable()
		}
	}
	for !tc.store.Commit() {
		tc.metrics.FlusherCommitFailed.Inc()
		tc.logger.Error("Store commit failed; retrying",
			zap.Duration("retry_in", commitRetryInterval))
		tc.clk.Sleep(commitRetryInterval)
	}
	if tc.mlog != nil {
		if err := tc.mlog.Commit2(); err != nil {
			tc.logger.Error("Mutation log commit2 failed; disabling log", zap.Error(err))
			tc.mlog.Disable()
		}
	}
	tc.metrics.FlusherCommitTotal.Inc()

	elapsed := tc.clk.Now().Sub(tc.txnStart)
	if n := len(tc.uncommitted); n > 0 {
		tc.metrics.TxnTimePerItem.Observe(elapsed.Seconds() / float64(n))
	}
	tc.uncommitted = tc.uncommitted[:0]
	tc.intxn = false
}

// Rollback abandons the open transaction, if any.
func (tc *TransactionContext) Rollback() {
	if !tc.intxn {
		return
	}
	tc.store.Rollback()
	tc.uncommitted = tc.uncommitted[:0]
	tc.intxn = false
}
