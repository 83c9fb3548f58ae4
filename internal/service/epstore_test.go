package service

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/emberkv/ember/internal/config"
	"github.com/emberkv/ember/internal/errors"
	"github.com/emberkv/ember/internal/metrics"
	"github.com/emberkv/ember/internal/model"
	"github.com/emberkv/ember/internal/storage/hashtable"
	"github.com/emberkv/ember/internal/storage/kvstore"
)

const waitFor = 5 * time.Second

// startEngine builds and starts an engine over store, with checkpoints
// sized to one item so every mutation becomes flushable as soon as the
// next one lands.
func startEngine(t *testing.T, store kvstore.KVStore, mlogPath string) (*EPStore, func()) {
	t.Helper()

	dir := t.TempDir()
	cfg := config.Default()
	cfg.Storage.DataDir = dir
	cfg.Storage.AccessLogPath = filepath.Join(dir, "access.log")
	cfg.MutationLog.Path = mlogPath
	cfg.Checkpoint.MaxItems = 1
	cfg.Warmup.WaitForWarmup = true

	ep, err := NewEPStore(cfg, store, zap.NewNop(), metrics.NewNopMetrics(), clock.New())
	require.NoError(t, err)
	require.NoError(t, ep.Start())

	var once sync.Once
	stop := func() { once.Do(ep.Stop) }
	t.Cleanup(stop)
	return ep, stop
}

func newRunningEngine(t *testing.T) *EPStore {
	t.Helper()
	store := kvstore.NewMemStore(zap.NewNop())
	ep, _ := startEngine(t, store, filepath.Join(t.TempDir(), "mutation.log"))
	return ep
}

type testCookie struct {
	ch chan error
}

func newTestCookie() *testCookie {
	return &testCookie{ch: make(chan error, 4)}
}

func (c *testCookie) Notify(err error) { c.ch <- err }

func (c *testCookie) await(t *testing.T) error {
	t.Helper()
	select {
	case err := <-c.ch:
		return err
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for cookie notification")
		return nil
	}
}

func storeHasKey(store kvstore.KVStore, vbID uint16, key string) bool {
	var ok bool
	store.Get(key, -1, vbID, func(gv kvstore.GetValue) { ok = gv.Err == nil })
	return ok
}

func TestSetGetDeleteLifecycle(t *testing.T) {
	ep := newRunningEngine(t)
	ep.SetVBucketState(0, model.VBActive)

	cas, err := ep.Set(0, "greeting", []byte("hello"), 42, 0, 0, nil)
	require.NoError(t, err)
	assert.NotZero(t, cas)

	it, err := ep.Get(0, "greeting", nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), it.Value)
	assert.Equal(t, uint32(42), it.Flags)
	assert.Equal(t, cas, it.Cas)

	require.NoError(t, ep.Delete(0, "greeting", 0, nil))
	_, err = ep.Get(0, "greeting", nil)
	assert.Equal(t, errors.CodeKeyEnoent, errors.GetCode(err))
}

func TestSetWithCas(t *testing.T) {
	ep := newRunningEngine(t)
	ep.SetVBucketState(0, model.VBActive)

	cas, err := ep.Set(0, "key", []byte("v1"), 0, 0, 0, nil)
	require.NoError(t, err)

	_, err = ep.Set(0, "key", []byte("v2"), 0, 0, cas+1, nil)
	assert.Equal(t, errors.CodeKeyEexists, errors.GetCode(err))

	cas2, err := ep.Set(0, "key", []byte("v2"), 0, 0, cas, nil)
	require.NoError(t, err)
	assert.NotEqual(t, cas, cas2)

	it, err := ep.Get(0, "key", nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), it.Value)
}

func TestAddRefusesLiveKeyRevivesTombstone(t *testing.T) {
	ep := newRunningEngine(t)
	ep.SetVBucketState(0, model.VBActive)

	_, err := ep.Add(0, "key", []byte("v1"), 0, 0, nil)
	require.NoError(t, err)

	_, err = ep.Add(0, "key", []byte("v2"), 0, 0, nil)
	assert.Equal(t, errors.CodeKeyEexists, errors.GetCode(err))

	require.NoError(t, ep.Delete(0, "key", 0, nil))
	_, err = ep.Add(0, "key", []byte("v3"), 0, 0, nil)
	require.NoError(t, err)

	it, err := ep.Get(0, "key", nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("v3"), it.Value)
}

func TestMissingVBucketRejectsOps(t *testing.T) {
	ep := newRunningEngine(t)

	_, err := ep.Set(7, "key", []byte("v"), 0, 0, 0, nil)
	assert.Equal(t, errors.CodeNotMyVBucket, errors.GetCode(err))
	_, err = ep.Get(7, "key", nil)
	assert.Equal(t, errors.CodeNotMyVBucket, errors.GetCode(err))
	err = ep.Delete(7, "key", 0, nil)
	assert.Equal(t, errors.CodeNotMyVBucket, errors.GetCode(err))
	_, err = ep.GetVBucketState(7)
	assert.Equal(t, errors.CodeNotMyVBucket, errors.GetCode(err))
}

func TestReplicaAndDeadRejectFrontEndOps(t *testing.T) {
	ep := newRunningEngine(t)

	ep.SetVBucketState(1, model.VBReplica)
	_, err := ep.Set(1, "key", []byte("v"), 0, 0, 0, nil)
	assert.Equal(t, errors.CodeNotMyVBucket, errors.GetCode(err))

	ep.SetVBucketState(1, model.VBDead)
	_, err = ep.Get(1, "key", nil)
	assert.Equal(t, errors.CodeNotMyVBucket, errors.GetCode(err))
}

func TestPendingVBucketParksCookieUntilActive(t *testing.T) {
	ep := newRunningEngine(t)
	ep.SetVBucketState(2, model.VBPending)

	cookie := newTestCookie()
	_, err := ep.Set(2, "key", []byte("v"), 0, 0, 0, cookie)
	require.Equal(t, errors.CodeWouldBlock, errors.GetCode(err))

	ep.SetVBucketState(2, model.VBActive)
	assert.NoError(t, cookie.await(t))

	_, err = ep.Set(2, "key", []byte("v"), 0, 0, 0, nil)
	assert.NoError(t, err)
}

func TestGetLockedBlocksWritesUntilUnlock(t *testing.T) {
	ep := newRunningEngine(t)
	ep.SetVBucketState(0, model.VBActive)

	_, err := ep.Set(0, "key", []byte("v1"), 0, 0, 0, nil)
	require.NoError(t, err)

	locked, err := ep.GetLocked(0, "key", time.Minute, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), locked.Value)

	_, err = ep.Set(0, "key", []byte("v2"), 0, 0, 0, nil)
	assert.Equal(t, errors.CodeKeyEexists, errors.GetCode(err))

	_, err = ep.GetLocked(0, "key", time.Minute, nil)
	assert.Equal(t, errors.CodeTmpfail, errors.GetCode(err))

	err = ep.UnlockKey(0, "key", locked.Cas+1)
	assert.Equal(t, errors.CodeTmpfail, errors.GetCode(err))

	require.NoError(t, ep.UnlockKey(0, "key", locked.Cas))
	_, err = ep.Set(0, "key", []byte("v2"), 0, 0, 0, nil)
	assert.NoError(t, err)
}

func TestExpiredKeyReportsEnoent(t *testing.T) {
	ep := newRunningEngine(t)
	ep.SetVBucketState(0, model.VBActive)

	// An absolute expiry of one second past the epoch is long gone.
	_, err := ep.Set(0, "stale", []byte("v"), 0, 1, 0, nil)
	require.NoError(t, err)

	_, err = ep.Get(0, "stale", nil)
	assert.Equal(t, errors.CodeKeyEnoent, errors.GetCode(err))

	// The expiry sweep tombstoned it; a repeat read agrees.
	_, err = ep.Get(0, "stale", nil)
	assert.Equal(t, errors.CodeKeyEnoent, errors.GetCode(err))
}

func TestFlusherPersistsMutations(t *testing.T) {
	store := kvstore.NewMemStore(zap.NewNop())
	ep, _ := startEngine(t, store, filepath.Join(t.TempDir(), "mutation.log"))
	ep.SetVBucketState(0, model.VBActive)

	_, err := ep.Set(0, "durable", []byte("v"), 0, 0, 0, nil)
	require.NoError(t, err)
	// A trailing write closes the previous checkpoint so it can drain.
	_, err = ep.Set(0, "trailer", []byte("v"), 0, 0, 0, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return storeHasKey(store, 0, "durable")
	}, waitFor, 10*time.Millisecond)
	assert.Positive(t, ep.Stats().TotalPersisted.Load())
}

func TestWarmupRestoresPersistedData(t *testing.T) {
	store := kvstore.NewMemStore(zap.NewNop())
	mlogPath := filepath.Join(t.TempDir(), "mutation.log")

	ep, stop := startEngine(t, store, mlogPath)
	ep.SetVBucketState(0, model.VBActive)
	for i := 0; i < 5; i++ {
		_, err := ep.Set(0, fmt.Sprintf("key-%d", i), []byte(fmt.Sprintf("value-%d", i)), 0, 0, 0, nil)
		require.NoError(t, err)
	}
	_, err := ep.Set(0, "trailer", []byte("v"), 0, 0, 0, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		for i := 0; i < 5; i++ {
			if !storeHasKey(store, 0, fmt.Sprintf("key-%d", i)) {
				return false
			}
		}
		return true
	}, waitFor, 10*time.Millisecond)
	stop()

	ep2, _ := startEngine(t, store, mlogPath)
	assert.GreaterOrEqual(t, ep2.Stats().WarmedUp.Load(), uint64(5))

	state, err := ep2.GetVBucketState(0)
	require.NoError(t, err)
	assert.Equal(t, model.VBActive, state)

	for i := 0; i < 5; i++ {
		it, err := ep2.Get(0, fmt.Sprintf("key-%d", i), nil)
		require.NoError(t, err)
		assert.Equal(t, []byte(fmt.Sprintf("value-%d", i)), it.Value)
	}
}

func TestDeleteVBucketRequiresDead(t *testing.T) {
	store := kvstore.NewMemStore(zap.NewNop())
	ep, _ := startEngine(t, store, filepath.Join(t.TempDir(), "mutation.log"))
	ep.SetVBucketState(0, model.VBActive)

	_, err := ep.Set(0, "key", []byte("v"), 0, 0, 0, nil)
	require.NoError(t, err)
	_, err = ep.Set(0, "trailer", []byte("v"), 0, 0, 0, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return storeHasKey(store, 0, "key")
	}, waitFor, 10*time.Millisecond)

	err = ep.DeleteVBucket(0)
	assert.Equal(t, errors.CodeEinval, errors.GetCode(err))

	err = ep.DeleteVBucket(5)
	assert.Equal(t, errors.CodeNotMyVBucket, errors.GetCode(err))

	ep.SetVBucketState(0, model.VBDead)
	require.NoError(t, ep.DeleteVBucket(0))

	_, err = ep.Get(0, "key", nil)
	assert.Equal(t, errors.CodeNotMyVBucket, errors.GetCode(err))
	require.Eventually(t, func() bool {
		return !storeHasKey(store, 0, "key")
	}, waitFor, 10*time.Millisecond)
}

func TestResetVBucketEmptiesKeepingState(t *testing.T) {
	ep := newRunningEngine(t)
	ep.SetVBucketState(0, model.VBActive)

	_, err := ep.Set(0, "key", []byte("v"), 0, 0, 0, nil)
	require.NoError(t, err)

	require.NoError(t, ep.ResetVBucket(0))

	state, err := ep.GetVBucketState(0)
	require.NoError(t, err)
	assert.Equal(t, model.VBActive, state)

	_, err = ep.Get(0, "key", nil)
	assert.Equal(t, errors.CodeKeyEnoent, errors.GetCode(err))
}

func TestFlushAll(t *testing.T) {
	ep := newRunningEngine(t)

	err := ep.FlushAll()
	assert.Equal(t, errors.CodeTmpfail, errors.GetCode(err))

	ep.SetVBucketState(0, model.VBActive)
	_, err = ep.Set(0, "doomed", []byte("v"), 0, 0, 0, nil)
	require.NoError(t, err)

	require.NoError(t, ep.FlushAll())
	// Push the flush marker's checkpoint closed.
	_, err = ep.Set(0, "trailer", []byte("v"), 0, 0, 0, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return ep.Stats().FlushAllCount.Load() >= 1
	}, waitFor, 10*time.Millisecond)

	_, err = ep.Get(0, "doomed", nil)
	assert.Equal(t, errors.CodeKeyEnoent, errors.GetCode(err))
}

func TestGetMeta(t *testing.T) {
	ep := newRunningEngine(t)
	ep.SetVBucketState(0, model.VBActive)

	cas, err := ep.Set(0, "key", []byte("payload"), 7, 0, 0, nil)
	require.NoError(t, err)

	meta, err := ep.GetMeta(0, "key", nil)
	require.NoError(t, err)
	assert.Nil(t, meta.Value)
	assert.Equal(t, cas, meta.Cas)
	assert.Equal(t, uint32(7), meta.Flags)
}

func TestGetMetaMissSchedulesFetch(t *testing.T) {
	ep := newRunningEngine(t)
	ep.SetVBucketState(0, model.VBActive)

	cookie := newTestCookie()
	_, err := ep.GetMeta(0, "absent", cookie)
	require.Equal(t, errors.CodeWouldBlock, errors.GetCode(err))

	// The store has no such row; the fetch reports the miss.
	assert.Equal(t, errors.CodeKeyEnoent, errors.GetCode(cookie.await(t)))

	// The temp placeholder answers directly from then on.
	_, err = ep.GetMeta(0, "absent", nil)
	assert.Equal(t, errors.CodeKeyEnoent, errors.GetCode(err))
}

func TestEjectedValueComesBackViaBGFetch(t *testing.T) {
	store := kvstore.NewMemStore(zap.NewNop())
	ep, _ := startEngine(t, store, filepath.Join(t.TempDir(), "mutation.log"))
	ep.SetVBucketState(0, model.VBActive)

	_, err := ep.Set(0, "cold", []byte("payload"), 0, 0, 0, nil)
	require.NoError(t, err)
	_, err = ep.Set(0, "trailer", []byte("v"), 0, 0, 0, nil)
	require.NoError(t, err)

	// Ejection needs the value persisted and marked clean first.
	vb := ep.vbMap.Get(0)
	require.Eventually(t, func() bool {
		return vb.HT.EjectValue("cold") > 0
	}, waitFor, 10*time.Millisecond)

	cookie := newTestCookie()
	_, err = ep.Get(0, "cold", cookie)
	require.Equal(t, errors.CodeWouldBlock, errors.GetCode(err))
	require.NoError(t, cookie.await(t))

	it, err := ep.Get(0, "cold", nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), it.Value)
}

func TestGetAndUpdateTtl(t *testing.T) {
	ep := newRunningEngine(t)
	ep.SetVBucketState(0, model.VBActive)

	_, err := ep.Set(0, "key", []byte("v"), 0, 0, 0, nil)
	require.NoError(t, err)

	newExpiry := uint32(time.Now().Add(time.Hour).Unix())
	it, err := ep.GetAndUpdateTtl(0, "key", newExpiry, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), it.Value)

	ep.vbMap.Get(0).HT.WithLock("key", func(sv *hashtable.StoredValue) {
		require.NotNil(t, sv)
		assert.Equal(t, newExpiry, sv.Expiry)
	})

	_, err = ep.GetAndUpdateTtl(0, "absent", newExpiry, nil)
	assert.Equal(t, errors.CodeKeyEnoent, errors.GetCode(err))
}

func TestSetWithMetaKeepsReplicatedMetadata(t *testing.T) {
	ep := newRunningEngine(t)
	ep.SetVBucketState(3, model.VBReplica)

	it := model.NewItem(3, "replicated", []byte("v"), 0, 0)
	it.Cas = 777
	it.Seqno = 9

	err := ep.SetWithMeta(3, it, 0, false, nil)
	assert.Equal(t, errors.CodeNotMyVBucket, errors.GetCode(err))

	require.NoError(t, ep.SetWithMeta(3, it, 0, true, nil))
	ep.vbMap.Get(3).HT.WithLock("replicated", func(sv *hashtable.StoredValue) {
		require.NotNil(t, sv)
		assert.Equal(t, uint64(777), sv.Cas)
		assert.Equal(t, uint64(9), sv.Seqno)
	})
}

func TestAddTAPBackfillItem(t *testing.T) {
	ep := newRunningEngine(t)
	ep.SetVBucketState(4, model.VBReplica)

	it := model.NewItem(4, "backfilled", []byte("v"), 0, 0)
	require.NoError(t, ep.AddTAPBackfillItem(4, it))
	ep.vbMap.Get(4).HT.WithLock("backfilled", func(sv *hashtable.StoredValue) {
		assert.NotNil(t, sv)
	})

	ep.SetVBucketState(5, model.VBDead)
	err := ep.AddTAPBackfillItem(5, model.NewItem(5, "key", []byte("v"), 0, 0))
	assert.Equal(t, errors.CodeNotMyVBucket, errors.GetCode(err))

	// Active vbuckets are authoritative and refuse backfill by default.
	ep.SetVBucketState(6, model.VBActive)
	err = ep.AddTAPBackfillItem(6, model.NewItem(6, "key", []byte("v"), 0, 0))
	assert.Equal(t, errors.CodeNotMyVBucket, errors.GetCode(err))

	ep.cfg.Engine.InconsistentSlaveOk = true
	require.NoError(t, ep.AddTAPBackfillItem(6, model.NewItem(6, "key", []byte("v"), 0, 0)))
}

func TestOpsBeforeWarmupReportTmpfail(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Storage.DataDir = dir
	cfg.Storage.AccessLogPath = filepath.Join(dir, "access.log")
	cfg.MutationLog.Path = filepath.Join(dir, "mutation.log")

	ep, err := NewEPStore(cfg, kvstore.NewMemStore(zap.NewNop()), zap.NewNop(), metrics.NewNopMetrics(), clock.New())
	require.NoError(t, err)
	t.Cleanup(func() {
		ep.dispatchers.Stop(time.Second)
		if ep.mlog != nil {
			ep.mlog.Close()
		}
	})
	ep.SetVBucketState(0, model.VBActive)

	_, err = ep.Set(0, "key", []byte("v"), 0, 0, 0, nil)
	assert.Equal(t, errors.CodeTmpfail, errors.GetCode(err))
	_, err = ep.Get(0, "key", nil)
	assert.Equal(t, errors.CodeTmpfail, errors.GetCode(err))
}

func TestRejectsMalformedArguments(t *testing.T) {
	ep := newRunningEngine(t)
	ep.SetVBucketState(0, model.VBActive)

	_, err := ep.Set(0, "", []byte("v"), 0, 0, 0, nil)
	assert.Equal(t, errors.CodeEinval, errors.GetCode(err))

	long := strings.Repeat("k", 251)
	_, err = ep.Set(0, long, []byte("v"), 0, 0, 0, nil)
	assert.Equal(t, errors.CodeEinval, errors.GetCode(err))
	_, err = ep.Add(0, long, []byte("v"), 0, 0, nil)
	assert.Equal(t, errors.CodeEinval, errors.GetCode(err))
	err = ep.Delete(0, "", 0, nil)
	assert.Equal(t, errors.CodeEinval, errors.GetCode(err))
	err = ep.AddTAPBackfillItem(0, model.NewItem(0, "", []byte("v"), 0, 0))
	assert.Equal(t, errors.CodeEinval, errors.GetCode(err))
}
