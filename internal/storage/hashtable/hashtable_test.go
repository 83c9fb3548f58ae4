package hashtable

import (
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberkv/ember/internal/model"
)

func TestSetInsertsAndStampsCas(t *testing.T) {
	ht := New(clock.NewMock())

	it := model.NewItem(0, "alpha", []byte("one"), 0, 0)
	mt := ht.Set(it)

	assert.Equal(t, MutationWasClean, mt)
	assert.NotZero(t, it.Cas)
	assert.Equal(t, uint64(1), it.Seqno)
	assert.Equal(t, int64(1), ht.NumItems())

	found, ok := ht.Find("alpha", false, false)
	require.True(t, ok)
	assert.Equal(t, []byte("one"), found.Value)
	assert.Equal(t, it.Cas, found.Cas)
}

func TestSetReplaceReportsWasDirty(t *testing.T) {
	ht := New(clock.NewMock())

	first := model.NewItem(0, "alpha", []byte("one"), 0, 0)
	require.Equal(t, MutationWasClean, ht.Set(first))

	second := model.NewItem(0, "alpha", []byte("two"), 0, 0)
	mt := ht.Set(second)

	assert.Equal(t, MutationWasDirty, mt)
	assert.Equal(t, uint64(2), second.Seqno)
	assert.NotEqual(t, first.Cas, second.Cas)
	assert.Equal(t, int64(1), ht.NumItems())
}

func TestSetWithCas(t *testing.T) {
	ht := New(clock.NewMock())

	it := model.NewItem(0, "alpha", []byte("one"), 0, 0)
	require.Equal(t, MutationWasClean, ht.Set(it))

	t.Run("matching cas replaces", func(t *testing.T) {
		next := model.NewItem(0, "alpha", []byte("two"), 0, 0)
		assert.Equal(t, MutationWasDirty, ht.SetWithCas(next, it.Cas))
	})

	t.Run("stale cas rejected", func(t *testing.T) {
		next := model.NewItem(0, "alpha", []byte("three"), 0, 0)
		assert.Equal(t, MutationInvalidCas, ht.SetWithCas(next, it.Cas+1000))
	})

	t.Run("cas on missing key", func(t *testing.T) {
		next := model.NewItem(0, "nope", []byte("x"), 0, 0)
		assert.Equal(t, MutationNotFound, ht.SetWithCas(next, 42))
	})
}

func TestAdd(t *testing.T) {
	ht := New(clock.NewMock())

	it := model.NewItem(0, "alpha", []byte("one"), 0, 0)
	assert.Equal(t, AddSuccess, ht.Add(it))
	assert.Equal(t, AddExists, ht.Add(model.NewItem(0, "alpha", []byte("two"), 0, 0)))

	require.Equal(t, MutationWasDirty, ht.SoftDelete("alpha", 0))
	assert.Equal(t, AddUnDel, ht.Add(model.NewItem(0, "alpha", []byte("three"), 0, 0)))

	found, ok := ht.Find("alpha", false, false)
	require.True(t, ok)
	assert.Equal(t, []byte("three"), found.Value)
}

func TestAddRevivesExpired(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Unix(1000, 0))
	ht := New(mock)

	it := model.NewItem(0, "short", []byte("v"), 0, 1005)
	require.Equal(t, MutationWasClean, ht.Set(it))

	mock.Add(10 * time.Second)
	assert.Equal(t, AddUnDel, ht.Add(model.NewItem(0, "short", []byte("again"), 0, 0)))
}

func TestSoftDelete(t *testing.T) {
	ht := New(clock.NewMock())

	assert.Equal(t, MutationNotFound, ht.SoftDelete("ghost", 0))

	it := model.NewItem(0, "alpha", []byte("one"), 0, 0)
	require.Equal(t, MutationWasClean, ht.Set(it))

	assert.Equal(t, MutationInvalidCas, ht.SoftDelete("alpha", it.Cas+7))
	assert.Equal(t, MutationWasDirty, ht.SoftDelete("alpha", it.Cas))

	// Tombstones stay findable only when asked for.
	_, ok := ht.Find("alpha", false, false)
	assert.False(t, ok)
	tomb, ok := ht.Find("alpha", true, false)
	require.True(t, ok)
	assert.Nil(t, tomb.Value)

	assert.Equal(t, MutationNotFound, ht.SoftDelete("alpha", 0))
}

func TestLockBlocksWritesUntilExpiry(t *testing.T) {
	mock := clock.NewMock()
	ht := New(mock)

	it := model.NewItem(0, "alpha", []byte("one"), 0, 0)
	require.Equal(t, MutationWasClean, ht.Set(it))

	ht.WithLock("alpha", func(sv *StoredValue) {
		require.NotNil(t, sv)
		sv.Lock(mock.Now().Add(15 * time.Second))
	})

	assert.Equal(t, MutationIsLocked, ht.Set(model.NewItem(0, "alpha", []byte("two"), 0, 0)))
	assert.Equal(t, MutationIsLocked, ht.SoftDelete("alpha", 0))

	mock.Add(16 * time.Second)
	assert.Equal(t, MutationWasDirty, ht.Set(model.NewItem(0, "alpha", []byte("two"), 0, 0)))
}

func TestUnlockReleasesHold(t *testing.T) {
	mock := clock.NewMock()
	ht := New(mock)

	require.Equal(t, MutationWasClean, ht.Set(model.NewItem(0, "alpha", []byte("one"), 0, 0)))
	ht.WithLock("alpha", func(sv *StoredValue) {
		sv.Lock(mock.Now().Add(time.Minute))
	})
	require.Equal(t, MutationIsLocked, ht.Set(model.NewItem(0, "alpha", []byte("two"), 0, 0)))

	ht.WithLock("alpha", func(sv *StoredValue) {
		sv.Unlock()
	})
	assert.Equal(t, MutationWasDirty, ht.Set(model.NewItem(0, "alpha", []byte("two"), 0, 0)))
}

func TestEjectAndRestoreValue(t *testing.T) {
	ht := New(clock.NewMock())

	it := model.NewItem(0, "alpha", []byte("payload"), 0, 0)
	require.Equal(t, MutationWasClean, ht.Set(it))

	// Dirty values never eject.
	assert.Zero(t, ht.EjectValue("alpha"))

	ht.WithLock("alpha", func(sv *StoredValue) {
		sv.MarkClean()
	})
	released := ht.EjectValue("alpha")
	assert.Equal(t, int64(len("payload")), released)
	assert.Equal(t, int64(1), ht.NumNonResident())

	found, ok := ht.Find("alpha", false, false)
	require.True(t, ok)
	assert.Nil(t, found.Value, "ejected value must not leak a payload")

	ht.WithLock("alpha", func(sv *StoredValue) {
		ht.RestoreValueLocked(sv, []byte("payload"))
	})
	assert.Equal(t, int64(0), ht.NumNonResident())
	found, ok = ht.Find("alpha", false, false)
	require.True(t, ok)
	assert.Equal(t, []byte("payload"), found.Value)
}

func TestEjectValueMissingKey(t *testing.T) {
	ht := New(clock.NewMock())
	assert.Zero(t, ht.EjectValue("ghost"))
}

func TestAddTempDeletedItem(t *testing.T) {
	mock := clock.NewMock()
	ht := New(mock)

	assert.True(t, ht.AddTempDeletedItem("alpha"))
	assert.Equal(t, int64(1), ht.NumTempItems())
	assert.Equal(t, int64(0), ht.NumItems())

	// A second fetch for the same key coalesces on the placeholder.
	assert.False(t, ht.AddTempDeletedItem("alpha"))

	require.Equal(t, MutationWasClean, ht.Set(model.NewItem(0, "beta", []byte("v"), 0, 0)))
	assert.False(t, ht.AddTempDeletedItem("beta"))

	// Placeholders expire on their own TTL.
	ht.WithLock("alpha", func(sv *StoredValue) {
		require.NotNil(t, sv)
		assert.False(t, sv.IsExpired(mock.Now()))
		assert.True(t, sv.IsExpired(mock.Now().Add(tempItemTTL+time.Second)))
	})
}

func TestSetRevivesTempPlaceholder(t *testing.T) {
	ht := New(clock.NewMock())

	require.True(t, ht.AddTempDeletedItem("alpha"))
	mt := ht.Set(model.NewItem(0, "alpha", []byte("real"), 0, 0))

	assert.Equal(t, MutationWasClean, mt)
	assert.Equal(t, int64(0), ht.NumTempItems())
	assert.Equal(t, int64(1), ht.NumItems())
}

func TestRestoreItemReplacesTemp(t *testing.T) {
	ht := New(clock.NewMock())

	require.True(t, ht.AddTempDeletedItem("alpha"))

	it := model.NewItem(0, "alpha", []byte("fetched"), 7, 0)
	it.Cas = 99
	it.Seqno = 4
	it.RowID = 12
	ht.RestoreItem(it, model.OpSet)

	assert.Equal(t, int64(0), ht.NumTempItems())
	assert.Equal(t, int64(1), ht.NumItems())

	ht.WithLock("alpha", func(sv *StoredValue) {
		require.NotNil(t, sv)
		assert.False(t, sv.IsDirty(), "restored values came from disk and are clean")
		assert.Equal(t, uint64(99), sv.Cas)
		assert.Equal(t, int64(12), sv.RowID)
	})
}

func TestRestoreItemIgnoresLiveEntry(t *testing.T) {
	ht := New(clock.NewMock())

	live := model.NewItem(0, "alpha", []byte("live"), 0, 0)
	require.Equal(t, MutationWasClean, ht.Set(live))

	stale := model.NewItem(0, "alpha", []byte("stale"), 0, 0)
	ht.RestoreItem(stale, model.OpSet)

	found, ok := ht.Find("alpha", false, false)
	require.True(t, ok)
	assert.Equal(t, []byte("live"), found.Value)
}

func TestInsert(t *testing.T) {
	ht := New(clock.NewMock())

	full := model.NewItem(0, "alpha", []byte("v"), 0, 0)
	require.True(t, ht.Insert(full, false, false))
	assert.Equal(t, int64(0), ht.NumNonResident())

	// Duplicate without force is refused.
	assert.False(t, ht.Insert(model.NewItem(0, "alpha", []byte("dup"), 0, 0), false, false))

	// Partial insert keeps the payload on disk.
	partial := model.NewItem(0, "beta", []byte("v"), 0, 0)
	require.True(t, ht.Insert(partial, true, false))
	assert.Equal(t, int64(1), ht.NumNonResident())

	forced := model.NewItem(0, "alpha", []byte("forced"), 0, 0)
	require.True(t, ht.Insert(forced, false, true))
	found, ok := ht.Find("alpha", false, false)
	require.True(t, ok)
	assert.Equal(t, []byte("forced"), found.Value)
}

func TestDelHardRemoves(t *testing.T) {
	ht := New(clock.NewMock())

	require.Equal(t, MutationWasClean, ht.Set(model.NewItem(0, "alpha", []byte("v"), 0, 0)))
	assert.True(t, ht.Del("alpha"))
	assert.False(t, ht.Del("alpha"))
	assert.Equal(t, int64(0), ht.NumItems())
	assert.Equal(t, int64(0), ht.MemSize())
}

func TestMemSizeAccounting(t *testing.T) {
	ht := New(clock.NewMock())

	require.Equal(t, MutationWasClean, ht.Set(model.NewItem(0, "alpha", []byte("12345"), 0, 0)))
	want := int64(len("alpha") + len("12345") + 88)
	assert.Equal(t, want, ht.MemSize())

	require.Equal(t, MutationWasDirty, ht.Set(model.NewItem(0, "alpha", []byte("1234567890"), 0, 0)))
	want = int64(len("alpha") + len("1234567890") + 88)
	assert.Equal(t, want, ht.MemSize())

	require.Equal(t, MutationWasDirty, ht.SoftDelete("alpha", 0))
	assert.Equal(t, int64(len("alpha")+88), ht.MemSize())
}

func TestClear(t *testing.T) {
	ht := New(clock.NewMock())

	for i := 0; i < 10; i++ {
		require.Equal(t, MutationWasClean, ht.Set(model.NewItem(0, fmt.Sprintf("key-%d", i), []byte("v"), 0, 0)))
	}
	require.True(t, ht.AddTempDeletedItem("temp"))

	assert.Equal(t, int64(11), ht.Clear())
	assert.Equal(t, int64(0), ht.NumItems())
	assert.Equal(t, int64(0), ht.NumTempItems())
	assert.Equal(t, int64(0), ht.MemSize())
}

func TestResizePreservesEntries(t *testing.T) {
	ht := NewWithShards(clock.NewMock(), 3)

	for i := 0; i < 100; i++ {
		require.Equal(t, MutationWasClean, ht.Set(model.NewItem(0, fmt.Sprintf("key-%d", i), []byte("v"), 0, 0)))
	}

	ht.Resize(16)
	assert.Equal(t, 16, ht.NumShards())
	for i := 0; i < 100; i++ {
		_, ok := ht.Find(fmt.Sprintf("key-%d", i), false, false)
		assert.True(t, ok)
	}

	// Shrinking is ignored.
	ht.Resize(4)
	assert.Equal(t, 16, ht.NumShards())
}

func TestVisitSeesEveryEntry(t *testing.T) {
	ht := New(clock.NewMock())

	for i := 0; i < 25; i++ {
		require.Equal(t, MutationWasClean, ht.Set(model.NewItem(0, fmt.Sprintf("key-%d", i), []byte("v"), 0, 0)))
	}

	seen := make(map[string]struct{})
	ht.Visit(VisitorFunc(func(sv *StoredValue) {
		seen[sv.Key] = struct{}{}
	}))
	assert.Len(t, seen, 25)
}

func TestFindTracksReference(t *testing.T) {
	ht := New(clock.NewMock())

	require.Equal(t, MutationWasClean, ht.Set(model.NewItem(0, "alpha", []byte("v"), 0, 0)))
	ht.WithLock("alpha", func(sv *StoredValue) {
		sv.ClearReference()
	})

	_, ok := ht.Find("alpha", false, true)
	require.True(t, ok)
	ht.WithLock("alpha", func(sv *StoredValue) {
		assert.True(t, sv.IsReferenced())
	})
}
