package kvstore

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/emberkv/ember/internal/errors"
	"github.com/emberkv/ember/internal/model"
)

func newTestFileStore(t *testing.T, dir string) *FileStore {
	t.Helper()
	s, err := NewFileStore(dir, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func fsSet(t *testing.T, s *FileStore, vbID uint16, key, value string) int64 {
	t.Helper()
	var res SetResult
	s.Begin()
	s.Set(model.NewItem(vbID, key, []byte(value), 0, 0), func(r SetResult) { res = r })
	require.True(t, s.Commit())
	require.True(t, res.Committed)
	require.Positive(t, res.RowID)
	return res.RowID
}

func fsGet(s *FileStore, vbID uint16, key string, rowID int64) GetValue {
	var gv GetValue
	s.Get(key, rowID, vbID, func(v GetValue) { gv = v })
	return gv
}

func TestFileStoreRoundTrip(t *testing.T) {
	s := newTestFileStore(t, t.TempDir())

	id := fsSet(t, s, 0, "alpha", "v1")
	gv := fsGet(s, 0, "alpha", id)
	require.NoError(t, gv.Err)
	assert.Equal(t, []byte("v1"), gv.Item.Value)
	assert.Equal(t, id, gv.Item.RowID)

	// Overwrites keep the row id stable.
	assert.Equal(t, id, fsSet(t, s, 0, "alpha", "v2"))
	gv = fsGet(s, 0, "alpha", -1)
	require.NoError(t, gv.Err)
	assert.Equal(t, []byte("v2"), gv.Item.Value)

	gv = fsGet(s, 0, "absent", -1)
	assert.Equal(t, errors.CodeKeyEnoent, errors.GetCode(gv.Err))
}

func TestFileStoreReopenRecoversRows(t *testing.T) {
	dir := t.TempDir()
	s := newTestFileStore(t, dir)
	id1 := fsSet(t, s, 0, "alpha", "v1")
	id2 := fsSet(t, s, 1, "beta", "v2")
	fsSet(t, s, 0, "alpha", "v3")
	require.NoError(t, s.Close())

	s2 := newTestFileStore(t, dir)
	gv := fsGet(s2, 0, "alpha", id1)
	require.NoError(t, gv.Err)
	assert.Equal(t, []byte("v3"), gv.Item.Value)
	gv = fsGet(s2, 1, "beta", id2)
	require.NoError(t, gv.Err)
	assert.Equal(t, []byte("v2"), gv.Item.Value)

	// Fresh inserts never reuse a recovered row id.
	id3 := fsSet(t, s2, 0, "gamma", "v4")
	assert.Greater(t, id3, id2)
}

func TestFileStoreDeleteSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s := newTestFileStore(t, dir)
	id := fsSet(t, s, 0, "alpha", "v1")

	var rv int
	s.Begin()
	s.Del(model.NewItem(0, "alpha", nil, 0, 0), id, func(r int) { rv = r })
	require.True(t, s.Commit())
	assert.Equal(t, DelSuccess, rv)
	require.NoError(t, s.Close())

	s2 := newTestFileStore(t, dir)
	gv := fsGet(s2, 0, "alpha", -1)
	assert.Equal(t, errors.CodeKeyEnoent, errors.GetCode(gv.Err))
}

func TestFileStoreDelByKeyAndMisses(t *testing.T) {
	s := newTestFileStore(t, t.TempDir())
	fsSet(t, s, 0, "alpha", "v1")

	var rv int
	s.Begin()
	s.Del(model.NewItem(0, "alpha", nil, 0, 0), -1, func(r int) { rv = r })
	require.True(t, s.Commit())
	assert.Equal(t, DelSuccess, rv)

	s.Del(model.NewItem(0, "alpha", nil, 0, 0), -1, func(r int) { rv = r })
	assert.Equal(t, DelNotFound, rv)
	s.Del(model.NewItem(0, "absent", nil, 0, 0), 999, func(r int) { rv = r })
	assert.Equal(t, DelNotFound, rv)
}

func TestFileStoreDelVBucketSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s := newTestFileStore(t, dir)
	fsSet(t, s, 0, "keep", "v")
	fsSet(t, s, 1, "drop-a", "v")
	fsSet(t, s, 1, "drop-b", "v")

	require.True(t, s.DelVBucket(1))
	require.True(t, s.Commit())
	require.NoError(t, s.Close())

	s2 := newTestFileStore(t, dir)
	gv := fsGet(s2, 0, "keep", -1)
	assert.NoError(t, gv.Err)
	gv = fsGet(s2, 1, "drop-a", -1)
	assert.Error(t, gv.Err)
	gv = fsGet(s2, 1, "drop-b", -1)
	assert.Error(t, gv.Err)
}

func TestFileStoreTruncatesCorruptTail(t *testing.T) {
	dir := t.TempDir()
	s := newTestFileStore(t, dir)
	fsSet(t, s, 0, "alpha", "v1")
	fsSet(t, s, 0, "beta", "v2")
	require.NoError(t, s.Close())

	// Flip a byte in the last record's payload.
	path := filepath.Join(dir, rowFileName)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0644))

	s2 := newTestFileStore(t, dir)
	gv := fsGet(s2, 0, "alpha", -1)
	require.NoError(t, gv.Err)
	assert.Equal(t, []byte("v1"), gv.Item.Value)
	gv = fsGet(s2, 0, "beta", -1)
	assert.Error(t, gv.Err)

	// The corrupt bytes are gone, so appends land on a clean tail.
	fsSet(t, s2, 0, "beta", "v3")
	gv = fsGet(s2, 0, "beta", -1)
	require.NoError(t, gv.Err)
	assert.Equal(t, []byte("v3"), gv.Item.Value)
}

func TestFileStoreTruncatesTornTail(t *testing.T) {
	dir := t.TempDir()
	s := newTestFileStore(t, dir)
	fsSet(t, s, 0, "alpha", "v1")
	require.NoError(t, s.Close())

	// Simulate a crash mid-append: a header that promises more payload
	// than the file holds.
	path := filepath.Join(dir, rowFileName)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0xFF, 0x00, 0x00, 0x00, 0x01, 0x02, 0x03, 0x04, 'x'})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s2 := newTestFileStore(t, dir)
	gv := fsGet(s2, 0, "alpha", -1)
	require.NoError(t, gv.Err)
	assert.Equal(t, []byte("v1"), gv.Item.Value)
}

func TestFileStoreRollbackUndoesAppends(t *testing.T) {
	s := newTestFileStore(t, t.TempDir())
	id := fsSet(t, s, 0, "alpha", "v1")
	sizeBefore := s.size

	s.Begin()
	s.Set(model.NewItem(0, "alpha", []byte("dirty"), 0, 0), func(SetResult) {})
	s.Set(model.NewItem(0, "beta", []byte("new"), 0, 0), func(SetResult) {})
	var rv int
	s.Del(model.NewItem(0, "alpha", nil, 0, 0), id, func(r int) { rv = r })
	require.Equal(t, DelSuccess, rv)
	s.Rollback()

	assert.Equal(t, sizeBefore, s.size)
	gv := fsGet(s, 0, "alpha", -1)
	require.NoError(t, gv.Err)
	assert.Equal(t, []byte("v1"), gv.Item.Value)
	gv = fsGet(s, 0, "beta", -1)
	assert.Error(t, gv.Err)
}

func TestFileStoreCompactionDropsDeadBytes(t *testing.T) {
	dir := t.TempDir()
	s := newTestFileStore(t, dir)

	// Overwrite one fat key until dead bytes outweigh live ones past the
	// compaction floor.
	value := bytes.Repeat([]byte("x"), 256*1024)
	for i := 0; i < 40; i++ {
		s.Begin()
		s.Set(model.NewItem(0, "fat", value, 0, 0), func(SetResult) {})
		require.True(t, s.Commit())
	}
	fsSet(t, s, 0, "thin", "v1")

	// Roughly 14 MiB were appended; without the rewrites the file would
	// dwarf the floor.
	assert.Less(t, s.size, int64(compactMinBytes))
	assert.Less(t, s.deadBytes, s.size)

	gv := fsGet(s, 0, "fat", -1)
	require.NoError(t, gv.Err)
	assert.Equal(t, value, gv.Item.Value)
	gv = fsGet(s, 0, "thin", -1)
	require.NoError(t, gv.Err)
	assert.Equal(t, []byte("v1"), gv.Item.Value)

	// The rewritten file replays cleanly.
	require.NoError(t, s.Close())
	s2 := newTestFileStore(t, dir)
	gv = fsGet(s2, 0, "fat", -1)
	require.NoError(t, gv.Err)
	assert.Equal(t, value, gv.Item.Value)
}

func TestFileStoreSnapshotsSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	s := newTestFileStore(t, dir)

	in := map[uint16]VBucketSnapshot{
		0: {State: model.VBActive, CheckpointID: 7},
		3: {State: model.VBReplica, CheckpointID: 2},
	}
	require.True(t, s.SnapshotVBuckets(in))
	require.True(t, s.SnapshotStats(map[string]string{"total_persisted": "42"}))
	require.NoError(t, s.Close())

	s2 := newTestFileStore(t, dir)
	assert.Equal(t, in, s2.ListPersistedVbuckets())
	stats, ok := s2.GetPersistedStats()
	require.True(t, ok)
	assert.Equal(t, "42", stats["total_persisted"])

	// Snapshots replace, never merge.
	require.True(t, s2.SnapshotVBuckets(map[uint16]VBucketSnapshot{1: {State: model.VBPending}}))
	assert.Len(t, s2.ListPersistedVbuckets(), 1)
}

func TestFileStoreResetDropsEverything(t *testing.T) {
	dir := t.TempDir()
	s := newTestFileStore(t, dir)
	fsSet(t, s, 0, "alpha", "v1")
	s.SnapshotVBuckets(map[uint16]VBucketSnapshot{0: {State: model.VBActive}})
	s.SnapshotStats(map[string]string{"total_persisted": "1"})

	s.Reset()

	gv := fsGet(s, 0, "alpha", -1)
	assert.Error(t, gv.Err)
	assert.Empty(t, s.ListPersistedVbuckets())
	_, ok := s.GetPersistedStats()
	assert.False(t, ok)
	require.NoError(t, s.Close())

	s2 := newTestFileStore(t, dir)
	gv = fsGet(s2, 0, "alpha", -1)
	assert.Error(t, gv.Err)
}

func TestFileStoreProperties(t *testing.T) {
	p := newTestFileStore(t, t.TempDir()).Properties()
	assert.Equal(t, 2, p.MaxConcurrency)
	assert.Equal(t, 2, p.MaxReaders)
	assert.Equal(t, 1, p.MaxWriters)
	assert.True(t, p.EfficientVBDeletion)
	assert.True(t, p.PersistedDeletions)
}
