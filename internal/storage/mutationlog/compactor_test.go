package mutationlog

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/emberkv/ember/internal/metrics"
)

func TestCompactorRewritesStaleLog(t *testing.T) {
	l, path := openTestLog(t)
	defer l.Close()

	// Many committed updates of a single key leave the log mostly
	// garbage.
	for i := 0; i < 10; i++ {
		require.NoError(t, l.NewItem(0, "hot", int64(i)))
		require.NoError(t, l.Commit1())
		require.NoError(t, l.Commit2())
	}

	c := NewCompactor(1<<30, 2.0, 100, zap.NewNop(), metrics.NewNopMetrics())
	compacted, err := c.Run(l, 0)
	require.NoError(t, err)
	assert.True(t, compacted)

	h := harvest(t, path)
	items := h.Committed()
	require.Len(t, items, 1)
	assert.Equal(t, "hot", items[0].Key)
	assert.Equal(t, int64(9), items[0].RowID)
	assert.Equal(t, uint64(1), l.RecordCount(RecNew))
}

func TestCompactorRewritesOversizeLog(t *testing.T) {
	l, path := openTestLog(t)
	defer l.Close()

	require.NoError(t, l.NewItem(0, "a", 1))
	require.NoError(t, l.NewItem(0, "b", 2))
	require.NoError(t, l.Commit1())
	require.NoError(t, l.Commit2())

	c := NewCompactor(1, 1000.0, 100, zap.NewNop(), metrics.NewNopMetrics())
	compacted, err := c.Run(l, 0)
	require.NoError(t, err)
	assert.True(t, compacted)

	h := harvest(t, path)
	assert.Len(t, h.Committed(), 2)
}

func TestCompactorSkipsHealthyLog(t *testing.T) {
	l, _ := openTestLog(t)
	defer l.Close()

	require.NoError(t, l.NewItem(0, "a", 1))
	require.NoError(t, l.NewItem(0, "b", 2))
	require.NoError(t, l.Commit1())
	require.NoError(t, l.Commit2())

	// 4 records, 2 live keys, ratio cap 10: nothing to reclaim.
	c := NewCompactor(1<<30, 10.0, 100, zap.NewNop(), metrics.NewNopMetrics())
	compacted, err := c.Run(l, 0)
	require.NoError(t, err)
	assert.False(t, compacted)
}

func TestCompactorYieldsToBusyWriteQueue(t *testing.T) {
	l, _ := openTestLog(t)
	defer l.Close()

	for i := 0; i < 10; i++ {
		require.NoError(t, l.NewItem(0, "hot", int64(i)))
		require.NoError(t, l.Commit1())
		require.NoError(t, l.Commit2())
	}

	c := NewCompactor(1, 2.0, 5, zap.NewNop(), metrics.NewNopMetrics())
	compacted, err := c.Run(l, 50)
	require.NoError(t, err)
	assert.False(t, compacted)
}

func TestCompactorSkipsDisabledLog(t *testing.T) {
	l, _ := openTestLog(t)
	defer l.Close()
	l.Disable()

	c := NewCompactor(1, 2.0, 100, zap.NewNop(), metrics.NewNopMetrics())
	compacted, err := c.Run(l, 0)
	require.NoError(t, err)
	assert.False(t, compacted)
}

func TestLogAppendsAfterCompaction(t *testing.T) {
	l, path := openTestLog(t)
	defer l.Close()

	for i := 0; i < 10; i++ {
		require.NoError(t, l.NewItem(0, "hot", int64(i)))
		require.NoError(t, l.Commit1())
		require.NoError(t, l.Commit2())
	}

	c := NewCompactor(1, 2.0, 100, zap.NewNop(), metrics.NewNopMetrics())
	compacted, err := c.Run(l, 0)
	require.NoError(t, err)
	require.True(t, compacted)

	require.NoError(t, l.NewItem(0, "fresh", 42))
	require.NoError(t, l.Commit1())
	require.NoError(t, l.Commit2())

	h := harvest(t, path)
	items := h.Committed()
	require.Len(t, items, 2)
}

func TestAccessLogRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "access.log")
	logger := zap.NewNop()
	m := metrics.NewNopMetrics()

	a, err := NewAccessLog(path, testBlockSize, logger, m)
	require.NoError(t, err)
	require.NoError(t, a.Add(0, "alpha", 1))
	require.NoError(t, a.Add(0, "beta", 2))
	assert.Equal(t, 2, a.Items())
	require.NoError(t, a.Commit())

	items := LoadAccessLog(path, testBlockSize, logger)
	require.Len(t, items, 2)

	// A second generation replaces the first; the first survives as .old.
	a, err = NewAccessLog(path, testBlockSize, logger, m)
	require.NoError(t, err)
	require.NoError(t, a.Add(0, "gamma", 3))
	require.NoError(t, a.Commit())

	items = LoadAccessLog(path, testBlockSize, logger)
	require.Len(t, items, 1)
	assert.Equal(t, "gamma", items[0].Key)

	old := LoadAccessLog(filepath.Join(dir, "access.log.old"), testBlockSize, logger)
	require.Len(t, old, 2)
}

func TestAccessLogEmptyRunKeepsPrevious(t *testing.T) {
	path := filepath.Join(t.TempDir(), "access.log")
	logger := zap.NewNop()
	m := metrics.NewNopMetrics()

	a, err := NewAccessLog(path, testBlockSize, logger, m)
	require.NoError(t, err)
	require.NoError(t, a.Add(0, "alpha", 1))
	require.NoError(t, a.Commit())

	a, err = NewAccessLog(path, testBlockSize, logger, m)
	require.NoError(t, err)
	require.NoError(t, a.Commit())

	items := LoadAccessLog(path, testBlockSize, logger)
	require.Len(t, items, 1)
	assert.Equal(t, "alpha", items[0].Key)
}

func TestAccessLogAbortDiscardsGeneration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "access.log")
	logger := zap.NewNop()
	m := metrics.NewNopMetrics()

	a, err := NewAccessLog(path, testBlockSize, logger, m)
	require.NoError(t, err)
	require.NoError(t, a.Add(0, "alpha", 1))
	require.NoError(t, a.Commit())

	a, err = NewAccessLog(path, testBlockSize, logger, m)
	require.NoError(t, err)
	require.NoError(t, a.Add(0, "doomed", 2))
	a.Abort()

	items := LoadAccessLog(path, testBlockSize, logger)
	require.Len(t, items, 1)
	assert.Equal(t, "alpha", items[0].Key)
}

func TestLoadAccessLogFallsBackToOld(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "access.log")
	logger := zap.NewNop()
	m := metrics.NewNopMetrics()

	// Build only the .old generation.
	old, err := Open(path+".old", testBlockSize, false, logger, m)
	require.NoError(t, err)
	require.NoError(t, old.NewItem(0, "vintage", 1))
	require.NoError(t, old.Commit1())
	require.NoError(t, old.Commit2())
	require.NoError(t, old.Close())

	items := LoadAccessLog(path, testBlockSize, logger)
	require.Len(t, items, 1)
	assert.Equal(t, "vintage", items[0].Key)
}
