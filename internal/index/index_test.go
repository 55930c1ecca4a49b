package index

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mergefs/vfsd/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), "pair1")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestUpsertGetDelete(t *testing.T) {
	s := openTestStore(t)

	_, ok, err := s.Get("a/b.txt")
	require.NoError(t, err)
	assert.False(t, ok)

	entry := &model.FileEntry{PairID: "pair1", VirtualPath: "a/b.txt", Size: 42, Location: model.LocalOnly, Dirty: true}
	require.NoError(t, s.Upsert(entry))

	got, ok, err := s.Get("a/b.txt")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(42), got.Size)
	assert.True(t, got.Dirty)

	require.NoError(t, s.Delete("a/b.txt"))
	_, ok, err = s.Get("a/b.txt")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMutatePreservesUntouchedFields(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Upsert(&model.FileEntry{
		PairID: "pair1", VirtualPath: "x.txt", Size: 10, Permissions: 0o644,
	}))

	require.NoError(t, s.Mutate("pair1", "x.txt", func(e *model.FileEntry) {
		e.Dirty = true
	}))

	got, ok, err := s.Get("x.txt")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Dirty)
	assert.Equal(t, int64(10), got.Size)
	assert.Equal(t, uint32(0o644), got.Permissions)
}

func TestIterFiltersAndNests(t *testing.T) {
	s := openTestStore(t)
	paths := []string{"a.txt", "dir/b.txt", "dir/sub/c.txt"}
	for _, p := range paths {
		require.NoError(t, s.Upsert(&model.FileEntry{PairID: "pair1", VirtualPath: p, Dirty: p != "a.txt"}))
	}

	var seen []string
	require.NoError(t, s.Iter(nil, func(e *model.FileEntry) error {
		seen = append(seen, e.VirtualPath)
		return nil
	}))
	assert.ElementsMatch(t, paths, seen)

	var dirtyOnly []string
	require.NoError(t, s.Iter(Dirty, func(e *model.FileEntry) error {
		dirtyOnly = append(dirtyOnly, e.VirtualPath)
		return nil
	}))
	assert.ElementsMatch(t, []string{"dir/b.txt", "dir/sub/c.txt"}, dirtyOnly)
}

func TestTreeVersionAbsentByDefault(t *testing.T) {
	s := openTestStore(t)

	_, ok, err := s.GetTreeVersion(model.RootExternal)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetTreeVersion(model.RootExternal, "v1"))
	v, ok, err := s.GetTreeVersion(model.RootExternal)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v1", v)

	require.NoError(t, s.Invalidate(model.RootExternal))
	_, ok, err = s.GetTreeVersion(model.RootExternal)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCleanupExpiredLocks(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()
	require.NoError(t, s.Upsert(&model.FileEntry{
		PairID: "pair1", VirtualPath: "locked.txt",
		LockState: model.SyncLocked, LockTime: now.Add(-20 * time.Minute),
	}))
	require.NoError(t, s.Upsert(&model.FileEntry{
		PairID: "pair1", VirtualPath: "fresh.txt",
		LockState: model.SyncLocked, LockTime: now,
	}))

	reaped, err := s.CleanupExpiredLocks(now, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)

	stale, _, err := s.Get("locked.txt")
	require.NoError(t, err)
	assert.Equal(t, model.Unlocked, stale.LockState)

	fresh, _, err := s.Get("fresh.txt")
	require.NoError(t, err)
	assert.Equal(t, model.SyncLocked, fresh.LockState)
}
