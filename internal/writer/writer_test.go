package writer

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mergefs/vfsd/internal/index"
	"github.com/mergefs/vfsd/internal/lockmgr"
	"github.com/mergefs/vfsd/internal/model"
	"github.com/mergefs/vfsd/internal/vfserr"
)

type fakeInvalidator struct{ invalidated []string }

func (f *fakeInvalidator) Invalidate(vpath string) { f.invalidated = append(f.invalidated, vpath) }

func newTestRouter(t *testing.T, online bool) (*Router, *index.Store, *lockmgr.Manager, string, string) {
	t.Helper()
	dataDir := t.TempDir()
	localRoot := t.TempDir()
	externalRoot := t.TempDir()

	idx, err := index.Open(dataDir, "pair1")
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })

	locks := lockmgr.New("pair1", time.Minute, nil)
	pair := model.SyncPair{ID: "pair1", LocalRoot: localRoot, ExternalRoot: externalRoot}

	r := New(pair, idx, locks, &fakeInvalidator{}, func() bool { return online })
	return r, idx, locks, localRoot, externalRoot
}

func TestCreateMakesEmptyLocalFileAndIndexEntry(t *testing.T) {
	r, idx, _, localRoot, _ := newTestRouter(t, true)

	require.NoError(t, r.Create("a.txt", 0o644))

	_, err := os.Stat(filepath.Join(localRoot, "a.txt"))
	require.NoError(t, err)

	entry, ok, err := idx.Get("a.txt")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, model.LocalOnly, entry.Location)
	require.True(t, entry.Dirty)
}

func TestWriteToNeverReplicatedFileLeavesLocationLocalOnly(t *testing.T) {
	r, idx, _, _, _ := newTestRouter(t, true)
	require.NoError(t, r.Create("a.txt", 0o644))

	_, err := r.Write("a.txt", []byte("hi"), 0)
	require.NoError(t, err)

	entry, ok, err := idx.Get("a.txt")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, model.LocalOnly, entry.Location, "a write before the first sync must not claim the external root has a copy")
	require.True(t, entry.Dirty)
}

func TestWriteRefusedWhenLocked(t *testing.T) {
	r, _, locks, localRoot, _ := newTestRouter(t, true)
	require.NoError(t, r.Create("a.txt", 0o644))

	require.NoError(t, locks.Lock([]string{"a.txt"}, model.LockForWrite, "other-owner"))

	_, err := r.Write("a.txt", []byte("hi"), 0)
	require.ErrorIs(t, err, vfserr.ErrBusy)
	_ = localRoot
}

func TestWritePromotesExternalOnlyFile(t *testing.T) {
	r, idx, _, localRoot, externalRoot := newTestRouter(t, true)
	require.NoError(t, os.WriteFile(filepath.Join(externalRoot, "b.txt"), []byte("original"), 0o644))

	n, err := r.Write("b.txt", []byte("NEW"), 0)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	data, err := os.ReadFile(filepath.Join(localRoot, "b.txt"))
	require.NoError(t, err)
	require.Equal(t, "NEWginal", string(data))

	entry, ok, err := idx.Get("b.txt")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, model.Both, entry.Location)
	require.True(t, entry.Dirty)
}

func TestWriteFailsWhenExternalOfflineAndNoLocalCopy(t *testing.T) {
	r, _, _, _, externalRoot := newTestRouter(t, false)
	require.NoError(t, os.WriteFile(filepath.Join(externalRoot, "c.txt"), []byte("x"), 0o644))

	_, err := r.Write("c.txt", []byte("y"), 0)
	require.ErrorIs(t, err, vfserr.ErrExternalOffline)
}

func TestUnlinkRemovesFromBothRootsAndIndex(t *testing.T) {
	r, idx, _, localRoot, externalRoot := newTestRouter(t, true)
	require.NoError(t, os.WriteFile(filepath.Join(localRoot, "d.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(externalRoot, "d.txt"), []byte("x"), 0o644))
	require.NoError(t, idx.Upsert(&model.FileEntry{PairID: "pair1", VirtualPath: "d.txt", Location: model.Both}))

	require.NoError(t, r.Unlink("d.txt"))

	_, err := os.Stat(filepath.Join(localRoot, "d.txt"))
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(externalRoot, "d.txt"))
	require.True(t, os.IsNotExist(err))

	_, ok, err := idx.Get("d.txt")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestUnlinkTombstonesWhenExternalOffline(t *testing.T) {
	r, idx, _, localRoot, _ := newTestRouter(t, false)
	require.NoError(t, os.WriteFile(filepath.Join(localRoot, "e.txt"), []byte("x"), 0o644))
	require.NoError(t, idx.Upsert(&model.FileEntry{PairID: "pair1", VirtualPath: "e.txt", Location: model.LocalOnly}))

	require.NoError(t, r.Unlink("e.txt"))

	entry, ok, err := idx.Get("e.txt")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, entry.Tombstoned)
}

func TestRmdirFailsWhenNotEmpty(t *testing.T) {
	r, _, _, localRoot, _ := newTestRouter(t, true)
	require.NoError(t, os.Mkdir(filepath.Join(localRoot, "dir"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(localRoot, "dir", "child.txt"), []byte("x"), 0o644))

	err := r.Rmdir("dir")
	require.ErrorIs(t, err, vfserr.ErrNotEmpty)
}

func TestRenameMovesOnBothRootsAndRewritesIndexKey(t *testing.T) {
	r, idx, _, localRoot, externalRoot := newTestRouter(t, true)
	require.NoError(t, os.WriteFile(filepath.Join(localRoot, "old.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(externalRoot, "old.txt"), []byte("x"), 0o644))
	require.NoError(t, idx.Upsert(&model.FileEntry{PairID: "pair1", VirtualPath: "old.txt", Location: model.Both}))

	require.NoError(t, r.Rename("old.txt", "new.txt"))

	_, err := os.Stat(filepath.Join(localRoot, "new.txt"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(externalRoot, "new.txt"))
	require.NoError(t, err)

	_, ok, err := idx.Get("old.txt")
	require.NoError(t, err)
	require.False(t, ok)
	entry, ok, err := idx.Get("new.txt")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "new.txt", entry.VirtualPath)
}
