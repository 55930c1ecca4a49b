package merge

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mergefs/vfsd/internal/index"
	"github.com/mergefs/vfsd/internal/lockmgr"
	"github.com/mergefs/vfsd/internal/model"
)

func newTestEngine(t *testing.T, online bool) (*Engine, string, string) {
	t.Helper()
	dataDir := t.TempDir()
	localRoot := t.TempDir()
	externalRoot := t.TempDir()

	idx, err := index.Open(dataDir, "pair1")
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })

	locks := lockmgr.New("pair1", time.Minute, nil)

	pair := model.SyncPair{
		ID:           "pair1",
		LocalRoot:    localRoot,
		ExternalRoot: externalRoot,
		Filters: model.Filters{
			ExcludePatterns: model.DefaultExcludePatterns,
		},
	}
	eng, err := New(pair, idx, locks, func() bool { return online })
	require.NoError(t, err)
	return eng, localRoot, externalRoot
}

func TestGetattrPrefersLocalOverExternal(t *testing.T) {
	eng, localRoot, externalRoot := newTestEngine(t, true)

	require.NoError(t, os.WriteFile(filepath.Join(localRoot, "a.txt"), []byte("local"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(externalRoot, "a.txt"), []byte("external-longer"), 0o644))

	attr, err := eng.Getattr("a.txt")
	require.NoError(t, err)
	require.Equal(t, model.Both, attr.Location)
	require.EqualValues(t, len("local"), attr.Size)
}

func TestGetattrFallsBackToExternalWhenOnline(t *testing.T) {
	eng, _, externalRoot := newTestEngine(t, true)
	require.NoError(t, os.WriteFile(filepath.Join(externalRoot, "b.txt"), []byte("ext"), 0o644))

	attr, err := eng.Getattr("b.txt")
	require.NoError(t, err)
	require.Equal(t, model.ExternalOnly, attr.Location)
}

func TestGetattrExternalOnlyOfflineFails(t *testing.T) {
	eng, _, externalRoot := newTestEngine(t, false)
	require.NoError(t, os.WriteFile(filepath.Join(externalRoot, "c.txt"), []byte("ext"), 0o644))

	_, err := eng.Getattr("c.txt")
	require.Error(t, err)
}

func TestGetattrNotFound(t *testing.T) {
	eng, _, _ := newTestEngine(t, true)
	_, err := eng.Getattr("missing.txt")
	require.Error(t, err)
}

func TestReaddirUnionsAndDedups(t *testing.T) {
	eng, localRoot, externalRoot := newTestEngine(t, true)

	require.NoError(t, os.WriteFile(filepath.Join(localRoot, "shared.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(externalRoot, "shared.txt"), []byte("y"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(localRoot, "local-only.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(externalRoot, "external-only.txt"), []byte("y"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(localRoot, ".hidden"), []byte("z"), 0o644))

	entries, err := eng.Readdir("")
	require.NoError(t, err)

	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}
	require.Equal(t, []string{"external-only.txt", "local-only.txt", "shared.txt"}, names)
}

func TestReaddirExcludesExternalWhenOffline(t *testing.T) {
	eng, localRoot, externalRoot := newTestEngine(t, false)
	require.NoError(t, os.WriteFile(filepath.Join(localRoot, "local.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(externalRoot, "ext.txt"), []byte("y"), 0o644))

	entries, err := eng.Readdir("")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "local.txt", entries[0].Name)
}

func TestResolveOpenForReadPrefersLocalWhenSizeMatchesIndex(t *testing.T) {
	eng, localRoot, _ := newTestEngine(t, true)
	require.NoError(t, os.WriteFile(filepath.Join(localRoot, "f.txt"), []byte("hello"), 0o644))

	require.NoError(t, eng.idx.Upsert(&model.FileEntry{
		PairID: "pair1", VirtualPath: "f.txt", Size: 5, Location: model.LocalOnly,
	}))

	target, err := eng.ResolveOpenForRead("f.txt")
	require.NoError(t, err)
	require.Equal(t, model.RootLocal, target.Root)
}

func TestResolveOpenForReadFallsBackToExternal(t *testing.T) {
	eng, _, externalRoot := newTestEngine(t, true)
	require.NoError(t, os.WriteFile(filepath.Join(externalRoot, "only-ext.txt"), []byte("hi"), 0o644))

	target, err := eng.ResolveOpenForRead("only-ext.txt")
	require.NoError(t, err)
	require.Equal(t, model.RootExternal, target.Root)

	entry, ok, err := eng.idx.Get("only-ext.txt")
	require.NoError(t, err)
	require.True(t, ok)
	require.False(t, entry.AccessedAt.IsZero())
}

func TestInvalidateClearsCache(t *testing.T) {
	eng, localRoot, _ := newTestEngine(t, true)
	require.NoError(t, os.WriteFile(filepath.Join(localRoot, "g.txt"), []byte("v1"), 0o644))

	attr1, err := eng.Getattr("g.txt")
	require.NoError(t, err)
	require.EqualValues(t, 2, attr1.Size)

	require.NoError(t, os.WriteFile(filepath.Join(localRoot, "g.txt"), []byte("v2-longer"), 0o644))
	eng.Invalidate("g.txt")

	attr2, err := eng.Getattr("g.txt")
	require.NoError(t, err)
	require.EqualValues(t, len("v2-longer"), attr2.Size)
}
