package syncexec

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/mergefs/vfsd/internal/helper"
	"github.com/mergefs/vfsd/internal/index"
	"github.com/mergefs/vfsd/internal/lockmgr"
	"github.com/mergefs/vfsd/internal/model"
)

// fakeHelperClient records Unprotect calls so tests can assert the
// permission-denied recovery path actually reaches the helper.
type fakeHelperClient struct {
	unprotectCalls []string
	unprotectErr   error
}

func (f *fakeHelperClient) Protect(context.Context, string) error   { return nil }
func (f *fakeHelperClient) LockFS(context.Context, string) error    { return nil }
func (f *fakeHelperClient) UnlockFS(context.Context, string) error  { return nil }
func (f *fakeHelperClient) Hide(context.Context, string) error      { return nil }
func (f *fakeHelperClient) Unhide(context.Context, string) error    { return nil }
func (f *fakeHelperClient) SetACL(context.Context, string, bool, string, string) error {
	return nil
}
func (f *fakeHelperClient) Status(context.Context, string) (helper.Status, error) {
	return helper.Status{}, nil
}
func (f *fakeHelperClient) Unprotect(_ context.Context, path string) error {
	f.unprotectCalls = append(f.unprotectCalls, path)
	return f.unprotectErr
}

var _ helper.Client = (*fakeHelperClient)(nil)

type noopInvalidator struct{}

func (noopInvalidator) Invalidate(string) {}

// pauseOnInvalidate requests a pause from inside the first applied action,
// so the pause lands while Apply is in progress.
type pauseOnInvalidate struct{ exec *Executor }

func (p pauseOnInvalidate) Invalidate(string) { p.exec.Pause() }

func newTestExecutor(t *testing.T) (*Executor, string, string) {
	t.Helper()
	dataDir := t.TempDir()
	localRoot := t.TempDir()
	externalRoot := t.TempDir()

	idx, err := index.Open(dataDir, "pair1")
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })

	ckpt, err := OpenCheckpointStore(dataDir, "pair1")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ckpt.Close() })

	locks := lockmgr.New("pair1", time.Minute, nil)
	pair := model.SyncPair{
		ID:           "pair1",
		LocalRoot:    localRoot,
		ExternalRoot: externalRoot,
		Direction:    model.LocalToExternal,
	}

	exec := New(pair, idx, locks, ckpt, noopInvalidator{}, nil, nil, Options{CheckpointInterval: 50, ParallelOperations: 2})
	return exec, localRoot, externalRoot
}

func TestApplyCopiesNewFileToDestination(t *testing.T) {
	exec, localRoot, externalRoot := newTestExecutor(t)
	require.NoError(t, os.WriteFile(filepath.Join(localRoot, "a.txt"), []byte("hello"), 0o644))

	plan := &model.SyncPlan{
		PairID:    "pair1",
		Direction: model.LocalToExternal,
		Actions: []model.SyncAction{
			{Kind: model.ActionCopy, Src: "a.txt", Dst: "a.txt", Meta: model.FileMetadata{Size: 5, Permissions: 0o644}},
		},
		TotalFiles: 1,
	}

	state, err := exec.Apply(context.Background(), plan, nil)
	require.NoError(t, err)
	require.Equal(t, model.PhaseCompleted, state.Phase)

	data, err := os.ReadFile(filepath.Join(externalRoot, "a.txt"))
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))
}

func TestApplyCreatesDirectoriesBeforeCopies(t *testing.T) {
	exec, localRoot, externalRoot := newTestExecutor(t)
	require.NoError(t, os.MkdirAll(filepath.Join(localRoot, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(localRoot, "sub", "f.txt"), []byte("x"), 0o644))

	plan := &model.SyncPlan{
		PairID:    "pair1",
		Direction: model.LocalToExternal,
		Actions: []model.SyncAction{
			{Kind: model.ActionCreateDirectory, Path: "sub"},
			{Kind: model.ActionCopy, Src: "sub/f.txt", Dst: "sub/f.txt", Meta: model.FileMetadata{Size: 1, Permissions: 0o644}},
		},
	}

	state, err := exec.Apply(context.Background(), plan, nil)
	require.NoError(t, err)
	require.Equal(t, model.PhaseCompleted, state.Phase)

	_, err = os.Stat(filepath.Join(externalRoot, "sub", "f.txt"))
	require.NoError(t, err)
}

func TestApplyDeletesDestinationOnlyFile(t *testing.T) {
	exec, _, externalRoot := newTestExecutor(t)
	require.NoError(t, os.WriteFile(filepath.Join(externalRoot, "stale.txt"), []byte("x"), 0o644))

	plan := &model.SyncPlan{
		PairID:    "pair1",
		Direction: model.LocalToExternal,
		Actions: []model.SyncAction{
			{Kind: model.ActionDelete, Path: "stale.txt", Meta: model.FileMetadata{}},
		},
	}

	state, err := exec.Apply(context.Background(), plan, nil)
	require.NoError(t, err)
	require.Equal(t, model.PhaseCompleted, state.Phase)

	_, err = os.Stat(filepath.Join(externalRoot, "stale.txt"))
	require.True(t, os.IsNotExist(err))
}

func TestPauseStopsBeforeRemainingActions(t *testing.T) {
	exec, localRoot, _ := newTestExecutor(t)
	require.NoError(t, os.WriteFile(filepath.Join(localRoot, "a.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(localRoot, "b.txt"), []byte("y"), 0o644))

	// request pause while the first action (the directory) is applied
	exec.invalidate = pauseOnInvalidate{exec: exec}

	plan := &model.SyncPlan{
		PairID:    "pair1",
		Direction: model.LocalToExternal,
		Actions: []model.SyncAction{
			{Kind: model.ActionCreateDirectory, Path: "dummy"},
			{Kind: model.ActionCopy, Src: "a.txt", Dst: "a.txt", Meta: model.FileMetadata{Size: 1}},
		},
	}

	state, err := exec.Apply(context.Background(), plan, nil)
	require.NoError(t, err)
	require.Equal(t, model.PhasePaused, state.Phase)
}

func TestResumeContinuesFromCompletedIndices(t *testing.T) {
	exec, localRoot, externalRoot := newTestExecutor(t)
	require.NoError(t, os.WriteFile(filepath.Join(localRoot, "a.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(localRoot, "b.txt"), []byte("y"), 0o644))

	plan := &model.SyncPlan{
		PairID:    "pair1",
		Direction: model.LocalToExternal,
		Actions: []model.SyncAction{
			{Kind: model.ActionCopy, Src: "a.txt", Dst: "a.txt", Meta: model.FileMetadata{Size: 1}},
			{Kind: model.ActionCopy, Src: "b.txt", Dst: "b.txt", Meta: model.FileMetadata{Size: 1}},
		},
	}

	priorState := &model.SyncState{
		PairID:           "pair1",
		Plan:             plan,
		Phase:            model.PhasePaused,
		CompletedIndices: map[int]bool{0: true},
		PendingIndices:   map[int]bool{1: true},
	}

	state, err := exec.Apply(context.Background(), plan, priorState)
	require.NoError(t, err)
	require.Equal(t, model.PhaseCompleted, state.Phase)

	_, err = os.Stat(filepath.Join(externalRoot, "b.txt"))
	require.NoError(t, err)
}

func TestResolveConflictLocalWinsCopiesLocalOverExternal(t *testing.T) {
	exec, localRoot, externalRoot := newTestExecutor(t)
	exec.opt.ConflictStrategy = model.StrategyLocalWins
	require.NoError(t, os.WriteFile(filepath.Join(localRoot, "c.txt"), []byte("local-version"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(externalRoot, "c.txt"), []byte("external-version"), 0o644))

	plan := &model.SyncPlan{
		PairID:    "pair1",
		Direction: model.Bidirectional,
		Actions: []model.SyncAction{
			{Kind: model.ActionResolveConflict, Path: "c.txt", Conflict: model.ConflictInfo{
				Path: "c.txt", Kind: model.ConflictBothModified,
			}},
		},
	}

	state, err := exec.Apply(context.Background(), plan, nil)
	require.NoError(t, err)
	require.Equal(t, model.PhaseCompleted, state.Phase)

	data, err := os.ReadFile(filepath.Join(externalRoot, "c.txt"))
	require.NoError(t, err)
	require.Equal(t, "local-version", string(data))
}

func TestResolveConflictAskUserLeavesActionPendingAndPauses(t *testing.T) {
	exec, localRoot, externalRoot := newTestExecutor(t)
	exec.opt.ConflictStrategy = model.StrategyAskUser
	require.NoError(t, os.WriteFile(filepath.Join(localRoot, "c.txt"), []byte("local-version"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(externalRoot, "c.txt"), []byte("external-version"), 0o644))

	plan := &model.SyncPlan{
		PairID:    "pair1",
		Direction: model.Bidirectional,
		Actions: []model.SyncAction{
			{Kind: model.ActionResolveConflict, Path: "c.txt", Conflict: model.ConflictInfo{
				Path: "c.txt", Kind: model.ConflictBothModified,
			}},
		},
	}

	state, err := exec.Apply(context.Background(), plan, nil)
	require.NoError(t, err)
	require.Equal(t, model.PhasePaused, state.Phase)
	require.True(t, state.PendingIndices[0], "ask_user conflict must stay pending, not complete or fail")
	require.False(t, state.CompletedIndices[0])
	require.Empty(t, state.FailedActions)

	// Neither side was overwritten: the conflict truly never advanced.
	data, err := os.ReadFile(filepath.Join(externalRoot, "c.txt"))
	require.NoError(t, err)
	require.Equal(t, "external-version", string(data))
}

func TestResolveConflictTypeChangedAlwaysPausesRegardlessOfStrategy(t *testing.T) {
	exec, localRoot, externalRoot := newTestExecutor(t)
	exec.opt.ConflictStrategy = model.StrategyLocalWins
	require.NoError(t, os.WriteFile(filepath.Join(localRoot, "c.txt"), []byte("file-now"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(externalRoot, "c.txt"), 0o755))

	plan := &model.SyncPlan{
		PairID:    "pair1",
		Direction: model.Bidirectional,
		Actions: []model.SyncAction{
			{Kind: model.ActionResolveConflict, Path: "c.txt", Conflict: model.ConflictInfo{
				Path: "c.txt", Kind: model.ConflictTypeChanged,
			}},
		},
	}

	state, err := exec.Apply(context.Background(), plan, nil)
	require.NoError(t, err)
	require.Equal(t, model.PhasePaused, state.Phase)
	require.True(t, state.PendingIndices[0])
}

func TestResolveConflictKeepBothPreservesBothSidesUnderDistinctNames(t *testing.T) {
	exec, localRoot, externalRoot := newTestExecutor(t)
	exec.opt.ConflictStrategy = model.StrategyKeepBoth
	exec.opt.BackupSuffix = ".conflict"
	now := time.Now()
	require.NoError(t, os.WriteFile(filepath.Join(localRoot, "c.txt"), []byte("local-version"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(externalRoot, "c.txt"), []byte("external-version"), 0o644))

	plan := &model.SyncPlan{
		PairID:    "pair1",
		Direction: model.Bidirectional,
		Actions: []model.SyncAction{
			{Kind: model.ActionResolveConflict, Path: "c.txt", Conflict: model.ConflictInfo{
				Path:      "c.txt",
				Kind:      model.ConflictBothModified,
				LocalMeta: &model.FileMetadata{Size: 13, MTime: now},
				ExtMeta:   &model.FileMetadata{Size: 16, MTime: now},
			}},
		},
	}

	state, err := exec.Apply(context.Background(), plan, nil)
	require.NoError(t, err)
	require.Equal(t, model.PhaseCompleted, state.Phase)

	extData, err := os.ReadFile(filepath.Join(externalRoot, "c.txt"))
	require.NoError(t, err)
	require.Equal(t, "local-version", string(extData))

	localBackup, err := os.ReadFile(filepath.Join(localRoot, "c.txt.conflict"))
	require.NoError(t, err)
	require.Equal(t, "external-version", string(localBackup))

	externalBackup, err := os.ReadFile(filepath.Join(externalRoot, "c.txt.conflict"))
	require.NoError(t, err)
	require.Equal(t, "external-version", string(externalBackup))
}

func TestRecoverFromPermissionDeniedCallsHelperThenRetries(t *testing.T) {
	exec, localRoot, externalRoot := newTestExecutor(t)
	fakeHelper := &fakeHelperClient{}
	exec.helper = fakeHelper
	require.NoError(t, os.WriteFile(filepath.Join(localRoot, "p.txt"), []byte("data"), 0o644))

	action := model.SyncAction{Kind: model.ActionCopy, Src: "p.txt", Dst: "p.txt", Meta: model.FileMetadata{Size: 4, Permissions: 0o644}}
	err := exec.recoverFromPermissionDenied(context.Background(), action, os.ErrPermission)
	require.NoError(t, err)
	require.Equal(t, []string{externalRoot}, fakeHelper.unprotectCalls)

	data, err := os.ReadFile(filepath.Join(externalRoot, "p.txt"))
	require.NoError(t, err)
	require.Equal(t, "data", string(data))
}

func TestRecoverFromPermissionDeniedReturnsOriginalErrorWhenHelperFails(t *testing.T) {
	exec, localRoot, _ := newTestExecutor(t)
	fakeHelper := &fakeHelperClient{unprotectErr: errHelperDown}
	exec.helper = fakeHelper
	require.NoError(t, os.WriteFile(filepath.Join(localRoot, "p.txt"), []byte("data"), 0o644))

	action := model.SyncAction{Kind: model.ActionCopy, Src: "p.txt", Dst: "p.txt", Meta: model.FileMetadata{Size: 4, Permissions: 0o644}}
	origErr := os.ErrPermission
	err := exec.recoverFromPermissionDenied(context.Background(), action, origErr)
	require.ErrorIs(t, err, origErr)
	require.Len(t, fakeHelper.unprotectCalls, 1)
}

func TestRecoverFromPermissionDeniedWithoutHelperReturnsOriginalError(t *testing.T) {
	exec, localRoot, _ := newTestExecutor(t)
	require.NoError(t, os.WriteFile(filepath.Join(localRoot, "p.txt"), []byte("data"), 0o644))

	action := model.SyncAction{Kind: model.ActionCopy, Src: "p.txt", Dst: "p.txt", Meta: model.FileMetadata{Size: 4}}
	err := exec.recoverFromPermissionDenied(context.Background(), action, os.ErrPermission)
	require.ErrorIs(t, err, os.ErrPermission)
}

func TestIsTransientClassifiesKnownTransientErrnos(t *testing.T) {
	require.True(t, isTransient(&os.PathError{Op: "read", Path: "x", Err: syscall.EIO}))
	require.True(t, isTransient(&os.PathError{Op: "read", Path: "x", Err: syscall.ESTALE}))
	require.False(t, isTransient(os.ErrPermission))
	require.False(t, isTransient(os.ErrNotExist))
}

func TestIsExternalRelatedForLocalToExternalPair(t *testing.T) {
	exec, _, _ := newTestExecutor(t)
	require.True(t, exec.isExternalRelated(model.SyncAction{Kind: model.ActionCopy}))
	require.True(t, exec.isExternalRelated(model.SyncAction{Kind: model.ActionDelete}))
	require.True(t, exec.isExternalRelated(model.SyncAction{Kind: model.ActionResolveConflict}))
}

var errHelperDown = errors.New("helper unreachable")
