package diff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mergefs/vfsd/internal/model"
)

func snap(files map[string]model.FileMetadata) model.DirectorySnapshot {
	return model.DirectorySnapshot{Files: files, CapturedAt: time.Unix(0, 0)}
}

func TestUnidirectionalCopiesMissingFromDest(t *testing.T) {
	source := snap(map[string]model.FileMetadata{
		"a.txt": {Size: 10, MTime: time.Unix(100, 0)},
	})
	dest := snap(map[string]model.FileMetadata{})

	plan := Plan("p", model.LocalToExternal, source, dest, Options{})
	require.Len(t, plan.Actions, 1)
	assert.Equal(t, model.ActionCopy, plan.Actions[0].Kind)
	assert.Equal(t, "a.txt", plan.Actions[0].Src)
}

func TestUnidirectionalDeletesOnlyWhenEnabled(t *testing.T) {
	source := snap(map[string]model.FileMetadata{})
	dest := snap(map[string]model.FileMetadata{
		"stale.txt": {Size: 1, MTime: time.Unix(0, 0)},
	})

	planNoDelete := Plan("p", model.LocalToExternal, source, dest, Options{EnableDelete: false})
	assert.Len(t, planNoDelete.Actions, 0)

	planDelete := Plan("p", model.LocalToExternal, source, dest, Options{EnableDelete: true})
	require.Len(t, planDelete.Actions, 1)
	assert.Equal(t, model.ActionDelete, planDelete.Actions[0].Kind)
}

func TestUnidirectionalUpdatesWhenNotIdentical(t *testing.T) {
	source := snap(map[string]model.FileMetadata{
		"a.txt": {Size: 20, MTime: time.Unix(1000, 0)},
	})
	dest := snap(map[string]model.FileMetadata{
		"a.txt": {Size: 10, MTime: time.Unix(0, 0)},
	})

	plan := Plan("p", model.LocalToExternal, source, dest, Options{})
	require.Len(t, plan.Actions, 1)
	assert.Equal(t, model.ActionUpdate, plan.Actions[0].Kind)
}

func TestUnidirectionalSkipsTooLargeFiles(t *testing.T) {
	source := snap(map[string]model.FileMetadata{
		"big.bin": {Size: 1000},
	})
	dest := snap(map[string]model.FileMetadata{})

	plan := Plan("p", model.LocalToExternal, source, dest, Options{MaxFileSize: 500})
	require.Len(t, plan.Actions, 1)
	assert.Equal(t, model.ActionSkip, plan.Actions[0].Kind)
	assert.Equal(t, model.SkipTooLarge, plan.Actions[0].SkipReason)
}

func TestIdenticalWithinTimeTolerance(t *testing.T) {
	source := snap(map[string]model.FileMetadata{
		"a.txt": {Size: 5, MTime: time.Unix(1000, 0)},
	})
	dest := snap(map[string]model.FileMetadata{
		"a.txt": {Size: 5, MTime: time.Unix(1001, 0)},
	})

	plan := Plan("p", model.LocalToExternal, source, dest, Options{TimeToleranceSeconds: 2})
	assert.Len(t, plan.Actions, 0)
}

func TestBidirectionalConflictsOnBothModified(t *testing.T) {
	source := snap(map[string]model.FileMetadata{
		"a.txt": {Size: 20, MTime: time.Unix(1000, 0)},
	})
	dest := snap(map[string]model.FileMetadata{
		"a.txt": {Size: 10, MTime: time.Unix(2000, 0)},
	})

	plan := Plan("p", model.Bidirectional, source, dest, Options{})
	require.Len(t, plan.Conflicts, 1)
	assert.Equal(t, model.ConflictBothModified, plan.Conflicts[0].Kind)
}

func TestBidirectionalConflictsOnDestOnlyFile(t *testing.T) {
	source := snap(map[string]model.FileMetadata{})
	dest := snap(map[string]model.FileMetadata{
		"only-dest.txt": {Size: 1},
	})

	plan := Plan("p", model.Bidirectional, source, dest, Options{})
	require.Len(t, plan.Conflicts, 1)
	assert.Equal(t, model.ConflictDeletedOnLocal, plan.Conflicts[0].Kind)
}

func TestBidirectionalConflictsOnTypeChange(t *testing.T) {
	source := snap(map[string]model.FileMetadata{
		"x": {IsDirectory: true},
	})
	dest := snap(map[string]model.FileMetadata{
		"x": {IsDirectory: false, Size: 1},
	})

	plan := Plan("p", model.Bidirectional, source, dest, Options{})
	require.Len(t, plan.Conflicts, 1)
	assert.Equal(t, model.ConflictTypeChanged, plan.Conflicts[0].Kind)
}

func TestMoveDetectionCollapsesCopyAndDelete(t *testing.T) {
	checksum := &model.Checksum{Algorithm: "sha256", Hex: "abc123"}
	source := snap(map[string]model.FileMetadata{
		"renamed.txt": {Size: 5, Checksum: checksum},
	})
	dest := snap(map[string]model.FileMetadata{
		"original.txt": {Size: 5, Checksum: checksum},
	})

	plan := Plan("p", model.LocalToExternal, source, dest, Options{EnableDelete: true, DetectMoves: true})
	require.Len(t, plan.Actions, 1)
	assert.Equal(t, model.ActionMove, plan.Actions[0].Kind)
	assert.Equal(t, "original.txt", plan.Actions[0].Src)
	assert.Equal(t, "renamed.txt", plan.Actions[0].Dst)
}

func TestOrderingCreateDirAscendingDeleteDescending(t *testing.T) {
	source := snap(map[string]model.FileMetadata{
		"a":       {IsDirectory: true},
		"a/b":     {IsDirectory: true},
		"a/b/c.txt": {Size: 1},
	})
	dest := snap(map[string]model.FileMetadata{
		"old":     {Size: 1},
		"old/dir": {IsDirectory: true},
	})

	plan := Plan("p", model.LocalToExternal, source, dest, Options{EnableDelete: true})

	var sawDirs, sawDeletes bool
	var lastDirDepth, lastDeleteDepth int
	for _, a := range plan.Actions {
		switch a.Kind {
		case model.ActionCreateDirectory:
			sawDirs = true
			depth := depthOf(a.Path)
			assert.GreaterOrEqual(t, depth, lastDirDepth)
			lastDirDepth = depth
		case model.ActionDelete:
			if sawDeletes {
				depth := depthOf(a.Path)
				assert.LessOrEqual(t, depth, lastDeleteDepth)
				lastDeleteDepth = depth
			} else {
				lastDeleteDepth = depthOf(a.Path)
			}
			sawDeletes = true
		}
	}
	assert.True(t, sawDirs)
	assert.True(t, sawDeletes)
}

func depthOf(p string) int {
	n := 1
	for _, c := range p {
		if c == '/' {
			n++
		}
	}
	return n
}
