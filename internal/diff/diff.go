// Package diff implements the Sync Planner / Diff Engine (spec.md §4.5):
// given two DirectorySnapshots and a direction, produce a deterministic
// ordered SyncPlan. Conceptually grounded on backend/union/policy's
// Policy interface (its Action/Create/Search categories generalize into
// this package's per-entry classification), with move-detection grounded
// on policy/newest.go's mtime-comparison idiom repurposed as a
// checksum-equality probe. The diff algorithm itself is plain
// data-structure work over two maps; nothing in the pack supplies a
// diff-specific library, so this package is stdlib-only by necessity
// (see DESIGN.md).
//
// Move detection only pairs a Copy with a Delete when both entries'
// metadata carry a checksum; snapshots scanned with checksumming off
// carry none, so a rename is then planned as a Copy plus a Delete.
package diff

import (
	"sort"

	"github.com/mergefs/vfsd/internal/model"
	"github.com/mergefs/vfsd/internal/pathutil"
)

// Options configures equality and ordering per spec.md §4.5 / §6.
type Options struct {
	TimeToleranceSeconds int64
	CompareChecksums     bool
	IgnorePermissions    bool
	EnableDelete         bool
	DetectMoves          bool
	MaxFileSize          int64 // 0 = unlimited
}

// Plan produces a deterministic SyncPlan for pair in direction, diffing
// source against dest.
func Plan(pairID string, direction model.Direction, source, dest model.DirectorySnapshot, opt Options) model.SyncPlan {
	var actions []model.SyncAction
	var conflicts []model.ConflictInfo
	var totalFiles int
	var totalBytes int64

	switch direction {
	case model.Bidirectional:
		actions, conflicts, totalFiles, totalBytes = diffBidirectional(source, dest, opt)
	default:
		actions, conflicts, totalFiles, totalBytes = diffUnidirectional(source, dest, opt)
	}

	if opt.DetectMoves {
		actions = collapseMoves(actions)
	}
	actions = order(actions)

	return model.SyncPlan{
		PairID:      pairID,
		Direction:   direction,
		Source:      source,
		Destination: dest,
		Actions:     actions,
		Conflicts:   conflicts,
		TotalFiles:  totalFiles,
		TotalBytes:  totalBytes,
	}
}

func diffUnidirectional(source, dest model.DirectorySnapshot, opt Options) ([]model.SyncAction, []model.ConflictInfo, int, int64) {
	var actions []model.SyncAction
	var totalFiles int
	var totalBytes int64

	for vpath, meta := range source.Files {
		destMeta, inDest := dest.Files[vpath]

		if opt.MaxFileSize > 0 && !meta.IsDirectory && meta.Size > opt.MaxFileSize {
			actions = append(actions, model.SyncAction{
				Kind: model.ActionSkip, Path: vpath, SkipReason: model.SkipTooLarge,
			})
			continue
		}

		switch {
		case !inDest && meta.IsDirectory:
			actions = append(actions, model.SyncAction{Kind: model.ActionCreateDirectory, Path: vpath})
		case !inDest:
			actions = append(actions, model.SyncAction{Kind: model.ActionCopy, Src: vpath, Dst: vpath, Meta: meta})
			totalFiles++
			totalBytes += meta.Size
		case !meta.IsDirectory && !identical(meta, destMeta, opt):
			actions = append(actions, model.SyncAction{Kind: model.ActionUpdate, Src: vpath, Dst: vpath, Meta: meta})
			totalFiles++
			totalBytes += meta.Size
		}
	}

	if opt.EnableDelete {
		for vpath, meta := range dest.Files {
			if _, inSource := source.Files[vpath]; !inSource {
				actions = append(actions, model.SyncAction{Kind: model.ActionDelete, Path: vpath, Meta: meta})
			}
		}
	}

	return actions, nil, totalFiles, totalBytes
}

func diffBidirectional(source, dest model.DirectorySnapshot, opt Options) ([]model.SyncAction, []model.ConflictInfo, int, int64) {
	var actions []model.SyncAction
	var conflicts []model.ConflictInfo
	var totalFiles int
	var totalBytes int64

	for vpath, meta := range source.Files {
		destMeta, inDest := dest.Files[vpath]

		if opt.MaxFileSize > 0 && !meta.IsDirectory && meta.Size > opt.MaxFileSize {
			actions = append(actions, model.SyncAction{Kind: model.ActionSkip, Path: vpath, SkipReason: model.SkipTooLarge})
			continue
		}

		switch {
		case !inDest && meta.IsDirectory:
			actions = append(actions, model.SyncAction{Kind: model.ActionCreateDirectory, Path: vpath})
		case !inDest:
			actions = append(actions, model.SyncAction{Kind: model.ActionCopy, Src: vpath, Dst: vpath, Meta: meta})
			totalFiles++
			totalBytes += meta.Size
		case meta.IsDirectory != destMeta.IsDirectory:
			localMeta, destMetaPtr := meta, destMeta
			conflict := model.ConflictInfo{Path: vpath, Kind: model.ConflictTypeChanged, LocalMeta: &localMeta, ExtMeta: &destMetaPtr}
			conflicts = append(conflicts, conflict)
			actions = append(actions, model.SyncAction{Kind: model.ActionResolveConflict, Path: vpath, Conflict: conflict})
		case !meta.IsDirectory && !identical(meta, destMeta, opt):
			localMeta, destMetaPtr := meta, destMeta
			conflict := model.ConflictInfo{Path: vpath, Kind: model.ConflictBothModified, LocalMeta: &localMeta, ExtMeta: &destMetaPtr}
			conflicts = append(conflicts, conflict)
			actions = append(actions, model.SyncAction{Kind: model.ActionResolveConflict, Path: vpath, Conflict: conflict})
		}
	}

	for vpath, meta := range dest.Files {
		if _, inSource := source.Files[vpath]; inSource {
			continue
		}
		destMetaPtr := meta
		conflict := model.ConflictInfo{Path: vpath, Kind: model.ConflictDeletedOnLocal, ExtMeta: &destMetaPtr}
		conflicts = append(conflicts, conflict)
		actions = append(actions, model.SyncAction{Kind: model.ActionResolveConflict, Path: vpath, Conflict: conflict})
	}

	return actions, conflicts, totalFiles, totalBytes
}

// identical implements spec.md §4.5's equality predicate.
func identical(a, b model.FileMetadata, opt Options) bool {
	if a.Size != b.Size {
		return false
	}
	delta := a.MTime.Sub(b.MTime)
	if delta < 0 {
		delta = -delta
	}
	tolerance := opt.TimeToleranceSeconds
	if tolerance <= 0 {
		tolerance = 2
	}
	if delta.Seconds() > float64(tolerance) {
		return false
	}
	if opt.CompareChecksums && a.Checksum != nil && b.Checksum != nil {
		if !checksumEqual(a.Checksum, b.Checksum) {
			return false
		}
	}
	if !opt.IgnorePermissions && a.Permissions != b.Permissions {
		return false
	}
	return true
}

func checksumEqual(a, b *model.Checksum) bool {
	if a.Algorithm != b.Algorithm {
		return false
	}
	return equalFoldHex(a.Hex, b.Hex)
}

func equalFoldHex(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// collapseMoves merges a (Copy to, Delete from) pair with identical
// checksums into a single Move action, per spec.md §4.5's optional
// move-detection rule.
func collapseMoves(actions []model.SyncAction) []model.SyncAction {
	copiesByChecksum := make(map[string][]int)
	for i, a := range actions {
		if a.Kind == model.ActionCopy && a.Meta.Checksum != nil {
			key := a.Meta.Checksum.Algorithm + ":" + a.Meta.Checksum.Hex
			copiesByChecksum[key] = append(copiesByChecksum[key], i)
		}
	}

	consumedCopy := make(map[int]bool)
	var moves []model.SyncAction
	var deletesKept []model.SyncAction
	for _, a := range actions {
		if a.Kind != model.ActionDelete || a.Meta.Checksum == nil {
			if a.Kind == model.ActionDelete {
				deletesKept = append(deletesKept, a)
			}
			continue
		}
		key := a.Meta.Checksum.Algorithm + ":" + a.Meta.Checksum.Hex
		candidates := copiesByChecksum[key]
		var matched bool
		for ci, copyIdx := range candidates {
			if consumedCopy[copyIdx] {
				continue
			}
			consumedCopy[copyIdx] = true
			copiesByChecksum[key] = append(candidates[:ci], candidates[ci+1:]...)
			moves = append(moves, model.SyncAction{
				Kind: model.ActionMove,
				Src:  a.Path,
				Dst:  actions[copyIdx].Dst,
				Meta: actions[copyIdx].Meta,
			})
			matched = true
			break
		}
		if !matched {
			deletesKept = append(deletesKept, a)
		}
	}

	var out []model.SyncAction
	for i, a := range actions {
		switch a.Kind {
		case model.ActionCopy:
			if !consumedCopy[i] {
				out = append(out, a)
			}
		case model.ActionDelete:
			// handled via deletesKept below
		default:
			out = append(out, a)
		}
	}
	out = append(out, deletesKept...)
	out = append(out, moves...)
	return out
}

// Reorder re-sorts actions per spec.md §4.5's ordering rules. Exposed so
// callers that splice extra actions into an already-built SyncPlan (e.g.
// internal/core appending tombstone deletes the live scan wouldn't have
// found on its own) don't have to reimplement the ordering rules.
func Reorder(actions []model.SyncAction) []model.SyncAction {
	return order(actions)
}

// order applies spec.md §4.5's ordering rules: CreateDirectory (ascending
// depth), then Copy/Update/Move, then Delete (descending depth), then
// ResolveConflict last.
func order(actions []model.SyncAction) []model.SyncAction {
	rank := func(a model.SyncAction) int {
		switch a.Kind {
		case model.ActionCreateDirectory:
			return 0
		case model.ActionCopy, model.ActionUpdate, model.ActionMove:
			return 1
		case model.ActionDelete:
			return 2
		case model.ActionResolveConflict:
			return 3
		default:
			return 4
		}
	}
	sort.SliceStable(actions, func(i, j int) bool {
		ri, rj := rank(actions[i]), rank(actions[j])
		if ri != rj {
			return ri < rj
		}
		switch actions[i].Kind {
		case model.ActionCreateDirectory:
			return pathutil.Depth(actions[i].Path) < pathutil.Depth(actions[j].Path)
		case model.ActionDelete:
			return pathutil.Depth(actions[i].Path) > pathutil.Depth(actions[j].Path)
		default:
			return false
		}
	})
	return actions
}
