// Package model holds the shared data types of the core data plane:
// SyncPair, FileEntry, DirectorySnapshot, SyncAction, SyncPlan and
// SyncState (spec.md §3); tree versions are plain strings kept by
// internal/index rather than a type here. Every component operates on these
// types rather than defining its own, so the index, merge engine, diff
// engine and executor never need to convert between private
// representations.
package model

import "time"

// Direction is the configured sync direction of a SyncPair.
type Direction int

const (
	// LocalToExternal replicates local changes outward. Paths missing
	// locally are deleted on the external root only when enable_delete is
	// set; deletions made through the mount while the external root was
	// offline (tombstones) propagate regardless.
	LocalToExternal Direction = iota
	// ExternalToLocal replicates external changes inward.
	ExternalToLocal
	// Bidirectional merges both sides, surfacing divergence as conflicts.
	Bidirectional
)

func (d Direction) String() string {
	switch d {
	case LocalToExternal:
		return "local-to-external"
	case ExternalToLocal:
		return "external-to-local"
	case Bidirectional:
		return "bidirectional"
	default:
		return "unknown"
	}
}

// Filters holds the scan/merge filter rules of a SyncPair.
type Filters struct {
	ExcludePatterns []string
	MaxFileSize     int64 // bytes; 0 means unlimited
	IncludeHidden   bool
	FollowSymlinks  bool
}

// DefaultExcludePatterns matches spec.md §6's default exclude set.
var DefaultExcludePatterns = []string{
	".DS_Store", ".Spotlight-V100", ".Trashes", "*.tmp", "*.swp", "*.crdownload",
}

// SyncPair is the unit of configuration and state (spec.md §3).
type SyncPair struct {
	ID               string
	Name             string
	LocalRoot        string
	ExternalRoot     string
	Target           string
	Direction        Direction
	Filters          Filters
	ExternalReadOnly bool // supplemented: generalizes upstream.Fs.writable
	CaseInsensitive  bool // supplemented: generalizes union.Fs mergeDirEntries fold
}

// Location records which root(s) hold a copy of a path.
type Location int

const (
	LocalOnly Location = iota
	ExternalOnly
	Both
)

func (l Location) String() string {
	switch l {
	case LocalOnly:
		return "local_only"
	case ExternalOnly:
		return "external_only"
	case Both:
		return "both"
	default:
		return "unknown"
	}
}

// LockState is the advisory lock state of a FileEntry.
type LockState int

const (
	Unlocked LockState = iota
	SyncLocked
)

// LockDirection records which side of a sync action holds the lock.
type LockDirection int

const (
	NoLockDirection LockDirection = iota
	LockForRead
	LockForWrite
)

// Checksum pairs a hash with the algorithm that produced it.
type Checksum struct {
	Algorithm string // "md5", "sha256", "xxhash64"
	Hex       string
}

// FileEntry is one record per known relative path per sync pair (spec.md §3).
type FileEntry struct {
	PairID      string
	VirtualPath string // POSIX-relative
	IsDirectory bool
	Location    Location
	Dirty       bool
	Tombstoned  bool // dirty delete pending replication while external was offline

	LockState     LockState
	LockTime      time.Time
	LockDirection LockDirection
	LockOwner     string

	Size        int64
	MTime       time.Time
	Checksum    *Checksum
	Permissions uint32
	AccessedAt  time.Time

	FailedSync bool // quarantined: checksum/consistency mismatch, needs re-sync not eviction
}

// Key identifies a FileEntry within its pair's index.
func (e *FileEntry) Key() string { return e.VirtualPath }

// RootKind names which physical root a path is being described relative to.
type RootKind int

const (
	RootLocal RootKind = iota
	RootExternal
)

func (r RootKind) String() string {
	if r == RootLocal {
		return "local"
	}
	return "external"
}

// FileMetadata is the information a directory scan records per entry.
type FileMetadata struct {
	IsDirectory bool
	Size        int64
	MTime       time.Time
	Permissions uint32
	Checksum    *Checksum
}

// DirectorySnapshot is an immutable scan result (spec.md §3), used only as
// diff input; it is never persisted as a whole.
type DirectorySnapshot struct {
	Root       string
	Files      map[string]FileMetadata // keyed by relative path
	CapturedAt time.Time
}

// ActionKind tags the variant of a SyncAction.
type ActionKind int

const (
	ActionCreateDirectory ActionKind = iota
	ActionCopy
	ActionUpdate
	ActionDelete
	ActionMove
	ActionResolveConflict
	ActionSkip
)

func (k ActionKind) String() string {
	switch k {
	case ActionCreateDirectory:
		return "create_directory"
	case ActionCopy:
		return "copy"
	case ActionUpdate:
		return "update"
	case ActionDelete:
		return "delete"
	case ActionMove:
		return "move"
	case ActionResolveConflict:
		return "resolve_conflict"
	case ActionSkip:
		return "skip"
	default:
		return "unknown"
	}
}

// ConflictKind tags why a bidirectional diff could not pick a side.
type ConflictKind int

const (
	ConflictBothModified ConflictKind = iota
	ConflictTypeChanged
	ConflictDeletedOnLocal
	ConflictDeletedOnExternal
)

func (k ConflictKind) String() string {
	switch k {
	case ConflictBothModified:
		return "both_modified"
	case ConflictTypeChanged:
		return "type_changed"
	case ConflictDeletedOnLocal:
		return "deleted_on_local"
	case ConflictDeletedOnExternal:
		return "deleted_on_external"
	default:
		return "unknown"
	}
}

// ConflictInfo describes one unresolved conflict.
type ConflictInfo struct {
	Path      string
	Kind      ConflictKind
	LocalMeta *FileMetadata // nil if absent on local
	ExtMeta   *FileMetadata // nil if absent on external
}

// SkipReason tags why an action was reduced to Skip.
type SkipReason int

const (
	SkipTooLarge SkipReason = iota
	SkipExcluded
)

func (r SkipReason) String() string {
	if r == SkipTooLarge {
		return "too_large"
	}
	return "excluded"
}

// SyncAction is one tagged-variant step of a SyncPlan (spec.md §3).
type SyncAction struct {
	Kind ActionKind

	Path string // CreateDirectory, Delete, Skip
	Src  string // Copy, Update, Move
	Dst  string // Copy, Update, Move
	Meta FileMetadata

	Conflict   ConflictInfo // ActionResolveConflict
	SkipReason SkipReason   // ActionSkip
}

// SyncPlan is the ordered output of the diff engine (spec.md §3/§4.5).
type SyncPlan struct {
	PairID      string
	Direction   Direction
	Source      DirectorySnapshot
	Destination DirectorySnapshot
	Actions     []SyncAction
	Conflicts   []ConflictInfo
	TotalFiles  int
	TotalBytes  int64
}

// Phase is the executor's state machine position (spec.md §4.6).
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseScanning
	PhaseDiffing
	PhaseApplying
	PhasePaused
	PhaseCompleted
	PhaseFailed
	PhaseCancelled
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseScanning:
		return "scanning"
	case PhaseDiffing:
		return "diffing"
	case PhaseApplying:
		return "applying"
	case PhasePaused:
		return "paused"
	case PhaseCompleted:
		return "completed"
	case PhaseFailed:
		return "failed"
	case PhaseCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed || p == PhaseCancelled
}

// FailedAction records one action that could not be completed.
type FailedAction struct {
	Index     int
	Error     string
	Permanent bool
	Attempts  int
}

// SyncState is the durable executor checkpoint (spec.md §3).
type SyncState struct {
	PairID                string
	Plan                  *SyncPlan
	Phase                 Phase
	CompletedIndices      map[int]bool
	PendingIndices        map[int]bool
	ProcessedFiles        int
	ProcessedBytes        int64
	FailedActions         []FailedAction
	StartedAt             time.Time
	LastUpdatedAt         time.Time
}

// ConflictStrategy is the configured policy for resolving ResolveConflict actions.
type ConflictStrategy int

const (
	StrategyNewerWins ConflictStrategy = iota
	StrategyLargerWins
	StrategyLocalWins
	StrategyExternalWins
	StrategyLocalWinsWithBackup
	StrategyExternalWinsWithBackup
	StrategyAskUser
	StrategyKeepBoth
)

func ParseConflictStrategy(s string) (ConflictStrategy, bool) {
	switch s {
	case "newer_wins":
		return StrategyNewerWins, true
	case "larger_wins":
		return StrategyLargerWins, true
	case "local_wins":
		return StrategyLocalWins, true
	case "external_wins":
		return StrategyExternalWins, true
	case "local_wins_with_backup":
		return StrategyLocalWinsWithBackup, true
	case "external_wins_with_backup":
		return StrategyExternalWinsWithBackup, true
	case "ask_user":
		return StrategyAskUser, true
	case "keep_both":
		return StrategyKeepBoth, true
	default:
		return 0, false
	}
}
