// Package core wires one sync pair's full component stack together
// (spec.md §9's "typed handles over singletons" design note): the File
// Index, Lock Manager, Merge Engine, Write Router, Sync Executor, Cache
// Eviction Controller, Tree-Version Watcher, and FUSE Adapter all share
// one model.SyncPair's lifetime and are constructed here in dependency
// order. Grounded on cmd/mountlib's Mount-object pattern (one struct
// owning every collaborator a mounted filesystem needs, with Start/Stop
// lifecycle methods), generalized from rclone's single vfs.VFS to this
// spec's two-sided local+external merge.
package core

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"
	cache "github.com/patrickmn/go-cache"
	"github.com/pkg/errors"

	"github.com/mergefs/vfsd/internal/config"
	"github.com/mergefs/vfsd/internal/diff"
	"github.com/mergefs/vfsd/internal/events"
	"github.com/mergefs/vfsd/internal/eviction"
	"github.com/mergefs/vfsd/internal/fuseadapter"
	"github.com/mergefs/vfsd/internal/helper"
	"github.com/mergefs/vfsd/internal/index"
	"github.com/mergefs/vfsd/internal/lockmgr"
	"github.com/mergefs/vfsd/internal/merge"
	"github.com/mergefs/vfsd/internal/model"
	"github.com/mergefs/vfsd/internal/pathutil"
	"github.com/mergefs/vfsd/internal/scanner"
	"github.com/mergefs/vfsd/internal/syncexec"
	"github.com/mergefs/vfsd/internal/treewatch"
	"github.com/mergefs/vfsd/internal/vfslog"
	"github.com/mergefs/vfsd/internal/writer"
)

// lockSweepInterval is how often the Lock Manager reaps expired locks
// (spec.md §5's periodic Lock Sweeper task).
const lockSweepInterval = time.Minute

// Pair owns every component instantiated for one model.SyncPair: the
// index, lock manager, merge/write engines, sync executor, eviction
// controller, tree-version watcher, and the FUSE adapter mounted over
// them. Its lifetime matches the pair's: built once at daemon startup
// and torn down by Close.
type Pair struct {
	spec model.SyncPair
	cfg  *config.Config
	bus  *events.Bus
	log  vfslogEntry

	idx        *index.Store
	locks      *lockmgr.Manager
	merge      *merge.Engine
	writer     *writer.Router
	checkpoint *syncexec.CheckpointStore
	executor   *syncexec.Executor
	evictor    *eviction.Controller
	watcher    *treewatch.Watcher
	adapter    *fuseadapter.Adapter
	matcher    *pathutil.Matcher

	helperClient helper.Client

	// reachability caches the external root's last os.Stat outcome for
	// externalProbeTTL, the way the teacher's backend/cache layer caches
	// remote metadata to absorb bursts of lookups.
	reachability *cache.Cache

	cancelBg context.CancelFunc
	wg       sync.WaitGroup
}

// externalProbeTTL bounds how stale externalProbe's cached reachability
// result may be before the next call re-stats the external root.
const externalProbeTTL = 5 * time.Second

const reachabilityCacheKey = "external"

type vfslogEntry interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Open constructs every component for one sync pair, opening its index
// file under cfg.DataDir. The returned Pair is not yet serving FUSE
// requests or running background tasks; call Start and Mount.
func Open(cfg *config.Config, spec model.SyncPair, bus *events.Bus, helperClient helper.Client) (*Pair, error) {
	idx, err := index.Open(cfg.DataDir, spec.ID)
	if err != nil {
		return nil, errors.Wrapf(err, "opening index for pair %s", spec.ID)
	}

	checkpoint, err := syncexec.OpenCheckpointStore(cfg.DataDir, spec.ID)
	if err != nil {
		_ = idx.Close()
		return nil, errors.Wrapf(err, "opening checkpoint store for pair %s", spec.ID)
	}

	p := &Pair{
		spec:         spec,
		cfg:          cfg,
		bus:          bus,
		log:          vfslog.ForPair("core", spec.ID),
		idx:          idx,
		checkpoint:   checkpoint,
		matcher:      pathutil.NewMatcher(spec.Filters.ExcludePatterns, spec.Filters.IncludeHidden),
		helperClient: helperClient,
		reachability: cache.New(externalProbeTTL, 2*externalProbeTTL),
	}

	p.locks = lockmgr.New(spec.ID, time.Duration(cfg.LockTTL)*time.Second, idx)

	mergeEngine, err := merge.New(spec, idx, p.locks, p.externalProbe)
	if err != nil {
		_ = idx.Close()
		return nil, errors.Wrapf(err, "constructing merge engine for pair %s", spec.ID)
	}
	p.merge = mergeEngine
	p.writer = writer.New(spec, idx, p.locks, mergeEngine, p.externalProbe)

	p.executor = syncexec.New(spec, idx, p.locks, checkpoint, mergeEngine, bus, helperClient, syncexec.Options{
		CheckpointInterval: cfg.SyncEngine.CheckpointInterval,
		ParallelOperations: cfg.SyncEngine.ParallelOperations,
		VerifyAfterCopy:    cfg.SyncEngine.VerifyAfterCopy,
		EnableChecksum:     cfg.SyncEngine.EnableChecksum,
		ChecksumAlgorithm:  cfg.SyncEngine.ChecksumAlgorithm,
		ConflictStrategy:   cfg.SyncEngine.ConflictStrategy,
		BackupSuffix:       cfg.SyncEngine.BackupSuffix,
		BandwidthLimitBps:  cfg.SyncEngine.BandwidthLimitBps,
	})

	p.evictor = eviction.New(spec, idx, mergeEngine, bus, eviction.Options{
		TriggerThresholdBytes: cfg.Eviction.TriggerThresholdBytes,
		TargetFreeSpaceBytes:  cfg.Eviction.TargetFreeSpaceBytes,
		EnableChecksum:        cfg.SyncEngine.EnableChecksum,
		ChecksumAlgorithm:     cfg.SyncEngine.ChecksumAlgorithm,
	})

	p.watcher = treewatch.New(spec, idx, bus, p.onTreeStale)
	p.adapter = fuseadapter.New(spec.ID, mergeEngine, p.writer, p.locks)

	return p, nil
}

// externalProbe is handed to merge.Engine/writer.Router as their
// merge.ExternalProbe/writer.ExternalProbe functional dependency. Results
// are cached for externalProbeTTL so a burst of FUSE lookups doesn't stat
// the external root once per call.
func (p *Pair) externalProbe() bool {
	if up, found := p.reachability.Get(reachabilityCacheKey); found {
		return up.(bool)
	}
	up := externalReachable(p.spec.ExternalRoot)
	p.reachability.SetDefault(reachabilityCacheKey, up)
	return up
}

func externalReachable(root string) bool {
	if root == "" {
		return false
	}
	_, err := os.Stat(root)
	return err == nil
}

// onTreeStale is invoked by the tree-version watcher whenever a root's
// signature changes out from under the index (spec.md §5).
func (p *Pair) onTreeStale(root model.RootKind) {
	p.log.Infof("tree version changed on %s root, reindex required", root)
}

// Start launches the pair's background tasks: the lock sweeper and the
// tree-version watcher. It returns once both goroutines are running;
// Close stops them.
func (p *Pair) Start(ctx context.Context) error {
	if err := p.watcher.CheckAtStartup(); err != nil {
		p.log.Warnf("tree version check at startup failed: %v", err)
	}

	bgCtx, cancel := context.WithCancel(ctx)
	p.cancelBg = cancel

	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		p.runLockSweeper(bgCtx)
	}()
	go func() {
		defer p.wg.Done()
		if err := p.watcher.Run(bgCtx); err != nil && bgCtx.Err() == nil {
			p.log.Warnf("tree watcher exited: %v", err)
		}
	}()
	return nil
}

func (p *Pair) runLockSweeper(ctx context.Context) {
	ticker := time.NewTicker(lockSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := p.locks.Sweep(now); n > 0 {
				p.log.Infof("lock sweeper reaped %d expired lock(s)", n)
			}
		}
	}
}

// Mount starts serving FUSE requests for this pair at mountpoint.
func (p *Pair) Mount(mountpoint string, opt fuseadapter.MountOptions) (*fuse.Server, error) {
	return fuseadapter.Mount(mountpoint, p.adapter, opt)
}

// SyncNow runs one full scan-diff-apply cycle for this pair: both roots
// are walked into DirectorySnapshots, diffed per the pair's configured
// direction, and the resulting plan applied by the sync executor. A nil
// resume state starts a fresh plan; pass the state returned from a
// previous paused/failed run to resume it instead of rescanning.
func (p *Pair) SyncNow(ctx context.Context, resume *model.SyncState) (*model.SyncState, error) {
	if resume != nil && resume.Plan != nil {
		return p.executor.Apply(ctx, resume.Plan, resume)
	}

	scanOpt := scanner.Options{
		ComputeChecksum:   p.cfg.SyncEngine.EnableChecksum,
		ChecksumAlgorithm: p.cfg.SyncEngine.ChecksumAlgorithm,
		FollowSymlinks:    p.spec.Filters.FollowSymlinks,
		Matcher:           p.matcher,
	}

	localSnap, err := scanner.Scan(p.spec.LocalRoot, scanOpt)
	if err != nil {
		return nil, errors.Wrap(err, "scanning local root")
	}
	externalSnap, err := scanner.Scan(p.spec.ExternalRoot, scanOpt)
	if err != nil {
		return nil, errors.Wrap(err, "scanning external root")
	}

	source, dest := localSnap, externalSnap
	if p.spec.Direction == model.ExternalToLocal {
		source, dest = externalSnap, localSnap
	}

	plan := diff.Plan(p.spec.ID, p.spec.Direction, source, dest, diff.Options{
		TimeToleranceSeconds: p.cfg.SyncEngine.TimeTolerance,
		CompareChecksums:     p.cfg.SyncEngine.CompareChecksums,
		IgnorePermissions:    p.cfg.SyncEngine.IgnorePermissions,
		EnableDelete:         p.cfg.SyncEngine.EnableDelete,
		DetectMoves:          true,
		MaxFileSize:          p.spec.Filters.MaxFileSize,
	})

	if err := p.appendTombstoneDeletes(&plan); err != nil {
		return nil, errors.Wrap(err, "collecting tombstoned paths")
	}

	return p.executor.Apply(ctx, &plan, resume)
}

// appendTombstoneDeletes folds in a Delete action for every index entry
// the write router tombstoned while the external root was offline (spec.md
// §4.4): these are already-decided deletions, not newly-discovered ones, so
// they propagate regardless of enable_delete and regardless of whether the
// live scan still sees anything to diff at that path.
func (p *Pair) appendTombstoneDeletes(plan *model.SyncPlan) error {
	planned := make(map[string]bool, len(plan.Actions))
	for _, a := range plan.Actions {
		if a.Kind == model.ActionDelete {
			planned[a.Path] = true
		}
	}

	var extra []model.SyncAction
	err := p.idx.Iter(index.Tombstoned, func(e *model.FileEntry) error {
		if planned[e.VirtualPath] {
			return nil
		}
		extra = append(extra, model.SyncAction{
			Kind: model.ActionDelete,
			Path: e.VirtualPath,
			Meta: model.FileMetadata{IsDirectory: e.IsDirectory},
		})
		return nil
	})
	if err != nil {
		return err
	}
	if len(extra) == 0 {
		return nil
	}
	plan.Actions = diff.Reorder(append(plan.Actions, extra...))
	return nil
}

// EvictIfNeeded runs one eviction pass if the local root's free space is
// at or below the configured trigger threshold.
func (p *Pair) EvictIfNeeded() (eviction.Result, bool, error) {
	need, err := p.evictor.NeedsEviction()
	if err != nil {
		return eviction.Result{}, false, errors.Wrap(err, "probing eviction trigger")
	}
	if !need {
		return eviction.Result{}, false, nil
	}
	res, err := p.evictor.Run()
	return res, true, err
}

// Pause, Cancel, and Phase delegate straight to the executor so an
// operator CLI can drive one pair without reaching into its internals.
// There is no separate Resume: calling SyncNow again with the SyncState
// a paused Apply returned continues it from its completed/pending index
// sets.
func (p *Pair) Pause()             { p.executor.Pause() }
func (p *Pair) Cancel()            { p.executor.Cancel() }
func (p *Pair) Phase() model.Phase { return p.executor.Phase() }

// Close stops the pair's background tasks and releases its index and
// checkpoint store handles.
func (p *Pair) Close() error {
	if p.cancelBg != nil {
		p.cancelBg()
	}
	p.wg.Wait()
	if err := p.idx.Close(); err != nil {
		return errors.Wrap(err, "closing index")
	}
	if err := p.checkpoint.Close(); err != nil {
		return errors.Wrap(err, "closing checkpoint store")
	}
	return nil
}
