// Package syncexec implements the Sync Executor (spec.md §4.6): applies
// a model.SyncPlan with at-most-once semantics, checkpointing, and
// pause/resume/cancel. Grounded on backend/union/union.go's
// multithread/Errors fan-out (Rmdir, Mkdir, Copy all multithread across
// upstreams and collect per-upstream errors into one Errors value),
// upgraded here to a bounded worker pool via golang.org/x/sync/errgroup
// for the Copy/Update/Move action group, since the teacher's multithread
// helper has no concurrency cap and this package's parallel_operations
// setting requires one.
package syncexec

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/mergefs/vfsd/internal/checksum"
	"github.com/mergefs/vfsd/internal/events"
	"github.com/mergefs/vfsd/internal/helper"
	"github.com/mergefs/vfsd/internal/index"
	"github.com/mergefs/vfsd/internal/lockmgr"
	"github.com/mergefs/vfsd/internal/model"
	"github.com/mergefs/vfsd/internal/vfslog"
)

// maxRetries bounds the retry-with-backoff loop for transient failures
// named in spec.md §7's Transient-I/O policy.
const maxRetries = 3

// retryDelays are the backoff delays between the maxRetries attempts
// (spec.md §7: "default 3, delays 1/2/5s").
var retryDelays = []time.Duration{time.Second, 2 * time.Second, 5 * time.Second}

// Invalidator mirrors internal/merge.Engine's attribute-cache surface so
// every applied action can invalidate the paths it touched.
type Invalidator interface {
	Invalidate(vpath string)
}

// Options configures one Executor, mirroring internal/config's
// SyncEngineResolved.
type Options struct {
	CheckpointInterval int
	ParallelOperations int
	VerifyAfterCopy    bool
	EnableChecksum     bool
	ChecksumAlgorithm  string
	ConflictStrategy   model.ConflictStrategy
	BackupSuffix       string
	BandwidthLimitBps  int64
}

// Executor applies SyncPlans for one sync pair.
type Executor struct {
	pair       model.SyncPair
	idx        *index.Store
	locks      *lockmgr.Manager
	checkpoint *CheckpointStore
	invalidate Invalidator
	bus        *events.Bus
	helper     helper.Client
	opt        Options
	limiter    *rate.Limiter
	log        vfslogEntry

	mu      sync.Mutex
	phase   model.Phase
	pauseCh chan struct{}
	cancel  atomic.Bool
}

type vfslogEntry interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// New constructs an Executor for pair. helperClient may be nil, in which
// case a permission-denied failure skips straight to a terminal failure
// instead of attempting the helper-unlock recovery in spec.md §7.
func New(pair model.SyncPair, idx *index.Store, locks *lockmgr.Manager, checkpoint *CheckpointStore, invalidate Invalidator, bus *events.Bus, helperClient helper.Client, opt Options) *Executor {
	if opt.CheckpointInterval <= 0 {
		opt.CheckpointInterval = 50
	}
	if opt.ParallelOperations <= 0 {
		opt.ParallelOperations = 1
	}
	var limiter *rate.Limiter
	if opt.BandwidthLimitBps > 0 {
		// burst equal to one second's worth of transfer, mirroring the
		// teacher's token-bucket bandwidth limiter shape.
		limiter = rate.NewLimiter(rate.Limit(opt.BandwidthLimitBps), int(opt.BandwidthLimitBps))
	}
	return &Executor{
		pair:       pair,
		idx:        idx,
		locks:      locks,
		checkpoint: checkpoint,
		invalidate: invalidate,
		bus:        bus,
		helper:     helperClient,
		opt:        opt,
		limiter:    limiter,
		phase:      model.PhaseIdle,
		log:        vfslog.ForPair("syncexec", pair.ID),
	}
}

// Phase returns the executor's current state-machine position.
func (e *Executor) Phase() model.Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

func (e *Executor) setPhase(p model.Phase) {
	e.mu.Lock()
	e.phase = p
	e.mu.Unlock()
	if e.bus != nil {
		e.bus.Publish(events.Event{Kind: events.SyncStatusChanged, PairID: e.pair.ID, Payload: p})
	}
}

// Pause requests the in-progress Apply to stop at the next action
// boundary and write a checkpoint, per spec.md §4.6.
func (e *Executor) Pause() {
	e.mu.Lock()
	if e.pauseCh == nil {
		e.pauseCh = make(chan struct{})
	}
	ch := e.pauseCh
	e.mu.Unlock()
	select {
	case <-ch:
	default:
		close(ch)
	}
}

func (e *Executor) pauseRequested() bool {
	e.mu.Lock()
	ch := e.pauseCh
	e.mu.Unlock()
	if ch == nil {
		return false
	}
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func (e *Executor) resetPauseSignal() {
	e.mu.Lock()
	e.pauseCh = nil
	e.mu.Unlock()
}

// Cancel requests the in-progress or resumed Apply to stop permanently
// and retain its checkpoint for the 7-day inspection window.
func (e *Executor) Cancel() {
	e.cancel.Store(true)
}

// Apply runs plan to completion, pause, or cancellation. If resume is
// non-nil it is a previously persisted SyncState for the same plan and
// execution continues from its completed/pending index sets.
func (e *Executor) Apply(ctx context.Context, plan *model.SyncPlan, resume *model.SyncState) (*model.SyncState, error) {
	state := resume
	if state == nil {
		state = &model.SyncState{
			PairID:           e.pair.ID,
			Plan:             plan,
			Phase:            model.PhaseApplying,
			CompletedIndices: make(map[int]bool),
			PendingIndices:   make(map[int]bool),
			StartedAt:        time.Now(),
		}
		for i := range plan.Actions {
			state.PendingIndices[i] = true
		}
	}
	e.resetPauseSignal()
	e.cancel.Store(false)
	e.setPhase(model.PhaseApplying)

	if err := e.lockPlanPaths(plan); err != nil {
		e.setPhase(model.PhaseFailed)
		return state, errors.Wrap(err, "locking plan paths")
	}
	defer e.unlockPlanPaths(plan)

	dirIdx, bulkIdx, deleteIdx, conflictIdx := groupIndices(plan.Actions)

	if err := e.runSequential(ctx, plan, state, dirIdx); err != nil {
		return e.finishOnPauseOrFail(state, err)
	}
	if err := e.runBulk(ctx, plan, state, bulkIdx); err != nil {
		return e.finishOnPauseOrFail(state, err)
	}
	if err := e.runSequential(ctx, plan, state, deleteIdx); err != nil {
		return e.finishOnPauseOrFail(state, err)
	}
	if err := e.runSequential(ctx, plan, state, conflictIdx); err != nil {
		return e.finishOnPauseOrFail(state, err)
	}

	state.Phase = model.PhaseCompleted
	state.LastUpdatedAt = time.Now()
	if err := e.checkpoint.Clear(); err != nil {
		e.log.Warnf("clearing checkpoint: %v", err)
	}
	e.setPhase(model.PhaseCompleted)
	if e.bus != nil {
		e.bus.Publish(events.Event{Kind: events.SyncCompleted, PairID: e.pair.ID})
	}
	return state, nil
}

func (e *Executor) finishOnPauseOrFail(state *model.SyncState, err error) (*model.SyncState, error) {
	if errors.Is(err, errPaused) || errors.Is(err, errConflictPending) {
		state.Phase = model.PhasePaused
		state.LastUpdatedAt = time.Now()
		_ = e.checkpoint.Save(state)
		e.setPhase(model.PhasePaused)
		return state, nil
	}
	if errors.Is(err, errCancelled) {
		state.Phase = model.PhaseCancelled
		state.LastUpdatedAt = time.Now()
		_ = e.checkpoint.Save(state)
		e.setPhase(model.PhaseCancelled)
		return state, nil
	}
	state.Phase = model.PhaseFailed
	state.LastUpdatedAt = time.Now()
	_ = e.checkpoint.Save(state)
	e.setPhase(model.PhaseFailed)
	return state, err
}

var errPaused = errors.New("sync paused")
var errCancelled = errors.New("sync cancelled")

// errConflictPending is returned by applyResolveConflict for a conflict
// the configured strategy cannot resolve automatically (ask_user, or any
// type-changed conflict regardless of strategy). spec.md §7: "the action
// stays in pending; the plan does not advance past it." Reaching this
// conflict halts the plan the same way a Pause does, leaving the action's
// index out of both CompletedIndices and the failed-actions list so a
// later Apply call (after the operator pre-commits a strategy) picks up
// exactly where this run stopped.
var errConflictPending = errors.New("conflict pending resolution")

func groupIndices(actions []model.SyncAction) (dirs, bulk, deletes, conflicts []int) {
	for i, a := range actions {
		switch a.Kind {
		case model.ActionCreateDirectory:
			dirs = append(dirs, i)
		case model.ActionCopy, model.ActionUpdate, model.ActionMove:
			bulk = append(bulk, i)
		case model.ActionDelete:
			deletes = append(deletes, i)
		case model.ActionResolveConflict:
			conflicts = append(conflicts, i)
		}
	}
	return
}

func (e *Executor) runSequential(ctx context.Context, plan *model.SyncPlan, state *model.SyncState, indices []int) error {
	for _, i := range indices {
		if state.CompletedIndices[i] {
			continue
		}
		if err := e.checkControlSignals(); err != nil {
			return err
		}
		err, pause := e.applyWithPolicy(ctx, plan.Actions[i])
		switch {
		case err == nil:
			e.recordSuccess(state, i, plan.Actions[i])
		case errors.Is(err, errConflictPending):
			e.log.Infof("action %d left pending for operator resolution, halting plan", i)
			return err
		default:
			e.recordFailure(state, i, err)
		}
		e.maybeCheckpoint(state)
		if pause {
			return errPaused
		}
	}
	return nil
}

func (e *Executor) runBulk(ctx context.Context, plan *model.SyncPlan, state *model.SyncState, indices []int) error {
	sem := make(chan struct{}, e.opt.ParallelOperations)
	g, gctx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	var controlErr error
	var pauseRequested bool

	for _, i := range indices {
		i := i
		if state.CompletedIndices[i] {
			continue
		}
		sem <- struct{}{}
		g.Go(func() error {
			defer func() { <-sem }()
			if err := e.checkControlSignals(); err != nil {
				mu.Lock()
				if controlErr == nil {
					controlErr = err
				}
				mu.Unlock()
				return nil
			}
			err, pause := e.applyWithPolicy(gctx, plan.Actions[i])
			mu.Lock()
			if err == nil {
				e.recordSuccess(state, i, plan.Actions[i])
			} else {
				e.recordFailure(state, i, err)
			}
			e.maybeCheckpoint(state)
			if pause {
				pauseRequested = true
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if controlErr != nil {
		return controlErr
	}
	if pauseRequested {
		return errPaused
	}
	return nil
}

func (e *Executor) checkControlSignals() error {
	if e.cancel.Load() {
		return errCancelled
	}
	if e.pauseRequested() {
		return errPaused
	}
	return nil
}

func (e *Executor) recordSuccess(state *model.SyncState, i int, action model.SyncAction) {
	delete(state.PendingIndices, i)
	state.CompletedIndices[i] = true
	if action.Kind == model.ActionCopy || action.Kind == model.ActionUpdate || action.Kind == model.ActionMove {
		state.ProcessedFiles++
		state.ProcessedBytes += action.Meta.Size
	}
	if e.bus != nil {
		e.bus.PublishThrottled(events.Event{
			Kind:   events.SyncProgress,
			PairID: e.pair.ID,
			Payload: events.SyncProgressPayload{
				ProcessedFiles: state.ProcessedFiles,
				TotalFiles:     state.Plan.TotalFiles,
				ProcessedBytes: state.ProcessedBytes,
				TotalBytes:     state.Plan.TotalBytes,
				CurrentAction:  action.Kind.String(),
			},
		}, 100*time.Millisecond)
	}
}

func (e *Executor) recordFailure(state *model.SyncState, i int, err error) {
	permanent := isPermanent(err)
	fa := model.FailedAction{Index: i, Error: err.Error(), Permanent: permanent}
	for idx, existing := range state.FailedActions {
		if existing.Index == i {
			fa.Attempts = existing.Attempts + 1
			state.FailedActions[idx] = fa
			if permanent {
				delete(state.PendingIndices, i)
			}
			return
		}
	}
	fa.Attempts = 1
	state.FailedActions = append(state.FailedActions, fa)
	if permanent {
		delete(state.PendingIndices, i)
	}
	e.log.Warnf("action %d failed (permanent=%v): %v", i, permanent, err)
}

func isPermanent(err error) bool {
	return errors.Is(err, os.ErrPermission) || errors.Is(err, os.ErrNotExist)
}

func (e *Executor) maybeCheckpoint(state *model.SyncState) {
	total := len(state.CompletedIndices)
	if total == 0 || total%e.opt.CheckpointInterval != 0 {
		return
	}
	state.LastUpdatedAt = time.Now()
	if err := e.checkpoint.Save(state); err != nil {
		e.log.Warnf("checkpoint save failed: %v", err)
	}
}

func (e *Executor) lockPlanPaths(plan *model.SyncPlan) error {
	var paths []string
	for _, a := range plan.Actions {
		switch a.Kind {
		case model.ActionCopy, model.ActionUpdate, model.ActionMove:
			paths = append(paths, a.Src, a.Dst)
		case model.ActionDelete, model.ActionCreateDirectory:
			paths = append(paths, a.Path)
		}
	}
	if len(paths) == 0 {
		return nil
	}
	return e.locks.Lock(paths, model.LockForWrite, "syncexec:"+e.pair.ID)
}

func (e *Executor) unlockPlanPaths(plan *model.SyncPlan) {
	var paths []string
	for _, a := range plan.Actions {
		switch a.Kind {
		case model.ActionCopy, model.ActionUpdate, model.ActionMove:
			paths = append(paths, a.Src, a.Dst)
		case model.ActionDelete, model.ActionCreateDirectory:
			paths = append(paths, a.Path)
		}
	}
	if len(paths) == 0 {
		return
	}
	e.locks.Unlock(paths, "syncexec:"+e.pair.ID)
}

// rootsFor resolves which physical root is "source" vs "destination" for
// a plan's non-conflict actions. Bidirectional plans diff local (source)
// against external (dest), same convention as LocalToExternal, per
// internal/diff's diffBidirectional.
func (e *Executor) rootsFor(direction model.Direction) (srcRoot, dstRoot string) {
	if direction == model.ExternalToLocal {
		return e.pair.ExternalRoot, e.pair.LocalRoot
	}
	return e.pair.LocalRoot, e.pair.ExternalRoot
}

func (e *Executor) applyOne(ctx context.Context, action model.SyncAction) error {
	srcRoot, dstRoot := e.rootsFor(e.pair.Direction)
	switch action.Kind {
	case model.ActionCreateDirectory:
		return e.applyCreateDirectory(dstRoot, action)
	case model.ActionCopy, model.ActionUpdate:
		return e.applyCopyOrUpdate(srcRoot, dstRoot, action)
	case model.ActionMove:
		return e.applyMove(dstRoot, action)
	case model.ActionDelete:
		return e.applyDelete(dstRoot, action)
	case model.ActionResolveConflict:
		return e.applyResolveConflict(action)
	case model.ActionSkip:
		return nil
	default:
		return errors.Errorf("unknown action kind %v", action.Kind)
	}
}

// applyWithPolicy wraps applyOne with spec.md §7's Transient-I/O and
// Permission recovery policies. The returned pause flag tells the caller
// to stop the whole Apply and transition the executor to Paused instead
// of continuing to the next action — used when a transient failure
// against the external root survives every retry.
func (e *Executor) applyWithPolicy(ctx context.Context, action model.SyncAction) (err error, pause bool) {
	err = e.applyOne(ctx, action)
	if err == nil || errors.Is(err, errConflictPending) {
		return err, false
	}

	if errors.Is(err, os.ErrPermission) {
		return e.recoverFromPermissionDenied(ctx, action, err), false
	}

	if !isTransient(err) {
		return err, false
	}

	lastErr := err
	for _, delay := range retryDelays[:maxRetries] {
		select {
		case <-ctx.Done():
			return ctx.Err(), false
		case <-time.After(delay):
		}
		lastErr = e.applyOne(ctx, action)
		if lastErr == nil {
			return nil, false
		}
		if !isTransient(lastErr) {
			return lastErr, false
		}
	}

	e.log.Warnf("action against %s exhausted %d retries: %v", e.actionTargetPath(action), maxRetries, lastErr)
	return lastErr, e.isExternalRelated(action)
}

// recoverFromPermissionDenied implements spec.md §7's Permission policy:
// one call to the privileged helper to unlock the containing directory
// (helper calls operate on directories only, per spec.md §6), one retry
// of the action, then a terminal failure.
func (e *Executor) recoverFromPermissionDenied(ctx context.Context, action model.SyncAction, origErr error) error {
	if e.helper == nil {
		return origErr
	}
	path := e.actionTargetPath(action)
	if path == "" {
		return origErr
	}
	dir := filepath.Dir(path)
	if err := e.helper.Unprotect(ctx, dir); err != nil {
		e.log.Warnf("helper unlock of %s failed: %v", dir, err)
		return origErr
	}
	return e.applyOne(ctx, action)
}

// actionTargetPath returns the absolute path whose permission state is
// relevant to action, for the helper-unlock recovery and external-root
// classification. Conflict actions touch both roots; the local side's
// path is reported since it is always present.
func (e *Executor) actionTargetPath(action model.SyncAction) string {
	_, dstRoot := e.rootsFor(e.pair.Direction)
	switch action.Kind {
	case model.ActionCopy, model.ActionUpdate, model.ActionMove:
		return filepath.Join(dstRoot, action.Dst)
	case model.ActionDelete, model.ActionCreateDirectory:
		return filepath.Join(dstRoot, action.Path)
	case model.ActionResolveConflict:
		return filepath.Join(e.pair.LocalRoot, action.Conflict.Path)
	default:
		return ""
	}
}

// isTransient reports whether err looks like a recoverable I/O hiccup
// (spec.md §7's Transient-I/O category) rather than a permanent failure.
func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.EIO, syscall.ETIMEDOUT, syscall.EAGAIN, syscall.ECONNRESET, syscall.ESTALE:
			return true
		}
	}
	return false
}

// isExternalRelated reports whether action touches the external root, so
// an exhausted transient retry against it pauses the executor rather than
// just failing the one action (spec.md §7).
func (e *Executor) isExternalRelated(action model.SyncAction) bool {
	srcRoot, dstRoot := e.rootsFor(e.pair.Direction)
	switch action.Kind {
	case model.ActionCopy, model.ActionUpdate:
		return srcRoot == e.pair.ExternalRoot || dstRoot == e.pair.ExternalRoot
	case model.ActionCreateDirectory, model.ActionMove, model.ActionDelete:
		return dstRoot == e.pair.ExternalRoot
	case model.ActionResolveConflict:
		return true
	default:
		return false
	}
}

func (e *Executor) applyCreateDirectory(dstRoot string, action model.SyncAction) error {
	path := filepath.Join(dstRoot, action.Path)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return errors.Wrap(err, "creating directory")
	}
	e.invalidate.Invalidate(action.Path)
	now := time.Now()
	return e.idx.Mutate(e.pair.ID, action.Path, func(fe *model.FileEntry) {
		fe.IsDirectory = true
		fe.Location = model.Both
		fe.MTime = now
	})
}

func (e *Executor) applyCopyOrUpdate(srcRoot, dstRoot string, action model.SyncAction) error {
	srcPath := filepath.Join(srcRoot, action.Src)
	dstPath := filepath.Join(dstRoot, action.Dst)

	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return errors.Wrap(err, "creating destination parent")
	}

	src, err := os.Open(srcPath)
	if err != nil {
		return errors.Wrap(err, "opening source")
	}
	defer src.Close()

	tmp := dstPath + ".sync.tmp"
	dst, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(action.Meta.Permissions))
	if err != nil {
		return errors.Wrap(err, "creating temp destination")
	}
	var reader io.Reader = src
	if e.limiter != nil {
		reader = &rateLimitedReader{ctx: context.Background(), r: src, limiter: e.limiter}
	}
	if _, err := io.Copy(dst, reader); err != nil {
		dst.Close()
		os.Remove(tmp)
		return errors.Wrap(err, "streaming copy")
	}
	if err := dst.Sync(); err != nil {
		dst.Close()
		os.Remove(tmp)
		return errors.Wrap(err, "fsyncing destination")
	}
	if err := dst.Close(); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "closing destination")
	}
	if err := os.Rename(tmp, dstPath); err != nil {
		return errors.Wrap(err, "renaming into place")
	}

	if e.opt.VerifyAfterCopy && e.opt.EnableChecksum {
		sum, err := checksum.OfFile(e.opt.ChecksumAlgorithm, dstPath)
		if err != nil {
			return errors.Wrap(err, "post-copy verification")
		}
		if action.Meta.Checksum != nil && !checksum.Equal(sum, action.Meta.Checksum) {
			return errors.New("post-copy checksum mismatch")
		}
	}

	e.invalidate.Invalidate(action.Dst)
	now := time.Now()
	return e.idx.Mutate(e.pair.ID, action.Dst, func(fe *model.FileEntry) {
		fe.Location = model.Both
		fe.Dirty = false
		fe.Size = action.Meta.Size
		fe.MTime = action.Meta.MTime
		fe.Checksum = action.Meta.Checksum
		fe.Permissions = action.Meta.Permissions
		_ = now
	})
}

func (e *Executor) applyMove(dstRoot string, action model.SyncAction) error {
	from := filepath.Join(dstRoot, action.Src)
	to := filepath.Join(dstRoot, action.Dst)
	if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
		return errors.Wrap(err, "creating destination parent")
	}
	if err := os.Rename(from, to); err != nil {
		return errors.Wrap(err, "renaming")
	}
	e.invalidate.Invalidate(action.Src)
	e.invalidate.Invalidate(action.Dst)

	entry, found, err := e.idx.Get(action.Src)
	if err != nil {
		return err
	}
	if found {
		entry.VirtualPath = action.Dst
		if err := e.idx.Upsert(entry); err != nil {
			return err
		}
		return e.idx.Delete(action.Src)
	}
	return nil
}

func (e *Executor) applyDelete(dstRoot string, action model.SyncAction) error {
	path := filepath.Join(dstRoot, action.Path)
	if action.Meta.IsDirectory {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return errors.Wrap(err, "removing directory")
		}
	} else if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "removing file")
	}
	e.invalidate.Invalidate(action.Path)
	return e.idx.Delete(action.Path)
}

// applyResolveConflict applies the configured conflict strategy. Content
// auto-merging is explicitly out of scope (spec.md §1 Non-goals); this
// only decides which side's file wins and copies it over, optionally
// backing up the loser. ask_user and any type-changed conflict return
// errConflictPending: spec.md §7 requires the plan stop there rather than
// silently mark the conflict resolved.
func (e *Executor) applyResolveConflict(action model.SyncAction) error {
	if e.bus != nil {
		e.bus.Publish(events.Event{Kind: events.ConflictDetected, PairID: e.pair.ID, Payload: action.Conflict})
	}

	strategy := e.opt.ConflictStrategy
	if strategy == model.StrategyAskUser || action.Conflict.Kind == model.ConflictTypeChanged {
		return errConflictPending
	}

	if strategy == model.StrategyKeepBoth {
		return e.applyKeepBoth(action.Conflict)
	}

	winner, backupLoser := e.pickConflictWinner(strategy, action.Conflict)
	if winner == "" {
		return errConflictPending
	}

	localPath := filepath.Join(e.pair.LocalRoot, action.Conflict.Path)
	externalPath := filepath.Join(e.pair.ExternalRoot, action.Conflict.Path)

	var from, to string
	if winner == "local" {
		from, to = localPath, externalPath
	} else {
		from, to = externalPath, localPath
	}

	if backupLoser {
		if err := e.backupFile(to); err != nil {
			return errors.Wrap(err, "backing up conflict loser")
		}
	}
	if err := copyFileContents(from, to); err != nil {
		return errors.Wrap(err, "applying conflict resolution")
	}
	e.invalidate.Invalidate(action.Conflict.Path)
	return e.idx.Mutate(e.pair.ID, action.Conflict.Path, func(fe *model.FileEntry) {
		fe.Location = model.Both
		fe.Dirty = false
	})
}

// applyKeepBoth preserves both sides of a conflict under distinct names
// instead of discarding either: the external copy is renamed to
// path+backup_suffix on both roots, and the local copy becomes the
// canonical content at the original path on both roots.
func (e *Executor) applyKeepBoth(conflict model.ConflictInfo) error {
	suffix := e.opt.BackupSuffix
	if suffix == "" {
		suffix = ".bak"
	}
	backupPath := conflict.Path + suffix

	localPath := filepath.Join(e.pair.LocalRoot, conflict.Path)
	externalPath := filepath.Join(e.pair.ExternalRoot, conflict.Path)
	backupLocal := filepath.Join(e.pair.LocalRoot, backupPath)
	backupExternal := filepath.Join(e.pair.ExternalRoot, backupPath)

	if conflict.ExtMeta != nil {
		if err := copyFileContents(externalPath, backupLocal); err != nil {
			return errors.Wrap(err, "preserving external copy under backup name")
		}
		if err := copyFileContents(backupLocal, backupExternal); err != nil {
			return errors.Wrap(err, "replicating backup copy to external")
		}
	}
	if conflict.LocalMeta != nil {
		if err := copyFileContents(localPath, externalPath); err != nil {
			return errors.Wrap(err, "replicating local copy to external")
		}
	}

	e.invalidate.Invalidate(conflict.Path)
	e.invalidate.Invalidate(backupPath)

	if err := e.idx.Mutate(e.pair.ID, conflict.Path, func(fe *model.FileEntry) {
		fe.Location = model.Both
		fe.Dirty = false
	}); err != nil {
		return err
	}
	if conflict.ExtMeta == nil {
		return nil
	}
	return e.idx.Mutate(e.pair.ID, backupPath, func(fe *model.FileEntry) {
		fe.Location = model.Both
		fe.Dirty = false
		fe.Size = conflict.ExtMeta.Size
		fe.MTime = conflict.ExtMeta.MTime
	})
}

// pickConflictWinner decides which side's content survives for every
// strategy except AskUser and KeepBoth (both handled by the caller before
// this is reached) and returns whether the loser must be preserved under
// backup_suffix.
func (e *Executor) pickConflictWinner(strategy model.ConflictStrategy, conflict model.ConflictInfo) (winner string, backup bool) {
	switch strategy {
	case model.StrategyLocalWins:
		return "local", false
	case model.StrategyExternalWins:
		return "external", false
	case model.StrategyLocalWinsWithBackup:
		return "local", true
	case model.StrategyExternalWinsWithBackup:
		return "external", true
	case model.StrategyNewerWins:
		if conflict.LocalMeta == nil {
			return "external", false
		}
		if conflict.ExtMeta == nil {
			return "local", false
		}
		if conflict.LocalMeta.MTime.After(conflict.ExtMeta.MTime) {
			return "local", false
		}
		return "external", false
	case model.StrategyLargerWins:
		if conflict.LocalMeta == nil {
			return "external", false
		}
		if conflict.ExtMeta == nil {
			return "local", false
		}
		if conflict.LocalMeta.Size >= conflict.ExtMeta.Size {
			return "local", false
		}
		return "external", false
	default:
		return "", false
	}
}

func (e *Executor) backupFile(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	suffix := e.opt.BackupSuffix
	if suffix == "" {
		suffix = ".bak"
	}
	return os.Rename(path, path+suffix)
}

// rateLimitedReader throttles reads to sync_engine.bandwidth_limit bytes/sec
// using a token-bucket limiter, the same shape as rclone's accounting.Token.
type rateLimitedReader struct {
	ctx     context.Context
	r       io.Reader
	limiter *rate.Limiter
}

func (r *rateLimitedReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if n > 0 {
		if waitErr := r.limiter.WaitN(r.ctx, n); waitErr != nil {
			return n, waitErr
		}
	}
	return n, err
}

func copyFileContents(from, to string) error {
	src, err := os.Open(from)
	if err != nil {
		return err
	}
	defer src.Close()
	info, err := src.Stat()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
		return err
	}
	tmp := to + ".conflict.tmp"
	dst, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(tmp)
		return err
	}
	if err := dst.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, to)
}
