// Package writer implements the Write Router (spec.md §4.4): every
// mutation lands on local_root first, with the external root treated as
// a lagging replica materialized later by internal/syncexec. Grounded on
// backend/union/entry.go's Object.Update/Object.Open, whose
// Writeback-before-open pattern ("pull the authoritative copy down
// before mutating it") generalizes directly into this package's
// promotion-before-write step.
package writer

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/mergefs/vfsd/internal/index"
	"github.com/mergefs/vfsd/internal/lockmgr"
	"github.com/mergefs/vfsd/internal/model"
	"github.com/mergefs/vfsd/internal/pathutil"
	"github.com/mergefs/vfsd/internal/vfserr"
)

// Invalidator is the subset of internal/merge.Engine the router needs:
// every mutation must drop the attribute cache entry for the path it
// touched (spec.md §4.3).
type Invalidator interface {
	Invalidate(vpath string)
}

// ExternalProbe reports whether the external root is currently reachable.
type ExternalProbe func() bool

// Router applies FUSE write upcalls for one sync pair.
type Router struct {
	pair       model.SyncPair
	idx        *index.Store
	locks      *lockmgr.Manager
	invalidate Invalidator
	external   ExternalProbe

	promoteGroup singleflight.Group
}

// New constructs a Router for pair.
func New(pair model.SyncPair, idx *index.Store, locks *lockmgr.Manager, invalidate Invalidator, external ExternalProbe) *Router {
	return &Router{pair: pair, idx: idx, locks: locks, invalidate: invalidate, external: external}
}

func (r *Router) localPath(vpath string) string {
	return filepath.Join(r.pair.LocalRoot, vpath)
}

func (r *Router) externalPath(vpath string) string {
	return filepath.Join(r.pair.ExternalRoot, vpath)
}

func (r *Router) externalOnline() bool {
	return r.external == nil || r.external()
}

// Create implements create(vp, mode): an empty local file with a fresh
// local_only, dirty FileEntry.
func (r *Router) Create(vpath string, mode os.FileMode) error {
	vpath, err := pathutil.Validate(vpath)
	if err != nil {
		return err
	}
	local := r.localPath(vpath)
	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return errors.Wrap(err, "creating parent directory")
	}
	f, err := os.OpenFile(local, os.O_CREATE|os.O_EXCL|os.O_WRONLY, mode)
	if err != nil {
		return errors.Wrap(err, "creating local file")
	}
	if cerr := f.Close(); cerr != nil {
		return errors.Wrap(cerr, "closing newly created file")
	}

	now := time.Now()
	if err := r.idx.Upsert(&model.FileEntry{
		PairID:      r.pair.ID,
		VirtualPath: vpath,
		Location:    model.LocalOnly,
		Dirty:       true,
		Size:        0,
		MTime:       now,
		Permissions: uint32(mode.Perm()),
		AccessedAt:  now,
	}); err != nil {
		return err
	}
	r.invalidate.Invalidate(vpath)
	return nil
}

// Write implements write(vp, buf, off), including the promotion step.
func (r *Router) Write(vpath string, buf []byte, off int64) (int, error) {
	vpath, err := pathutil.Validate(vpath)
	if err != nil {
		return 0, err
	}
	if r.locks.IsLocked(vpath) {
		return 0, vfserr.ErrBusy
	}

	if err := r.ensureLocalForWrite(vpath); err != nil {
		return 0, err
	}

	local := r.localPath(vpath)
	f, err := os.OpenFile(local, os.O_WRONLY, 0o644)
	if err != nil {
		return 0, errors.Wrap(err, "opening local file for write")
	}
	defer f.Close()

	n, err := f.WriteAt(buf, off)
	if err != nil {
		return n, errors.Wrap(err, "writing local file")
	}
	info, statErr := f.Stat()
	if statErr != nil {
		return n, errors.Wrap(statErr, "stat after write")
	}

	now := time.Now()
	if err := r.idx.Mutate(r.pair.ID, vpath, func(e *model.FileEntry) {
		// Location is the executor/promotion path's concern (spec.md §3's
		// Lifecycle): a write never replicates to the external root itself,
		// so it must not claim Both for a path that is still local_only.
		e.Dirty = true
		e.Size = info.Size()
		e.MTime = now
		e.AccessedAt = now
	}); err != nil {
		return n, err
	}
	r.invalidate.Invalidate(vpath)
	return n, nil
}

// ensureLocalForWrite promotes an external-only path to local before a
// write touches it, per spec.md §4.4's Promotion rule. Concurrent writers
// to the same path collapse onto one promotion via singleflight, the
// idiomatic upgrade over the teacher's per-object sync.Mutex given many
// FUSE upcall goroutines may race on the same path.
func (r *Router) ensureLocalForWrite(vpath string) error {
	if _, err := os.Stat(r.localPath(vpath)); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return errors.Wrap(err, "checking local file")
	}

	if !r.externalOnline() {
		return vfserr.ErrExternalOffline
	}

	_, err, _ := r.promoteGroup.Do(vpath, func() (interface{}, error) {
		return nil, r.promote(vpath)
	})
	return err
}

func (r *Router) promote(vpath string) error {
	external := r.externalPath(vpath)
	info, err := os.Stat(external)
	if err != nil {
		return errors.Wrap(err, "stat external source for promotion")
	}

	local := r.localPath(vpath)
	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return errors.Wrap(err, "creating parent directory for promotion")
	}

	src, err := os.Open(external)
	if err != nil {
		return errors.Wrap(err, "opening external source for promotion")
	}
	defer src.Close()

	tmp := local + ".promoting.tmp"
	dst, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return errors.Wrap(err, "creating promotion temp file")
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(tmp)
		return errors.Wrap(err, "copying external content for promotion")
	}
	if err := dst.Sync(); err != nil {
		dst.Close()
		os.Remove(tmp)
		return errors.Wrap(err, "fsyncing promoted file")
	}
	if err := dst.Close(); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "closing promoted file")
	}
	if err := os.Rename(tmp, local); err != nil {
		return errors.Wrap(err, "renaming promoted file into place")
	}

	now := time.Now()
	return r.idx.Mutate(r.pair.ID, vpath, func(e *model.FileEntry) {
		e.Location = model.Both
		e.Dirty = true
		e.AccessedAt = now
	})
}

// Mkdir implements mkdir(vp, mode): created locally; sync materializes
// it on external.
func (r *Router) Mkdir(vpath string, mode os.FileMode) error {
	vpath, err := pathutil.Validate(vpath)
	if err != nil {
		return err
	}
	if err := os.Mkdir(r.localPath(vpath), mode); err != nil {
		return errors.Wrap(err, "creating local directory")
	}
	now := time.Now()
	if err := r.idx.Upsert(&model.FileEntry{
		PairID:      r.pair.ID,
		VirtualPath: vpath,
		IsDirectory: true,
		Location:    model.LocalOnly,
		MTime:       now,
		Permissions: uint32(mode.Perm()),
	}); err != nil {
		return err
	}
	r.invalidate.Invalidate(vpath)
	return nil
}

// Unlink implements unlink(vp).
func (r *Router) Unlink(vpath string) error {
	vpath, err := pathutil.Validate(vpath)
	if err != nil {
		return err
	}
	if r.locks.IsLocked(vpath) {
		return vfserr.ErrBusy
	}

	localErr := os.Remove(r.localPath(vpath))
	localRemoved := localErr == nil || os.IsNotExist(localErr)
	if !localRemoved {
		return errors.Wrap(localErr, "removing local file")
	}

	if r.externalOnline() {
		if err := os.Remove(r.externalPath(vpath)); err != nil && !os.IsNotExist(err) {
			return errors.Wrap(err, "removing external file")
		}
		return r.idx.Delete(vpath)
	}

	// External unreachable: leave a tombstone for the executor to apply.
	now := time.Now()
	return r.idx.Mutate(r.pair.ID, vpath, func(e *model.FileEntry) {
		e.Tombstoned = true
		e.Dirty = true
		e.AccessedAt = now
	})
}

// Rmdir implements rmdir(vp); fails with vfserr.ErrNotEmpty if any child
// remains on either root.
func (r *Router) Rmdir(vpath string) error {
	vpath, err := pathutil.Validate(vpath)
	if err != nil {
		return err
	}
	if empty, err := dirEmpty(r.localPath(vpath)); err != nil {
		return err
	} else if !empty {
		return vfserr.ErrNotEmpty
	}
	if r.externalOnline() {
		if empty, err := dirEmpty(r.externalPath(vpath)); err != nil {
			return err
		} else if !empty {
			return vfserr.ErrNotEmpty
		}
	}
	return r.Unlink(vpath)
}

func dirEmpty(path string) (bool, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, errors.Wrap(err, "reading directory")
	}
	return len(entries) == 0, nil
}

// Rename implements rename(from, to): renames on every root that holds a
// copy, rewrites the index key, and invalidates both paths' attr cache.
// Cross-device renames degrade to copy+delete, matching the teacher's
// treatment of cross-upstream moves in backend/union/policy. Both roots are
// renamed concurrently, generalizing the teacher's multithread/Errors
// fan-out helper to this package's two-root model (vfserr.Multi).
func (r *Router) Rename(from, to string) error {
	from, err := pathutil.Validate(from)
	if err != nil {
		return err
	}
	to, err = pathutil.Validate(to)
	if err != nil {
		return err
	}
	if r.locks.IsLocked(from) || r.locks.IsLocked(to) {
		return vfserr.ErrBusy
	}

	if err := r.renameBothRoots(from, to); err != nil {
		return err
	}

	entry, found, err := r.idx.Get(from)
	if err != nil {
		return err
	}
	if found {
		entry.VirtualPath = to
		if err := r.idx.Upsert(entry); err != nil {
			return err
		}
		if err := r.idx.Delete(from); err != nil {
			return err
		}
	}
	r.invalidate.Invalidate(from)
	r.invalidate.Invalidate(to)
	return nil
}

// renameBothRoots runs renameOrCopyDelete against local_root and (if
// reachable) external_root concurrently, aggregating whichever side(s)
// fail into a vfserr.Multi tagged by model.RootKind.
func (r *Router) renameBothRoots(from, to string) error {
	var wg sync.WaitGroup
	var mu sync.Mutex
	var failures vfserr.Multi

	record := func(root model.RootKind, err error) {
		if err == nil || os.IsNotExist(err) {
			return
		}
		mu.Lock()
		failures = failures.Add(root, err)
		mu.Unlock()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		record(model.RootLocal, renameOrCopyDelete(r.localPath(from), r.localPath(to)))
	}()

	if r.externalOnline() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			record(model.RootExternal, renameOrCopyDelete(r.externalPath(from), r.externalPath(to)))
		}()
	}

	wg.Wait()
	if err := failures.Err(); err != nil {
		return errors.Wrap(err, "renaming")
	}
	return nil
}

func renameOrCopyDelete(from, to string) error {
	if err := os.Rename(from, to); err == nil {
		return nil
	} else if !isCrossDevice(err) {
		return err
	}
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
	dst, err := os.OpenFile(to, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return os.Remove(from)
}

func isCrossDevice(err error) bool {
	return errors.Is(err, syscall.EXDEV)
}
