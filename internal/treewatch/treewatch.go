// Package treewatch implements the Tree Version watcher named in spec.md
// §3/§9: a per-root scalar signature used to cheaply detect out-of-band
// changes at mount or reconnect time, backed by a live fsnotify watch so
// a later out-of-band edit is caught without waiting for the next full
// scan. fsnotify is contributed by EmundoT-git-vendor's go.mod — rclone's
// own go.mod does not depend on it (see DESIGN.md).
package treewatch

import (
	"context"
	"encoding/hex"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"

	"github.com/mergefs/vfsd/internal/events"
	"github.com/mergefs/vfsd/internal/index"
	"github.com/mergefs/vfsd/internal/model"
	"github.com/mergefs/vfsd/internal/vfslog"
)

// debounceWindow coalesces bursts of filesystem events (e.g. a large
// copy) into a single reconcile pass.
const debounceWindow = 500 * time.Millisecond

// Signature computes a deterministic hash over the sorted top-level
// entries of root: (name, mtime, size) triples, per spec.md §3's
// TreeVersion definition.
func Signature(root string) (string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", errors.Wrapf(err, "reading %s", root)
	}

	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	sort.Strings(names)

	h := xxhash.New()
	for _, name := range names {
		info, err := os.Lstat(filepath.Join(root, name))
		if err != nil {
			continue // vanished between ReadDir and Lstat; next pass will catch it
		}
		h.Write([]byte(name))
		h.Write([]byte{0})
		writeInt64(h, info.ModTime().UnixNano())
		writeInt64(h, info.Size())
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func writeInt64(h *xxhash.Digest, v int64) {
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * i))
	}
	h.Write(buf[:])
}

// Watcher reconciles one sync pair's two TreeVersions against a live
// fsnotify watch on each root.
type Watcher struct {
	pair model.SyncPair
	idx  *index.Store
	bus  *events.Bus
	log  vfslogEntry

	onStale func(root model.RootKind)
}

type vfslogEntry interface {
	Debugf(format string, args ...interface{})
	Warnf(format string, args ...interface{})
}

// New constructs a Watcher. onStale is invoked whenever a root's live
// signature no longer matches its stored TreeVersion, so the caller
// (internal/core) can schedule a full rescan; it is never called
// concurrently for the same root.
func New(pair model.SyncPair, idx *index.Store, bus *events.Bus, onStale func(root model.RootKind)) *Watcher {
	return &Watcher{
		pair:    pair,
		idx:     idx,
		bus:     bus,
		log:     vfslog.ForPair("treewatch", pair.ID),
		onStale: onStale,
	}
}

// CheckAtStartup compares each root's live signature against its stored
// TreeVersion (spec.md §4.1's "missing store ⇒ both versions absent,
// forcing a full rescan" rule falls naturally out of GetTreeVersion's
// ok=false return). Call once per pair at mount time, before Run.
func (w *Watcher) CheckAtStartup() error {
	for _, root := range []model.RootKind{model.RootLocal, model.RootExternal} {
		if err := w.reconcile(root); err != nil {
			return err
		}
	}
	return nil
}

func (w *Watcher) reconcile(root model.RootKind) error {
	path := w.pair.LocalRoot
	if root == model.RootExternal {
		path = w.pair.ExternalRoot
	}

	live, err := Signature(path)
	if err != nil {
		return err
	}
	stored, ok, err := w.idx.GetTreeVersion(root)
	if err != nil {
		return err
	}

	if ok && stored == live {
		return nil
	}
	if err := w.idx.SetTreeVersion(root, live); err != nil {
		return err
	}
	w.log.Warnf("tree version changed for %s root, scheduling rescan", root)
	if w.bus != nil {
		w.bus.Publish(events.Event{Kind: events.DiskChanged, PairID: w.pair.ID, Payload: root})
	}
	if w.onStale != nil {
		w.onStale(root)
	}
	return nil
}

// Run watches both roots for filesystem activity until ctx is cancelled,
// debouncing bursts and reconciling the affected root's TreeVersion after
// each quiet period. Per spec.md §5, this is a background task: it
// suspends on I/O and exits at its next safe boundary on cancellation.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "creating fsnotify watcher")
	}
	defer fsw.Close()

	roots := map[string]model.RootKind{
		w.pair.LocalRoot:    model.RootLocal,
		w.pair.ExternalRoot: model.RootExternal,
	}
	for path := range roots {
		if err := fsw.Add(path); err != nil {
			w.log.Warnf("watching %s: %v", path, err)
		}
	}

	pending := make(map[model.RootKind]*time.Timer)
	defer func() {
		for _, t := range pending {
			t.Stop()
		}
	}()

	fire := make(chan model.RootKind, 4)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			root, known := roots[filepath.Dir(ev.Name)]
			if !known {
				continue
			}
			if t, exists := pending[root]; exists {
				t.Stop()
			}
			r := root
			pending[r] = time.AfterFunc(debounceWindow, func() { fire <- r })
		case werr, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Warnf("fsnotify error: %v", werr)
		case root := <-fire:
			delete(pending, root)
			if err := w.reconcile(root); err != nil {
				w.log.Warnf("reconciling %s root: %v", root, err)
			}
		}
	}
}
