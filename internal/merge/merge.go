// Package merge implements the Merge Engine (spec.md §4.3): the
// union-view read path over a pair's local and external roots.
// Grounded on backend/union/union.go's List/mergeDirEntries union-by-name
// logic and its search-policy ordering (local root always wins a probe,
// mirroring policy.EpFF's "first existing path" rule), adapted from an
// N-upstream union to the fixed two-root local/external shape of this
// spec.
package merge

import (
	"os"
	"path/filepath"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"

	"github.com/mergefs/vfsd/internal/index"
	"github.com/mergefs/vfsd/internal/lockmgr"
	"github.com/mergefs/vfsd/internal/model"
	"github.com/mergefs/vfsd/internal/pathutil"
	"github.com/mergefs/vfsd/internal/vfserr"
	"github.com/mergefs/vfsd/internal/vfslog"
)

// attrCacheSize bounds the per-path attribute cache named in spec.md §4.3.
const attrCacheSize = 4096

// ExternalProbe reports whether the external root is currently reachable
// (removable media may be unmounted); the caller (internal/core) wires
// this to whatever disk-presence signal it tracks.
type ExternalProbe func() bool

// Attr is the resolved attribute view returned by Getattr, merged across
// whichever root(s) the path exists on.
type Attr struct {
	IsDirectory bool
	Size        int64
	MTime       time.Time
	Permissions uint32
	Location    model.Location
}

// DirEntry is one emitted readdir row.
type DirEntry struct {
	Name        string
	IsDirectory bool
}

// OpenTarget tells the FUSE adapter which backing root to open for a read.
type OpenTarget struct {
	Root model.RootKind
	Path string
}

// Engine is the union-view authority for one sync pair.
type Engine struct {
	pair     model.SyncPair
	idx      *index.Store
	locks    *lockmgr.Manager
	matcher  *pathutil.Matcher
	external ExternalProbe

	attrCache *lru.Cache
	log       vfslogEntry
}

// vfslogEntry avoids importing logrus directly in this file's exported
// surface; vfslog.ForPair already returns *logrus.Entry.
type vfslogEntry interface {
	Debugf(format string, args ...interface{})
	Warnf(format string, args ...interface{})
}

// New constructs an Engine for pair, backed by idx and locks.
func New(pair model.SyncPair, idx *index.Store, locks *lockmgr.Manager, external ExternalProbe) (*Engine, error) {
	cache, err := lru.New(attrCacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "allocating attribute cache")
	}
	return &Engine{
		pair:      pair,
		idx:       idx,
		locks:     locks,
		matcher:   pathutil.NewMatcher(pair.Filters.ExcludePatterns, pair.Filters.IncludeHidden),
		external:  external,
		attrCache: cache,
		log:       vfslog.ForPair("merge", pair.ID),
	}, nil
}

// Invalidate evicts vpath from the attribute cache. The write router
// (§4.4) and sync executor (§4.7) must call this after every mutation.
func (e *Engine) Invalidate(vpath string) {
	e.attrCache.Remove(pathutil.Clean(vpath))
}

func (e *Engine) localPath(vpath string) string {
	return filepath.Join(e.pair.LocalRoot, vpath)
}

func (e *Engine) externalPath(vpath string) string {
	return filepath.Join(e.pair.ExternalRoot, vpath)
}

func (e *Engine) externalOnline() bool {
	return e.external == nil || e.external()
}

// Getattr resolves lookup semantics from spec.md §4.3: probe local first,
// fall back to external if online, fail otherwise. Directory existence is
// the union of both sides with the max mtime.
func (e *Engine) Getattr(vpath string) (*Attr, error) {
	vpath, err := pathutil.Validate(vpath)
	if err != nil {
		return nil, err
	}
	if cached, ok := e.attrCache.Get(vpath); ok {
		return cached.(*Attr), nil
	}

	localInfo, localErr := os.Lstat(e.localPath(vpath))
	var externalInfo os.FileInfo
	var externalErr error = os.ErrNotExist
	if e.externalOnline() {
		externalInfo, externalErr = os.Lstat(e.externalPath(vpath))
	}

	localOK := localErr == nil
	externalOK := externalErr == nil
	if !localOK && !externalOK {
		return nil, vfserr.ErrNotFound
	}

	attr := &Attr{}
	switch {
	case localOK && externalOK:
		attr.Location = model.Both
		attr.IsDirectory = localInfo.IsDir()
		attr.Size = localInfo.Size()
		attr.Permissions = uint32(localInfo.Mode().Perm())
		attr.MTime = maxTime(localInfo.ModTime(), externalInfo.ModTime())
	case localOK:
		attr.Location = model.LocalOnly
		attr.IsDirectory = localInfo.IsDir()
		attr.Size = localInfo.Size()
		attr.Permissions = uint32(localInfo.Mode().Perm())
		attr.MTime = localInfo.ModTime()
	default:
		attr.Location = model.ExternalOnly
		attr.IsDirectory = externalInfo.IsDir()
		attr.Size = externalInfo.Size()
		attr.Permissions = uint32(externalInfo.Mode().Perm())
		attr.MTime = externalInfo.ModTime()
	}

	e.attrCache.Add(vpath, attr)
	return attr, nil
}

// Readdir enumerates the union of local and external children of vpath,
// deduplicated by name, with exclude patterns and hidden-file filters
// applied to the emitted set (never to stored index entries, per
// spec.md §4.3). Order is locale-independent byte order; "." and ".."
// are the caller's (FUSE adapter's) responsibility to prepend, since
// they are synthetic FUSE rows rather than union members.
func (e *Engine) Readdir(vpath string) ([]DirEntry, error) {
	vpath, err := pathutil.Validate(vpath)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]DirEntry)

	localDirents, localErr := os.ReadDir(e.localPath(vpath))
	if localErr != nil && !os.IsNotExist(localErr) {
		return nil, errors.Wrap(localErr, "reading local directory")
	}
	for _, d := range localDirents {
		seen[d.Name()] = DirEntry{Name: d.Name(), IsDirectory: d.IsDir()}
	}

	if e.externalOnline() {
		externalDirents, externalErr := os.ReadDir(e.externalPath(vpath))
		if externalErr != nil && !os.IsNotExist(externalErr) {
			return nil, errors.Wrap(externalErr, "reading external directory")
		}
		for _, d := range externalDirents {
			if _, already := seen[d.Name()]; !already {
				seen[d.Name()] = DirEntry{Name: d.Name(), IsDirectory: d.IsDir()}
			}
		}
	}
	if localErr != nil && !e.externalOnline() {
		return nil, vfserr.ErrNotFound
	}

	out := make([]DirEntry, 0, len(seen))
	for name, entry := range seen {
		childPath := name
		if vpath != "" {
			childPath = vpath + "/" + name
		}
		if e.matcher.Excluded(childPath) {
			continue
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ResolveOpenForRead picks which backing root to actually open for a
// read-only open, per spec.md §4.3: prefer local if its size matches the
// index's recorded size (meaning it isn't a stale/partial copy), else
// fall back to external if online. Also bumps accessed_at in the index
// for the eviction controller's LRU policy.
func (e *Engine) ResolveOpenForRead(vpath string) (*OpenTarget, error) {
	vpath, err := pathutil.Validate(vpath)
	if err != nil {
		return nil, err
	}

	entry, found, err := e.idx.Get(vpath)
	if err != nil {
		return nil, err
	}

	localInfo, localErr := os.Stat(e.localPath(vpath))
	localUsable := localErr == nil && (!found || entry.Size == localInfo.Size())

	var target *OpenTarget
	switch {
	case localUsable:
		target = &OpenTarget{Root: model.RootLocal, Path: e.localPath(vpath)}
	case e.externalOnline():
		if _, err := os.Stat(e.externalPath(vpath)); err != nil {
			return nil, vfserr.ErrNotFound
		}
		target = &OpenTarget{Root: model.RootExternal, Path: e.externalPath(vpath)}
	default:
		return nil, vfserr.ErrExternalOffline
	}

	if err := e.touchAccessedAt(vpath); err != nil {
		e.log.Warnf("failed to update accessed_at for %s: %v", vpath, err)
	}
	return target, nil
}

func (e *Engine) touchAccessedAt(vpath string) error {
	now := time.Now()
	return e.idx.Mutate(e.pair.ID, vpath, func(fe *model.FileEntry) {
		fe.AccessedAt = now
	})
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
