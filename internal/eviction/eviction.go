// Package eviction implements the Cache Eviction Controller (spec.md
// §4.7): reclaims local disk space by evicting clean, replicated,
// unlocked entries under an LRU+size policy. Grounded on
// backend/cache's underlying premise — the local root is a reclaimable
// cache of a remote — generalized from rclone's whole-object caching to
// this spec's per-entry eligibility+ordering rule. Free-space probing
// uses github.com/shirou/gopsutil/v3/disk, a policy this package
// supplements beyond anything the teacher's cache backend does (that
// backend evicts on LRU only, never on live free-space); gopsutil is
// part of the teacher's own go.mod.
package eviction

import (
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/mergefs/vfsd/internal/checksum"
	"github.com/mergefs/vfsd/internal/events"
	"github.com/mergefs/vfsd/internal/index"
	"github.com/mergefs/vfsd/internal/model"
	"github.com/mergefs/vfsd/internal/vfslog"
)

// Invalidator mirrors internal/merge.Engine's attribute-cache surface.
type Invalidator interface {
	Invalidate(vpath string)
}

// Options configures one Controller, mirroring
// internal/config.EvictionResolved.
type Options struct {
	TriggerThresholdBytes int64
	TargetFreeSpaceBytes  int64
	EnableChecksum        bool
	ChecksumAlgorithm     string
}

// Result reports what one Run pass accomplished, matching spec.md §4.7's
// skip-counter contract.
type Result struct {
	FreedBytes    int64
	EvictedFiles  int
	SkippedDirty  int
	SkippedLocked int
	FailedSync    int
}

// Controller evicts local copies for one sync pair.
type Controller struct {
	pair       model.SyncPair
	idx        *index.Store
	invalidate Invalidator
	bus        *events.Bus
	opt        Options
	log        vfslogEntry

	diskUsage func(path string) (*disk.UsageStat, error)
}

type vfslogEntry interface {
	Debugf(format string, args ...interface{})
	Warnf(format string, args ...interface{})
}

// New constructs a Controller for pair.
func New(pair model.SyncPair, idx *index.Store, invalidate Invalidator, bus *events.Bus, opt Options) *Controller {
	return &Controller{
		pair:       pair,
		idx:        idx,
		invalidate: invalidate,
		bus:        bus,
		opt:        opt,
		log:        vfslog.ForPair("eviction", pair.ID),
		diskUsage:  disk.Usage,
	}
}

// NeedsEviction reports whether local_root's volume free space is at or
// below trigger_threshold.
func (c *Controller) NeedsEviction() (bool, error) {
	usage, err := c.diskUsage(c.pair.LocalRoot)
	if err != nil {
		return false, errors.Wrap(err, "probing disk usage")
	}
	return usage.Free <= uint64(c.opt.TriggerThresholdBytes), nil
}

// candidate is one eviction-eligible entry, carried alongside its index
// record for the ordering pass.
type candidate struct {
	entry *model.FileEntry
}

// Run evicts entries until target_free_space is reached or candidates
// are exhausted, per spec.md §4.7's ordering and action steps.
func (c *Controller) Run() (Result, error) {
	var result Result

	candidates, skipDirty, skipLocked := c.collectCandidates()
	result.SkippedDirty = skipDirty
	result.SkippedLocked = skipLocked

	sort.Slice(candidates, func(i, j int) bool {
		ai, aj := candidates[i].entry, candidates[j].entry
		if !ai.AccessedAt.Equal(aj.AccessedAt) {
			return ai.AccessedAt.Before(aj.AccessedAt)
		}
		return ai.Size > aj.Size
	})

	for _, cand := range candidates {
		usage, err := c.diskUsage(c.pair.LocalRoot)
		if err != nil {
			return result, errors.Wrap(err, "probing disk usage")
		}
		if usage.Free >= uint64(c.opt.TargetFreeSpaceBytes) {
			break
		}

		freed, evicted, failedSync, err := c.evictOne(cand.entry)
		if err != nil {
			c.log.Warnf("evicting %s: %v", cand.entry.VirtualPath, err)
			continue
		}
		if failedSync {
			result.FailedSync++
			continue
		}
		if evicted {
			result.FreedBytes += freed
			result.EvictedFiles++
			if c.bus != nil {
				c.bus.PublishThrottled(events.Event{
					Kind:   events.EvictionProgress,
					PairID: c.pair.ID,
					Payload: events.EvictionProgressPayload{
						FreedBytes:   result.FreedBytes,
						EvictedFiles: result.EvictedFiles,
						CurrentFile:  cand.entry.VirtualPath,
						SkippedDirty: result.SkippedDirty, SkippedLocked: result.SkippedLocked,
						FailedSync: result.FailedSync,
					},
				}, 100*time.Millisecond)
			}
		}
	}
	return result, nil
}

func (c *Controller) collectCandidates() (candidates []candidate, skippedDirty, skippedLocked int) {
	_ = c.idx.Iter(index.Evictable, func(e *model.FileEntry) error {
		candidates = append(candidates, candidate{entry: cloneEntry(e)})
		return nil
	})

	_ = c.idx.Iter(func(e *model.FileEntry) bool {
		return !e.IsDirectory && e.Location == model.Both && e.Dirty
	}, func(e *model.FileEntry) error {
		skippedDirty++
		return nil
	})
	_ = c.idx.Iter(func(e *model.FileEntry) bool {
		return !e.IsDirectory && e.Location == model.Both && e.LockState == model.SyncLocked
	}, func(e *model.FileEntry) error {
		skippedLocked++
		return nil
	})
	return candidates, skippedDirty, skippedLocked
}

func cloneEntry(e *model.FileEntry) *model.FileEntry {
	cp := *e
	return &cp
}

// evictOne re-verifies eligibility, removes the local copy, and updates
// the index, per spec.md §4.7's action steps 1-4.
func (c *Controller) evictOne(stale *model.FileEntry) (freed int64, evicted bool, failedSync bool, err error) {
	localPath := filepath.Join(c.pair.LocalRoot, stale.VirtualPath)
	externalPath := filepath.Join(c.pair.ExternalRoot, stale.VirtualPath)

	current, ok, err := c.idx.Get(stale.VirtualPath)
	if err != nil {
		return 0, false, false, err
	}
	if !ok || current.IsDirectory || current.Location != model.Both || current.Dirty || current.LockState == model.SyncLocked {
		return 0, false, false, nil // lost eligibility since collection
	}

	if consistent, err := c.externalAgrees(localPath, externalPath, current); err != nil {
		return 0, false, false, err
	} else if !consistent {
		if merr := c.idx.Mutate(c.pair.ID, current.VirtualPath, func(fe *model.FileEntry) {
			fe.FailedSync = true
		}); merr != nil {
			return 0, false, false, merr
		}
		return 0, false, true, nil
	}

	info, statErr := os.Stat(localPath)
	if statErr != nil {
		if os.IsNotExist(statErr) {
			return 0, false, false, nil
		}
		return 0, false, false, statErr
	}
	if err := os.Remove(localPath); err != nil {
		return 0, false, false, errors.Wrap(err, "removing local copy")
	}

	if err := c.idx.Mutate(c.pair.ID, current.VirtualPath, func(fe *model.FileEntry) {
		fe.Location = model.ExternalOnly
		fe.AccessedAt = time.Time{}
	}); err != nil {
		return info.Size(), false, false, err
	}
	c.invalidate.Invalidate(current.VirtualPath)
	return info.Size(), true, false, nil
}

// externalAgrees checks the disagree-vs-evictable rule: if checksums are
// enabled, compare them; otherwise fall back to size+mtime equality.
func (c *Controller) externalAgrees(localPath, externalPath string, entry *model.FileEntry) (bool, error) {
	externalInfo, err := os.Stat(externalPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}

	if c.opt.EnableChecksum && entry.Checksum != nil {
		externalSum, err := checksum.OfFile(c.opt.ChecksumAlgorithm, externalPath)
		if err != nil {
			return false, err
		}
		return checksum.Equal(externalSum, entry.Checksum), nil
	}

	localInfo, err := os.Stat(localPath)
	if err != nil {
		return false, err
	}
	sizeEqual := localInfo.Size() == externalInfo.Size()
	mtimeClose := absDuration(localInfo.ModTime().Sub(externalInfo.ModTime())) <= 2*time.Second
	return sizeEqual && mtimeClose, nil
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
