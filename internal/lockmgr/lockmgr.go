// Package lockmgr implements the Lock Manager (spec.md §4.2): advisory,
// in-process coordination between the sync executor (wants a stable view
// of a path) and user opens/writes (want to mutate it).
//
// Locks are recorded both here (for O(1) probing on the hot upcall path)
// and mirrored into the File Index so they survive a process restart and
// are visible to anything iterating the index directly; lockmgr itself is
// the fast, in-memory source of truth while the Store catches up lazily.
package lockmgr

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mergefs/vfsd/internal/model"
	"github.com/mergefs/vfsd/internal/vfserr"
	"github.com/mergefs/vfsd/internal/vfslog"
)

// entry tracks one held lock.
type entry struct {
	ownerID   string
	direction model.LockDirection
	lockedAt  time.Time
}

// Indexer is the subset of index.Store the lock manager needs, so it can
// be tested without a real bbolt file and so sweep results get persisted.
type Indexer interface {
	Mutate(pairID, vpath string, fn func(*model.FileEntry)) error
}

// Manager holds the lock table for one sync pair.
type Manager struct {
	pairID string
	ttl    time.Duration
	index  Indexer
	log    *loggerAdapter

	mu     sync.RWMutex
	locked map[string]entry
}

type loggerAdapter struct {
	warnf func(string, ...interface{})
}

// New creates a Manager for one pair. ttl defaults to 10 minutes
// (spec.md §6's lock_ttl default) when ttl <= 0.
func New(pairID string, ttl time.Duration, idx Indexer) *Manager {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	log := vfslog.ForPair("lockmgr", pairID)
	return &Manager{
		pairID: pairID,
		ttl:    ttl,
		index:  idx,
		log:    &loggerAdapter{warnf: log.Warnf},
		locked: make(map[string]entry),
	}
}

// NewOwnerID mints a fresh owner id for a caller (an executor run, a
// FUSE session) to present to Lock/Unlock.
func NewOwnerID() string {
	return uuid.NewString()
}

// Lock marks every path in paths sync_locked under ownerID and direction.
// If any path is already locked by a different owner, no path is locked
// (all-or-nothing) and vfserr.ErrBusy is returned.
func (m *Manager) Lock(paths []string, direction model.LockDirection, ownerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for _, p := range paths {
		if e, ok := m.locked[p]; ok && e.ownerID != ownerID {
			if now.Sub(e.lockedAt) <= m.ttl {
				return vfserr.ErrBusy
			}
			// Expired lock held by someone else: treat as free.
		}
	}
	for _, p := range paths {
		m.locked[p] = entry{ownerID: ownerID, direction: direction, lockedAt: now}
		if m.index != nil {
			p := p
			_ = m.index.Mutate(m.pairID, p, func(e *model.FileEntry) {
				e.LockState = model.SyncLocked
				e.LockTime = now
				e.LockDirection = direction
				e.LockOwner = ownerID
			})
		}
	}
	return nil
}

// Unlock releases every path in paths if held by ownerID. Unlocking a
// path not held, or held by someone else, is a no-op for that path
// (idempotent per spec.md §4.2).
func (m *Manager) Unlock(paths []string, ownerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range paths {
		if e, ok := m.locked[p]; ok && e.ownerID == ownerID {
			delete(m.locked, p)
			if m.index != nil {
				p := p
				_ = m.index.Mutate(m.pairID, p, func(e *model.FileEntry) {
					e.LockState = model.Unlocked
					e.LockDirection = model.NoLockDirection
					e.LockOwner = ""
				})
			}
		}
	}
}

// IsLocked is the O(1) probe the Merge Engine consults before serving a
// write-open (spec.md §4.2).
func (m *Manager) IsLocked(path string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.locked[path]
	if !ok {
		return false
	}
	return time.Since(e.lockedAt) <= m.ttl
}

// Sweep reaps locks older than the configured TTL and logs a warning for
// each, per spec.md §4.2.
func (m *Manager) Sweep(now time.Time) int {
	m.mu.Lock()
	var stale []string
	for p, e := range m.locked {
		if now.Sub(e.lockedAt) > m.ttl {
			stale = append(stale, p)
		}
	}
	for _, p := range stale {
		delete(m.locked, p)
	}
	m.mu.Unlock()

	for _, p := range stale {
		m.log.warnf("reaped expired sync lock on %s", p)
		if m.index != nil {
			p := p
			_ = m.index.Mutate(m.pairID, p, func(e *model.FileEntry) {
				e.LockState = model.Unlocked
				e.LockDirection = model.NoLockDirection
				e.LockOwner = ""
			})
		}
	}
	return len(stale)
}
