// Package index implements the File Index & Tree Version Store (spec.md
// §4.1): a durable, crash-safe, per-pair map of every known path to its
// FileEntry, plus the per-root TreeVersion scalars used to detect
// out-of-band changes at mount time.
//
// The on-disk layout generalizes backend/cache's storage_persistent.go:
// one bucket per path segment (so listing a directory's entries is a
// bucket scan, not a full-index scan) with the entry itself stored under
// a reserved "." key, exactly as CachedDirectory does for directory
// metadata. Tree versions live in their own top-level bucket, analogous
// to that file's RootTsBucket/DataTsBucket scalar buckets.
package index

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/mergefs/vfsd/internal/model"
	"github.com/mergefs/vfsd/internal/vfslog"
)

const (
	bucketEntries     = "entries"
	bucketTreeVersion = "tree_version"
	entryKey          = "."

	// checkpointInterval is the default batch fsync cadence named in
	// spec.md §4.1 ("every batch must fsync at least every N actions"),
	// shared with the executor's default checkpoint interval.
	checkpointInterval = 50
)

// Store is the sole writer of one sync pair's durable index. Spec.md §4.1
// requires a single coordinator task per process; callers serialize
// through the Store's exported methods rather than touching the *bolt.DB
// directly.
type Store struct {
	pairID string
	path   string

	mu         sync.Mutex // serializes writer access; bbolt already serializes Update internally
	db         *bolt.DB
	log        *logEntry
	writeCount int
}

// logEntry is the narrow subset of *logrus.Entry the index needs, kept as
// an interface so tests can substitute a no-op logger without pulling in
// logrus assertions.
type logEntry interface {
	Debugf(format string, args ...interface{})
	Warnf(format string, args ...interface{})
}

// Open opens (creating if absent) the bbolt file for one pair's index at
// dataDir/index/<pairID>.idx, per spec.md §6's persisted state layout.
func Open(dataDir, pairID string) (*Store, error) {
	dir := filepath.Join(dataDir, "index")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating index directory %s", dir)
	}
	path := filepath.Join(dir, pairID+".idx")
	db, err := bolt.Open(path, 0o644, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "opening index %s", path)
	}
	s := &Store{
		pairID: pairID,
		path:   path,
		db:     db,
		log:    vfslog.ForPair("index", pairID),
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketEntries))
		if err != nil {
			return err
		}
		_, err = tx.CreateBucketIfNotExists([]byte(bucketTreeVersion))
		return err
	}); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "initializing index buckets")
	}
	return s, nil
}

// Close releases the underlying bbolt handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// segments splits a virtual path into the nested-bucket path used to
// store it, mirroring storage_persistent.go's getBucket path walk.
func segments(vpath string) []string {
	vpath = strings.Trim(vpath, "/")
	if vpath == "" {
		return nil
	}
	return strings.Split(vpath, "/")
}

// bucketFor descends into (creating if requested) the nested bucket for
// vpath's parent directory chain.
func bucketFor(tx *bolt.Tx, vpath string, create bool) (*bolt.Bucket, error) {
	bucket := tx.Bucket([]byte(bucketEntries))
	for _, seg := range segments(vpath) {
		if create {
			next, err := bucket.CreateBucketIfNotExists([]byte(seg))
			if err != nil {
				return nil, err
			}
			bucket = next
		} else {
			bucket = bucket.Bucket([]byte(seg))
			if bucket == nil {
				return nil, nil
			}
		}
	}
	return bucket, nil
}

// Get returns the FileEntry at vpath, or ok=false if unknown.
func (s *Store) Get(vpath string) (entry *model.FileEntry, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		bucket, berr := bucketFor(tx, vpath, false)
		if berr != nil || bucket == nil {
			return berr
		}
		raw := bucket.Get([]byte(entryKey))
		if raw == nil {
			return nil
		}
		var e model.FileEntry
		if jerr := json.Unmarshal(raw, &e); jerr != nil {
			return errors.Wrapf(jerr, "decoding entry %s", vpath)
		}
		entry = &e
		ok = true
		return nil
	})
	return entry, ok, err
}

// Upsert stores entry, creating any missing parent buckets. Upsert is
// idempotent: storing the same entry twice is a no-op on disk content.
// Callers that only want to change a subset of fields should use Mutate
// instead, which preserves every field the callback does not touch.
func (s *Store) Upsert(entry *model.FileEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket, err := bucketFor(tx, entry.VirtualPath, true)
		if err != nil {
			return err
		}
		raw, err := json.Marshal(entry)
		if err != nil {
			return errors.Wrapf(err, "encoding entry %s", entry.VirtualPath)
		}
		return bucket.Put([]byte(entryKey), raw)
	})
	if err != nil {
		return errors.Wrapf(err, "upserting %s", entry.VirtualPath)
	}
	s.noteWrite()
	return nil
}

// Mutate loads the entry at vpath (zero value if absent), applies fn, and
// stores the result in the same transaction, preserving every field fn
// does not modify. This satisfies spec.md §4.1's "must preserve unset
// fields when partial" requirement without requiring every caller to
// round-trip a full FileEntry through Get first.
func (s *Store) Mutate(pairID, vpath string, fn func(e *model.FileEntry)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket, err := bucketFor(tx, vpath, true)
		if err != nil {
			return err
		}
		e := model.FileEntry{PairID: pairID, VirtualPath: vpath}
		if raw := bucket.Get([]byte(entryKey)); raw != nil {
			if jerr := json.Unmarshal(raw, &e); jerr != nil {
				return errors.Wrapf(jerr, "decoding entry %s", vpath)
			}
		}
		fn(&e)
		raw, err := json.Marshal(&e)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(entryKey), raw)
	})
	if err != nil {
		return errors.Wrapf(err, "mutating %s", vpath)
	}
	s.noteWrite()
	return nil
}

// Delete removes the entry at vpath. Deleting an unknown path is a no-op,
// matching Upsert's idempotence.
func (s *Store) Delete(vpath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket, err := bucketFor(tx, vpath, false)
		if err != nil || bucket == nil {
			return err
		}
		return bucket.Delete([]byte(entryKey))
	})
	if err != nil {
		return errors.Wrapf(err, "deleting %s", vpath)
	}
	s.noteWrite()
	return nil
}

// Filter selects which entries Iter should yield.
type Filter func(*model.FileEntry) bool

// Dirty selects entries with un-replicated local changes.
func Dirty(e *model.FileEntry) bool { return e.Dirty }

// Locked selects entries currently sync_locked.
func Locked(e *model.FileEntry) bool { return e.LockState == model.SyncLocked }

// Evictable selects entries eligible for cache eviction per spec.md §4.7's
// base predicate (callers still re-check checksum/size agreement, which
// needs the external root's live state, not just the index record).
func Evictable(e *model.FileEntry) bool {
	return !e.IsDirectory && e.Location == model.Both && !e.Dirty && e.LockState == model.Unlocked
}

// Tombstoned selects entries the write router deleted locally while the
// external root was unreachable (spec.md §4.4's write-router table): the
// executor still owes the external root a matching delete.
func Tombstoned(e *model.FileEntry) bool { return e.Tombstoned }

// Iter streams every entry matching filter to fn without loading the
// whole index into memory, per spec.md §4.1. Returning an error from fn
// stops the walk and propagates the error.
func (s *Store) Iter(filter Filter, fn func(*model.FileEntry) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket([]byte(bucketEntries))
		return walkBucket(root, fn, filter)
	})
}

func walkBucket(bucket *bolt.Bucket, fn func(*model.FileEntry) error, filter Filter) error {
	c := bucket.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		if v != nil {
			var e model.FileEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return errors.Wrapf(err, "decoding entry at key %s", k)
			}
			if filter == nil || filter(&e) {
				if err := fn(&e); err != nil {
					return err
				}
			}
			continue
		}
		if err := walkBucket(bucket.Bucket(k), fn, filter); err != nil {
			return err
		}
	}
	return nil
}

// GetTreeVersion returns the stored signature for one root, or ok=false if
// the index has never recorded one (forcing a full rescan per spec.md §3).
func (s *Store) GetTreeVersion(root model.RootKind) (version string, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(bucketTreeVersion)).Get([]byte(root.String()))
		if raw == nil {
			return nil
		}
		version = string(raw)
		ok = true
		return nil
	})
	return version, ok, err
}

// SetTreeVersion stores the signature for one root.
func (s *Store) SetTreeVersion(root model.RootKind, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketTreeVersion)).Put([]byte(root.String()), []byte(version))
	})
	if err != nil {
		return errors.Wrapf(err, "setting tree version for %s", root)
	}
	s.noteWrite()
	return nil
}

// Invalidate clears the stored signature for one root, forcing the next
// startup check to treat it as absent.
func (s *Store) Invalidate(root model.RootKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketTreeVersion)).Delete([]byte(root.String()))
	})
	if err != nil {
		return errors.Wrapf(err, "invalidating tree version for %s", root)
	}
	s.noteWrite()
	return nil
}

// CleanupExpiredLocks clears sync_locked on every entry whose
// lock_time+ttl has passed (spec.md §4.1/§4.2) and returns how many it
// reaped.
func (s *Store) CleanupExpiredLocks(now time.Time, ttl time.Duration) (reaped int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	err = s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket([]byte(bucketEntries))
		return walkBucketMutable(root, func(e *model.FileEntry) (bool, error) {
			if e.LockState == model.SyncLocked && now.Sub(e.LockTime) > ttl {
				e.LockState = model.Unlocked
				e.LockDirection = model.NoLockDirection
				e.LockOwner = ""
				reaped++
				return true, nil
			}
			return false, nil
		})
	})
	if reaped > 0 {
		s.log.Warnf("reaped %d expired lock(s)", reaped)
	}
	return reaped, err
}

// walkBucketMutable walks every entry, writing back any mutation fn makes
// (signalled by its bool return).
func walkBucketMutable(bucket *bolt.Bucket, fn func(*model.FileEntry) (bool, error)) error {
	c := bucket.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		if v != nil {
			var e model.FileEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return errors.Wrapf(err, "decoding entry at key %s", k)
			}
			changed, err := fn(&e)
			if err != nil {
				return err
			}
			if changed {
				raw, err := json.Marshal(&e)
				if err != nil {
					return err
				}
				if err := bucket.Put(k, raw); err != nil {
					return err
				}
			}
			continue
		}
		if err := walkBucketMutable(bucket.Bucket(k), fn); err != nil {
			return err
		}
	}
	return nil
}

// noteWrite tracks writes for the checkpoint-interval fsync contract; bbolt
// already fsyncs every Update by default, so this is an explicit Sync call
// every checkpointInterval writes to also cover batched/NoSync callers.
func (s *Store) noteWrite() {
	s.writeCount++
	if s.writeCount%checkpointInterval == 0 {
		if err := s.db.Sync(); err != nil {
			s.log.Warnf("index sync failed: %v", err)
		}
	}
}
