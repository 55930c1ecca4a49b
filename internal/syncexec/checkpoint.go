package syncexec

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/mergefs/vfsd/internal/model"
)

// checkpointBucket is the single bucket each pair's checkpoint file uses;
// the lone key "state" holds the latest SyncState, matching
// internal/index's one-reserved-key-per-record convention.
const checkpointBucket = "checkpoint"
const checkpointKey = "state"

// CheckpointStore persists one SyncState per sync pair in its own bbolt
// file under dataDir/checkpoints, shared library choice with
// internal/index (go.etcd.io/bbolt) per DESIGN.md.
type CheckpointStore struct {
	db *bolt.DB
}

// OpenCheckpointStore opens (creating if absent) the checkpoint file for
// pairID.
func OpenCheckpointStore(dataDir, pairID string) (*CheckpointStore, error) {
	dir := filepath.Join(dataDir, "checkpoints")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "creating checkpoint directory")
	}
	path := filepath.Join(dir, pairID+".ckpt")
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "opening checkpoint store %s", path)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(checkpointBucket))
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &CheckpointStore{db: db}, nil
}

// Close releases the underlying bbolt file handle.
func (c *CheckpointStore) Close() error {
	return c.db.Close()
}

// Save fsyncs state to disk, overwriting any prior checkpoint.
func (c *CheckpointStore) Save(state *model.SyncState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return errors.Wrap(err, "encoding sync state")
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(checkpointBucket)).Put([]byte(checkpointKey), raw)
	})
}

// Load returns the persisted SyncState, or (nil, false) if none exists.
func (c *CheckpointStore) Load() (*model.SyncState, bool, error) {
	var state *model.SyncState
	err := c.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(checkpointBucket)).Get([]byte(checkpointKey))
		if raw == nil {
			return nil
		}
		state = &model.SyncState{}
		return json.Unmarshal(raw, state)
	})
	if err != nil {
		return nil, false, errors.Wrap(err, "decoding sync state")
	}
	return state, state != nil, nil
}

// Clear deletes the checkpoint, matching spec.md §4.6's "delete the
// checkpoint" step on successful completion. Cancelled plans keep their
// checkpoint for the 7-day inspection window named in spec.md §4.6 —
// callers must not call Clear for a cancellation.
func (c *CheckpointStore) Clear() error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(checkpointBucket)).Delete([]byte(checkpointKey))
	})
}
