// Package scanner builds the DirectorySnapshot inputs the diff engine
// compares (spec.md §3/§4.5): a full recursive walk of one backing root,
// filtered by the sync pair's exclude patterns and hidden-file policy.
// Grounded on backend/local.Fs.List's directory-walk shape (stat every
// entry, skip ones that vanish mid-walk; any other walk or stat error
// aborts the scan), generalized from rclone's
// single-directory List to a full recursive walk since DirectorySnapshot
// needs every descendant in one immutable map.
package scanner

import (
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/mergefs/vfsd/internal/checksum"
	"github.com/mergefs/vfsd/internal/model"
	"github.com/mergefs/vfsd/internal/pathutil"
)

// Options configures one Scan call.
type Options struct {
	ComputeChecksum   bool
	ChecksumAlgorithm string
	FollowSymlinks    bool
	Matcher           *pathutil.Matcher
}

// Scan walks root and returns an immutable snapshot of every file and
// directory beneath it, keyed by POSIX-relative path. A missing root
// yields an empty snapshot rather than an error, matching
// internal/treewatch.Signature's "absent root forces a full rescan"
// treatment of a detached external root.
func Scan(root string, opt Options) (model.DirectorySnapshot, error) {
	snap := model.DirectorySnapshot{
		Root:       root,
		Files:      make(map[string]model.FileMetadata),
		CapturedAt: time.Now(),
	}

	if _, err := os.Stat(root); err != nil {
		if os.IsNotExist(err) {
			return snap, nil
		}
		return snap, errors.Wrapf(err, "stat root %s", root)
	}

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil // vanished mid-walk; skip rather than fail the whole scan
			}
			return err
		}
		if path == root {
			return nil
		}

		rel := pathutil.Clean(relPath(root, path))
		if opt.Matcher != nil && opt.Matcher.Excluded(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		info, infoErr := d.Info()
		if infoErr != nil {
			if os.IsNotExist(infoErr) {
				return nil
			}
			return infoErr
		}

		if d.IsDir() {
			snap.Files[rel] = model.FileMetadata{IsDirectory: true, MTime: info.ModTime(), Permissions: uint32(info.Mode().Perm())}
			return nil
		}
		if !opt.FollowSymlinks && info.Mode()&os.ModeSymlink != 0 {
			return nil
		}

		meta := model.FileMetadata{
			Size:        info.Size(),
			MTime:       info.ModTime(),
			Permissions: uint32(info.Mode().Perm()),
		}
		if opt.ComputeChecksum {
			sum, sumErr := checksum.OfFile(opt.ChecksumAlgorithm, path)
			if sumErr == nil {
				meta.Checksum = sum
			}
		}
		snap.Files[rel] = meta
		return nil
	})
	if walkErr != nil {
		return snap, errors.Wrapf(walkErr, "walking %s", root)
	}
	return snap, nil
}

func relPath(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return path
	}
	return filepath.ToSlash(rel)
}
