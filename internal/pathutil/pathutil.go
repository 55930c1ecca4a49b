// Package pathutil implements the Path Validator / Filters layer (spec.md
// §2 L1): confining every operation to its declared sync pair and
// applying exclude-pattern / hidden-file / size filters at scan and
// merge-read emission time, never to stored index entries (spec.md
// §4.3).
package pathutil

import (
	"path"
	"strings"

	"github.com/mergefs/vfsd/internal/vfserr"
)

// Clean normalizes a POSIX-relative virtual path: no leading slash, no
// trailing slash, "." collapses to "".
func Clean(vpath string) string {
	vpath = strings.Trim(vpath, "/")
	cleaned := path.Clean(vpath)
	if cleaned == "." {
		return ""
	}
	return cleaned
}

// Validate confirms vpath is a well-formed relative path that cannot
// escape its sync pair's root (no "..", no absolute path), returning
// vfserr.ErrInvalidPath otherwise. Every upcall and write-router entry
// point must call this before touching either backing root.
func Validate(vpath string) (string, error) {
	if path.IsAbs(vpath) {
		return "", vfserr.ErrInvalidPath
	}
	cleaned := Clean(vpath)
	for _, seg := range strings.Split(cleaned, "/") {
		if seg == ".." {
			return "", vfserr.ErrInvalidPath
		}
	}
	return cleaned, nil
}

// Parent returns the parent directory of vpath ("" for a root-level path).
func Parent(vpath string) string {
	vpath = Clean(vpath)
	if vpath == "" {
		return ""
	}
	p := path.Dir(vpath)
	if p == "." {
		return ""
	}
	return p
}

// Base returns the final path component.
func Base(vpath string) string {
	return path.Base(Clean(vpath))
}

// Depth is the number of path components, used by the diff engine to
// order CreateDirectory (ascending) and Delete (descending) actions
// (spec.md §4.5).
func Depth(vpath string) int {
	vpath = Clean(vpath)
	if vpath == "" {
		return 0
	}
	return strings.Count(vpath, "/") + 1
}

// Matcher applies a sync pair's exclude patterns and hidden-file policy.
type Matcher struct {
	patterns      []string
	includeHidden bool
}

// NewMatcher builds a Matcher from a SyncPair's filter configuration.
func NewMatcher(patterns []string, includeHidden bool) *Matcher {
	return &Matcher{patterns: patterns, includeHidden: includeHidden}
}

// Excluded reports whether vpath (or any of its ancestors) should be
// hidden from merge-read emission or from a scan, per spec.md §4.3 and
// §6 (glob-style exclude_patterns, include_hidden).
func (m *Matcher) Excluded(vpath string) bool {
	vpath = Clean(vpath)
	if vpath == "" {
		return false
	}
	for _, seg := range strings.Split(vpath, "/") {
		if !m.includeHidden && strings.HasPrefix(seg, ".") {
			return true
		}
		for _, pattern := range m.patterns {
			if ok, _ := path.Match(pattern, seg); ok {
				return true
			}
		}
	}
	return false
}

// TooLarge reports whether size exceeds maxFileSize (0 means unlimited),
// per spec.md §4.5's Skip(TooLarge) rule. The boundary itself is
// inclusive: a file exactly at maxFileSize is not too large.
func TooLarge(size, maxFileSize int64) bool {
	return maxFileSize > 0 && size > maxFileSize
}
