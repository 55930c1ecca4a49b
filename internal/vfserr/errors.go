// Package vfserr defines the closed set of errors the core data plane can
// return, and an aggregate type for fan-out operations that touch both
// backing roots.
package vfserr

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/mergefs/vfsd/internal/model"
)

// Sentinel errors returned by the core components. The FUSE adapter maps
// these to POSIX errno at the boundary (spec §6) and nothing below that
// boundary should construct a raw errno.
var (
	// ErrNotFound means the path exists on neither root.
	ErrNotFound = errors.New("not found in either root")
	// ErrBusy means the path is sync_locked.
	ErrBusy = errors.New("path is locked for sync")
	// ErrNotEmpty means a directory removal was attempted on a non-empty directory.
	ErrNotEmpty = errors.New("directory not empty")
	// ErrIO means a backing-store operation failed.
	ErrIO = errors.New("backing store i/o error")
	// ErrInvalidPath means the path falls outside the owning sync pair's target.
	ErrInvalidPath = errors.New("path outside sync pair")
	// ErrPermission means the OS denied the operation.
	ErrPermission = errors.New("permission denied")
	// ErrExternalOffline means the external root is not currently reachable.
	ErrExternalOffline = errors.New("external root offline")
	// ErrReadOnly means the target upstream does not accept writes.
	ErrReadOnly = errors.New("upstream is read-only")
	// ErrConflict means a bidirectional diff found divergent copies needing a policy decision.
	ErrConflict = errors.New("conflicting changes on both roots")
)

// RootFailure pairs one physical root with the error a fan-out operation
// hit while touching it, so a caller logging or mapping the aggregate can
// tell which side of the pair needs attention without re-parsing strings.
type RootFailure struct {
	Root model.RootKind
	Err  error
}

func (f RootFailure) Error() string {
	return f.Root.String() + ": " + f.Err.Error()
}

func (f RootFailure) Unwrap() error { return f.Err }

// Multi aggregates the per-root failures of an operation that fans out
// across both local and external roots (the write router's rename).
// Generalizes the teacher's backend/union Errors
// type, which aggregates per-upstream errors with no notion of which
// upstream is which; here every slot is tagged with the root it came from,
// since callers (operator status views, §7's event log) need to say which
// side of the pair failed, not just that one of the two did.
type Multi []RootFailure

// Add appends a root's failure to m if err is non-nil, and returns m for
// chaining at each fan-out call site.
func (m Multi) Add(root model.RootKind, err error) Multi {
	if err == nil {
		return m
	}
	return append(m, RootFailure{Root: root, Err: err})
}

// Err returns nil if m has no failures, otherwise m itself as an error.
func (m Multi) Err() error {
	if len(m) == 0 {
		return nil
	}
	return m
}

// Error implements error.
func (m Multi) Error() string {
	var buf bytes.Buffer
	switch len(m) {
	case 0:
		buf.WriteString("no error")
	case 1:
		buf.WriteString("1 root failed: ")
	default:
		fmt.Fprintf(&buf, "%d roots failed: ", len(m))
	}
	for i, f := range m {
		if i != 0 {
			buf.WriteString("; ")
		}
		buf.WriteString(f.Error())
	}
	return buf.String()
}

// Unwrap exposes the wrapped errors to errors.Is/errors.As.
func (m Multi) Unwrap() []error {
	out := make([]error, len(m))
	for i, f := range m {
		out[i] = f
	}
	return out
}

// HasRoot reports whether root is among the failed roots, letting a caller
// ask e.g. "did the external side fail?" without walking the slice itself.
func (m Multi) HasRoot(root model.RootKind) bool {
	for _, f := range m {
		if f.Root == root {
			return true
		}
	}
	return false
}
