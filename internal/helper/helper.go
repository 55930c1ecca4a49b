// Package helper is the client side of spec.md §6's "to the privileged
// helper (outbound)" boundary: a narrow, directory-only call set
// (protect/unprotect/lock_fs/unlock_fs/hide/unhide/set_acl/status) that
// the core never bypasses by touching filesystem flags or ACLs itself.
// The helper process, its privilege-elevation mechanism, and its wire
// transport are all named in spec.md §1 as external collaborators outside
// this system's scope; this package owns only the narrow Go-side
// interface and the path-validator guard spec.md §6 requires in front of
// every call. The transport shape (named calls carrying JSON params,
// returning a JSON result) is grounded on rclone's fs/rc remote-control
// API, generalized from rc's general-purpose call registry down to this
// fixed eight-call set; net/http + encoding/json is a deliberate stdlib
// choice here (see DESIGN.md) since rc's own transport is stdlib-based.
package helper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/mergefs/vfsd/internal/vfserr"
)

// Status reports a protected directory's current helper-managed state.
type Status struct {
	Locked bool `json:"locked"`
	HasACL bool `json:"has_acl"`
	Hidden bool `json:"hidden"`
}

// Client is the narrow surface spec.md §6 names. Every method operates on
// directories only; callers must pass an absolute filesystem path that
// belongs to a declared sync pair's local or external root.
type Client interface {
	Protect(ctx context.Context, path string) error
	Unprotect(ctx context.Context, path string) error
	LockFS(ctx context.Context, path string) error
	UnlockFS(ctx context.Context, path string) error
	Hide(ctx context.Context, path string) error
	Unhide(ctx context.Context, path string) error
	SetACL(ctx context.Context, path string, deny bool, perms string, user string) error
	Status(ctx context.Context, path string) (Status, error)
}

// PathGuard confines every helper call to paths under one of a fixed set
// of declared sync pair roots, per spec.md §6: "a path validator guards
// every call."
type PathGuard struct {
	roots []string
}

// NewPathGuard builds a guard over the given absolute root directories
// (a pair's LocalRoot and ExternalRoot).
func NewPathGuard(roots ...string) *PathGuard {
	cleaned := make([]string, len(roots))
	for i, r := range roots {
		cleaned[i] = filepath.Clean(r)
	}
	return &PathGuard{roots: cleaned}
}

// Validate returns vfserr.ErrInvalidPath unless path is one of the
// declared roots or a descendant of one.
func (g *PathGuard) Validate(path string) error {
	clean := filepath.Clean(path)
	for _, root := range g.roots {
		if clean == root || strings.HasPrefix(clean, root+string(filepath.Separator)) {
			return nil
		}
	}
	return vfserr.ErrInvalidPath
}

// GuardedClient wraps a Client with a PathGuard, rejecting any call whose
// path escapes the declared roots before it ever reaches the transport.
type GuardedClient struct {
	inner Client
	guard *PathGuard
}

// NewGuardedClient builds a GuardedClient.
func NewGuardedClient(inner Client, guard *PathGuard) *GuardedClient {
	return &GuardedClient{inner: inner, guard: guard}
}

func (g *GuardedClient) Protect(ctx context.Context, path string) error {
	if err := g.guard.Validate(path); err != nil {
		return err
	}
	return g.inner.Protect(ctx, path)
}

func (g *GuardedClient) Unprotect(ctx context.Context, path string) error {
	if err := g.guard.Validate(path); err != nil {
		return err
	}
	return g.inner.Unprotect(ctx, path)
}

func (g *GuardedClient) LockFS(ctx context.Context, path string) error {
	if err := g.guard.Validate(path); err != nil {
		return err
	}
	return g.inner.LockFS(ctx, path)
}

func (g *GuardedClient) UnlockFS(ctx context.Context, path string) error {
	if err := g.guard.Validate(path); err != nil {
		return err
	}
	return g.inner.UnlockFS(ctx, path)
}

func (g *GuardedClient) Hide(ctx context.Context, path string) error {
	if err := g.guard.Validate(path); err != nil {
		return err
	}
	return g.inner.Hide(ctx, path)
}

func (g *GuardedClient) Unhide(ctx context.Context, path string) error {
	if err := g.guard.Validate(path); err != nil {
		return err
	}
	return g.inner.Unhide(ctx, path)
}

func (g *GuardedClient) SetACL(ctx context.Context, path string, deny bool, perms string, user string) error {
	if err := g.guard.Validate(path); err != nil {
		return err
	}
	return g.inner.SetACL(ctx, path, deny, perms, user)
}

func (g *GuardedClient) Status(ctx context.Context, path string) (Status, error) {
	if err := g.guard.Validate(path); err != nil {
		return Status{}, err
	}
	return g.inner.Status(ctx, path)
}

var _ Client = (*GuardedClient)(nil)
var _ Client = (*HTTPClient)(nil)

// HTTPClient talks to a privileged helper process listening on a local
// HTTP socket (typically a unix socket reached through http.Client's
// Transport.DialContext), one named call per request, mirroring the
// shape of rclone's fs/rc API without its general-purpose call registry.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPClient builds an HTTPClient against baseURL (e.g.
// "http://unix/helper" when httpClient's Transport dials a unix socket).
func NewHTTPClient(baseURL string, httpClient *http.Client) *HTTPClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &HTTPClient{baseURL: strings.TrimRight(baseURL, "/"), httpClient: httpClient}
}

type callRequest struct {
	Path  string `json:"path"`
	Deny  bool   `json:"deny,omitempty"`
	Perms string `json:"perms,omitempty"`
	User  string `json:"user,omitempty"`
}

func (c *HTTPClient) call(ctx context.Context, name string, req callRequest, out interface{}) error {
	body, err := json.Marshal(req)
	if err != nil {
		return errors.Wrap(err, "encoding helper request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/%s", c.baseURL, name), bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "building helper request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return errors.Wrapf(err, "calling helper %s", name)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden {
		return vfserr.ErrPermission
	}
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("helper %s: unexpected status %d", name, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return errors.Wrap(json.NewDecoder(resp.Body).Decode(out), "decoding helper response")
}

func (c *HTTPClient) Protect(ctx context.Context, path string) error {
	return c.call(ctx, "protect", callRequest{Path: path}, nil)
}

func (c *HTTPClient) Unprotect(ctx context.Context, path string) error {
	return c.call(ctx, "unprotect", callRequest{Path: path}, nil)
}

func (c *HTTPClient) LockFS(ctx context.Context, path string) error {
	return c.call(ctx, "lock_fs", callRequest{Path: path}, nil)
}

func (c *HTTPClient) UnlockFS(ctx context.Context, path string) error {
	return c.call(ctx, "unlock_fs", callRequest{Path: path}, nil)
}

func (c *HTTPClient) Hide(ctx context.Context, path string) error {
	return c.call(ctx, "hide", callRequest{Path: path}, nil)
}

func (c *HTTPClient) Unhide(ctx context.Context, path string) error {
	return c.call(ctx, "unhide", callRequest{Path: path}, nil)
}

func (c *HTTPClient) SetACL(ctx context.Context, path string, deny bool, perms string, user string) error {
	return c.call(ctx, "set_acl", callRequest{Path: path, Deny: deny, Perms: perms, User: user}, nil)
}

func (c *HTTPClient) Status(ctx context.Context, path string) (Status, error) {
	var out Status
	err := c.call(ctx, "status", callRequest{Path: path}, &out)
	return out, err
}
