package helper

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mergefs/vfsd/internal/vfserr"
)

func TestPathGuardAcceptsRootAndDescendant(t *testing.T) {
	g := NewPathGuard("/mnt/local", "/mnt/external")
	require.NoError(t, g.Validate("/mnt/local"))
	require.NoError(t, g.Validate("/mnt/local/sub/dir"))
	require.NoError(t, g.Validate("/mnt/external"))
}

func TestPathGuardRejectsPathOutsideDeclaredRoots(t *testing.T) {
	g := NewPathGuard("/mnt/local")
	err := g.Validate("/mnt/other")
	require.ErrorIs(t, err, vfserr.ErrInvalidPath)
}

func TestPathGuardRejectsSiblingWithSharedPrefix(t *testing.T) {
	g := NewPathGuard("/mnt/local")
	err := g.Validate("/mnt/local-backup")
	require.ErrorIs(t, err, vfserr.ErrInvalidPath)
}

type recordingClient struct {
	calls []string
}

func (r *recordingClient) Protect(ctx context.Context, path string) error {
	r.calls = append(r.calls, "protect:"+path)
	return nil
}
func (r *recordingClient) Unprotect(ctx context.Context, path string) error {
	r.calls = append(r.calls, "unprotect:"+path)
	return nil
}
func (r *recordingClient) LockFS(ctx context.Context, path string) error {
	r.calls = append(r.calls, "lock_fs:"+path)
	return nil
}
func (r *recordingClient) UnlockFS(ctx context.Context, path string) error {
	r.calls = append(r.calls, "unlock_fs:"+path)
	return nil
}
func (r *recordingClient) Hide(ctx context.Context, path string) error {
	r.calls = append(r.calls, "hide:"+path)
	return nil
}
func (r *recordingClient) Unhide(ctx context.Context, path string) error {
	r.calls = append(r.calls, "unhide:"+path)
	return nil
}
func (r *recordingClient) SetACL(ctx context.Context, path string, deny bool, perms, user string) error {
	r.calls = append(r.calls, "set_acl:"+path)
	return nil
}
func (r *recordingClient) Status(ctx context.Context, path string) (Status, error) {
	r.calls = append(r.calls, "status:"+path)
	return Status{Locked: true}, nil
}

func TestGuardedClientRejectsCallOutsideRootsBeforeReachingInner(t *testing.T) {
	inner := &recordingClient{}
	g := NewGuardedClient(inner, NewPathGuard("/mnt/local"))

	err := g.Protect(context.Background(), "/etc/passwd")
	require.ErrorIs(t, err, vfserr.ErrInvalidPath)
	require.Empty(t, inner.calls)
}

func TestGuardedClientForwardsValidCalls(t *testing.T) {
	inner := &recordingClient{}
	g := NewGuardedClient(inner, NewPathGuard("/mnt/local"))

	require.NoError(t, g.LockFS(context.Background(), "/mnt/local/pair1"))
	status, err := g.Status(context.Background(), "/mnt/local/pair1")
	require.NoError(t, err)
	require.True(t, status.Locked)
	require.Equal(t, []string{"lock_fs:/mnt/local/pair1", "status:/mnt/local/pair1"}, inner.calls)
}

func TestHTTPClientCallsNamedEndpointAndDecodesStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		require.Equal(t, "/status", req.URL.Path)
		var body callRequest
		require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
		require.Equal(t, "/mnt/local/pair1", body.Path)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Status{Locked: true, HasACL: false, Hidden: true})
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, nil)
	status, err := client.Status(context.Background(), "/mnt/local/pair1")
	require.NoError(t, err)
	require.Equal(t, Status{Locked: true, Hidden: true}, status)
}

func TestHTTPClientMapsForbiddenToErrPermission(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, nil)
	err := client.Protect(context.Background(), "/mnt/local/pair1")
	require.ErrorIs(t, err, vfserr.ErrPermission)
}
