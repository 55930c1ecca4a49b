package control

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mergefs/vfsd/internal/config"
	"github.com/mergefs/vfsd/internal/core"
	"github.com/mergefs/vfsd/internal/events"
	"github.com/mergefs/vfsd/internal/metrics"
	"github.com/mergefs/vfsd/internal/model"
)

func newTestServer(t *testing.T) (*httptest.Server, *events.Bus, model.SyncPair) {
	t.Helper()
	dataDir := t.TempDir()
	spec := model.SyncPair{
		ID:           "pair1",
		Name:         "docs",
		LocalRoot:    t.TempDir(),
		ExternalRoot: t.TempDir(),
		Direction:    model.LocalToExternal,
	}
	cfg := &config.Config{DataDir: dataDir, LockTTL: 600, SyncEngine: config.SyncEngineResolved{ParallelOperations: 1}}

	bus := events.New()
	pair, err := core.Open(cfg, spec, bus, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pair.Close() })

	reg := metrics.New()
	srv := New(map[string]*core.Pair{spec.ID: pair}, map[string]model.SyncPair{spec.ID: spec}, bus, reg)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, bus, spec
}

func TestStatusListsEveryPair(t *testing.T) {
	ts, _, spec := newTestServer(t)
	client := NewClient(ts.URL)

	statuses, err := client.Status(context.Background())
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	require.Equal(t, spec.ID, statuses[0].PairID)
	require.Equal(t, "idle", statuses[0].Phase)
}

func TestSyncNowReplicatesAndReportsCompletion(t *testing.T) {
	ts, _, spec := newTestServer(t)
	client := NewClient(ts.URL)

	require.NoError(t, os.WriteFile(filepath.Join(spec.LocalRoot, "a.txt"), []byte("hi"), 0o644))

	result, err := client.SyncNow(context.Background(), spec.ID)
	require.NoError(t, err)
	require.Equal(t, "completed", result.Phase)
	require.Equal(t, 1, result.ProcessedFiles)

	got, err := os.ReadFile(filepath.Join(spec.ExternalRoot, "a.txt"))
	require.NoError(t, err)
	require.Equal(t, "hi", string(got))
}

func TestSyncNowUnknownPairReturnsError(t *testing.T) {
	ts, _, _ := newTestServer(t)
	client := NewClient(ts.URL)

	_, err := client.SyncNow(context.Background(), "nonexistent")
	require.Error(t, err)
}

func TestStreamEventsDeliversPublishedEvents(t *testing.T) {
	ts, bus, spec := newTestServer(t)
	client := NewClient(ts.URL)

	received := make(chan WireEvent, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		_ = client.StreamEvents(ctx, func(ev WireEvent) {
			received <- ev
		})
	}()

	// give the stream a moment to subscribe before publishing
	time.Sleep(50 * time.Millisecond)
	bus.Publish(events.Event{Kind: events.ConflictDetected, PairID: spec.ID, At: time.Now()})

	select {
	case ev := <-received:
		require.Equal(t, string(events.ConflictDetected), ev.Kind)
		require.Equal(t, spec.ID, ev.PairID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for streamed event")
	}
}
