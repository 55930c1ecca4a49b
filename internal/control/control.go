// Package control exposes the daemon's operator surface: one HTTP API
// serving vfsctl's pause/sync-now/status calls and a Server-Sent-Events
// stream of the event bus for its live dashboard, plus a /metrics
// endpoint for Prometheus scraping. Grounded on the named-call-over-JSON
// shape already used for internal/helper's privileged-helper transport
// (itself conceptually grounded on rclone's fs/rc API), since the
// example pack's own rc source was stripped down to its test file; the
// SSE stream generalizes the same idea to a push surface the bubbletea
// dashboard subscribes to alongside its periodic /status polling.
package control

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mergefs/vfsd/internal/core"
	"github.com/mergefs/vfsd/internal/events"
	"github.com/mergefs/vfsd/internal/metrics"
	"github.com/mergefs/vfsd/internal/model"
)

// PairStatus is the JSON shape returned by GET /status for one pair.
type PairStatus struct {
	PairID       string `json:"pair_id"`
	Name         string `json:"name"`
	LocalRoot    string `json:"local_root"`
	ExternalRoot string `json:"external_root"`
	Direction    string `json:"direction"`
	Phase        string `json:"phase"`
}

// Server serves the operator HTTP API for every sync pair the daemon is
// running.
type Server struct {
	pairs   map[string]*core.Pair
	specs   map[string]model.SyncPair
	bus     *events.Bus
	metrics *metrics.Registry
}

// New builds a Server over the given pairs (keyed by pair ID).
func New(pairs map[string]*core.Pair, specs map[string]model.SyncPair, bus *events.Bus, reg *metrics.Registry) *Server {
	return &Server{pairs: pairs, specs: specs, bus: bus, metrics: reg}
}

// Handler returns the mux serving every route this package exposes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/pause", s.handlePause)
	mux.HandleFunc("/sync-now", s.handleSyncNow)
	mux.HandleFunc("/events", s.handleEvents)
	if s.metrics != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.metrics.Gatherer(), promhttp.HandlerOpts{}))
	}
	return mux
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ids := make([]string, 0, len(s.pairs))
	for id := range s.pairs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]PairStatus, 0, len(ids))
	for _, id := range ids {
		spec := s.specs[id]
		out = append(out, PairStatus{
			PairID:       id,
			Name:         spec.Name,
			LocalRoot:    spec.LocalRoot,
			ExternalRoot: spec.ExternalRoot,
			Direction:    spec.Direction.String(),
			Phase:        s.pairs[id].Phase().String(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	pair, ok := s.pairForRequest(w, r)
	if !ok {
		return
	}
	pair.Pause()
	writeJSON(w, http.StatusOK, map[string]string{"status": "pausing"})
}

func (s *Server) handleSyncNow(w http.ResponseWriter, r *http.Request) {
	pair, ok := s.pairForRequest(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 24*time.Hour)
	defer cancel()
	state, err := pair.SyncNow(ctx, nil)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"phase":           state.Phase.String(),
		"processed_files": state.ProcessedFiles,
		"processed_bytes": state.ProcessedBytes,
		"failed_actions":  len(state.FailedActions),
	})
}

// handleEvents streams the bus as Server-Sent Events until the client
// disconnects, for vfsctl status's live dashboard.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	ch, cancel := s.bus.Subscribe(64)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			payload, err := json.Marshal(WireEvent{
				Kind:   string(ev.Kind),
				PairID: ev.PairID,
				At:     ev.At,
			})
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

func (s *Server) pairForRequest(w http.ResponseWriter, r *http.Request) (*core.Pair, bool) {
	id := r.URL.Query().Get("pair")
	pair, ok := s.pairs[id]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown pair " + id})
		return nil, false
	}
	return pair, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Client is vfsctl's thin HTTP client over Server's routes.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient builds a Client talking to a vfsd control server at baseURL
// (e.g. "http://127.0.0.1:9847").
func NewClient(baseURL string) *Client {
	return &Client{baseURL: baseURL, httpClient: &http.Client{Timeout: 10 * time.Second}}
}

// Status fetches every pair's current status.
func (c *Client) Status(ctx context.Context) ([]PairStatus, error) {
	var out []PairStatus
	if err := c.getJSON(ctx, "/status", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Pause requests the named pair's in-progress sync pause at its next
// checkpoint.
func (c *Client) Pause(ctx context.Context, pairID string) error {
	return c.postJSON(ctx, "/pause?pair="+pairID, nil)
}

// SyncNowResult is the JSON shape POST /sync-now returns.
type SyncNowResult struct {
	Phase          string `json:"phase"`
	ProcessedFiles int    `json:"processed_files"`
	ProcessedBytes int64  `json:"processed_bytes"`
	FailedActions  int    `json:"failed_actions"`
}

// SyncNow triggers an immediate sync pass for pairID and blocks until it
// completes, pauses, or fails.
func (c *Client) SyncNow(ctx context.Context, pairID string) (*SyncNowResult, error) {
	var out SyncNowResult
	// A sync pass routinely outlasts the client's per-request timeout, so
	// this call is bounded by ctx alone.
	noTimeout := &Client{baseURL: c.baseURL, httpClient: &http.Client{Transport: c.httpClient.Transport}}
	if err := noTimeout.postJSON(ctx, "/sync-now?pair="+pairID, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// WireEvent is the decoded JSON shape of one Server-Sent Event emitted by
// GET /events.
type WireEvent struct {
	Kind   string    `json:"kind"`
	PairID string    `json:"pair_id"`
	At     time.Time `json:"at"`
}

// StreamEvents connects to GET /events and invokes onEvent for each
// decoded event until ctx is cancelled or the connection drops.
func (c *Client) StreamEvents(ctx context.Context, onEvent func(WireEvent)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/events", nil)
	if err != nil {
		return errors.Wrap(err, "building request")
	}
	// The stream is long-lived: drop the per-request timeout and rely on ctx.
	streamClient := *c.httpClient
	streamClient.Timeout = 0
	resp, err := streamClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "connecting to event stream")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("event stream returned %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev WireEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			continue
		}
		onEvent(ev)
	}
	return scanner.Err()
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return errors.Wrap(err, "building request")
	}
	return c.do(req, out)
}

func (c *Client) postJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, nil)
	if err != nil {
		return errors.Wrap(err, "building request")
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "calling vfsd control API")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var errBody map[string]string
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		return errors.Errorf("vfsd control API returned %d: %s", resp.StatusCode, errBody["error"])
	}
	if out == nil {
		return nil
	}
	return errors.Wrap(json.NewDecoder(resp.Body).Decode(out), "decoding response")
}
