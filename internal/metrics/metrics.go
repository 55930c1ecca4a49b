// Package metrics exposes sync and eviction progress as Prometheus
// gauges/counters (SPEC_FULL.md's domain-stack metrics component), driven
// by subscribing to internal/events.Bus rather than being called
// directly by syncexec/eviction — keeping those packages free of a
// metrics-library import, the same separation rclone keeps between
// fs/accounting's Stats and its own rc/prometheus exposition.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mergefs/vfsd/internal/events"
	"github.com/mergefs/vfsd/internal/model"
)

// Registry owns every metric this daemon exposes. A fresh Registry wraps
// its own prometheus.Registry so tests never collide with the global
// default one.
type Registry struct {
	reg *prometheus.Registry

	syncFilesTotal   *prometheus.CounterVec
	syncBytesTotal   *prometheus.CounterVec
	syncPhase        *prometheus.GaugeVec
	evictionFreed    *prometheus.CounterVec
	evictionFiles    *prometheus.CounterVec
	evictionSkipped  *prometheus.CounterVec
	conflictsTotal   *prometheus.CounterVec
	componentErrors  *prometheus.CounterVec
}

// New builds a Registry with every metric registered.
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,
		syncFilesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vfsd", Subsystem: "sync", Name: "files_processed_total",
			Help: "Files processed by the sync executor, per pair.",
		}, []string{"pair_id"}),
		syncBytesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vfsd", Subsystem: "sync", Name: "bytes_processed_total",
			Help: "Bytes processed by the sync executor, per pair.",
		}, []string{"pair_id"}),
		syncPhase: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "vfsd", Subsystem: "sync", Name: "phase",
			Help: "Current sync phase per pair, as an enumerated gauge value (see model.Phase).",
		}, []string{"pair_id", "phase"}),
		evictionFreed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vfsd", Subsystem: "eviction", Name: "freed_bytes_total",
			Help: "Bytes reclaimed by the cache eviction controller, per pair.",
		}, []string{"pair_id"}),
		evictionFiles: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vfsd", Subsystem: "eviction", Name: "evicted_files_total",
			Help: "Files evicted from the local cache, per pair.",
		}, []string{"pair_id"}),
		evictionSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vfsd", Subsystem: "eviction", Name: "skipped_total",
			Help: "Eviction candidates skipped, by reason, per pair.",
		}, []string{"pair_id", "reason"}),
		conflictsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vfsd", Subsystem: "sync", Name: "conflicts_total",
			Help: "Conflicts detected by the sync executor, per pair.",
		}, []string{"pair_id"}),
		componentErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vfsd", Name: "component_errors_total",
			Help: "Component errors surfaced on the event bus, by component and severity.",
		}, []string{"component", "severity"}),
	}
}

// Gatherer exposes the underlying prometheus.Registry for an HTTP handler
// (e.g. promhttp.HandlerFor) to scrape.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// lastProcessed tracks the previous cumulative progress counts per pair so
// SyncProgress events (which report running totals) can be translated
// into counter deltas without double-counting across successive events.
type lastProcessed struct {
	files int
	bytes int64
}

// Subscribe drains bus until ctx is cancelled, projecting each event onto
// the matching metric. Call once per process with the daemon's lifetime
// context.
func (r *Registry) Subscribe(ctx context.Context, bus *events.Bus) {
	ch, cancel := bus.Subscribe(256)
	go func() {
		defer cancel()
		seen := make(map[string]*lastProcessed)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				r.observe(ev, seen)
			}
		}
	}()
}

func (r *Registry) observe(ev events.Event, seen map[string]*lastProcessed) {
	switch ev.Kind {
	case events.SyncProgress:
		payload, ok := ev.Payload.(events.SyncProgressPayload)
		if !ok {
			return
		}
		prev, tracked := seen[ev.PairID]
		if !tracked {
			prev = &lastProcessed{}
			seen[ev.PairID] = prev
		}
		if d := payload.ProcessedFiles - prev.files; d > 0 {
			r.syncFilesTotal.WithLabelValues(ev.PairID).Add(float64(d))
		}
		if d := payload.ProcessedBytes - prev.bytes; d > 0 {
			r.syncBytesTotal.WithLabelValues(ev.PairID).Add(float64(d))
		}
		prev.files, prev.bytes = payload.ProcessedFiles, payload.ProcessedBytes

	case events.SyncStatusChanged:
		if phase, ok := ev.Payload.(model.Phase); ok {
			for p := model.PhaseIdle; p <= model.PhaseCancelled; p++ {
				r.syncPhase.DeleteLabelValues(ev.PairID, p.String())
			}
			r.syncPhase.WithLabelValues(ev.PairID, phase.String()).Set(1)
		}

	case events.ConflictDetected:
		r.conflictsTotal.WithLabelValues(ev.PairID).Inc()

	case events.EvictionProgress:
		payload, ok := ev.Payload.(events.EvictionProgressPayload)
		if !ok {
			return
		}
		prev, tracked := seen["eviction|"+ev.PairID]
		if !tracked {
			prev = &lastProcessed{}
			seen["eviction|"+ev.PairID] = prev
		}
		if d := payload.EvictedFiles - prev.files; d > 0 {
			r.evictionFiles.WithLabelValues(ev.PairID).Add(float64(d))
		}
		if d := payload.FreedBytes - prev.bytes; d > 0 {
			r.evictionFreed.WithLabelValues(ev.PairID).Add(float64(d))
		}
		prev.files, prev.bytes = payload.EvictedFiles, payload.FreedBytes

	case events.ComponentError:
		payload, ok := ev.Payload.(events.ComponentErrorPayload)
		if !ok {
			return
		}
		severity := "warning"
		if payload.Critical {
			severity = "critical"
		}
		r.componentErrors.WithLabelValues(payload.Component, severity).Inc()
	}
}
