// Package events implements the typed event bus of spec.md §9: one sum
// type Event on a broadcast channel with back-pressure, replacing the
// ad-hoc string-keyed IPC callbacks the teacher's ChangeNotify-style
// fanout favors. Consumers subscribe to the raw stream and project out
// the Kind they care about.
package events

import (
	"sync"
	"time"
)

// Kind is the closed set of event names from spec.md §6.
type Kind string

const (
	StateChanged       Kind = "state_changed"
	IndexProgress      Kind = "index_progress"
	IndexReady         Kind = "index_ready"
	SyncProgress       Kind = "sync_progress"
	SyncStatusChanged  Kind = "sync_status_changed"
	SyncCompleted      Kind = "sync_completed"
	ConflictDetected   Kind = "conflict_detected"
	EvictionProgress   Kind = "eviction_progress"
	ComponentError     Kind = "component_error"
	DiskChanged        Kind = "disk_changed"
	ServiceReady       Kind = "service_ready"
	ConfigUpdated      Kind = "config_updated"
)

// Event is the single sum type carried on the bus. Payload is one of the
// Kind-specific structs below; consumers type-assert after checking Kind.
type Event struct {
	Kind      Kind
	PairID    string // empty for pair-independent events
	At        time.Time
	Payload   interface{}
}

// SyncProgressPayload accompanies SyncProgress events.
type SyncProgressPayload struct {
	ProcessedFiles int
	TotalFiles     int
	ProcessedBytes int64
	TotalBytes     int64
	CurrentAction  string
}

// EvictionProgressPayload accompanies EvictionProgress events.
type EvictionProgressPayload struct {
	FreedBytes    int64
	EvictedFiles  int
	CurrentFile   string
	SkippedDirty  int
	SkippedLocked int
	FailedSync    int
}

// ComponentErrorPayload accompanies ComponentError events.
type ComponentErrorPayload struct {
	Component string
	Err       error
	Critical  bool
}

// Bus fans one published Event out to every current subscriber. Slow
// subscribers are dropped from, rather than allowed to block, publishers
// per subscriber channel capacity — this is the back-pressure policy
// named in spec.md §9; a subscriber that cannot keep up misses events
// rather than stalling the component that raised them.
type Bus struct {
	mu          sync.Mutex
	subscribers map[int]chan Event
	next        int

	// throttle tracks the last-sent time per (Kind, PairID) so progress
	// events can be rate-limited to 1/100ms per source, per spec.md §6.
	throttleMu sync.Mutex
	lastSent   map[string]time.Time
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{
		subscribers: make(map[int]chan Event),
		lastSent:    make(map[string]time.Time),
	}
}

// Subscribe returns a channel of future events and a cancel func. The
// channel has a small buffer so Publish never blocks on a live reader;
// once full, further events are dropped for that subscriber until it
// catches up.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subscribers[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(c)
		}
	}
	return ch, cancel
}

// Publish sends ev to every current subscriber, dropping it for any
// subscriber whose buffer is full.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

// PublishThrottled publishes ev only if at least minInterval has elapsed
// since the last publish with the same Kind+PairID, implementing spec.md
// §6's "at most one per 100ms per source" rule for progress events.
func (b *Bus) PublishThrottled(ev Event, minInterval time.Duration) {
	key := string(ev.Kind) + "|" + ev.PairID
	now := time.Now()

	b.throttleMu.Lock()
	last, seen := b.lastSent[key]
	if seen && now.Sub(last) < minInterval {
		b.throttleMu.Unlock()
		return
	}
	b.lastSent[key] = now
	b.throttleMu.Unlock()

	ev.At = now
	b.Publish(ev)
}
