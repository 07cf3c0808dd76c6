// plugin_registry.go: per-kind registry of published plugin instances
//
// The registry holds exactly one slot per catalog kind for the lifetime of
// the process. Readers on trace hook paths load the current instance without
// locking; the watcher goroutine is the only writer.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package traceplug

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	timecache "github.com/agilira/go-timecache"
)

// SlotState is the lifecycle state of a kind's slot.
type SlotState int32

const (
	// SlotAbsent means no script file is present (or it is unreadable)
	SlotAbsent SlotState = iota
	// SlotFailed means the latest script version did not compile
	SlotFailed
	// SlotActive means a compiled instance is published
	SlotActive
)

func (s SlotState) String() string {
	switch s {
	case SlotAbsent:
		return "absent"
	case SlotFailed:
		return "failed"
	case SlotActive:
		return "active"
	default:
		return "unknown"
	}
}

// PublishEvent is delivered to listeners after each publication.
type PublishEvent struct {
	Kind   Kind
	Plugin *CompiledPlugin
	State  SlotState
	Err    error
}

// SlotStatus is a point-in-time view of one slot.
type SlotStatus struct {
	Kind          Kind      `json:"kind"`
	State         string    `json:"state"`
	PluginID      string    `json:"plugin_id,omitempty"`
	SourcePath    string    `json:"source_path,omitempty"`
	LastAttempted time.Time `json:"last_attempted"`
	LastChanged   time.Time `json:"last_changed"`
	LastError     string    `json:"last_error,omitempty"`
	Compiles      int64     `json:"compiles"`
	Failures      int64     `json:"failures"`
}

type slot struct {
	current       atomic.Pointer[CompiledPlugin]
	state         atomic.Int32
	attempted     atomic.Bool
	lastAttempted atomic.Int64
	lastChanged   atomic.Int64
	lastError     atomic.Pointer[errorBox]
	compiles      atomic.Int64
	failures      atomic.Int64
}

type errorBox struct{ err error }

// Registry owns one slot per plugin kind.
type Registry struct {
	catalog   *Catalog
	slots     map[Kind]*slot
	telemetry *Telemetry

	listenerMu sync.RWMutex
	listeners  []func(PublishEvent)
}

// NewRegistry creates a registry with an absent slot for every kind in catalog.
func NewRegistry(catalog *Catalog, telemetry *Telemetry) *Registry {
	if telemetry == nil {
		telemetry = noopTelemetry()
	}
	r := &Registry{
		catalog:   catalog,
		slots:     make(map[Kind]*slot),
		telemetry: telemetry,
	}
	for _, kind := range catalog.Kinds() {
		r.slots[kind] = &slot{}
	}
	return r
}

// Current returns the published instance of kind, or nil when absent.
// Safe for concurrent use and lock-free.
func (r *Registry) Current(kind Kind) Instance {
	if p := r.Plugin(kind); p != nil {
		return p.Instance
	}
	return nil
}

// Plugin returns the published plugin of kind with its metadata, or nil.
func (r *Registry) Plugin(kind Kind) *CompiledPlugin {
	s, ok := r.slots[kind]
	if !ok {
		return nil
	}
	return s.current.Load()
}

// Publish replaces the slot of kind with plugin; nil makes it absent.
// Listeners run synchronously on the caller's goroutine.
func (r *Registry) Publish(kind Kind, plugin *CompiledPlugin) {
	state := SlotAbsent
	if plugin != nil {
		state = SlotActive
	}
	r.publish(kind, plugin, state, nil)
}

// PublishFailure makes kind absent and records why its last compile failed.
func (r *Registry) PublishFailure(kind Kind, err error) {
	r.publish(kind, nil, SlotFailed, err)
}

func (r *Registry) publish(kind Kind, plugin *CompiledPlugin, state SlotState, err error) {
	s, ok := r.slots[kind]
	if !ok {
		return
	}

	s.current.Store(plugin)
	previous := SlotState(s.state.Swap(int32(state)))

	switch state {
	case SlotActive:
		s.compiles.Add(1)
		s.lastError.Store(nil)
	case SlotFailed:
		s.failures.Add(1)
		s.lastError.Store(&errorBox{err: err})
	case SlotAbsent:
		s.lastError.Store(nil)
	}

	if previous != state || state != SlotAbsent {
		s.lastChanged.Store(timecache.CachedTimeNano())
	}

	r.telemetry.recordPublish(context.Background(), kind, state)

	event := PublishEvent{Kind: kind, Plugin: plugin, State: state, Err: err}
	r.listenerMu.RLock()
	listeners := r.listeners
	r.listenerMu.RUnlock()
	for _, listener := range listeners {
		listener(event)
	}
}

// OnPublish registers a listener invoked after every publication.
func (r *Registry) OnPublish(listener func(PublishEvent)) {
	r.listenerMu.Lock()
	defer r.listenerMu.Unlock()
	next := make([]func(PublishEvent), len(r.listeners), len(r.listeners)+1)
	copy(next, r.listeners)
	r.listeners = append(next, listener)
}

// LastAttempted returns the modification time of the last script version the
// watcher attempted to compile for kind (zero if never).
func (r *Registry) LastAttempted(kind Kind) time.Time {
	s, ok := r.slots[kind]
	if !ok {
		return time.Time{}
	}
	if !s.attempted.Load() {
		return time.Time{}
	}
	return time.Unix(0, s.lastAttempted.Load())
}

// MarkAttempted records modTime as the last attempted script version. Any
// modification time is accepted, the Unix epoch included.
func (r *Registry) MarkAttempted(kind Kind, modTime time.Time) {
	if s, ok := r.slots[kind]; ok {
		s.lastAttempted.Store(modTime.UnixNano())
		s.attempted.Store(true)
	}
}

// State returns the slot state of kind.
func (r *Registry) State(kind Kind) SlotState {
	s, ok := r.slots[kind]
	if !ok {
		return SlotAbsent
	}
	return SlotState(s.state.Load())
}

// LastError returns the most recent compile failure of kind while the slot
// is in SlotFailed, nil otherwise.
func (r *Registry) LastError(kind Kind) error {
	s, ok := r.slots[kind]
	if !ok {
		return nil
	}
	if box := s.lastError.Load(); box != nil {
		return box.err
	}
	return nil
}

// Snapshot returns the status of every slot in catalog order.
func (r *Registry) Snapshot() []SlotStatus {
	out := make([]SlotStatus, 0, len(r.slots))
	for _, kind := range r.catalog.Kinds() {
		s := r.slots[kind]
		status := SlotStatus{
			Kind:          kind,
			State:         SlotState(s.state.Load()).String(),
			LastAttempted: r.LastAttempted(kind),
			Compiles:      s.compiles.Load(),
			Failures:      s.failures.Load(),
		}
		if changed := s.lastChanged.Load(); changed != 0 {
			status.LastChanged = time.Unix(0, changed)
		}
		if p := s.current.Load(); p != nil {
			status.PluginID = p.ID
			status.SourcePath = p.SourcePath
		}
		if err := r.LastError(kind); err != nil {
			status.LastError = err.Error()
		}
		out = append(out, status)
	}
	return out
}
