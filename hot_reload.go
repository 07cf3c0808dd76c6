// hot_reload.go: polling directory watcher that hot-reloads plugin scripts
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package traceplug

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	// DefaultPollInterval is the pause between two directory scans
	DefaultPollInterval = 5 * time.Second

	// DefaultEventDebounce coalesces bursts of file events into one scan
	DefaultEventDebounce = 250 * time.Millisecond
)

// WatcherConfig configures a DirectoryWatcher.
type WatcherConfig struct {
	Root          string        `json:"root" yaml:"root"`
	PollInterval  time.Duration `json:"poll_interval" yaml:"poll_interval"`
	WatchEvents   bool          `json:"watch_events" yaml:"watch_events"`
	EventDebounce time.Duration `json:"event_debounce" yaml:"event_debounce"`
	Logger        Logger        `json:"-" yaml:"-"`
}

// DirectoryWatcher periodically checks the well-known script file of every
// kind and recompiles it when its modification time changes.
//
// Per kind the watcher behaves as a small state machine:
//
//	file unreadable             -> publish absent (logged on transition)
//	modtime != last attempted   -> record attempt, compile, publish result
//	modtime == last attempted   -> nothing
//
// All compilation and publication happens on the goroutine running Run, one
// kind after the other. Kinds are isolated: a panic or error while handling
// one never affects the others.
type DirectoryWatcher struct {
	catalog  *Catalog
	compiler *Compiler
	registry *Registry
	logger   Logger

	root     atomic.Pointer[string]
	interval atomic.Int64

	watchEvents bool
	debounce    time.Duration
	wake        chan struct{}

	scanMu sync.Mutex
	scans  atomic.Int64
}

// NewDirectoryWatcher creates a watcher publishing into registry.
func NewDirectoryWatcher(catalog *Catalog, compiler *Compiler, registry *Registry, config WatcherConfig) *DirectoryWatcher {
	logger := config.Logger
	if logger == nil {
		logger = DefaultLogger()
	}
	debounce := config.EventDebounce
	if debounce <= 0 {
		debounce = DefaultEventDebounce
	}

	w := &DirectoryWatcher{
		catalog:     catalog,
		compiler:    compiler,
		registry:    registry,
		logger:      logger,
		watchEvents: config.WatchEvents,
		debounce:    debounce,
		wake:        make(chan struct{}, 1),
	}
	w.SetRoot(config.Root)
	if !w.SetInterval(config.PollInterval) {
		w.interval.Store(int64(DefaultPollInterval))
	}
	return w
}

// Root returns the plugin directory scanned by the next tick.
func (w *DirectoryWatcher) Root() string {
	if root := w.root.Load(); root != nil {
		return *root
	}
	return ""
}

// SetRoot changes the plugin directory. The change applies from the next
// tick; slots keep their state until that tick re-evaluates them.
func (w *DirectoryWatcher) SetRoot(root string) {
	w.root.Store(&root)
	w.trigger()
}

// Interval returns the current poll interval.
func (w *DirectoryWatcher) Interval() time.Duration {
	return time.Duration(w.interval.Load())
}

// SetInterval changes the poll interval. Non-positive values are ignored and
// reported as false.
func (w *DirectoryWatcher) SetInterval(d time.Duration) bool {
	if d <= 0 {
		return false
	}
	w.interval.Store(int64(d))
	w.trigger()
	return true
}

// Scans returns how many full ticks have completed.
func (w *DirectoryWatcher) Scans() int64 {
	return w.scans.Load()
}

// trigger asks Run for an early scan without blocking.
func (w *DirectoryWatcher) trigger() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run scans immediately and then once per interval until ctx is done.
// It never returns because of a script or file error.
func (w *DirectoryWatcher) Run(ctx context.Context) error {
	var events *eventNudger
	if w.watchEvents {
		events = newEventNudger(w)
		defer events.close()
	}

	w.logger.Info("Plugin directory watcher started",
		"root", w.Root(),
		"interval", w.Interval(),
		"watch_events", w.watchEvents)

	w.Scan(ctx)
	events.follow(w.Root())

	timer := time.NewTimer(w.Interval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Plugin directory watcher stopped")
			return ctx.Err()
		case <-timer.C:
		case <-w.wake:
		}

		w.Scan(ctx)
		events.follow(w.Root())
		timer.Reset(w.Interval())
	}
}

// Scan performs exactly one tick over every kind in catalog order.
func (w *DirectoryWatcher) Scan(ctx context.Context) {
	w.scanMu.Lock()
	defer w.scanMu.Unlock()

	root := w.Root()
	for _, spec := range w.catalog.Specs() {
		if ctx.Err() != nil {
			return
		}
		w.scanKind(ctx, root, spec)
	}
	w.scans.Add(1)
}

func (w *DirectoryWatcher) scanKind(ctx context.Context, root string, spec KindSpec) {
	kind := spec.Kind
	defer withCustomRecoveryHandler(func(recovered interface{}, stack []byte) {
		w.logger.Error("Panic recovered while reloading plugin",
			"kind", kind,
			"panic", recovered,
			"stack", string(stack))
	})()

	path := filepath.Join(root, spec.FileName)
	info, readable := statReadable(path)
	if !readable {
		if w.registry.State(kind) != SlotAbsent {
			w.registry.Publish(kind, nil)
			w.logger.Info("Plugin script unavailable, instrumentation disabled",
				"kind", kind,
				"path", path)
		}
		return
	}

	modTime := info.ModTime()
	if modTime.Equal(w.registry.LastAttempted(kind)) {
		return
	}
	w.registry.MarkAttempted(kind, modTime)

	plugin, err := w.compiler.Compile(ctx, kind, ScriptFile{Path: path, ModTime: modTime})
	if err != nil {
		w.registry.PublishFailure(kind, err)
		args := []any{"kind", kind, "path", path, "error_code", ErrorCodeOf(err), "error", err}
		if section := SectionOf(err); section != "" {
			args = append(args, "section", section)
		}
		w.logger.Error("Plugin compilation failed, instrumentation disabled", args...)
		return
	}

	w.registry.Publish(kind, plugin)
	w.logger.Info("Plugin loaded",
		"kind", kind,
		"path", path,
		"plugin_id", plugin.ID,
		"backend", plugin.Backend,
		"modified", modTime)
}

// statReadable reports whether path is a regular file the process can open.
func statReadable(path string) (os.FileInfo, bool) {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return nil, false
	}
	f, err := os.Open(path) // #nosec G304 -- path is built from the configured plugin root
	if err != nil {
		return nil, false
	}
	_ = f.Close()
	return info, true
}

// eventNudger turns file system events on the plugin root into early scans.
// Polling stays authoritative; a nil nudger is valid and does nothing.
type eventNudger struct {
	owner   *DirectoryWatcher
	watcher *fsnotify.Watcher
	watched string

	mu    sync.Mutex
	timer *time.Timer
	done  chan struct{}
}

func newEventNudger(owner *DirectoryWatcher) *eventNudger {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		owner.logger.Warn("File events unavailable, polling only", "error", err)
		return nil
	}
	n := &eventNudger{owner: owner, watcher: watcher, done: make(chan struct{})}
	go n.loop()
	return n
}

// follow points the event watcher at root. Called from the Run goroutine only.
func (n *eventNudger) follow(root string) {
	if n == nil || root == n.watched {
		return
	}
	if n.watched != "" {
		_ = n.watcher.Remove(n.watched)
		n.watched = ""
	}
	if err := n.watcher.Add(root); err != nil {
		n.owner.logger.Debug("Cannot watch plugin directory for events", "root", root, "error", err)
		return
	}
	n.watched = root
}

func (n *eventNudger) loop() {
	defer withStackRecover(n.owner.logger)()
	for {
		select {
		case <-n.done:
			return
		case event, ok := <-n.watcher.Events:
			if !ok {
				return
			}
			if _, known := n.owner.catalog.KindForFile(filepath.Base(event.Name)); !known {
				continue
			}
			n.schedule()
		case err, ok := <-n.watcher.Errors:
			if !ok {
				return
			}
			n.owner.logger.Warn("File event watcher error", "error", err)
		}
	}
}

// schedule debounces bursts of events (editors often write in several steps).
func (n *eventNudger) schedule() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.timer != nil {
		n.timer.Stop()
	}
	n.timer = time.AfterFunc(n.owner.debounce, n.owner.trigger)
}

func (n *eventNudger) close() {
	if n == nil {
		return
	}
	close(n.done)
	n.mu.Lock()
	if n.timer != nil {
		n.timer.Stop()
	}
	n.mu.Unlock()
	_ = n.watcher.Close()
}
