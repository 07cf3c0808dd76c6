// testing_helpers_test.go: shared test helpers for plugin directories and scripts
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
	"testing"
	"time"
)

// TestEnvironment provides a throwaway plugin directory per test.
type TestEnvironment struct {
	t       *testing.T
	root    string
	clock   time.Time
	mu      sync.Mutex
	cleanup []func()
}

// NewTestEnvironment creates a new test environment with automatic cleanup
func NewTestEnvironment(t *testing.T) *TestEnvironment {
	t.Helper()
	env := &TestEnvironment{
		t:     t,
		root:  t.TempDir(),
		clock: time.Now().Add(-time.Hour).Truncate(time.Second),
	}
	t.Cleanup(env.Cleanup)
	return env
}

// Root returns the plugin directory.
func (te *TestEnvironment) Root() string {
	return te.root
}

// Path returns the absolute path of name inside the plugin directory.
func (te *TestEnvironment) Path(name string) string {
	return filepath.Join(te.root, name)
}

// WriteScript writes content to name and gives it a modification time
// strictly later than any previous WriteScript, so successive edits are
// always distinguishable regardless of file system timestamp granularity.
func (te *TestEnvironment) WriteScript(name, content string) time.Time {
	te.t.Helper()
	te.mu.Lock()
	te.clock = te.clock.Add(2 * time.Second)
	modTime := te.clock
	te.mu.Unlock()

	path := te.Path(name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		te.t.Fatalf("write %s: %v", path, err)
	}
	te.Touch(name, modTime)
	return modTime
}

// Touch sets the modification time of name.
func (te *TestEnvironment) Touch(name string, modTime time.Time) {
	te.t.Helper()
	if err := os.Chtimes(te.Path(name), modTime, modTime); err != nil {
		te.t.Fatalf("chtimes %s: %v", name, err)
	}
}

// Remove deletes name from the plugin directory.
func (te *TestEnvironment) Remove(name string) {
	te.t.Helper()
	if err := os.Remove(te.Path(name)); err != nil {
		te.t.Fatalf("remove %s: %v", name, err)
	}
}

// CreateTempFile creates a file with content outside the plugin directory.
func (te *TestEnvironment) CreateTempFile(pattern, content string) string {
	te.t.Helper()
	f, err := os.CreateTemp(te.t.TempDir(), pattern)
	if err != nil {
		te.t.Fatalf("create temp file: %v", err)
	}
	defer func() { _ = f.Close() }()
	if _, err := f.WriteString(content); err != nil {
		te.t.Fatalf("write temp file: %v", err)
	}
	return f.Name()
}

// AddCleanup registers a cleanup function
func (te *TestEnvironment) AddCleanup(fn func()) {
	te.mu.Lock()
	defer te.mu.Unlock()
	te.cleanup = append(te.cleanup, fn)
}

// Cleanup runs registered cleanup functions in reverse order
func (te *TestEnvironment) Cleanup() {
	te.mu.Lock()
	fns := te.cleanup
	te.cleanup = nil
	te.mu.Unlock()
	for i := len(fns) - 1; i >= 0; i-- {
		fns[i]()
	}
}

// testPipeline bundles the pieces a watcher test needs.
type testPipeline struct {
	env      *TestEnvironment
	catalog  *Catalog
	registry *Registry
	compiler *Compiler
	watcher  *DirectoryWatcher
	logger   *TestLogger
}

func newTestPipeline(t *testing.T, backend Backend) *testPipeline {
	t.Helper()
	if backend == nil {
		backend = NewLuaBackend()
	}
	env := NewTestEnvironment(t)
	logger := NewTestLogger()
	catalog := DefaultCatalog()
	registry := NewRegistry(catalog, nil)
	compiler := NewCompiler(catalog, backend, nil, logger)
	watcher := NewDirectoryWatcher(catalog, compiler, registry, WatcherConfig{
		Root:         env.Root(),
		PollInterval: 20 * time.Millisecond,
		Logger:       logger,
	})
	return &testPipeline{
		env:      env,
		catalog:  catalog,
		registry: registry,
		compiler: compiler,
		watcher:  watcher,
		logger:   logger,
	}
}

func (p *testPipeline) scan() {
	p.watcher.Scan(context.Background())
}

// countingContext is a trace context whose add function increments a counter.
type countingContext struct {
	value atomic.Int64
}

func (c *countingContext) traceContext() map[string]any {
	return map[string]any{
		"add": HostFunc(func(args []any) (any, error) {
			delta := int64(1)
			if len(args) > 0 {
				if n, ok := args[0].(int64); ok {
					delta = n
				}
			}
			return c.value.Add(delta), nil
		}),
	}
}

// countingBackend wraps a backend and counts Build calls.
type countingBackend struct {
	Backend
	builds atomic.Int64
}

func (b *countingBackend) Build(spec KindSpec, methods []MethodSource) (Program, error) {
	b.builds.Add(1)
	return b.Backend.Build(spec, methods)
}

// TestAssertions provides assertion helpers for tests
type TestAssertions struct {
	t *testing.T
}

// NewTestAssertions creates a new assertions helper
func NewTestAssertions(t *testing.T) *TestAssertions {
	return &TestAssertions{t: t}
}

// AssertNoError fails the test if err is not nil
func (ta *TestAssertions) AssertNoError(err error, msg string) {
	ta.t.Helper()
	if err != nil {
		ta.t.Fatalf("%s: unexpected error: %v", msg, err)
	}
}

// AssertError fails the test if err is nil
func (ta *TestAssertions) AssertError(err error, msg string) {
	ta.t.Helper()
	if err == nil {
		ta.t.Fatalf("%s: expected error but got none", msg)
	}
}

// AssertEqual fails the test if expected != actual
func (ta *TestAssertions) AssertEqual(expected, actual interface{}, msg string) {
	ta.t.Helper()
	if expected != actual {
		ta.t.Fatalf("%s: expected %v, got %v", msg, expected, actual)
	}
}

// AssertTrue fails the test if condition is false
func (ta *TestAssertions) AssertTrue(condition bool, msg string) {
	ta.t.Helper()
	if !condition {
		ta.t.Fatalf("%s: expected true", msg)
	}
}

// WaitForCondition waits for a condition to become true
func (ta *TestAssertions) WaitForCondition(condition func() bool, timeout time.Duration, msg string) {
	ta.t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	ta.t.Fatalf("%s: condition not met within %v", msg, timeout)
}
