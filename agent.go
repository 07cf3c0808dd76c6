// agent.go: wiring and lifecycle of the plugin pipeline
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package traceplug

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// agentStopTimeout bounds how long Stop waits for the watcher goroutine.
const agentStopTimeout = 10 * time.Second

// AgentOption customizes NewAgent.
type AgentOption func(*agentOptions)

type agentOptions struct {
	logger        Logger
	backend       Backend
	catalog       *Catalog
	observability ObservabilityConfig
	jdbcResets    []func()
}

// WithLogger sets the agent logger. Accepts anything NewLogger does.
func WithLogger(logger any) AgentOption {
	return func(o *agentOptions) {
		o.logger = NewLogger(logger)
	}
}

// WithBackend replaces the default Lua backend.
func WithBackend(backend Backend) AgentOption {
	return func(o *agentOptions) {
		o.backend = backend
	}
}

// WithCatalog replaces the built-in kind catalog.
func WithCatalog(catalog *Catalog) AgentOption {
	return func(o *agentOptions) {
		o.catalog = catalog
	}
}

// WithObservability sets the OpenTelemetry providers.
func WithObservability(config ObservabilityConfig) AgentOption {
	return func(o *agentOptions) {
		o.observability = config
	}
}

// WithJDBCPoolReset registers a callback run every time a jdbc-pool plugin
// is published, typically to drop cached connection URLs that the previous
// plugin produced.
func WithJDBCPoolReset(reset func()) AgentOption {
	return func(o *agentOptions) {
		if reset != nil {
			o.jdbcResets = append(o.jdbcResets, reset)
		}
	}
}

// Agent owns the registry, the watcher and the hook facade for one process.
//
//	agent, err := traceplug.NewAgent(cfg)
//	if err != nil {
//	    return err
//	}
//	if err := agent.Start(); err != nil {
//	    return err
//	}
//	defer agent.Stop()
//
//	agent.Hooks().HTTPCall(traceCtx, request)
type Agent struct {
	logger    Logger
	catalog   *Catalog
	backend   Backend
	telemetry *Telemetry
	compiler  *Compiler
	registry  *Registry
	watcher   *DirectoryWatcher
	hooks     *Hooks
	status    *StatusServer

	config atomic.Pointer[Config]

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewAgent builds the pipeline from cfg. Missing settings take their defaults.
func NewAgent(cfg Config, opts ...AgentOption) (*Agent, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	options := agentOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	logger := options.logger
	if logger == nil {
		logger = NewSlogLogger(os.Stderr, cfg.Logging.Format, cfg.Logging.Level)
	}
	catalog := options.catalog
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	backend := options.backend
	if backend == nil {
		backend = NewLuaBackend(WithCallTimeout(cfg.Lua.CallTimeout.Std()))
	}
	telemetry, err := NewTelemetry(options.observability)
	if err != nil {
		return nil, err
	}

	registry := NewRegistry(catalog, telemetry)
	compiler := NewCompiler(catalog, backend, telemetry, logger.With("component", "compiler"))
	watcher := NewDirectoryWatcher(catalog, compiler, registry, cfg.watcherConfig(logger.With("component", "watcher")))

	a := &Agent{
		logger:    logger,
		catalog:   catalog,
		backend:   backend,
		telemetry: telemetry,
		compiler:  compiler,
		registry:  registry,
		watcher:   watcher,
		hooks:     NewHooks(registry, telemetry, logger.With("component", "hooks"), WithBreaker(cfg.breakerConfig())),
	}
	a.config.Store(&cfg)

	if len(options.jdbcResets) > 0 {
		resets := options.jdbcResets
		registry.OnPublish(func(event PublishEvent) {
			if event.Kind != KindJDBCPool || event.Plugin == nil {
				return
			}
			for _, reset := range resets {
				a.runReset(reset)
			}
		})
	}

	if cfg.Status.Address != "" {
		a.status = NewStatusServer(cfg.Status.Address, registry, logger.With("component", "status"))
	}

	return a, nil
}

func (a *Agent) runReset(reset func()) {
	defer withStackRecover(a.logger)()
	reset()
}

// Start launches the watcher goroutine and, when configured, the status
// endpoint. Starting a running agent is a no-op.
func (a *Agent) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running {
		return nil
	}

	if a.status != nil {
		if err := a.status.Start(); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	a.cancel = cancel
	a.done = done
	a.running = true

	SafeGo(a.logger, func() {
		defer close(done)
		_ = a.watcher.Run(ctx)
	})

	a.logger.Info("Trace plugin agent started",
		"plugin_dir", a.watcher.Root(),
		"backend", a.backend.Name(),
		"kinds", len(a.catalog.Kinds()))
	return nil
}

// Stop cancels the watcher and closes the status endpoint. Published
// plugins stay reachable through the registry.
func (a *Agent) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.running {
		return
	}
	a.running = false
	a.cancel()

	select {
	case <-a.done:
	case <-time.After(agentStopTimeout):
		a.logger.Warn("Watcher did not stop in time")
	}

	if a.status != nil {
		a.status.Stop()
	}
	a.logger.Info("Trace plugin agent stopped")
}

// ApplyConfig applies the hot-reloadable parts of cfg to the running agent:
// plugin directory, poll interval, Lua call timeout and log level. The status
// address, event watching and hook breaker settings are fixed by NewAgent.
func (a *Agent) ApplyConfig(cfg Config) error {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}

	a.watcher.SetRoot(cfg.PluginDir)
	a.watcher.SetInterval(cfg.PollInterval.Std())
	if lua, ok := a.backend.(*LuaBackend); ok {
		lua.SetCallTimeout(cfg.Lua.CallTimeout.Std())
	}
	if setter, ok := a.logger.(levelSetter); ok {
		setter.SetLevel(cfg.Logging.Level)
	}

	a.config.Store(&cfg)
	a.logger.Debug("Agent configuration applied",
		"plugin_dir", cfg.PluginDir,
		"poll_interval", cfg.PollInterval.String())
	return nil
}

// Config returns the configuration currently in effect.
func (a *Agent) Config() Config {
	return *a.config.Load()
}

// Registry returns the plugin registry.
func (a *Agent) Registry() *Registry { return a.registry }

// Hooks returns the trace hook facade.
func (a *Agent) Hooks() *Hooks { return a.hooks }

// Watcher returns the directory watcher.
func (a *Agent) Watcher() *DirectoryWatcher { return a.watcher }

// Status returns the status endpoint, nil when not configured.
func (a *Agent) Status() *StatusServer { return a.status }

// Snapshot reports every plugin slot.
func (a *Agent) Snapshot() []SlotStatus { return a.registry.Snapshot() }
