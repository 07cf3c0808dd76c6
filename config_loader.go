// config_loader.go: multi-format configuration loading and Argus-powered hot reload
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package traceplug

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/argus"
	"gopkg.in/yaml.v3"
)

// LoadConfig reads a configuration file in any format Argus detects (JSON,
// YAML, TOML, HCL, INI, Properties), expands environment references,
// applies TRACEPLUG_* overrides and defaults, and validates the result.
//
//	cfg, err := traceplug.LoadConfig("/etc/agent/traceplug.yaml")
func LoadConfig(path string) (Config, error) {
	return LoadConfigWithEnv(path, DefaultEnvConfigOptions())
}

// LoadConfigWithEnv is LoadConfig with explicit environment options.
func LoadConfigWithEnv(path string, envOptions EnvConfigOptions) (Config, error) {
	var config Config

	cleanPath := filepath.Clean(path)
	data, err := os.ReadFile(cleanPath) // #nosec G304 -- operator-supplied configuration path
	if err != nil {
		if os.IsNotExist(err) {
			return config, NewConfigNotFoundError(cleanPath)
		}
		return config, NewConfigParseError(cleanPath, err)
	}

	format := argus.DetectFormat(cleanPath)
	if err := parseConfigWithHybridStrategy(data, format, &config); err != nil {
		return config, NewConfigParseError(cleanPath, fmt.Errorf("parse %s config: %w", format, err))
	}

	if err := ProcessConfigWithEnv(&config, envOptions); err != nil {
		return config, err
	}

	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return config, err
	}
	return config, nil
}

// parseConfigWithHybridStrategy uses yaml.v3 for YAML and Argus for every
// other format.
func parseConfigWithHybridStrategy(configBytes []byte, format argus.ConfigFormat, config *Config) error {
	switch format {
	case argus.FormatYAML:
		if err := yaml.Unmarshal(configBytes, config); err != nil {
			return fmt.Errorf("failed to parse YAML config: %w", err)
		}
		return nil
	default:
		configMap, err := argus.ParseConfig(configBytes, format)
		if err != nil {
			return err
		}
		return bindConfig(configMap, config)
	}
}

// bindConfig converts a parsed configuration map to Config through JSON.
func bindConfig(configMap map[string]interface{}, config *Config) error {
	if configMap == nil {
		return fmt.Errorf("configuration map is nil")
	}
	jsonBytes, err := json.Marshal(configMap)
	if err != nil {
		return fmt.Errorf("failed to marshal config map to JSON: %w", err)
	}
	if err := json.Unmarshal(jsonBytes, config); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return nil
}

// ConfigApplier receives validated configuration updates.
type ConfigApplier interface {
	ApplyConfig(config Config) error
}

// ConfigWatcherOptions configures the Argus watcher of the agent config file.
type ConfigWatcherOptions struct {
	// PollInterval for file watching
	PollInterval time.Duration `json:"poll_interval"`

	// CacheTTL for Argus stat caching, should be <= PollInterval
	CacheTTL time.Duration `json:"cache_ttl"`

	// EnvOptions are applied to every reloaded file
	EnvOptions EnvConfigOptions `json:"env_options"`
}

// DefaultConfigWatcherOptions returns defaults suitable for a config file.
func DefaultConfigWatcherOptions() ConfigWatcherOptions {
	return ConfigWatcherOptions{
		PollInterval: 5 * time.Second,
		CacheTTL:     2 * time.Second,
		EnvOptions:   DefaultEnvConfigOptions(),
	}
}

// ConfigWatcher reloads the agent configuration file when it changes and
// hands valid versions to a ConfigApplier. Invalid versions are logged and
// ignored; the previous configuration stays in effect.
type ConfigWatcher struct {
	applier    ConfigApplier
	watcher    *argus.Watcher
	configPath string
	logger     Logger
	options    ConfigWatcherOptions

	enabled       atomic.Bool
	mu            sync.Mutex
	currentConfig atomic.Pointer[Config]

	stopOnce sync.Once
	stopped  atomic.Bool
}

// NewConfigWatcher creates a watcher for configPath. logger accepts anything
// NewLogger does.
func NewConfigWatcher(applier ConfigApplier, configPath string, options ConfigWatcherOptions, logger any) *ConfigWatcher {
	internalLogger := NewLogger(logger)
	if options.PollInterval <= 0 {
		options.PollInterval = DefaultConfigWatcherOptions().PollInterval
	}
	if options.CacheTTL <= 0 || options.CacheTTL > options.PollInterval {
		options.CacheTTL = options.PollInterval / 2
	}
	if options.EnvOptions.Prefix == "" {
		options.EnvOptions = DefaultEnvConfigOptions()
	}

	watcher := argus.New(argus.Config{
		PollInterval:         options.PollInterval,
		CacheTTL:             options.CacheTTL,
		MaxWatchedFiles:      4,
		OptimizationStrategy: argus.OptimizationSingleEvent,
		Audit:                argus.AuditConfig{Enabled: false},
		ErrorHandler: func(err error, path string) {
			internalLogger.Error("Argus file watching error", "error", err, "file", path)
		},
	})

	return &ConfigWatcher{
		applier:    applier,
		watcher:    watcher,
		configPath: configPath,
		logger:     internalLogger,
		options:    options,
	}
}

// Start loads and applies the configuration once, then watches the file.
func (cw *ConfigWatcher) Start() error {
	if cw.stopped.Load() {
		return NewConfigWatcherError("watcher has been permanently stopped and cannot be restarted", nil)
	}

	cw.mu.Lock()
	defer cw.mu.Unlock()

	if !cw.enabled.CompareAndSwap(false, true) {
		return NewConfigWatcherError("watcher is already running", nil)
	}

	initial, err := LoadConfigWithEnv(cw.configPath, cw.options.EnvOptions)
	if err != nil {
		cw.enabled.Store(false)
		return NewConfigWatcherError("failed to load initial configuration", err)
	}
	if err := cw.applier.ApplyConfig(initial); err != nil {
		cw.enabled.Store(false)
		return NewConfigWatcherError("failed to apply initial configuration", err)
	}
	cw.currentConfig.Store(&initial)

	if err := cw.watcher.Watch(cw.configPath, cw.handleConfigChange); err != nil {
		cw.enabled.Store(false)
		return NewConfigWatcherError("failed to watch config file", err)
	}
	if err := cw.watcher.Start(); err != nil {
		cw.enabled.Store(false)
		return NewConfigWatcherError("failed to start Argus watcher", err)
	}

	cw.logger.Info("Configuration watcher started",
		"config_path", cw.configPath,
		"poll_interval", cw.options.PollInterval)
	return nil
}

// Stop stops watching. A stopped watcher cannot be restarted.
func (cw *ConfigWatcher) Stop() error {
	if cw.stopped.Load() {
		return NewConfigWatcherError("watcher is already stopped", nil)
	}

	var stopErr error
	cw.stopOnce.Do(func() {
		cw.mu.Lock()
		defer cw.mu.Unlock()

		if !cw.enabled.CompareAndSwap(true, false) {
			stopErr = NewConfigWatcherError("watcher is not running", nil)
			return
		}
		cw.stopped.Store(true)

		if err := cw.watcher.Stop(); err != nil {
			stopErr = NewConfigWatcherError("failed to stop Argus watcher", err)
			return
		}
		cw.logger.Info("Configuration watcher stopped")
	})
	return stopErr
}

// IsRunning reports whether the watcher is active.
func (cw *ConfigWatcher) IsRunning() bool {
	return cw.enabled.Load()
}

// CurrentConfig returns the last applied configuration.
func (cw *ConfigWatcher) CurrentConfig() *Config {
	return cw.currentConfig.Load()
}

func (cw *ConfigWatcher) handleConfigChange(event argus.ChangeEvent) {
	if event.IsDelete {
		cw.logger.Warn("Configuration file was deleted, keeping current configuration", "path", event.Path)
		return
	}
	cw.reload(event.Path)
}

// reload loads path and applies it when valid.
func (cw *ConfigWatcher) reload(path string) {
	next, err := LoadConfigWithEnv(path, cw.options.EnvOptions)
	if err != nil {
		cw.logger.Error("Ignoring invalid configuration update", "path", path, "error", err)
		return
	}
	if err := cw.applier.ApplyConfig(next); err != nil {
		cw.logger.Error("Failed to apply configuration update", "path", path, "error", err)
		return
	}
	cw.currentConfig.Store(&next)
	cw.logger.Info("Configuration reloaded",
		"path", path,
		"plugin_dir", next.PluginDir,
		"poll_interval", next.PollInterval.String())
}
