// config.go: agent configuration types, defaults and validation
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package traceplug

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// MinPollInterval is the shortest accepted directory poll interval.
const MinPollInterval = 10 * time.Millisecond

// DefaultPluginDir is used when no plugin directory is configured.
const DefaultPluginDir = "plugin"

// DefaultLuaCallTimeout bounds a script invocation when none is configured.
const DefaultLuaCallTimeout = 100 * time.Millisecond

// Duration is a time.Duration that reads "5s"-style strings or integer
// nanoseconds from JSON and YAML.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// String implements fmt.Stringer.
func (d Duration) String() string { return time.Duration(d).String() }

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		return d.parse(v)
	case float64:
		*d = Duration(int64(v))
		return nil
	case nil:
		*d = 0
		return nil
	default:
		return fmt.Errorf("invalid duration %s", string(data))
	}
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	return d.parse(raw)
}

func (d *Duration) parse(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		*d = 0
		return nil
	}
	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}
	nanos, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid duration %q", raw)
	}
	*d = Duration(nanos)
	return nil
}

// Config is the agent configuration.
//
// Example YAML:
//
//	plugin_dir: ${AGENT_HOME:-/opt/agent}/plugin
//	poll_interval: 5s
//	watch_events: true
//	lua:
//	  call_timeout: 50ms
//	hooks:
//	  failure_threshold: 20
//	  cooldown: 30s
//	status:
//	  address: 127.0.0.1:7105
//	logging:
//	  level: info
//	  format: json
type Config struct {
	// Directory holding the well-known *.plug files
	PluginDir string `json:"plugin_dir" yaml:"plugin_dir"`

	// Pause between two scans of PluginDir
	PollInterval Duration `json:"poll_interval" yaml:"poll_interval"`

	// Scan early on file system events; polling stays authoritative
	WatchEvents bool `json:"watch_events" yaml:"watch_events"`

	// Quiet period before an event-triggered scan
	EventDebounce Duration `json:"event_debounce" yaml:"event_debounce"`

	Lua     LuaConfig     `json:"lua" yaml:"lua"`
	Hooks   HooksConfig   `json:"hooks" yaml:"hooks"`
	Status  StatusConfig  `json:"status" yaml:"status"`
	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// LuaConfig configures the Lua backend.
type LuaConfig struct {
	// Upper bound for one script invocation; zero selects DefaultLuaCallTimeout
	CallTimeout Duration `json:"call_timeout" yaml:"call_timeout"`
}

// HooksConfig configures the hook breakers.
type HooksConfig struct {
	// Consecutive script failures before calls are suspended; zero disables
	FailureThreshold int `json:"failure_threshold" yaml:"failure_threshold"`

	// How long calls stay suspended before a probe call
	Cooldown Duration `json:"cooldown" yaml:"cooldown"`
}

// StatusConfig configures the optional gRPC health endpoint.
type StatusConfig struct {
	// Listen address; empty disables the endpoint
	Address string `json:"address" yaml:"address"`
}

// LoggingConfig configures the agent's own slog logger.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() Config {
	cfg := Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.PluginDir == "" {
		c.PluginDir = DefaultPluginDir
	}
	if c.PollInterval <= 0 {
		c.PollInterval = Duration(DefaultPollInterval)
	}
	if c.EventDebounce <= 0 {
		c.EventDebounce = Duration(DefaultEventDebounce)
	}
	if c.Lua.CallTimeout == 0 {
		c.Lua.CallTimeout = Duration(DefaultLuaCallTimeout)
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks the configuration. Call ApplyDefaults first when partial
// configurations are acceptable.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.PluginDir) == "" {
		return NewConfigValidationError("plugin_dir cannot be empty", nil)
	}
	if c.PollInterval.Std() < MinPollInterval {
		return NewConfigValidationError(fmt.Sprintf("poll_interval must be at least %s", MinPollInterval), nil)
	}
	if c.EventDebounce < 0 {
		return NewConfigValidationError("event_debounce cannot be negative", nil)
	}
	if c.Lua.CallTimeout < 0 {
		return NewConfigValidationError("lua.call_timeout cannot be negative", nil)
	}
	if c.Hooks.FailureThreshold < 0 {
		return NewConfigValidationError("hooks.failure_threshold cannot be negative", nil)
	}
	if c.Hooks.Cooldown < 0 {
		return NewConfigValidationError("hooks.cooldown cannot be negative", nil)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return NewConfigValidationError(fmt.Sprintf("unsupported logging.level %q", c.Logging.Level), nil)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return NewConfigValidationError(fmt.Sprintf("unsupported logging.format %q", c.Logging.Format), nil)
	}
	return nil
}

// breakerConfig derives the hook breaker settings.
func (c *Config) breakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: c.Hooks.FailureThreshold,
		Cooldown:         c.Hooks.Cooldown.Std(),
	}
}

// watcherConfig derives the directory watcher settings.
func (c *Config) watcherConfig(logger Logger) WatcherConfig {
	return WatcherConfig{
		Root:          c.PluginDir,
		PollInterval:  c.PollInterval.Std(),
		WatchEvents:   c.WatchEvents,
		EventDebounce: c.EventDebounce.Std(),
		Logger:        logger,
	}
}
