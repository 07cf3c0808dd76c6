// env_config.go: Environment variable expansion and overrides for agent configuration
//
// Configuration values may reference the environment with ${VAR} or
// ${VAR:-default}, and every scalar setting can be overridden by a
// TRACEPLUG_* variable, which is how container deployments usually point the
// agent at a mounted plugin directory.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package traceplug

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// DefaultEnvPrefix prefixes every environment override.
const DefaultEnvPrefix = "TRACEPLUG_"

// maxEnvValueLength bounds expanded values.
const maxEnvValueLength = 4096

var variablePattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// EnvConfigOptions configures environment variable processing behavior.
type EnvConfigOptions struct {
	// Prefix for environment variables (e.g., "TRACEPLUG_")
	Prefix string `json:"prefix" yaml:"prefix"`

	// Whether to fail when a referenced variable has no value and no default
	FailOnMissing bool `json:"fail_on_missing" yaml:"fail_on_missing"`

	// Whether to reject values with null bytes or control characters
	ValidateValues bool `json:"validate_values" yaml:"validate_values"`

	// Whether TRACEPLUG_* variables override file values
	AllowOverrides bool `json:"allow_overrides" yaml:"allow_overrides"`

	// Default values for undefined environment variables
	Defaults map[string]string `json:"defaults,omitempty" yaml:"defaults,omitempty"`
}

// DefaultEnvConfigOptions returns the options used by LoadConfig.
func DefaultEnvConfigOptions() EnvConfigOptions {
	return EnvConfigOptions{
		Prefix:         DefaultEnvPrefix,
		FailOnMissing:  false,
		ValidateValues: true,
		AllowOverrides: true,
		Defaults:       make(map[string]string),
	}
}

// ExpandEnvironmentVariables expands ${VAR} and ${VAR:-default} in input.
//
// Resolution order for each variable: prefixed environment variable,
// plain environment variable, inline default, options.Defaults. A missing
// variable expands to "" unless FailOnMissing is set.
//
//	dir, err := ExpandEnvironmentVariables("${AGENT_HOME:-/opt/agent}/plugins", opts)
func ExpandEnvironmentVariables(input string, options EnvConfigOptions) (string, error) {
	if input == "" {
		return input, nil
	}

	var firstErr error
	result := variablePattern.ReplaceAllStringFunc(input, func(match string) string {
		submatches := variablePattern.FindStringSubmatch(match)
		if len(submatches) < 2 {
			return match
		}

		inlineDefault := ""
		if len(submatches) >= 4 {
			inlineDefault = submatches[3]
		}

		expanded, err := expandSingleEnvironmentVariable(submatches[1], inlineDefault, options)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return match
		}
		return expanded
	})

	if firstErr != nil {
		return "", firstErr
	}
	return result, nil
}

func expandSingleEnvironmentVariable(varName, inlineDefault string, options EnvConfigOptions) (string, error) {
	prefixedName := options.Prefix + varName
	if value := os.Getenv(prefixedName); value != "" {
		return validateAndSanitizeValue(value, options)
	}
	if value := os.Getenv(varName); value != "" {
		return validateAndSanitizeValue(value, options)
	}
	if inlineDefault != "" {
		return validateAndSanitizeValue(inlineDefault, options)
	}
	if value, exists := options.Defaults[varName]; exists {
		return validateAndSanitizeValue(value, options)
	}

	if options.FailOnMissing {
		return "", NewConfigValidationError(fmt.Sprintf("required environment variable not found: %s (also tried %s)", varName, prefixedName), nil)
	}
	return "", nil
}

func validateAndSanitizeValue(value string, options EnvConfigOptions) (string, error) {
	if !options.ValidateValues {
		return value, nil
	}

	if strings.Contains(value, "\x00") {
		return "", NewConfigValidationError("environment variable value contains null byte", nil)
	}
	if len(value) > maxEnvValueLength {
		return "", NewConfigValidationError(fmt.Sprintf("environment variable value too long: %d bytes (max %d)", len(value), maxEnvValueLength), nil)
	}
	for i, r := range value {
		if r < 32 && r != '\t' {
			return "", NewConfigValidationError(fmt.Sprintf("environment variable contains control character at position %d", i), nil)
		}
	}
	return value, nil
}

// ProcessConfigWithEnv expands variables in the path-like fields of config
// and then applies TRACEPLUG_* overrides when enabled.
func ProcessConfigWithEnv(config *Config, options EnvConfigOptions) error {
	var err error
	if config.PluginDir, err = ExpandEnvironmentVariables(config.PluginDir, options); err != nil {
		return fmt.Errorf("plugin_dir: %w", err)
	}
	if config.Status.Address, err = ExpandEnvironmentVariables(config.Status.Address, options); err != nil {
		return fmt.Errorf("status.address: %w", err)
	}
	if options.AllowOverrides {
		return ApplyEnvOverrides(config, options.Prefix)
	}
	return nil
}

// ApplyEnvOverrides overrides config fields from prefixed environment
// variables: PLUGIN_DIR, POLL_INTERVAL, WATCH_EVENTS, LUA_CALL_TIMEOUT,
// HOOK_FAILURE_THRESHOLD, STATUS_ADDRESS, LOG_LEVEL and LOG_FORMAT.
func ApplyEnvOverrides(config *Config, prefix string) error {
	if value, ok := lookupEnv(prefix + "PLUGIN_DIR"); ok {
		config.PluginDir = value
	}
	if value, ok := lookupEnv(prefix + "POLL_INTERVAL"); ok {
		d, err := parseEnvDuration(prefix+"POLL_INTERVAL", value)
		if err != nil {
			return err
		}
		config.PollInterval = Duration(d)
	}
	if value, ok := lookupEnv(prefix + "WATCH_EVENTS"); ok {
		enabled, err := strconv.ParseBool(value)
		if err != nil {
			return NewConfigValidationError(prefix+"WATCH_EVENTS must be a boolean", err)
		}
		config.WatchEvents = enabled
	}
	if value, ok := lookupEnv(prefix + "LUA_CALL_TIMEOUT"); ok {
		d, err := parseEnvDuration(prefix+"LUA_CALL_TIMEOUT", value)
		if err != nil {
			return err
		}
		config.Lua.CallTimeout = Duration(d)
	}
	if value, ok := lookupEnv(prefix + "HOOK_FAILURE_THRESHOLD"); ok {
		threshold, err := strconv.Atoi(value)
		if err != nil {
			return NewConfigValidationError(prefix+"HOOK_FAILURE_THRESHOLD must be an integer", err)
		}
		config.Hooks.FailureThreshold = threshold
	}
	if value, ok := lookupEnv(prefix + "STATUS_ADDRESS"); ok {
		config.Status.Address = value
	}
	if value, ok := lookupEnv(prefix + "LOG_LEVEL"); ok {
		config.Logging.Level = value
	}
	if value, ok := lookupEnv(prefix + "LOG_FORMAT"); ok {
		config.Logging.Format = value
	}
	return nil
}

func lookupEnv(name string) (string, bool) {
	value, ok := os.LookupEnv(name)
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	return value, value != ""
}

func parseEnvDuration(name, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, NewConfigValidationError(name+" must be a duration such as 5s", err)
	}
	return d, nil
}
