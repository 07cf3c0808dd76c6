// errors.go: structured error definitions for the traceplug pipeline
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package traceplug

import (
	stderrors "errors"

	"github.com/agilira/go-errors"
)

// Error codes for the traceplug system
const (
	// Configuration management errors (1700-1799)
	ErrCodeConfigNotFound        = "CONFIG_1701"
	ErrCodeConfigParseError      = "CONFIG_1702"
	ErrCodeConfigValidationError = "CONFIG_1703"
	ErrCodeConfigWatcherError    = "CONFIG_1704"

	// Script pipeline errors (2100-2199)
	ErrCodeScriptIO           = "SCRIPT_2101"
	ErrCodeMissingSection     = "SCRIPT_2102"
	ErrCodeCompileFailed      = "SCRIPT_2103"
	ErrCodeInstantiation      = "SCRIPT_2104"
	ErrCodeUnknownKind        = "SCRIPT_2105"
	ErrCodeInvocationFailed   = "SCRIPT_2106"
	ErrCodeUnsupportedMethod  = "SCRIPT_2107"
	ErrCodeStatusServerFailed = "STATUS_2201"
)

// Script pipeline error constructors

// NewScriptIOError reports a script file that could not be read.
func NewScriptIOError(kind Kind, path string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeScriptIO, "Script file unreadable").
		WithUserMessage("The plugin script could not be read").
		WithContext("kind", string(kind)).
		WithContext("path", path).
		WithSeverity("error")
}

// NewMissingSectionError reports a required section absent from a script.
func NewMissingSectionError(kind Kind, path, section string) *errors.Error {
	return errors.New(ErrCodeMissingSection, "no method body: "+section).
		WithUserMessage("The plugin script is missing a required section").
		WithContext("kind", string(kind)).
		WithContext("path", path).
		WithContext("section", section).
		WithSeverity("error")
}

// NewCompileError reports a backend rejection of the composed method bodies.
func NewCompileError(kind Kind, path string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeCompileFailed, "Script compilation failed").
		WithUserMessage("The plugin script failed to compile").
		WithContext("kind", string(kind)).
		WithContext("path", path).
		WithContext("backend_message", messageOf(cause)).
		WithSeverity("error")
}

// NewInstantiationError reports a compiled program that could not be instantiated.
func NewInstantiationError(kind Kind, path string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeInstantiation, "Plugin instantiation failed").
		WithUserMessage("The compiled plugin could not be instantiated").
		WithContext("kind", string(kind)).
		WithContext("path", path).
		WithSeverity("error")
}

func NewUnknownKindError(kind Kind) *errors.Error {
	return errors.New(ErrCodeUnknownKind, "Unknown plugin kind").
		WithUserMessage("The plugin kind is not part of the catalog").
		WithContext("kind", string(kind)).
		WithSeverity("error")
}

func NewInvocationError(kind Kind, method string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeInvocationFailed, "Plugin invocation failed").
		WithUserMessage("The plugin script raised an error while handling a trace event").
		WithContext("kind", string(kind)).
		WithContext("method", method).
		WithSeverity("warning")
}

func NewUnsupportedMethodError(method string) *errors.Error {
	return errors.New(ErrCodeUnsupportedMethod, "Unsupported plugin method").
		WithUserMessage("The plugin instance does not implement the requested method").
		WithContext("method", method).
		WithSeverity("error")
}

// Configuration management error constructors

func NewConfigNotFoundError(path string) *errors.Error {
	return errors.New(ErrCodeConfigNotFound, "Configuration file not found").
		WithUserMessage("The configuration file could not be found").
		WithContext("config_path", path).
		WithSeverity("error")
}

func NewConfigParseError(path string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeConfigParseError, "Configuration parse error").
		WithUserMessage("Failed to parse configuration file").
		WithContext("config_path", path).
		WithSeverity("error")
}

func NewConfigValidationError(message string, cause error) *errors.Error {
	if cause != nil {
		return errors.Wrap(cause, ErrCodeConfigValidationError, "Configuration validation error: "+message).
			WithUserMessage("Configuration validation failed").
			WithSeverity("error")
	}
	return errors.New(ErrCodeConfigValidationError, "Configuration validation error: "+message).
		WithUserMessage("Configuration validation failed").
		WithSeverity("error")
}

func NewConfigWatcherError(message string, cause error) *errors.Error {
	if cause == nil {
		return errors.New(ErrCodeConfigWatcherError, "Configuration watcher error: "+message).
			WithUserMessage("Configuration monitoring failed").
			WithSeverity("error")
	}
	return errors.Wrap(cause, ErrCodeConfigWatcherError, "Configuration watcher error: "+message).
		WithUserMessage("Configuration monitoring failed").
		WithSeverity("error")
}

func NewStatusServerError(address string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeStatusServerFailed, "Status server failed").
		WithUserMessage("The plugin status endpoint could not be started").
		WithContext("address", address).
		WithSeverity("error")
}

// ErrorCodeOf returns the go-errors code carried by err, or "" when err is not
// a structured error.
func ErrorCodeOf(err error) string {
	var structured *errors.Error
	if stderrors.As(err, &structured) {
		return string(structured.ErrorCode())
	}
	return ""
}

// IsMissingSection reports whether err is a missing-section failure.
func IsMissingSection(err error) bool {
	return ErrorCodeOf(err) == ErrCodeMissingSection
}

// IsCompileError reports whether err is a backend compilation failure.
func IsCompileError(err error) bool {
	return ErrorCodeOf(err) == ErrCodeCompileFailed
}

// SectionOf returns the missing section recorded on a missing-section error.
func SectionOf(err error) string {
	var structured *errors.Error
	if !stderrors.As(err, &structured) {
		return ""
	}
	section, _ := structured.Context["section"].(string)
	return section
}

func messageOf(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
