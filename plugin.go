// plugin.go: Core plugin interfaces and types
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package traceplug

import (
	"context"
	"time"
)

// Backend turns composed method sources into executable programs. It is the
// only component that knows the scripting dialect.
type Backend interface {
	// Name identifies the backend in logs and plugin metadata
	Name() string

	// Prologue returns the dialect-specific text that binds the method
	// parameters to their names before the operator-supplied body
	Prologue(m MethodSpec) string

	// Build compiles one source per method of spec into a program.
	// Any syntax or type error is reported as the returned error.
	Build(spec KindSpec, methods []MethodSource) (Program, error)
}

// Program is a compiled, not yet instantiated, plugin.
type Program interface {
	// Instantiate creates a fresh callable instance
	Instantiate() (Instance, error)
}

// Instance is a live plugin object satisfying a kind contract.
// Invoke must be safe for concurrent use.
type Instance interface {
	// Invoke calls method with positional args matching the method schema.
	// The result is nil for void methods.
	Invoke(ctx context.Context, method string, args ...any) (any, error)
}

// MethodSource is the composed source of one method: backend prologue
// followed by the section body verbatim.
type MethodSource struct {
	Method MethodSpec
	Source string
}

// ScriptFile identifies a plugin script on disk.
type ScriptFile struct {
	Path    string
	ModTime time.Time
}

// CompiledPlugin is a published plugin instance. It is never mutated after
// publication.
type CompiledPlugin struct {
	ID              string
	Kind            Kind
	Instance        Instance
	SourcePath      string
	SourceTimestamp time.Time
	LoadedAt        time.Time
	Backend         string
}

// Invoke forwards to the underlying instance.
func (p *CompiledPlugin) Invoke(ctx context.Context, method string, args ...any) (any, error) {
	return p.Instance.Invoke(ctx, method, args...)
}
