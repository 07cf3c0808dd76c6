// compiler.go: script to plugin instance compilation pipeline
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package traceplug

import (
	"context"
	"fmt"
	"os"
	"time"

	timecache "github.com/agilira/go-timecache"
	"github.com/google/uuid"
)

// Compiler turns a script file into a CompiledPlugin for a given kind.
// It is driven entirely by the catalog, so one compiler serves every kind.
type Compiler struct {
	catalog   *Catalog
	backend   Backend
	telemetry *Telemetry
	logger    Logger
}

// NewCompiler creates a compiler. A nil telemetry uses no-op instruments and
// a nil logger discards output.
func NewCompiler(catalog *Catalog, backend Backend, telemetry *Telemetry, logger Logger) *Compiler {
	if telemetry == nil {
		telemetry = noopTelemetry()
	}
	if logger == nil {
		logger = DefaultLogger()
	}
	return &Compiler{
		catalog:   catalog,
		backend:   backend,
		telemetry: telemetry,
		logger:    logger,
	}
}

// Compile reads, parses, validates, builds and instantiates script as a
// plugin of kind. Required sections are checked before the backend is
// contacted. On success SourceTimestamp equals script.ModTime.
func (c *Compiler) Compile(ctx context.Context, kind Kind, script ScriptFile) (plugin *CompiledPlugin, err error) {
	started := time.Now()
	ctx, span := c.telemetry.startCompile(ctx, kind, script.Path)
	defer func() {
		c.telemetry.endCompile(ctx, span, kind, started, err)
	}()

	spec, ok := c.catalog.Lookup(kind)
	if !ok {
		return nil, NewUnknownKindError(kind)
	}

	data, readErr := os.ReadFile(script.Path)
	if readErr != nil {
		return nil, NewScriptIOError(kind, script.Path, readErr)
	}

	sections := ParseScript(string(data))
	for _, required := range spec.RequiredSections {
		if _, present := sections[required]; !present {
			return nil, NewMissingSectionError(kind, script.Path, required)
		}
	}

	methods := make([]MethodSource, 0, len(spec.Methods))
	for _, method := range spec.Methods {
		methods = append(methods, MethodSource{
			Method: method,
			Source: c.backend.Prologue(method) + sections[method.Section],
		})
	}

	program, buildErr := c.build(spec, methods)
	if buildErr != nil {
		return nil, NewCompileError(kind, script.Path, buildErr)
	}

	instance, instErr := c.instantiate(program)
	if instErr != nil {
		return nil, NewInstantiationError(kind, script.Path, instErr)
	}

	plugin = &CompiledPlugin{
		ID:              uuid.New().String(),
		Kind:            kind,
		Instance:        instance,
		SourcePath:      script.Path,
		SourceTimestamp: script.ModTime,
		LoadedAt:        timecache.CachedTime(),
		Backend:         c.backend.Name(),
	}

	c.logger.Debug("Script compiled",
		"kind", kind,
		"path", script.Path,
		"plugin_id", plugin.ID,
		"sections", len(sections))

	return plugin, nil
}

// build calls the backend, converting a backend panic into an error.
func (c *Compiler) build(spec KindSpec, methods []MethodSource) (program Program, err error) {
	defer func() {
		if r := recover(); r != nil {
			program = nil
			err = fmt.Errorf("backend panic: %v", r)
		}
	}()
	return c.backend.Build(spec, methods)
}

func (c *Compiler) instantiate(program Program) (instance Instance, err error) {
	defer func() {
		if r := recover(); r != nil {
			instance = nil
			err = fmt.Errorf("backend panic: %v", r)
		}
	}()
	if program == nil {
		return nil, fmt.Errorf("backend returned no program")
	}
	instance, err = program.Instantiate()
	if err == nil && instance == nil {
		err = fmt.Errorf("backend returned no instance")
	}
	return instance, err
}
